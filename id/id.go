// Package id mints job names and job secrets.
//
// Job names are TypeIDs: type-prefixed, K-sortable (UUIDv7-based), URL-safe
// identifiers in the format "job_suffix". Because the suffix is K-sortable,
// lexical order over names closely tracks submission order. Names are
// globally unique and never reused.
//
// Job secrets are short random tokens generated from crypto/rand. They are
// stored verbatim on the job row and compared in constant time by the gate.
package id

import (
	"crypto/rand"
	"fmt"

	"go.jetify.com/typeid/v2"
)

// jobPrefix is the TypeID prefix for job names.
const jobPrefix = "job"

// SecretLen is the length of generated job secrets. Matches the width of
// the passwd column in the job table.
const SecretLen = 10

// secretAlphabet deliberately excludes visually ambiguous characters
// (0/O, 1/l/I) since secrets end up in emailed URLs.
const secretAlphabet = "23456789abcdefghijkmnpqrstuvwxyzABCDEFGHJKLMNPQRSTUVWXYZ"

// NewJobName generates a new globally unique job name.
func NewJobName() string {
	tid, err := typeid.Generate(jobPrefix)
	if err != nil {
		// The prefix is a compile-time constant; Generate can only fail
		// on an invalid prefix.
		panic(fmt.Sprintf("id: generate job name: %v", err))
	}
	return tid.String()
}

// ParseJobName validates that s is a well-formed job name.
func ParseJobName(s string) error {
	if s == "" {
		return fmt.Errorf("id: parse job name: empty string")
	}
	tid, err := typeid.Parse(s)
	if err != nil {
		return fmt.Errorf("id: parse job name %q: %w", s, err)
	}
	if tid.Prefix() != jobPrefix {
		return fmt.Errorf("id: job name %q: expected prefix %q, got %q", s, jobPrefix, tid.Prefix())
	}
	return nil
}

// NewSecret generates a new job secret of SecretLen characters.
func NewSecret() string {
	buf := make([]byte, SecretLen)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("id: read random: %v", err))
	}
	for i, b := range buf {
		buf[i] = secretAlphabet[int(b)%len(secretAlphabet)]
	}
	return string(buf)
}
