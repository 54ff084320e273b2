// Package gate is the authentication and rate-limit gate in front of
// job data. It validates per-job secrets and per-user credential
// hashes, and throttles clients with a keyed fixed-window counter.
//
// The gate never reveals why access was denied: a wrong secret, a wrong
// password, an unknown job, and an unknown user all surface as the same
// outcome, so callers cannot probe for existence.
package gate

import (
	"context"
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	conveyor "github.com/conveyorq/conveyor"
	"github.com/conveyorq/conveyor/job"
)

// Gate bundles credential verification with a client rate limiter.
type Gate struct {
	users   job.UserStore
	limiter Limiter
}

// New creates a Gate. users may be nil when the deployment has no
// authenticated users; limiter may be nil to disable throttling.
func New(users job.UserStore, limiter Limiter) *Gate {
	return &Gate{users: users, limiter: limiter}
}

// CheckJobAccess decides whether the caller may view the job. Access is
// granted when the supplied secret matches the job's stored secret
// (constant-time), or when asUser is the job's owner. A job with no
// stored secret is accessible only to its owner.
func (g *Gate) CheckJobAccess(j *job.Job, passwd, asUser string) error {
	if j.Owned() && asUser != "" && j.User == asUser {
		return nil
	}
	if j.HasSecret() && secretsEqual(j.Passwd, passwd) {
		return nil
	}
	return conveyor.ErrAccessDenied
}

// VerifyUser checks a user's password against the stored bcrypt hash.
// An unknown user and a wrong password return the identical error.
func (g *Gate) VerifyUser(ctx context.Context, name, password string) (*job.User, error) {
	if g.users == nil {
		return nil, conveyor.ErrAccessDenied
	}
	u, err := g.users.GetUser(ctx, name)
	if err != nil {
		// Burn a comparison so the unknown-user path costs the same as
		// a mismatch.
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return nil, conveyor.ErrAccessDenied
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.CredentialHash), []byte(password)); err != nil {
		return nil, conveyor.ErrAccessDenied
	}
	return u, nil
}

// Charge counts one operation against the client's rate allowance and
// reports the throttling decision. Denied and failed operations are
// charged like successful ones. With no limiter configured every
// request is allowed.
func (g *Gate) Charge(ctx context.Context, clientKey string) (Decision, error) {
	if g.limiter == nil {
		return Decision{Allowed: true, Remaining: -1}, nil
	}
	d, err := g.limiter.Allow(ctx, clientKey)
	if err != nil {
		return Decision{}, fmt.Errorf("gate: charge %q: %w", clientKey, err)
	}
	return d, nil
}

// dummyHash is a valid bcrypt hash of an unguessable value, used to
// equalize timing on the unknown-user path.
var dummyHash = func() []byte {
	h, err := bcrypt.GenerateFromPassword([]byte("conveyor-gate-dummy"), bcrypt.DefaultCost)
	if err != nil {
		panic(fmt.Sprintf("gate: generate dummy hash: %v", err))
	}
	return h
}()

// secretsEqual compares two secrets in constant time. Empty supplied
// secrets never match.
func secretsEqual(stored, supplied string) bool {
	if supplied == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(supplied)) == 1
}
