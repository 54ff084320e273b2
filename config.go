package conveyor

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Never is the Retention value for jobs that are kept forever.
const Never Retention = 0

// Retention is a data-retention window. The zero value means "never":
// jobs are kept in their current state indefinitely.
type Retention time.Duration

// ParseRetention parses the retention syntax used in service
// configuration files: a number followed by h, d, m, or y (hours, days,
// months, years), e.g. "24h", "30d", "3m", "1y", or the literal "NEVER".
func ParseRetention(s string) (Retention, error) {
	if strings.EqualFold(s, "never") {
		return Never, nil
	}
	if len(s) < 2 {
		return 0, fmt.Errorf("conveyor: invalid retention %q", s)
	}
	n, err := strconv.ParseFloat(s[:len(s)-1], 64)
	if err != nil {
		return 0, fmt.Errorf("conveyor: invalid retention %q", s)
	}
	var unit time.Duration
	switch s[len(s)-1] {
	case 'h':
		unit = time.Hour
	case 'd':
		unit = 24 * time.Hour
	case 'm':
		unit = 30 * 24 * time.Hour
	case 'y':
		unit = 365 * 24 * time.Hour
	default:
		return 0, fmt.Errorf("conveyor: invalid retention %q (want h, d, m, y or NEVER)", s)
	}
	return Retention(float64(unit) * n), nil
}

// Duration returns the retention window as a time.Duration. Only
// meaningful when the retention is not Never.
func (r Retention) Duration() time.Duration { return time.Duration(r) }

// DeadlineFrom returns the absolute deadline for data retained from t,
// or the zero time if the retention is Never.
func (r Retention) DeadlineFrom(t time.Time) time.Time {
	if r == Never {
		return time.Time{}
	}
	return t.Add(time.Duration(r))
}

// Config holds service-wide configuration shared by the façade, the
// executor, and the retention sweeper.
type Config struct {
	// ServiceName identifies the service in operator alerts.
	ServiceName string

	// IncomingDir is the directory under which newly submitted job
	// directories are created, one per job.
	IncomingDir string

	// Archive is how long completed results stay in COMPLETED before
	// moving to ARCHIVED. Never disables archival.
	Archive Retention

	// Expire is how long results stay retrievable (COMPLETED plus
	// ARCHIVED) before moving to EXPIRED. Never disables expiry.
	Expire Retention

	// PollInterval is how often the executor polls for INCOMING and
	// RUNNING jobs.
	PollInterval time.Duration

	// SweepSchedule is the cron descriptor for the archival/expiry
	// sweep, e.g. "@every 1h".
	SweepSchedule string

	// RateWindow and RateCeiling throttle clients: at most RateCeiling
	// operations per client identity per RateWindow.
	RateWindow  time.Duration
	RateCeiling int

	// RESTURL is the base URL of the REST tier, used to build the job
	// handle returned on submission.
	RESTURL string

	// ResultsURL is the base URL under which job result files are
	// served, used to synthesize per-file download URLs.
	ResultsURL string
}

// DefaultConfig returns a Config with sensible defaults. Retention
// defaults mirror a typical deployment: archive after 30 days, expire
// after 90.
func DefaultConfig() Config {
	return Config{
		ServiceName:   "conveyor",
		IncomingDir:   "/var/lib/conveyor/incoming",
		Archive:       Retention(30 * 24 * time.Hour),
		Expire:        Retention(90 * 24 * time.Hour),
		PollInterval:  30 * time.Second,
		SweepSchedule: "@every 1h",
		RateWindow:    time.Minute,
		RateCeiling:   30,
		RESTURL:       "http://localhost:8080/rest",
		ResultsURL:    "http://localhost:8080/results",
	}
}

// Validate checks cross-field constraints. The archive window must not
// exceed the expire window (Never counts as infinity).
func (c Config) Validate() error {
	if c.Expire != Never && (c.Archive == Never || c.Archive > c.Expire) {
		return fmt.Errorf("conveyor: archive retention (%s) cannot exceed expire retention (%s)",
			retentionString(c.Archive), retentionString(c.Expire))
	}
	if c.RateCeiling < 0 {
		return errors.New("conveyor: rate ceiling cannot be negative")
	}
	return nil
}

func retentionString(r Retention) string {
	if r == Never {
		return "NEVER"
	}
	return time.Duration(r).String()
}
