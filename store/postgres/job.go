package postgres

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	conveyor "github.com/conveyorq/conveyor"
	"github.com/conveyorq/conveyor/job"
)

const jobColumns = `
	name, state, passwd, user_name, contact_email, directory,
	runner_id, failure, results,
	submit_time, run_time, end_time, archive_time, expire_time`

// EnqueueJob persists a new job in INCOMING state.
func (s *Store) EnqueueJob(ctx context.Context, j *job.Job) error {
	results, err := marshalResults(j.Results)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO conveyor_jobs (
			name, state, passwd, user_name, contact_email, directory,
			runner_id, failure, results,
			submit_time, run_time, end_time, archive_time, expire_time
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9,
			COALESCE($10, NOW()), $11, $12, $13, $14
		)`,
		j.Name, string(job.StateIncoming),
		nullIfEmpty(j.Passwd), nullIfEmpty(j.User),
		nullIfEmpty(j.ContactEmail), nullIfEmpty(j.Directory),
		nullIfEmpty(j.RunnerID), nullIfEmpty(j.Failure), results,
		nullIfZeroTime(j.SubmitTime), j.RunTime, j.EndTime,
		j.ArchiveTime, j.ExpireTime,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return conveyor.ErrDuplicateJob
		}
		return fmt.Errorf("conveyor/postgres: enqueue job: %w", storeErr(err))
	}
	return nil
}

// GetJob retrieves a job by name.
func (s *Store) GetJob(ctx context.Context, name string) (*job.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM conveyor_jobs WHERE name = $1`, name)

	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, conveyor.ErrJobNotFound
		}
		return nil, fmt.Errorf("conveyor/postgres: get job: %w", storeErr(err))
	}
	return j, nil
}

// ListJobsByState returns jobs in the given state in submission order.
func (s *Store) ListJobsByState(ctx context.Context, state job.State, opts job.ListOpts) ([]*job.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM conveyor_jobs WHERE state = $1`
	args := []any{string(state)}

	if !opts.DueBefore.IsZero() {
		col := deadlineColumn(state)
		if col == "" {
			// No retention deadline applies to this state.
			return nil, nil
		}
		q += fmt.Sprintf(" AND %s IS NOT NULL AND %s < $2", col, col)
		args = append(args, opts.DueBefore)
	}
	q += " ORDER BY submit_time, name"
	if opts.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("conveyor/postgres: list jobs: %w", storeErr(err))
	}
	defer rows.Close()

	return collectJobs(rows)
}

// AdvanceState moves the named job from one state to another with
// compare-and-set semantics. The WHERE clause matches both name and
// the expected current state, so a concurrent transition loses cleanly
// with ErrStateConflict instead of clobbering.
func (s *Store) AdvanceState(ctx context.Context, name string, from, to job.State, set job.Update) error {
	if !job.CanTransition(from, to) {
		return conveyor.ErrStateConflict
	}
	results, err := marshalResults(set.Results)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE conveyor_jobs SET
			state        = $3,
			run_time     = COALESCE($4, run_time),
			runner_id    = COALESCE($5, runner_id),
			end_time     = COALESCE($6, end_time),
			archive_time = COALESCE($7, archive_time),
			expire_time  = COALESCE($8, expire_time),
			results      = COALESCE($9, results),
			failure      = COALESCE($10, failure)
		WHERE name = $1 AND state = $2`,
		name, string(from), string(to),
		set.RunTime, nullIfEmpty(set.RunnerID), set.EndTime,
		set.ArchiveTime, set.ExpireTime, results, nullIfEmpty(set.Failure),
	)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: advance state: %w", storeErr(err))
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// No row matched: distinguish a missing job from a state mismatch.
	var exists bool
	err = s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM conveyor_jobs WHERE name = $1)`, name,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: advance state: %w", storeErr(err))
	}
	if !exists {
		return conveyor.ErrJobNotFound
	}
	return conveyor.ErrStateConflict
}

// FetchBySecret retrieves a job by name and secret. An unknown name and
// a wrong secret are indistinguishable to the caller.
func (s *Store) FetchBySecret(ctx context.Context, name, passwd string) (*job.Job, error) {
	j, err := s.GetJob(ctx, name)
	if err != nil {
		return nil, err
	}
	if !j.HasSecret() || subtle.ConstantTimeCompare([]byte(j.Passwd), []byte(passwd)) != 1 {
		return nil, conveyor.ErrJobNotFound
	}
	return j, nil
}

// ListJobsForUser returns all jobs owned by user in submission order.
func (s *Store) ListJobsForUser(ctx context.Context, user string) ([]*job.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM conveyor_jobs
		 WHERE user_name = $1 ORDER BY submit_time, name`, user)
	if err != nil {
		return nil, fmt.Errorf("conveyor/postgres: list jobs for user: %w", storeErr(err))
	}
	defer rows.Close()

	return collectJobs(rows)
}

// deadlineColumn maps a listed state to the column its retention
// deadline lives in. Empty means the state has no deadline.
func deadlineColumn(state job.State) string {
	switch state {
	case job.StateCompleted:
		return "archive_time"
	case job.StateArchived:
		return "expire_time"
	default:
		return ""
	}
}

func marshalResults(r *job.Results) ([]byte, error) {
	if r == nil {
		return nil, nil
	}
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("conveyor/postgres: marshal results: %w", err)
	}
	return data, nil
}

// scanJob reads one job row. The caller maps isNoRows to ErrJobNotFound.
func scanJob(row pgx.Row) (*job.Job, error) {
	var (
		j       job.Job
		state   string
		passwd, user, email, dir, runner, failure *string
		results []byte
	)
	err := row.Scan(
		&j.Name, &state, &passwd, &user, &email, &dir,
		&runner, &failure, &results,
		&j.SubmitTime, &j.RunTime, &j.EndTime, &j.ArchiveTime, &j.ExpireTime,
	)
	if err != nil {
		return nil, err
	}
	j.State = job.State(state)
	j.Passwd = deref(passwd)
	j.User = deref(user)
	j.ContactEmail = deref(email)
	j.Directory = deref(dir)
	j.RunnerID = deref(runner)
	j.Failure = deref(failure)
	if len(results) > 0 {
		var r job.Results
		if err := json.Unmarshal(results, &r); err != nil {
			return nil, fmt.Errorf("unmarshal results: %w", err)
		}
		j.Results = &r
	}
	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]*job.Job, error) {
	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("conveyor/postgres: scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conveyor/postgres: iterate jobs: %w", storeErr(err))
	}
	return jobs, nil
}
