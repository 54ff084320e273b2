package postgres

import (
	"context"
	"fmt"

	"github.com/conveyorq/conveyor/event"
	"github.com/conveyorq/conveyor/job"
)

// AppendEvent records a transition in the audit log.
func (s *Store) AppendEvent(ctx context.Context, evt *event.Event) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conveyor_events (job_name, from_state, to_state, reason, at)
		VALUES ($1, $2, $3, $4, COALESCE($5, NOW()))`,
		evt.JobName, nullIfEmpty(string(evt.From)), string(evt.To),
		nullIfEmpty(evt.Reason), nullIfZeroTime(evt.At),
	)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: append event: %w", storeErr(err))
	}
	return nil
}

// ListEvents returns all events for the named job in append order.
func (s *Store) ListEvents(ctx context.Context, jobName string) ([]*event.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_name, from_state, to_state, reason, at
		FROM conveyor_events
		WHERE job_name = $1
		ORDER BY id`,
		jobName,
	)
	if err != nil {
		return nil, fmt.Errorf("conveyor/postgres: list events: %w", storeErr(err))
	}
	defer rows.Close()

	var events []*event.Event
	for rows.Next() {
		var (
			evt          event.Event
			from, reason *string
			to           string
		)
		if err := rows.Scan(&evt.JobName, &from, &to, &reason, &evt.At); err != nil {
			return nil, fmt.Errorf("conveyor/postgres: scan event: %w", err)
		}
		evt.From = job.State(deref(from))
		evt.To = job.State(to)
		evt.Reason = deref(reason)
		events = append(events, &evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conveyor/postgres: iterate events: %w", storeErr(err))
	}
	return events, nil
}
