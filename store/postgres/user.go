package postgres

import (
	"context"
	"fmt"

	conveyor "github.com/conveyorq/conveyor"
	"github.com/conveyorq/conveyor/job"
)

// GetUser looks up a user by name. Unknown names report ErrAccessDenied
// so callers cannot probe for registered users.
func (s *Store) GetUser(ctx context.Context, name string) (*job.User, error) {
	var u job.User
	err := s.pool.QueryRow(ctx,
		`SELECT name, credential_hash FROM conveyor_users WHERE name = $1`,
		name,
	).Scan(&u.Name, &u.CredentialHash)
	if err != nil {
		if isNoRows(err) {
			return nil, conveyor.ErrAccessDenied
		}
		return nil, fmt.Errorf("conveyor/postgres: get user: %w", storeErr(err))
	}
	return &u, nil
}

// PutUser creates or replaces a user row. Provisioning is an
// operator action, not part of the job protocol.
func (s *Store) PutUser(ctx context.Context, u *job.User) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conveyor_users (name, credential_hash)
		VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET credential_hash = EXCLUDED.credential_hash`,
		u.Name, u.CredentialHash,
	)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: put user: %w", storeErr(err))
	}
	return nil
}
