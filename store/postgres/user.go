package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// execer is the part of *pgxpool.Pool the repository uses.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type UserRepository struct {
	db execer
}

func NewUserRepository(db *Connection) *UserRepository {
	return &UserRepository{db: db}
}

const upsertUserQuery = `INSERT INTO users (id, email, name)
			  VALUES ($1, $2, $3)
			  ON CONFLICT (id) DO UPDATE
			  SET email = EXCLUDED.email, name = EXCLUDED.name, updated_at = now()`

// UpsertUser creates the user with subject id or refreshes its email and
// name. An empty name is stored as NULL.
func (r *UserRepository) UpsertUser(ctx context.Context, id, email, name string) error {
	var dbName *string
	if name = strings.TrimSpace(name); name != "" {
		dbName = &name
	}
	if _, err := r.db.Exec(ctx, upsertUserQuery, id, email, dbName); err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	return nil
}
