package postgres

import (
	"context"
	"fmt"

	"github.com/lib/pq"

	"github.com/paulbrigner/pgpcommunity-sub002/internal/roster"
)

// UserRepo reads the registered-user universe the roster fans out over.
type UserRepo struct {
	db *DB
}

func NewUserRepo(db *DB) *UserRepo {
	return &UserRepo{db: db}
}

// ListRegistered returns every registered user with their linked wallet
// addresses. Users without a wallet are included; the roster shows them
// with no membership.
func (r *UserRepo) ListRegistered(ctx context.Context) ([]roster.User, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT u.email,
		       COALESCE(u.name, ''),
		       u.auto_renew,
		       COALESCE(array_agg(w.address) FILTER (WHERE w.address IS NOT NULL), '{}')
		FROM users u
		LEFT JOIN wallet_addresses w ON w.user_id = u.id
		WHERE u.registered_at IS NOT NULL
		GROUP BY u.id
		ORDER BY u.email
	`)
	if err != nil {
		return nil, fmt.Errorf("query registered users: %w", err)
	}
	defer rows.Close()

	var users []roster.User
	for rows.Next() {
		var u roster.User
		if err := rows.Scan(&u.Email, &u.Name, &u.AutoRenew, pq.Array(&u.WalletAddresses)); err != nil {
			return nil, fmt.Errorf("scan registered user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// CountRegistered reports the size of the roster universe, used by the
// health surface to sanity-check roster totals.
func (r *UserRepo) CountRegistered(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var n int
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM users WHERE registered_at IS NOT NULL",
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count registered users: %w", err)
	}
	return n, nil
}
