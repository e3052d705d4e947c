package accounts

import (
	"context"
	"time"

	"github.com/emis-edu/emis/libs/db"
	"github.com/google/uuid"
)

type Account struct {
	ID           string
	Username     string
	PasswordHash []byte
	UserID       string
	UserType     string // teacher | student | parent
	FullName     string
	CreatedAt    time.Time
}

type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert creates the account unless the username is already taken. The
// false return covers both a replayed provisioning event and a genuine
// collision; callers treat them the same.
func (r *Repository) Insert(ctx context.Context, a Account) (bool, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO accounts (id, username, password_hash, user_id, user_type, full_name)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (username) DO NOTHING
	`, a.ID, a.Username, a.PasswordHash, a.UserID, a.UserType, a.FullName)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Repository) GetByUsername(ctx context.Context, username string) (Account, error) {
	var a Account
	err := r.pool.QueryRow(ctx, `
		SELECT id, username, password_hash, user_id, user_type, full_name, created_at
		FROM accounts
		WHERE username = $1
	`, username).Scan(&a.ID, &a.Username, &a.PasswordHash, &a.UserID, &a.UserType, &a.FullName, &a.CreatedAt)
	if err != nil {
		return Account{}, err
	}
	return a, nil
}
