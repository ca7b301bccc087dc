package sqlstore

import (
	"context"
	"strings"
	"time"

	"marketplace/backend/internal/domain"
	"marketplace/backend/internal/store"
	"marketplace/backend/internal/xid"
)

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || user.PasswordHash == "" {
		return domain.Invalid("user", "username and password are required")
	}
	if user.ID == "" {
		user.ID = xid.New()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO app_users (id, username, password_hash, role, active, created_at)
		VALUES (?,?,?,?,?,?)
	`), user.ID, user.Username, user.PasswordHash, string(user.Role), user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return err
	}
	return nil
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*domain.UserAccount, error) {
	var row userRow
	err := s.db.GetContext(ctx, &row, s.rebind(`
		SELECT id, username, password_hash, role, active, created_at
		FROM app_users
		WHERE username = ?
	`), strings.ToLower(strings.TrimSpace(username)))
	if err != nil {
		return nil, notFound(err)
	}
	return row.toDomain(), nil
}
