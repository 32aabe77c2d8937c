package storage

import (
	"context"

	"github.com/google/uuid"

	"fleet-server/internal/models"
)

func (s *Storage) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	query := `
		SELECT id, username, password_hash, created_at
		FROM users
		WHERE username = $1
	`

	var user models.User
	if err := s.db.GetContext(ctx, &user, query, username); err != nil {
		return nil, translate(err)
	}
	return &user, nil
}

// EnsureUser creates the user if absent. An existing user keeps its password.
func (s *Storage) EnsureUser(ctx context.Context, username, passwordHash string) error {
	query := `
		INSERT INTO users (username, password_hash)
		VALUES ($1, $2)
		ON CONFLICT (username) DO NOTHING
	`
	_, err := s.db.ExecContext(ctx, query, username, passwordHash)
	return err
}

func (s *Storage) GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var user models.User
	query := `SELECT id, username, password_hash, created_at FROM users WHERE id = $1`
	if err := s.db.GetContext(ctx, &user, query, id); err != nil {
		return nil, translate(err)
	}
	return &user, nil
}
