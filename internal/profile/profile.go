// Package profile resolves user identities for the relay's REST and
// websocket surfaces.
package profile

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"clipcast/pkg/logger"
)

var ErrNotFound = errors.New("user not found")

type Profile struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Avatar      string `json:"avatar"`
	IsBanned    bool   `json:"is_banned"`
}

type Service struct {
	db  *pgxpool.Pool
	log *logger.Logger
}

func New(db *pgxpool.Pool, log *logger.Logger) *Service {
	return &Service{db: db, log: log}
}

// Resolve loads a user's profile by ID.
func (s *Service) Resolve(ctx context.Context, userID string) (*Profile, error) {
	var p Profile
	err := s.db.QueryRow(ctx, `
		SELECT id, username, display_name, avatar, is_banned
		FROM users
		WHERE id = $1
	`, userID).Scan(&p.ID, &p.Username, &p.DisplayName, &p.Avatar, &p.IsBanned)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolve profile: %w", err)
	}
	return &p, nil
}
