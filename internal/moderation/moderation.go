// Package moderation keeps per-channel ban and timeout records in Redis and
// answers the relay's preflight checks.
package moderation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"clipcast/pkg/logger"
)

const defaultTimeout = 5 * time.Minute

// Record describes one ban or timeout.
type Record struct {
	Reason    string    `json:"reason"`
	By        string    `json:"by"`
	CreatedAt time.Time `json:"created_at"`
}

type Store struct {
	rdb *redis.Client
	log *logger.Logger
}

func New(rdb *redis.Client, log *logger.Logger) *Store {
	return &Store{rdb: rdb, log: log}
}

func banKey(channel, userID string) string {
	return fmt.Sprintf("relay:bans:%s:%s", channel, userID)
}

func timeoutKey(channel, userID string) string {
	return fmt.Sprintf("relay:timeouts:%s:%s", channel, userID)
}

// Ban records a permanent channel ban.
func (s *Store) Ban(ctx context.Context, channel, userID, reason, by string) error {
	data, err := json.Marshal(Record{Reason: reason, By: by, CreatedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal ban: %w", err)
	}

	if err := s.rdb.Set(ctx, banKey(channel, userID), data, 0).Err(); err != nil {
		return fmt.Errorf("save ban: %w", err)
	}

	s.log.Info("user banned", "channel", channel, "user_id", userID, "by", by)
	return nil
}

func (s *Store) Unban(ctx context.Context, channel, userID string) error {
	if err := s.rdb.Del(ctx, banKey(channel, userID)).Err(); err != nil {
		return fmt.Errorf("remove ban: %w", err)
	}
	s.log.Info("user unbanned", "channel", channel, "user_id", userID)
	return nil
}

// Timeout mutes a user on a channel for the given duration. The record
// expires on its own; zero or negative durations fall back to the default.
func (s *Store) Timeout(ctx context.Context, channel, userID, reason, by string, d time.Duration) error {
	if d <= 0 {
		d = defaultTimeout
	}

	data, err := json.Marshal(Record{Reason: reason, By: by, CreatedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal timeout: %w", err)
	}

	if err := s.rdb.Set(ctx, timeoutKey(channel, userID), data, d).Err(); err != nil {
		return fmt.Errorf("save timeout: %w", err)
	}

	s.log.Info("user timed out", "channel", channel, "user_id", userID, "duration", d)
	return nil
}

func (s *Store) IsBanned(ctx context.Context, channel, userID string) (bool, error) {
	return s.exists(ctx, banKey(channel, userID))
}

func (s *Store) IsTimedOut(ctx context.Context, channel, userID string) (bool, error) {
	return s.exists(ctx, timeoutKey(channel, userID))
}

func (s *Store) exists(ctx context.Context, key string) (bool, error) {
	err := s.rdb.Get(ctx, key).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("moderation lookup: %w", err)
	}
	return true, nil
}
