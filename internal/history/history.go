// Package history persists broadcast frames: a capped per-channel Redis
// cache for the history endpoint, plus durable Postgres rows for chat
// messages and the gift ledger.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"clipcast/internal/relay"
	"clipcast/pkg/logger"
)

const cacheTTL = 24 * time.Hour

type Store struct {
	rdb   *redis.Client
	db    *pgxpool.Pool
	log   *logger.Logger
	limit int
}

func New(rdb *redis.Client, db *pgxpool.Pool, log *logger.Logger, limit int) *Store {
	if limit <= 0 {
		limit = 100
	}
	return &Store{rdb: rdb, db: db, log: log, limit: limit}
}

func cacheKey(channel string) string {
	return fmt.Sprintf("relay:history:%s", channel)
}

// Append records a broadcast frame. The Redis cache write and the Postgres
// insert are independent; a failure of one does not undo the other.
func (s *Store) Append(ctx context.Context, channel string, frame *relay.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	key := cacheKey(channel)
	pipe := s.rdb.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(frame.Timestamp.UnixNano()),
		Member: data,
	})
	pipe.ZRemRangeByRank(ctx, key, 0, int64(-s.limit-1))
	pipe.Expire(ctx, key, cacheTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache frame: %w", err)
	}

	switch frame.Kind {
	case relay.EventChat:
		return s.insertMessage(ctx, channel, frame)
	case relay.EventGift:
		return s.insertGift(ctx, channel, frame)
	}
	return nil
}

func (s *Store) insertMessage(ctx context.Context, channel string, frame *relay.Frame) error {
	var userID, username string
	if frame.Sender != nil {
		userID = frame.Sender.ID
		username = frame.Sender.Username
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO messages (id, channel, user_id, username, content, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6)
	`, frame.ID, channel, userID, username, frame.Content, frame.Timestamp)
	if err != nil {
		return fmt.Errorf("persist message: %w", err)
	}
	return nil
}

func (s *Store) insertGift(ctx context.Context, channel string, frame *relay.Frame) error {
	if frame.Gift == nil || frame.Sender == nil {
		return nil
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO gift_ledger (id, channel, sender_id, receiver_id, gift_id, coins, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, frame.ID, channel, frame.Sender.ID, frame.Gift.ReceiverID, frame.Gift.GiftID, frame.Gift.Coins, frame.Timestamp)
	if err != nil {
		return fmt.Errorf("persist gift: %w", err)
	}
	return nil
}

// Recent returns up to limit cached frames for a channel, oldest first.
func (s *Store) Recent(ctx context.Context, channel string, limit int) ([]*relay.Frame, error) {
	if limit <= 0 || limit > s.limit {
		limit = s.limit
	}

	raw, err := s.rdb.ZRange(ctx, cacheKey(channel), int64(-limit), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}

	frames := make([]*relay.Frame, 0, len(raw))
	for _, item := range raw {
		var frame relay.Frame
		if err := json.Unmarshal([]byte(item), &frame); err != nil {
			s.log.Error("failed to decode cached frame", "channel", channel, "error", err)
			continue
		}
		frames = append(frames, &frame)
	}
	return frames, nil
}
