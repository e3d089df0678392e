// Package preserve provides durable snapshots of editor content so a crash,
// error redirect, or accidental navigation does not lose typed work.
package preserve

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultMaxPerKey bounds how many snapshots one editor key retains.
	DefaultMaxPerKey = 10
	// DefaultMaxAge is the horizon beyond which snapshots are ignored on
	// lookup even if not yet evicted.
	DefaultMaxAge = time.Hour
	// pendingWindow is how far back ClearPending reaches.
	pendingWindow = 5 * time.Minute
)

// Snapshot is one preserved copy of an editor's logical content.
type Snapshot struct {
	EditorType string    `json:"editor_type"`
	FormID     string    `json:"form_id"`
	PagePath   string    `json:"page_path"`
	Content    string    `json:"content"`
	Reason     string    `json:"reason"`
	SavedAt    time.Time `json:"saved_at"`
}

// Store keeps snapshots in Redis, one sorted set per editor key scored by
// save time. The set carries a TTL of the age ceiling, refreshed on save.
type Store struct {
	client    *redis.Client
	prefix    string
	maxPerKey int
	maxAge    time.Duration
	now       func() time.Time
}

// NewStore connects to Redis and verifies the connection.
func NewStore(redisURL string) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewStoreWithClient(client), nil
}

// NewStoreWithClient builds a store from an existing Redis client.
func NewStoreWithClient(client *redis.Client) *Store {
	return &Store{
		client:    client,
		prefix:    "preserve:",
		maxPerKey: DefaultMaxPerKey,
		maxAge:    DefaultMaxAge,
		now:       time.Now,
	}
}

func (s *Store) key(editorType, formID, pagePath string) string {
	return s.prefix + editorType + ":" + formID + ":" + pagePath
}

// Save preserves content for an editor key. Empty or whitespace-only
// content, and content unchanged since the last snapshot for the key, are
// silently skipped so idle auto-save ticks cost nothing.
func (s *Store) Save(ctx context.Context, editorType, content, formID, pagePath, reason string) error {
	if isBlank(content) {
		return nil
	}
	key := s.key(editorType, formID, pagePath)

	if last, err := s.latest(ctx, key); err != nil {
		return err
	} else if last != nil && last.Content == content {
		return nil
	}

	snap := Snapshot{
		EditorType: editorType,
		FormID:     formID,
		PagePath:   pagePath,
		Content:    content,
		Reason:     reason,
		SavedAt:    s.now(),
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(snap.SavedAt.UnixNano()), Member: payload})
	// Oldest evicted first once the per-key bound is exceeded.
	pipe.ZRemRangeByRank(ctx, key, 0, int64(-s.maxPerKey-1))
	pipe.Expire(ctx, key, s.maxAge)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// RestoreLatest returns the most recent non-expired snapshot for the key,
// or nil when there is none. A returned snapshot is deleted: restoration is
// single-use.
func (s *Store) RestoreLatest(ctx context.Context, editorType, formID, pagePath string) (*Snapshot, error) {
	key := s.key(editorType, formID, pagePath)
	members, err := s.client.ZRevRange(ctx, key, 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("lookup snapshot: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	var snap Snapshot
	if err := json.Unmarshal([]byte(members[0]), &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	if err := s.client.ZRem(ctx, key, members[0]).Err(); err != nil {
		return nil, fmt.Errorf("consume snapshot: %w", err)
	}
	if s.now().Sub(snap.SavedAt) > s.maxAge {
		return nil, nil
	}
	return &snap, nil
}

// ClearPending discards snapshots saved within the last five minutes for
// the key, so a cancelled edit session does not later restore unwanted
// content. Older snapshots stay.
func (s *Store) ClearPending(ctx context.Context, editorType, formID, pagePath string) error {
	key := s.key(editorType, formID, pagePath)
	cutoff := s.now().Add(-pendingWindow).UnixNano()
	err := s.client.ZRemRangeByScore(ctx, key, strconv.FormatInt(cutoff, 10), "+inf").Err()
	if err != nil {
		return fmt.Errorf("clear pending snapshots: %w", err)
	}
	return nil
}

func (s *Store) latest(ctx context.Context, key string) (*Snapshot, error) {
	members, err := s.client.ZRevRange(ctx, key, 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("lookup snapshot: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(members[0]), &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping checks whether Redis is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func isBlank(content string) bool {
	for _, r := range content {
		switch r {
		case ' ', '\t', '\n', '\r':
		default:
			return false
		}
	}
	return true
}
