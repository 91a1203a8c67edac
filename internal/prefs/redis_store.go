// Package prefs holds per-user client state: channel read checkpoints and
// the profile change audit log. Everything here is best-effort; unreadable
// entries are treated as absent.
package prefs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// MaxProfileChanges is how many audit entries are retained per user.
const MaxProfileChanges = 15

type ProfileChange struct {
	Field string `json:"field"`
	Old   string `json:"old"`
	New   string `json:"new"`
	// At is the human-readable time of the edit.
	At string `json:"at"`
}

type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "studiodesk:"}
}

func (s *RedisStore) lastReadKey(userID string) string {
	return s.prefix + "lastread:" + userID
}

func (s *RedisStore) auditKey(userID string) string {
	return s.prefix + "profile-log:" + userID
}

// LastRead returns the user's checkpoints. A missing or unreadable map
// yields an empty result and no error so callers fall back to "never read".
func (s *RedisStore) LastRead(ctx context.Context, userID string) (map[string]time.Time, error) {
	raw, err := s.client.HGetAll(ctx, s.lastReadKey(userID)).Result()
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		log.Printf("prefs: read checkpoints for %s: %v", userID, err)
		return map[string]time.Time{}, nil
	}

	checkpoints := make(map[string]time.Time, len(raw))
	for channelID, value := range raw {
		at, err := time.Parse(time.RFC3339Nano, value)
		if err != nil {
			continue
		}
		checkpoints[channelID] = at
	}
	return checkpoints, nil
}

func (s *RedisStore) SetLastRead(ctx context.Context, userID, channelID string, at time.Time) error {
	key := s.lastReadKey(userID)
	err := s.client.HSet(ctx, key, channelID, at.UTC().Format(time.RFC3339Nano)).Err()
	if err != nil && isWrongType(err) {
		// A corrupt entry is replaced rather than left to fail forever.
		if delErr := s.client.Del(ctx, key).Err(); delErr != nil {
			return fmt.Errorf("reset checkpoints: %w", delErr)
		}
		err = s.client.HSet(ctx, key, channelID, at.UTC().Format(time.RFC3339Nano)).Err()
	}
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// AppendProfileChange pushes an entry and trims the log to the newest
// MaxProfileChanges entries.
func (s *RedisStore) AppendProfileChange(ctx context.Context, userID string, change ProfileChange) error {
	encoded, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("marshal profile change: %w", err)
	}
	key := s.auditKey(userID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, encoded)
		pipe.LTrim(ctx, key, 0, MaxProfileChanges-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("append profile change: %w", err)
	}
	return nil
}

// ProfileChanges lists entries newest first, skipping unreadable ones.
func (s *RedisStore) ProfileChanges(ctx context.Context, userID string) ([]ProfileChange, error) {
	raw, err := s.client.LRange(ctx, s.auditKey(userID), 0, MaxProfileChanges-1).Result()
	if err != nil {
		if isWrongType(err) {
			return []ProfileChange{}, nil
		}
		return nil, fmt.Errorf("list profile changes: %w", err)
	}

	items := make([]ProfileChange, 0, len(raw))
	for _, value := range raw {
		var change ProfileChange
		if err := json.Unmarshal([]byte(value), &change); err != nil {
			continue
		}
		items = append(items, change)
	}
	return items, nil
}

func isWrongType(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "WRONGTYPE")
}
