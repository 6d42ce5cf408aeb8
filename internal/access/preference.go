package access

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// PreferenceStore persists the sticky profile choice per principal.
type PreferenceStore interface {
	Get(ctx context.Context, userID int64) (*Preference, error)
	Set(ctx context.Context, userID int64, pref Preference) error
	Clear(ctx context.Context, userID int64) error
}

// RedisPreferenceStore keeps preferences in Redis without expiry so the
// choice survives re-authentication.
type RedisPreferenceStore struct {
	client *redis.Client
}

// NewPreferenceStore constructs a Redis-backed preference store.
func NewPreferenceStore(client *redis.Client) *RedisPreferenceStore {
	return &RedisPreferenceStore{client: client}
}

// Get returns nil when no preference is stored.
func (s *RedisPreferenceStore) Get(ctx context.Context, userID int64) (*Preference, error) {
	data, err := s.client.Get(ctx, preferenceKey(userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var pref Preference
	if err := json.Unmarshal(data, &pref); err != nil {
		return nil, err
	}
	kind, err := ParseRoleKind(string(pref.Kind))
	if err != nil {
		return nil, nil
	}
	pref.Kind = kind
	return &pref, nil
}

// Set stores the preference.
func (s *RedisPreferenceStore) Set(ctx context.Context, userID int64, pref Preference) error {
	data, err := json.Marshal(pref)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, preferenceKey(userID), data, 0).Err()
}

// Clear removes the preference.
func (s *RedisPreferenceStore) Clear(ctx context.Context, userID int64) error {
	return s.client.Del(ctx, preferenceKey(userID)).Err()
}

func preferenceKey(userID int64) string {
	return "profile_pref:" + strconv.FormatInt(userID, 10)
}
