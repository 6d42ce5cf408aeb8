package identity

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cagiotech/cagiotech/internal/access"
)

// FailureNoProfile marks a principal that holds no usable role assignment.
const FailureNoProfile = "no_profile"

// State is the resolved identity bound to one provider session.
type State struct {
	SessionID     string          `json:"session_id"`
	UserID        int64           `json:"user_id"`
	Email         string          `json:"email"`
	Name          string          `json:"name"`
	Authenticated bool            `json:"authenticated"`
	Profile       *access.Profile `json:"profile,omitempty"`
	Failure       string          `json:"failure,omitempty"`
	ResolvedAt    time.Time       `json:"resolved_at"`
	// ExpiresAt is the end of the provider session; zero means unknown.
	ExpiresAt time.Time `json:"expires_at,omitempty"`

	// Loading is set on snapshots taken while resolution is still running.
	Loading bool `json:"-"`
}

// Expired reports whether the provider session ended before now.
func (s State) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Viewer converts the state into the guard's input.
func (s State) Viewer() access.Viewer {
	return access.Viewer{
		Loading:       s.Loading,
		Authenticated: s.Authenticated,
		Profile:       s.Profile,
	}
}

// Role returns the active role, or "" without a profile.
func (s State) Role() access.Role {
	if s.Profile == nil {
		return ""
	}
	return s.Profile.Role
}

// HomePath returns the landing view of the active role.
func (s State) HomePath() string {
	if s.Profile == nil {
		return access.RoleStudent.HomePath()
	}
	return s.Profile.Role.HomePath()
}

// StateStore keeps resolved states per provider session.
type StateStore interface {
	Get(ctx context.Context, sessionID string) (*State, error)
	Put(ctx context.Context, st State) error
	Delete(ctx context.Context, sessionID string) error
	SessionsFor(ctx context.Context, userID int64) ([]string, error)
}

// RedisStateStore implements StateStore with one JSON value per session and
// a set of sessions per user.
type RedisStateStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewStateStore constructs a RedisStateStore.
func NewStateStore(client *redis.Client, ttl time.Duration) *RedisStateStore {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &RedisStateStore{client: client, ttl: ttl}
}

// Get returns nil when nothing is stored for the session.
func (s *RedisStateStore) Get(ctx context.Context, sessionID string) (*State, error) {
	data, err := s.client.Get(ctx, stateKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, nil
	}
	return &st, nil
}

// Put stores the state and indexes the session under its user. The entry
// never outlives the provider session; an already expired state is not stored.
func (s *RedisStateStore) Put(ctx context.Context, st State) error {
	if st.SessionID == "" {
		return errors.New("identity: state without session id")
	}
	ttl := s.ttl
	if !st.ExpiresAt.IsZero() {
		remaining := time.Until(st.ExpiresAt)
		if remaining <= 0 {
			return s.Delete(ctx, st.SessionID)
		}
		if remaining < ttl {
			ttl = remaining
		}
	}
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, stateKey(st.SessionID), data, ttl)
		if st.UserID != 0 {
			pipe.SAdd(ctx, userKey(st.UserID), st.SessionID)
			pipe.Expire(ctx, userKey(st.UserID), s.ttl)
		}
		return nil
	})
	return err
}

// Delete drops the state and its index entry.
func (s *RedisStateStore) Delete(ctx context.Context, sessionID string) error {
	st, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, stateKey(sessionID))
		if st != nil && st.UserID != 0 {
			pipe.SRem(ctx, userKey(st.UserID), sessionID)
		}
		return nil
	})
	return err
}

// SessionsFor lists the sessions with stored state for a user.
func (s *RedisStateStore) SessionsFor(ctx context.Context, userID int64) ([]string, error) {
	return s.client.SMembers(ctx, userKey(userID)).Result()
}

func stateKey(sessionID string) string {
	return "identity:state:" + sessionID
}

func userKey(userID int64) string {
	return "identity:user:" + strconv.FormatInt(userID, 10)
}

var _ StateStore = (*RedisStateStore)(nil)
