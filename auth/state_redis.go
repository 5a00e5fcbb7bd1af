package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// FlowCookieName binds a browser to its pending state in Redis.
const FlowCookieName = "oauth_flow"

const redisKeyPrefix = "tripalbum:oauth:pending:"

// RedisStateStore keeps the pending state in Redis under a random id held in
// a cookie. GETDEL makes retrieval single-use even across server replicas.
type RedisStateStore struct {
	client redis.Cmdable
	secure bool
	ttl    time.Duration
}

// NewRedisStateStore returns a Redis-backed StateStore.
func NewRedisStateStore(client redis.Cmdable, secure bool) *RedisStateStore {
	return &RedisStateStore{client: client, secure: secure, ttl: PendingStateTTL}
}

func (s *RedisStateStore) flowCookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     FlowCookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		Secure:   s.secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
}

func (s *RedisStateStore) Store(w http.ResponseWriter, r *http.Request, p PendingState) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal pending state: %w", err)
	}
	id := uuid.NewString()
	if err := s.client.Set(r.Context(), redisKeyPrefix+id, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("save pending state: %w", err)
	}
	http.SetCookie(w, s.flowCookie(id, int(s.ttl.Seconds())))
	return nil
}

func (s *RedisStateStore) RetrieveAndClear(w http.ResponseWriter, r *http.Request) (PendingState, error) {
	c, err := r.Cookie(FlowCookieName)
	if err != nil {
		return PendingState{}, nil
	}
	http.SetCookie(w, s.flowCookie("", -1))
	if _, err := uuid.Parse(c.Value); err != nil {
		return PendingState{}, nil
	}

	data, err := s.client.GetDel(r.Context(), redisKeyPrefix+c.Value).Bytes()
	if errors.Is(err, redis.Nil) {
		return PendingState{}, nil
	}
	if err != nil {
		return PendingState{}, fmt.Errorf("load pending state: %w", err)
	}
	var p PendingState
	if err := json.Unmarshal(data, &p); err != nil {
		return PendingState{}, nil
	}
	p.Redirect = ValidateNextURLIsLocal(p.Redirect)
	return p, nil
}
