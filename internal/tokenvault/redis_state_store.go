package tokenvault

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const stateKeyPrefix = "oauth:state:"

// RedisStateStore is a Redis-backed StateStore. GETDEL gives one-shot consume
// semantics across replicas.
type RedisStateStore struct {
	client redis.UniversalClient
}

var _ StateStore = (*RedisStateStore)(nil)

// NewRedisStateStore constructs a Redis-backed state store.
func NewRedisStateStore(client redis.UniversalClient) *RedisStateStore {
	return &RedisStateStore{client: client}
}

func (s *RedisStateStore) Save(ctx context.Context, state string, userID int64, ttl time.Duration) error {
	if err := s.client.Set(ctx, stateKeyPrefix+state, strconv.FormatInt(userID, 10), ttl).Err(); err != nil {
		return fmt.Errorf("persist oauth state: %w", err)
	}
	return nil
}

func (s *RedisStateStore) Consume(ctx context.Context, state string) (int64, error) {
	raw, err := s.client.GetDel(ctx, stateKeyPrefix+state).Result()
	if err != nil {
		if err == redis.Nil {
			return 0, ErrStateMismatch
		}
		return 0, fmt.Errorf("load oauth state: %w", err)
	}
	userID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, ErrStateMismatch
	}
	return userID, nil
}
