package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix   = "clicense:quota:"
	maxWatchAttempts = 16
)

// RedisStore keeps quota states as JSON values and serializes mutations with
// WATCH/MULTI optimistic transactions.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func redisKey(id string) string { return redisKeyPrefix + id }

func (r *RedisStore) Mutate(ctx context.Context, id string, fn MutateFunc) (*State, error) {
	key := redisKey(id)
	var result *State

	txf := func(tx *redis.Tx) error {
		s, err := decodeState(tx.Get(ctx, key).Bytes())
		created := false
		if errors.Is(err, redis.Nil) {
			created = true
			s = &State{IdentityID: id}
		} else if err != nil {
			return err
		}

		if err := fn(s, created); err != nil {
			return err
		}
		data, err := json.Marshal(s)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		if err == nil {
			result = s
		}
		return err
	}

	for attempt := 0; attempt < maxWatchAttempts; attempt++ {
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return result, nil
	}
	return nil, fmt.Errorf("quota: mutate %s: too much contention", id)
}

func (r *RedisStore) Get(ctx context.Context, id string) (*State, error) {
	s, err := decodeState(r.client.Get(ctx, redisKey(id)).Bytes())
	if errors.Is(err, redis.Nil) {
		return nil, ErrStateNotFound
	}
	return s, err
}

func decodeState(data []byte, err error) (*State, error) {
	if err != nil {
		return nil, err
	}
	s := &State{}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("quota: decode state: %w", err)
	}
	return s, nil
}
