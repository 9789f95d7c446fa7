// Package history keeps the most recent test results in Redis.
package history

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"github.com/robertodauria/netrace/pkg/netrace/results"
)

const (
	// DefaultLimit is the number of results kept when none is configured.
	DefaultLimit = 20

	indexKey = "netrace:results"
)

// ErrNotFound is returned by Get for unknown result IDs.
var ErrNotFound = errors.New("result not found")

func resultKey(id string) string {
	return fmt.Sprintf("netrace:result:%s", id)
}

// Store archives results in Redis. Every result is stored under its own key
// and indexed by timestamp in a sorted set; only the newest Limit results
// are kept.
type Store struct {
	client *redis.Client
	limit  int
}

// New connects to the Redis server at addr.
func New(addr string, limit int) *Store {
	return NewFromClient(redis.NewClient(&redis.Options{
		Addr: addr,
	}), limit)
}

// NewFromClient returns a Store using an existing client.
func NewFromClient(client *redis.Client, limit int) *Store {
	if limit < 1 {
		limit = DefaultLimit
	}
	return &Store{client: client, limit: limit}
}

// Ping checks if the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Archive stores r and drops the results beyond the limit.
func (s *Store) Archive(ctx context.Context, r *results.SpeedTestResult) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, resultKey(r.ID), data, 0)
	pipe.ZAdd(ctx, indexKey, &redis.Z{
		Score:  float64(r.Timestamp.UnixNano()),
		Member: r.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "cannot store result")
	}
	return s.trim(ctx)
}

func (s *Store) trim(ctx context.Context) error {
	stale, err := s.client.ZRevRange(ctx, indexKey, int64(s.limit), -1).Result()
	if err != nil {
		return errors.Wrap(err, "cannot list stale results")
	}
	if len(stale) == 0 {
		return nil
	}
	keys := make([]string, 0, len(stale))
	members := make([]interface{}, 0, len(stale))
	for _, id := range stale {
		keys = append(keys, resultKey(id))
		members = append(members, id)
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, keys...)
	pipe.ZRem(ctx, indexKey, members...)
	_, err = pipe.Exec(ctx)
	return errors.Wrap(err, "cannot trim history")
}

// Get returns the result with the given ID.
func (s *Store) Get(ctx context.Context, id string) (*results.SpeedTestResult, error) {
	data, err := s.client.Get(ctx, resultKey(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var r results.SpeedTestResult
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// List returns the stored results, newest first.
func (s *Store) List(ctx context.Context) ([]*results.SpeedTestResult, error) {
	ids, err := s.client.ZRevRange(ctx, indexKey, 0, int64(s.limit-1)).Result()
	if err != nil {
		return nil, err
	}
	ret := make([]*results.SpeedTestResult, 0, len(ids))
	for _, id := range ids {
		r, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		ret = append(ret, r)
	}
	return ret, nil
}
