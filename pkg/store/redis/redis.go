// Package redis keeps recent analysis runs and the latest result of every
// rule in Redis, for daemons that share results.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rmax-ai/graphlord/pkg/store"
)

// DefaultMaxRuns is the number of runs kept when no limit is configured.
const DefaultMaxRuns = 100

// ResultStore implements store.Sink on Redis. Runs are JSON strings
// indexed by a sorted set scored by start time; the latest result per
// rule lives in a hash.
type ResultStore struct {
	client  *redis.Client
	prefix  string
	maxRuns int
}

// NewResultStore creates a store using keys under prefix (default
// "graphlord") and keeping at most maxRuns runs.
func NewResultStore(client *redis.Client, prefix string, maxRuns int) *ResultStore {
	if prefix == "" {
		prefix = "graphlord"
	}
	if maxRuns <= 0 {
		maxRuns = DefaultMaxRuns
	}
	return &ResultStore{client: client, prefix: prefix, maxRuns: maxRuns}
}

func (s *ResultStore) runKey(id string) string {
	return fmt.Sprintf("%s:run:%s", s.prefix, id)
}

func (s *ResultStore) runsKey() string   { return s.prefix + ":runs" }
func (s *ResultStore) latestKey() string { return s.prefix + ":latest" }

// SaveRun stores the run, indexes it and updates the latest results.
// Runs beyond the configured maximum are evicted, oldest first.
func (s *ResultStore) SaveRun(ctx context.Context, run *store.Run) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode run: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.runKey(run.ID), data, 0).Result()
	if err != nil {
		return &store.IOError{Op: "save run", Err: err}
	}
	if !ok {
		return fmt.Errorf("%w: %s", store.ErrDuplicateRun, run.ID)
	}

	latest := make(map[string]any, len(run.Results))
	for _, r := range run.Results {
		b, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
		latest[r.RuleID] = b
	}

	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, s.runsKey(), redis.Z{Score: float64(run.StartedAt.UnixMilli()), Member: run.ID})
		if len(latest) > 0 {
			p.HSet(ctx, s.latestKey(), latest)
		}
		return nil
	})
	if err != nil {
		return &store.IOError{Op: "index run", Err: err}
	}
	return s.evict(ctx)
}

func (s *ResultStore) evict(ctx context.Context) error {
	stale, err := s.client.ZRange(ctx, s.runsKey(), 0, int64(-s.maxRuns-1)).Result()
	if err != nil {
		return &store.IOError{Op: "evict runs", Err: err}
	}
	if len(stale) == 0 {
		return nil
	}
	keys := make([]string, len(stale))
	members := make([]any, len(stale))
	for i, id := range stale {
		keys[i] = s.runKey(id)
		members[i] = id
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, keys...)
		p.ZRem(ctx, s.runsKey(), members...)
		return nil
	})
	if err != nil {
		return &store.IOError{Op: "evict runs", Err: err}
	}
	return nil
}

// LatestRuns returns up to limit runs, newest first, without results.
func (s *ResultStore) LatestRuns(ctx context.Context, limit int) ([]store.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	ids, err := s.client.ZRevRange(ctx, s.runsKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, &store.IOError{Op: "list runs", Err: err}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.runKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, &store.IOError{Op: "list runs", Err: err}
	}

	out := make([]store.Run, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue // evicted concurrently
		}
		var r store.Run
		if err := json.Unmarshal([]byte(str), &r); err != nil {
			return nil, fmt.Errorf("decode run: %w", err)
		}
		r.Results = nil
		out = append(out, r)
	}
	return out, nil
}

// GetRun returns a run with its results.
func (s *ResultStore) GetRun(ctx context.Context, id string) (*store.Run, error) {
	data, err := s.client.Get(ctx, s.runKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", store.ErrRunNotFound, id)
		}
		return nil, &store.IOError{Op: "get run", Err: err}
	}
	var r store.Run
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode run: %w", err)
	}
	return &r, nil
}

// LatestResults returns the latest result of every rule.
func (s *ResultStore) LatestResults(ctx context.Context) (map[string]store.RuleResult, error) {
	vals, err := s.client.HGetAll(ctx, s.latestKey()).Result()
	if err != nil {
		return nil, &store.IOError{Op: "latest results", Err: err}
	}
	out := make(map[string]store.RuleResult, len(vals))
	for id, v := range vals {
		var r store.RuleResult
		if err := json.Unmarshal([]byte(v), &r); err != nil {
			return nil, fmt.Errorf("decode result %s: %w", id, err)
		}
		out[id] = r
	}
	return out, nil
}

// PruneRuns removes runs started before olderThan. The latest results
// hash is left alone.
func (s *ResultStore) PruneRuns(ctx context.Context, olderThan time.Time) (int64, error) {
	cutoff := fmt.Sprintf("(%d", olderThan.UnixMilli())
	ids, err := s.client.ZRangeByScore(ctx, s.runsKey(), &redis.ZRangeBy{Min: "-inf", Max: cutoff}).Result()
	if err != nil {
		return 0, &store.IOError{Op: "prune runs", Err: err}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.runKey(id)
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, keys...)
		p.ZRemRangeByScore(ctx, s.runsKey(), "-inf", cutoff)
		return nil
	})
	if err != nil {
		return 0, &store.IOError{Op: "prune runs", Err: err}
	}
	return int64(len(ids)), nil
}

// Close closes the client.
func (s *ResultStore) Close() error {
	return s.client.Close()
}
