// Package redis implements pipeline.Store on Redis. Each run lives in a
// Hash (serialized record plus a version counter), with a plain key per
// target indexing the active run and a Set enumerating all run IDs.
// Version checks ride on WATCH/MULTI optimistic transactions, so a
// concurrent writer surfaces as a version conflict rather than a lost
// update.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	s := redisstore.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"

	goredis "github.com/redis/go-redis/v9"

	"github.com/mosaicworks/conduct"
	"github.com/mosaicworks/conduct/id"
	"github.com/mosaicworks/conduct/pipeline"
)

// Compile-time interface check.
var _ pipeline.Store = (*Store)(nil)

// All keys are prefixed with "conduct:" to avoid collisions.
const keyPrefix = "conduct:"

// runKey returns the Hash key for a run record: conduct:run:{id}
func runKey(id string) string { return keyPrefix + "run:" + id }

// activeKey returns the key indexing the active run for a target:
// conduct:active:{pipeline}:{target_id}
func activeKey(key pipeline.TargetKey) string { return keyPrefix + "active:" + key.String() }

// runIDsKey is the Set tracking all run IDs for enumeration.
const runIDsKey = keyPrefix + "run_ids"

const (
	fieldData    = "data"
	fieldVersion = "version"
)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store implements pipeline.Store backed by Redis.
type Store struct {
	client goredis.UniversalClient
	logger *slog.Logger
}

// New creates a new Redis-backed store. The caller owns the Redis client
// lifecycle.
func New(client goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Client returns the underlying Redis client.
func (s *Store) Client() goredis.UniversalClient { return s.client }

// Migrate is a no-op for Redis (schemaless).
func (s *Store) Migrate(_ context.Context) error { return nil }

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op. The caller owns the Redis client lifecycle.
func (s *Store) Close() error { return nil }

// CreateRun persists a new run, enforcing one active run per target key.
func (s *Store) CreateRun(ctx context.Context, run *pipeline.Run) error {
	if err := run.Validate(); err != nil {
		return err
	}

	rID := run.ID.String()
	rKey := runKey(rID)
	aKey := activeKey(run.TargetKey)

	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("conduct/redis: marshal run: %w", err)
	}

	txn := func(tx *goredis.Tx) error {
		exists, err := tx.Exists(ctx, rKey).Result()
		if err != nil {
			return fmt.Errorf("conduct/redis: create run exists: %w", err)
		}
		if exists > 0 {
			return conduct.ErrAlreadyRunning
		}
		if run.Status == pipeline.StatusRunning {
			active, err := tx.Exists(ctx, aKey).Result()
			if err != nil {
				return fmt.Errorf("conduct/redis: create run active check: %w", err)
			}
			if active > 0 {
				return conduct.ErrAlreadyRunning
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, rKey, fieldData, data, fieldVersion, run.Version)
			pipe.SAdd(ctx, runIDsKey, rID)
			if run.Status == pipeline.StatusRunning {
				pipe.Set(ctx, aKey, rID, 0)
			}
			return nil
		})
		return err
	}

	err = s.client.Watch(ctx, txn, rKey, aKey)
	if errors.Is(err, goredis.TxFailedErr) {
		// A concurrent CreateRun for the same target won the race.
		return conduct.ErrAlreadyRunning
	}
	return err
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, runID id.RunID) (*pipeline.Run, error) {
	return s.loadRun(ctx, runID.String())
}

// FindActiveRun retrieves the running run for the given target key.
func (s *Store) FindActiveRun(ctx context.Context, key pipeline.TargetKey) (*pipeline.Run, error) {
	rID, err := s.client.Get(ctx, activeKey(key)).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, conduct.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("conduct/redis: find active run: %w", err)
	}
	return s.loadRun(ctx, rID)
}

// UpdateRun persists changes to an existing run under its version token.
func (s *Store) UpdateRun(ctx context.Context, run *pipeline.Run) error {
	if err := run.Validate(); err != nil {
		return err
	}

	rID := run.ID.String()
	rKey := runKey(rID)
	aKey := activeKey(run.TargetKey)

	next := run.Clone()
	next.Version = run.Version + 1
	next.Touch()

	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("conduct/redis: marshal run: %w", err)
	}

	txn := func(tx *goredis.Tx) error {
		stored, err := tx.HGet(ctx, rKey, fieldVersion).Result()
		if errors.Is(err, goredis.Nil) {
			return conduct.ErrRunNotFound
		}
		if err != nil {
			return fmt.Errorf("conduct/redis: update run version read: %w", err)
		}
		version, err := strconv.ParseInt(stored, 10, 64)
		if err != nil {
			return fmt.Errorf("conduct/redis: %w: version field %q", conduct.ErrMalformedRecord, stored)
		}
		if version != run.Version {
			return conduct.ErrVersionConflict
		}

		holder, err := tx.Get(ctx, aKey).Result()
		if err != nil && !errors.Is(err, goredis.Nil) {
			return fmt.Errorf("conduct/redis: update run active check: %w", err)
		}
		if next.Status == pipeline.StatusRunning && holder != "" && holder != rID {
			// A run re-entering running (a resume) must not displace a
			// newer active run for the same target.
			return conduct.ErrAlreadyRunning
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, rKey, fieldData, data, fieldVersion, next.Version)
			if next.Status == pipeline.StatusRunning {
				pipe.Set(ctx, aKey, rID, 0)
			} else if holder == rID {
				// Only clear the index entry this run owns; a write to
				// an old terminal run must not drop a newer run's.
				pipe.Del(ctx, aKey)
			}
			return nil
		})
		return err
	}

	err = s.client.Watch(ctx, txn, rKey, aKey)
	if errors.Is(err, goredis.TxFailedErr) {
		// Someone else wrote the record between WATCH and EXEC; the
		// caller's token is stale either way.
		return conduct.ErrVersionConflict
	}
	if err != nil {
		return err
	}

	run.Version = next.Version
	run.UpdatedAt = next.UpdatedAt
	return nil
}

// ListRuns returns runs matching the given options, ordered by creation
// time ascending.
func (s *Store) ListRuns(ctx context.Context, opts pipeline.ListOpts) ([]*pipeline.Run, error) {
	ids, err := s.client.SMembers(ctx, runIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("conduct/redis: list runs smembers: %w", err)
	}

	var runs []*pipeline.Run
	for _, rID := range ids {
		run, err := s.loadRun(ctx, rID)
		if errors.Is(err, conduct.ErrRunNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if opts.Status != "" && run.Status != opts.Status {
			continue
		}
		if opts.Pipeline != "" && run.TargetKey.Pipeline != opts.Pipeline {
			continue
		}
		runs = append(runs, run)
	}

	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].CreatedAt.Before(runs[j].CreatedAt)
		}
		return runs[i].ID.String() < runs[j].ID.String()
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(runs) {
			return nil, nil
		}
		runs = runs[opts.Offset:]
	}
	if opts.Limit > 0 && len(runs) > opts.Limit {
		runs = runs[:opts.Limit]
	}
	return runs, nil
}

func (s *Store) loadRun(ctx context.Context, rID string) (*pipeline.Run, error) {
	data, err := s.client.HGet(ctx, runKey(rID), fieldData).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, conduct.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("conduct/redis: get run: %w", err)
	}

	var run pipeline.Run
	if err := json.Unmarshal([]byte(data), &run); err != nil {
		return nil, fmt.Errorf("conduct/redis: %w: run %s: %v", conduct.ErrMalformedRecord, rID, err)
	}
	if err := run.Validate(); err != nil {
		return nil, err
	}
	return &run, nil
}
