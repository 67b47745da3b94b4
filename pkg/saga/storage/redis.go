// Copyright © 2025 Medroster Authors
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/medroster/medroster/pkg/saga"
)

// ErrInvalidRedisConfig indicates invalid Redis storage configuration.
var ErrInvalidRedisConfig = errors.New("invalid redis configuration")

// RedisConfig holds the configuration for the Redis storage adapter.
type RedisConfig struct {
	// Addr is the host:port of the Redis server. Required unless Client
	// is provided.
	Addr string `json:"addr" yaml:"addr"`

	// Password for AUTH. Optional.
	Password string `json:"password" yaml:"password"`

	// DB is the logical database index. Default: 0.
	DB int `json:"db" yaml:"db"`

	// KeyPrefix is prepended to every key. Default: "saga:".
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`

	// TTL applied to execution documents and event lists so abandoned
	// runs expire on their own. Zero means no expiry. Default: 0.
	TTL time.Duration `json:"ttl" yaml:"ttl"`

	// DialTimeout for establishing connections. Default: 5 seconds.
	DialTimeout time.Duration `json:"dial_timeout" yaml:"dial_timeout"`

	// PoolSize caps the client connection pool. Default: 10.
	PoolSize int `json:"pool_size" yaml:"pool_size"`
}

// DefaultRedisConfig returns a RedisConfig with default values.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		KeyPrefix:   "saga:",
		DialTimeout: 5 * time.Second,
		PoolSize:    10,
	}
}

// ApplyDefaults fills unset fields with their default values.
func (c *RedisConfig) ApplyDefaults() {
	d := DefaultRedisConfig()
	if c.KeyPrefix == "" {
		c.KeyPrefix = d.KeyPrefix
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.PoolSize == 0 {
		c.PoolSize = d.PoolSize
	}
}

// Validate validates the configuration.
func (c *RedisConfig) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("%w: addr is required", ErrInvalidRedisConfig)
	}
	if c.DB < 0 {
		return fmt.Errorf("%w: db must be >= 0", ErrInvalidRedisConfig)
	}
	if c.TTL < 0 {
		return fmt.Errorf("%w: ttl must be >= 0", ErrInvalidRedisConfig)
	}
	return nil
}

// RedisStorage implements saga.Storage on Redis. Each execution is one
// JSON document (steps embedded), events are an append-only list per saga,
// and a set per status indexes executions for recovery and cleanup scans.
type RedisStorage struct {
	client *redis.Client
	config *RedisConfig

	mu     sync.RWMutex
	closed bool
}

// NewRedisStorage connects a client and verifies connectivity.
func NewRedisStorage(config *RedisConfig) (*RedisStorage, error) {
	if config == nil {
		config = DefaultRedisConfig()
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	client := redis.NewClient(&redis.Options{
		Addr:        config.Addr,
		Password:    config.Password,
		DB:          config.DB,
		DialTimeout: config.DialTimeout,
		PoolSize:    config.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), config.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return NewRedisStorageWithClient(client, config), nil
}

// NewRedisStorageWithClient wraps an existing client, for hosts that share
// one client across subsystems and for tests against miniredis.
func NewRedisStorageWithClient(client *redis.Client, config *RedisConfig) *RedisStorage {
	if config == nil {
		config = DefaultRedisConfig()
	}
	config.ApplyDefaults()
	return &RedisStorage{client: client, config: config}
}

// Close closes the underlying client.
func (r *RedisStorage) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.client.Close()
}

// Ping implements saga.Pinger.
func (r *RedisStorage) Ping(ctx context.Context) error {
	if err := r.checkClosed(); err != nil {
		return err
	}
	return r.client.Ping(ctx).Err()
}

func (r *RedisStorage) checkClosed() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return saga.NewSagaError(saga.ErrCodeStorageError, "storage is closed")
	}
	return nil
}

func (r *RedisStorage) execKey(sagaID string) string {
	return r.config.KeyPrefix + "exec:" + sagaID
}

func (r *RedisStorage) eventsKey(sagaID string) string {
	return r.config.KeyPrefix + "events:" + sagaID
}

func (r *RedisStorage) statusKey(status saga.SagaStatus) string {
	return r.config.KeyPrefix + "status:" + string(status)
}

// CreateExecution implements saga.Storage.
func (r *RedisStorage) CreateExecution(ctx context.Context, def *saga.SagaDefinition, sagaCtx *saga.SagaContext) (*saga.SagaExecution, error) {
	if err := r.checkClosed(); err != nil {
		return nil, err
	}

	exec := &saga.SagaExecution{
		ID:              sagaCtx.SagaID,
		SagaName:        def.Name,
		SagaVersion:     def.Version,
		Status:          saga.StatusPending,
		InputData:       sagaCtx.InputSnapshot(),
		AccumulatedData: sagaCtx.AccumulatedSnapshot(),
		Metadata:        sagaCtx.Metadata,
		StartedAt:       time.Now(),
	}

	data, err := json.Marshal(exec)
	if err != nil {
		return nil, saga.NewStorageError("marshal execution", err)
	}

	ok, err := r.client.SetNX(ctx, r.execKey(exec.ID), data, r.config.TTL).Result()
	if err != nil {
		return nil, saga.NewStorageError("create execution", err)
	}
	if !ok {
		return nil, saga.NewDuplicateSagaError(exec.ID)
	}

	if err := r.client.SAdd(ctx, r.statusKey(exec.Status), exec.ID).Err(); err != nil {
		return nil, saga.NewStorageError("index execution status", err)
	}
	return exec, nil
}

// GetExecution implements saga.Storage.
func (r *RedisStorage) GetExecution(ctx context.Context, sagaID string) (*saga.SagaExecution, error) {
	if err := r.checkClosed(); err != nil {
		return nil, err
	}

	data, err := r.client.Get(ctx, r.execKey(sagaID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, saga.NewSagaNotFoundError(sagaID)
		}
		return nil, saga.NewStorageError("get execution", err)
	}

	exec := &saga.SagaExecution{}
	if err := json.Unmarshal(data, exec); err != nil {
		return nil, saga.NewStorageError("unmarshal execution", err)
	}
	return exec, nil
}

// UpdateExecution implements saga.Storage. Step rows embedded in the stored
// document are preserved; only execution-level fields change here.
func (r *RedisStorage) UpdateExecution(ctx context.Context, exec *saga.SagaExecution) error {
	if err := r.checkClosed(); err != nil {
		return err
	}

	stored, err := r.GetExecution(ctx, exec.ID)
	if err != nil {
		return err
	}

	previousStatus := stored.Status
	stored.Status = exec.Status
	stored.AccumulatedData = exec.AccumulatedData
	stored.CompletedAt = exec.CompletedAt
	stored.TimeoutAt = exec.TimeoutAt
	stored.CompensatedStepsCount = exec.CompensatedStepsCount
	stored.ErrorMessage = exec.ErrorMessage

	if err := r.writeExecution(ctx, stored); err != nil {
		return err
	}
	if previousStatus != exec.Status {
		pipe := r.client.TxPipeline()
		pipe.SRem(ctx, r.statusKey(previousStatus), exec.ID)
		pipe.SAdd(ctx, r.statusKey(exec.Status), exec.ID)
		if _, err := pipe.Exec(ctx); err != nil {
			return saga.NewStorageError("reindex execution status", err)
		}
	}
	return nil
}

// GetOrCreateStep implements saga.Storage.
func (r *RedisStorage) GetOrCreateStep(ctx context.Context, exec *saga.SagaExecution, stepDef *saga.StepDefinition, order int) (*saga.StepExecution, error) {
	if err := r.checkClosed(); err != nil {
		return nil, err
	}

	stored, err := r.GetExecution(ctx, exec.ID)
	if err != nil {
		return nil, err
	}
	if existing := stored.StepByName(stepDef.Name); existing != nil {
		return existing, nil
	}

	step := &saga.StepExecution{
		ID:            "step-" + uuid.NewString(),
		SagaID:        exec.ID,
		StepName:      stepDef.Name,
		StepOrder:     order,
		ParallelGroup: stepDef.ParallelGroup,
		Status:        saga.StepStatusPending,
		MaxRetries:    stepDef.RetryAttempts,
	}
	stored.Steps = append(stored.Steps, step)
	if err := r.writeExecution(ctx, stored); err != nil {
		return nil, err
	}
	return step, nil
}

// UpdateStep implements saga.Storage.
func (r *RedisStorage) UpdateStep(ctx context.Context, sagaID string, step *saga.StepExecution) error {
	if err := r.checkClosed(); err != nil {
		return err
	}

	stored, err := r.GetExecution(ctx, sagaID)
	if err != nil {
		return err
	}
	replaced := false
	for i, s := range stored.Steps {
		if s.ID == step.ID {
			stored.Steps[i] = step
			replaced = true
			break
		}
	}
	if !replaced {
		return saga.NewSagaError(saga.ErrCodeStorageError, "step not found: "+step.StepName)
	}
	return r.writeExecution(ctx, stored)
}

// AppendEvent implements saga.Storage.
func (r *RedisStorage) AppendEvent(ctx context.Context, event *saga.SagaEvent) error {
	if err := r.checkClosed(); err != nil {
		return err
	}

	data, err := json.Marshal(event)
	if err != nil {
		return saga.NewStorageError("marshal event", err)
	}
	key := r.eventsKey(event.SagaID)
	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	if r.config.TTL > 0 {
		pipe.Expire(ctx, key, r.config.TTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return saga.NewStorageError("append event", err)
	}
	return nil
}

// GetEvents returns the audit trail of a saga in append order.
func (r *RedisStorage) GetEvents(ctx context.Context, sagaID string) ([]*saga.SagaEvent, error) {
	if err := r.checkClosed(); err != nil {
		return nil, err
	}

	raw, err := r.client.LRange(ctx, r.eventsKey(sagaID), 0, -1).Result()
	if err != nil {
		return nil, saga.NewStorageError("read events", err)
	}
	out := make([]*saga.SagaEvent, 0, len(raw))
	for _, item := range raw {
		event := &saga.SagaEvent{}
		if err := json.Unmarshal([]byte(item), event); err != nil {
			return nil, saga.NewStorageError("unmarshal event", err)
		}
		out = append(out, event)
	}
	return out, nil
}

// FindExecutionsByStatus implements saga.Storage. The status index sets may
// briefly lag the documents; the status on the document wins.
func (r *RedisStorage) FindExecutionsByStatus(ctx context.Context, statuses []saga.SagaStatus) ([]*saga.SagaExecution, error) {
	if err := r.checkClosed(); err != nil {
		return nil, err
	}

	wanted := make(map[saga.SagaStatus]struct{}, len(statuses))
	for _, s := range statuses {
		wanted[s] = struct{}{}
	}

	var out []*saga.SagaExecution
	seen := make(map[string]struct{})
	for _, status := range statuses {
		ids, err := r.client.SMembers(ctx, r.statusKey(status)).Result()
		if err != nil {
			return nil, saga.NewStorageError("read status index", err)
		}
		for _, id := range ids {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}

			exec, err := r.GetExecution(ctx, id)
			if err != nil {
				if saga.IsSagaNotFound(err) {
					// Expired document with a stale index entry.
					r.client.SRem(ctx, r.statusKey(status), id)
					continue
				}
				return nil, err
			}
			if _, ok := wanted[exec.Status]; ok {
				out = append(out, exec)
			}
		}
	}
	return out, nil
}

// DeleteExecution implements saga.Storage.
func (r *RedisStorage) DeleteExecution(ctx context.Context, sagaID string) error {
	if err := r.checkClosed(); err != nil {
		return err
	}

	exec, err := r.GetExecution(ctx, sagaID)
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.execKey(sagaID))
	pipe.Del(ctx, r.eventsKey(sagaID))
	pipe.SRem(ctx, r.statusKey(exec.Status), sagaID)
	if _, err := pipe.Exec(ctx); err != nil {
		return saga.NewStorageError("delete execution", err)
	}
	return nil
}

func (r *RedisStorage) writeExecution(ctx context.Context, exec *saga.SagaExecution) error {
	data, err := json.Marshal(exec)
	if err != nil {
		return saga.NewStorageError("marshal execution", err)
	}
	if err := r.client.Set(ctx, r.execKey(exec.ID), data, r.config.TTL).Err(); err != nil {
		return saga.NewStorageError("write execution", err)
	}
	return nil
}

var (
	_ saga.Storage = (*RedisStorage)(nil)
	_ saga.Pinger  = (*RedisStorage)(nil)
)
