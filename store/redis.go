package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/flowmesh/types"
)

// RedisStore is a Redis-based ExecutionStore for distributed deployments.
// Execution records live in plain keys with a set index of active IDs;
// lease locks are SET NX with a TTL so expiry is enforced by Redis itself.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	logger    *zap.Logger
}

// NewRedisStore creates a store on an existing client.
func NewRedisStore(client *redis.Client, keyPrefix string, logger *zap.Logger) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if keyPrefix == "" {
		keyPrefix = "flowmesh:"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix + "execution:",
		logger:    logger.With(zap.String("component", "redis_store")),
	}, nil
}

// NewRedisStoreFromConfig dials Redis from configuration.
func NewRedisStoreFromConfig(cfg RedisConfig, logger *zap.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	return NewRedisStore(client, cfg.KeyPrefix, logger)
}

func (s *RedisStore) dataKey(executionID string) string {
	return s.keyPrefix + "data:" + executionID
}

func (s *RedisStore) lockKey(executionID string) string {
	return s.keyPrefix + "lock:" + executionID
}

func (s *RedisStore) activeKey() string {
	return s.keyPrefix + "active"
}

// CreateExecution creates a pending execution.
func (s *RedisStore) CreateExecution(ctx context.Context, def *types.WorkflowDefinition, initialData map[string]any) (*types.WorkflowExecution, error) {
	if def == nil {
		return nil, ErrInvalidInput
	}
	now := time.Now().UTC()
	exec := &types.WorkflowExecution{
		ID:         uuid.New().String(),
		WorkflowID: def.ID,
		Status:     types.ExecutionPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	exec.MergeData(initialData)
	if err := s.Save(ctx, exec); err != nil {
		return nil, err
	}
	return exec, nil
}

// Save persists the execution and maintains the active index.
func (s *RedisStore) Save(ctx context.Context, exec *types.WorkflowExecution) error {
	if exec == nil || exec.ID == "" {
		return ErrInvalidInput
	}
	exec.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("marshal execution %s: %w", exec.ID, err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.dataKey(exec.ID), data, 0)
	if exec.IsTerminal() {
		pipe.SRem(ctx, s.activeKey(), exec.ID)
	} else {
		pipe.SAdd(ctx, s.activeKey(), exec.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("persist execution %s: %w", exec.ID, err)
	}
	return nil
}

// Load retrieves an execution by ID.
func (s *RedisStore) Load(ctx context.Context, executionID string) (*types.WorkflowExecution, error) {
	data, err := s.client.Get(ctx, s.dataKey(executionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("execution %s: %w", executionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load execution %s: %w", executionID, err)
	}
	var exec types.WorkflowExecution
	if err := json.Unmarshal(data, &exec); err != nil {
		return nil, fmt.Errorf("unmarshal execution %s: %w", executionID, err)
	}
	return &exec, nil
}

// ListActive returns IDs of non-terminal executions.
func (s *RedisStore) ListActive(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.activeKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list active executions: %w", err)
	}
	return ids, nil
}

// Owner-conditional lock mutations run as Lua scripts so the ownership
// check and the mutation are a single atomic command. A GET followed by
// a second command can act on a successor's lease if the key expires
// between the two.
var (
	// 首次抢占用 SET NX，当前持有者重入则刷新租期
	lockAcquireScript = redis.NewScript(`
if redis.call("set", KEYS[1], ARGV[1], "NX", "PX", ARGV[2]) then
	return 1
end
if redis.call("get", KEYS[1]) == ARGV[1] then
	redis.call("pexpire", KEYS[1], ARGV[2])
	return 1
end
return 0`)

	lockRenewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)

	lockReleaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)
)

// TryAcquireLock acquires the lease with SET NX and a TTL. Expiry is
// enforced by Redis, so a crashed holder's lease becomes acquirable
// without any cleanup pass. Reacquisition by the current owner refreshes
// the lease.
func (s *RedisStore) TryAcquireLock(ctx context.Context, executionID, ownerID string, ttl time.Duration) (bool, error) {
	if executionID == "" || ownerID == "" || ttl <= 0 {
		return false, ErrInvalidInput
	}
	res, err := lockAcquireScript.Run(ctx, s.client,
		[]string{s.lockKey(executionID)}, ownerID, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("acquire lock for execution %s: %w", executionID, err)
	}
	return res == 1, nil
}

// RenewLock extends a held lease.
func (s *RedisStore) RenewLock(ctx context.Context, executionID, ownerID string, ttl time.Duration) error {
	res, err := lockRenewScript.Run(ctx, s.client,
		[]string{s.lockKey(executionID)}, ownerID, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("renew lock for execution %s: %w", executionID, err)
	}
	if res == 0 {
		return fmt.Errorf("renew lock for execution %s not held: %w", executionID, types.ErrLockContention)
	}
	return nil
}

// ReleaseLock releases the lease; owner mismatch and an absent key are
// both no-ops.
func (s *RedisStore) ReleaseLock(ctx context.Context, executionID, ownerID string) error {
	err := lockReleaseScript.Run(ctx, s.client,
		[]string{s.lockKey(executionID)}, ownerID).Err()
	if err != nil {
		return fmt.Errorf("release lock for execution %s: %w", executionID, err)
	}
	return nil
}

// Ping checks if the store is healthy.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
