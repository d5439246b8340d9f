package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/BaSui01/flowmesh/types"
)

// newBackends returns one fresh store per backend so every conformance
// subtest runs against all of them.
func newBackends(t *testing.T) map[string]ExecutionStore {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rs, err := NewRedisStore(client, "test:", nil)
	require.NoError(t, err)

	db, err := gorm.Open(sqlite.Open(t.TempDir()+"/store.db"), &gorm.Config{})
	require.NoError(t, err)
	gs, err := NewGormStore(db, nil)
	require.NoError(t, err)

	stores := map[string]ExecutionStore{
		"memory": NewMemoryStore(),
		"redis":  rs,
		"gorm":   gs,
	}
	t.Cleanup(func() {
		for _, s := range stores {
			_ = s.Close()
		}
	})
	return stores
}

func testDefinition() *types.WorkflowDefinition {
	return &types.WorkflowDefinition{
		ID:   "wf-pipeline",
		Name: "pipeline",
		Steps: []types.StepSpec{
			{StepID: "extract", TargetCapability: "extraction"},
		},
	}
}

// ---------------------------------------------------------------------------
// Conformance suite, run against every backend
// ---------------------------------------------------------------------------

func TestStore_CreateExecution(t *testing.T) {
	t.Parallel()
	for name, s := range newBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			exec, err := s.CreateExecution(ctx, testDefinition(), map[string]any{"source": "s3"})
			require.NoError(t, err)
			assert.NotEmpty(t, exec.ID)
			assert.Equal(t, "wf-pipeline", exec.WorkflowID)
			assert.Equal(t, types.ExecutionPending, exec.Status)
			assert.Equal(t, "s3", exec.AccumulatedData["source"])

			loaded, err := s.Load(ctx, exec.ID)
			require.NoError(t, err)
			assert.Equal(t, exec.ID, loaded.ID)
			assert.Equal(t, "s3", loaded.AccumulatedData["source"])
		})
	}
}

func TestStore_CreateExecutionNilDefinition(t *testing.T) {
	t.Parallel()
	for name, s := range newBackends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.CreateExecution(context.Background(), nil, nil)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

func TestStore_SaveThenLoadRoundTrip(t *testing.T) {
	t.Parallel()
	for name, s := range newBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			exec, err := s.CreateExecution(ctx, testDefinition(), nil)
			require.NoError(t, err)

			exec.Status = types.ExecutionRunning
			exec.CurrentStepIndex = 2
			exec.MergeData(map[string]any{"extract": "done"})
			exec.AppendHandoff(types.HandoffRecord{
				FromStep:     "extract",
				ToStep:       "transform",
				QualityScore: 92.5,
			})
			require.NoError(t, s.Save(ctx, exec))

			loaded, err := s.Load(ctx, exec.ID)
			require.NoError(t, err)
			assert.Equal(t, types.ExecutionRunning, loaded.Status)
			assert.Equal(t, 2, loaded.CurrentStepIndex)
			assert.Equal(t, "done", loaded.AccumulatedData["extract"])
			require.Len(t, loaded.Handoffs, 1)
			assert.Equal(t, "extract", loaded.Handoffs[0].FromStep)
			assert.InDelta(t, 92.5, loaded.Handoffs[0].QualityScore, 0.001)
		})
	}
}

func TestStore_SaveInvalidInput(t *testing.T) {
	t.Parallel()
	for name, s := range newBackends(t) {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, s.Save(context.Background(), nil), ErrInvalidInput)
			assert.ErrorIs(t, s.Save(context.Background(), &types.WorkflowExecution{}), ErrInvalidInput)
		})
	}
}

func TestStore_LoadMissingExecution(t *testing.T) {
	t.Parallel()
	for name, s := range newBackends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Load(context.Background(), "no-such-execution")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_ListActiveExcludesTerminal(t *testing.T) {
	t.Parallel()
	for name, s := range newBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			pending, err := s.CreateExecution(ctx, testDefinition(), nil)
			require.NoError(t, err)
			running, err := s.CreateExecution(ctx, testDefinition(), nil)
			require.NoError(t, err)
			done, err := s.CreateExecution(ctx, testDefinition(), nil)
			require.NoError(t, err)

			running.Status = types.ExecutionRunning
			require.NoError(t, s.Save(ctx, running))
			done.Status = types.ExecutionCompleted
			require.NoError(t, s.Save(ctx, done))

			ids, err := s.ListActive(ctx)
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{pending.ID, running.ID}, ids)
		})
	}
}

func TestStore_LockMutualExclusion(t *testing.T) {
	t.Parallel()
	for name, s := range newBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ok, err := s.TryAcquireLock(ctx, "exec-1", "owner-a", time.Minute)
			require.NoError(t, err)
			assert.True(t, ok)

			// Held lease blocks other owners but not the holder.
			ok, err = s.TryAcquireLock(ctx, "exec-1", "owner-b", time.Minute)
			require.NoError(t, err)
			assert.False(t, ok)

			ok, err = s.TryAcquireLock(ctx, "exec-1", "owner-a", time.Minute)
			require.NoError(t, err)
			assert.True(t, ok, "holder re-acquisition refreshes the lease")

			// Locks are per execution.
			ok, err = s.TryAcquireLock(ctx, "exec-2", "owner-b", time.Minute)
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestStore_LockInvalidInput(t *testing.T) {
	t.Parallel()
	for name, s := range newBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := s.TryAcquireLock(ctx, "", "owner-a", time.Minute)
			assert.ErrorIs(t, err, ErrInvalidInput)
			_, err = s.TryAcquireLock(ctx, "exec-1", "", time.Minute)
			assert.ErrorIs(t, err, ErrInvalidInput)
			_, err = s.TryAcquireLock(ctx, "exec-1", "owner-a", 0)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

func TestStore_RenewLock(t *testing.T) {
	t.Parallel()
	for name, s := range newBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ok, err := s.TryAcquireLock(ctx, "exec-1", "owner-a", time.Minute)
			require.NoError(t, err)
			require.True(t, ok)

			assert.NoError(t, s.RenewLock(ctx, "exec-1", "owner-a", time.Minute))

			err = s.RenewLock(ctx, "exec-1", "owner-b", time.Minute)
			assert.ErrorIs(t, err, types.ErrLockContention)

			err = s.RenewLock(ctx, "never-locked", "owner-a", time.Minute)
			assert.ErrorIs(t, err, types.ErrLockContention)
		})
	}
}

func TestStore_ReleaseLock(t *testing.T) {
	t.Parallel()
	for name, s := range newBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ok, err := s.TryAcquireLock(ctx, "exec-1", "owner-a", time.Minute)
			require.NoError(t, err)
			require.True(t, ok)

			// Owner mismatch must not release someone else's lease.
			require.NoError(t, s.ReleaseLock(ctx, "exec-1", "owner-b"))
			ok, err = s.TryAcquireLock(ctx, "exec-1", "owner-b", time.Minute)
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, s.ReleaseLock(ctx, "exec-1", "owner-a"))
			ok, err = s.TryAcquireLock(ctx, "exec-1", "owner-b", time.Minute)
			require.NoError(t, err)
			assert.True(t, ok)

			// Releasing an absent lock is a no-op.
			assert.NoError(t, s.ReleaseLock(ctx, "exec-9", "owner-a"))
		})
	}
}

func TestStore_Ping(t *testing.T) {
	t.Parallel()
	for name, s := range newBackends(t) {
		t.Run(name, func(t *testing.T) {
			assert.NoError(t, s.Ping(context.Background()))
		})
	}
}

// ---------------------------------------------------------------------------
// Factory
// ---------------------------------------------------------------------------

func TestNew_BackendSelection(t *testing.T) {
	t.Parallel()

	s, err := New(Config{Type: BackendMemory}, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)
	_ = s.Close()

	s, err = New(Config{}, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s, "empty type defaults to memory")
	_ = s.Close()

	mr := miniredis.RunT(t)
	s, err = New(Config{Type: BackendRedis, Redis: RedisConfig{Addr: mr.Addr()}}, nil)
	require.NoError(t, err)
	assert.IsType(t, &RedisStore{}, s)
	_ = s.Close()

	s, err = New(Config{Type: BackendGorm, SQLitePath: t.TempDir() + "/factory.db"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &GormStore{}, s)
	_ = s.Close()

	_, err = New(Config{Type: "etcd"}, nil)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

// ---------------------------------------------------------------------------
// Concurrency: exactly one of N racing owners wins the lease
// ---------------------------------------------------------------------------

func TestStore_ConcurrentLockAcquisition(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rs, err := NewRedisStore(client, "test:", nil)
	require.NoError(t, err)

	// SQLite serializes writers at the file level, so the race is probed
	// against the backends built for concurrent acquisition.
	stores := map[string]ExecutionStore{
		"memory": NewMemoryStore(),
		"redis":  rs,
	}
	t.Cleanup(func() {
		for _, s := range stores {
			_ = s.Close()
		}
	})

	for name, s := range stores {
		t.Run(name, func(t *testing.T) {
			const owners = 16
			var (
				wg  sync.WaitGroup
				mu  sync.Mutex
				won []string
			)
			for i := 0; i < owners; i++ {
				wg.Add(1)
				go func(owner string) {
					defer wg.Done()
					ok, err := s.TryAcquireLock(context.Background(), "exec-race", owner, time.Minute)
					assert.NoError(t, err)
					if ok {
						mu.Lock()
						won = append(won, owner)
						mu.Unlock()
					}
				}(string(rune('a' + i)))
			}
			wg.Wait()
			assert.Len(t, won, 1, "exactly one owner wins the lease")
		})
	}
}
