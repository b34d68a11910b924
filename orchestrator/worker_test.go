package orchestrator

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ontoplane/ontos/errors"
	ontostest "github.com/ontoplane/ontos/internal/testing"
)

// funcHandler adapts a function to JobHandler for tests
type funcHandler struct {
	name string
	fn   func(ctx context.Context, job *Job) error
}

func (h *funcHandler) Name() string                                { return h.name }
func (h *funcHandler) Execute(ctx context.Context, job *Job) error { return h.fn(ctx, job) }

func TestHandlerRegistry(t *testing.T) {
	registry := NewHandlerRegistry()

	_, err := registry.Get(JobTypeSystemPing)
	require.Error(t, err)

	registry.Register(&funcHandler{name: JobTypeSystemPing, fn: func(context.Context, *Job) error { return nil }})
	handler, err := registry.Get(JobTypeSystemPing)
	require.NoError(t, err)
	assert.Equal(t, JobTypeSystemPing, handler.Name())
	assert.Contains(t, registry.Types(), JobTypeSystemPing)
}

func newRunningPool(t *testing.T, registry *HandlerRegistry) (*Store, *Pool) {
	t.Helper()
	database := ontostest.CreateTestDB(t)
	store := NewStore(database, zap.NewNop().Sugar())

	pool := NewPool(store, registry, zap.NewNop().Sugar(), PoolConfig{
		Workers:      2,
		IdleSleep:    10 * time.Millisecond,
		Heartbeat:    time.Minute,
		LeaseTimeout: time.Minute,
	})
	require.NoError(t, pool.Start(context.Background()))
	t.Cleanup(pool.Stop)
	return store, pool
}

func TestPoolExecutesJobs(t *testing.T) {
	var executed atomic.Int32
	registry := NewHandlerRegistry()
	registry.Register(&funcHandler{name: JobTypeSystemPing, fn: func(context.Context, *Job) error {
		executed.Add(1)
		return nil
	}})

	store, _ := newRunningPool(t, registry)
	ctx := context.Background()

	var jobIDs []string
	for i := 0; i < 3; i++ {
		job, err := store.Enqueue(ctx, JobTypeSystemPing, nil, EnqueueOptions{})
		require.NoError(t, err)
		jobIDs = append(jobIDs, job.ID)
	}

	require.Eventually(t, func() bool {
		return executed.Load() == 3
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		for _, id := range jobIDs {
			job, err := store.GetJob(ctx, id)
			if err != nil || job.Status != JobStatusCompleted {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPoolFailedJobGoesThroughRetryPath(t *testing.T) {
	registry := NewHandlerRegistry()
	registry.Register(&funcHandler{name: JobTypeSystemPing, fn: func(context.Context, *Job) error {
		return errors.New("always broken")
	}})

	store, _ := newRunningPool(t, registry)
	ctx := context.Background()

	job, err := store.Enqueue(ctx, JobTypeSystemPing, nil, EnqueueOptions{MaxAttempts: 1})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := store.GetJob(ctx, job.ID)
		return err == nil && got.Status == JobStatusDeadLetter
	}, 5*time.Second, 10*time.Millisecond)

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempts)
	assert.Contains(t, got.LastError, "always broken")
}

func TestPoolUnknownJobTypeFailsNormally(t *testing.T) {
	store, _ := newRunningPool(t, NewHandlerRegistry())
	ctx := context.Background()

	job, err := store.Enqueue(ctx, "NO_SUCH_TYPE", nil, EnqueueOptions{MaxAttempts: 1})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := store.GetJob(ctx, job.ID)
		return err == nil && got.Status == JobStatusDeadLetter
	}, 5*time.Second, 10*time.Millisecond)

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Contains(t, got.LastError, "no handler registered")
}

func TestPoolRecoversFromHandlerPanic(t *testing.T) {
	registry := NewHandlerRegistry()
	registry.Register(&funcHandler{name: JobTypeSystemPing, fn: func(context.Context, *Job) error {
		panic("handler exploded")
	}})

	store, _ := newRunningPool(t, registry)
	ctx := context.Background()

	job, err := store.Enqueue(ctx, JobTypeSystemPing, nil, EnqueueOptions{MaxAttempts: 1})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := store.GetJob(ctx, job.ID)
		return err == nil && got.Status == JobStatusDeadLetter
	}, 5*time.Second, 10*time.Millisecond)

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Contains(t, got.LastError, "handler panic")
}

func TestPoolStopMarksWorkerOffline(t *testing.T) {
	store, pool := newRunningPool(t, NewHandlerRegistry())
	ctx := context.Background()

	workers, err := store.ListWorkers(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, WorkerStatusActive, workers[0].Status)
	assert.Equal(t, pool.WorkerID(), workers[0].ID)

	pool.Stop()

	workers, err = store.ListWorkers(ctx)
	require.NoError(t, err)
	assert.Equal(t, WorkerStatusOffline, workers[0].Status)
}
