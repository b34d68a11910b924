package orchestrator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ontoplane/ontos/errors"
)

// PoolConfig tunes one worker pool process
type PoolConfig struct {
	// Workers is the number of concurrent executor goroutines
	Workers int

	// IdleSleep is how long an executor sleeps after finding the queue empty
	IdleSleep time.Duration

	// Heartbeat is the worker registry refresh interval
	Heartbeat time.Duration

	// LeaseTimeout is the age past which a RUNNING job's lease is treated
	// as abandoned and reclaimed
	LeaseTimeout time.Duration
}

// DefaultPoolConfig returns the standard single-executor configuration
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Workers:      1,
		IdleSleep:    5 * time.Second,
		Heartbeat:    30 * time.Second,
		LeaseTimeout: 2 * time.Minute,
	}
}

func (c *PoolConfig) applyDefaults() {
	d := DefaultPoolConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.IdleSleep <= 0 {
		c.IdleSleep = d.IdleSleep
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = d.Heartbeat
	}
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = d.LeaseTimeout
	}
}

// Pool is one worker process: a registry row, a heartbeat loop, a lease
// sweeper, and N executor goroutines polling the shared queue. Multiple
// pools may run against the same database; the claim CAS keeps them from
// double-executing a job.
type Pool struct {
	store    *Store
	registry *HandlerRegistry
	logger   *zap.SugaredLogger
	config   PoolConfig

	worker *Worker
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewPool creates a worker pool
func NewPool(store *Store, registry *HandlerRegistry, logger *zap.SugaredLogger, config PoolConfig) *Pool {
	config.applyDefaults()
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Pool{
		store:    store,
		registry: registry,
		logger:   logger.Named("worker"),
		config:   config,
	}
}

// WorkerID returns the registry row ID once Start has run
func (p *Pool) WorkerID() string {
	if p.worker == nil {
		return ""
	}
	return p.worker.ID
}

// Start registers the worker and launches the executor, heartbeat and
// lease-sweep goroutines. It returns immediately.
func (p *Pool) Start(ctx context.Context) error {
	worker, err := p.store.RegisterWorker(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to start worker pool")
	}
	p.worker = worker

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.wg.Add(1)
	go p.heartbeatLoop(runCtx)

	p.wg.Add(1)
	go p.sweepLoop(runCtx)

	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.executorLoop(runCtx, i)
	}

	p.logger.Infow("Worker pool started",
		"worker_id", worker.ID,
		"executors", p.config.Workers,
		"handlers", p.registry.Types(),
	)
	return nil
}

// Stop shuts the pool down, waits for in-flight jobs to finish, and marks
// the worker offline
func (p *Pool) Stop() {
	p.once.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
		p.wg.Wait()
		if p.worker != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := p.store.MarkOffline(ctx, p.worker.ID); err != nil {
				p.logger.Warnw("Failed to mark worker offline", "worker_id", p.worker.ID, "error", err)
			}
		}
		p.logger.Infow("Worker pool stopped", "worker_id", p.WorkerID())
	})
}

func (p *Pool) heartbeatLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.config.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.store.Heartbeat(ctx, p.worker.ID); err != nil && ctx.Err() == nil {
				p.logger.Warnw("Heartbeat failed", "worker_id", p.worker.ID, "error", err)
			}
		}
	}
}

// sweepLoop periodically returns abandoned RUNNING jobs to the queue.
// Every pool sweeps; the reclaim UPDATE is idempotent so overlapping
// sweeps are harmless.
func (p *Pool) sweepLoop(ctx context.Context) {
	defer p.wg.Done()
	interval := p.config.LeaseTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.store.ReclaimExpiredLeases(ctx, p.config.LeaseTimeout); err != nil && ctx.Err() == nil {
				p.logger.Errorw("Lease sweep failed", "worker_id", p.worker.ID, "error", err)
			}
		}
	}
}

func (p *Pool) executorLoop(ctx context.Context, index int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := p.store.ClaimNext(ctx, p.worker.ID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Errorw("Failed to claim job", "executor", index, "error", err)
			p.sleep(ctx, p.config.IdleSleep)
			continue
		}
		if job == nil {
			// Queue empty - back off before polling again
			p.sleep(ctx, p.config.IdleSleep)
			continue
		}

		p.execute(ctx, job)
		// Found work: poll again immediately, the queue may have more
	}
}

func (p *Pool) execute(ctx context.Context, job *Job) {
	logger := p.logger.With(
		"job_id", job.ID,
		"job_type", job.JobType,
		"attempt", job.Attempts,
	)
	logger.Infow("Executing job")
	started := time.Now()

	err := p.runHandler(ctx, job)
	if err != nil {
		logger.Warnw("Job execution failed", "duration", time.Since(started), "error", err)
		if _, failErr := p.store.Fail(ctx, job.ID, p.worker.ID, err); failErr != nil {
			logger.Errorw("Failed to record job failure", "error", failErr)
		}
		return
	}

	if err := p.store.Complete(ctx, job.ID, p.worker.ID); err != nil {
		logger.Errorw("Failed to record job completion", "error", err)
		return
	}
	logger.Infow("Job completed", "duration", time.Since(started))
}

// runHandler resolves and runs the handler, converting panics into
// ordinary job failures so one bad handler cannot take down the pool
func (p *Pool) runHandler(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("handler panic: %v", r)
		}
	}()

	handler, err := p.registry.Get(job.JobType)
	if err != nil {
		return err
	}
	return handler.Execute(ctx, job)
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
