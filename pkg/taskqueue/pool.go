package taskqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// leaseDuration is how long a claim stays valid without a heartbeat.
const leaseDuration = 2 * time.Minute

// heartbeatInterval is how often running tasks extend their lease.
const heartbeatInterval = 30 * time.Second

// reaperInterval is how often expired leases get requeued.
const reaperInterval = time.Minute

// Handler executes one claimed task.
type Handler func(ctx context.Context, task *Task) error

// KindPolicy sets the execution budget for one task kind.
type KindPolicy struct {
	Timeout    time.Duration
	RetryDelay time.Duration
}

// PoolConfig tunes a worker pool.
type PoolConfig struct {
	WorkerID     string
	Workers      int
	PollInterval time.Duration
	Policies     map[string]KindPolicy
}

// Pool runs claimed tasks on a fixed set of workers. Each task executes
// single-threaded under its kind's timeout.
type Pool struct {
	log     logrus.FieldLogger
	queue   Queue
	handler Handler
	cfg     PoolConfig
}

// NewPool creates a worker pool draining queue through handler.
func NewPool(log logrus.FieldLogger, queue Queue, handler Handler, cfg PoolConfig) *Pool {
	return &Pool{
		log:     log.WithField("component", "workerpool"),
		queue:   queue,
		handler: handler,
		cfg:     cfg,
	}
}

// Run processes tasks until ctx is cancelled. The in-flight task finishes
// its persistence before Run returns.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < p.cfg.Workers; i++ {
		workerNum := i

		g.Go(func() error {
			return p.workerLoop(ctx, workerNum)
		})
	}

	g.Go(func() error {
		return p.reaperLoop(ctx)
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}

	return nil
}

func (p *Pool) workerLoop(ctx context.Context, workerNum int) error {
	log := p.log.WithField("worker", workerNum)

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		task, err := p.queue.ClaimNext(ctx, p.cfg.WorkerID, leaseDuration)
		if err != nil {
			log.WithError(err).Error("Failed to claim task")
		}

		if task != nil {
			p.runTask(ctx, log, task)

			// Drain eagerly while work is available.
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Pool) runTask(ctx context.Context, log logrus.FieldLogger, task *Task) {
	policy := p.cfg.Policies[task.Kind]
	if policy.Timeout == 0 {
		policy.Timeout = time.Hour
	}

	log = log.WithFields(logrus.Fields{
		"task_id":     task.ID,
		"kind":        task.Kind,
		"question_id": task.QuestionID,
		"attempt":     task.Attempts,
	})
	log.Info("Task started")

	taskCtx, cancel := context.WithTimeout(ctx, policy.Timeout)
	defer cancel()

	// Heartbeat keeps the lease alive while the handler runs.
	hbDone := make(chan struct{})

	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-hbDone:
				return
			case <-taskCtx.Done():
				return
			case <-ticker.C:
				if err := p.queue.Heartbeat(context.Background(), task.ID, leaseDuration); err != nil {
					log.WithError(err).Warn("Failed to extend task lease")
				}
			}
		}
	}()

	err := p.handler(taskCtx, task)

	close(hbDone)

	// Queue bookkeeping must land even when ctx was cancelled.
	persistCtx, persistCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer persistCancel()

	if err == nil {
		if cErr := p.queue.Complete(persistCtx, task.ID); cErr != nil {
			log.WithError(cErr).Error("Failed to mark task completed")
		}

		log.Info("Task completed")

		return
	}

	requeued, fErr := p.queue.Fail(persistCtx, task.ID, err.Error(), policy.RetryDelay)
	if fErr != nil {
		log.WithError(fErr).Error("Failed to record task failure")

		return
	}

	log.WithError(err).WithField("requeued", requeued).Warn("Task failed")
}

func (p *Pool) reaperLoop(ctx context.Context) error {
	ticker := time.NewTicker(reaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := p.queue.RequeueExpiredLeases(ctx); err != nil {
				p.log.WithError(err).Error("Failed to requeue expired leases")
			}
		}
	}
}

// Validate checks the pool configuration.
func (c *PoolConfig) Validate() error {
	if c.WorkerID == "" {
		return fmt.Errorf("worker id is required")
	}

	if c.Workers < 1 {
		return fmt.Errorf("worker count must be at least 1")
	}

	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}

	return nil
}
