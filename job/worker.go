package job

import (
	"context"
	"errors"
	"sync"
	"time"

	"vidserve/logger"
	"vidserve/models"
	"vidserve/taskqueue"
)

// WorkerPool feeds queue deliveries to the orchestrator
type WorkerPool struct {
	orch         *Orchestrator
	queue        taskqueue.Queue
	workers      int
	pollInterval time.Duration
}

func NewWorkerPool(orch *Orchestrator, queue taskqueue.Queue, workers int, pollInterval time.Duration) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &WorkerPool{orch: orch, queue: queue, workers: workers, pollInterval: pollInterval}
}

// Recover re-queues every job left pending or processing by a previous run.
// Jobs with a scheduled retry keep their remaining delay.
func (p *WorkerPool) Recover(ctx context.Context) (int, error) {
	jobs, err := p.orch.store.ListByStatus(ctx, models.StatusPending, models.StatusProcessing)
	if err != nil {
		return 0, err
	}
	now := p.orch.opts.Now()
	for _, j := range jobs {
		var delay time.Duration
		if j.RetryAt != nil && j.RetryAt.After(now) {
			delay = j.RetryAt.Sub(now)
		}
		if err := p.queue.Enqueue(ctx, j.ID, delay); err != nil {
			return 0, err
		}
		logger.ForJob(j.ID).Infof("Recovered %s job, due in %s", j.Status, delay)
	}
	return len(jobs), nil
}

// Run blocks until ctx is cancelled and every worker has returned
func (p *WorkerPool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.work(ctx, id)
		}(i)
	}
	logger.Infof("Started %d workers", p.workers)
	wg.Wait()
	logger.Infof("Workers stopped")
}

func (p *WorkerPool) work(ctx context.Context, id int) {
	for {
		if ctx.Err() != nil {
			return
		}

		d, err := p.queue.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Errorf("worker %d: receive failed: %v", id, err)
			p.sleep(ctx)
			continue
		}
		if d == nil {
			p.sleep(ctx)
			continue
		}

		p.handle(ctx, id, d)
	}
}

// handle processes one delivery and acks it unless it has to come back
func (p *WorkerPool) handle(ctx context.Context, id int, d *taskqueue.Delivery) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("worker %d: panic handling job %s: %v", id, d.JobID, r)
		}
	}()

	err := p.orch.HandleDelivery(ctx, d.JobID)
	if err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return
		}
		logger.Errorf("worker %d: job %s: %v", id, d.JobID, err)
		return
	}

	// the ack must go through even while shutting down
	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := p.queue.Ack(ackCtx, d); err != nil {
		logger.Errorf("worker %d: ack for job %s failed: %v", id, d.JobID, err)
	}
}

func (p *WorkerPool) sleep(ctx context.Context) {
	t := time.NewTimer(p.pollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
