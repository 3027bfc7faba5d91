package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"campaign-dispatch/pkg/logger"
)

// Handler processes one job kind.
type Handler interface {
	Handle(ctx context.Context, job Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job Job) error

func (f HandlerFunc) Handle(ctx context.Context, job Job) error { return f(ctx, job) }

// Mux routes jobs to a Handler by kind.
type Mux struct {
	handlers map[Kind]Handler
}

func NewMux() *Mux {
	return &Mux{handlers: make(map[Kind]Handler)}
}

func (m *Mux) Handle(kind Kind, h Handler) {
	m.handlers[kind] = h
}

func (m *Mux) dispatch(ctx context.Context, job Job) error {
	h, ok := m.handlers[job.Kind]
	if !ok {
		return fmt.Errorf("jobs: no handler for kind %q", job.Kind)
	}
	return h.Handle(ctx, job)
}

// Worker pulls jobs off the queue and runs them with bounded concurrency.
// Delayed jobs are promoted on each poll cycle.
type Worker struct {
	queue       *RedisQueue
	mux         *Mux
	concurrency int
	pollTimeout time.Duration
}

func NewWorker(queue *RedisQueue, mux *Mux, concurrency int) *Worker {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Worker{
		queue:       queue,
		mux:         mux,
		concurrency: concurrency,
		pollTimeout: 2 * time.Second,
	}
}

// Run blocks until ctx is canceled, then waits for in-flight jobs.
func (w *Worker) Run(ctx context.Context) error {
	log := logger.From(ctx)
	log.Info("worker started", "concurrency", w.concurrency)

	sem := make(chan struct{}, w.concurrency)
	var wg sync.WaitGroup
	defer func() {
		wg.Wait()
		log.Info("worker stopped")
	}()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if n, err := w.queue.promoteDue(ctx, 100); err != nil {
			log.Error("promote delayed jobs", "error", err)
		} else if n > 0 {
			log.Info("promoted delayed jobs", "count", n)
		}

		job, ok, err := w.queue.dequeue(ctx, w.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error("dequeue", "error", err)
			time.Sleep(time.Second)
			continue
		}
		if !ok {
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			// Put the job back so another worker picks it up.
			if reErr := w.queue.Enqueue(context.Background(), job); reErr != nil {
				log.Error("requeue on shutdown", "job_id", job.ID, "error", reErr)
			}
			return ctx.Err()
		}
		wg.Add(1)
		go func(job Job) {
			defer wg.Done()
			defer func() { <-sem }()
			w.runJob(ctx, job)
		}(job)
	}
}

func (w *Worker) runJob(ctx context.Context, job Job) {
	log := logger.ForCampaign(ctx, job.CampaignID)
	start := time.Now()
	if err := w.mux.dispatch(ctx, job); err != nil {
		log.Error("job failed", "kind", job.Kind, "job_id", job.ID,
			"elapsed", time.Since(start), "error", err)
		return
	}
	log.Info("job done", "kind", job.Kind, "job_id", job.ID, "elapsed", time.Since(start))
}
