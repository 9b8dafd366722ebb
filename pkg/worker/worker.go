// Package worker runs the job-dispatch loop: pull envelopes off a queue,
// hand each to the matching VDS/GP job handler on a bounded goroutine pool,
// and ack on completion.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/aixcc-finals/capi-scoring/pkg/gphandler"
	"github.com/aixcc-finals/capi-scoring/pkg/log"
	"github.com/aixcc-finals/capi-scoring/pkg/metrics"
	"github.com/aixcc-finals/capi-scoring/pkg/queue"
	"github.com/aixcc-finals/capi-scoring/pkg/vdshandler"
)

// JobTimeout bounds a single VDS/GP job's end-to-end handling time.
const JobTimeout = 1000 * time.Second

// DequeueTimeout is how long a single BRPOPLPUSH blocks before a poller
// loops back around to check for shutdown.
const DequeueTimeout = 5 * time.Second

// Config configures one Worker instance.
type Config struct {
	ID          string
	WorkerQueue string // which queue (worker id) to pull from; defaults to queue.DefaultWorker
	Concurrency int    // bounded goroutine pool size; 0 falls back to 50
}

// Worker dequeues scoring jobs and dispatches them to the VDS/GP handlers.
type Worker struct {
	cfg Config

	queue *queue.Queue
	vds   *vdshandler.Handler
	gp    *gphandler.Handler

	sem chan struct{}
	wg  sync.WaitGroup
}

// New builds a Worker. vds and gp must not be nil.
func New(cfg Config, q *queue.Queue, vds *vdshandler.Handler, gp *gphandler.Handler) *Worker {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 50
	}
	return &Worker{
		cfg:   cfg,
		queue: q,
		vds:   vds,
		gp:    gp,
		sem:   make(chan struct{}, concurrency),
	}
}

// Run polls the queue until ctx is cancelled, handing each dequeued job to a
// pool slot. It blocks until every in-flight job has finished before
// returning, so callers can rely on Run's return meaning a clean drain.
func (w *Worker) Run(ctx context.Context) error {
	workerQueue := w.cfg.WorkerQueue
	if workerQueue == "" {
		workerQueue = queue.DefaultWorker
	}
	logger := log.WithComponent("worker").With().Str("worker_id", w.cfg.ID).Str("queue", workerQueue).Logger()
	logger.Info().Msg("worker started")

	if n, err := w.queue.Requeue(ctx, workerQueue); err != nil {
		logger.Error().Err(err).Msg("failed to requeue orphaned jobs")
	} else if n > 0 {
		logger.Info().Int("count", n).Msg("requeued jobs left in processing by a previous run")
	}

	defer func() {
		w.wg.Wait()
		logger.Info().Msg("worker drained, all jobs complete")
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}

		env, err := w.queue.Dequeue(ctx, workerQueue, DequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error().Err(err).Msg("dequeue failed, backing off")
			time.Sleep(time.Second)
			continue
		}
		if env == nil {
			continue // timed out waiting for work, loop back and check ctx
		}

		w.sem <- struct{}{}
		w.wg.Add(1)
		go func(env queue.Envelope) {
			defer w.wg.Done()
			defer func() { <-w.sem }()
			w.dispatch(ctx, workerQueue, env)
		}(*env)
	}
}

func (w *Worker) dispatch(ctx context.Context, workerQueue string, env queue.Envelope) {
	logger := log.WithComponent("worker").With().Str("job_id", env.JobID).Str("kind", string(env.Kind)).Logger()

	jobCtx, cancel := context.WithTimeout(ctx, JobTimeout)
	defer cancel()

	timer := metrics.NewTimer()
	var err error
	switch env.Kind {
	case queue.KindVDS:
		err = w.vds.Handle(jobCtx, env)
	case queue.KindGP:
		err = w.gp.Handle(jobCtx, env)
	default:
		logger.Error().Str("kind", string(env.Kind)).Msg("unknown job kind, dropping")
	}
	timer.ObserveDurationVec(metrics.JobDuration, string(env.Kind))

	status := "ok"
	if err != nil {
		status = "error"
		logger.Error().Err(err).Msg("job handler returned an error")
	}
	metrics.VerdictsTotal.WithLabelValues(string(env.Kind), status).Inc()

	if ackErr := w.queue.Ack(ctx, workerQueue, env); ackErr != nil {
		logger.Error().Err(ackErr).Msg("failed to ack completed job")
	}
}
