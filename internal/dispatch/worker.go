package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"golang.org/x/time/rate"

	"github.com/orbitmsg/dispatch/internal/logging"
	"github.com/orbitmsg/dispatch/internal/metrics"
)

// WorkerPool is the concurrent consumer side of the engine: an asynq
// server bound to the four priority queues, running up to
// Config.WorkerConcurrency handlers with a pool-wide token-bucket rate
// limit, plus the background sweeps (stall recovery, reconciliation,
// queue health, metrics).
type WorkerPool struct {
	service   *Service
	server    *asynq.Server
	mux       *asynq.ServeMux
	config    Config
	logger    *logging.Logger
	limiter   *rate.Limiter
	isRunning atomic.Bool
	stopSweep context.CancelFunc
}

func NewWorkerPool(redisOpt asynq.RedisConnOpt, service *Service, config Config, logger *logging.Logger) *WorkerPool {
	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency:    config.WorkerConcurrency,
		Queues:         QueueConfig(),
		StrictPriority: true,
		RetryDelayFunc: func(n int, err error, t *asynq.Task) time.Duration {
			// Broker-level retry never fires: every task is enqueued
			// with MaxRetry(0), so a handler error or panic archives
			// the task instead of retrying it and this is not called.
			return time.Minute
		},
	})

	limit := rate.Limit(float64(config.RateLimitPerWindow) / config.RateLimitWindow.Seconds())
	pool := &WorkerPool{
		service: service,
		server:  server,
		mux:     asynq.NewServeMux(),
		config:  config,
		logger:  logger,
		limiter: rate.NewLimiter(limit, config.RateLimitPerWindow),
	}
	pool.mux.HandleFunc(TaskTypeDeliver, pool.handleDeliver)
	return pool
}

// handleDeliver processes one broker job. Returning nil acknowledges
// the job; retry scheduling is entirely the service's concern.
func (p *WorkerPool) handleDeliver(ctx context.Context, t *asynq.Task) error {
	id, err := uuid.Parse(string(t.Payload()))
	if err != nil {
		// A malformed payload can never become valid; acknowledge it.
		p.logger.WithContext(ctx).Errorf("discarding job with malformed payload: %v", err)
		return nil
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}

	start := time.Now()
	ctx = logging.WithCorrelationID(ctx, "")
	log := p.logger.WithContext(ctx).WithField("notification_id", id.String())

	if err := p.service.Process(ctx, id); err != nil {
		log.WithError(err).Error("processing failed")
		p.captureWorkerError(err, id)
		// The row-level outcome is already recorded; acknowledging here
		// keeps the broker's attempt counter at 1.
		return nil
	}
	log.WithField("duration_ms", time.Since(start).Milliseconds()).Debug("job processed")
	return nil
}

// Run starts the pool and its background sweeps and blocks until
// Shutdown or a fatal server error.
func (p *WorkerPool) Run(ctx context.Context) error {
	sweepCtx, cancel := context.WithCancel(ctx)
	p.stopSweep = cancel
	go p.sweepLoop(sweepCtx)

	p.isRunning.Store(true)
	defer p.isRunning.Store(false)
	err := p.server.Run(p.mux)
	if err != nil && !errors.Is(err, asynq.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting new jobs, waits for in-flight handlers to
// drain, then closes the broker connection. Jobs that do not drain are
// left for the stall sweeper on the next boot.
func (p *WorkerPool) Shutdown() {
	if p.stopSweep != nil {
		p.stopSweep()
	}
	p.server.Shutdown()
	p.isRunning.Store(false)
}

func (p *WorkerPool) IsRunning() bool { return p.isRunning.Load() }

// sweepLoop runs the periodic maintenance passes: stall recovery every
// StallSweepInterval, reconciliation and queue-health alerts on their
// own intervals, and a queue-depth metrics poll.
func (p *WorkerPool) sweepLoop(ctx context.Context) {
	stallTicker := time.NewTicker(p.config.StallSweepInterval)
	defer stallTicker.Stop()
	reconcileTicker := time.NewTicker(p.config.ReconcileInterval)
	defer reconcileTicker.Stop()
	healthTicker := time.NewTicker(p.config.DLQHealthCheckInterval)
	defer healthTicker.Stop()
	metricsTicker := time.NewTicker(15 * time.Second)
	defer metricsTicker.Stop()

	log := p.logger.WithContext(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-stallTicker.C:
			recovered, err := p.service.SweepStalled(ctx)
			if err != nil {
				log.WithError(err).Error("stall sweep failed")
				continue
			}
			if recovered > 0 {
				metrics.StallRecoveredTotal.Add(float64(recovered))
				log.WithField("recovered", recovered).Warn("re-enqueued stalled notifications")
			}
		case <-reconcileTicker.C:
			requeued, err := p.service.Reconcile(ctx)
			if err != nil {
				log.WithError(err).Error("reconciliation failed")
				continue
			}
			if requeued > 0 {
				log.WithField("requeued", requeued).Info("reconciled rows with lost broker state")
			}
		case <-healthTicker.C:
			if err := p.service.CheckQueueHealth(ctx); err != nil {
				log.WithError(err).Error("queue health check failed")
			}
		case <-metricsTicker.C:
			if stats, err := p.service.QueueStats(ctx); err == nil {
				metrics.SetQueueDepth(stats.Waiting, stats.Active, stats.Delayed, stats.Failed)
			}
		}
	}
}

func (p *WorkerPool) captureWorkerError(err error, id uuid.UUID) {
	hub := sentry.CurrentHub().Clone()
	scope := hub.Scope()
	scope.SetTag("service", "dispatch_worker")
	scope.SetExtra("notification_id", id.String())
	hub.CaptureException(err)
}
