// Package sidefx runs best-effort side effects off the hot path.
//
// Lifecycle operations enqueue jobs (reputation recomputes, party
// notifications) and never wait on them: a full queue drops the job with a
// warning rather than blocking a release or a confirmation.
package sidefx

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tradewell/escrowd/internal/idgen"
	"github.com/tradewell/escrowd/internal/retry"
)

var (
	jobsEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "sidefx",
		Name:      "jobs_enqueued_total",
		Help:      "Side-effect jobs accepted by kind.",
	}, []string{"kind"})

	jobsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "sidefx",
		Name:      "jobs_dropped_total",
		Help:      "Side-effect jobs dropped because the queue was full.",
	}, []string{"kind"})

	jobsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "sidefx",
		Name:      "jobs_failed_total",
		Help:      "Side-effect jobs that failed after retries.",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(jobsEnqueued, jobsDropped, jobsFailed)
}

// DefaultQueueSize is the buffered job capacity before drops begin.
const DefaultQueueSize = 256

// Job is one deferred side effect.
type Job struct {
	ID   string
	Kind string
	Run  func(ctx context.Context) error
}

// Queue executes jobs on a single worker goroutine with bounded retries.
type Queue struct {
	jobs     chan Job
	logger   *slog.Logger
	attempts int
	timeout  time.Duration

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewQueue creates a side-effect queue. Jobs get up to three attempts with
// backoff and a 30 second budget each.
func NewQueue(logger *slog.Logger) *Queue {
	return &Queue{
		jobs:     make(chan Job, DefaultQueueSize),
		logger:   logger,
		attempts: 3,
		timeout:  30 * time.Second,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins the worker loop. Call in a goroutine.
func (q *Queue) Start(ctx context.Context) {
	defer close(q.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stop:
			return
		case job := <-q.jobs:
			q.run(ctx, job)
		}
	}
}

// Stop signals the worker to stop and waits for the in-flight job.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.stop) })
	<-q.done
}

// Enqueue submits a job without blocking. Returns false if the queue is
// full and the job was dropped.
func (q *Queue) Enqueue(kind string, run func(ctx context.Context) error) bool {
	job := Job{ID: idgen.WithPrefix("fx_"), Kind: kind, Run: run}
	select {
	case q.jobs <- job:
		jobsEnqueued.WithLabelValues(kind).Inc()
		return true
	default:
		jobsDropped.WithLabelValues(kind).Inc()
		q.logger.Warn("side-effect queue full, job dropped", "kind", kind, "job", job.ID)
		return false
	}
}

func (q *Queue) run(ctx context.Context, job Job) {
	jobCtx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	err := retry.Do(jobCtx, q.attempts, 100*time.Millisecond, func() error {
		return job.Run(jobCtx)
	})
	if err != nil {
		jobsFailed.WithLabelValues(job.Kind).Inc()
		q.logger.Warn("side-effect job failed", "kind", job.Kind, "job", job.ID, "error", err)
	}
}
