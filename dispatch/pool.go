// Package dispatch provides a keyed worker pool: work items are hashed by
// a caller-supplied key onto fixed per-worker FIFO queues, so items that
// share a key are processed strictly in arrival order while distinct keys
// run in parallel.
package dispatch

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pool is a keyed worker pool over any work type T.
type Pool[T any] struct {
	// Configuration
	workers   int
	queueSize int
	keyFn     func(T) string
	processor func(context.Context, T) error

	// Runtime state
	queues []chan T
	wg     sync.WaitGroup

	// Lifecycle management. Submit holds the read side across its channel
	// send so Stop cannot close a queue between the stopped check and the
	// enqueue.
	lifecycleMu sync.RWMutex
	started     bool
	stopped     bool
	procCtx     context.Context
	procCancel  context.CancelFunc

	// Statistics (atomic)
	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64

	name string
}

// Stats is a point-in-time snapshot of pool counters.
type Stats struct {
	Submitted int64
	Processed int64
	Failed    int64
	Dropped   int64
}

// Option configures a Pool.
type Option[T any] func(*Pool[T])

// WithName labels the pool's Prometheus metrics.
func WithName[T any](name string) Option[T] {
	return func(p *Pool[T]) {
		p.name = name
	}
}

var (
	metricQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dispatch_pool_queue_depth",
		Help: "Total queued work items across partitions",
	}, []string{"pool"})

	metricProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_pool_processed_total",
		Help: "Work items processed",
	}, []string{"pool"})

	metricFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_pool_failed_total",
		Help: "Work items whose processor returned an error",
	}, []string{"pool"})

	metricDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_pool_dropped_total",
		Help: "Work items rejected because a partition queue was full",
	}, []string{"pool"})
)

// NewPool creates a keyed worker pool. keyFn maps an item to its ordering
// key; processor handles one item and reports failure through its error.
func NewPool[T any](workers, queueSize int, keyFn func(T) string, processor func(context.Context, T) error, opts ...Option[T]) *Pool[T] {
	if workers <= 0 {
		workers = 8
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if processor == nil {
		panic(ErrNilProcessor)
	}
	if keyFn == nil {
		panic(ErrNilKeyFunc)
	}

	pool := &Pool[T]{
		workers:   workers,
		queueSize: queueSize,
		keyFn:     keyFn,
		processor: processor,
		name:      "default",
	}
	for _, opt := range opts {
		opt(pool)
	}
	return pool
}

// Start launches the workers. The supplied context is the parent for
// processor invocations; cancelling it does not kill in-flight work, it
// only propagates through the processor's own context handling.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return ErrAlreadyStarted
	}
	p.started = true

	p.procCtx, p.procCancel = context.WithCancel(context.WithoutCancel(ctx))
	p.queues = make([]chan T, p.workers)
	for i := 0; i < p.workers; i++ {
		p.queues[i] = make(chan T, p.queueSize)
		p.wg.Add(1)
		go p.worker(p.queues[i])
	}
	return nil
}

func (p *Pool[T]) worker(queue <-chan T) {
	defer p.wg.Done()
	for item := range queue {
		metricQueueDepth.WithLabelValues(p.name).Dec()
		if err := p.processor(p.procCtx, item); err != nil {
			p.failed.Add(1)
			metricFailed.WithLabelValues(p.name).Inc()
		}
		p.processed.Add(1)
		metricProcessed.WithLabelValues(p.name).Inc()
	}
}

// Submit enqueues an item on the partition owning its key. Items sharing
// a key land on the same partition and are processed in submission order.
// A full partition rejects the item rather than blocking the producer.
func (p *Pool[T]) Submit(item T) error {
	p.lifecycleMu.RLock()
	defer p.lifecycleMu.RUnlock()

	if !p.started {
		return ErrNotStarted
	}
	if p.stopped {
		return ErrStopped
	}
	queue := p.queues[p.partition(p.keyFn(item))]

	select {
	case queue <- item:
		p.submitted.Add(1)
		metricQueueDepth.WithLabelValues(p.name).Inc()
		return nil
	default:
		p.dropped.Add(1)
		metricDropped.WithLabelValues(p.name).Inc()
		return ErrQueueFull
	}
}

func (p *Pool[T]) partition(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(p.workers))
}

// Stop closes intake and waits for queued work to drain. Already-running
// processor calls finish normally; ctx bounds only how long Stop waits.
func (p *Pool[T]) Stop(ctx context.Context) error {
	p.lifecycleMu.Lock()
	if !p.started {
		p.lifecycleMu.Unlock()
		return ErrNotStarted
	}
	if p.stopped {
		p.lifecycleMu.Unlock()
		return nil
	}
	p.stopped = true
	for _, q := range p.queues {
		close(q)
	}
	p.lifecycleMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.procCancel()
		return nil
	case <-ctx.Done():
		p.procCancel()
		return ctx.Err()
	}
}

// Stats returns a snapshot of the pool's counters.
func (p *Pool[T]) Stats() Stats {
	return Stats{
		Submitted: p.submitted.Load(),
		Processed: p.processed.Load(),
		Failed:    p.failed.Load(),
		Dropped:   p.dropped.Load(),
	}
}
