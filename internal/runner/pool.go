package runner

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"
)

var (
	ErrTaskExecution = errors.New("task execution failed")
	ErrWorkerFailure = errors.New("worker failure")
	ErrPoolClosed    = errors.New("pool is closed")
)

// Handle refers to data broadcast to every worker of a pool.
type Handle uint64

type TaskID int

// Task computes one result from broadcast data. data holds the resolved
// handles in the order they were passed to Submit and must not be modified.
type Task[D, R any] func(ctx context.Context, data ...D) (R, error)

// Outcome is the result of one task. Exactly one of Value and Err is set.
type Outcome[R any] struct {
	ID       TaskID
	Worker   int
	Value    R
	Err      error
	Duration time.Duration
}

// Stats counts broadcast traffic.
type Stats struct {
	Broadcasts    int
	Transmissions int
	Bytes         int64
}

type PoolOption func(*poolOptions)

type poolOptions struct {
	taskTimeout  time.Duration
	registerer   prometheus.Registerer
	logger       zerolog.Logger
	resultBuffer int
}

// WithTaskTimeout bounds each task. Zero disables the deadline.
func WithTaskTimeout(d time.Duration) PoolOption {
	return func(o *poolOptions) { o.taskTimeout = d }
}

// WithRegisterer registers the pool metrics with reg.
func WithRegisterer(reg prometheus.Registerer) PoolOption {
	return func(o *poolOptions) { o.registerer = reg }
}

func WithLogger(l zerolog.Logger) PoolOption {
	return func(o *poolOptions) { o.logger = l }
}

func WithResultBuffer(n int) PoolOption {
	return func(o *poolOptions) { o.resultBuffer = n }
}

type job[D, R any] struct {
	id      TaskID
	task    Task[D, R]
	handles []Handle
}

type delivery struct {
	handle  Handle
	payload []byte
	ack     chan error
}

// Pool runs tasks on a fixed set of workers. Broadcast data is encoded once
// and sent to every worker once; tasks reference it by handle. Results are
// collected in completion order with AsCompleted.
type Pool[D, R any] struct {
	opts    poolOptions
	log     zerolog.Logger
	metrics *poolMetrics

	ctx    context.Context
	cancel context.CancelFunc

	inboxes  []chan delivery
	dispatch chan job[D, R]
	results  chan Outcome[R]
	wake     chan struct{}

	mu         sync.Mutex
	queue      []job[D, R]
	nextID     TaskID
	nextHandle Handle
	submitted  int
	delivered  int
	stats      Stats
	closeOnce  sync.Once
}

// NewPool starts workers goroutines.
func NewPool[D, R any](workers int, opts ...PoolOption) (*Pool[D, R], error) {
	if workers < 1 {
		return nil, fmt.Errorf("pool needs at least one worker, got %d", workers)
	}
	o := poolOptions{logger: log.Logger, resultBuffer: workers}
	for _, opt := range opts {
		opt(&o)
	}
	if o.resultBuffer < 0 {
		o.resultBuffer = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool[D, R]{
		opts:     o,
		log:      o.logger.With().Str("component", "pool").Logger(),
		metrics:  newPoolMetrics(o.registerer),
		ctx:      ctx,
		cancel:   cancel,
		inboxes:  make([]chan delivery, workers),
		dispatch: make(chan job[D, R]),
		results:  make(chan Outcome[R], o.resultBuffer),
		wake:     make(chan struct{}, 1),
	}
	for i := range p.inboxes {
		p.inboxes[i] = make(chan delivery)
		go p.work(i, p.inboxes[i])
	}
	go p.pump()
	p.log.Debug().Int("workers", workers).Msg("pool started")
	return p, nil
}

func (p *Pool[D, R]) Workers() int {
	return len(p.inboxes)
}

// Broadcast encodes data once and hands a copy to every worker. It returns
// once every worker holds the data.
func (p *Pool[D, R]) Broadcast(ctx context.Context, data D) (Handle, error) {
	if p.ctx.Err() != nil {
		return 0, ErrPoolClosed
	}
	payload, err := msgpack.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("encoding broadcast: %w", err)
	}

	p.mu.Lock()
	p.nextHandle++
	h := p.nextHandle
	p.mu.Unlock()

	acks := make([]chan error, len(p.inboxes))
	for i, inbox := range p.inboxes {
		acks[i] = make(chan error, 1)
		select {
		case inbox <- delivery{handle: h, payload: payload, ack: acks[i]}:
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-p.ctx.Done():
			return 0, ErrPoolClosed
		}
		p.mu.Lock()
		p.stats.Transmissions++
		p.stats.Bytes += int64(len(payload))
		p.mu.Unlock()
		p.metrics.broadcastBytes.Add(float64(len(payload)))
	}
	for i, ack := range acks {
		select {
		case err := <-ack:
			if err != nil {
				return 0, fmt.Errorf("worker %d decoding broadcast: %w", i, err)
			}
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	p.mu.Lock()
	p.stats.Broadcasts++
	p.mu.Unlock()
	p.log.Debug().Uint64("handle", uint64(h)).Int("bytes", len(payload)).Msg("broadcast delivered")
	return h, nil
}

// Submit queues task without blocking. The task receives the data behind
// handles when it runs.
func (p *Pool[D, R]) Submit(task Task[D, R], handles ...Handle) (TaskID, error) {
	if p.ctx.Err() != nil {
		return 0, ErrPoolClosed
	}
	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.queue = append(p.queue, job[D, R]{id: id, task: task, handles: handles})
	p.submitted++
	p.mu.Unlock()
	p.metrics.submitted.Inc()

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return id, nil
}

// AsCompleted yields outcomes as tasks finish. The sequence ends when every
// task submitted so far has been yielded, when ctx is done or when the pool
// is closed.
func (p *Pool[D, R]) AsCompleted(ctx context.Context) iter.Seq[Outcome[R]] {
	return func(yield func(Outcome[R]) bool) {
		for {
			p.mu.Lock()
			pending := p.submitted - p.delivered
			p.mu.Unlock()
			if pending == 0 {
				return
			}
			select {
			case o := <-p.results:
				p.mu.Lock()
				p.delivered++
				p.mu.Unlock()
				if !yield(o) {
					return
				}
			case <-ctx.Done():
				return
			case <-p.ctx.Done():
				return
			}
		}
	}
}

// Pending is the number of submitted tasks whose outcome has not been
// yielded yet.
func (p *Pool[D, R]) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.submitted - p.delivered
}

func (p *Pool[D, R]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Close stops the workers. Queued and running tasks are abandoned.
func (p *Pool[D, R]) Close() {
	p.closeOnce.Do(func() {
		p.cancel()
		p.mu.Lock()
		abandoned := len(p.queue)
		p.queue = nil
		p.mu.Unlock()
		p.log.Debug().Int("abandoned", abandoned).Msg("pool closed")
	})
}

// pump moves queued jobs onto the dispatch channel so Submit never waits
// for a free worker.
func (p *Pool[D, R]) pump() {
	for {
		p.mu.Lock()
		if len(p.queue) == 0 {
			p.mu.Unlock()
			select {
			case <-p.wake:
				continue
			case <-p.ctx.Done():
				return
			}
		}
		j := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		select {
		case p.dispatch <- j:
		case <-p.ctx.Done():
			return
		}
	}
}

func (p *Pool[D, R]) work(worker int, inbox <-chan delivery) {
	store := make(map[Handle]D)
	for {
		select {
		case d := <-inbox:
			accept(store, d)
		case j := <-p.dispatch:
			if !p.deliver(store, inbox, p.run(worker, store, j)) {
				return
			}
		case <-p.ctx.Done():
			return
		}
	}
}

// deliver hands o to the results channel. Broadcasts keep being accepted
// while the send is pending, so a full results channel never stalls them.
func (p *Pool[D, R]) deliver(store map[Handle]D, inbox <-chan delivery, o Outcome[R]) bool {
	for {
		select {
		case p.results <- o:
			return true
		case d := <-inbox:
			accept(store, d)
		case <-p.ctx.Done():
			return false
		}
	}
}

func accept[D any](store map[Handle]D, d delivery) {
	var data D
	err := msgpack.Unmarshal(d.payload, &data)
	if err == nil {
		store[d.handle] = data
	}
	d.ack <- err
}

func (p *Pool[D, R]) run(worker int, store map[Handle]D, j job[D, R]) (o Outcome[R]) {
	o = Outcome[R]{ID: j.id, Worker: worker}
	start := time.Now()
	p.metrics.inFlight.Inc()
	defer func() {
		if r := recover(); r != nil {
			o.Err = fmt.Errorf("%w: %w: task %d panicked: %v", ErrTaskExecution, ErrWorkerFailure, j.id, r)
		}
		o.Duration = time.Since(start)
		p.metrics.inFlight.Dec()
		p.metrics.duration.Observe(o.Duration.Seconds())
		status := "ok"
		if o.Err != nil {
			status = "error"
			p.log.Warn().Err(o.Err).Int("task", int(j.id)).Int("worker", worker).Msg("task failed")
		}
		p.metrics.completed.WithLabelValues(status).Inc()
	}()

	data := make([]D, len(j.handles))
	for i, h := range j.handles {
		d, ok := store[h]
		if !ok {
			o.Err = fmt.Errorf("%w: task %d: unknown handle %d", ErrTaskExecution, j.id, h)
			return o
		}
		data[i] = d
	}

	ctx := p.ctx
	if p.opts.taskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.taskTimeout)
		defer cancel()
	}
	value, err := j.task(ctx, data...)
	switch {
	case err != nil:
		o.Err = fmt.Errorf("%w: task %d: %w", ErrTaskExecution, j.id, err)
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		o.Err = fmt.Errorf("%w: task %d: %w", ErrTaskExecution, j.id, ctx.Err())
	default:
		o.Value = value
	}
	return o
}

type poolMetrics struct {
	submitted      prometheus.Counter
	completed      *prometheus.CounterVec
	inFlight       prometheus.Gauge
	duration       prometheus.Histogram
	broadcastBytes prometheus.Counter
}

// newPoolMetrics builds the pool collectors. With a nil registerer they are
// still updated but never exported.
func newPoolMetrics(reg prometheus.Registerer) *poolMetrics {
	f := promauto.With(reg)
	return &poolMetrics{
		submitted: f.NewCounter(prometheus.CounterOpts{
			Name: "mpsearch_tasks_submitted_total",
			Help: "Tasks submitted to the pool.",
		}),
		completed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mpsearch_tasks_completed_total",
			Help: "Tasks finished, by status.",
		}, []string{"status"}),
		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "mpsearch_tasks_in_flight",
			Help: "Tasks currently running on a worker.",
		}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "mpsearch_task_duration_seconds",
			Help:    "Wall time of one task.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		broadcastBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "mpsearch_broadcast_bytes_total",
			Help: "Bytes sent to workers by broadcasts.",
		}),
	}
}
