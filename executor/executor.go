// Package executor provides the single-goroutine task executor that carries
// the execution-affinity contract for duologues.
package executor

import (
	"fmt"
	"log/slog"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/echomux/errors"
	"github.com/c360/echomux/metric"
)

// Task is a unit of work submitted to an Executor.
type Task func()

// Executor owns exactly one goroutine that consumes a bounded task queue.
// Every object pinned to an Executor performs all of its mutable-state work
// inside tasks on that goroutine, which makes the executor the sole
// serialization point: no locks, no atomics, no interleaving inside a session.
//
// Tasks execute strictly one at a time in submission order.
type Executor struct {
	name  string
	log   *slog.Logger
	tasks chan Task
	quit  chan struct{}
	done  chan struct{}

	// Goroutine identity of the loop, for Assert.
	loopID atomic.Int64

	closeOnce sync.Once
	closed    atomic.Bool

	// Statistics (atomic)
	executed atomic.Int64
	dropped  atomic.Int64

	metrics *Metrics
}

// Metrics holds Prometheus metrics for executor monitoring
type Metrics struct {
	queueDepth prometheus.Gauge
	executed   prometheus.Counter
	dropped    prometheus.Counter
}

func newMetrics(registry metric.Registrar, name string) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "echomux",
			Subsystem: "executor",
			Name:      "queue_depth",
			Help:      "Current executor task queue depth",
		}),
		executed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "echomux",
			Subsystem: "executor",
			Name:      "tasks_executed_total",
			Help:      "Total tasks executed",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "echomux",
			Subsystem: "executor",
			Name:      "tasks_dropped_total",
			Help:      "Total tasks rejected because the queue was full",
		}),
	}

	component := fmt.Sprintf("executor_%s", name)
	registry.RegisterGauge(component, "queue_depth", m.queueDepth)
	registry.RegisterCounter(component, "tasks_executed", m.executed)
	registry.RegisterCounter(component, "tasks_dropped", m.dropped)

	return m
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the structured logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(e *Executor) { e.log = log }
}

// WithMetrics registers executor metrics with the given registry.
func WithMetrics(registry metric.Registrar) Option {
	return func(e *Executor) { e.metrics = newMetrics(registry, e.name) }
}

// New creates an executor and starts its loop goroutine. The queue holds up
// to queueSize pending tasks; submissions beyond that are rejected, never
// blocked, so transport callbacks cannot stall foreign threads.
func New(name string, queueSize int, opts ...Option) *Executor {
	if queueSize <= 0 {
		queueSize = 256
	}

	e := &Executor{
		name:  name,
		log:   slog.Default(),
		tasks: make(chan Task, queueSize),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}

	for _, opt := range opts {
		opt(e)
	}

	go e.loop()
	return e
}

func (e *Executor) loop() {
	defer close(e.done)
	e.loopID.Store(goroutineID())

	for {
		select {
		case <-e.quit:
			return
		case task := <-e.tasks:
			e.run(task)
			if e.metrics != nil {
				e.metrics.queueDepth.Set(float64(len(e.tasks)))
			}
		}
	}
}

func (e *Executor) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("task panicked",
				slog.String("executor", e.name),
				slog.Any("panic", r))
		}
	}()

	task()
	e.executed.Add(1)
	if e.metrics != nil {
		e.metrics.executed.Inc()
	}
}

// Execute submits a task for asynchronous execution. It never blocks: a full
// queue returns ErrQueueFull and a closed executor returns ErrExecutorClosed.
func (e *Executor) Execute(task Task) error {
	if task == nil {
		return errors.WrapInvalid(errors.ErrInvalidArgument,
			"Executor", "Execute", "nil task")
	}
	if e.closed.Load() {
		return errors.ErrExecutorClosed
	}

	select {
	case e.tasks <- task:
		if e.metrics != nil {
			e.metrics.queueDepth.Set(float64(len(e.tasks)))
		}
		return nil
	default:
		e.dropped.Add(1)
		if e.metrics != nil {
			e.metrics.dropped.Inc()
		}
		return errors.ErrQueueFull
	}
}

// Perform runs fn on the executor goroutine and waits for its result. When
// called from the executor goroutine itself, fn runs inline so tasks can
// compose without deadlocking. A panic inside fn is returned to the caller
// as an error; the loop survives and logs it like any other task panic.
func (e *Executor) Perform(fn func() error) error {
	if fn == nil {
		return errors.WrapInvalid(errors.ErrInvalidArgument,
			"Executor", "Perform", "nil function")
	}
	if e.IsExecutorGoroutine() {
		return fn()
	}

	result := make(chan error, 1)
	err := e.Execute(func() {
		defer func() {
			if r := recover(); r != nil {
				// The send must happen even when fn panics, or the
				// caller blocks forever.
				result <- errors.Wrap(fmt.Errorf("panic: %v", r),
					"Executor", "Perform", "task panicked")
				panic(r)
			}
		}()
		result <- fn()
	})
	if err != nil {
		return err
	}

	select {
	case err := <-result:
		return err
	case <-e.done:
		return errors.ErrExecutorClosed
	}
}

// IsExecutorGoroutine reports whether the caller is running on the executor's
// loop goroutine.
func (e *Executor) IsExecutorGoroutine() bool {
	return goroutineID() == e.loopID.Load()
}

// Assert panics unless the caller is on the executor goroutine. Running
// affinity-bound code anywhere else is a defect, not a recoverable condition.
func (e *Executor) Assert() {
	if !e.IsExecutorGoroutine() {
		panic(fmt.Sprintf("executor %s: affinity violation: not on executor goroutine", e.name))
	}
}

// Name returns the executor's name.
func (e *Executor) Name() string {
	return e.name
}

// Stats returns the executed and dropped task counts.
func (e *Executor) Stats() (executed, dropped int64) {
	return e.executed.Load(), e.dropped.Load()
}

// Close stops the loop. Pending tasks are discarded. Idempotent. When called
// from outside the executor goroutine it waits for the loop to exit.
func (e *Executor) Close() error {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		close(e.quit)
	})
	if !e.IsExecutorGoroutine() {
		<-e.done
	}
	return nil
}

// goroutineID parses the current goroutine id from a stack header of the
// form "goroutine 123 [running]:". Only used for the affinity check.
func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	s := strings.TrimPrefix(string(buf[:n]), "goroutine ")
	if i := strings.IndexByte(s, ' '); i > 0 {
		if id, err := strconv.ParseInt(s[:i], 10, 64); err == nil {
			return id
		}
	}
	return -1
}
