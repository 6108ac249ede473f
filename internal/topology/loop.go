package topology

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/rs/zerolog"
	"github.com/wolfeidau/wtransport/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ErrUnavailable is returned when posting to a loop that is closing or closed.
var ErrUnavailable = errors.New("topology: unavailable")

// Task is a unit of work run on a loop.
type Task func()

// Loop runs tasks one at a time, in posting order, on a single goroutine
// locked to its own OS thread.
type Loop struct {
	name    string
	logger  zerolog.Logger
	metrics *telemetry.Metrics
	attrs   metric.MeasurementOption

	mu      sync.Mutex
	queue   []Task
	closing bool

	wake    chan struct{}
	stopped chan struct{}
	done    chan struct{}
}

func newLoop(name string, logger zerolog.Logger) *Loop {
	return &Loop{
		name:    name,
		logger:  logger.With().Str("loop", name).Logger(),
		metrics: telemetry.GetMetrics(),
		attrs:   metric.WithAttributes(attribute.String("loop", name)),
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Name returns the loop name.
func (l *Loop) Name() string { return l.name }

// Done is closed once the loop has exited and will never run another task.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Post enqueues task. It never blocks on the task itself.
func (l *Loop) Post(task Task) error {
	if task == nil {
		return errors.New("topology: nil task")
	}

	l.mu.Lock()
	if l.closing {
		l.mu.Unlock()
		l.metrics.LoopPostRejectedTotal.Add(context.Background(), 1, l.attrs)
		return fmt.Errorf("%w: loop %s is closed", ErrUnavailable, l.name)
	}
	l.queue = append(l.queue, task)
	l.mu.Unlock()

	l.metrics.LoopTasksPostedTotal.Add(context.Background(), 1, l.attrs)

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

func (l *Loop) run(started chan<- struct{}) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(l.done)

	close(started)
	l.logger.Debug().Msg("loop started")

	for {
		task, ok := l.next()
		if !ok {
			l.logger.Debug().Msg("loop stopped")
			return
		}
		l.runTask(task)
	}
}

// next blocks until a task is queued or the loop is closing.
func (l *Loop) next() (Task, bool) {
	for {
		l.mu.Lock()
		if l.closing {
			l.mu.Unlock()
			return nil, false
		}
		if len(l.queue) > 0 {
			task := l.queue[0]
			l.queue[0] = nil
			l.queue = l.queue[1:]
			l.mu.Unlock()
			return task, true
		}
		l.mu.Unlock()

		select {
		case <-l.wake:
		case <-l.stopped:
		}
	}
}

func (l *Loop) runTask(task Task) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error().Interface("panic", r).Msg("loop task panicked")
		}
	}()
	task()
}

// close stops accepting tasks, discards queued ones and waits for the task in
// progress to finish. It must not be called from the loop itself.
func (l *Loop) close() int {
	l.mu.Lock()
	if l.closing {
		l.mu.Unlock()
		<-l.done
		return 0
	}
	l.closing = true
	dropped := len(l.queue)
	l.queue = nil
	l.mu.Unlock()

	close(l.stopped)
	<-l.done

	if dropped > 0 {
		l.metrics.LoopTasksDroppedTotal.Add(context.Background(), int64(dropped), l.attrs)
		l.logger.Warn().Int("dropped", dropped).Msg("discarded queued tasks at teardown")
	}
	return dropped
}
