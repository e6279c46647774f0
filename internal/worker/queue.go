// Package worker runs background jobs on a fixed pool of goroutines.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/rs/xid"
)

// ErrStopped is returned by Submit once Stop has been called.
var ErrStopped = errors.New("worker: queue stopped")

// Config sizes the pool.
type Config struct {
	Workers   int // goroutines running jobs
	QueueSize int // jobs buffered before Submit blocks
}

func DefaultConfig() Config {
	return Config{Workers: 2, QueueSize: 64}
}

// Job is one unit of background work. The context is not cancelled when
// the queue stops, so a running job always finishes.
type Job func(ctx context.Context)

type task struct {
	id   string
	name string
	fn   Job
}

// Queue is a bounded job queue drained by Config.Workers goroutines.
type Queue struct {
	config    Config
	logger    *slog.Logger
	tasks     chan task
	done      chan struct{}
	wg        sync.WaitGroup
	startDone sync.Once
	stopDone  sync.Once
}

func New(cfg Config, logger *slog.Logger) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}
	return &Queue{
		config: cfg,
		logger: logger,
		tasks:  make(chan task, cfg.QueueSize),
		done:   make(chan struct{}),
	}
}

// Start launches the workers. Calling it more than once has no effect.
func (q *Queue) Start() {
	q.startDone.Do(func() {
		q.logger.Info("starting worker queue",
			slog.Int("workers", q.config.Workers),
			slog.Int("queueSize", q.config.QueueSize),
		)
		for i := 0; i < q.config.Workers; i++ {
			q.wg.Add(1)
			go q.worker()
		}
	})
}

// Stop waits for running jobs and drops the ones still queued.
func (q *Queue) Stop() {
	q.stopDone.Do(func() {
		q.logger.Info("shutting down worker queue")
		close(q.done)
		q.wg.Wait()

		for {
			select {
			case t := <-q.tasks:
				q.logger.Warn("dropping queued job",
					slog.String("job", t.id),
					slog.String("name", t.name),
				)
			default:
				return
			}
		}
	})
}

// Submit queues fn and returns its job id. It blocks while the queue is
// full, until ctx is done or the queue stops.
func (q *Queue) Submit(ctx context.Context, name string, fn Job) (string, error) {
	select {
	case <-q.done:
		return "", ErrStopped
	default:
	}

	t := task{id: xid.New().String(), name: name, fn: fn}
	select {
	case q.tasks <- t:
		return t.id, nil
	case <-q.done:
		return "", ErrStopped
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (q *Queue) worker() {
	defer q.wg.Done()

	for {
		select {
		case <-q.done:
			return
		case t := <-q.tasks:
			q.run(t)
		}
	}
}

func (q *Queue) run(t task) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("job panicked",
				slog.String("job", t.id),
				slog.String("name", t.name),
				slog.Any("panic", r),
			)
		}
	}()

	q.logger.Debug("running job", slog.String("job", t.id), slog.String("name", t.name))
	t.fn(context.Background())
}
