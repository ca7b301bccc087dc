package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Handler runs one task. Returning an error wrapped with backoff.Permanent
// skips the remaining retries.
type Handler func(ctx context.Context, task Task) error

type ProcessorOption func(*Processor)

// WithMaxRetries bounds the retries after the first attempt.
func WithMaxRetries(n int) ProcessorOption {
	return func(p *Processor) {
		if n >= 0 {
			p.maxRetries = n
		}
	}
}

func WithWorkers(n int) ProcessorOption {
	return func(p *Processor) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithOperatorLogger sets where exhausted tasks are reported.
func WithOperatorLogger(logger *zap.Logger) ProcessorOption {
	return func(p *Processor) {
		if logger != nil {
			p.operator = logger
		}
	}
}

// WithBackOff replaces the exponential schedule between attempts.
func WithBackOff(newBackOff func() backoff.BackOff) ProcessorOption {
	return func(p *Processor) {
		if newBackOff != nil {
			p.newBackOff = newBackOff
		}
	}
}

type Processor struct {
	queue      Queue
	logger     *zap.Logger
	operator   *zap.Logger
	maxRetries int
	workers    int
	newBackOff func() backoff.BackOff

	mu       sync.RWMutex
	handlers map[Kind]Handler
}

func NewProcessor(queue Queue, logger *zap.Logger, opts ...ProcessorOption) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Processor{
		queue:      queue,
		logger:     logger,
		operator:   logger.Named("operator"),
		maxRetries: 3,
		workers:    2,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return b
		},
		handlers: make(map[Kind]Handler),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Processor) Handle(kind Kind, handler Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[kind] = handler
}

func (p *Processor) handler(kind Kind) (Handler, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.handlers[kind]
	return h, ok
}

// Run starts the workers and blocks until ctx ends or the queue closes.
func (p *Processor) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			p.work(ctx, worker)
		}(i)
	}
	wg.Wait()
	return nil
}

func (p *Processor) work(ctx context.Context, worker int) {
	log := p.logger.With(zap.Int("worker", worker))
	for {
		task, err := p.queue.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrQueueClosed) {
				log.Debug("job worker stopping", zap.Error(err))
				return
			}
			log.Error("receive job", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		_ = p.Process(ctx, task)
	}
}

// Process runs a task with bounded retries. When every attempt fails the task
// is dead-lettered and reported on the operator logger; the returned error is
// the last failure.
func (p *Processor) Process(ctx context.Context, task Task) error {
	handler, ok := p.handler(task.Kind)
	if !ok {
		err := fmt.Errorf("no handler for job kind %q", task.Kind)
		p.exhausted(ctx, task, err)
		return err
	}

	taskCtx := TaskContext(ctx, task)
	log := p.logger.With(zap.String("job_id", task.ID), zap.String("kind", string(task.Kind)), zap.String("order_id", task.OrderID))

	policy := backoff.WithContext(backoff.WithMaxRetries(p.newBackOff(), uint64(p.maxRetries)), ctx)
	operation := func() error {
		task.Attempts++
		return handler(taskCtx, task)
	}
	notify := func(err error, wait time.Duration) {
		log.Warn("job attempt failed", zap.Int("attempt", task.Attempts), zap.Duration("retry_in", wait), zap.Error(err))
	}

	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		task.LastError = err.Error()
		p.exhausted(ctx, task, err)
		return err
	}
	log.Debug("job done", zap.Int("attempts", task.Attempts))
	return nil
}

func (p *Processor) exhausted(ctx context.Context, task Task, cause error) {
	p.operator.Error("job exhausted retries",
		zap.String("job_id", task.ID),
		zap.String("kind", string(task.Kind)),
		zap.String("order_id", task.OrderID),
		zap.Int("attempts", task.Attempts),
		zap.Error(cause),
	)
	if task.LastError == "" && cause != nil {
		task.LastError = cause.Error()
	}
	// The caller's ctx may already be done during shutdown.
	dlCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := p.queue.DeadLetter(dlCtx, task); err != nil {
		p.operator.Error("dead letter job", zap.String("job_id", task.ID), zap.Error(err))
	}
}
