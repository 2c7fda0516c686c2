// Package scheduler runs named periodic tasks. Each task has its own
// goroutine and waits its interval only after a tick returns, so a task never
// overlaps itself and tasks never wait for each other.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/trashtv-ingest/internal/metrics"
)

const tracerName = "github.com/JakeFAU/trashtv-ingest/internal/scheduler"

// Task is one periodic job.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Config controls tick execution.
type Config struct {
	// TickTimeout bounds a single tick; zero disables the bound.
	TickTimeout time.Duration
}

// Scheduler drives a fixed set of tasks until its context ends.
type Scheduler struct {
	tasks  []Task
	cfg    Config
	tracer trace.Tracer
	logger *zap.Logger
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithTracerProvider records tick spans on tp instead of the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Scheduler) {
		s.tracer = tp.Tracer(tracerName)
	}
}

// New validates tasks and returns a Scheduler.
func New(tasks []Task, cfg Config, logger *zap.Logger, opts ...Option) (*Scheduler, error) {
	if len(tasks) == 0 {
		return nil, fmt.Errorf("at least one task is required")
	}
	seen := make(map[string]struct{}, len(tasks))
	for i, t := range tasks {
		if t.Name == "" {
			return nil, fmt.Errorf("task %d: name is required", i)
		}
		if _, dup := seen[t.Name]; dup {
			return nil, fmt.Errorf("task %q: duplicate name", t.Name)
		}
		seen[t.Name] = struct{}{}
		if t.Interval <= 0 {
			return nil, fmt.Errorf("task %q: interval must be positive", t.Name)
		}
		if t.Run == nil {
			return nil, fmt.Errorf("task %q: run func is required", t.Name)
		}
	}
	if cfg.TickTimeout < 0 {
		return nil, fmt.Errorf("tick timeout must not be negative")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		tasks:  append([]Task(nil), tasks...),
		cfg:    cfg,
		tracer: otel.Tracer(tracerName),
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Run blocks until ctx is cancelled and every task goroutine has returned.
// The first tick of each task runs immediately.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, task := range s.tasks {
		g.Go(func() error {
			s.loop(ctx, task)
			return nil
		})
	}
	s.logger.Info("scheduler started", zap.Int("tasks", len(s.tasks)))
	err := g.Wait()
	s.logger.Info("scheduler stopped")
	return err
}

func (s *Scheduler) loop(ctx context.Context, task Task) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		s.tick(ctx, task)
		timer.Reset(task.Interval)
	}
}

// tick runs one execution inside its own timeout, span and recover boundary.
func (s *Scheduler) tick(ctx context.Context, task Task) {
	if s.cfg.TickTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.TickTimeout)
		defer cancel()
	}
	ctx, span := s.tracer.Start(ctx, "tick."+task.Name, trace.WithAttributes(attribute.String("task", task.Name)))
	defer span.End()

	start := time.Now()
	err := runSafely(ctx, task.Run)
	elapsed := time.Since(start)

	outcome := metrics.OutcomeOK
	var panicErr *panicError
	switch {
	case err == nil:
	case errors.As(err, &panicErr):
		outcome = metrics.OutcomePanic
	case errors.Is(ctx.Err(), context.Canceled):
		outcome = metrics.OutcomeSkipped
	default:
		outcome = metrics.OutcomeError
	}
	metrics.ObserveTick(task.Name, outcome, elapsed)
	span.SetAttributes(attribute.String("outcome", outcome))

	fields := []zap.Field{
		zap.String("task", task.Name),
		zap.String("outcome", outcome),
		zap.Duration("duration", elapsed),
	}
	switch outcome {
	case metrics.OutcomeOK:
		span.SetStatus(codes.Ok, "")
		s.logger.Debug("tick finished", fields...)
	case metrics.OutcomeSkipped:
		s.logger.Info("tick interrupted by shutdown", fields...)
	case metrics.OutcomePanic:
		span.RecordError(err)
		span.SetStatus(codes.Error, "panic")
		s.logger.Error("tick panicked", append(fields, zap.Error(err), zap.ByteString("stack", panicErr.stack))...)
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Error("tick failed", append(fields, zap.Error(err))...)
	}
}

type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic: %v", e.value)
}

func runSafely(ctx context.Context, run func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()
	return run(ctx)
}
