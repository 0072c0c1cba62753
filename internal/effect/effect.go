// Package effect runs side effects (store writes, publishes, chat posts)
// asynchronously. Callers get a Handle they may await or ignore; failures are
// retried with bounded exponential backoff and then logged.
package effect

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff"
)

// Handle tracks one launched side effect.
type Handle struct {
	name string
	done chan struct{}
	err  error
}

// Name returns the label the effect was launched with.
func (h *Handle) Name() string {
	return h.name
}

// Done is closed once the effect has finished, successfully or not.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns the terminal error. Only meaningful after Done is closed.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Wait blocks until the effect finishes or ctx is cancelled.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resolved returns a Handle that is already finished with err.
func Resolved(name string, err error) *Handle {
	h := &Handle{name: name, done: make(chan struct{}), err: err}
	close(h.done)
	return h
}

// WaitAll waits for every handle and joins their errors.
func WaitAll(ctx context.Context, handles ...*Handle) error {
	var errs []error
	for _, h := range handles {
		if h == nil {
			continue
		}
		if err := h.Wait(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Observer is notified when an effect reaches its terminal state.
type Observer interface {
	EffectFinished(ctx context.Context, name string, err error)
}

// Option customizes a Runner.
type Option func(*Runner)

// WithBackOff replaces the default exponential policy, mainly for tests.
func WithBackOff(factory func() backoff.BackOff) Option {
	return func(r *Runner) {
		r.newBackOff = factory
	}
}

// WithObserver installs a terminal-state observer.
func WithObserver(o Observer) Option {
	return func(r *Runner) {
		r.observer = o
	}
}

// Runner launches side effects on their own goroutines.
type Runner struct {
	logger     *slog.Logger
	retries    int
	newBackOff func() backoff.BackOff
	observer   Observer
}

// NewRunner builds a Runner that retries each failing effect at most retries times.
func NewRunner(logger *slog.Logger, retries int, opts ...Option) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if retries < 0 {
		retries = 0
	}
	r := &Runner{
		logger:  logger,
		retries: retries,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			b.MaxElapsedTime = 30 * time.Second
			return b
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Go launches op in the background and returns immediately. The effect is
// detached from ctx cancellation so that it outlives the triggering request,
// but keeps ctx values. attrs are appended to the failure log line.
func (r *Runner) Go(ctx context.Context, name string, op func(context.Context) error, attrs ...any) *Handle {
	h := &Handle{name: name, done: make(chan struct{})}
	ctx = context.WithoutCancel(ctx)

	go func() {
		defer close(h.done)
		h.err = r.run(ctx, op)
		if r.observer != nil {
			r.observer.EffectFinished(ctx, name, h.err)
		}
		if h.err != nil {
			r.logger.Error("side effect failed", append([]any{"effect", name, "error", h.err}, attrs...)...)
			return
		}
		r.logger.Debug("side effect completed", append([]any{"effect", name}, attrs...)...)
	}()

	return h
}

func (r *Runner) run(ctx context.Context, op func(context.Context) error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.New("side effect panicked")
			r.logger.Error("side effect panic", "panic", rec)
		}
	}()

	var permanent error
	attempt := 0
	retryable := func() error {
		attempt++
		opErr := op(ctx)
		if opErr == nil {
			return nil
		}
		var p *permanentError
		if errors.As(opErr, &p) {
			permanent = p.err
			return nil
		}
		if attempt <= r.retries {
			r.logger.Warn("side effect attempt failed", "attempt", attempt, "error", opErr)
		}
		return opErr
	}

	policy := backoff.WithMaxRetries(r.newBackOff(), uint64(r.retries))
	if err := backoff.Retry(retryable, policy); err != nil {
		return err
	}
	return permanent
}
