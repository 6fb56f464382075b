// Package retry runs provider calls with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"time"

	goretry "github.com/sethvargo/go-retry"

	"github.com/countercart/countercart-backend/pkg/config"
	pkgerrors "github.com/countercart/countercart-backend/pkg/errors"
	"github.com/countercart/countercart-backend/pkg/logger"
)

const jitterPercent = 10

// Policy bounds a retried call.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Timeout applies to each attempt individually.
	Timeout time.Duration
}

// DefaultPolicy is three attempts, 1s base, 10s cap and a 30s per-call timeout.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    10 * time.Second,
		Timeout:     30 * time.Second,
	}
}

// PolicyFromConfig builds a policy from env configuration, keeping defaults for unset values.
func PolicyFromConfig(cfg config.RetryConfig) Policy {
	p := DefaultPolicy()
	if cfg.MaxAttempts > 0 {
		p.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.BaseDelay > 0 {
		p.BaseDelay = cfg.BaseDelay
	}
	if cfg.MaxDelay > 0 {
		p.MaxDelay = cfg.MaxDelay
	}
	if cfg.ProviderTimeout > 0 {
		p.Timeout = cfg.ProviderTimeout
	}
	return p
}

// Classifier decides whether an error deserves another attempt.
type Classifier func(error) bool

type Executor struct {
	policy    Policy
	logg      *logger.Logger
	retryable Classifier
}

func NewExecutor(policy Policy, logg *logger.Logger) *Executor {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = DefaultPolicy().BaseDelay
	}
	if policy.MaxDelay < policy.BaseDelay {
		policy.MaxDelay = policy.BaseDelay
	}
	return &Executor{policy: policy, logg: logg, retryable: pkgerrors.IsRetryable}
}

// WithClassifier overrides the retryability check.
func (e *Executor) WithClassifier(fn Classifier) *Executor {
	if fn != nil {
		e.retryable = fn
	}
	return e
}

func (e *Executor) Policy() Policy {
	return e.policy
}

func (e *Executor) backoff() goretry.Backoff {
	b := goretry.NewExponential(e.policy.BaseDelay)
	b = goretry.WithMaxRetries(uint64(e.policy.MaxAttempts-1), b)
	b = goretry.WithCappedDuration(e.policy.MaxDelay, b)
	return goretry.WithJitterPercent(jitterPercent, b)
}

// Do runs fn until it succeeds, returns a non-retryable error, exhausts the
// attempt budget, or ctx is done. The last error is returned unwrapped.
func (e *Executor) Do(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	attempt := 0
	return goretry.Do(ctx, e.backoff(), func(ctx context.Context) error {
		attempt++
		err := e.call(ctx, fn)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !e.retryable(err) {
			return err
		}
		if e.logg != nil && attempt < e.policy.MaxAttempts {
			logCtx := e.logg.WithFields(ctx, map[string]any{
				"operation": operation,
				"attempt":   attempt,
				"error":     err.Error(),
			})
			e.logg.Warn(logCtx, "retrying provider call")
		}
		return goretry.RetryableError(err)
	})
}

func (e *Executor) call(ctx context.Context, fn func(ctx context.Context) error) error {
	if e.policy.Timeout <= 0 {
		return fn(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, e.policy.Timeout)
	defer cancel()
	err := fn(callCtx)
	if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "provider call timed out")
	}
	return err
}

// Value is Do for calls that produce a result.
func Value[T any](ctx context.Context, e *Executor, operation string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := e.Do(ctx, operation, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
