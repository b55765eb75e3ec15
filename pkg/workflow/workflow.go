// Package workflow runs agent invocations as sequences of named steps. A
// step's result is memoized under the run id, so a redelivered run skips
// the steps that already completed; failing steps are retried with
// exponential backoff unless the error was marked with Halt.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"sylvia/pkg/cache"
)

// Memo stores step results.
type Memo interface {
	Load(ctx context.Context, key string) ([]byte, bool, error)
	Save(ctx context.Context, key string, data []byte, ttl time.Duration) error
}

// Policy controls retries and memo retention.
type Policy struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MemoTTL         time.Duration
}

// DefaultPolicy retries three times starting at half a second and keeps
// step results for a day.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:      3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		MemoTTL:         24 * time.Hour,
	}
}

// Runner starts runs. A nil memo disables memoization.
type Runner struct {
	memo   Memo
	policy Policy
	log    *slog.Logger
}

// NewRunner creates a Runner.
func NewRunner(memo Memo, policy Policy, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{memo: memo, policy: policy, log: log.With("component", "workflow")}
}

// Run is one invocation of a workflow.
type Run struct {
	r  *Runner
	id string
}

// Start begins (or resumes) the run with the given id.
func (r *Runner) Start(id string) *Run {
	return &Run{r: r, id: id}
}

// ID returns the run id.
func (run *Run) ID() string { return run.id }

// Halt marks err as not worth retrying.
func Halt(err error) error {
	return backoff.Permanent(err)
}

// Step executes fn once per run: a memoized result is returned without
// calling fn again. fn's result must round-trip through JSON.
func Step[T any](ctx context.Context, run *Run, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	r := run.r
	key := cache.StepKey(run.id, name)

	if r.memo != nil {
		data, ok, err := r.memo.Load(ctx, key)
		if err != nil {
			r.log.Warn("load step memo", "run", run.id, "step", name, "err", err)
		}
		if ok {
			if err := json.Unmarshal(data, &out); err == nil {
				r.log.Debug("step replayed", "run", run.id, "step", name)
				return out, nil
			}
		}
	}

	b := backoff.NewExponentialBackOff()
	if r.policy.InitialInterval > 0 {
		b.InitialInterval = r.policy.InitialInterval
	}
	if r.policy.MaxInterval > 0 {
		b.MaxInterval = r.policy.MaxInterval
	}
	attempts := 0
	op := func() error {
		attempts++
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	}
	notify := func(err error, wait time.Duration) {
		r.log.Warn("step failed, retrying", "run", run.id, "step", name, "attempt", attempts, "wait", wait, "err", err)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, r.policy.MaxRetries), ctx)
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		var zero T
		return zero, fmt.Errorf("step %s: %w", name, err)
	}

	if r.memo != nil {
		data, err := json.Marshal(out)
		if err == nil {
			err = r.memo.Save(ctx, key, data, r.policy.MemoTTL)
		}
		if err != nil {
			r.log.Warn("save step memo", "run", run.id, "step", name, "err", err)
		}
	}
	return out, nil
}

// Do is Step for steps without a result.
func Do(ctx context.Context, run *Run, name string, fn func(ctx context.Context) error) error {
	_, err := Step(ctx, run, name, func(ctx context.Context) (bool, error) {
		return true, fn(ctx)
	})
	return err
}
