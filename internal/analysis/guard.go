package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/reqplan/internal/apperror"
	"github.com/ashureev/reqplan/internal/metrics"
	"github.com/cenkalti/backoff/v5"
)

// GuardConfig bounds capability calls.
type GuardConfig struct {
	Role      string
	Timeout   time.Duration
	Retries   int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// Guard imposes a per-call timeout and retries transient failures
// (rate limit, network, timeout) of the wrapped capability.
type Guard struct {
	next Capability
	cfg  GuardConfig
}

var _ Capability = (*Guard)(nil)

// NewGuard wraps next.
func NewGuard(next Capability, cfg GuardConfig) *Guard {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Role == "" {
		cfg.Role = "capability"
	}
	return &Guard{next: next, cfg: cfg}
}

func retryable(kind apperror.Kind) bool {
	switch kind {
	case apperror.KindRateLimit, apperror.KindNetwork, apperror.KindTimeout:
		return true
	default:
		return false
	}
}

// Execute runs the wrapped capability with timeout and retries.
func (g *Guard) Execute(ctx context.Context, task, taskContext string) (string, error) {
	attempt := 0
	op := func() (string, error) {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()

		start := time.Now()
		out, err := g.next.Execute(callCtx, task, taskContext)
		elapsed := time.Since(start).Seconds()
		if err == nil {
			g.cfg.Metrics.CapabilityCall(g.cfg.Role, "ok", elapsed)
			return out, nil
		}

		if ctx.Err() != nil {
			g.cfg.Metrics.CapabilityCall(g.cfg.Role, "canceled", elapsed)
			return "", backoff.Permanent(ctx.Err())
		}
		if callCtx.Err() != nil {
			err = apperror.New(apperror.KindTimeout,
				fmt.Sprintf("%s timeout after %s", g.cfg.Role, g.cfg.Timeout), err)
		}

		ae := apperror.Classify(err)
		g.cfg.Metrics.CapabilityCall(g.cfg.Role, string(ae.Kind), elapsed)
		if !retryable(ae.Kind) {
			return "", backoff.Permanent(err)
		}
		g.cfg.Logger.Warn("Capability call failed, will retry",
			"role", g.cfg.Role, "attempt", attempt, "error_kind", ae.Kind, "error", err)
		return "", err
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = g.cfg.BaseDelay
	eb.MaxInterval = g.cfg.MaxDelay

	out, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(uint(g.cfg.Retries+1)),
	)
	if err != nil {
		return "", fmt.Errorf("%s: %w", g.cfg.Role, err)
	}
	return out, nil
}
