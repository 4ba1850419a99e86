// Package coordinator puts the rich and basic orchestration backends behind
// one entry point. The active backend is chosen before each call; a failing
// call is retried once on the other backend and never more.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/reqplan/internal/apperror"
	"github.com/ashureev/reqplan/internal/domain"
	"github.com/ashureev/reqplan/internal/metrics"
	"github.com/ashureev/reqplan/internal/orchestrator"
)

// System names.
const (
	SystemRich  = "rich"
	SystemBasic = "basic"
	SystemAuto  = "auto"
)

// Backend is one complete orchestration implementation.
type Backend interface {
	Name() string
	Handle(ctx context.Context, conv *orchestrator.Conversation, turn orchestrator.Turn) (*orchestrator.Reply, error)
	RunAnalysis(ctx context.Context, conv *orchestrator.Conversation, job *orchestrator.Job) (*orchestrator.Reply, error)
	Recover(ctx context.Context, conv *orchestrator.Conversation, job *orchestrator.Job, err error) *orchestrator.Reply
	Abort(ctx context.Context, conv *orchestrator.Conversation, job *orchestrator.Job, timeout time.Duration) *orchestrator.Reply
}

var _ Backend = (*orchestrator.Engine)(nil)

// Sessions resolves live conversations by id.
type Sessions interface {
	Get(ctx context.Context, id string) (*orchestrator.Conversation, error)
}

// Config wires a Coordinator. Either backend may be nil when it failed to
// initialize.
type Config struct {
	Rich       Backend
	Basic      Backend
	Preference string
	Sessions   Sessions
	Recorder   *apperror.Recorder
	// Problems are configuration issues found while wiring the backends.
	Problems []string
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// Status reports backend availability.
type Status struct {
	ActiveSystem   string `json:"active_system"`
	RichAvailable  bool   `json:"rich_available"`
	BasicAvailable bool   `json:"basic_available"`
	Preference     string `json:"preference"`
}

// Coordinator selects a backend per call and falls back at most once.
type Coordinator struct {
	mu         sync.RWMutex
	active     string
	rich       Backend
	basic      Backend
	preference string
	sessions   Sessions
	recorder   *apperror.Recorder
	problems   []string
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// New selects the initial active backend: the preferred one when it is
// available, else rich, else basic.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Rich == nil && cfg.Basic == nil {
		return nil, apperror.New(apperror.KindConfiguration, "no orchestration backend available", nil).
			WithSeverity(apperror.SeverityCritical)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Recorder == nil {
		cfg.Recorder = apperror.NewRecorder(apperror.DefaultHistorySize, cfg.Logger)
	}
	if cfg.Preference == "" {
		cfg.Preference = SystemAuto
	}

	c := &Coordinator{
		rich:       cfg.Rich,
		basic:      cfg.Basic,
		preference: cfg.Preference,
		sessions:   cfg.Sessions,
		recorder:   cfg.Recorder,
		problems:   cfg.Problems,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
	}

	switch {
	case cfg.Preference == SystemBasic && c.basic != nil:
		c.active = SystemBasic
	case c.rich != nil:
		c.active = SystemRich
	default:
		c.active = SystemBasic
	}
	if cfg.Preference != SystemAuto && cfg.Preference != c.active {
		c.logger.Warn("Preferred backend unavailable", "preference", cfg.Preference, "active", c.active)
	}
	c.logger.Info("Coordinator initialized", "active", c.active,
		"rich_available", c.rich != nil, "basic_available", c.basic != nil)
	return c, nil
}

func (c *Coordinator) backend(name string) Backend {
	if name == SystemRich {
		return c.rich
	}
	return c.basic
}

// pick returns the active backend and the alternate, which may be nil.
// The choice is fixed for the whole call.
func (c *Coordinator) pick() (Backend, Backend) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.active == SystemRich {
		return c.rich, c.basic
	}
	return c.basic, c.rich
}

// Process handles one user turn for sessionID.
func (c *Coordinator) Process(ctx context.Context, sessionID, text string) (*orchestrator.Reply, error) {
	if c.sessions == nil {
		return nil, apperror.New(apperror.KindConfiguration, "no session store configured", nil)
	}
	conv, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		ae := c.recorder.Record(err, map[string]any{"session_id": sessionID, "operation": "load_session"})
		return nil, ae
	}
	return c.Handle(ctx, conv, text)
}

// Handle runs a turn on the active backend, retrying it once on the
// alternate after a failure. A second failure is returned to the caller.
func (c *Coordinator) Handle(ctx context.Context, conv *orchestrator.Conversation, text string) (*orchestrator.Reply, error) {
	primary, alternate := c.pick()

	reply, err := primary.Handle(ctx, conv, orchestrator.Turn{Text: text})
	if err == nil {
		return reply, nil
	}
	ae := c.record(err, conv, primary, "process")

	if alternate == nil || ctx.Err() != nil {
		return c.surface(ctx, conv, reply, ae), ae
	}

	c.logger.Warn("Falling back to alternate backend",
		"session_id", conv.ID(), "from", primary.Name(), "to", alternate.Name(), "error_kind", ae.Kind)
	reply, err = alternate.Handle(ctx, conv, orchestrator.Turn{Text: text, Retry: true})
	if err == nil {
		c.metrics.Fallback("recovered")
		return reply, nil
	}
	c.metrics.Fallback("failed")
	ae = c.record(err, conv, alternate, "process_fallback")
	return c.surface(ctx, conv, reply, ae), ae
}

// Analyze runs a background job with the same single-fallback policy. A
// stale job is reported as orchestrator.ErrStaleJob without fallback.
func (c *Coordinator) Analyze(ctx context.Context, conv *orchestrator.Conversation, job *orchestrator.Job) (*orchestrator.Reply, error) {
	primary, alternate := c.pick()

	reply, err := primary.RunAnalysis(ctx, conv, job)
	if err == nil || errors.Is(err, orchestrator.ErrStaleJob) {
		return reply, err
	}
	ae := c.record(err, conv, primary, "analysis")
	if alternate == nil || ctx.Err() != nil {
		return nil, ae
	}

	c.logger.Warn("Retrying analysis on alternate backend",
		"session_id", conv.ID(), "job_id", job.ID, "from", primary.Name(), "to", alternate.Name())
	reply, err = alternate.RunAnalysis(ctx, conv, job)
	if err == nil || errors.Is(err, orchestrator.ErrStaleJob) {
		if err == nil {
			c.metrics.Fallback("recovered")
		}
		return reply, err
	}
	c.metrics.Fallback("failed")
	return nil, c.record(err, conv, alternate, "analysis_fallback")
}

// Recover settles a failed job on the active backend.
func (c *Coordinator) Recover(ctx context.Context, conv *orchestrator.Conversation, job *orchestrator.Job, err error) *orchestrator.Reply {
	primary, _ := c.pick()
	return primary.Recover(ctx, conv, job, err)
}

// Abort settles a timed-out job on the active backend.
func (c *Coordinator) Abort(ctx context.Context, conv *orchestrator.Conversation, job *orchestrator.Job, timeout time.Duration) *orchestrator.Reply {
	primary, _ := c.pick()
	c.recorder.Record(apperror.New(apperror.KindTimeout, fmt.Sprintf("analysis timed out after %s", timeout), nil),
		map[string]any{"session_id": job.SessionID, "job_id": job.ID})
	return primary.Abort(ctx, conv, job, timeout)
}

func (c *Coordinator) record(err error, conv *orchestrator.Conversation, b Backend, op string) *apperror.Error {
	return c.recorder.Record(err, map[string]any{
		"session_id": conv.ID(),
		"backend":    b.Name(),
		"operation":  op,
	})
}

// surface logs the terminal failure of a turn in the session memory.
func (c *Coordinator) surface(ctx context.Context, conv *orchestrator.Conversation, reply *orchestrator.Reply, ae *apperror.Error) *orchestrator.Reply {
	if reply == nil {
		st := conv.Session()
		reply = &orchestrator.Reply{
			SessionID: st.ID,
			Message:   "I encountered an issue while processing your request: " + ae.UserMessage(),
			State:     st.State,
			Type:      orchestrator.TypeError,
		}
	}
	reply.Err = ae
	conv.Memory().Append(ctx, domain.RoleSystem, reply.Message, orchestrator.TypeError,
		map[string]any{"error_kind": string(ae.Kind), "severity": string(ae.Severity)})
	return reply
}

// SwitchSystem makes target the active backend. It reports false when
// target is unknown or unavailable.
func (c *Coordinator) SwitchSystem(target string) bool {
	if target != SystemRich && target != SystemBasic {
		return false
	}
	if c.backend(target) == nil {
		return false
	}
	c.mu.Lock()
	prev := c.active
	c.active = target
	c.mu.Unlock()
	c.logger.Info("Switched active backend", "from", prev, "to", target)
	return true
}

// Status reports the active backend and availability.
func (c *Coordinator) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Status{
		ActiveSystem:   c.active,
		RichAvailable:  c.rich != nil,
		BasicAvailable: c.basic != nil,
		Preference:     c.preference,
	}
}

// ValidateConfiguration lists configuration problems.
func (c *Coordinator) ValidateConfiguration() []string {
	out := append([]string(nil), c.problems...)
	if c.rich == nil {
		out = append(out, "rich backend unavailable: multi-step analysis disabled")
	}
	if c.basic == nil {
		out = append(out, "basic backend unavailable: no fallback")
	}
	return out
}

// Errors returns the process-wide error recorder.
func (c *Coordinator) Errors() *apperror.Recorder { return c.recorder }
