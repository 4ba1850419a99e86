// Package dispatch runs user turns through the coordinator and moves
// analysis jobs off the interactive path. Every transport submits input
// here; results reach clients as push events.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/reqplan/internal/apperror"
	"github.com/ashureev/reqplan/internal/orchestrator"
	"github.com/ashureev/reqplan/internal/push"
)

// DefaultTimeout bounds one background analysis.
const DefaultTimeout = 300 * time.Second

const settleTimeout = 10 * time.Second

// ErrBusy is returned by Submit while the session waits on an analysis.
var ErrBusy = errors.New("session is still processing")

// Coordinator is the part of the coordinator used by the dispatcher.
type Coordinator interface {
	Handle(ctx context.Context, conv *orchestrator.Conversation, text string) (*orchestrator.Reply, error)
	Analyze(ctx context.Context, conv *orchestrator.Conversation, job *orchestrator.Job) (*orchestrator.Reply, error)
	Recover(ctx context.Context, conv *orchestrator.Conversation, job *orchestrator.Job, err error) *orchestrator.Reply
	Abort(ctx context.Context, conv *orchestrator.Conversation, job *orchestrator.Job, timeout time.Duration) *orchestrator.Reply
}

// Sessions resolves live conversations.
type Sessions interface {
	Get(ctx context.Context, id string) (*orchestrator.Conversation, error)
}

// Config wires a Dispatcher.
type Config struct {
	Coordinator Coordinator
	Sessions    Sessions
	Publisher   push.Publisher
	// Timeout bounds each background analysis. Zero means DefaultTimeout.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Dispatcher submits turns and owns the background analysis goroutines.
type Dispatcher struct {
	coord    Coordinator
	sessions Sessions
	pub      push.Publisher
	timeout  time.Duration
	logger   *slog.Logger

	base    context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Int64

	mu      sync.Mutex
	discard map[uint64]struct{}
}

// New returns a Dispatcher. Close must be called to stop background jobs.
func New(cfg Config) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Publisher == nil {
		cfg.Publisher = push.Discard
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	base, stop := context.WithCancel(context.Background())
	return &Dispatcher{
		coord:    cfg.Coordinator,
		sessions: cfg.Sessions,
		pub:      cfg.Publisher,
		timeout:  cfg.Timeout,
		logger:   cfg.Logger,
		base:     base,
		stop:     stop,
		discard:  make(map[uint64]struct{}),
	}
}

// Submit runs one user turn for sessionID and returns the immediate reply.
// When the turn starts an analysis, the job continues in the background
// and its outcome is pushed. A session still waiting on a job yields its
// "still processing" reply together with ErrBusy.
func (d *Dispatcher) Submit(ctx context.Context, sessionID, text string) (*orchestrator.Reply, error) {
	conv, err := d.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	d.send(push.New(push.TypeProcessingStarted, sessionID, map[string]any{
		"message": "Processing your request...",
	}))

	reply, err := d.coord.Handle(ctx, conv, text)
	if err != nil {
		d.send(errorEvent(sessionID, reply, err))
		return reply, err
	}

	d.send(responseEvent(reply))
	if reply.Busy {
		return reply, ErrBusy
	}
	if reply.Job != nil {
		d.start(conv, reply.Job)
	}
	return reply, nil
}

// Running returns the number of background analyses in flight.
func (d *Dispatcher) Running() int { return int(d.running.Load()) }

// Close cancels running analyses and waits for their goroutines until ctx
// is done. Sessions left in PROCESSING are reset when next loaded.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.stop()
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		d.logger.Warn("Background analyses still running at shutdown", "count", d.Running())
		return ctx.Err()
	}
}

func (d *Dispatcher) start(conv *orchestrator.Conversation, job *orchestrator.Job) {
	job.Progress = func(agent, status, activity string) {
		d.send(push.New(push.TypeAgentStatus, job.SessionID, map[string]any{
			"agent":    agent,
			"status":   status,
			"activity": activity,
		}))
	}

	d.wg.Add(1)
	d.running.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.running.Add(-1)
		d.run(conv, job)
	}()
}

type result struct {
	reply *orchestrator.Reply
	err   error
}

// run waits for the job up to the timeout. A timed-out job is settled
// immediately; the analysis goroutine is still awaited so its result can
// be dropped. A result that is already available always wins over the
// expired context.
func (d *Dispatcher) run(conv *orchestrator.Conversation, job *orchestrator.Job) {
	ctx, cancel := context.WithTimeout(d.base, d.timeout)
	defer cancel()

	done := make(chan result, 1)
	go func() {
		reply, err := d.coord.Analyze(ctx, conv, job)
		done <- result{reply, err}
	}()

	var (
		res result
		got bool
	)
	select {
	case res = <-done:
		got = true
	case <-ctx.Done():
		select {
		case res = <-done:
			got = true
		default:
		}
	}
	if got && !cutShort(ctx, res.err) {
		d.finish(conv, job, res)
		return
	}

	if d.base.Err() != nil {
		if !got {
			res = <-done
		}
		if cutShort(ctx, res.err) {
			d.logger.Info("Analysis abandoned at shutdown", "session_id", job.SessionID, "job_id", job.ID)
			return
		}
		d.finish(conv, job, res)
		return
	}

	sctx, scancel := context.WithTimeout(context.Background(), settleTimeout)
	reply := d.coord.Abort(sctx, conv, job, d.timeout)
	scancel()
	if reply != nil {
		d.markDiscarded(job.ID)
		d.send(timeoutEvent(reply, d.timeout))
	}
	if !got {
		res = <-done
	}
	d.finish(conv, job, res)
}

// cutShort reports whether err is the analysis giving up because ctx ended.
func cutShort(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || apperror.Is(err, apperror.KindTimeout)
}

func (d *Dispatcher) finish(conv *orchestrator.Conversation, job *orchestrator.Job, res result) {
	if d.takeDiscarded(job.ID) {
		d.logger.Info("Dropping analysis result reported as timed out", "session_id", job.SessionID, "job_id", job.ID)
		return
	}

	switch {
	case res.err == nil:
		d.send(responseEvent(res.reply))
	case errors.Is(res.err, orchestrator.ErrStaleJob):
		d.logger.Info("Dropping stale analysis result", "session_id", job.SessionID, "job_id", job.ID)
	default:
		ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
		defer cancel()
		reply := d.coord.Recover(ctx, conv, job, res.err)
		if reply == nil {
			return
		}
		d.send(errorEvent(job.SessionID, reply, res.err))
	}
}

func (d *Dispatcher) markDiscarded(id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.discard[id] = struct{}{}
}

func (d *Dispatcher) takeDiscarded(id uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.discard[id]; !ok {
		return false
	}
	delete(d.discard, id)
	return true
}

func (d *Dispatcher) send(ev push.Event) {
	push.Send(context.Background(), d.pub, d.logger, ev)
}

func responseEvent(r *orchestrator.Reply) push.Event {
	payload := map[string]any{
		"message":            r.Message,
		"conversation_state": string(r.State),
		"message_type":       r.Type,
	}
	if r.Plan != nil {
		payload["implementation_plan"] = r.Plan
	}
	if r.PlanApproved {
		payload["plan_approved"] = true
	}
	if r.Backend != "" {
		payload["backend"] = r.Backend
	}
	return push.New(push.TypeAgentResponse, r.SessionID, payload)
}

func errorEvent(sessionID string, r *orchestrator.Reply, err error) push.Event {
	ae := apperror.Classify(err)
	if r != nil && r.Err != nil {
		ae = r.Err
	}
	payload := map[string]any{
		"success":     false,
		"error":       ae.Message,
		"error_kind":  string(ae.Kind),
		"suggestion":  ae.Suggestion,
		"recoverable": ae.Recoverable(),
	}
	if r != nil {
		payload["message"] = r.Message
		payload["conversation_state"] = string(r.State)
	}
	return push.New(push.TypeError, sessionID, payload)
}

func timeoutEvent(r *orchestrator.Reply, timeout time.Duration) push.Event {
	ae := r.Err
	if ae == nil {
		ae = apperror.New(apperror.KindTimeout, "analysis timed out after "+timeout.String(), nil)
	}
	return push.New(push.TypeError, r.SessionID, map[string]any{
		"success":            false,
		"timeout":            true,
		"error":              ae.Message,
		"suggestion":         ae.Suggestion,
		"message":            r.Message,
		"conversation_state": string(r.State),
	})
}
