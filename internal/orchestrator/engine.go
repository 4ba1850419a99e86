// Package orchestrator implements the conversation state machine that turns
// a free-text requirement into an implementation plan.
//
// An Engine is stateless: all per-session state lives in a Conversation.
// Handle processes one user turn. When a turn moves the session into
// PROCESSING, the returned Reply carries a Job that the caller runs in the
// background with RunAnalysis, then settles with Recover or Abort on
// failure or timeout.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ashureev/reqplan/internal/analysis"
	"github.com/ashureev/reqplan/internal/apperror"
	"github.com/ashureev/reqplan/internal/classifier"
	"github.com/ashureev/reqplan/internal/domain"
	"github.com/ashureev/reqplan/internal/memory"
	"github.com/ashureev/reqplan/internal/metrics"
	"github.com/ashureev/reqplan/internal/plan"
)

// ErrStaleJob is returned by RunAnalysis when the session stopped waiting
// for the job before it finished.
var ErrStaleJob = errors.New("analysis job is no longer pending")

// SessionSaver persists session rows.
type SessionSaver interface {
	UpsertSession(ctx context.Context, session *domain.Session) error
}

// Turn is one user input.
type Turn struct {
	Text string
	// Retry marks a replay of an input already appended to memory, as done
	// by fallback to another backend.
	Retry bool
}

// Job is a background analysis run. IDs increase monotonically across the
// process.
type Job struct {
	ID          uint64
	SessionID   string
	Requirement string
	Extra       string
	StartedAt   time.Time
	// Progress, if set, receives specialist transitions.
	Progress func(agent, status, activity string)
}

var jobSeq atomic.Uint64

// Reply is the result of a turn or an analysis run.
type Reply struct {
	SessionID    string                     `json:"session_id"`
	Message      string                     `json:"message"`
	State        domain.ConversationState   `json:"conversation_state"`
	Type         string                     `json:"type"`
	Plan         *domain.ImplementationPlan `json:"implementation_plan,omitempty"`
	PlanApproved bool                       `json:"plan_approved,omitempty"`
	Backend      string                     `json:"backend,omitempty"`
	Busy         bool                       `json:"-"`
	Job          *Job                       `json:"-"`
	Err          *apperror.Error            `json:"-"`
}

// Config wires an Engine.
type Config struct {
	// Name identifies the engine in logs and replies.
	Name string
	// Conversation answers clarification, refinement and follow-up turns.
	Conversation analysis.Capability
	// Analyzer produces the plan text during PROCESSING.
	Analyzer        Analyzer
	Classifier      classifier.Classifier
	Sessions        SessionSaver
	ContextMessages int
	Logger          *slog.Logger
	Metrics         *metrics.Metrics
	Now             func() time.Time
}

// Engine is the conversation state machine.
type Engine struct {
	name            string
	conversation    analysis.Capability
	analyzer        Analyzer
	classifier      classifier.Classifier
	sessions        SessionSaver
	contextMessages int
	logger          *slog.Logger
	metrics         *metrics.Metrics
	now             func() time.Time
}

// New returns an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Conversation == nil {
		return nil, apperror.New(apperror.KindConfiguration, "conversation capability required", nil)
	}
	if cfg.Analyzer == nil {
		return nil, apperror.New(apperror.KindConfiguration, "analyzer required", nil)
	}
	if cfg.Classifier == nil {
		cfg.Classifier = classifier.NewKeyword()
	}
	if cfg.ContextMessages <= 0 {
		cfg.ContextMessages = memory.DefaultContextMessages
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Name == "" {
		cfg.Name = "engine"
	}
	return &Engine{
		name:            cfg.Name,
		conversation:    cfg.Conversation,
		analyzer:        cfg.Analyzer,
		classifier:      cfg.Classifier,
		sessions:        cfg.Sessions,
		contextMessages: cfg.ContextMessages,
		logger:          cfg.Logger.With("engine", cfg.Name),
		metrics:         cfg.Metrics,
		now:             cfg.Now,
	}, nil
}

// Name returns the engine name.
func (e *Engine) Name() string { return e.name }

// Handle processes one user turn. A capability failure leaves the session
// state untouched and returns a recoverable reply together with the error.
func (e *Engine) Handle(ctx context.Context, conv *Conversation, turn Turn) (*Reply, error) {
	text := strings.TrimSpace(turn.Text)

	conv.turnMu.Lock()
	defer conv.turnMu.Unlock()

	state := conv.State()
	if text == "" {
		return e.reply(conv, promptText, TypePrompt), nil
	}
	if state == domain.StateProcessing {
		r := e.reply(conv, stillProcessingText, TypeStillProcessing)
		r.Busy = true
		return r, nil
	}

	mem := conv.Memory()
	if !turn.Retry {
		mem.Append(ctx, domain.RoleUser, text, "user_input", nil)
	}
	conv.Touch(e.now())
	e.metrics.Turn(string(state))

	switch state {
	case domain.StateInitial:
		return e.handleInitial(ctx, conv, text)
	case domain.StateClarifying:
		return e.handleClarifying(ctx, conv, text)
	case domain.StateRequirementsValidated:
		return e.startAnalysis(ctx, conv, ""), nil
	case domain.StatePlanReview:
		return e.handleReview(ctx, conv, text), nil
	case domain.StatePlanRefinement:
		return e.handleRefinement(ctx, conv, text)
	case domain.StateCompleted:
		return e.handleFollowUp(ctx, conv, text)
	default:
		e.logger.Warn("Unknown conversation state, resetting to clarifying", "session_id", conv.ID(), "state", state)
		e.setState(ctx, conv, domain.StateClarifying, nil)
		return e.handleClarifying(ctx, conv, text)
	}
}

func (e *Engine) handleInitial(ctx context.Context, conv *Conversation, text string) (*Reply, error) {
	task := "Analyze this business requirement and decide whether it is clear enough to design a solution. " +
		"If information is missing, ask focused clarifying questions. If it is clear, confirm your " +
		"understanding and say you are ready to proceed.\n\nRequirement: " + text

	out, err := e.converse(ctx, conv, task)
	if err != nil {
		return e.failed(conv, err), err
	}

	conv.Memory().ExtractRequirement(ctx, text, map[string]any{"source": "initial"})
	next, typ := domain.StateClarifying, TypeClarificationNeeded
	if e.classifier.Readiness(out).Validated() {
		next, typ = domain.StateRequirementsValidated, TypeReadyToProceed
	}
	e.setState(ctx, conv, next, func(s *domain.Session) {
		s.CurrentRequirement = text
		s.ClarifiedRequirement = ""
	})
	conv.Memory().Append(ctx, domain.RoleAgent, out, typ, nil)
	return e.reply(conv, out, typ), nil
}

func (e *Engine) handleClarifying(ctx context.Context, conv *Conversation, text string) (*Reply, error) {
	conv.mu.Lock()
	retry := conv.analysisFailed && conv.session.FullRequirement() != ""
	conv.mu.Unlock()
	if retry && e.classifier.RetryRequested(text) {
		return e.startAnalysis(ctx, conv, ""), nil
	}

	task := "The user provided additional information about their requirement. Acknowledge it, then either " +
		"ask one or two focused follow-up questions or, if the need is now clear, confirm you are ready to " +
		"proceed with the solution.\n\nAdditional information: " + text

	out, err := e.converse(ctx, conv, task)
	if err != nil {
		return e.failed(conv, err), err
	}

	conv.Memory().ExtractRequirement(ctx, text, map[string]any{"source": "clarification"})
	next, typ := domain.StateClarifying, TypeNeedsMoreClarification
	if e.classifier.Readiness(out).Validated() {
		next, typ = domain.StateRequirementsValidated, TypeReadyToProceed
	}
	e.setState(ctx, conv, next, func(s *domain.Session) {
		if s.CurrentRequirement == "" {
			s.CurrentRequirement = text
			return
		}
		s.ClarifiedRequirement = s.FullRequirement() + "\n\nAdditional Details: " + text
	})
	conv.Memory().Append(ctx, domain.RoleAgent, out, typ, nil)
	return e.reply(conv, out, typ), nil
}

// startAnalysis moves the session into PROCESSING and returns the job the
// caller must run.
func (e *Engine) startAnalysis(ctx context.Context, conv *Conversation, extra string) *Reply {
	now := e.now()
	conv.mu.Lock()
	job := &Job{
		ID:          jobSeq.Add(1),
		SessionID:   conv.session.ID,
		Requirement: conv.session.FullRequirement(),
		Extra:       extra,
		StartedAt:   now,
	}
	conv.pending = job
	conv.analysisFailed = false
	conv.modification = ""
	conv.mu.Unlock()

	e.setState(ctx, conv, domain.StateProcessing, nil)
	conv.Memory().Append(ctx, domain.RoleAgent, analysisStartedText, TypeAnalysisStarted,
		map[string]any{"job_id": job.ID})
	e.logger.Info("Analysis started", "session_id", job.SessionID, "job_id", job.ID)

	r := e.reply(conv, analysisStartedText, TypeAnalysisStarted)
	r.Job = job
	return r
}

// RunAnalysis runs job and, if the session is still waiting for it, stores
// the plan and moves to PLAN_REVIEW. On failure the session stays in
// PROCESSING so the caller can fall back or call Recover.
func (e *Engine) RunAnalysis(ctx context.Context, conv *Conversation, job *Job) (*Reply, error) {
	out, err := e.analyzer.Analyze(ctx, Request{
		SessionID:   job.SessionID,
		Requirement: job.Requirement,
		Extra:       job.Extra,
		Progress:    job.Progress,
	})
	if err != nil {
		e.metrics.AnalysisRun("failed")
		return nil, err
	}

	p := plan.Parse(out)

	conv.turnMu.Lock()
	defer conv.turnMu.Unlock()
	if conv.Pending() != job {
		e.metrics.AnalysisRun("discarded")
		e.logger.Info("Discarding late analysis result", "session_id", job.SessionID, "job_id", job.ID)
		return nil, ErrStaleJob
	}

	mem := conv.Memory()
	mem.SetPlan(ctx, p)
	conv.mu.Lock()
	conv.pending = nil
	conv.mu.Unlock()
	e.setState(ctx, conv, domain.StatePlanReview, func(s *domain.Session) { s.PlanApproved = false })

	msg := planResultsText(p)
	mem.Append(ctx, domain.RoleAgent, msg, TypePlanResults, map[string]any{"job_id": job.ID, "tasks": len(p.Tasks)})
	e.metrics.AnalysisRun("ok")
	e.logger.Info("Analysis completed", "session_id", job.SessionID, "job_id", job.ID,
		"tasks", len(p.Tasks), "placeholder", p.IsPlaceholder(),
		"elapsed", e.now().Sub(job.StartedAt).Round(time.Millisecond))

	r := e.reply(conv, msg, TypePlanResults)
	r.Plan = p
	return r, nil
}

// Recover settles a failed job by returning the session to CLARIFYING with
// an error-recovery reply. It returns nil when job is no longer pending.
func (e *Engine) Recover(ctx context.Context, conv *Conversation, job *Job, err error) *Reply {
	ae := apperror.Classify(err)
	if ae == nil {
		ae = apperror.New(apperror.KindUnknown, "analysis failed", nil)
	}
	return e.settle(ctx, conv, job, recoveryText(ae), TypeErrorRecovery, ae)
}

// Abort settles a job that exceeded timeout. Its result, should it still
// arrive, is discarded by RunAnalysis.
func (e *Engine) Abort(ctx context.Context, conv *Conversation, job *Job, timeout time.Duration) *Reply {
	ae := apperror.New(apperror.KindTimeout, fmt.Sprintf("analysis timed out after %s", timeout), context.DeadlineExceeded)
	e.metrics.AnalysisRun("timeout")
	return e.settle(ctx, conv, job, timeoutText(timeout.String()), TypeAnalysisTimeout, ae)
}

func (e *Engine) settle(ctx context.Context, conv *Conversation, job *Job, msg, typ string, ae *apperror.Error) *Reply {
	conv.turnMu.Lock()
	defer conv.turnMu.Unlock()

	conv.mu.Lock()
	if conv.pending != job {
		conv.mu.Unlock()
		return nil
	}
	conv.pending = nil
	conv.analysisFailed = true
	conv.mu.Unlock()

	e.setState(ctx, conv, domain.StateClarifying, nil)
	conv.Memory().Append(ctx, domain.RoleAgent, msg, typ,
		map[string]any{"job_id": job.ID, "error_kind": string(ae.Kind)})
	e.logger.Warn("Analysis settled without a plan", "session_id", job.SessionID, "job_id", job.ID,
		"type", typ, "error_kind", ae.Kind, "error", ae)

	r := e.reply(conv, msg, typ)
	r.Err = ae
	return r
}

func (e *Engine) handleReview(ctx context.Context, conv *Conversation, text string) *Reply {
	mem := conv.Memory()
	p := mem.Plan()
	if p == nil {
		e.setState(ctx, conv, domain.StateClarifying, nil)
		mem.Append(ctx, domain.RoleAgent, missingPlanText, TypeError, nil)
		return e.reply(conv, missingPlanText, TypeError)
	}

	var msg, typ string
	switch e.classifier.ReviewIntent(text) {
	case classifier.IntentDetails:
		msg, typ = detailsText(p), TypePlanDetails
	case classifier.IntentTasks:
		msg, typ = tasksText(p), TypeTasksExplanation
	case classifier.IntentApprove:
		return e.approve(ctx, conv, p)
	case classifier.IntentModify:
		conv.mu.Lock()
		conv.modification = text
		conv.mu.Unlock()
		e.setState(ctx, conv, domain.StatePlanRefinement, nil)
		msg, typ = modificationText(text), TypeModificationRequest
	default:
		msg, typ = reviewPromptText(), TypeReviewPrompt
	}
	mem.Append(ctx, domain.RoleAgent, msg, typ, nil)
	return e.reply(conv, msg, typ)
}

func (e *Engine) approve(ctx context.Context, conv *Conversation, p *domain.ImplementationPlan) *Reply {
	sess := e.setState(ctx, conv, domain.StateCompleted, func(s *domain.Session) { s.PlanApproved = true })
	mem := conv.Memory()
	if err := mem.SaveApprovedPlan(ctx, sess.FullRequirement(), domain.StateCompleted); err != nil {
		e.logger.Error("Failed to save approved plan", "session_id", sess.ID, "error", err)
	}
	msg := approvedText(p)
	mem.Append(ctx, domain.RoleAgent, msg, TypePlanApproved, nil)
	r := e.reply(conv, msg, TypePlanApproved)
	r.PlanApproved = true
	r.Plan = p
	return r
}

func (e *Engine) handleRefinement(ctx context.Context, conv *Conversation, text string) (*Reply, error) {
	mem := conv.Memory()
	p := mem.Plan()

	conv.mu.Lock()
	modification := conv.modification
	conv.mu.Unlock()

	switch e.classifier.RefinementChoice(text) {
	case classifier.ChoiceApply:
		e.amendRequirement(ctx, conv, modification)
		return e.startAnalysis(ctx, conv, "Current plan:\n"+plan.Brief(p)), nil
	case classifier.ChoiceReanalyze:
		e.amendRequirement(ctx, conv, modification)
		return e.startAnalysis(ctx, conv, ""), nil
	case classifier.ChoiceImpact:
		msg := impactText(p, modification)
		mem.Append(ctx, domain.RoleAgent, msg, TypeRefinementImpact, nil)
		return e.reply(conv, msg, TypeRefinementImpact), nil
	case classifier.ChoiceKeep:
		conv.mu.Lock()
		conv.modification = ""
		conv.mu.Unlock()
		e.setState(ctx, conv, domain.StatePlanReview, nil)
		msg := keptText()
		mem.Append(ctx, domain.RoleAgent, msg, TypePlanKept, nil)
		return e.reply(conv, msg, TypePlanKept), nil
	}

	task := "The user wants to modify the current solution plan. Explain the impact of the requested change " +
		"and how it can be accommodated.\n\nModification request: " + text +
		"\n\nCurrent plan: " + plan.Brief(p)
	out, err := e.converse(ctx, conv, task)
	if err != nil {
		return e.failed(conv, err), err
	}

	conv.mu.Lock()
	if conv.modification == "" {
		conv.modification = text
	} else if conv.modification != text {
		conv.modification += "; " + text
	}
	conv.mu.Unlock()

	msg := out + "\n\n" + refinementMenuText
	mem.Append(ctx, domain.RoleAgent, msg, TypeRefinementOptions, nil)
	return e.reply(conv, msg, TypeRefinementOptions), nil
}

func (e *Engine) amendRequirement(ctx context.Context, conv *Conversation, modification string) {
	if modification == "" {
		return
	}
	conv.Memory().ExtractRequirement(ctx, modification, map[string]any{"source": "refinement"})
	e.setState(ctx, conv, domain.StatePlanRefinement, func(s *domain.Session) {
		s.ClarifiedRequirement = s.FullRequirement() + "\n\nRequested Changes: " + modification
	})
}

func (e *Engine) handleFollowUp(ctx context.Context, conv *Conversation, text string) (*Reply, error) {
	task := "Answer the user's follow-up question about their approved implementation plan.\n\nQuestion: " + text
	out, err := e.conversation.Execute(ctx, task,
		"Approved plan: "+plan.Brief(conv.Memory().Plan())+"\n\n"+conv.Memory().Context(e.contextMessages))
	if err != nil {
		return e.failed(conv, err), err
	}
	conv.Memory().Append(ctx, domain.RoleAgent, out, TypeFollowUp, nil)
	return e.reply(conv, out, TypeFollowUp), nil
}

func (e *Engine) converse(ctx context.Context, conv *Conversation, task string) (string, error) {
	return e.conversation.Execute(ctx, task, conv.Memory().Context(e.contextMessages))
}

// failed builds the recoverable reply for a capability failure. Nothing is
// appended to memory: the caller may still retry the turn elsewhere.
func (e *Engine) failed(conv *Conversation, err error) *Reply {
	ae := apperror.Classify(err)
	e.logger.Warn("Capability call failed", "session_id", conv.ID(), "error_kind", ae.Kind, "error", err)
	r := e.reply(conv, failureText(ae), TypeError)
	r.Err = ae
	return r
}

// setState applies fn and moves to next, then persists the row. A failed
// write is logged: the live conversation stays authoritative.
func (e *Engine) setState(ctx context.Context, conv *Conversation, next domain.ConversationState, fn func(s *domain.Session)) domain.Session {
	sess := conv.update(e.now(), func(s *domain.Session) {
		if fn != nil {
			fn(s)
		}
		s.State = next
	})
	if e.sessions != nil {
		if err := e.sessions.UpsertSession(ctx, &sess); err != nil {
			e.logger.Error("Failed to persist session state", "session_id", sess.ID, "state", next, "error", err)
		}
	}
	return sess
}

func (e *Engine) reply(conv *Conversation, msg, typ string) *Reply {
	sess := conv.Session()
	return &Reply{
		SessionID:    sess.ID,
		Message:      msg,
		State:        sess.State,
		Type:         typ,
		PlanApproved: sess.PlanApproved,
		Backend:      e.name,
	}
}
