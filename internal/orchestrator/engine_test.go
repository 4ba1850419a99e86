package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/reqplan/internal/apperror"
	"github.com/ashureev/reqplan/internal/domain"
	"github.com/ashureev/reqplan/internal/memory"
	"github.com/ashureev/reqplan/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

const planJSON = `{"project_summary":{"total_effort":"40h","team_size":"2","duration":"3 weeks"},
"tasks":[{"id":"T1","title":"Create Milestone__c","effort":"4h","role":"Admin","dependencies":[]}],
"key_risks":["adoption"],"success_criteria":["milestones tracked"],"implementation_order":["T1"]}`

// scripted replays replies in order; an error entry fails that call.
type scripted struct {
	mu      sync.Mutex
	replies []any
	tasks   []string
}

func (s *scripted) Execute(_ context.Context, task, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, task)
	if len(s.replies) == 0 {
		return "", errors.New("no scripted reply")
	}
	next := s.replies[0]
	s.replies = s.replies[1:]
	if err, ok := next.(error); ok {
		return "", err
	}
	return next.(string), nil
}

type fakeAnalyzer struct {
	mu   sync.Mutex
	out  string
	err  error
	reqs []Request
}

func (f *fakeAnalyzer) Analyze(_ context.Context, req Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return f.out, f.err
}

type fixture struct {
	engine   *Engine
	conv     *Conversation
	cap      *scripted
	analyzer *fakeAnalyzer
	store    *store.FileStore
}

func newFixture(t *testing.T, replies ...any) *fixture {
	t.Helper()
	dir := t.TempDir()
	fs, err := store.NewFileStore(filepath.Join(dir, "history"), filepath.Join(dir, "plans"))
	require.NoError(t, err)

	ctx := context.Background()
	mem, err := memory.Open(ctx, "session_test", fs, quiet)
	require.NoError(t, err)

	capability := &scripted{replies: replies}
	analyzer := &fakeAnalyzer{out: planJSON}
	e, err := New(Config{
		Name:         "basic",
		Conversation: capability,
		Analyzer:     analyzer,
		Sessions:     fs,
		Logger:       quiet,
	})
	require.NoError(t, err)

	return &fixture{
		engine:   e,
		conv:     NewConversation(domain.NewSession("session_test", time.Now()), mem),
		cap:      capability,
		analyzer: analyzer,
		store:    fs,
	}
}

func (f *fixture) handle(t *testing.T, text string) *Reply {
	t.Helper()
	r, err := f.engine.Handle(context.Background(), f.conv, Turn{Text: text})
	require.NoError(t, err)
	return r
}

func TestInitialWithoutIndicatorsAsksForClarification(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "Onboarding milestones are a great use case. Which teams own each milestone?")
	r := f.handle(t, "Track customer onboarding milestones")

	assert.Equal(t, domain.StateClarifying, r.State)
	assert.Equal(t, TypeClarificationNeeded, r.Type)
	assert.Equal(t, "Track customer onboarding milestones", f.conv.Session().CurrentRequirement)

	msgs := f.conv.Memory().Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.RoleUser, msgs[0].Role)
	assert.Equal(t, domain.RoleAgent, msgs[1].Role)
	assert.Len(t, f.conv.Memory().Requirements(), 1)
}

func TestReadinessTransitions(t *testing.T) {
	t.Parallel()

	tie := newFixture(t, "I could move forward, but can you clarify the approval chain?")
	assert.Equal(t, domain.StateClarifying, tie.handle(t, "Approval process for discounts").State)

	ready := newFixture(t, "Thanks. I have sufficient information and am ready to proceed.")
	r := ready.handle(t, "Approval process for discounts over 20 percent by regional managers")
	assert.Equal(t, domain.StateRequirementsValidated, r.State)
	assert.Equal(t, TypeReadyToProceed, r.Type)

	stored, err := ready.store.GetSession(context.Background(), "session_test")
	require.NoError(t, err)
	assert.Equal(t, domain.StateRequirementsValidated, stored.State)
}

func TestClarificationAccumulatesRequirement(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "Can you clarify who approves?", "Great, I have a clear understanding now.")
	f.handle(t, "Discount approvals")
	r := f.handle(t, "Regional managers approve")

	assert.Equal(t, domain.StateRequirementsValidated, r.State)
	sess := f.conv.Session()
	assert.Equal(t, "Discount approvals\n\nAdditional Details: Regional managers approve", sess.FullRequirement())
}

func TestEmptyInputDoesNotTouchState(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	r := f.handle(t, "   ")
	assert.Equal(t, TypePrompt, r.Type)
	assert.Equal(t, domain.StateInitial, r.State)
	assert.Empty(t, f.conv.Memory().Messages())
	assert.Empty(t, f.cap.tasks)
}

func TestCapabilityFailureLeavesStateUnchanged(t *testing.T) {
	t.Parallel()

	f := newFixture(t, apperror.New(apperror.KindRateLimit, "rate limit exceeded", nil))
	r, err := f.engine.Handle(context.Background(), f.conv, Turn{Text: "Track onboarding"})
	require.Error(t, err)
	require.NotNil(t, r)
	assert.Equal(t, TypeError, r.Type)
	assert.Equal(t, domain.StateInitial, r.State)
	assert.Equal(t, apperror.KindRateLimit, r.Err.Kind)
	assert.Contains(t, r.Message, "Suggestion: Please wait a moment and try again")
	assert.Len(t, f.conv.Memory().Messages(), 1, "only the user input is logged")

	f.cap.replies = []any{"Which teams are involved? Tell me more about the stages."}
	r, err = f.engine.Handle(context.Background(), f.conv, Turn{Text: "Track onboarding", Retry: true})
	require.NoError(t, err)
	assert.Equal(t, domain.StateClarifying, r.State)
	assert.Len(t, f.conv.Memory().Messages(), 2)
}

func toValidated(t *testing.T, f *fixture) {
	t.Helper()
	f.cap.replies = append([]any{"Ready to proceed."}, f.cap.replies...)
	r := f.handle(t, "Track onboarding milestones for each Account")
	require.Equal(t, domain.StateRequirementsValidated, r.State)
}

func TestFullConversationToCompletion(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	toValidated(t, f)
	ctx := context.Background()

	r := f.handle(t, "yes, go ahead")
	assert.Equal(t, domain.StateProcessing, r.State)
	assert.Equal(t, TypeAnalysisStarted, r.Type)
	require.NotNil(t, r.Job)
	job := r.Job
	assert.Equal(t, "Track onboarding milestones for each Account", job.Requirement)

	busy := f.handle(t, "are you done?")
	assert.True(t, busy.Busy)
	assert.Equal(t, TypeStillProcessing, busy.Type)
	assert.True(t, f.conv.Status().Processing)

	done, err := f.engine.RunAnalysis(ctx, f.conv, job)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePlanReview, done.State)
	require.NotNil(t, done.Plan)
	assert.Len(t, done.Plan.Tasks, 1)
	assert.False(t, f.conv.Status().Processing)
	assert.True(t, f.conv.Status().HasPlan)

	assert.Equal(t, TypePlanDetails, f.handle(t, "show details").Type)
	assert.Equal(t, TypeTasksExplanation, f.handle(t, "what is the timeline").Type)
	assert.Equal(t, TypeReviewPrompt, f.handle(t, "hmm").Type)

	approved := f.handle(t, "approve plan")
	assert.Equal(t, domain.StateCompleted, approved.State)
	assert.True(t, approved.PlanApproved)

	f.cap.replies = []any{"Start with the Milestone__c object."}
	follow := f.handle(t, "where do we start?")
	assert.Equal(t, domain.StateCompleted, follow.State)
	assert.Equal(t, TypeFollowUp, follow.Type)

	stored, err := f.store.GetSession(ctx, "session_test")
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, stored.State)
	assert.True(t, stored.PlanApproved)
}

func TestAnalysisFailureRecoversToClarifying(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	toValidated(t, f)
	ctx := context.Background()

	job := f.handle(t, "go").Job
	require.NotNil(t, job)

	f.analyzer.err = errors.New("network connection refused")
	_, err := f.engine.RunAnalysis(ctx, f.conv, job)
	require.Error(t, err)
	assert.Equal(t, domain.StateProcessing, f.conv.State())

	r := f.engine.Recover(ctx, f.conv, job, err)
	require.NotNil(t, r)
	assert.Equal(t, domain.StateClarifying, r.State)
	assert.Equal(t, TypeErrorRecovery, r.Type)
	assert.Equal(t, apperror.KindNetwork, r.Err.Kind)
	assert.Nil(t, f.engine.Recover(ctx, f.conv, job, err), "a settled job is not settled twice")

	f.analyzer.err = nil
	retry := f.handle(t, "try again")
	assert.Equal(t, domain.StateProcessing, retry.State)
	require.NotNil(t, retry.Job)
	assert.Greater(t, retry.Job.ID, job.ID)
}

func TestLateResultAfterAbortIsDiscarded(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	toValidated(t, f)
	ctx := context.Background()

	job := f.handle(t, "go").Job
	r := f.engine.Abort(ctx, f.conv, job, 300*time.Second)
	require.NotNil(t, r)
	assert.Equal(t, domain.StateClarifying, r.State)
	assert.Equal(t, TypeAnalysisTimeout, r.Type)
	assert.Equal(t, apperror.KindTimeout, r.Err.Kind)

	_, err := f.engine.RunAnalysis(ctx, f.conv, job)
	assert.ErrorIs(t, err, ErrStaleJob)
	assert.Equal(t, domain.StateClarifying, f.conv.State())
	assert.Nil(t, f.conv.Memory().Plan())
}

func TestUnparseablePlanBecomesPlaceholder(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	toValidated(t, f)
	f.analyzer.out = "A phased rollout is recommended."

	job := f.handle(t, "go").Job
	r, err := f.engine.RunAnalysis(context.Background(), f.conv, job)
	require.NoError(t, err)
	assert.True(t, r.Plan.IsPlaceholder())
	assert.Equal(t, "TBD", r.Plan.ProjectSummary.Duration)
	assert.Equal(t, domain.StatePlanReview, r.State)
}

func TestRefinementLoop(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	toValidated(t, f)
	ctx := context.Background()
	_, err := f.engine.RunAnalysis(ctx, f.conv, f.handle(t, "go").Job)
	require.NoError(t, err)

	r := f.handle(t, "modify the security model")
	assert.Equal(t, domain.StatePlanRefinement, r.State)
	assert.Equal(t, TypeModificationRequest, r.Type)

	f.cap.replies = []any{"Restricting sharing adds one task."}
	r = f.handle(t, "make records private to owners")
	assert.Equal(t, TypeRefinementOptions, r.Type)
	assert.Contains(t, r.Message, "Apply changes")
	assert.Equal(t, domain.StatePlanRefinement, r.State)

	r = f.handle(t, "show impact")
	assert.Equal(t, TypeRefinementImpact, r.Type)
	assert.Contains(t, r.Message, "make records private to owners")

	r = f.handle(t, "keep original")
	assert.Equal(t, domain.StatePlanReview, r.State)

	f.handle(t, "change the automation approach")
	r = f.handle(t, "apply changes")
	assert.Equal(t, domain.StateProcessing, r.State)
	require.NotNil(t, r.Job)
	assert.Contains(t, r.Job.Requirement, "Requested Changes: change the automation approach")
	assert.Contains(t, r.Job.Extra, "Current plan:")

	done, err := f.engine.RunAnalysis(ctx, f.conv, r.Job)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePlanReview, done.State)
	assert.Contains(t, f.analyzer.reqs[1].Extra, "Create Milestone__c")
}

func TestRefinementFreeTextMentioningMenuWordsIsANewRequest(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	toValidated(t, f)
	ctx := context.Background()
	_, err := f.engine.RunAnalysis(ctx, f.conv, f.handle(t, "go").Job)
	require.NoError(t, err)

	f.handle(t, "please change the plan to add an approval step")
	calls := len(f.cap.tasks)

	f.cap.replies = []any{"A discount field needs one more task."}
	r := f.handle(t, "Also apply a discount field on Opportunity")
	assert.Equal(t, TypeRefinementOptions, r.Type)
	assert.Equal(t, domain.StatePlanRefinement, r.State)
	assert.Len(t, f.cap.tasks, calls+1)

	r = f.handle(t, "Apply changes")
	assert.Equal(t, domain.StateProcessing, r.State)
	require.NotNil(t, r.Job)
	assert.Contains(t, r.Job.Requirement, "add an approval step")
	assert.Contains(t, r.Job.Requirement, "Also apply a discount field on Opportunity")
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Analyzer: &fakeAnalyzer{}})
	assert.Equal(t, apperror.KindConfiguration, apperror.Classify(err).Kind)
	_, err = New(Config{Conversation: &scripted{}})
	assert.Equal(t, apperror.KindConfiguration, apperror.Classify(err).Kind)
}
