package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/reqplan/internal/apperror"
	"github.com/ashureev/reqplan/internal/domain"
	"github.com/ashureev/reqplan/internal/orchestrator"
	"github.com/ashureev/reqplan/internal/push"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type recorder struct {
	mu     sync.Mutex
	events []push.Event
}

func (r *recorder) Publish(_ context.Context, ev push.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func (r *recorder) last() push.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

type fakeCoord struct {
	handle  func(text string) (*orchestrator.Reply, error)
	analyze func(ctx context.Context, job *orchestrator.Job) (*orchestrator.Reply, error)

	mu        sync.Mutex
	recovered []error
	aborted   []uint64
}

func (f *fakeCoord) Handle(_ context.Context, _ *orchestrator.Conversation, text string) (*orchestrator.Reply, error) {
	return f.handle(text)
}

func (f *fakeCoord) Analyze(ctx context.Context, _ *orchestrator.Conversation, job *orchestrator.Job) (*orchestrator.Reply, error) {
	return f.analyze(ctx, job)
}

func (f *fakeCoord) Recover(_ context.Context, _ *orchestrator.Conversation, job *orchestrator.Job, err error) *orchestrator.Reply {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recovered = append(f.recovered, err)
	return &orchestrator.Reply{
		SessionID: job.SessionID,
		Message:   "analysis failed, say try again",
		State:     domain.StateClarifying,
		Err:       apperror.Classify(err),
	}
}

func (f *fakeCoord) Abort(_ context.Context, _ *orchestrator.Conversation, job *orchestrator.Job, timeout time.Duration) *orchestrator.Reply {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = append(f.aborted, job.ID)
	return &orchestrator.Reply{
		SessionID: job.SessionID,
		Message:   "timed out",
		State:     domain.StateClarifying,
		Err:       apperror.New(apperror.KindTimeout, "analysis timed out after "+timeout.String(), nil),
	}
}

type oneSession struct{ conv *orchestrator.Conversation }

func (s oneSession) Get(_ context.Context, id string) (*orchestrator.Conversation, error) {
	if id != s.conv.ID() {
		return nil, errors.New("unknown session")
	}
	return s.conv, nil
}

func newDispatcher(t *testing.T, coord *fakeCoord, timeout time.Duration) (*Dispatcher, *recorder) {
	t.Helper()
	conv := orchestrator.NewConversation(domain.NewSession("s1", time.Now()), nil)
	rec := &recorder{}
	d := New(Config{
		Coordinator: coord,
		Sessions:    oneSession{conv},
		Publisher:   rec,
		Timeout:     timeout,
		Logger:      quiet,
	})
	return d, rec
}

func reply(msg string, state domain.ConversationState) *orchestrator.Reply {
	return &orchestrator.Reply{SessionID: "s1", Message: msg, State: state, Type: "test"}
}

func startReply(id uint64) *orchestrator.Reply {
	r := reply("analysis started", domain.StateProcessing)
	r.Job = &orchestrator.Job{ID: id, SessionID: "s1", Requirement: "req"}
	return r
}

func TestSubmitPlainTurn(t *testing.T) {
	t.Parallel()

	coord := &fakeCoord{handle: func(text string) (*orchestrator.Reply, error) {
		return reply("echo: "+text, domain.StateClarifying), nil
	}}
	d, rec := newDispatcher(t, coord, time.Second)
	defer func() { _ = d.Close(context.Background()) }()

	r, err := d.Submit(context.Background(), "s1", "hello")
	require.NoError(t, err)
	assert.Equal(t, "echo: hello", r.Message)
	assert.Equal(t, []string{push.TypeProcessingStarted, push.TypeAgentResponse}, rec.types())
	assert.Equal(t, "clarifying", rec.last().Payload["conversation_state"])
}

func TestSubmitBusySession(t *testing.T) {
	t.Parallel()

	coord := &fakeCoord{handle: func(string) (*orchestrator.Reply, error) {
		r := reply("still processing", domain.StateProcessing)
		r.Busy = true
		return r, nil
	}}
	d, rec := newDispatcher(t, coord, time.Second)
	defer func() { _ = d.Close(context.Background()) }()

	r, err := d.Submit(context.Background(), "s1", "are you done?")
	require.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, "still processing", r.Message)
	assert.Equal(t, push.TypeAgentResponse, rec.last().Type)
	assert.Zero(t, d.Running())
}

func TestSubmitFailurePushesError(t *testing.T) {
	t.Parallel()

	ae := apperror.New(apperror.KindRateLimit, "too many requests", nil)
	coord := &fakeCoord{handle: func(string) (*orchestrator.Reply, error) {
		r := reply("I encountered an issue", domain.StateInitial)
		r.Err = ae
		return r, ae
	}}
	d, rec := newDispatcher(t, coord, time.Second)
	defer func() { _ = d.Close(context.Background()) }()

	_, err := d.Submit(context.Background(), "s1", "hi")
	require.Error(t, err)

	ev := rec.last()
	assert.Equal(t, push.TypeError, ev.Type)
	assert.Equal(t, false, ev.Payload["success"])
	assert.Equal(t, "rate_limit", ev.Payload["error_kind"])
	assert.Equal(t, "Please wait a moment and try again", ev.Payload["suggestion"])
}

func TestSubmitUnknownSession(t *testing.T) {
	t.Parallel()

	d, rec := newDispatcher(t, &fakeCoord{}, time.Second)
	defer func() { _ = d.Close(context.Background()) }()

	_, err := d.Submit(context.Background(), "other", "hi")
	require.Error(t, err)
	assert.Empty(t, rec.types())
}

func TestBackgroundAnalysisPushesProgressAndPlan(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	coord := &fakeCoord{
		handle: func(string) (*orchestrator.Reply, error) { return startReply(101), nil },
		analyze: func(_ context.Context, job *orchestrator.Job) (*orchestrator.Reply, error) {
			job.Progress("schema_expert", "working", "Analyzing objects")
			job.Progress("schema_expert", "completed", "")
			r := reply("plan ready", domain.StatePlanReview)
			r.Plan = &domain.ImplementationPlan{}
			return r, nil
		},
	}
	d, rec := newDispatcher(t, coord, time.Second)

	r, err := d.Submit(context.Background(), "s1", "yes, proceed")
	require.NoError(t, err)
	assert.Equal(t, domain.StateProcessing, r.State)

	require.NoError(t, d.Close(context.Background()))
	assert.Equal(t, []string{
		push.TypeProcessingStarted,
		push.TypeAgentResponse,
		push.TypeAgentStatus,
		push.TypeAgentStatus,
		push.TypeAgentResponse,
	}, rec.types())
	final := rec.last()
	assert.Equal(t, "plan_review", final.Payload["conversation_state"])
	assert.Contains(t, final.Payload, "implementation_plan")
}

func TestBackgroundFailureIsRecovered(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	boom := apperror.New(apperror.KindNetwork, "connection refused", nil)
	coord := &fakeCoord{
		handle: func(string) (*orchestrator.Reply, error) { return startReply(202), nil },
		analyze: func(context.Context, *orchestrator.Job) (*orchestrator.Reply, error) {
			return nil, boom
		},
	}
	d, rec := newDispatcher(t, coord, time.Second)

	_, err := d.Submit(context.Background(), "s1", "go")
	require.NoError(t, err)
	require.NoError(t, d.Close(context.Background()))

	require.Len(t, coord.recovered, 1)
	assert.ErrorIs(t, coord.recovered[0], boom)
	ev := rec.last()
	assert.Equal(t, push.TypeError, ev.Type)
	assert.Equal(t, "network", ev.Payload["error_kind"])
	assert.Equal(t, "clarifying", ev.Payload["conversation_state"])
}

func TestTimedOutAnalysisIsAbortedAndLateResultDropped(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	coord := &fakeCoord{
		handle: func(string) (*orchestrator.Reply, error) { return startReply(303), nil },
		analyze: func(ctx context.Context, _ *orchestrator.Job) (*orchestrator.Reply, error) {
			<-ctx.Done()
			// A capability that ignores cancellation still hands back a plan.
			return reply("late plan", domain.StatePlanReview), nil
		},
	}
	d, rec := newDispatcher(t, coord, 20*time.Millisecond)

	_, err := d.Submit(context.Background(), "s1", "go")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return d.Running() == 0 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, d.Close(context.Background()))

	assert.Equal(t, []uint64{303}, coord.aborted)
	ev := rec.last()
	assert.Equal(t, push.TypeError, ev.Type)
	assert.Equal(t, true, ev.Payload["timeout"])
	assert.Equal(t, false, ev.Payload["success"])
	assert.NotEqual(t, "late plan", ev.Payload["message"])
	assert.Empty(t, d.discard)
}

func TestStaleResultIsDroppedSilently(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	coord := &fakeCoord{
		handle: func(string) (*orchestrator.Reply, error) { return startReply(404), nil },
		analyze: func(context.Context, *orchestrator.Job) (*orchestrator.Reply, error) {
			return nil, orchestrator.ErrStaleJob
		},
	}
	d, rec := newDispatcher(t, coord, time.Second)

	_, err := d.Submit(context.Background(), "s1", "go")
	require.NoError(t, err)
	require.NoError(t, d.Close(context.Background()))

	assert.Empty(t, coord.recovered)
	assert.Equal(t, []string{push.TypeProcessingStarted, push.TypeAgentResponse}, rec.types())
}

func TestCloseAbandonsRunningAnalysis(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	started := make(chan struct{})
	coord := &fakeCoord{
		handle: func(string) (*orchestrator.Reply, error) { return startReply(505), nil },
		analyze: func(ctx context.Context, _ *orchestrator.Job) (*orchestrator.Reply, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	d, _ := newDispatcher(t, coord, time.Minute)

	_, err := d.Submit(context.Background(), "s1", "go")
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.Close(ctx))
	assert.Empty(t, coord.aborted)
	assert.Empty(t, coord.recovered)
}

func TestDeadlineErrorIsReportedAsTimeout(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	coord := &fakeCoord{
		handle: func(string) (*orchestrator.Reply, error) { return startReply(606), nil },
		analyze: func(ctx context.Context, _ *orchestrator.Job) (*orchestrator.Reply, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	d, rec := newDispatcher(t, coord, 10*time.Millisecond)

	_, err := d.Submit(context.Background(), "s1", "go")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return d.Running() == 0 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, d.Close(context.Background()))

	coord.mu.Lock()
	defer coord.mu.Unlock()
	assert.Equal(t, []uint64{606}, coord.aborted)
	assert.Empty(t, coord.recovered)
	ev := rec.last()
	assert.Equal(t, push.TypeError, ev.Type)
	assert.Equal(t, true, ev.Payload["timeout"])
}

func TestCloseDeliversFinishedAnalysis(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	started := make(chan struct{})
	coord := &fakeCoord{
		handle: func(string) (*orchestrator.Reply, error) { return startReply(707), nil },
		analyze: func(ctx context.Context, _ *orchestrator.Job) (*orchestrator.Reply, error) {
			close(started)
			<-ctx.Done()
			return reply("plan ready", domain.StatePlanReview), nil
		},
	}
	d, rec := newDispatcher(t, coord, time.Minute)

	_, err := d.Submit(context.Background(), "s1", "go")
	require.NoError(t, err)
	<-started

	require.NoError(t, d.Close(context.Background()))
	ev := rec.last()
	assert.Equal(t, push.TypeAgentResponse, ev.Type)
	assert.Equal(t, "plan_review", ev.Payload["conversation_state"])
	assert.Empty(t, coord.aborted)
}
