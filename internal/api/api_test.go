package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/ashureev/reqplan/internal/apperror"
	"github.com/ashureev/reqplan/internal/coordinator"
	"github.com/ashureev/reqplan/internal/crm"
	"github.com/ashureev/reqplan/internal/dispatch"
	"github.com/ashureev/reqplan/internal/domain"
	"github.com/ashureev/reqplan/internal/middleware"
	"github.com/ashureev/reqplan/internal/orchestrator"
	"github.com/ashureev/reqplan/internal/session"
	"github.com/ashureev/reqplan/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type scriptedSubmitter struct {
	mu    sync.Mutex
	reply *orchestrator.Reply
	err   error
	got   []string
}

func (s *scriptedSubmitter) Submit(_ context.Context, sessionID, text string) (*orchestrator.Reply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, sessionID+": "+text)
	return s.reply, s.err
}

func (s *scriptedSubmitter) set(reply *orchestrator.Reply, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reply, s.err = reply, err
}

func (s *scriptedSubmitter) calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.got...)
}

type fakeCoordinator struct {
	mu       sync.Mutex
	status   coordinator.Status
	recorder *apperror.Recorder
}

func (f *fakeCoordinator) Status() coordinator.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeCoordinator) SwitchSystem(target string) bool {
	if target != coordinator.SystemBasic {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status.ActiveSystem = target
	return true
}

func (f *fakeCoordinator) ValidateConfiguration() []string { return []string{"CRM not configured"} }

func (f *fakeCoordinator) Errors() *apperror.Recorder { return f.recorder }

type fakeCRM struct{}

func (fakeCRM) ListObjects(_ context.Context, customOnly bool) ([]crm.ObjectInfo, error) {
	if customOnly {
		return []crm.ObjectInfo{{Name: "Invoice__c", Custom: true}}, nil
	}
	return []crm.ObjectInfo{{Name: "Account"}, {Name: "Invoice__c", Custom: true}}, nil
}

func (fakeCRM) SearchObjects(_ context.Context, term string) ([]crm.ObjectInfo, error) {
	return []crm.ObjectInfo{{Name: "Account", Label: term}}, nil
}

func (fakeCRM) DescribeObject(_ context.Context, name string) (*crm.Schema, error) {
	if name != "Account" {
		return nil, &crm.ConnectionError{Op: "describe", StatusCode: http.StatusNotFound, Err: errors.New("NOT_FOUND")}
	}
	return &crm.Schema{ObjectInfo: crm.ObjectInfo{Name: "Account"}}, nil
}

func (fakeCRM) OrgLimits(context.Context) (map[string]any, error) {
	return map[string]any{"DailyApiRequests": map[string]any{"Max": 15000}}, nil
}

func (fakeCRM) Query(_ context.Context, soql string, limit int) ([]map[string]any, error) {
	return []map[string]any{{"soql": soql, "limit": limit}}, nil
}

type failingStore struct{}

func (failingStore) Ping(context.Context) error { return errors.New("disk gone") }

type fixture struct {
	srv       *httptest.Server
	reg       *session.Registry
	submitter *scriptedSubmitter
	coord     *fakeCoordinator
}

func newFixture(t *testing.T, mutate func(*Deps)) *fixture {
	t.Helper()
	dir := t.TempDir()
	repo, err := store.NewFileStore(filepath.Join(dir, "history"), filepath.Join(dir, "plans"))
	require.NoError(t, err)

	reg := session.NewRegistry(repo, quiet, nil)
	sub := &scriptedSubmitter{}
	coord := &fakeCoordinator{
		status:   coordinator.Status{ActiveSystem: coordinator.SystemRich, RichAvailable: true, BasicAvailable: true, Preference: "auto"},
		recorder: apperror.NewRecorder(apperror.DefaultHistorySize, quiet),
	}
	deps := Deps{
		Store:       repo,
		StorageName: "file",
		Sessions:    reg,
		Submitter:   sub,
		Coordinator: coord,
		CRM:         fakeCRM{},
		Connections: func() int { return 3 },
		Logger:      quiet,
	}
	if mutate != nil {
		mutate(&deps)
	}

	r := chi.NewRouter()
	NewHandler(deps).RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, reg: reg, submitter: sub, coord: coord}
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rdr)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(data) > 0 {
		require.NoError(t, json.Unmarshal(data, &out), string(data))
	}
	return resp.StatusCode, out
}

func TestHealth(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	code, body := f.do(t, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])
	assert.EqualValues(t, 3, body["active_connections"])
	assert.EqualValues(t, 0, body["active_sessions"])
	assert.Equal(t, "file", body["storage"])
}

func TestHealthDegraded(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(d *Deps) { d.Store = failingStore{} })
	code, body := f.do(t, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "degraded", body["status"])
}

func TestSessionLifecycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)

	code, body := f.do(t, http.MethodPost, "/api/sessions", "")
	require.Equal(t, http.StatusCreated, code)
	id, _ := body["session_id"].(string)
	require.True(t, strings.HasPrefix(id, "session_"))

	code, body = f.do(t, http.MethodGet, "/api/sessions/"+id, "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "initial", body["conversation_state"])
	assert.Equal(t, false, body["has_plan"])

	conv, err := f.reg.Lookup(context.Background(), id)
	require.NoError(t, err)
	conv.Memory().Append(context.Background(), domain.RoleUser, "I need a workflow", "user_input", nil)

	code, body = f.do(t, http.MethodGet, "/api/sessions/"+id+"/history", "")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["count"])

	code, _ = f.do(t, http.MethodGet, "/api/sessions/"+id+"/plan", "")
	assert.Equal(t, http.StatusNotFound, code)

	conv.Memory().SetPlan(context.Background(), &domain.ImplementationPlan{KeyRisks: []string{"data quality"}})
	code, body = f.do(t, http.MethodGet, "/api/sessions/"+id+"/plan", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, id, body["session_id"])

	code, _ = f.do(t, http.MethodDelete, "/api/sessions/"+id+"/memory", "")
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, conv.Memory().Messages())

	code, body = f.do(t, http.MethodGet, "/api/sessions", "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body["sessions"], id)
}

func TestUnknownAndInvalidSessions(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	code, _ := f.do(t, http.MethodGet, "/api/sessions/session_missing", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = f.do(t, http.MethodGet, "/api/sessions/bad%20id", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestPostMessageStatuses(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	base := "/api/sessions/session_chat/messages"

	f.submitter.set(&orchestrator.Reply{SessionID: "session_chat", Message: "Tell me more", State: domain.StateClarifying}, nil)
	code, body := f.do(t, http.MethodPost, base, `{"message":"I need approvals"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Tell me more", body["message"])
	assert.Equal(t, []string{"session_chat: I need approvals"}, f.submitter.calls())

	f.submitter.set(&orchestrator.Reply{SessionID: "session_chat", State: domain.StateProcessing, Job: &orchestrator.Job{ID: 9}}, nil)
	code, _ = f.do(t, http.MethodPost, base, `{"message":"yes"}`)
	assert.Equal(t, http.StatusAccepted, code)

	f.submitter.set(&orchestrator.Reply{SessionID: "session_chat", Message: "still working", State: domain.StateProcessing, Busy: true}, dispatch.ErrBusy)
	code, body = f.do(t, http.MethodPost, base, `{"message":"done yet?"}`)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "still working", body["message"])

	ae := apperror.New(apperror.KindRateLimit, "slow down", nil)
	f.submitter.set(&orchestrator.Reply{SessionID: "session_chat", Message: "issue", State: domain.StateInitial, Err: ae}, ae)
	code, body = f.do(t, http.MethodPost, base, `{"message":"hi"}`)
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, "Please wait a moment and try again", body["suggestion"])

	code, _ = f.do(t, http.MethodPost, base, `{"message":"   "}`)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = f.do(t, http.MethodPost, base, `{nope`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestPostMessageRateLimited(t *testing.T) {
	t.Parallel()

	lim := middleware.NewSessionLimiter(0.001, 1)
	f := newFixture(t, func(d *Deps) { d.ChatLimiter = middleware.RateLimit(lim) })
	f.submitter.set(&orchestrator.Reply{SessionID: "session_rl", State: domain.StateClarifying}, nil)

	code, _ := f.do(t, http.MethodPost, "/api/sessions/session_rl/messages", `{"message":"one"}`)
	require.Equal(t, http.StatusOK, code)
	code, _ = f.do(t, http.MethodPost, "/api/sessions/session_rl/messages", `{"message":"two"}`)
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Len(t, f.submitter.calls(), 1)
}

func TestCoordinatorRoutes(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	code, body := f.do(t, http.MethodGet, "/api/coordinator", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "rich", body["active_system"])
	assert.Equal(t, []any{"CRM not configured"}, body["configuration_problems"])

	code, _ = f.do(t, http.MethodPost, "/api/coordinator/switch", `{"target":"rich-plus"}`)
	assert.Equal(t, http.StatusConflict, code)
	code, body = f.do(t, http.MethodPost, "/api/coordinator/switch", `{"target":"basic"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "basic", body["active_system"])

	f.coord.recorder.Record(errors.New("rate limit exceeded"), nil)
	code, body = f.do(t, http.MethodGet, "/api/errors", "")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["total_errors"])

	code, _ = f.do(t, http.MethodDelete, "/api/errors", "")
	require.Equal(t, http.StatusOK, code)
	assert.Zero(t, f.coord.recorder.Stats().Total)
}

func TestCRMRoutes(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)

	code, body := f.do(t, http.MethodGet, "/api/crm/objects?custom_only=true", "")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["count"])

	code, body = f.do(t, http.MethodGet, "/api/crm/objects?q=acc", "")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["count"])

	code, body = f.do(t, http.MethodGet, "/api/crm/objects/Account", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Account", body["name"])

	code, _ = f.do(t, http.MethodGet, "/api/crm/objects/Nope__c", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, body = f.do(t, http.MethodPost, "/api/crm/query", `{"soql":"SELECT Id FROM Account","limit":5}`)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["total_size"])

	code, _ = f.do(t, http.MethodPost, "/api/crm/query", `{"soql":""}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.do(t, http.MethodGet, "/api/crm/limits", "")
	assert.Equal(t, http.StatusOK, code)
}

func TestCRMNotConfigured(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(d *Deps) { d.CRM = nil })
	code, body := f.do(t, http.MethodGet, "/api/crm/limits", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "CRM connector not configured", body["error"])
}
