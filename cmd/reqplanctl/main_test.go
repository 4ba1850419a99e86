package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/reqplan/internal/analysis"
	"github.com/ashureev/reqplan/internal/domain"
	"github.com/ashureev/reqplan/internal/memory"
	"github.com/ashureev/reqplan/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fileEnv points the configuration at a fresh file store and clears the
// optional integrations.
func fileEnv(t *testing.T) *store.FileStore {
	t.Helper()
	dir := t.TempDir()
	history := filepath.Join(dir, "history")
	plans := filepath.Join(dir, "plans")
	t.Setenv("STORAGE_BACKEND", "file")
	t.Setenv("CONVERSATION_HISTORY_DIR", history)
	t.Setenv("PLANS_DIR", plans)
	t.Setenv("TRANSCRIPT_DIR", filepath.Join(dir, "transcripts"))
	for _, key := range []string{
		"CRM_CLIENT_ID", "CRM_CLIENT_SECRET", "CRM_INSTANCE_URL", "CRM_USERNAME", "CRM_PASSWORD",
		"OPENAI_API_KEY", "CAPABILITY_GRPC_ADDR",
	} {
		t.Setenv(key, "")
	}

	fs, err := store.NewFileStore(history, plans)
	require.NoError(t, err)
	return fs
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(append(args, "--env-file="))
	err := rootCmd.Execute()
	return out.String(), err
}

func seed(t *testing.T, fs *store.FileStore, id string, contents ...string) {
	t.Helper()
	ctx := context.Background()
	mem, err := memory.Open(ctx, id, fs, nil)
	require.NoError(t, err)
	for _, c := range contents {
		mem.Append(ctx, domain.RoleUser, c, "text", nil)
	}
}

func TestSessionsCommandListsStoredConversations(t *testing.T) {
	fs := fileEnv(t)
	seed(t, fs, "session_a", "Track project milestones")
	seed(t, fs, "session_b", "hello", "world")

	out, err := execute(t, "sessions", "--json=true")
	require.NoError(t, err)

	var got struct {
		Sessions []memory.Status `json:"sessions"`
		Count    int             `json:"count"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, 2, got.Count)
	counts := map[string]int{}
	for _, s := range got.Sessions {
		counts[s.SessionID] = s.MessageCount
	}
	assert.Equal(t, map[string]int{"session_a": 1, "session_b": 2}, counts)
}

func TestSessionsCommandTable(t *testing.T) {
	fileEnv(t)

	out, err := execute(t, "sessions", "--json=false")
	require.NoError(t, err)
	assert.Contains(t, out, "No sessions found.")
}

func TestHistoryCommandHonorsLimit(t *testing.T) {
	fs := fileEnv(t)
	seed(t, fs, "session_h", "first", "second", "third")

	out, err := execute(t, "history", "session_h", "--limit=2", "--json=false")
	require.NoError(t, err)
	assert.NotContains(t, out, "first")
	assert.Contains(t, out, "second")
	assert.Contains(t, out, "third")
	assert.Contains(t, out, "USER (text)")
}

func TestHistoryCommandRejectsInvalidID(t *testing.T) {
	fileEnv(t)

	_, err := execute(t, "history", "../escape", "--limit=0")
	require.Error(t, err)
}

func TestPlanCommandWithoutPlan(t *testing.T) {
	fs := fileEnv(t)
	seed(t, fs, "session_p", "hi")

	_, err := execute(t, "plan", "session_p")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no implementation plan")
}

func TestPlanCommandPrintsRecord(t *testing.T) {
	fs := fileEnv(t)
	ctx := context.Background()
	mem, err := memory.Open(ctx, "session_q", fs, nil)
	require.NoError(t, err)
	mem.SetPlan(ctx, &domain.ImplementationPlan{})

	out, err := execute(t, "plan", "session_q")
	require.NoError(t, err)
	assert.Contains(t, out, `"session_id": "session_q"`)
}

func TestCheckCommandReportsProblems(t *testing.T) {
	fileEnv(t)

	out, err := execute(t, "check", "--json=true")
	require.NoError(t, err)

	var report map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, false, report["crm_configured"])
	assert.Equal(t, false, report["capability_configured"])
	assert.Len(t, report["configuration_problems"], 2)
}

func TestCRMCommandsRequireConfiguration(t *testing.T) {
	fileEnv(t)

	_, err := execute(t, "describe", "Account")
	require.ErrorIs(t, err, errCRMNotConfigured)
}

func TestServeCapability(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	echo := analysis.Func(func(_ context.Context, task, taskContext string) (string, error) {
		return task + "|" + taskContext, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serveCapability(ctx, lis, echo, nil) }()

	client, err := analysis.NewGRPCCapability(analysis.GRPCConfig{Address: lis.Addr().String()}, nil)
	require.NoError(t, err)
	defer client.Close()

	callCtx, callCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer callCancel()
	require.NoError(t, client.Health(callCtx))
	out, err := client.Execute(callCtx, "plan", "ctx")
	require.NoError(t, err)
	assert.Equal(t, "plan|ctx", out)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("capability service did not stop")
	}
}
