package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ashureev/reqplan/internal/domain"
	"github.com/moby/sys/atomicwriter"
)

// ErrInvalidSessionID is returned for ids that cannot name a file.
var ErrInvalidSessionID = errors.New("invalid session id")

// FileStore keeps one JSON document per session on disk:
// {historyDir}/{id}.json, {historyDir}/sessions/{id}.json,
// {plansDir}/{id}_plan.json and {plansDir}/{id}_approved.json.
type FileStore struct {
	historyDir  string
	sessionsDir string
	plansDir    string
}

var _ Repository = (*FileStore)(nil)

type fileSession struct {
	ID                   string                   `json:"id"`
	State                domain.ConversationState `json:"state"`
	CurrentRequirement   string                   `json:"current_requirement"`
	ClarifiedRequirement string                   `json:"clarified_requirement"`
	PlanApproved         bool                     `json:"plan_approved"`
	CreatedAt            time.Time                `json:"created_at"`
	UpdatedAt            time.Time                `json:"updated_at"`
}

// NewFileStore creates the storage directories and returns a FileStore.
func NewFileStore(historyDir, plansDir string) (*FileStore, error) {
	sessionsDir := filepath.Join(historyDir, "sessions")
	for _, dir := range []string{historyDir, sessionsDir, plansDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage directory %s: %w", dir, err)
		}
	}
	return &FileStore{historyDir: historyDir, sessionsDir: sessionsDir, plansDir: plansDir}, nil
}

// Ping verifies the storage directories are reachable.
func (f *FileStore) Ping(_ context.Context) error {
	for _, dir := range []string{f.historyDir, f.sessionsDir, f.plansDir} {
		if _, err := os.Stat(dir); err != nil {
			return fmt.Errorf("storage directory %s: %w", dir, err)
		}
	}
	return nil
}

// Close is a no-op.
func (f *FileStore) Close() error { return nil }

// GetSession retrieves a session by id.
func (f *FileStore) GetSession(_ context.Context, id string) (*domain.Session, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	var rec fileSession
	ok, err := readJSON(filepath.Join(f.sessionsDir, id+".json"), &rec)
	if err != nil || !ok {
		return nil, err
	}
	if !rec.State.Valid() {
		rec.State = domain.StateClarifying
	}
	return &domain.Session{
		ID:                   rec.ID,
		CreatedAt:            rec.CreatedAt,
		UpdatedAt:            rec.UpdatedAt,
		State:                rec.State,
		CurrentRequirement:   rec.CurrentRequirement,
		ClarifiedRequirement: rec.ClarifiedRequirement,
		PlanApproved:         rec.PlanApproved,
	}, nil
}

// UpsertSession rewrites the session document.
func (f *FileStore) UpsertSession(_ context.Context, sess *domain.Session) error {
	if err := checkID(sess.ID); err != nil {
		return err
	}
	return writeJSON(filepath.Join(f.sessionsDir, sess.ID+".json"), fileSession{
		ID:                   sess.ID,
		State:                sess.State,
		CurrentRequirement:   sess.CurrentRequirement,
		ClarifiedRequirement: sess.ClarifiedRequirement,
		PlanApproved:         sess.PlanApproved,
		CreatedAt:            sess.CreatedAt,
		UpdatedAt:            sess.UpdatedAt,
	})
}

func (f *FileStore) historyPath(id string) (string, error) {
	if err := checkID(id); err != nil {
		return "", err
	}
	return filepath.Join(f.historyDir, id+".json"), nil
}

func (f *FileStore) planPath(id, suffix string) (string, error) {
	if err := checkID(id); err != nil {
		return "", err
	}
	return filepath.Join(f.plansDir, id+suffix+".json"), nil
}

func checkID(id string) error {
	if id == "" || id == "." || id == ".." || filepath.Base(id) != id || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidSessionID, id)
	}
	return nil
}

// LoadConversation returns the stored log for a session.
func (f *FileStore) LoadConversation(_ context.Context, sessionID string) (*domain.ConversationRecord, error) {
	path, err := f.historyPath(sessionID)
	if err != nil {
		return nil, err
	}
	var rec domain.ConversationRecord
	ok, err := readJSON(path, &rec)
	if err != nil || !ok {
		return nil, err
	}
	return &rec, nil
}

// SaveConversation rewrites the stored log for a session atomically.
func (f *FileStore) SaveConversation(_ context.Context, rec *domain.ConversationRecord) error {
	path, err := f.historyPath(rec.SessionID)
	if err != nil {
		return err
	}
	return writeJSON(path, rec)
}

// ListConversations returns the ids of all stored logs, newest id first.
func (f *FileStore) ListConversations(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(f.historyDir)
	if err != nil {
		return nil, fmt.Errorf("read history directory: %w", err)
	}

	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))
	return ids, nil
}

// LoadPlan returns the current plan record for a session.
func (f *FileStore) LoadPlan(_ context.Context, sessionID string) (*domain.PlanRecord, error) {
	path, err := f.planPath(sessionID, "_plan")
	if err != nil {
		return nil, err
	}
	var rec domain.PlanRecord
	ok, err := readJSON(path, &rec)
	if err != nil || !ok {
		return nil, err
	}
	return &rec, nil
}

// SavePlan rewrites the current plan record for a session.
func (f *FileStore) SavePlan(_ context.Context, rec *domain.PlanRecord) error {
	path, err := f.planPath(rec.SessionID, "_plan")
	if err != nil {
		return err
	}
	return writeJSON(path, rec)
}

// SaveApprovedPlan writes the approved plan record, replacing an earlier approval.
func (f *FileStore) SaveApprovedPlan(_ context.Context, rec *domain.ApprovedPlanRecord) error {
	path, err := f.planPath(rec.SessionID, "_approved")
	if err != nil {
		return err
	}
	return writeJSON(path, rec)
}

func readJSON(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", path, err)
	}
	return true, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	if err := atomicwriter.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
