package crew

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/ashureev/reqplan/internal/analysis"
	"github.com/ashureev/reqplan/internal/apperror"
	"github.com/ashureev/reqplan/internal/crm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type call struct {
	task, context string
}

type recordingCapability struct {
	mu    sync.Mutex
	name  string
	calls []call
	err   error
}

func (r *recordingCapability) Execute(_ context.Context, task, taskContext string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{task, taskContext})
	if r.err != nil {
		return "", r.err
	}
	return r.name + " output", nil
}

type fakeSchema struct {
	mu        sync.Mutex
	described []string
	fail      map[string]bool
}

func (f *fakeSchema) DescribeObject(_ context.Context, name string) (*crm.Schema, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.described = append(f.described, name)
	if f.fail[name] {
		return nil, errors.New("network connection reset")
	}
	return &crm.Schema{
		ObjectInfo:    crm.ObjectInfo{Name: name, Label: name},
		Fields:        []crm.Field{{Name: "AccountId"}, {Name: "Name"}},
		Relationships: []crm.Relationship{{FieldName: "AccountId", RelatedObject: "Account"}},
	}, nil
}

func newCrew(t *testing.T, schema SchemaSource, rec *apperror.Recorder) (*Crew, map[string]*recordingCapability) {
	t.Helper()
	caps := map[string]*recordingCapability{}
	bound := map[string]analysis.Capability{}
	for _, st := range Steps {
		c := &recordingCapability{name: st.Specialist}
		caps[st.Specialist] = c
		bound[st.Specialist] = c
	}
	c, err := New(Config{Capabilities: bound, Schema: schema, Recorder: rec, Logger: quiet})
	require.NoError(t, err)
	return c, caps
}

func TestRunChainsPreviousResults(t *testing.T) {
	t.Parallel()

	schema := &fakeSchema{}
	c, caps := newCrew(t, schema, nil)

	var events []string
	res, err := c.Run(context.Background(), "Track onboarding milestones for each Contact", "", func(agent, status, _ string) {
		events = append(events, agent+":"+status)
	})
	require.NoError(t, err)

	assert.Equal(t, "dependency_resolver output", res.Plan)
	assert.Equal(t, []string{"Contact"}, res.Enriched)
	assert.Equal(t, []string{"Contact"}, schema.described)

	first := caps[analysis.SpecialistSchema].calls[0]
	assert.Contains(t, first.task, "Track onboarding milestones")
	assert.Contains(t, first.context, "Contact (Contact): 2 fields")
	assert.Contains(t, first.context, "AccountId -> Account")

	second := caps[analysis.SpecialistArchitect].calls[0]
	assert.Equal(t, "Previous task result:\nschema_expert output", second.context)
	third := caps[analysis.SpecialistSequencer].calls[0]
	assert.Equal(t, "Previous task result:\ntechnical_architect output", third.context)

	require.Len(t, events, 6)
	assert.True(t, strings.HasSuffix(events[0], ":active"))
	assert.True(t, strings.HasSuffix(events[5], ":completed"))
}

func TestRunEnrichesEveryObjectForComplexRequirements(t *testing.T) {
	t.Parallel()

	schema := &fakeSchema{fail: map[string]bool{"Case": true}}
	rec := apperror.NewRecorder(10, quiet)
	c, _ := newCrew(t, schema, rec)

	req := "Integration with our ERP and an approval workflow for Milestone__c records linked to Account and Case"
	res, err := c.Run(context.Background(), req, "", nil)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"Milestone__c", "Account", "Case"}, schema.described)
	assert.Equal(t, []string{"Milestone__c", "Account"}, res.Enriched)
	assert.Equal(t, 1, rec.Stats().ByKind[apperror.KindNetwork])
}

func TestRunMapsRateLimitFailures(t *testing.T) {
	t.Parallel()

	c, caps := newCrew(t, nil, nil)
	caps[analysis.SpecialistArchitect].err = errors.New("429 tokens per min exceeded: rate limit")

	_, err := c.Run(context.Background(), "Track onboarding", "", nil)
	require.Error(t, err)
	assert.Equal(t, apperror.KindRateLimit, apperror.Classify(err).Kind)
	assert.Empty(t, caps[analysis.SpecialistSequencer].calls)
}

func TestNewRequiresCapabilities(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Logger: quiet})
	assert.Equal(t, apperror.KindConfiguration, apperror.Classify(err).Kind)
}

func TestObjectNames(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"Project__c", "Account", "Opportunity"},
		ObjectNames("Link Project__c to accounts and an opportunity; Project__c rolls up"))
	assert.Empty(t, ObjectNames("Track customer onboarding milestones"))
}
