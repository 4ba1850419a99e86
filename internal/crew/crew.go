// Package crew runs the multi-step analysis behind the rich backend:
// schema analysis, then technical design, then the implementation plan.
// Each step receives the previous step's output as its context.
package crew

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/ashureev/reqplan/internal/analysis"
	"github.com/ashureev/reqplan/internal/apperror"
	"github.com/ashureev/reqplan/internal/classifier"
	"github.com/ashureev/reqplan/internal/crm"
	"golang.org/x/sync/errgroup"
)

// SchemaSource describes CRM objects.
type SchemaSource interface {
	DescribeObject(ctx context.Context, name string) (*crm.Schema, error)
}

// ProgressFunc receives step transitions: agent is the specialist role and
// status is "active" or "completed".
type ProgressFunc func(agent, status, activity string)

// Step is one stage of the pipeline.
type Step struct {
	Specialist string
	Activity   string
	Task       string
}

// Steps is the fixed sequence run by a Crew.
var Steps = []Step{
	{
		Specialist: analysis.SpecialistSchema,
		Activity:   "Analyzing data model requirements",
		Task: "Analyze the business requirement below and design the data model: objects, fields, " +
			"relationships and record types. Prefer standard objects where they fit. Respond with JSON.",
	},
	{
		Specialist: analysis.SpecialistArchitect,
		Activity:   "Designing the technical architecture",
		Task: "Using the schema analysis, design the technical solution: automation, security model, " +
			"user interface and integrations. Respond with JSON.",
	},
	{
		Specialist: analysis.SpecialistSequencer,
		Activity:   "Creating the implementation plan",
		Task: "Using the technical design, produce an implementation plan as JSON with keys " +
			"project_summary{total_effort,team_size,duration}, tasks[{id,title,description,effort,role,dependencies}], " +
			"key_risks, success_criteria and implementation_order.",
	},
}

const describeConcurrency = 4

// Config wires a Crew.
type Config struct {
	// Capabilities maps specialist keys to bound capabilities. Missing keys
	// fall back to Default.
	Capabilities map[string]analysis.Capability
	Default      analysis.Capability
	Specialists  analysis.Specialists
	Schema       SchemaSource
	Recorder     *apperror.Recorder
	Logger       *slog.Logger
}

// Crew is the sequential three-specialist pipeline.
type Crew struct {
	caps     map[string]analysis.Capability
	roles    analysis.Specialists
	schema   SchemaSource
	recorder *apperror.Recorder
	logger   *slog.Logger
}

// Result holds every step's output; Plan is the last one.
type Result struct {
	Outputs  map[string]string
	Plan     string
	Enriched []string
}

// New builds a Crew. It fails when no capability is available for a step.
func New(cfg Config) (*Crew, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Specialists == nil {
		cfg.Specialists = analysis.DefaultSpecialists()
	}
	caps := make(map[string]analysis.Capability, len(Steps))
	for _, st := range Steps {
		c := cfg.Capabilities[st.Specialist]
		if c == nil {
			c = cfg.Default
		}
		if c == nil {
			return nil, apperror.New(apperror.KindConfiguration,
				fmt.Sprintf("no capability configured for %s", st.Specialist), nil)
		}
		caps[st.Specialist] = c
	}
	return &Crew{
		caps:     caps,
		roles:    cfg.Specialists,
		schema:   cfg.Schema,
		recorder: cfg.Recorder,
		logger:   cfg.Logger,
	}, nil
}

// Run executes the pipeline for requirement. extra is prepended to the
// first step's context.
func (c *Crew) Run(ctx context.Context, requirement, extra string, progress ProgressFunc) (*Result, error) {
	if progress == nil {
		progress = func(string, string, string) {}
	}
	res := &Result{Outputs: make(map[string]string, len(Steps))}

	schemaCtx, enriched := c.enrich(ctx, requirement)
	res.Enriched = enriched

	var previous string
	for i, st := range Steps {
		role := c.roles.Get(st.Specialist).Role
		progress(role, "active", st.Activity)

		task := st.Task + "\n\nRequirement:\n" + requirement
		var taskCtx string
		if i == 0 {
			taskCtx = joinNonEmpty(extra, schemaCtx)
		} else {
			taskCtx = "Previous task result:\n" + previous
		}

		out, err := c.caps[st.Specialist].Execute(ctx, task, taskCtx)
		if err != nil {
			return nil, stepError(role, err)
		}
		progress(role, "completed", st.Activity)
		c.logger.Info("Crew step completed", "specialist", st.Specialist, "output_len", len(out))

		res.Outputs[st.Specialist] = out
		previous = out
	}
	res.Plan = previous
	return res, nil
}

func stepError(role string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", role, err)
	}
	ae := apperror.Classify(err)
	if ae.Kind == apperror.KindRateLimit {
		return apperror.New(apperror.KindRateLimit,
			"analysis rate limit exceeded; wait a few minutes and try again with a simpler requirement", err)
	}
	return fmt.Errorf("%s: %w", role, err)
}

// enrich describes the CRM objects mentioned in requirement. Complex
// requirements get every mentioned object, others only the first.
// Describe failures are recorded and skipped.
func (c *Crew) enrich(ctx context.Context, requirement string) (string, []string) {
	if c.schema == nil {
		return "", nil
	}
	names := ObjectNames(requirement)
	if len(names) == 0 {
		return "", nil
	}
	if !classifier.IsComplexRequirement(requirement) {
		names = names[:1]
	}

	var (
		mu      sync.Mutex
		schemas = make(map[string]*crm.Schema, len(names))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(describeConcurrency)
	for _, name := range names {
		g.Go(func() error {
			s, err := c.schema.DescribeObject(gctx, name)
			if err != nil {
				c.logger.Warn("Schema enrichment failed", "object", name, "error", err)
				if c.recorder != nil {
					c.recorder.Record(err, map[string]any{"operation": "describe", "object": name})
				}
				return nil
			}
			mu.Lock()
			schemas[name] = s
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	var b strings.Builder
	var enriched []string
	for _, name := range names {
		s, ok := schemas[name]
		if !ok {
			continue
		}
		enriched = append(enriched, name)
		b.WriteString(describeSummary(s))
		b.WriteString("\n")
	}
	if b.Len() == 0 {
		return "", nil
	}
	return "Existing CRM schema:\n" + b.String(), enriched
}

func describeSummary(s *crm.Schema) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s): %d fields", s.Name, s.Label, len(s.Fields))
	if len(s.Relationships) > 0 {
		rel := make([]string, 0, len(s.Relationships))
		for _, r := range s.Relationships {
			rel = append(rel, r.FieldName+" -> "+r.RelatedObject)
		}
		fmt.Fprintf(&b, "; relationships: %s", strings.Join(rel, ", "))
	}
	if names := s.SortedFieldNames(); len(names) > 0 {
		fmt.Fprintf(&b, "; fields: %s", strings.Join(names, ", "))
	}
	return b.String()
}

type standardObject struct {
	name string
	re   *regexp.Regexp
}

var (
	customObjectRE  = regexp.MustCompile(`\b[A-Za-z][A-Za-z0-9_]*__c\b`)
	standardObjects = compileStandard("Account", "Contact", "Opportunity", "Case", "Lead", "User")
)

func compileStandard(names ...string) []standardObject {
	out := make([]standardObject, 0, len(names))
	for _, n := range names {
		out = append(out, standardObject{name: n, re: regexp.MustCompile(`(?i)\b` + n + `s?\b`)})
	}
	return out
}

// ObjectNames returns CRM object names mentioned in text: custom objects
// by their __c suffix, then standard objects, without duplicates.
func ObjectNames(text string) []string {
	seen := map[string]bool{}
	var out []string
	for _, m := range customObjectRE.FindAllString(text, -1) {
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	for _, so := range standardObjects {
		if so.re.MatchString(text) && !seen[so.name] {
			seen[so.name] = true
			out = append(out, so.name)
		}
	}
	return out
}

func joinNonEmpty(parts ...string) string {
	var out []string
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "\n\n")
}
