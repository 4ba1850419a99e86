package orchestrator

import (
	"context"

	"github.com/ashureev/reqplan/internal/analysis"
	"github.com/ashureev/reqplan/internal/crew"
)

// Request is the input of one analysis run.
type Request struct {
	SessionID   string
	Requirement string
	// Extra is additional context, such as the plan being revised.
	Extra    string
	Progress func(agent, status, activity string)
}

// Analyzer produces plan text for a requirement.
type Analyzer interface {
	Analyze(ctx context.Context, req Request) (string, error)
}

// CrewAnalyzer runs the multi-step specialist pipeline.
type CrewAnalyzer struct {
	Crew *crew.Crew
}

// Analyze runs the pipeline and returns the final step's output.
func (a CrewAnalyzer) Analyze(ctx context.Context, req Request) (string, error) {
	res, err := a.Crew.Run(ctx, req.Requirement, req.Extra, req.Progress)
	if err != nil {
		return "", err
	}
	return res.Plan, nil
}

// SingleAnalyzer asks one capability for the whole plan.
type SingleAnalyzer struct {
	Capability analysis.Capability
	Role       string
}

const singlePlanTask = "Design a CRM solution for the requirement below and produce an implementation plan " +
	"as JSON with keys project_summary{total_effort,team_size,duration}, " +
	"tasks[{id,title,description,effort,role,dependencies}], key_risks, success_criteria and " +
	"implementation_order.\n\nRequirement:\n"

// Analyze makes a single capability call.
func (a SingleAnalyzer) Analyze(ctx context.Context, req Request) (string, error) {
	role := a.Role
	if role == "" {
		role = "Solution Planner"
	}
	if req.Progress != nil {
		req.Progress(role, "active", "Creating the implementation plan")
	}
	out, err := a.Capability.Execute(ctx, singlePlanTask+req.Requirement, req.Extra)
	if err != nil {
		return "", err
	}
	if req.Progress != nil {
		req.Progress(role, "completed", "Creating the implementation plan")
	}
	return out, nil
}

var (
	_ Analyzer = CrewAnalyzer{}
	_ Analyzer = SingleAnalyzer{}
)
