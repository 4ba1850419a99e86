package domain

import "time"

// ProjectSummary is the headline of an implementation plan.
type ProjectSummary struct {
	Overview    string `json:"overview,omitempty"`
	TotalEffort string `json:"total_effort"`
	TeamSize    string `json:"team_size"`
	Duration    string `json:"duration"`
}

// PlanTask is one unit of work in a plan.
type PlanTask struct {
	ID           string   `json:"id,omitempty"`
	Title        string   `json:"title"`
	Description  string   `json:"description,omitempty"`
	Effort       string   `json:"effort,omitempty"`
	Role         string   `json:"role,omitempty"`
	Dependencies []string `json:"dependencies"`
}

// ImplementationPlan is the structured result of an analysis run.
// RawOutput is set when the capability output could not be parsed.
type ImplementationPlan struct {
	ProjectSummary      ProjectSummary `json:"project_summary"`
	Tasks               []PlanTask     `json:"tasks"`
	KeyRisks            []string       `json:"key_risks"`
	SuccessCriteria     []string       `json:"success_criteria"`
	ImplementationOrder []string       `json:"implementation_order"`
	RawOutput           string         `json:"raw_output,omitempty"`
}

// IsPlaceholder reports whether the plan only wraps unparsed output.
func (p *ImplementationPlan) IsPlaceholder() bool {
	return p != nil && p.RawOutput != "" && len(p.Tasks) == 0
}

// PlanRecord is the durable form of a session's current plan.
type PlanRecord struct {
	SessionID         string              `json:"session_id"`
	CreatedAt         time.Time           `json:"created_at"`
	Plan              *ImplementationPlan `json:"plan"`
	RequirementsCount int                 `json:"requirements_count"`
}

// ApprovedPlanRecord is written once a user approves a plan.
type ApprovedPlanRecord struct {
	SessionID          string              `json:"session_id"`
	Requirement        string              `json:"requirement"`
	ImplementationPlan *ImplementationPlan `json:"implementation_plan"`
	ApprovedAt         time.Time           `json:"approved_at"`
	ConversationState  ConversationState   `json:"conversation_state"`
}
