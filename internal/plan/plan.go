// Package plan turns capability output into an ImplementationPlan and
// renders plans for review.
package plan

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ashureev/reqplan/internal/domain"
)

const tbd = "TBD"

// Placeholder wraps raw output in the minimal plan shape.
func Placeholder(raw string) *domain.ImplementationPlan {
	return &domain.ImplementationPlan{
		ProjectSummary:      domain.ProjectSummary{TotalEffort: tbd, TeamSize: tbd, Duration: tbd},
		Tasks:               []domain.PlanTask{},
		KeyRisks:            []string{},
		SuccessCriteria:     []string{},
		ImplementationOrder: []string{},
		RawOutput:           raw,
	}
}

// Parse reads output as a plan. It tries the whole text first, then the
// span from the first '{' to the last '}' to tolerate fenced or prose
// wrapped JSON. Output that cannot be read yields a placeholder, so the
// result is never nil and never missing fields.
func Parse(output string) *domain.ImplementationPlan {
	trimmed := strings.TrimSpace(output)
	if m, ok := decodeObject(trimmed); ok {
		return fromMap(m)
	}
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start >= 0 && end > start {
		if m, ok := decodeObject(trimmed[start : end+1]); ok {
			return fromMap(m)
		}
	}
	return Placeholder(output)
}

func decodeObject(s string) (map[string]any, bool) {
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil || m == nil {
		return nil, false
	}
	return m, true
}

func fromMap(m map[string]any) *domain.ImplementationPlan {
	p := Placeholder("")

	if sum, ok := m["project_summary"].(map[string]any); ok {
		p.ProjectSummary = domain.ProjectSummary{
			Overview:    str(sum["overview"], ""),
			TotalEffort: str(sum["total_effort"], tbd),
			TeamSize:    str(sum["team_size"], tbd),
			Duration:    str(sum["duration"], tbd),
		}
	}

	tasks, _ := m["tasks"].([]any)
	if tasks == nil {
		tasks, _ = m["implementation_tasks"].([]any)
	}
	for i, raw := range tasks {
		t, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		p.Tasks = append(p.Tasks, domain.PlanTask{
			ID:           str(t["id"], fmt.Sprintf("T%d", i+1)),
			Title:        str(t["title"], str(t["name"], "Untitled Task")),
			Description:  str(t["description"], ""),
			Effort:       str(t["effort"], str(t["estimated_effort"], "")),
			Role:         str(t["role"], ""),
			Dependencies: strs(t["dependencies"]),
		})
	}

	p.KeyRisks = strs(m["key_risks"])
	p.SuccessCriteria = strs(m["success_criteria"])
	p.ImplementationOrder = strs(m["implementation_order"])
	return p
}

// str renders scalar JSON values as text, falling back to def.
func str(v any, def string) string {
	switch x := v.(type) {
	case string:
		if strings.TrimSpace(x) == "" {
			return def
		}
		return x
	case float64:
		if x == float64(int64(x)) {
			return fmt.Sprintf("%d", int64(x))
		}
		return fmt.Sprintf("%g", x)
	case bool:
		return fmt.Sprintf("%t", x)
	default:
		return def
	}
}

// strs accepts a list of scalars, a list of objects with a description,
// or a single comma separated string.
func strs(v any) []string {
	out := []string{}
	switch x := v.(type) {
	case []any:
		for _, item := range x {
			if obj, ok := item.(map[string]any); ok {
				item = obj["description"]
				if item == nil {
					item = obj["risk"]
				}
			}
			if s := str(item, ""); s != "" {
				out = append(out, s)
			}
		}
	case string:
		for _, part := range strings.Split(x, ",") {
			if s := strings.TrimSpace(part); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
