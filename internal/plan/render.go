package plan

import (
	"fmt"
	"strings"

	"github.com/ashureev/reqplan/internal/domain"
)

const detailTaskLimit = 5

// Summary renders the headline numbers of p.
func Summary(p *domain.ImplementationPlan) string {
	if p == nil {
		return "No implementation data available."
	}
	var parts []string

	s := p.ProjectSummary
	parts = append(parts, fmt.Sprintf("Project overview:\n- Timeline: %s\n- Effort: %s\n- Team size: %s",
		orTBD(s.Duration), orTBD(s.TotalEffort), orTBD(s.TeamSize)))

	if len(p.Tasks) > 0 {
		admin, dev := 0, 0
		for _, t := range p.Tasks {
			switch strings.ToLower(t.Role) {
			case "admin":
				admin++
			case "developer":
				dev++
			}
		}
		parts = append(parts, fmt.Sprintf("Implementation tasks: %d (admin %d, developer %d)", len(p.Tasks), admin, dev))
	}
	if len(p.KeyRisks) > 0 || len(p.SuccessCriteria) > 0 {
		parts = append(parts, fmt.Sprintf("Risks identified: %d, success criteria: %d", len(p.KeyRisks), len(p.SuccessCriteria)))
	}
	if p.IsPlaceholder() {
		parts = append(parts, "The analysis output could not be structured; the raw output is attached to the plan.")
	}
	return strings.Join(parts, "\n\n")
}

// Details renders the first tasks, the implementation order, risks and
// success criteria.
func Details(p *domain.ImplementationPlan) string {
	if p == nil {
		return "No detailed plan data available."
	}
	var b strings.Builder

	if len(p.Tasks) > 0 {
		b.WriteString("Implementation tasks:\n")
		for i, t := range p.Tasks {
			if i == detailTaskLimit {
				fmt.Fprintf(&b, "... and %d more tasks\n", len(p.Tasks)-detailTaskLimit)
				break
			}
			fmt.Fprintf(&b, "%d. %s\n   Description: %s\n   Effort: %s\n   Role: %s\n   Dependencies: %s\n",
				i+1, t.Title, orDefault(t.Description, "No description"), orTBD(t.Effort), orTBD(t.Role), deps(t.Dependencies))
		}
	}
	if len(p.ImplementationOrder) > 0 {
		fmt.Fprintf(&b, "\nImplementation sequence:\n%s\n", strings.Join(p.ImplementationOrder, " -> "))
	}
	writeList(&b, "Key risks", p.KeyRisks)
	writeList(&b, "Success criteria", p.SuccessCriteria)

	if b.Len() == 0 {
		if p.RawOutput != "" {
			return p.RawOutput
		}
		return "No detailed information available."
	}
	return strings.TrimRight(b.String(), "\n")
}

// Timeline groups tasks into independent and dependent phases.
func Timeline(p *domain.ImplementationPlan) string {
	if p == nil || len(p.Tasks) == 0 {
		return "No timeline data available."
	}
	var b strings.Builder
	var independent, dependent []domain.PlanTask
	for _, t := range p.Tasks {
		if len(t.Dependencies) == 0 {
			independent = append(independent, t)
		} else {
			dependent = append(dependent, t)
		}
	}

	if len(independent) > 0 {
		b.WriteString("Phase 1, foundation (parallel):\n")
		for _, t := range independent {
			fmt.Fprintf(&b, "- %s (%s)\n", t.Title, orTBD(t.Effort))
		}
	}
	if len(dependent) > 0 {
		b.WriteString("\nPhase 2+, dependent components:\n")
		for _, t := range dependent {
			fmt.Fprintf(&b, "- %s (depends on: %s) %s\n", t.Title, deps(t.Dependencies), orTBD(t.Effort))
		}
	}
	fmt.Fprintf(&b, "\nTotal effort: %s\nExpected duration: %s\nTotal tasks: %d",
		orTBD(p.ProjectSummary.TotalEffort), orTBD(p.ProjectSummary.Duration), len(p.Tasks))
	return b.String()
}

// Brief is a one-paragraph plan description used as capability context.
func Brief(p *domain.ImplementationPlan) string {
	if p == nil {
		return "No implementation plan available."
	}
	titles := make([]string, 0, len(p.Tasks))
	for _, t := range p.Tasks {
		titles = append(titles, t.Title)
	}
	out := fmt.Sprintf("Effort: %s. Duration: %s. Team size: %s. Tasks (%d): %s.",
		orTBD(p.ProjectSummary.TotalEffort), orTBD(p.ProjectSummary.Duration), orTBD(p.ProjectSummary.TeamSize),
		len(p.Tasks), strings.Join(titles, "; "))
	if len(p.KeyRisks) > 0 {
		out += " Risks: " + strings.Join(p.KeyRisks, "; ") + "."
	}
	if p.IsPlaceholder() {
		out += "\n" + p.RawOutput
	}
	return out
}

func writeList(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "\n%s:\n", title)
	for _, it := range items {
		fmt.Fprintf(b, "- %s\n", it)
	}
}

func deps(d []string) string {
	if len(d) == 0 {
		return "None"
	}
	return strings.Join(d, ", ")
}

func orTBD(s string) string { return orDefault(s, tbd) }

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
