package orchestrator

import (
	"fmt"

	"github.com/ashureev/reqplan/internal/apperror"
	"github.com/ashureev/reqplan/internal/domain"
	"github.com/ashureev/reqplan/internal/plan"
)

// Reply types.
const (
	TypePrompt                 = "prompt"
	TypeClarificationNeeded    = "clarification_needed"
	TypeNeedsMoreClarification = "needs_more_clarification"
	TypeReadyToProceed         = "ready_to_proceed"
	TypeAnalysisStarted        = "analysis_started"
	TypeStillProcessing        = "still_processing"
	TypePlanResults            = "plan_results"
	TypePlanDetails            = "plan_details"
	TypeTasksExplanation       = "tasks_explanation"
	TypePlanApproved           = "plan_approved"
	TypeModificationRequest    = "modification_request"
	TypeRefinementOptions      = "refinement_options"
	TypeRefinementImpact       = "refinement_impact"
	TypePlanKept               = "plan_kept"
	TypeReviewPrompt           = "review_prompt"
	TypeFollowUp               = "follow_up"
	TypeErrorRecovery          = "error_recovery"
	TypeAnalysisTimeout        = "analysis_timeout"
	TypeError                  = "error"
)

const (
	promptText = "I'm here to help you plan CRM solutions. Please share your business requirement " +
		"or ask me anything about the implementation."

	stillProcessingText = "Your requirement is still being analyzed. I'll share the plan as soon as it is ready."

	analysisStartedText = "Initiating solution design.\n\n" +
		"The schema expert, technical architect and task planner are now working on your requirement. " +
		"This may take a few minutes."

	reviewOptionsText = "Review options:\n" +
		"- \"Show details\" to see the technical specifications\n" +
		"- \"Explain tasks\" to review the timeline and tasks\n" +
		"- \"Approve plan\" to finalize the solution\n" +
		"- \"Modify <aspect>\" to request changes"

	refinementMenuText = "Implementation options:\n" +
		"1. \"Apply changes\" to update the current plan with these modifications\n" +
		"2. \"Re-analyze with changes\" to redesign the solution from the requirement\n" +
		"3. \"Show impact\" to see how the changes affect the existing plan\n" +
		"4. \"Keep original\" to return to the original plan without changes"

	missingPlanText = "No implementation plan is available for this session. " +
		"Please describe your requirement again so the analysis can be restarted."
)

func planResultsText(p *domain.ImplementationPlan) string {
	return fmt.Sprintf("Solution design complete.\n\n%s\n\n%s\n\nHow would you like to proceed?",
		plan.Summary(p), reviewOptionsText)
}

func detailsText(p *domain.ImplementationPlan) string {
	return fmt.Sprintf("Detailed technical specifications\n\n%s\n\n%s", plan.Details(p), reviewOptionsText)
}

func tasksText(p *domain.ImplementationPlan) string {
	return fmt.Sprintf("Implementation timeline and tasks\n\n%s\n\n%s", plan.Timeline(p), reviewOptionsText)
}

func approvedText(p *domain.ImplementationPlan) string {
	return fmt.Sprintf("Solution approved.\n\nYour implementation plan is finalized.\n\n%s\n\n"+
		"You can keep asking follow-up questions about any part of the plan.", plan.Summary(p))
}

func modificationText(request string) string {
	return fmt.Sprintf("Plan modification request\n\nI understand you'd like to modify: %q\n\n"+
		"Describe the change in more detail, or choose an option.\n\n%s", request, refinementMenuText)
}

func impactText(p *domain.ImplementationPlan, modification string) string {
	if modification == "" {
		modification = "none yet"
	}
	return fmt.Sprintf("Impact on the current plan\n\nRequested changes: %s\n\nCurrent plan: %s\n\n%s",
		modification, plan.Brief(p), refinementMenuText)
}

func keptText() string {
	return "Keeping the original plan without changes.\n\n" + reviewOptionsText
}

func reviewPromptText() string {
	return "I'm not sure what you'd like to do with the plan.\n\n" + reviewOptionsText
}

func failureText(ae *apperror.Error) string {
	return "I encountered an issue while processing your request: " + ae.UserMessage()
}

func recoveryText(ae *apperror.Error) string {
	return fmt.Sprintf("Processing error\n\nI encountered an issue while the specialist team was analyzing "+
		"your requirement.\n\n%s\n\nSay \"try again\" to restart the analysis, or refine your requirement first.",
		ae.UserMessage())
}

func timeoutText(timeout string) string {
	return fmt.Sprintf("The analysis timed out after %s. This usually happens with rate limits or very large "+
		"requirements.\n\nSuggestion: Try reducing the complexity of your requirement or wait a few minutes "+
		"before trying again.", timeout)
}
