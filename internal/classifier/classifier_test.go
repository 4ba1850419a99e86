package classifier

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReadiness(t *testing.T) {
	t.Parallel()

	k := NewKeyword()
	tests := []struct {
		name      string
		reply     string
		clarify   bool
		ready     bool
		validated bool
	}{
		{"no indicators", "Thanks, onboarding milestones are a common need.", false, false, false},
		{"clarify only", "Can you clarify which teams are involved?", true, false, false},
		{"ready only", "I have a clear understanding and am READY TO PROCEED.", false, true, true},
		{"both favor clarification", "We could move forward, but I need more information first.", true, true, false},
		{"case insensitive clarify", "I Need To Understand your approval chain.", true, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			v := k.Readiness(tt.reply)
			assert.Equal(t, tt.clarify, v.NeedsClarification)
			assert.Equal(t, tt.ready, v.Ready)
			assert.Equal(t, tt.validated, v.Validated())
		})
	}
}

func TestReviewIntentFirstMatchWins(t *testing.T) {
	t.Parallel()

	k := NewKeyword()
	tests := map[string]Intent{
		"Show details":                   IntentDetails,
		"explain tasks":                  IntentDetails,
		"what is the timeline?":          IntentTasks,
		"Approve plan":                   IntentApprove,
		"looks good to me":               IntentApprove,
		"modify the security model":      IntentModify,
		"use a different automation":     IntentModify,
		"hmm":                            IntentUnclear,
		"approve it, but change nothing": IntentApprove,
	}
	for input, want := range tests {
		assert.Equal(t, want, k.ReviewIntent(input), input)
	}
}

func TestRefinementChoice(t *testing.T) {
	t.Parallel()

	k := NewKeyword()
	tests := map[string]Choice{
		"Apply changes":                              ChoiceApply,
		"Re-analyze with changes":                    ChoiceReanalyze,
		"show impact":                                ChoiceImpact,
		"Keep original":                              ChoiceKeep,
		"2":                                          ChoiceReanalyze,
		"4.":                                         ChoiceKeep,
		"add a mobile approval step too":             ChoiceNone,
		"Apply changes please":                       ChoiceApply,
		"\"Keep the original plan.\"":                ChoiceKeep,
		"re-analyze now":                             ChoiceReanalyze,
		"Also apply a discount field on Opportunity": ChoiceNone,
		"what is the impact on reporting?":           ChoiceNone,
		"discard the approval step":                  ChoiceNone,
	}
	for input, want := range tests {
		assert.Equal(t, want, k.RefinementChoice(input), input)
	}
}

func TestIsComplexRequirement(t *testing.T) {
	t.Parallel()

	assert.False(t, IsComplexRequirement("Track customer onboarding milestones"))
	assert.False(t, IsComplexRequirement("Add a dashboard for sales"))
	assert.True(t, IsComplexRequirement("Build a workflow with integration to our ERP"))
	assert.True(t, IsComplexRequirement(strings.Repeat("x", 501)))
}

func TestRetryRequested(t *testing.T) {
	t.Parallel()

	k := NewKeyword()
	assert.True(t, k.RetryRequested("Try again please"))
	assert.True(t, k.RetryRequested("retry"))
	assert.False(t, k.RetryRequested("The approvers are regional managers"))
}
