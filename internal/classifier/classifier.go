// Package classifier maps free text onto discrete orchestration signals.
//
// The default implementation is keyword based: case-insensitive substring
// matches over fixed indicator sets. The state machine only depends on the
// Classifier interface.
package classifier

import "strings"

// Verdict is the readiness reading of one capability reply.
type Verdict struct {
	NeedsClarification bool
	Ready              bool
}

// Validated reports whether the requirement may move past clarification.
// A reply carrying both signals, or neither, is not validated.
func (v Verdict) Validated() bool {
	return v.Ready && !v.NeedsClarification
}

// Intent is what a user wants to do with a plan under review.
type Intent string

// Plan review intents, in match order.
const (
	IntentDetails Intent = "details"
	IntentTasks   Intent = "tasks"
	IntentApprove Intent = "approve"
	IntentModify  Intent = "modify"
	IntentUnclear Intent = "unclear"
)

// Choice is an answer to the refinement option menu.
type Choice string

// Refinement menu choices. ChoiceNone means the input is a further
// modification request.
const (
	ChoiceApply     Choice = "apply"
	ChoiceReanalyze Choice = "reanalyze"
	ChoiceImpact    Choice = "impact"
	ChoiceKeep      Choice = "keep"
	ChoiceNone      Choice = ""
)

// Classifier interprets capability output and user replies.
type Classifier interface {
	Readiness(reply string) Verdict
	ReviewIntent(input string) Intent
	RefinementChoice(input string) Choice
	RetryRequested(input string) bool
}

type intentRule struct {
	intent   Intent
	keywords []string
}

type choiceRule struct {
	choice   Choice
	keywords []string
}

// Keyword is the substring-matching Classifier.
type Keyword struct {
	clarify []string
	ready   []string
	intents []intentRule
	choices []choiceRule
	retry   []string
}

var _ Classifier = (*Keyword)(nil)

// NewKeyword returns a Keyword classifier with the built-in indicator sets.
func NewKeyword() *Keyword {
	return &Keyword{
		clarify: []string{
			"need more information", "can you clarify", "tell me more about",
			"what do you mean", "could you elaborate", "i need to understand",
			"questions about", "clarify", "missing information",
		},
		ready: []string{
			"ready to proceed", "sufficient information", "clear understanding",
			"move forward", "create the solution", "design the solution",
		},
		intents: []intentRule{
			{IntentDetails, []string{"details", "show", "explain", "tell me more"}},
			{IntentTasks, []string{"tasks", "timeline", "implementation"}},
			{IntentApprove, []string{"approve", "accept", "looks good", "proceed"}},
			{IntentModify, []string{"modify", "change", "adjust", "different"}},
		},
		// Menu answers only: free text that mentions "apply" is a new request.
		choices: []choiceRule{
			{ChoiceReanalyze, []string{
				"re-analyze with changes", "reanalyze with changes", "re-analyze", "reanalyze",
				"re-analyse", "reanalyse", "re-run", "rerun",
			}},
			{ChoiceApply, []string{"apply changes", "apply the changes", "apply"}},
			{ChoiceImpact, []string{"show impact", "show the impact", "impact"}},
			{ChoiceKeep, []string{
				"keep original", "keep the original", "keep original plan", "keep the original plan",
				"discard changes", "discard",
			}},
		},
		retry: []string{"try again", "retry", "restart the analysis", "run it again"},
	}
}

// Readiness checks reply against both indicator sets independently.
func (k *Keyword) Readiness(reply string) Verdict {
	lower := strings.ToLower(reply)
	return Verdict{
		NeedsClarification: containsAny(lower, k.clarify),
		Ready:              containsAny(lower, k.ready),
	}
}

// ReviewIntent returns the first intent whose keywords match input.
func (k *Keyword) ReviewIntent(input string) Intent {
	lower := strings.ToLower(strings.TrimSpace(input))
	for _, r := range k.intents {
		if containsAny(lower, r.keywords) {
			return r.intent
		}
	}
	return IntentUnclear
}

// RefinementChoice maps a menu answer, either its number or one of the
// menu phrases optionally followed by a courtesy word. Anything longer is
// ChoiceNone.
func (k *Keyword) RefinementChoice(input string) Choice {
	lower := strings.Trim(strings.ToLower(strings.TrimSpace(input)), "\"'.!")
	switch lower {
	case "1":
		return ChoiceApply
	case "2":
		return ChoiceReanalyze
	case "3":
		return ChoiceImpact
	case "4":
		return ChoiceKeep
	}
	for _, r := range k.choices {
		for _, phrase := range r.keywords {
			if menuAnswer(lower, phrase) {
				return r.choice
			}
		}
	}
	return ChoiceNone
}

var courtesyWords = map[string]bool{"please": true, "now": true, "thanks": true, "thank": true, "you": true}

func menuAnswer(input, phrase string) bool {
	if input == phrase {
		return true
	}
	rest, ok := strings.CutPrefix(input, phrase+" ")
	if !ok {
		return false
	}
	for _, w := range strings.Fields(rest) {
		if !courtesyWords[strings.Trim(w, ",.!")] {
			return false
		}
	}
	return true
}

// RetryRequested reports whether input asks to rerun a failed analysis.
func (k *Keyword) RetryRequested(input string) bool {
	return containsAny(strings.ToLower(input), k.retry)
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

var complexityIndicators = []string{
	"integration", "external system", "api", "complex approval",
	"multi-step", "workflow", "automation", "multiple objects",
	"reporting", "dashboard", "custom ui", "advanced security",
	"data migration", "bulk processing", "real-time", "synchronization",
}

const complexLength = 500

// IsComplexRequirement reports whether text is long or mentions at least
// two complexity indicators.
func IsComplexRequirement(text string) bool {
	if len(text) > complexLength {
		return true
	}
	lower := strings.ToLower(text)
	n := 0
	for _, ind := range complexityIndicators {
		if strings.Contains(lower, ind) {
			n++
		}
	}
	return n >= 2
}
