package journey

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrIllegalAction is returned when (stage, action) has no entry in the
	// transition table.
	ErrIllegalAction = errors.New("illegal journey action")

	// ErrUnknownExternalStatus is returned for EMR hints with no stage mapping.
	ErrUnknownExternalStatus = errors.New("unknown external status")

	// ErrInvalidRequest wraps unknown stages, actions and trigger kinds.
	ErrInvalidRequest = errors.New("invalid journey request")
)

// Rule is one row of the transition table. A dynamic rule's destination is
// decided at run time and To is empty.
type Rule struct {
	From    Stage
	Action  Action
	To      Stage
	Dynamic bool
}

type ruleKey struct {
	from   Stage
	action Action
}

var rules = map[ruleKey]Rule{}

// actionOrder fixes the order AvailableActions reports.
var actionOrder = []Action{
	ActionNFCScan, ActionLogin, ActionEnterQueue, ActionCall, ActionStartExam,
	ActionCompleteExam, ActionProceedPayment, ActionCompletePayment, ActionNewVisit, ActionCancel,
}

func addRule(r Rule) { rules[ruleKey{r.From, r.Action}] = r }

func init() {
	addRule(Rule{From: StageUnregistered, Action: ActionNFCScan, To: StageArrived})
	addRule(Rule{From: StageArrived, Action: ActionLogin, To: StageRegistered})
	addRule(Rule{From: StageRegistered, Action: ActionEnterQueue, To: StageWaiting})
	addRule(Rule{From: StageWaiting, Action: ActionCall, To: StageCalled})
	addRule(Rule{From: StageCalled, Action: ActionStartExam, To: StageInProgress})
	addRule(Rule{From: StageInProgress, Action: ActionCompleteExam, Dynamic: true})
	addRule(Rule{From: StageCompleted, Action: ActionProceedPayment, To: StagePayment})
	addRule(Rule{From: StagePayment, Action: ActionCompletePayment, To: StageFinished})
	addRule(Rule{From: StageFinished, Action: ActionNewVisit, To: StageUnregistered})

	// An exam in progress is finished with complete_exam, never cancelled.
	for _, s := range []Stage{StageWaiting, StageCalled, StageCompleted, StagePayment} {
		addRule(Rule{From: s, Action: ActionCancel, To: StageRegistered})
	}
}

// Lookup returns the rule for (from, action).
func Lookup(from Stage, action Action) (Rule, bool) {
	r, ok := rules[ruleKey{from, action}]
	return r, ok
}

// AvailableActions lists the actions legal from stage.
func AvailableActions(stage Stage) []Action {
	out := []Action{}
	for _, a := range actionOrder {
		if _, ok := rules[ruleKey{stage, a}]; ok {
			out = append(out, a)
		}
	}
	return out
}

// ParseAction validates an action name.
func ParseAction(v string) (Action, error) {
	a := Action(v)
	for _, known := range actionOrder {
		if known == a {
			return a, nil
		}
	}
	return "", fmt.Errorf("%w: action %q", ErrInvalidRequest, v)
}

// ActionError carries the rejected (stage, action) pair and unwraps to
// ErrIllegalAction.
type ActionError struct {
	PatientID uuid.UUID
	Stage     Stage
	Action    Action
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("%s: %s from %s (patient %s)", ErrIllegalAction, e.Action, e.Stage, e.PatientID)
}

func (e *ActionError) Unwrap() error { return ErrIllegalAction }

var externalStages = map[string]Stage{
	"arrived":     StageArrived,
	"registered":  StageRegistered,
	"waiting":     StageWaiting,
	"called":      StageCalled,
	"in_exam":     StageInProgress,
	"in_progress": StageInProgress,
	"exam_done":   StageCompleted,
	"completed":   StageCompleted,
	"payment":     StagePayment,
	"discharged":  StageFinished,
	"finished":    StageFinished,
}

// ParseExternalStatus maps an EMR status hint onto a journey stage. Hints
// are matched case-insensitively; spaces and dashes count as underscores.
func ParseExternalStatus(hint string) (Stage, error) {
	key := strings.ToLower(strings.TrimSpace(hint))
	key = strings.NewReplacer(" ", "_", "-", "_").Replace(key)
	if s, ok := externalStages[key]; ok {
		return s, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownExternalStatus, hint)
}
