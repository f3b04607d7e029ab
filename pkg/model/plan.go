package model

import (
	"strings"

	"github.com/m-mizutani/goerr/v2"
)

var (
	ErrMissingTargetID = goerr.New("action requires target memory ID")
	ErrMissingContent  = goerr.New("action requires content")
	ErrUnknownAction   = goerr.New("unknown action kind")
)

type ActionKind string

const (
	ActionAdd    ActionKind = "ADD"
	ActionUpdate ActionKind = "UPDATE"
	ActionDelete ActionKind = "DELETE"
	ActionNone   ActionKind = "NONE"
)

// ActionKinds lists every kind in the order the planner schema presents them
var ActionKinds = []ActionKind{ActionAdd, ActionUpdate, ActionDelete, ActionNone}

// ParseActionKind accepts case-insensitive kind names
func ParseActionKind(s string) (ActionKind, error) {
	kind := ActionKind(strings.ToUpper(strings.TrimSpace(s)))
	switch kind {
	case ActionAdd, ActionUpdate, ActionDelete, ActionNone:
		return kind, nil
	default:
		return "", goerr.Wrap(ErrUnknownAction, "invalid action kind", goerr.V("kind", s))
	}
}

// Action is one consolidation decision. OriginalFact is carried for traceability.
type Action struct {
	Kind         ActionKind
	ID           MemoryID
	Content      string
	OriginalFact Fact
}

// Validate checks the fields required by the action kind
func (x Action) Validate() error {
	switch x.Kind {
	case ActionAdd:
		if x.Content == "" {
			return goerr.Wrap(ErrMissingContent, "ADD without content", goerr.V("fact", x.OriginalFact))
		}
	case ActionUpdate:
		if x.ID == "" {
			return goerr.Wrap(ErrMissingTargetID, "UPDATE without id", goerr.V("fact", x.OriginalFact))
		}
		if x.Content == "" {
			return goerr.Wrap(ErrMissingContent, "UPDATE without content", goerr.V("id", x.ID))
		}
	case ActionDelete:
		if x.ID == "" {
			return goerr.Wrap(ErrMissingTargetID, "DELETE without id", goerr.V("fact", x.OriginalFact))
		}
	case ActionNone:
	default:
		return goerr.Wrap(ErrUnknownAction, "invalid action", goerr.V("kind", x.Kind))
	}
	return nil
}

// NoOp converts the action into NONE while keeping the originating fact
func (x Action) NoOp() Action {
	return Action{Kind: ActionNone, OriginalFact: x.OriginalFact}
}

// Plan is the ordered list of actions for one processing cycle
type Plan struct {
	Actions []Action
}

// Count returns the number of actions of the given kind
func (x *Plan) Count(kind ActionKind) int {
	if x == nil {
		return 0
	}
	n := 0
	for _, a := range x.Actions {
		if a.Kind == kind {
			n++
		}
	}
	return n
}

// Len returns the number of actions in the plan
func (x *Plan) Len() int {
	if x == nil {
		return 0
	}
	return len(x.Actions)
}
