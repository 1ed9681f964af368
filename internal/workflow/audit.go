// Package workflow is the audit report state machine:
//
//	(none) --create--> draft --submit--> submitted --approve--> approved
//	                     ^                    |
//	                     +--reopen-- rejected <--reject--+
//
// Transitions from any other source state are refused, never coerced.
package workflow

import (
	"fmt"

	"github.com/erazemk/popis/internal/model"
)

// Event is a requested workflow transition.
type Event string

// Workflow events.
const (
	Create  Event = "create"
	Submit  Event = "submit"
	Approve Event = "approve"
	Reject  Event = "reject"
	Reopen  Event = "reopen"
)

// EventFor maps a mutation operation on an audit report to its event.
func EventFor(op model.Operation) (Event, bool) {
	switch op {
	case model.OpCreate:
		return Create, true
	case model.OpSubmit:
		return Submit, true
	case model.OpApprove:
		return Approve, true
	case model.OpReject:
		return Reject, true
	case model.OpReopen:
		return Reopen, true
	}
	return "", false
}

// Effect lists the side effects the caller must apply atomically with the
// state change.
type Effect struct {
	LockLocation   bool
	UnlockLocation bool
	FreezeFindings bool
	Submitted      bool
	Reviewed       bool
}

// TransitionError is a refused transition.
type TransitionError struct {
	From  string
	Event Event
	Code  model.ErrorCode
}

func (e *TransitionError) Error() string {
	from := e.From
	if from == "" {
		from = "none"
	}
	return fmt.Sprintf("cannot %s audit report in state %s", e.Event, from)
}

// Transition computes the next state for ev applied to a report in state from
// ("" when the report does not exist yet). findings is the number of findings
// currently recorded on the report.
func Transition(from string, ev Event, findings int) (string, Effect, error) {
	refuse := func(code model.ErrorCode) (string, Effect, error) {
		return "", Effect{}, &TransitionError{From: from, Event: ev, Code: code}
	}

	switch ev {
	case Create:
		if from != "" {
			return refuse(model.CodeAuditInvalidTransition)
		}
		return model.ReportDraft, Effect{LockLocation: true}, nil

	case Submit:
		switch from {
		case model.ReportDraft:
			if findings < 1 {
				return refuse(model.CodeAuditNoFindings)
			}
			return model.ReportSubmitted, Effect{FreezeFindings: true, Submitted: true}, nil
		case model.ReportSubmitted, model.ReportApproved:
			return refuse(model.CodeAuditAlreadySubmitted)
		default:
			return refuse(model.CodeAuditNotDraft)
		}

	case Approve:
		if from != model.ReportSubmitted {
			return refuse(model.CodeAuditNotSubmitted)
		}
		return model.ReportApproved, Effect{UnlockLocation: true, Reviewed: true}, nil

	case Reject:
		if from != model.ReportSubmitted {
			return refuse(model.CodeAuditNotSubmitted)
		}
		return model.ReportRejected, Effect{UnlockLocation: true, Reviewed: true}, nil

	case Reopen:
		if from != model.ReportRejected {
			return refuse(model.CodeAuditNotRejected)
		}
		return model.ReportDraft, Effect{LockLocation: true}, nil
	}

	return refuse(model.CodeUnsupportedOperation)
}

// FindingsEditable reports whether findings of a report in state may change.
func FindingsEditable(state string) bool {
	return state == model.ReportDraft
}

// RequiresReviewer reports whether ev is a review decision.
func RequiresReviewer(ev Event) bool {
	return ev == Approve || ev == Reject
}
