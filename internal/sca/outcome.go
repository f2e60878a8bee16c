package sca

import (
	"encoding/json"
	"time"
)

type OutcomeKind int

const (
	OutcomeNone OutcomeKind = iota
	// OutcomeAuthenticated is a finished flow: logged in, or the
	// operation authorized.
	OutcomeAuthenticated
	OutcomeNeedsCode
	OutcomeNeedsAppApproval
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeAuthenticated:
		return "authenticated"
	case OutcomeNeedsCode:
		return "needs_code"
	case OutcomeNeedsAppApproval:
		return "needs_app_approval"
	}
	return "none"
}

// Outcome is the result of one engine call. Failures are returned as a
// separate *Error. A rejected code is the one case where both are set: the
// error says why, the outcome carries the state to retry with.
type Outcome struct {
	Kind OutcomeKind

	// set for OutcomeAuthenticated
	Session *Session
	// Payload of the operation that completed, as given when it started.
	Payload json.RawMessage

	// set for OutcomeNeedsCode and OutcomeNeedsAppApproval
	Challenge *AuthChallenge
	// ExpiresAt is when an app approval stops being awaited.
	ExpiresAt time.Time

	// State is what to persist to continue later.
	State PendingOperationState
}

func (o Outcome) Prompt() string {
	if o.Challenge == nil {
		return ""
	}
	return o.Challenge.Prompt
}
