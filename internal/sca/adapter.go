package sca

import "context"

type StepKind int

const (
	StepUnknown StepKind = iota
	// StepDone means logged in (or, for other operations, that the
	// operation went through).
	StepDone
	StepChallenge
	// StepCodeRejected is a wrong code the bank lets the user retry.
	StepCodeRejected
	StepChallengeExpired
	StepCancelled
	// StepLoggedOut means the bank sent us back to the login page.
	StepLoggedOut
)

// Step is an adapter's reading of the page a request landed on.
type Step struct {
	Kind      StepKind
	Challenge *AuthChallenge
	Form      *PendingForm
	TwoFactor *TwoFactorState
	Message   string
}

func Done(twoFactor *TwoFactorState) Step {
	return Step{Kind: StepDone, TwoFactor: twoFactor}
}

func Challenged(challenge AuthChallenge, form *PendingForm) Step {
	return Step{Kind: StepChallenge, Challenge: &challenge, Form: form}
}

func CodeRejected(message string, form *PendingForm) Step {
	return Step{Kind: StepCodeRejected, Message: message, Form: form}
}

type PollStatus int

const (
	PollUnknown PollStatus = iota
	PollPending
	PollValidated
	PollCancelled
	// PollNotFound is the server no longer knowing the transaction.
	PollNotFound
)

func (s PollStatus) String() string {
	switch s {
	case PollPending:
		return "pending"
	case PollValidated:
		return "validated"
	case PollCancelled:
		return "cancelled"
	case PollNotFound:
		return "not_found"
	}
	return "unknown"
}

// Adapter is everything the engine needs from a bank site. An adapter owns
// its http session and is used by one flow at a time.
//
// Failures the adapter recognizes (wrong password, maintenance...) are
// returned as *Error. Network failures worth retrying wrap
// restyutil.ErrTransient.
type Adapter interface {
	Site() string

	// SubmitCredentials logs in, presenting twoFactor when not nil.
	SubmitCredentials(ctx context.Context, creds Credentials, twoFactor *TwoFactorState) (Step, error)
	// SubmitCode answers a code based challenge.
	SubmitCode(ctx context.Context, challenge AuthChallenge, form *PendingForm, code string) (Step, error)
	// PollAppValidation reads the status of a decoupled validation once.
	PollAppValidation(ctx context.Context, challenge AuthChallenge) (PollStatus, error)
	// ConfirmAppValidation finishes the flow after the app validated it.
	ConfirmAppValidation(ctx context.Context, challenge AuthChallenge, form *PendingForm) (Step, error)
	// CancelAppValidation tells the bank we stopped waiting.
	CancelAppValidation(ctx context.Context, challenge AuthChallenge) error

	Cookies() []Cookie
	SetCookies(cookies []Cookie) error
}

// Locator is implemented by adapters able to navigate back to a page
// recorded in a saved state.
type Locator interface {
	CurrentURL() string
	Locate(ctx context.Context, url string) error
}
