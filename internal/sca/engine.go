package sca

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"bankauth-backend/internal/components/assert"
	"bankauth-backend/internal/components/chrono"
	"bankauth-backend/internal/components/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Options struct {
	// PollInterval is the pause between two reads of an app validation.
	PollInterval time.Duration
	// PollTimeout bounds how long an app validation is awaited.
	PollTimeout time.Duration
	// MaxCodeAttempts is the number of wrong codes after which the flow fails.
	MaxCodeAttempts int
	// MaxChainedChallenges bounds challenges within one operation.
	MaxChainedChallenges int
	// TransientAttempts is how many times a request failing transiently is tried.
	TransientAttempts int
	TransientBackoff  time.Duration
	// ReloginAttempts bounds re-logins when a session drops mid-operation.
	ReloginAttempts int
	// TwoFactorMargin is subtracted from a two-factor token's lifetime
	// before it is presented, against clock skew between us and the bank.
	TwoFactorMargin time.Duration
	// PendingTTL is how long a state waiting on the user is kept.
	PendingTTL time.Duration
}

func DefaultOptions() Options {
	return Options{
		PollInterval:         5 * time.Second,
		PollTimeout:          10 * time.Minute,
		MaxCodeAttempts:      3,
		MaxChainedChallenges: 2,
		TransientAttempts:    3,
		TransientBackoff:     time.Second,
		ReloginAttempts:      2,
		TwoFactorMargin:      2 * time.Hour,
		PendingTTL:           15 * time.Minute,
	}
}

// withDefaults fills every zero field from DefaultOptions.
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = d.PollTimeout
	}
	if o.MaxCodeAttempts <= 0 {
		o.MaxCodeAttempts = d.MaxCodeAttempts
	}
	if o.MaxChainedChallenges <= 0 {
		o.MaxChainedChallenges = d.MaxChainedChallenges
	}
	if o.TransientAttempts <= 0 {
		o.TransientAttempts = d.TransientAttempts
	}
	if o.TransientBackoff <= 0 {
		o.TransientBackoff = d.TransientBackoff
	}
	if o.ReloginAttempts <= 0 {
		o.ReloginAttempts = d.ReloginAttempts
	}
	if o.TwoFactorMargin < 0 {
		o.TwoFactorMargin = d.TwoFactorMargin
	}
	if o.PendingTTL <= 0 {
		o.PendingTTL = d.PendingTTL
	}
	return o
}

// Engine drives the authentication state machine of one site. It holds no
// state between calls besides the adapter's http session: everything else
// travels in PendingOperationState.
type Engine struct {
	adapter Adapter
	clock   chrono.API
	tel     telemetry.API
	opts    Options
}

func NewEngine(adapter Adapter, clock chrono.API, tel telemetry.API, opts Options) *Engine {
	assert.NotNil(adapter)
	assert.NotNil(clock)
	assert.NotNil(tel)

	return &Engine{
		adapter: adapter,
		clock:   clock,
		tel:     telemetry.NewScopedAPI("sca", tel),
		opts:    opts.withDefaults(),
	}
}

func (e *Engine) Options() Options {
	return e.opts
}

func (e *Engine) Site() string {
	return e.adapter.Site()
}

func (e *Engine) newState(op Operation, login string) PendingOperationState {
	return PendingOperationState{
		Version:   StateVersion,
		Site:      e.adapter.Site(),
		Login:     login,
		Operation: op,
	}
}

// Login submits the credentials and reports whether the user must answer a
// challenge. prev, when given, is a state saved by an earlier flow for the
// same account: its two-factor token is presented if still valid and its
// cookies are restored. Any challenge prev was waiting on is abandoned.
func (e *Engine) Login(ctx context.Context, creds Credentials, prev *PendingOperationState) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "Engine.Login")
	defer span.End()
	span.SetAttributes(attribute.String("site", e.adapter.Site()))

	if creds.Login == "" || creds.Password == "" {
		return Outcome{}, e.fail(span, report_engine_login, &Error{
			Kind:      KindIncorrectPassword,
			Message:   "login and password are required",
			BadFields: []string{"login", "password"},
		})
	}

	state := e.newState(OperationLogin, creds.Login)
	if prev != nil && prev.Site == state.Site && prev.Login == state.Login {
		if prev.TwoFactor.UsableAt(e.clock.Now(), e.opts.TwoFactorMargin) {
			twoFactor := *prev.TwoFactor
			state.TwoFactor = &twoFactor
		} else if prev.TwoFactor != nil {
			e.tel.ReportDebug("discarding expired two-factor state", prev.TwoFactor.Expires)
		}
		err := e.adapter.SetCookies(prev.Cookies)
		if err != nil {
			e.tel.ReportWarning(report_engine_login, fmt.Errorf("restore cookies: %w", err))
		}
	}

	step, err := retry(ctx, e, report_engine_login, func() (Step, error) {
		return e.adapter.SubmitCredentials(ctx, creds, state.TwoFactor)
	})
	if err != nil {
		return Outcome{}, e.fail(span, report_engine_login, err)
	}

	switch step.Kind {
	case StepDone, StepChallenge:
	default:
		return Outcome{}, e.fail(span, report_engine_login, Failf(
			KindProtocolViolation, "unexpected step %d after submitting credentials", step.Kind,
		))
	}

	out, err := e.advance(&state, step)
	if err != nil {
		return Outcome{}, e.fail(span, report_engine_login, err)
	}
	return out, nil
}

// StartFunc begins a sensitive operation on a logged in session.
type StartFunc func(ctx context.Context) (Step, error)

// StartOperation runs start and, if the bank asks for a challenge, returns
// it with a state carrying payload. The payload comes back in the outcome
// once the operation is authorized. state must be a state without any
// outstanding challenge: one operation at a time.
func (e *Engine) StartOperation(ctx context.Context, state PendingOperationState, op Operation, payload any, start StartFunc) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "Engine.StartOperation")
	defer span.End()
	span.SetAttributes(attribute.String("operation", string(op)))

	if state.Pending() {
		return Outcome{}, e.fail(span, report_engine_start_operation, Failf(
			KindProtocolViolation,
			"cannot start %s while a %s challenge is outstanding", op, state.Operation,
		))
	}

	rawPayload, err := json.Marshal(payload)
	if err != nil {
		return Outcome{}, e.fail(span, report_engine_start_operation, fmt.Errorf("encode payload: %w", err))
	}

	state.Version = StateVersion
	state.Operation = op
	state.Payload = rawPayload
	state.ChainDepth = 0
	state.CodeAttempts = 0

	step, err := retry(ctx, e, report_engine_start_operation, func() (Step, error) {
		return start(ctx)
	})
	if err != nil {
		return Outcome{}, e.fail(span, report_engine_start_operation, err)
	}
	if step.Kind == StepLoggedOut {
		return Outcome{}, e.fail(span, report_engine_start_operation, ErrLoggedOut)
	}

	out, err := e.advance(&state, step)
	if err != nil {
		return Outcome{}, e.fail(span, report_engine_start_operation, err)
	}
	return out, nil
}

// advance turns the step an adapter read into an outcome, enforcing the
// challenge invariants.
func (e *Engine) advance(state *PendingOperationState, step Step) (Outcome, error) {
	switch step.Kind {
	case StepDone:
		state.clearPending()
		if step.TwoFactor != nil {
			state.TwoFactor = step.TwoFactor
		}
		payload := state.Payload
		state.Operation = OperationLogin
		state.Payload = nil
		state.ChainDepth = 0
		e.snapshot(state)

		e.tel.ReportDebug("flow completed", state.Site, state.Login)
		return Outcome{
			Kind: OutcomeAuthenticated,
			Session: &Session{
				Site:            state.Site,
				Login:           state.Login,
				AuthenticatedAt: e.clock.Now(),
				TwoFactor:       state.TwoFactor,
			},
			Payload: payload,
			State:   *state,
		}, nil

	case StepChallenge:
		if step.Challenge == nil {
			return Outcome{}, Fail(KindProtocolViolation, "challenge step without a challenge")
		}
		if state.Challenge != nil {
			return Outcome{}, Failf(
				KindProtocolViolation,
				"a %s challenge was issued while a %s challenge is outstanding",
				step.Challenge.Kind, state.Challenge.Kind,
			)
		}

		var kind OutcomeKind
		switch {
		case step.Challenge.Kind.IsCode():
			kind = OutcomeNeedsCode
		case step.Challenge.Kind == ChallengeAppPush:
			kind = OutcomeNeedsAppApproval
		default:
			return Outcome{}, Failf(KindNotImplemented, "challenge kind %s is not supported", step.Challenge.Kind)
		}

		state.ChainDepth++
		if state.ChainDepth > e.opts.MaxChainedChallenges {
			return Outcome{}, Failf(
				KindProtocolViolation,
				"more than %d chained challenges", e.opts.MaxChainedChallenges,
			)
		}

		challenge := *step.Challenge
		state.Challenge = &challenge
		state.Form = step.Form
		state.CodeAttempts = 0
		e.snapshot(state)

		out := Outcome{
			Kind:      kind,
			Challenge: &challenge,
			State:     *state,
		}
		if kind == OutcomeNeedsAppApproval {
			out.ExpiresAt = challenge.ExpiresAt
			if out.ExpiresAt.IsZero() {
				out.ExpiresAt = e.clock.Now().Add(e.opts.PollTimeout)
			}
		}
		e.tel.ReportDebug("challenge issued", state.Site, challenge.Kind.String(), state.ChainDepth)
		return out, nil
	}

	return Outcome{}, Failf(KindProtocolViolation, "unexpected step %d", step.Kind)
}

// snapshot records what the adapter's session looks like right now.
func (e *Engine) snapshot(state *PendingOperationState) {
	state.Cookies = e.adapter.Cookies()
	state.SavedAt = e.clock.Now()
	e.tel.ReportCount(report_engine_snapshot, int64(len(state.Cookies)))
	if locator, ok := e.adapter.(Locator); ok {
		state.URL = locator.CurrentURL()
	}
}

// Restore loads a saved state into the adapter's session. The page the
// state was saved on is only revisited when nothing is pending, a pending
// challenge is continued with the Resume methods instead.
func (e *Engine) Restore(ctx context.Context, state PendingOperationState) error {
	ctx, span := tracer.Start(ctx, "Engine.Restore")
	defer span.End()

	err := e.adapter.SetCookies(state.Cookies)
	if err != nil {
		return fmt.Errorf("restore cookies: %w", err)
	}
	if state.Pending() || state.URL == "" {
		return nil
	}
	locator, ok := e.adapter.(Locator)
	if !ok {
		return nil
	}
	return locator.Locate(ctx, state.URL)
}

// RetryOnLogout runs fn on state and, each time it fails with ErrLoggedOut,
// logs in again and runs fn on the new session, up to ReloginAttempts times.
// The outcome of fn is returned as is. When the re-login needs a challenge,
// the challenge outcome is returned and fn is not retried.
func (e *Engine) RetryOnLogout(ctx context.Context, creds Credentials, state PendingOperationState, fn func(ctx context.Context, state PendingOperationState) (Outcome, error)) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "Engine.RetryOnLogout")
	defer span.End()

	for relogins := 0; ; relogins++ {
		out, err := fn(ctx, state)
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, ErrLoggedOut) {
			return out, err
		}
		if relogins >= e.opts.ReloginAttempts {
			return Outcome{}, e.fail(span, report_engine_relogin, &Error{
				Kind:    KindUnavailable,
				Message: fmt.Sprintf("logged out %d times in a row", relogins+1),
				Err:     err,
			})
		}

		e.tel.ReportWarning(report_engine_relogin, relogins+1)
		out, err = e.Login(ctx, creds, &state)
		if err != nil {
			return Outcome{}, err
		}
		if out.Kind != OutcomeAuthenticated {
			return out, nil
		}
		state = out.State
	}
}

// fail normalizes err into an *Error and records it. Context errors are
// passed through untouched.
func (e *Engine) fail(span trace.Span, id string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var scaErr *Error
	if !errors.As(err, &scaErr) {
		if errors.Is(err, ErrLoggedOut) {
			return err
		}
		err = Wrap(KindProtocolViolation, err)
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	switch KindOf(err) {
	case KindProtocolViolation, KindNotImplemented:
		e.tel.ReportBroken(id, err)
	default:
		e.tel.ReportDebug("flow failed", id, err)
	}
	return err
}
