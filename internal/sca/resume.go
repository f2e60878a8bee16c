package sca

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// ResumeWithCode answers the outstanding code challenge of state.
//
// A wrong code the bank lets the user retry returns both an
// OutcomeNeedsCode with the state to retry from and an ErrIncorrectCode.
// After MaxCodeAttempts wrong codes the flow fails with ErrTooManyAttempts.
func (e *Engine) ResumeWithCode(ctx context.Context, state PendingOperationState, code string) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "Engine.ResumeWithCode")
	defer span.End()
	span.SetAttributes(attribute.String("site", e.adapter.Site()))

	now := e.clock.Now()
	if state.TwoFactor != nil && !state.TwoFactor.UsableAt(now, 0) {
		state.TwoFactor = nil
	}

	if state.Challenge == nil {
		return Outcome{}, e.fail(span, report_engine_resume_code, Fail(
			KindChallengeExpired, "no challenge is waiting for a code, the operation must be restarted",
		))
	}
	if !state.Challenge.Kind.IsCode() {
		return Outcome{}, e.fail(span, report_engine_resume_code, Failf(
			KindProtocolViolation, "the outstanding %s challenge is not answered with a code", state.Challenge.Kind,
		))
	}
	if state.Challenge.Expired(now) {
		return Outcome{}, e.fail(span, report_engine_resume_code, Failf(
			KindChallengeExpired, "the code expired at %s", state.Challenge.ExpiresAt.Format("15:04:05"),
		))
	}

	code = strings.TrimSpace(code)
	if code == "" {
		return e.needsCodeAgain(state), &Error{
			Kind:      KindIncorrectCode,
			Message:   "the code is empty",
			BadFields: []string{"code"},
		}
	}

	err := e.adapter.SetCookies(state.Cookies)
	if err != nil {
		return Outcome{}, e.fail(span, report_engine_resume_code, fmt.Errorf("restore cookies: %w", err))
	}

	challenge := *state.Challenge
	step, err := retrySubmit(ctx, e, report_engine_resume_code, func() (Step, error) {
		return e.adapter.SubmitCode(ctx, challenge, state.Form, code)
	})
	if err != nil {
		return Outcome{}, e.fail(span, report_engine_resume_code, err)
	}

	switch step.Kind {
	case StepCodeRejected:
		state.CodeAttempts++
		if state.CodeAttempts >= e.opts.MaxCodeAttempts {
			return Outcome{}, e.fail(span, report_engine_resume_code, &Error{
				Kind:      KindTooManyAttempts,
				Message:   firstNonEmpty(step.Message, fmt.Sprintf("%d wrong codes", state.CodeAttempts)),
				BadFields: []string{"code"},
			})
		}
		if step.Form != nil {
			state.Form = step.Form
		}
		e.snapshot(&state)
		e.tel.ReportDebug("code rejected", state.Site, state.CodeAttempts)
		return e.needsCodeAgain(state), &Error{
			Kind:      KindIncorrectCode,
			Message:   step.Message,
			BadFields: []string{"code"},
		}
	case StepChallengeExpired, StepLoggedOut:
		return Outcome{}, e.fail(span, report_engine_resume_code, Fail(KindChallengeExpired, step.Message))
	case StepCancelled:
		return Outcome{}, e.fail(span, report_engine_resume_code, Fail(KindChallengeCancelled, step.Message))
	}

	state.clearPending()
	out, err := e.advance(&state, step)
	if err != nil {
		return Outcome{}, e.fail(span, report_engine_resume_code, err)
	}
	return out, nil
}

func (e *Engine) needsCodeAgain(state PendingOperationState) Outcome {
	challenge := *state.Challenge
	return Outcome{
		Kind:      OutcomeNeedsCode,
		Challenge: &challenge,
		State:     state,
	}
}

// ResumeWithAppValidation waits for the user to approve the outstanding
// app push of state, polling the bank every PollInterval. When PollTimeout
// is reached the bank is told to cancel the validation and the flow fails
// with ErrValidationExpired.
func (e *Engine) ResumeWithAppValidation(ctx context.Context, state PendingOperationState) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "Engine.ResumeWithAppValidation")
	defer span.End()
	span.SetAttributes(attribute.String("site", e.adapter.Site()))

	if state.TwoFactor != nil && !state.TwoFactor.UsableAt(e.clock.Now(), 0) {
		state.TwoFactor = nil
	}

	if state.Challenge == nil {
		return Outcome{}, e.fail(span, report_engine_resume_app, Fail(
			KindValidationExpired, "no app validation is pending, the operation must be restarted",
		))
	}
	if state.Challenge.Kind != ChallengeAppPush {
		return Outcome{}, e.fail(span, report_engine_resume_app, Failf(
			KindProtocolViolation, "the outstanding %s challenge is not an app validation", state.Challenge.Kind,
		))
	}

	err := e.adapter.SetCookies(state.Cookies)
	if err != nil {
		return Outcome{}, e.fail(span, report_engine_resume_app, fmt.Errorf("restore cookies: %w", err))
	}

	challenge := *state.Challenge
	status, err := e.poll(ctx, challenge)
	if err != nil {
		return Outcome{}, e.fail(span, report_engine_resume_app, err)
	}
	switch status {
	case PollCancelled:
		return Outcome{}, e.fail(span, report_engine_resume_app, Fail(
			KindValidationCancelled, "the validation was refused in the app",
		))
	case PollNotFound:
		return Outcome{}, e.fail(span, report_engine_resume_app, Fail(
			KindValidationCancelled, "the bank no longer knows this validation",
		))
	}

	step, err := retrySubmit(ctx, e, report_engine_resume_app, func() (Step, error) {
		return e.adapter.ConfirmAppValidation(ctx, challenge, state.Form)
	})
	if err != nil {
		return Outcome{}, e.fail(span, report_engine_resume_app, err)
	}
	switch step.Kind {
	case StepCancelled:
		return Outcome{}, e.fail(span, report_engine_resume_app, Fail(KindValidationCancelled, step.Message))
	case StepChallengeExpired, StepLoggedOut:
		return Outcome{}, e.fail(span, report_engine_resume_app, Fail(KindValidationExpired, step.Message))
	case StepCodeRejected:
		return Outcome{}, e.fail(span, report_engine_resume_app, Fail(
			KindProtocolViolation, "an app validation cannot reject a code",
		))
	}

	state.clearPending()
	out, err := e.advance(&state, step)
	if err != nil {
		return Outcome{}, e.fail(span, report_engine_resume_app, err)
	}
	return out, nil
}

// poll reads the validation status until it is no longer pending. Only
// PollValidated, PollCancelled and PollNotFound are returned without error.
func (e *Engine) poll(ctx context.Context, challenge AuthChallenge) (PollStatus, error) {
	deadline := e.clock.Now().Add(e.opts.PollTimeout)
	polls := int64(0)

	for {
		status, err := retry(ctx, e, report_engine_poll, func() (PollStatus, error) {
			return e.adapter.PollAppValidation(ctx, challenge)
		})
		if err != nil {
			return PollUnknown, err
		}
		polls++

		switch status {
		case PollValidated, PollCancelled, PollNotFound:
			e.tel.ReportCount(report_engine_poll, polls)
			return status, nil
		case PollPending:
		default:
			return PollUnknown, Failf(KindProtocolViolation, "unknown validation status %d", status)
		}

		now := e.clock.Now()
		if !now.Before(deadline) {
			break
		}
		wait := e.opts.PollInterval
		if remaining := deadline.Sub(now); remaining < wait {
			wait = remaining
		}
		err = e.clock.Sleep(ctx, wait)
		if err != nil {
			return PollUnknown, err
		}
	}

	e.tel.ReportCount(report_engine_poll, polls)
	err := e.adapter.CancelAppValidation(ctx, challenge)
	if err != nil {
		e.tel.ReportWarning(report_engine_cancel, err)
	}
	return PollUnknown, Failf(
		KindValidationExpired, "the validation was not confirmed within %s", e.opts.PollTimeout,
	)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
