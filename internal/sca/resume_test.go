package sca

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"bankauth-backend/lib/restyutil"

	"github.com/stretchr/testify/require"
)

func loginWithSms(t *testing.T, f fixture) PendingOperationState {
	t.Helper()
	f.adapter.credentials.push(Challenged(smsChallenge(), otpForm), nil)
	out, err := f.engine.Login(context.Background(), creds, nil)
	require.NoError(t, err)
	require.Equal(t, OutcomeNeedsCode, out.Kind)
	return out.State
}

func TestWrongCodeRetryIsBounded(t *testing.T) {
	f := setup(t)
	state := loginWithSms(t, f)

	refreshed := &PendingForm{Method: "POST", URL: "https://fakebank.example/otp", Fields: map[string]string{"token": "def"}}
	f.adapter.codes.push(CodeRejected("Le code saisi est erroné", refreshed), nil)

	out, err := f.engine.ResumeWithCode(context.Background(), state, "000000")
	require.ErrorIs(t, err, ErrIncorrectCode)
	require.True(t, KindOf(err).Retryable())
	var scaErr *Error
	require.ErrorAs(t, err, &scaErr)
	require.Equal(t, []string{"code"}, scaErr.BadFields)
	require.Equal(t, "Le code saisi est erroné", scaErr.Message)
	require.Equal(t, OutcomeNeedsCode, out.Kind)
	require.Equal(t, 1, out.State.CodeAttempts)
	require.Equal(t, refreshed, out.State.Form)

	out, err = f.engine.ResumeWithCode(context.Background(), out.State, "000001")
	require.ErrorIs(t, err, ErrIncorrectCode)
	require.Equal(t, 2, out.State.CodeAttempts)

	out, err = f.engine.ResumeWithCode(context.Background(), out.State, "000002")
	require.ErrorIs(t, err, ErrTooManyAttempts)
	require.Equal(t, OutcomeNone, out.Kind)
	require.Len(t, f.adapter.gotCodes, 3)
}

func TestEmptyCodeIsRejectedLocally(t *testing.T) {
	f := setup(t)
	state := loginWithSms(t, f)

	out, err := f.engine.ResumeWithCode(context.Background(), state, "   ")
	require.ErrorIs(t, err, ErrIncorrectCode)
	require.Equal(t, OutcomeNeedsCode, out.Kind)
	require.Equal(t, 0, out.State.CodeAttempts)
	require.Equal(t, 0, f.adapter.codes.calls)
}

func TestResolutionSurfacesExactlyOneResult(t *testing.T) {
	cases := []struct {
		name string
		step Step
		kind Kind
	}{
		{"accepted", Done(nil), KindUnknown},
		{"incorrect", CodeRejected("erroné", nil), KindIncorrectCode},
		{"expired", Step{Kind: StepChallengeExpired, Message: "code expiré"}, KindChallengeExpired},
		{"logged out means expired", Step{Kind: StepLoggedOut}, KindChallengeExpired},
		{"cancelled", Step{Kind: StepCancelled}, KindChallengeCancelled},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := setup(t)
			state := loginWithSms(t, f)
			f.adapter.codes.push(tc.step, nil)

			out, err := f.engine.ResumeWithCode(context.Background(), state, "123456")
			require.Equal(t, tc.kind, KindOf(err))
			if tc.kind == KindUnknown {
				require.NoError(t, err)
				require.Equal(t, OutcomeAuthenticated, out.Kind)
			}
		})
	}
}

func TestExpiredChallengeIsNotResubmitted(t *testing.T) {
	f := setup(t)
	challenge := smsChallenge()
	challenge.ExpiresAt = epoch.Add(15 * time.Minute)
	f.adapter.credentials.push(Challenged(challenge, otpForm), nil)

	out, err := f.engine.Login(context.Background(), creds, nil)
	require.NoError(t, err)

	f.clock.Advance(16 * time.Minute)
	_, err = f.engine.ResumeWithCode(context.Background(), out.State, "123456")
	require.ErrorIs(t, err, ErrChallengeExpired)
	require.Equal(t, 0, f.adapter.codes.calls)
}

func TestResumeWithoutChallenge(t *testing.T) {
	f := setup(t)
	_, err := f.engine.ResumeWithCode(context.Background(), PendingOperationState{Site: "fakebank"}, "123456")
	require.ErrorIs(t, err, ErrChallengeExpired)

	_, err = f.engine.ResumeWithAppValidation(context.Background(), PendingOperationState{Site: "fakebank"})
	require.ErrorIs(t, err, ErrValidationExpired)
}

func TestResumeWithWrongMethod(t *testing.T) {
	f := setup(t)
	state := loginWithSms(t, f)
	_, err := f.engine.ResumeWithAppValidation(context.Background(), state)
	require.ErrorIs(t, err, ErrProtocolViolation)

	g := setup(t)
	g.adapter.credentials.push(Challenged(appChallenge(), nil), nil)
	out, err := g.engine.Login(context.Background(), creds, nil)
	require.NoError(t, err)
	_, err = g.engine.ResumeWithCode(context.Background(), out.State, "123456")
	require.ErrorIs(t, err, ErrProtocolViolation)
}

func TestResumeDropsExpiredTwoFactor(t *testing.T) {
	f := setup(t)
	state := loginWithSms(t, f)
	state.TwoFactor = &TwoFactorState{Token: "old", Expires: epoch.Add(-time.Hour)}

	f.adapter.codes.push(Done(nil), nil)
	out, err := f.engine.ResumeWithCode(context.Background(), state, "123456")
	require.NoError(t, err)
	require.Nil(t, out.State.TwoFactor)
	require.Nil(t, out.Session.TwoFactor)
}

func TestSubmittedCodeIsNotSentTwice(t *testing.T) {
	f := setup(t)
	state := loginWithSms(t, f)

	timeout := fmt.Errorf("%w: read timeout", restyutil.ErrTransient)
	f.adapter.codes.push(Step{}, timeout)

	_, err := f.engine.ResumeWithCode(context.Background(), state, "123456")
	require.ErrorIs(t, err, ErrUnavailable)
	require.Equal(t, 1, f.adapter.codes.calls)
	require.Empty(t, f.clock.Sleeps())
}

func TestUnsentCodeIsRetried(t *testing.T) {
	f := setup(t)
	state := loginWithSms(t, f)

	refused := fmt.Errorf("%w: %w", restyutil.ErrTransient, &net.OpError{Op: "dial", Net: "tcp", Err: fmt.Errorf("connection refused")})
	f.adapter.codes.push(Step{}, refused)
	f.adapter.codes.push(Done(nil), nil)

	out, err := f.engine.ResumeWithCode(context.Background(), state, "123456")
	require.NoError(t, err)
	require.Equal(t, OutcomeAuthenticated, out.Kind)
	require.Equal(t, 2, f.adapter.codes.calls)
	require.Equal(t, []string{"123456", "123456"}, f.adapter.gotCodes)
}
