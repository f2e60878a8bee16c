package commands

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"bankauth-backend/internal/components/chrono"
	"bankauth-backend/internal/notify"
	"bankauth-backend/internal/sca"
	"bankauth-backend/internal/statestore"
	"bankauth-backend/lib/testutil"

	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, time.March, 1, 9, 0, 0, 0, time.UTC)

type call struct {
	method string
	code   string
	state  sca.PendingOperationState
}

type result struct {
	out sca.Outcome
	err error
}

// scriptedEngine answers each call with the next scripted result.
type scriptedEngine struct {
	t       *testing.T
	results []result
	calls   []call
}

func (e *scriptedEngine) next(c call) (sca.Outcome, error) {
	e.calls = append(e.calls, c)
	require.NotEmpty(e.t, e.results, "unexpected %s", c.method)
	r := e.results[0]
	e.results = e.results[1:]
	return r.out, r.err
}

func (e *scriptedEngine) Site() string {
	return "fortuneo"
}

func (e *scriptedEngine) Login(ctx context.Context, creds sca.Credentials, prev *sca.PendingOperationState) (sca.Outcome, error) {
	c := call{method: "login"}
	if prev != nil {
		c.state = *prev
	}
	return e.next(c)
}

func (e *scriptedEngine) ResumeWithCode(ctx context.Context, state sca.PendingOperationState, code string) (sca.Outcome, error) {
	return e.next(call{method: "code", code: code, state: state})
}

func (e *scriptedEngine) ResumeWithAppValidation(ctx context.Context, state sca.PendingOperationState) (sca.Outcome, error) {
	return e.next(call{method: "app", state: state})
}

type recordingNotifier struct {
	notices []notify.Notice
}

func (n *recordingNotifier) NotifyChallenge(ctx context.Context, notice notify.Notice) error {
	n.notices = append(n.notices, notice)
	return nil
}

func state(challenge *sca.AuthChallenge, attempts int) sca.PendingOperationState {
	s := sca.PendingOperationState{
		Site:         "fortuneo",
		Login:        "alice",
		Operation:    sca.OperationLogin,
		Challenge:    challenge,
		CodeAttempts: attempts,
		SavedAt:      epoch,
	}
	if challenge != nil {
		s.Form = &sca.PendingForm{Method: "POST", URL: "https://bank.test/otp", Fields: map[string]string{"otpToken": "otp-55"}}
	}
	return s
}

var smsChallenge = &sca.AuthChallenge{Kind: sca.ChallengeSMS, Prompt: "Entrez le code reçu par SMS"}

func needsCode(attempts int) sca.Outcome {
	return sca.Outcome{Kind: sca.OutcomeNeedsCode, Challenge: smsChallenge, State: state(smsChallenge, attempts)}
}

func authenticated() sca.Outcome {
	s := state(nil, 0)
	s.TwoFactor = &sca.TwoFactorState{Token: "device", Expires: epoch.Add(90 * 24 * time.Hour)}
	return sca.Outcome{Kind: sca.OutcomeAuthenticated, State: s}
}

type fixture struct {
	engine   *scriptedEngine
	store    *statestore.Store
	notifier *recordingNotifier
	out      *bytes.Buffer
}

func newFixture(t *testing.T, results ...result) fixture {
	db := testutil.OpenDB(t, "")
	store, err := statestore.Open(context.Background(), db, chrono.NewFake(epoch), 15*time.Minute)
	require.NoError(t, err)

	return fixture{
		engine:   &scriptedEngine{t: t, results: results},
		store:    store,
		notifier: &recordingNotifier{},
		out:      &bytes.Buffer{},
	}
}

func (f fixture) flow(answers ...string) *flow {
	out := &flow{engine: f.engine, store: f.store, notifier: f.notifier, out: f.out}
	if answers != nil {
		out.prompt = func(label string) (string, error) {
			answer := answers[0]
			answers = answers[1:]
			return answer, nil
		}
	}
	return out
}

var creds = sca.Credentials{Login: "alice", Password: "hunter2"}

func TestInteractiveLogin(t *testing.T) {
	f := newFixture(t,
		result{out: needsCode(0)},
		result{out: needsCode(1), err: &sca.Error{Kind: sca.KindIncorrectCode, Message: "Le code saisi est incorrect."}},
		result{out: authenticated()},
	)

	err := f.flow("111111", "246810").login(context.Background(), creds)
	require.NoError(t, err)

	require.Len(t, f.engine.calls, 3)
	require.Equal(t, "111111", f.engine.calls[1].code)
	require.Equal(t, "246810", f.engine.calls[2].code)
	require.Equal(t, 1, f.engine.calls[2].state.CodeAttempts)
	require.Contains(t, f.out.String(), "Le code saisi est incorrect.")
	require.Contains(t, f.out.String(), "Authenticated on fortuneo as alice.")
	require.Empty(t, f.notifier.notices)

	saved, err := f.store.Get(context.Background(), "fortuneo", "alice")
	require.NoError(t, err)
	require.Equal(t, "device", saved.TwoFactor.Token)
}

func TestLoginPresentsSavedState(t *testing.T) {
	f := newFixture(t, result{out: authenticated()}, result{out: authenticated()})

	require.NoError(t, f.flow().login(context.Background(), creds))
	require.Empty(t, f.engine.calls[0].state.Site)

	require.NoError(t, f.flow().login(context.Background(), creds))
	require.Equal(t, "device", f.engine.calls[1].state.TwoFactor.Token)
}

func TestBatchLoginThenResume(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t,
		result{out: needsCode(0)},
		result{out: needsCode(1), err: &sca.Error{Kind: sca.KindIncorrectCode, Message: "incorrect"}},
		result{out: authenticated()},
	)

	err := f.flow().login(ctx, creds)
	require.ErrorIs(t, err, errInteractionRequired)
	require.Len(t, f.notifier.notices, 1)
	require.Equal(t, sca.ChallengeSMS, f.notifier.notices[0].Challenge.Kind)
	require.Equal(t, "alice", f.notifier.notices[0].Login)

	saved, err := f.store.Get(ctx, "fortuneo", "alice")
	require.NoError(t, err)
	require.True(t, saved.Pending())

	err = f.flow().resumeCode(ctx, "alice", "111111")
	require.ErrorIs(t, err, sca.ErrIncorrectCode)
	saved, err = f.store.Get(ctx, "fortuneo", "alice")
	require.NoError(t, err)
	require.Equal(t, 1, saved.CodeAttempts)

	err = f.flow().resumeCode(ctx, "alice", "246810")
	require.NoError(t, err)
	require.Equal(t, "otp-55", f.engine.calls[2].state.Form.Fields["otpToken"])
	require.Len(t, f.notifier.notices, 1)
}

func TestResumeWithoutState(t *testing.T) {
	f := newFixture(t)
	err := f.flow().resumeCode(context.Background(), "alice", "1234")
	require.ErrorIs(t, err, sca.ErrChallengeExpired)

	err = f.flow().resumeApp(context.Background(), "alice")
	require.ErrorIs(t, err, sca.ErrValidationExpired)
	require.Empty(t, f.engine.calls)
}

func TestAppValidation(t *testing.T) {
	app := &sca.AuthChallenge{Kind: sca.ChallengeAppPush, Prompt: "Validez dans l'application"}
	f := newFixture(t,
		result{out: sca.Outcome{Kind: sca.OutcomeNeedsAppApproval, Challenge: app, State: state(app, 0)}},
		result{out: authenticated()},
	)

	err := f.flow("").login(context.Background(), creds)
	require.NoError(t, err)
	require.Equal(t, "app", f.engine.calls[1].method)
	require.Contains(t, f.out.String(), "Validez dans l'application")
}

func TestFailureDropsChallenge(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		pending bool
	}{
		{"too many attempts", sca.Fail(sca.KindTooManyAttempts, "too many"), false},
		{"expired", sca.Fail(sca.KindChallengeExpired, "expired"), false},
		{"unavailable", sca.Fail(sca.KindUnavailable, "maintenance"), true},
		{"interrupted", context.Canceled, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, result{err: tc.err})

			pending := state(smsChallenge, 2)
			pending.TwoFactor = &sca.TwoFactorState{Token: "device", Expires: epoch.Add(24 * time.Hour)}
			require.NoError(t, f.store.Put(ctx, pending))

			err := f.flow().resumeCode(ctx, "alice", "000000")
			require.ErrorIs(t, err, tc.err)

			saved, err := f.store.Get(ctx, "fortuneo", "alice")
			require.NoError(t, err)
			require.Equal(t, tc.pending, saved.Pending())
			require.Equal(t, "device", saved.TwoFactor.Token)
		})
	}
}

func TestFailureWithoutTokenDeletesState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, result{err: sca.Fail(sca.KindTooManyAttempts, "too many")})
	require.NoError(t, f.store.Put(ctx, state(smsChallenge, 2)))

	err := f.flow().resumeCode(ctx, "alice", "000000")
	require.ErrorIs(t, err, sca.ErrTooManyAttempts)

	_, err = f.store.Get(ctx, "fortuneo", "alice")
	require.ErrorIs(t, err, statestore.ErrNotFound)
}

func TestLinePrompter(t *testing.T) {
	var labels bytes.Buffer
	prompt := linePrompter(strings.NewReader("alice\n 2468 \n"), &labels)

	login, err := prompt("Login")
	require.NoError(t, err)
	require.Equal(t, "alice", login)

	code, err := prompt("Code")
	require.NoError(t, err)
	require.Equal(t, "2468", code)
	require.Equal(t, "Login: Code: ", labels.String())

	_, err = prompt("Code")
	require.Error(t, err)
}
