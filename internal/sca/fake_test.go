package sca

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"bankauth-backend/internal/components/chrono"
	"bankauth-backend/internal/components/telemetry"
)

type result[T any] struct {
	value T
	err   error
}

// script is a queue of canned answers for one adapter method.
type script[T any] struct {
	mutex   sync.Mutex
	results []result[T]
	calls   int
}

func (s *script[T]) push(value T, err error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.results = append(s.results, result[T]{value: value, err: err})
}

func (s *script[T]) next(method string) (T, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.calls++
	if len(s.results) == 0 {
		var zero T
		return zero, fmt.Errorf("fake adapter: unexpected call to %s", method)
	}
	r := s.results[0]
	// the last answer repeats forever
	if len(s.results) > 1 {
		s.results = s.results[1:]
	}
	return r.value, r.err
}

type fakeAdapter struct {
	credentials script[Step]
	codes       script[Step]
	polls       script[PollStatus]
	confirms    script[Step]

	cancelCalls  int
	gotTwoFactor []*TwoFactorState
	gotCodes     []string
	gotForms     []*PendingForm
	locations    []string
	cookies      []Cookie
	current      string
}

func (f *fakeAdapter) Site() string { return "fakebank" }

func (f *fakeAdapter) SubmitCredentials(ctx context.Context, creds Credentials, twoFactor *TwoFactorState) (Step, error) {
	f.gotTwoFactor = append(f.gotTwoFactor, twoFactor)
	return f.credentials.next("SubmitCredentials")
}

func (f *fakeAdapter) SubmitCode(ctx context.Context, challenge AuthChallenge, form *PendingForm, code string) (Step, error) {
	f.gotCodes = append(f.gotCodes, code)
	f.gotForms = append(f.gotForms, form)
	return f.codes.next("SubmitCode")
}

func (f *fakeAdapter) PollAppValidation(ctx context.Context, challenge AuthChallenge) (PollStatus, error) {
	return f.polls.next("PollAppValidation")
}

func (f *fakeAdapter) ConfirmAppValidation(ctx context.Context, challenge AuthChallenge, form *PendingForm) (Step, error) {
	return f.confirms.next("ConfirmAppValidation")
}

func (f *fakeAdapter) CancelAppValidation(ctx context.Context, challenge AuthChallenge) error {
	f.cancelCalls++
	return nil
}

func (f *fakeAdapter) Cookies() []Cookie { return f.cookies }

func (f *fakeAdapter) SetCookies(cookies []Cookie) error {
	f.cookies = cookies
	return nil
}

func (f *fakeAdapter) CurrentURL() string { return f.current }

func (f *fakeAdapter) Locate(ctx context.Context, url string) error {
	f.locations = append(f.locations, url)
	return nil
}

var epoch = time.Date(2024, time.March, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	adapter  *fakeAdapter
	clock    *chrono.Fake
	recorder *telemetry.Recorder
	engine   *Engine
}

func setup(t testing.TB) fixture {
	t.Helper()
	adapter := &fakeAdapter{current: "https://fakebank.example/home"}
	clock := chrono.NewFake(epoch)
	recorder := &telemetry.Recorder{}
	return fixture{
		adapter:  adapter,
		clock:    clock,
		recorder: recorder,
		engine:   NewEngine(adapter, clock, recorder, DefaultOptions()),
	}
}

var creds = Credentials{Login: "alice", Password: "hunter2"}

func smsChallenge() AuthChallenge {
	return AuthChallenge{
		Kind:        ChallengeSMS,
		Token:       "otp-1",
		Prompt:      "Entrez le code reçu par SMS au 06******78",
		Destination: "06******78",
	}
}

func emailChallenge() AuthChallenge {
	return AuthChallenge{
		Kind:        ChallengeEmail,
		Token:       "otp-2",
		Prompt:      "Entrez le code reçu par email",
		Destination: "a****@example.com",
	}
}

func appChallenge() AuthChallenge {
	return AuthChallenge{
		Kind:   ChallengeAppPush,
		Token:  "transaction-1",
		Prompt: "Démarrez votre application mobile pour confirmer",
	}
}

var otpForm = &PendingForm{
	Method: "POST",
	URL:    "https://fakebank.example/otp",
	Fields: map[string]string{"token": "abc"},
}
