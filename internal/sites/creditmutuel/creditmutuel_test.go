package creditmutuel

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"bankauth-backend/internal/components/chrono"
	"bankauth-backend/internal/components/telemetry"
	"bankauth-backend/internal/sca"
	"bankauth-backend/internal/sites/browser"

	"github.com/stretchr/testify/require"
)

const loginPage = `<html><body>
<div class="blocmsg err">%s</div>
<form name="bloc_ident" method="post" action="/fr/authentification.html">
	<input type="hidden" name="_wxf_" value="login-token">
	<input type="text" name="_cm_user">
	<input type="password" name="_cm_pwd">
	<input type="submit" name="submit" value="Se connecter">
</form>
</body></html>`

const otpPage = `<html><body>
<div class="bloctxt err">%s</div>
<div id="OTPDeliveryChannelText">Un code de confirmation vient de vous être envoyé par SMS au 06 XX XX X1 23, le jeudi 26 décembre 2019 à 18:12:56.</div>
<form method="post" action="/fr/banque/validation.aspx">
	<input type="hidden" name="_FID_DoValidate" value="">
	<input type="hidden" name="_wxf_" value="otp-token">
	<input type="text" name="otp_password">
</form>
</body></html>`

const mobilePage = `<html><body>
<div id="inMobileAppMessage">
	<h2><img src="phone.png"></h2>
	<h2>Démarrez votre application mobile Crédit Mutuel pour vérifier et confirmer cette opération.</h2>
</div>
<script>$.ajax({ data: { transactionId: 'tx-0042', get: true } });</script>
<form method="post" action="/fr/banque/validation.aspx">
	<input type="hidden" name="_FID_DoValidate" value="">
	<input type="hidden" name="_wxf_" value="app-token">
</form>
</body></html>`

const homePage = `<html><body><div id="e_identification_ok">Bonjour Alice</div></body></html>`

var deviceExpiry = time.Date(2030, time.January, 1, 0, 0, 0, 0, time.UTC)

type fakeBank struct {
	mutex sync.Mutex

	mode       string // sms, app or none
	loginError string
	states     []string
	code       string

	polls   int
	cancels int
	posted  []map[string]string
}

func (f *fakeBank) nextState() string {
	if len(f.states) == 0 {
		return "NONE"
	}
	s := f.states[0]
	if len(f.states) > 1 {
		f.states = f.states[1:]
	}
	return s
}

func (f *fakeBank) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/fr/authentification.html", func(w http.ResponseWriter, r *http.Request) {
		f.mutex.Lock()
		defer f.mutex.Unlock()
		if r.Method == http.MethodGet {
			fmt.Fprintf(w, loginPage, "")
			return
		}
		require.NoError(t, r.ParseForm())
		if r.PostForm.Get("_cm_pwd") != "hunter2" {
			fmt.Fprintf(w, loginPage, "Votre identifiant est inconnu ou votre mot de passe est faux.")
			return
		}
		if f.loginError != "" {
			fmt.Fprintf(w, loginPage, f.loginError)
			return
		}
		if c, err := r.Cookie(twoFactorCookie); (err == nil && c.Value == "device-token") || f.mode == "none" {
			http.Redirect(w, r, "/fr/banque/pageaccueil.html", http.StatusFound)
			return
		}
		http.Redirect(w, r, "/fr/banque/validation.aspx", http.StatusFound)
	})
	mux.HandleFunc("/fr/banque/validation.aspx", func(w http.ResponseWriter, r *http.Request) {
		f.mutex.Lock()
		defer f.mutex.Unlock()
		if r.Method == http.MethodGet {
			if f.mode == "app" {
				fmt.Fprint(w, mobilePage)
				return
			}
			fmt.Fprintf(w, otpPage, "")
			return
		}
		require.NoError(t, r.ParseForm())
		fields := map[string]string{}
		for k := range r.PostForm {
			fields[k] = r.PostForm.Get(k)
		}
		f.posted = append(f.posted, fields)

		if f.mode == "sms" && fields["otp_password"] != f.code {
			fmt.Fprintf(w, otpPage, "Le code de confirmation saisi est erroné.")
			return
		}
		http.SetCookie(w, &http.Cookie{Name: twoFactorCookie, Value: "device-token", Path: "/", Expires: deviceExpiry})
		http.Redirect(w, r, "/fr/banque/pageaccueil.html", http.StatusFound)
	})
	mux.HandleFunc("/fr/banque/pageaccueil.html", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, homePage)
	})
	mux.HandleFunc("/"+statePath, func(w http.ResponseWriter, r *http.Request) {
		f.mutex.Lock()
		defer f.mutex.Unlock()
		require.NoError(t, r.ParseForm())
		require.Equal(t, "tx-0042", r.PostForm.Get("transactionId"))
		f.polls++
		w.Header().Set("content-type", "text/xml")
		fmt.Fprintf(w, `<?xml version="1.0" encoding="utf-8"?><root><transactionState>%s</transactionState></root>`, f.nextState())
	})
	mux.HandleFunc("/"+cancelPath, func(w http.ResponseWriter, r *http.Request) {
		f.mutex.Lock()
		defer f.mutex.Unlock()
		f.cancels++
	})
	return mux
}

type env struct {
	bank   *fakeBank
	server *httptest.Server
	clock  *chrono.Fake
}

func newEnv(t *testing.T, bank *fakeBank) env {
	server := httptest.NewServer(bank.handler(t))
	t.Cleanup(server.Close)
	return env{
		bank:   bank,
		server: server,
		clock:  chrono.NewFake(time.Date(2024, time.March, 1, 9, 0, 0, 0, time.UTC)),
	}
}

// engine builds a fresh adapter each time, like a new process would.
func (e env) engine(t *testing.T) *sca.Engine {
	adapter, err := New(browser.Options{BaseURL: e.server.URL}, &telemetry.Recorder{})
	require.NoError(t, err)
	return sca.NewEngine(adapter, e.clock, &telemetry.Recorder{}, sca.DefaultOptions())
}

var creds = sca.Credentials{Login: "alice", Password: "hunter2"}

func TestSmsChallengeIssuesTwoFactorState(t *testing.T) {
	e := newEnv(t, &fakeBank{mode: "sms", code: "123456"})

	out, err := e.engine(t).Login(context.Background(), creds, nil)
	require.NoError(t, err)
	require.Equal(t, sca.OutcomeNeedsCode, out.Kind)
	require.Equal(t, sca.ChallengeSMS, out.Challenge.Kind)
	require.Equal(t, "06 XX XX X1 23", out.Challenge.Destination)
	require.Contains(t, out.Prompt(), "envoyé par SMS au 06 XX XX X1 23")

	blob, err := out.State.Marshal()
	require.NoError(t, err)
	state, err := sca.UnmarshalState(blob)
	require.NoError(t, err)

	out, err = e.engine(t).ResumeWithCode(context.Background(), state, "123456")
	require.NoError(t, err)
	require.Equal(t, sca.OutcomeAuthenticated, out.Kind)
	require.Equal(t, "device-token", out.Session.TwoFactor.Token)
	require.True(t, deviceExpiry.Equal(out.Session.TwoFactor.Expires))

	require.Len(t, e.bank.posted, 1)
	require.Equal(t, "otp-token", e.bank.posted[0]["_wxf_"])
	require.Equal(t, "123456", e.bank.posted[0]["otp_password"])

	out, err = e.engine(t).Login(context.Background(), creds, &out.State)
	require.NoError(t, err)
	require.Equal(t, sca.OutcomeAuthenticated, out.Kind)
}

func TestWrongSmsCodeKeepsTheChallenge(t *testing.T) {
	e := newEnv(t, &fakeBank{mode: "sms", code: "123456"})

	out, err := e.engine(t).Login(context.Background(), creds, nil)
	require.NoError(t, err)

	out, err = e.engine(t).ResumeWithCode(context.Background(), out.State, "000000")
	require.ErrorIs(t, err, sca.ErrIncorrectCode)
	require.Equal(t, sca.OutcomeNeedsCode, out.Kind)
	require.Contains(t, err.Error(), "erroné")

	out, err = e.engine(t).ResumeWithCode(context.Background(), out.State, "123456")
	require.NoError(t, err)
	require.Equal(t, sca.OutcomeAuthenticated, out.Kind)
}

func TestMobileConfirmationIsPolled(t *testing.T) {
	e := newEnv(t, &fakeBank{mode: "app", states: []string{"PENDING", "PENDING", "VALIDATED"}})

	out, err := e.engine(t).Login(context.Background(), creds, nil)
	require.NoError(t, err)
	require.Equal(t, sca.OutcomeNeedsAppApproval, out.Kind)
	require.Equal(t, "tx-0042", out.Challenge.Token)
	require.Equal(t, "Démarrez votre application mobile Crédit Mutuel pour vérifier et confirmer cette opération.", out.Prompt())

	out, err = e.engine(t).ResumeWithAppValidation(context.Background(), out.State)
	require.NoError(t, err)
	require.Equal(t, sca.OutcomeAuthenticated, out.Kind)
	require.Equal(t, "device-token", out.State.TwoFactor.Token)
	require.Equal(t, 3, e.bank.polls)
	require.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, e.clock.Sleeps())
	require.Equal(t, "app-token", e.bank.posted[0]["_wxf_"])
}

func TestMobileConfirmationOutcomes(t *testing.T) {
	cases := []struct {
		name    string
		states  []string
		err     error
		cancels int
	}{
		{"refused in the app", []string{"PENDING", "CANCELLED"}, sca.ErrValidationCancelled, 0},
		{"unknown transaction", []string{"NONE"}, sca.ErrValidationCancelled, 0},
		{"never confirmed", []string{"PENDING"}, sca.ErrValidationExpired, 1},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t, &fakeBank{mode: "app", states: tc.states})
			out, err := e.engine(t).Login(context.Background(), creds, nil)
			require.NoError(t, err)

			_, err = e.engine(t).ResumeWithAppValidation(context.Background(), out.State)
			require.ErrorIs(t, err, tc.err)
			require.Equal(t, tc.cancels, e.bank.cancels)
			require.Empty(t, e.bank.posted)
		})
	}
}

func TestLoginErrors(t *testing.T) {
	cases := []struct {
		name    string
		message string
		err     error
	}{
		{"rights expired", "Vos droits d'accès sont échus. Veuillez vous rapprocher du mandataire principal de votre contrat.", sca.ErrActionNeeded},
		{"not allowed", "Vous n'êtes pas autorisé à accéder à ce service.", sca.ErrActionNeeded},
		{"outage", "Le service est temporairement interrompu.", sca.ErrUnavailable},
		{"unknown", "Veuillez accepter les nouvelles conditions.", sca.ErrProtocolViolation},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t, &fakeBank{mode: "sms", loginError: tc.message})
			_, err := e.engine(t).Login(context.Background(), creds, nil)
			require.ErrorIs(t, err, tc.err)
		})
	}
}

func TestWrongPassword(t *testing.T) {
	e := newEnv(t, &fakeBank{mode: "sms"})
	_, err := e.engine(t).Login(context.Background(), sca.Credentials{Login: "alice", Password: "nope"}, nil)
	require.ErrorIs(t, err, sca.ErrIncorrectPassword)
	require.Empty(t, e.bank.posted)
}

func TestLoginWithoutSecondFactor(t *testing.T) {
	e := newEnv(t, &fakeBank{mode: "none"})
	out, err := e.engine(t).Login(context.Background(), creds, nil)
	require.NoError(t, err)
	require.Equal(t, sca.OutcomeAuthenticated, out.Kind)
	require.Nil(t, out.Session.TwoFactor)
}

func TestExpiredTwoFactorStateAsksAgain(t *testing.T) {
	e := newEnv(t, &fakeBank{mode: "sms", code: "123456"})

	out, err := e.engine(t).Login(context.Background(), creds, nil)
	require.NoError(t, err)
	out, err = e.engine(t).ResumeWithCode(context.Background(), out.State, "123456")
	require.NoError(t, err)
	require.Equal(t, "device-token", out.Session.TwoFactor.Token)
	for _, c := range out.State.Cookies {
		require.NotEqual(t, twoFactorCookie, c.Name)
	}

	e.clock.Advance(deviceExpiry.Sub(e.clock.Now()) + time.Hour)
	out, err = e.engine(t).Login(context.Background(), creds, &out.State)
	require.NoError(t, err)
	require.Equal(t, sca.OutcomeNeedsCode, out.Kind)
	require.Nil(t, out.State.TwoFactor)
}

func TestTwoFactorMarginClearsTheJar(t *testing.T) {
	e := newEnv(t, &fakeBank{mode: "sms", code: "123456"})
	engine := e.engine(t)

	out, err := engine.Login(context.Background(), creds, nil)
	require.NoError(t, err)
	out, err = engine.ResumeWithCode(context.Background(), out.State, "123456")
	require.NoError(t, err)
	require.Equal(t, sca.OutcomeAuthenticated, out.Kind)

	// the bank's cookie is still in the jar, the token is within the margin
	e.clock.Advance(deviceExpiry.Sub(e.clock.Now()) - time.Hour)
	out, err = engine.Login(context.Background(), creds, &out.State)
	require.NoError(t, err)
	require.Equal(t, sca.OutcomeNeedsCode, out.Kind)
}
