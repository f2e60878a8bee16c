package creditmutuel

import (
	"context"
	"fmt"
	"strings"

	"bankauth-backend/internal/components/telemetry"
	"bankauth-backend/internal/sca"
	"bankauth-backend/internal/sites/browser"
	"bankauth-backend/lib/htmlutil"
	"bankauth-backend/lib/pagematch"
	"bankauth-backend/lib/restyutil"
	"bankauth-backend/lib/textutil"
)

const (
	Site           = "creditmutuel"
	DefaultBaseURL = "https://www.creditmutuel.fr"

	loginPath = "/fr/authentification.html"
	// twoFactorCookie is only issued when the account validates the second
	// factor for 90 days, accounts with a systematic validation never get it.
	twoFactorCookie = "auth_client_state"

	statePath  = "fr/banque/async/otp/SOSD_OTP_GetTransactionState.htm"
	cancelPath = "fr/banque/async/otp/SOSD_OTP_CancelTransaction.htm"

	maxRedirects = 5
)

var (
	wrongPasswordMessages = []string{
		"mot de passe est faux",
		"mot de passe est révoqué",
		"devez renseigner votre identifiant",
		"votre code d'accès n'est pas reconnu",
	}
	actionNeededMessages = []string{
		"pas autorisé à accéder à ce service",
		"Vos droits d'accès sont échus",
		"bloqué",
	}
	unavailableMessages = []string{
		"service est temporairement interrompu",
		"Problème technique",
	}
)

type Adapter struct {
	*browser.Browser
	tel telemetry.API
}

func New(opts browser.Options, tel telemetry.API) (*Adapter, error) {
	tel = telemetry.NewScopedAPI(Site, tel)
	b, err := browser.New(opts.WithBase(DefaultBaseURL), tel)
	if err != nil {
		return nil, err
	}
	b.TokenCookies(twoFactorCookie)
	return &Adapter{Browser: b, tel: tel}, nil
}

func (a *Adapter) Site() string {
	return Site
}

func (a *Adapter) SubmitCredentials(ctx context.Context, creds sca.Credentials, twoFactor *sca.TwoFactorState) (sca.Step, error) {
	page, err := a.Get(ctx, loginPath)
	if err != nil {
		return sca.Step{}, err
	}
	if classify(page) != pageLogin {
		return a.unexpected(report_adapter_login, page)
	}

	if twoFactor == nil {
		a.RemoveCookie(twoFactorCookie)
	} else {
		err = a.SetCookies([]sca.Cookie{{
			Name:    twoFactorCookie,
			Value:   twoFactor.Token,
			Domain:  page.URL.Host,
			Path:    "/",
			Expires: twoFactor.Expires,
		}})
		if err != nil {
			return sca.Step{}, err
		}
	}

	form, err := htmlutil.FindForm(page.Doc(), `form[name*="ident"]`, page.URL)
	if err != nil {
		return sca.Step{}, sca.Wrap(sca.KindProtocolViolation, err)
	}
	form.Set("_cm_user", creds.Login)
	form.Set("_cm_pwd", creds.Password)

	page, err = a.SubmitNoRedirect(ctx, form)
	if err != nil {
		return sca.Step{}, err
	}
	page, err = a.followRedirects(ctx, page)
	if err != nil {
		return sca.Step{}, err
	}
	return a.afterLogin(ctx, page, 0)
}

// followRedirects follows Location headers one at a time, so the
// intermediate responses stay readable.
func (a *Adapter) followRedirects(ctx context.Context, page *pagematch.Page) (*pagematch.Page, error) {
	for i := 0; i < maxRedirects; i++ {
		location, ok := page.Location()
		if !ok {
			return page, nil
		}
		next, err := a.GetNoRedirect(ctx, location.String())
		if err != nil {
			return nil, err
		}
		page = next
	}
	return nil, sca.Failf(sca.KindProtocolViolation, "more than %d redirects after %s", maxRedirects, page.URL)
}

func (a *Adapter) afterLogin(ctx context.Context, page *pagematch.Page, bypassed int) (sca.Step, error) {
	switch classify(page) {
	case pageHome:
		return sca.Done(nil), nil

	case pageLogin:
		return sca.Step{}, a.loginFailure(page)

	case pageLoginError:
		return sca.Step{}, &sca.Error{
			Kind:      sca.KindIncorrectPassword,
			Message:   htmlutil.CleanText(page.Doc().Find("div.blocmsg")),
			BadFields: []string{"login", "password"},
		}

	case pageOutage:
		return sca.Step{}, sca.Fail(sca.KindUnavailable, "the site is down for maintenance")

	case pageTwoFactorUnavailable:
		return sca.Step{}, sca.Fail(sca.KindActionNeeded, htmlutil.CleanText(
			page.Doc().Find(`*:contains("aucun moyen pour confirmer")`).Last(),
		))

	case pageOtpBlocked:
		return sca.Step{}, otpBlocked(page)

	case pageMobileConfirmation:
		if link, ok := bypassLink(page); ok && bypassed == 0 {
			a.tel.ReportDebug("skipping mobile confirmation", link)
			next, err := a.Get(ctx, link)
			if err != nil {
				return sca.Step{}, err
			}
			return a.afterLogin(ctx, next, bypassed+1)
		}
		return a.mobileChallenge(page)

	case pageOtpValidation:
		form, err := htmlutil.FindForm(page.Doc(), "form", page.URL)
		if err != nil {
			return sca.Step{}, sca.Wrap(sca.KindProtocolViolation, err)
		}
		message, phone := otpMessage(page)
		return sca.Challenged(sca.AuthChallenge{
			Kind:        sca.ChallengeSMS,
			Prompt:      message,
			Destination: phone,
			Data:        map[string]string{"subbank": subbankPrefix(page.URL)},
		}, browser.Pending(form)), nil
	}

	return a.unexpected(report_adapter_login, page)
}

func (a *Adapter) mobileChallenge(page *pagematch.Page) (sca.Step, error) {
	id := transactionId(page)
	if id == "" {
		return sca.Step{}, sca.Fail(sca.KindProtocolViolation, "mobile confirmation without a transaction id")
	}
	message := validationMessage(page)
	if message == "" {
		return sca.Step{}, sca.Fail(sca.KindProtocolViolation, "mobile confirmation without a message for the user")
	}
	form, err := htmlutil.FindForm(page.Doc(), "form", page.URL)
	if err != nil {
		return sca.Step{}, sca.Wrap(sca.KindProtocolViolation, err)
	}
	return sca.Challenged(sca.AuthChallenge{
		Kind:   sca.ChallengeAppPush,
		Token:  id,
		Prompt: message,
		Data:   map[string]string{"subbank": subbankPrefix(page.URL)},
	}, browser.Pending(form)), nil
}

func (a *Adapter) loginFailure(page *pagematch.Page) error {
	message := loginError(page)
	if _, ok := textutil.MatchAny(message, wrongPasswordMessages...); ok {
		return &sca.Error{Kind: sca.KindIncorrectPassword, Message: message, BadFields: []string{"login", "password"}}
	}
	if _, ok := textutil.MatchAny(message, actionNeededMessages...); ok {
		return sca.Fail(sca.KindActionNeeded, message)
	}
	if _, ok := textutil.MatchAny(message, unavailableMessages...); ok {
		return sca.Fail(sca.KindUnavailable, message)
	}
	if _, ok := textutil.MatchAny(message, "précédente connexion a expiré"); ok {
		return fmt.Errorf("%w: %s", restyutil.ErrTransient, message)
	}
	if message == "" {
		return sca.Fail(sca.KindProtocolViolation, "back on the login page without an error message")
	}
	a.tel.ReportWarning(report_adapter_login, "unknown login error", message)
	return sca.Failf(sca.KindProtocolViolation, "unhandled login error: %s", message)
}

func otpBlocked(page *pagematch.Page) error {
	message := otpError(page)
	if strings.Contains(message, "erreurs de saisie du code de confirmation") {
		return sca.Fail(sca.KindActionNeeded, message)
	}
	return sca.Fail(sca.KindUnavailable, message)
}

func (a *Adapter) SubmitCode(ctx context.Context, challenge sca.AuthChallenge, form *sca.PendingForm, code string) (sca.Step, error) {
	if form == nil {
		return sca.Step{Kind: sca.StepChallengeExpired, Message: "Le code de confirmation envoyé par SMS n'est plus utilisable"}, nil
	}

	page, twoFactor, err := a.finalize(ctx, form.With("otp_password", code))
	if err != nil {
		return sca.Step{}, err
	}

	switch classify(page) {
	case pageOtpBlocked:
		return sca.Step{}, otpBlocked(page)
	case pageLogin:
		// the code lives 15 minutes, the site then sends back to the login page
		return sca.Step{Kind: sca.StepChallengeExpired, Message: "Le code de confirmation envoyé par SMS n'est plus utilisable"}, nil
	case pageOtpValidation:
		message := otpError(page)
		if !strings.Contains(message, "erroné") {
			return sca.Step{}, sca.Fail(sca.KindUnavailable, message)
		}
		next, err := htmlutil.FindForm(page.Doc(), "form", page.URL)
		if err != nil {
			return sca.Step{}, sca.Wrap(sca.KindProtocolViolation, err)
		}
		prompt, _ := otpMessage(page)
		return sca.CodeRejected(strings.TrimSpace(message+" "+prompt), browser.Pending(next)), nil
	case pageHome:
		return sca.Done(twoFactor), nil
	}
	return a.unexpected(report_adapter_submit_code, page)
}

// finalize posts the validated form without following its redirect: the
// redirect carries the cookie proving the second factor was passed.
func (a *Adapter) finalize(ctx context.Context, form sca.PendingForm) (*pagematch.Page, *sca.TwoFactorState, error) {
	page, err := a.SubmitNoRedirect(ctx, browser.FormOf(form))
	if err != nil {
		return nil, nil, err
	}

	var twoFactor *sca.TwoFactorState
	if cookie, ok := browser.ResponseCookie(page, twoFactorCookie); ok {
		twoFactor = &sca.TwoFactorState{Token: cookie.Value, Expires: cookie.Expires}
		if cookie.Expires.IsZero() {
			a.tel.ReportWarning(report_adapter_finalize, "two-factor cookie without expiry")
		}
	} else {
		a.tel.ReportDebug("no two-factor cookie, the account validates every login")
	}

	if location, ok := page.Location(); ok {
		page, err = a.Get(ctx, location.String())
		if err != nil {
			return nil, nil, err
		}
	}
	return page, twoFactor, nil
}

func (a *Adapter) PollAppValidation(ctx context.Context, challenge sca.AuthChallenge) (sca.PollStatus, error) {
	page, err := a.PostForm(ctx, challenge.Data["subbank"]+statePath, map[string]string{
		"transactionId": challenge.Token,
	})
	if err != nil {
		return sca.PollUnknown, err
	}

	switch classify(page) {
	case pageTransactionState:
	case pageLogin:
		return sca.PollCancelled, nil
	case pageHome:
		return sca.PollValidated, nil
	default:
		_, err := a.unexpected(report_adapter_poll, page)
		return sca.PollUnknown, err
	}

	state := strings.TrimSpace(page.Doc().Find("transactionstate").First().Text())
	switch state {
	case "PENDING":
		return sca.PollPending, nil
	case "VALIDATED":
		return sca.PollValidated, nil
	case "CANCELLED", "NONE":
		return sca.PollCancelled, nil
	}
	return sca.PollUnknown, sca.Failf(sca.KindProtocolViolation, "unhandled polling state '%s'", state)
}

func (a *Adapter) ConfirmAppValidation(ctx context.Context, challenge sca.AuthChallenge, form *sca.PendingForm) (sca.Step, error) {
	if form == nil {
		return sca.Step{}, sca.Fail(sca.KindProtocolViolation, "no form to finish the mobile confirmation")
	}
	page, twoFactor, err := a.finalize(ctx, *form)
	if err != nil {
		return sca.Step{}, err
	}
	switch classify(page) {
	case pageHome:
		return sca.Done(twoFactor), nil
	case pageLogin:
		return sca.Step{Kind: sca.StepLoggedOut}, nil
	}
	return a.unexpected(report_adapter_confirm, page)
}

func (a *Adapter) CancelAppValidation(ctx context.Context, challenge sca.AuthChallenge) error {
	_, err := a.PostForm(ctx, challenge.Data["subbank"]+cancelPath, map[string]string{
		"transactionId": challenge.Token,
	})
	return err
}

func (a *Adapter) unexpected(id string, page *pagematch.Page) (sca.Step, error) {
	a.tel.ReportBroken(id, "unexpected page", page.URL.String(), page.Status)
	return sca.Step{}, sca.Failf(
		sca.KindProtocolViolation, "unexpected %s page at %s", classify(page), page.URL.Path,
	)
}
