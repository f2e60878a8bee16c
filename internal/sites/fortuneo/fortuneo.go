package fortuneo

import (
	"context"
	"net/http"

	"bankauth-backend/internal/components/telemetry"
	"bankauth-backend/internal/sca"
	"bankauth-backend/internal/sites/browser"
	"bankauth-backend/lib/htmlutil"
	"bankauth-backend/lib/pagematch"
	"bankauth-backend/lib/textutil"
)

const (
	Site           = "fortuneo"
	DefaultBaseURL = "https://mabanque.fortuneo.fr"

	loginPath     = "/fr/identification.jsp"
	synthesisPath = "/fr/prive/mes-comptes/synthese-mes-comptes.jsp"
	accountsPath  = "/fr/prive/default.jsp?ANav=1"
	validatePath  = "/fr/prive/valider-otp-connexion.jsp"

	strongConnection = "AUTHENTIFICATION_FORTE_CONNEXION"
)

var (
	wrongPasswordMessages = []string{
		"anomalie est survenue",
		"mot de passe et/ou votre identifiant est erroné",
		"mot de passe et/ou identifiant est erroné",
		"identifiant n'est plus actif",
		// new credentials must be set or access stays blocked
		"accès est désormais bloqué",
	}
	unavailableMessages = []string{
		"Nous ne pouvons donner suite à votre demande",
		"Certificat invalide",
	}
	noPhoneMessage = "Cette opération sensible doit être validée par un code sécurité"
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
	form, err := htmlutil.FindForm(page.Doc(), `form[name="acces_identification"]`, page.URL)
	if err != nil {
		return sca.Step{}, sca.Wrap(sca.KindProtocolViolation, err)
	}
	form.Set("login", creds.Login)
	form.Set("passwd", creds.Password)

	page, err = a.Submit(ctx, form)
	if err != nil {
		return sca.Step{}, err
	}
	// invalid credentials are a bare 401, the message is on the reloaded
	// login page
	if page.Status == http.StatusUnauthorized {
		page, err = a.Get(ctx, loginPath)
		if err != nil {
			return sca.Step{}, err
		}
	}

	switch classify(page) {
	case pageLogin:
		return sca.Step{}, a.loginFailure(loginError(page))
	case pageUnavailable:
		return sca.Step{}, sca.Fail(sca.KindUnavailable, "the bank website is unavailable")
	}

	// the default landing page does not ask for the second factor, the
	// account synthesis does
	page, err = a.Get(ctx, synthesisPath)
	if err != nil {
		return sca.Step{}, err
	}
	switch classify(page) {
	case pageTwoFactor:
		return a.twoFactor(page)
	case pageSecurity:
		return sca.Step{}, sca.Fail(sca.KindActionNeeded, noPhoneMessage+" envoyé par SMS ou serveur vocal. Veuillez contacter le Service Clients pour renseigner vos coordonnées téléphoniques.")
	case pageAccounts:
		return a.lastStep(ctx)
	case pageLogin:
		return sca.Step{Kind: sca.StepLoggedOut}, nil
	}
	return a.unexpected(report_adapter_login, page)
}

func (a *Adapter) loginFailure(message string) error {
	if _, ok := textutil.MatchAny(message, wrongPasswordMessages...); ok {
		return &sca.Error{Kind: sca.KindIncorrectPassword, Message: message, BadFields: []string{"login", "password"}}
	}
	if _, ok := textutil.MatchAny(message, unavailableMessages...); ok {
		return sca.Fail(sca.KindUnavailable, message)
	}
	a.tel.ReportWarning(report_adapter_login, "unknown login error", message)
	return sca.Failf(sca.KindProtocolViolation, "unhandled login error: %s", message)
}

// twoFactor captures the form the sms code is posted with. Accounts
// without a registered phone can never pass it.
func (a *Adapter) twoFactor(page *pagematch.Page) (sca.Step, error) {
	if warning := warningMessage(page); warning != "" {
		if _, ok := textutil.MatchAny(warning, noPhoneMessage); ok {
			return sca.Step{}, sca.Fail(sca.KindActionNeeded, warning)
		}
	}
	form, err := htmlutil.FindForm(page.Doc(), otpFormSelector, page.URL)
	if err != nil {
		return a.unexpected(report_adapter_two_factor, page)
	}
	return sca.Challenged(sca.AuthChallenge{
		Kind:   sca.ChallengeSMS,
		Prompt: "Entrez le code reçu par SMS",
	}, browser.Pending(form)), nil
}

func (a *Adapter) lastStep(ctx context.Context) (sca.Step, error) {
	page, err := a.Get(ctx, accountsPath)
	if err != nil {
		return sca.Step{}, err
	}
	switch classify(page) {
	case pageAccounts:
		if needsSms(page) {
			return sca.Step{}, sca.Fail(sca.KindNotImplemented, "the security card authentication is not supported")
		}
		return sca.Done(nil), nil
	case pageLogin:
		return sca.Step{Kind: sca.StepLoggedOut}, nil
	}
	return a.unexpected(report_adapter_login, page)
}

func (a *Adapter) SubmitCode(ctx context.Context, challenge sca.AuthChallenge, form *sca.PendingForm, code string) (sca.Step, error) {
	if form == nil {
		return sca.Step{Kind: sca.StepChallengeExpired}, nil
	}
	fields := form.With("otp", code).With("typeOperationSensible", strongConnection).Fields
	page, err := a.PostForm(ctx, validatePath, fields)
	if err != nil {
		return sca.Step{}, err
	}
	if classify(page) == pageLogin {
		return sca.Step{Kind: sca.StepLoggedOut}, nil
	}
	if message := otpError(page); message != "" {
		if _, ok := textutil.MatchAny(message, "expiré", "n'est plus valide"); ok {
			return sca.Step{Kind: sca.StepChallengeExpired, Message: message}, nil
		}
		next, err := htmlutil.FindForm(page.Doc(), otpFormSelector, page.URL)
		if err != nil {
			return sca.CodeRejected(message, nil), nil
		}
		return sca.CodeRejected(message, browser.Pending(next)), nil
	}

	page, err = a.Get(ctx, synthesisPath)
	if err != nil {
		return sca.Step{}, err
	}
	switch classify(page) {
	case pageAccounts:
		return a.lastStep(ctx)
	case pageLogin:
		return sca.Step{Kind: sca.StepLoggedOut}, nil
	}
	return a.unexpected(report_adapter_submit_code, page)
}

// Fortuneo has no decoupled validation at login.

func (a *Adapter) PollAppValidation(ctx context.Context, challenge sca.AuthChallenge) (sca.PollStatus, error) {
	return sca.PollUnknown, sca.Fail(sca.KindNotImplemented, "fortuneo has no app validation")
}

func (a *Adapter) ConfirmAppValidation(ctx context.Context, challenge sca.AuthChallenge, form *sca.PendingForm) (sca.Step, error) {
	return sca.Step{}, sca.Fail(sca.KindNotImplemented, "fortuneo has no app validation")
}

func (a *Adapter) CancelAppValidation(ctx context.Context, challenge sca.AuthChallenge) error {
	return nil
}

func (a *Adapter) unexpected(id string, page *pagematch.Page) (sca.Step, error) {
	a.tel.ReportBroken(id, "unexpected page", page.URL.String(), page.Status)
	return sca.Step{}, sca.Failf(
		sca.KindProtocolViolation, "unexpected %s page at %s", classify(page), page.URL.Path,
	)
}
