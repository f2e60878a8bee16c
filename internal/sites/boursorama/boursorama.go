package boursorama

import (
	"context"
	"errors"
	"unicode"

	"bankauth-backend/internal/components/telemetry"
	"bankauth-backend/internal/sca"
	"bankauth-backend/internal/sites/browser"
	"bankauth-backend/lib/htmlutil"
	"bankauth-backend/lib/pagematch"
	"bankauth-backend/lib/textutil"
	"bankauth-backend/lib/virtkeyboard"
)

const (
	Site           = "boursorama"
	DefaultBaseURL = "https://clients.boursorama.com"

	loginPath    = "/connexion/"
	keyboardPath = "/connexion/clavier-virtuel?_hinclude=300000"

	keyboardAttempts = 3

	flowLogin     = "login"
	flowRecipient = "recipient"
)

// defaultSymbols are the sha256 fingerprints of the svg data of each key.
var defaultSymbols = map[rune][]string{
	'0': {"8560081e18568aba02ef3b1f7ac0e8b238cbbd21b70a5e919360ac456d45d506"},
	'1': {"eadac6d6288cbd61524fd1a3078a19bf555735c7af13a2890e307263c4c7259b"},
	'2': {"c54018639480788c02708b2d89651627dadf74048e029844f92006e19eadc094"},
	'3': {"f3022aeced3b8f45f69c1ec001909636984c81b7e5fcdc2bc481668b1e84ae05"},
	'4': {"3e3d48446781f9f337858e56d01dd9a66c6be697ba34d8f63f48e694f755a480"},
	'5': {"4b16fb3592febdd9fb794dc52e4d49f5713e9af05486388f3ca259226dcd5cce"},
	'6': {"9b3afcc0ceb68c70cc697330d8a609900cf330b6aef1fb102f7a1c34cd8bc3d4"},
	'7': {"9e760193de1b6c5135ebe1bcad7ff65a2aacfc318973ce29ecb23ed2f86d6012"},
	'8': {"64d87d9a7023788e21591679c1783390011575a189ea82bb36776a096c7ca02c"},
	'9': {"1b358233ad4eb6b10bf0dadc3404261317a1b78b62f8501b70c646d654ae88f1"},
}

var quotaMessages = []string{
	"nombre maximal de demandes",
}

type Option func(*Adapter)

func WithSymbols(symbols map[rune][]string) Option {
	return func(a *Adapter) {
		a.symbols = symbols
	}
}

type Adapter struct {
	*browser.Browser
	tel     telemetry.API
	symbols map[rune][]string
}

func New(opts browser.Options, tel telemetry.API, options ...Option) (*Adapter, error) {
	tel = telemetry.NewScopedAPI(Site, tel)
	b, err := browser.New(opts.WithBase(DefaultBaseURL), tel)
	if err != nil {
		return nil, err
	}
	a := &Adapter{Browser: b, tel: tel, symbols: defaultSymbols}
	for _, opt := range options {
		opt(a)
	}
	return a, nil
}

func (a *Adapter) Site() string {
	return Site
}

func isAlphanumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r > unicode.MaxASCII || !(unicode.IsLetter(r) || unicode.IsDigit(r)) {
			return false
		}
	}
	return true
}

func (a *Adapter) SubmitCredentials(ctx context.Context, creds sca.Credentials, twoFactor *sca.TwoFactorState) (sca.Step, error) {
	// the keyboard only has digits, letters are typed as their phone keypad digit
	if !isAlphanumeric(creds.Password) {
		return sca.Step{}, &sca.Error{
			Kind:      sca.KindIncorrectPassword,
			Message:   "the password can only contain letters and digits",
			BadFields: []string{"password"},
		}
	}
	digits, err := virtkeyboard.KeypadDigits(creds.Password)
	if err != nil {
		return sca.Step{}, sca.Wrap(sca.KindIncorrectPassword, err)
	}

	page, err := a.Get(ctx, loginPath)
	if err != nil {
		return sca.Step{}, err
	}
	if classify(page) != pageLogin {
		return a.unexpected(report_adapter_login, page)
	}
	form, err := htmlutil.FindForm(page.Doc(), `form[name="form"]`, page.URL)
	if err != nil {
		return sca.Step{}, sca.Wrap(sca.KindProtocolViolation, err)
	}

	password, challenge, err := a.typePassword(ctx, digits)
	if err != nil {
		return sca.Step{}, err
	}
	form.Set("form[clientNumber]", creds.Login)
	form.Set("form[password]", password)
	form.Set("form[matrixRandomChallenge]", challenge)

	page, err = a.Submit(ctx, form)
	if err != nil {
		return sca.Step{}, err
	}
	return a.afterLogin(ctx, page)
}

// typePassword loads the virtual keyboard, reloading it when a key image is
// not recognized, and returns the key codes of digits with the matrix
// challenge that goes with them.
func (a *Adapter) typePassword(ctx context.Context, digits string) (password string, challenge string, err error) {
	for attempt := 1; ; attempt++ {
		page, err := a.Get(ctx, keyboardPath)
		if err != nil {
			return "", "", err
		}
		keyboard, err := virtkeyboard.New(
			a.symbols, keyImages(page),
			virtkeyboard.WithHash(virtkeyboard.SHA256),
			virtkeyboard.WithSeparator("|"),
		)
		if err != nil {
			return "", "", sca.Wrap(sca.KindProtocolViolation, err)
		}

		password, err = keyboard.Encode(digits)
		if err == nil {
			challenge = matrixChallenge(page)
			if challenge == "" {
				return "", "", sca.Fail(sca.KindProtocolViolation, "virtual keyboard without a matrix challenge")
			}
			return password, challenge, nil
		}
		if !errors.Is(err, virtkeyboard.ErrSymbolNotFound) || attempt >= keyboardAttempts {
			a.tel.ReportBroken(report_adapter_keyboard, err, attempt)
			return "", "", sca.Wrap(sca.KindProtocolViolation, err)
		}
		a.tel.ReportWarning(report_adapter_keyboard, "unknown key image, reloading", attempt)
	}
}

func (a *Adapter) afterLogin(ctx context.Context, page *pagematch.Page) (sca.Step, error) {
	switch classify(page) {
	case pageHome:
		return sca.Done(nil), nil
	case pageLogin:
		return sca.Step{}, &sca.Error{
			Kind:      sca.KindIncorrectPassword,
			Message:   loginError(page),
			BadFields: []string{"login", "password"},
		}
	case pageLocked:
		if message := lockedMessage(page); message != "" {
			return sca.Step{}, sca.Fail(sca.KindActionNeeded, message)
		}
		return sca.Step{}, &sca.Error{Kind: sca.KindIncorrectPassword, Message: "the account is locked"}
	case pageAuthentication:
		return a.registerDevice(ctx, page)
	}
	return a.unexpected(report_adapter_login, page)
}

// registerDevice walks the /securisation pages: the device is declared, an
// sms is requested, and the form expecting the code is kept for later.
func (a *Adapter) registerDevice(ctx context.Context, page *pagematch.Page) (sca.Step, error) {
	form, err := htmlutil.FindForm(page.Doc(), "form", page.URL)
	if err != nil {
		return sca.Step{}, sca.Wrap(sca.KindProtocolViolation, err)
	}
	page, err = a.Submit(ctx, form)
	if err != nil {
		return sca.Step{}, err
	}

	if message := formErrors(page); message != "" {
		return sca.Step{}, a.authenticationError(message)
	}
	form, err = htmlutil.FindForm(page.Doc(), "form", page.URL)
	if err != nil {
		return sca.Step{}, sca.Wrap(sca.KindProtocolViolation, err)
	}
	token := form.Fields["flow_secureForm_instance"]
	if token == "" {
		return a.unexpected(report_adapter_authentication, page)
	}
	form.Set("otp_prepare[receiveCode]", "")

	page, err = a.Submit(ctx, form)
	if err != nil {
		return sca.Step{}, err
	}
	if message := formErrors(page); message != "" {
		return sca.Step{}, a.authenticationError(message)
	}
	form, err = htmlutil.FindForm(page.Doc(), `input[name="otp_confirm[otpCode]"]`, page.URL)
	if err != nil {
		return a.unexpected(report_adapter_authentication, page)
	}
	form.Set("flow_secureForm_instance", token)
	form.Set("flow_secureForm_step", "2")
	form.Set("otp_confirm[validate]", "")

	return sca.Challenged(sca.AuthChallenge{
		Kind:   sca.ChallengeSMS,
		Token:  token,
		Prompt: "Saisissez le code de sécurité reçu par SMS",
		Data:   map[string]string{"flow": flowLogin},
	}, browser.Pending(form)), nil
}

// authenticationError reads the error of a /securisation page. The sms
// quota is about fifteen requests a day.
func (a *Adapter) authenticationError(message string) error {
	if _, ok := textutil.MatchAny(message, quotaMessages...); ok {
		return sca.Fail(sca.KindUnavailable, message)
	}
	a.tel.ReportWarning(report_adapter_authentication, "unknown error", message)
	return sca.Fail(sca.KindActionNeeded, message)
}

func (a *Adapter) SubmitCode(ctx context.Context, challenge sca.AuthChallenge, form *sca.PendingForm, code string) (sca.Step, error) {
	if form == nil {
		return sca.Step{Kind: sca.StepChallengeExpired}, nil
	}
	if challenge.Data["flow"] == flowRecipient {
		return a.confirmRecipient(ctx, *form, code)
	}

	page, err := a.Submit(ctx, browser.FormOf(form.With("otp_confirm[otpCode]", code)))
	if err != nil {
		return sca.Step{}, err
	}
	switch classify(page) {
	case pageHome:
		return sca.Done(nil), nil
	case pageLogin:
		return sca.Step{Kind: sca.StepLoggedOut}, nil
	case pageAuthentication:
		message := formErrors(page)
		if _, ok := textutil.MatchAny(message, quotaMessages...); ok {
			return sca.Step{}, sca.Fail(sca.KindUnavailable, message)
		}
		if message == "" {
			message = "Le code de sécurité est invalide"
		}
		return sca.CodeRejected(message, nil), nil
	}
	return a.unexpected(report_adapter_submit_code, page)
}

// Boursorama has no decoupled validation.

func (a *Adapter) PollAppValidation(ctx context.Context, challenge sca.AuthChallenge) (sca.PollStatus, error) {
	return sca.PollUnknown, sca.Fail(sca.KindNotImplemented, "boursorama has no app validation")
}

func (a *Adapter) ConfirmAppValidation(ctx context.Context, challenge sca.AuthChallenge, form *sca.PendingForm) (sca.Step, error) {
	return sca.Step{}, sca.Fail(sca.KindNotImplemented, "boursorama has no app validation")
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
