package caissedepargne

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"bankauth-backend/internal/components/telemetry"
	"bankauth-backend/internal/sca"
	"bankauth-backend/internal/sites/browser"
	"bankauth-backend/lib/htmlutil"
	"bankauth-backend/lib/pagematch"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"github.com/tidwall/sjson"
)

const (
	Site           = "caissedepargne"
	DefaultBaseURL = "https://www.caisse-epargne.fr"

	ssoPath       = "/se-connecter/sso"
	authorizePath = "/api/oauth/v2/authorize"
	waitingPath   = "/dacsrest/WaitingCallbackHandler"

	// the password unit is answered within the login, then at most one unit
	// per chained challenge
	maxSteps = 4
)

func transactionPath(id string) string {
	return "/dacsrest/api/v1u0/transaction/" + url.PathEscape(id)
}

func stepPath(id string) string {
	return transactionPath(id) + "/step"
}

type phase int

const (
	phaseLogin phase = iota
	phaseCode
	phaseApp
)

type Option func(*Adapter)

// WithSymbols replaces the fingerprints of the virtual keyboard digits.
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

var (
	mainScriptRegex = regexp.MustCompile(`main-[^/]*\.js$`)
	clientIdRegex   = regexp.MustCompile(`\{authenticated:\{clientId:"([^"]+)"`)
	nonceRegex      = regexp.MustCompile(`\("nonce","([a-z0-9]+)"\)`)
)

// clientParams reads the oauth client id and nonce out of the login
// application's script.
func (a *Adapter) clientParams(ctx context.Context) (clientId string, nonce string, err error) {
	page, err := a.Get(ctx, ssoPath)
	if err != nil {
		return "", "", err
	}
	var script string
	page.Doc().Find("script[src]").Each(func(_ int, s *goquery.Selection) {
		src := s.AttrOr("src", "")
		if mainScriptRegex.MatchString(src) {
			script = src
		}
	})
	if script == "" {
		return "", "", sca.Fail(sca.KindProtocolViolation, "login application script not found")
	}
	resolved, err := page.URL.Parse(script)
	if err != nil {
		return "", "", sca.Wrap(sca.KindProtocolViolation, err)
	}

	page, err = a.Get(ctx, resolved.String())
	if err != nil {
		return "", "", err
	}
	text := string(page.Body)
	clientGroups := clientIdRegex.FindStringSubmatch(text)
	nonceGroups := nonceRegex.FindStringSubmatch(text)
	if len(clientGroups) < 2 || len(nonceGroups) < 2 {
		return "", "", sca.Fail(sca.KindProtocolViolation, "client id or nonce not found in the login script")
	}
	return clientGroups[1], nonceGroups[1], nil
}

func (a *Adapter) SubmitCredentials(ctx context.Context, creds sca.Credentials, twoFactor *sca.TwoFactorState) (sca.Step, error) {
	clientId, nonce, err := a.clientParams(ctx)
	if err != nil {
		return sca.Step{}, err
	}

	bpcesta := `{}`
	for _, kv := range [][2]string{
		{"csid", uuid.NewString()},
		{"typ_app", "rest"},
		{"enseigne", "ce"},
		{"typ_sp", "out-band"},
		{"typ_act", "auth"},
		{"typ_srv", "part"},
	} {
		bpcesta, err = sjson.Set(bpcesta, kv[0], kv[1])
		if err != nil {
			return sca.Step{}, err
		}
	}

	query := url.Values{}
	query.Set("nonce", nonce)
	query.Set("scope", "openid readUser")
	query.Set("response_type", "id_token token")
	query.Set("response_mode", "form_post")
	query.Set("login_hint", creds.Login)
	query.Set("display", "page")
	query.Set("client_id", clientId)
	query.Set("claims", `{"userinfo":{"cdetab":null,"authMethod":null,"authLevel":null},"id_token":{"auth_time":{"essential":true},"last_login":null}}`)
	query.Set("bpcesta", bpcesta)

	page, err := a.Get(ctx, authorizePath+"?"+query.Encode())
	if err != nil {
		return sca.Step{}, err
	}
	form, err := htmlutil.FindForm(page.Doc(), "form#submitMe", page.URL)
	if err != nil {
		return sca.Step{}, sca.Wrap(sca.KindProtocolViolation, err)
	}
	page, err = a.Submit(ctx, form)
	if err != nil {
		return sca.Step{}, err
	}
	if page.Header.Get("Page_Erreur") == "INDISPO" {
		return sca.Step{}, sca.Fail(sca.KindUnavailable, "the bank reports its authentication as unavailable")
	}

	tx := parseTransaction(page, "")
	if tx.Status == statusFailed {
		// no password was sent yet, the site shows this as a technical error
		return sca.Step{}, sca.Fail(sca.KindUnavailable, "authentication failed before the password was sent")
	}
	if tx.ID == "" {
		return sca.Step{}, sca.Fail(sca.KindProtocolViolation, "authentication transaction without an id")
	}
	return a.advance(ctx, tx, phaseLogin, creds.Password, creds.PIN)
}

// advance reads the transaction state and answers password units with the
// secrets in order: the password, then the keypad PIN. A password unit left
// without a secret and any other unit become a challenge.
func (a *Adapter) advance(ctx context.Context, tx transaction, ph phase, secrets ...string) (sca.Step, error) {
	sent := 0
	for i := 0; i < maxSteps; i++ {
		switch tx.Status {
		case statusSuccess:
			return a.finalize(ctx, tx)
		case statusInProgress, "":
		case statusFailed, statusFailedLegacy:
			switch ph {
			case phaseCode:
				return sca.CodeRejected("Le code que vous avez renseigné n'est pas valide", nil), nil
			case phaseApp:
				return sca.Step{Kind: sca.StepCancelled, Message: "La validation a été refusée"}, nil
			}
			if sent > 1 {
				return sca.Step{}, &sca.Error{Kind: sca.KindIncorrectPassword, Message: "wrong keypad code", BadFields: []string{"pin"}}
			}
			return sca.Step{}, &sca.Error{Kind: sca.KindIncorrectPassword, BadFields: []string{"password"}}
		case statusLocked:
			message := "access is locked"
			if until := tx.Doc.Get("response.unlockingDate").String(); until != "" {
				message = "access is locked until " + until
			}
			return sca.Step{}, sca.Fail(sca.KindActionNeeded, message)
		case statusEnrollment:
			return sca.Step{}, sca.Fail(sca.KindPasswordExpired, "a new password must be chosen")
		case statusCanceled:
			return sca.Step{Kind: sca.StepCancelled, Message: "L'opération a été annulée via l'application mobile"}, nil
		default:
			a.tel.ReportBroken(report_adapter_step, "unknown status", tx.Status)
			return sca.Step{}, sca.Failf(sca.KindProtocolViolation, "unhandled authentication status '%s'", tx.Status)
		}

		if tx.Unit.Type == unitPassword && len(secrets) > 0 && secrets[0] != "" {
			next, err := a.submitPassword(ctx, tx, secrets[0])
			if err != nil {
				return sca.Step{}, err
			}
			tx = next
			secrets = secrets[1:]
			sent++
			continue
		}
		return a.challenge(tx)
	}
	return sca.Step{}, sca.Failf(sca.KindProtocolViolation, "no outcome after %d authentication steps", maxSteps)
}

func (a *Adapter) submitPassword(ctx context.Context, tx transaction, secret string) (transaction, error) {
	code, err := a.encodeSecret(ctx, keyboardURL(tx.Unit), secret)
	if err != nil {
		return transaction{}, err
	}
	body, err := validateBody(tx.Unit, map[string]string{"password": code})
	if err != nil {
		return transaction{}, err
	}
	page, err := a.PostJSON(ctx, stepPath(tx.ID), body)
	if err != nil {
		return transaction{}, err
	}
	if page.Status == http.StatusNotFound {
		return transaction{}, sca.Fail(sca.KindUnavailable, "the authentication transaction disappeared")
	}
	return parseTransaction(page, tx.ID), nil
}

func (a *Adapter) challenge(tx transaction) (sca.Step, error) {
	challenge := sca.AuthChallenge{
		Token: tx.ID,
		Data: map[string]string{
			"unit":    tx.Unit.Key,
			"unit_id": tx.Unit.ID,
			"type":    tx.Unit.Type,
		},
	}

	switch tx.Unit.Type {
	case unitSms:
		challenge.Kind = sca.ChallengeSMS
		challenge.Destination = tx.Unit.Raw.Get("phoneNumber").String()
		challenge.Prompt = "Saisissez le code reçu par SMS"
		if challenge.Destination != "" {
			challenge.Prompt += " au " + challenge.Destination
		}
	case unitEmail:
		challenge.Kind = sca.ChallengeEmail
		challenge.Destination = tx.Unit.Raw.Get("emailAddress").String()
		challenge.Prompt = "Saisissez le code reçu par email"
	case unitCloudcard:
		challenge.Kind = sca.ChallengeAppPush
		challenge.Prompt = "Validez l'opération dans votre application Caisse d'Epargne"
		if device := tx.Unit.Raw.Get("devices.0.friendlyName").String(); device != "" {
			challenge.Prompt = fmt.Sprintf("Validez l'opération sur votre appareil %s", device)
		}
	case unitPassword:
		challenge.Kind = sca.ChallengeKeypad
		challenge.Prompt = "Saisissez votre code personnel"
		challenge.Data["keyboard"] = keyboardURL(tx.Unit)
	default:
		a.tel.ReportWarning(report_adapter_step, "unsupported validation unit", tx.Unit.Type)
		return sca.Step{}, sca.Failf(sca.KindNotImplemented, "validation by %s is not supported", strings.ToLower(tx.Unit.Type))
	}
	return sca.Challenged(challenge, nil), nil
}

func unitOf(challenge sca.AuthChallenge) validationUnit {
	return validationUnit{
		Key:  challenge.Data["unit"],
		ID:   challenge.Data["unit_id"],
		Type: challenge.Data["type"],
	}
}

func (a *Adapter) SubmitCode(ctx context.Context, challenge sca.AuthChallenge, form *sca.PendingForm, code string) (sca.Step, error) {
	unit := unitOf(challenge)
	var fields map[string]string
	switch unit.Type {
	case unitSms:
		fields = map[string]string{"otp_sms": code}
	case unitEmail:
		fields = map[string]string{"otp_email": code}
	case unitPassword:
		encoded, err := a.encodeSecret(ctx, challenge.Data["keyboard"], code)
		if err != nil {
			return sca.Step{}, err
		}
		fields = map[string]string{"password": encoded}
	default:
		return sca.Step{}, sca.Failf(sca.KindProtocolViolation, "a %s unit is not answered with a code", unit.Type)
	}

	page, err := a.validate(ctx, challenge.Token, unit, fields)
	if err != nil {
		return sca.Step{}, err
	}
	if page.Status == http.StatusNotFound {
		return sca.Step{Kind: sca.StepChallengeExpired, Message: "La demande de validation a expiré"}, nil
	}
	return a.advance(ctx, parseTransaction(page, challenge.Token), phaseCode)
}

func (a *Adapter) validate(ctx context.Context, id string, unit validationUnit, fields map[string]string) (*pagematch.Page, error) {
	body, err := validateBody(unit, fields)
	if err != nil {
		return nil, err
	}
	return a.PostJSON(ctx, stepPath(id), body)
}

// PollAppValidation reads the cloudcard status. The status turns valid
// even when the user refuses in the app, the refusal is only known once
// the unit is validated.
func (a *Adapter) PollAppValidation(ctx context.Context, challenge sca.AuthChallenge) (sca.PollStatus, error) {
	page, err := a.GetWithHeaders(ctx, waitingPath, map[string]string{
		"referer": a.Resolve(transactionPath(challenge.Token)),
	})
	if err != nil {
		return sca.PollUnknown, err
	}
	if page.Status == http.StatusNotFound {
		return sca.PollNotFound, nil
	}
	status := strings.TrimSpace(page.Doc().Find("response > status").First().Text())
	switch status {
	case "progress":
		return sca.PollPending, nil
	case "valid":
		return sca.PollValidated, nil
	}
	return sca.PollUnknown, sca.Failf(sca.KindProtocolViolation, "unhandled cloudcard status '%s'", status)
}

func (a *Adapter) ConfirmAppValidation(ctx context.Context, challenge sca.AuthChallenge, form *sca.PendingForm) (sca.Step, error) {
	page, err := a.validate(ctx, challenge.Token, unitOf(challenge), nil)
	if err != nil {
		return sca.Step{}, err
	}
	if page.Status == http.StatusNotFound {
		return sca.Step{Kind: sca.StepChallengeExpired}, nil
	}
	return a.advance(ctx, parseTransaction(page, challenge.Token), phaseApp)
}

// CancelAppValidation does nothing: the site lets a cloudcard transaction
// time out on its own.
func (a *Adapter) CancelAppValidation(ctx context.Context, challenge sca.AuthChallenge) error {
	a.tel.ReportDebug("cloudcard validation left to expire", challenge.Token)
	return nil
}

// finalize posts the SAML response of a successful transaction and reads
// the tokens of the new session.
func (a *Adapter) finalize(ctx context.Context, tx transaction) (sca.Step, error) {
	action := tx.Doc.Get("response.saml2_post.action").String()
	saml := tx.Doc.Get("response.saml2_post.samlResponse").String()
	if action == "" || saml == "" {
		return sca.Step{}, sca.Fail(sca.KindProtocolViolation, "successful authentication without a SAML response")
	}

	page, err := a.PostForm(ctx, action, map[string]string{"SAMLResponse": saml})
	if err != nil {
		return sca.Step{}, err
	}
	doc := page.JSON()
	if !doc.Get("parameters.access_token").Exists() || !doc.Get("parameters.id_token").Exists() {
		return sca.Step{}, sca.Fail(sca.KindProtocolViolation, "no session tokens after the SAML response")
	}
	a.SetHeader("authorization", "Bearer "+doc.Get("parameters.access_token").String())
	return sca.Done(nil), nil
}
