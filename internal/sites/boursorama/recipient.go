package boursorama

import (
	"context"
	"errors"
	"strings"

	"bankauth-backend/internal/sca"
	"bankauth-backend/internal/sites/browser"
	"bankauth-backend/lib/htmlutil"
	"bankauth-backend/lib/pagematch"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Recipient is an external account to be added to the transfer
// recipients. It is the payload of the add-recipient operation.
type Recipient struct {
	Label    string `json:"label" validate:"required,max=32"`
	IBAN     string `json:"iban" validate:"required,alphanum,min=15,max=34"`
	BankName string `json:"bank_name,omitempty"`
}

const (
	prepareForm      = "externalAccountsPrepareType"
	otpPrepareForm   = "strong_authentication_prepare"
	otpConfirmForm   = "strong_authentication_confirm"
	confirmationForm = "externalAccountsConfirmType"
)

// AddRecipient adds r to the recipients of the account at accountURL. The
// bank asks for a code sent by sms or email, the outcome then carries the
// challenge and the operation is finished by the engine's ResumeWithCode.
// The session must be logged in.
func (a *Adapter) AddRecipient(ctx context.Context, engine *sca.Engine, state sca.PendingOperationState, accountURL string, r Recipient) (sca.Outcome, error) {
	r.IBAN = strings.ToUpper(strings.ReplaceAll(r.IBAN, " ", ""))
	err := validate.Struct(r)
	if err != nil {
		var verrs validator.ValidationErrors
		fields := []string{}
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				fields = append(fields, strings.ToLower(fe.Field()))
			}
		}
		return sca.Outcome{}, &sca.Error{Kind: sca.KindActionNeeded, Message: "invalid recipient", BadFields: fields, Err: err}
	}

	return engine.StartOperation(ctx, state, sca.OperationAddRecipient, r, func(ctx context.Context) (sca.Step, error) {
		return a.startRecipient(ctx, accountURL, r)
	})
}

// AddRecipientRelogging is AddRecipient on a session that may have timed
// out: when the bank shows the login page, the account is logged in again
// with creds and the recipient is submitted on the new session.
func (a *Adapter) AddRecipientRelogging(ctx context.Context, engine *sca.Engine, creds sca.Credentials, state sca.PendingOperationState, accountURL string, r Recipient) (sca.Outcome, error) {
	return engine.RetryOnLogout(ctx, creds, state, func(ctx context.Context, state sca.PendingOperationState) (sca.Outcome, error) {
		return a.AddRecipient(ctx, engine, state, accountURL, r)
	})
}

func (a *Adapter) startRecipient(ctx context.Context, accountURL string, r Recipient) (sca.Step, error) {
	page, err := a.Get(ctx, strings.TrimSuffix(accountURL, "/")+"/virements/comptes-externes/nouveau")
	if err != nil {
		return sca.Step{}, err
	}
	if classify(page) == pageLogin {
		return sca.Step{Kind: sca.StepLoggedOut}, nil
	}
	if !hasForm(page, prepareForm) {
		return a.unexpected(report_adapter_recipient, page)
	}

	form, err := htmlutil.FindForm(page.Doc(), `form[name="`+prepareForm+`"]`, page.URL)
	if err != nil {
		return sca.Step{}, sca.Wrap(sca.KindProtocolViolation, err)
	}
	bank := r.BankName
	if bank == "" {
		bank = "Autre"
	}
	form.Set(prepareForm+"[type]", "tiers")
	form.Set(prepareForm+"[label]", r.Label)
	// the names are mandatory but not editable by the user
	form.Set(prepareForm+"[beneficiaryLastname]", r.Label)
	form.Set(prepareForm+"[beneficiaryFirstname]", r.Label)
	form.Set(prepareForm+"[bank]", bank)
	form.Set(prepareForm+"[iban]", r.IBAN)
	form.Set("submit", "")

	page, err = a.Submit(ctx, form)
	if err != nil {
		return sca.Step{}, err
	}
	return a.afterRecipient(ctx, page)
}

func (a *Adapter) afterRecipient(ctx context.Context, page *pagematch.Page) (sca.Step, error) {
	if classify(page) == pageLogin {
		return sca.Step{Kind: sca.StepLoggedOut}, nil
	}
	if message := formErrors(page); message != "" {
		return sca.Step{}, &sca.Error{Kind: sca.KindActionNeeded, Message: message, BadFields: []string{"recipient"}}
	}

	switch {
	case hasForm(page, otpPrepareForm):
		return a.requestRecipientCode(ctx, page)
	case hasForm(page, confirmationForm):
		// the code step is skipped when a code was confirmed recently
		return a.finishRecipient(ctx, page)
	}
	return a.unexpected(report_adapter_recipient, page)
}

func (a *Adapter) requestRecipientCode(ctx context.Context, page *pagematch.Page) (sca.Step, error) {
	var kind sca.ChallengeKind
	var prompt string
	switch otpType := page.Doc().Find("input#strong_authentication_prepare_type").AttrOr("value", ""); otpType {
	case "brs-otp-sms":
		kind, prompt = sca.ChallengeSMS, "Veuillez saisir le code reçu par SMS"
	case "brs-otp-email":
		kind, prompt = sca.ChallengeEmail, "Veuillez saisir le code reçu par email"
	default:
		a.tel.ReportWarning(report_adapter_recipient, "unsupported otp type", otpType)
		return sca.Step{}, sca.Failf(sca.KindNotImplemented, "validation by '%s' is not supported", otpType)
	}

	form, err := htmlutil.FindForm(page.Doc(), `form[name="`+otpPrepareForm+`"]`, page.URL)
	if err != nil {
		return sca.Step{}, sca.Wrap(sca.KindProtocolViolation, err)
	}
	page, err = a.Submit(ctx, form)
	if err != nil {
		return sca.Step{}, err
	}
	if !hasForm(page, otpConfirmForm) {
		return a.unexpected(report_adapter_recipient, page)
	}
	form, err = htmlutil.FindForm(page.Doc(), `form[name="`+otpConfirmForm+`"]`, page.URL)
	if err != nil {
		return sca.Step{}, sca.Wrap(sca.KindProtocolViolation, err)
	}
	return sca.Challenged(sca.AuthChallenge{
		Kind:   kind,
		Prompt: prompt,
		Data:   map[string]string{"flow": flowRecipient},
	}, browser.Pending(form)), nil
}

func (a *Adapter) confirmRecipient(ctx context.Context, form sca.PendingForm, code string) (sca.Step, error) {
	page, err := a.Submit(ctx, browser.FormOf(form.With(otpConfirmForm+"[code]", code)))
	if err != nil {
		return sca.Step{}, err
	}
	if hasForm(page, otpConfirmForm) {
		message := formErrors(page)
		if message == "" {
			message = "Le code saisi est incorrect"
		}
		next, err := htmlutil.FindForm(page.Doc(), `form[name="`+otpConfirmForm+`"]`, page.URL)
		if err != nil {
			return sca.CodeRejected(message, nil), nil
		}
		return sca.CodeRejected(message, browser.Pending(next)), nil
	}
	return a.afterRecipient(ctx, page)
}

func (a *Adapter) finishRecipient(ctx context.Context, page *pagematch.Page) (sca.Step, error) {
	form, err := htmlutil.FindForm(page.Doc(), `form[name="`+confirmationForm+`"]`, page.URL)
	if err != nil {
		return sca.Step{}, sca.Wrap(sca.KindProtocolViolation, err)
	}
	page, err = a.Submit(ctx, form)
	if err != nil {
		return sca.Step{}, err
	}
	if !recipientCreated(page) {
		return a.unexpected(report_adapter_recipient, page)
	}
	return sca.Done(nil), nil
}
