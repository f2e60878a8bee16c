// Package notify tells the account holder that an authentication flow is
// waiting on them while running without a terminal.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"
	"time"

	"bankauth-backend/internal/sca"
	"bankauth-backend/lib/telemetry"
	"bankauth-backend/lib/timezone"

	"github.com/jordan-wright/email"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = telemetry.Tracer("bankauth/internal/notify")

// Notice describes a challenge left pending by a batch run.
type Notice struct {
	Site      string
	Login     string
	Challenge sca.AuthChallenge
	ExpiresAt time.Time
}

type Notifier interface {
	NotifyChallenge(ctx context.Context, notice Notice) error
}

// Nop drops every notice.
type Nop struct{}

func (Nop) NotifyChallenge(ctx context.Context, notice Notice) error {
	slog.DebugContext(ctx, "notification skipped", "site", notice.Site, "login", notice.Login)
	return nil
}

type SmtpConfig struct {
	Server       string   `json:"server"`
	Port         int      `json:"port" validate:"gte=0,lte=65535"`
	EmailAddress string   `json:"email_address"`
	Password     string   `json:"password"`
	To           []string `json:"to" validate:"dive,email"`
}

func (c SmtpConfig) Enabled() bool {
	return c.Server != "" && len(c.To) > 0
}

type sendFunc = func(mail *email.Email, addr string, auth smtp.Auth) error

type EmailNotifier struct {
	config SmtpConfig
	send   sendFunc
}

func NewEmailNotifier(config SmtpConfig) *EmailNotifier {
	return &EmailNotifier{
		config: config,
		send: func(mail *email.Email, addr string, auth smtp.Auth) error {
			return mail.Send(addr, auth)
		},
	}
}

// New returns an EmailNotifier when smtp is configured and Nop otherwise.
func New(config SmtpConfig) Notifier {
	if !config.Enabled() {
		return Nop{}
	}
	return NewEmailNotifier(config)
}

func describe(challenge sca.AuthChallenge) string {
	switch challenge.Kind {
	case sca.ChallengeSMS:
		if challenge.Destination != "" {
			return fmt.Sprintf("A code was sent by SMS to %s.", challenge.Destination)
		}
		return "A code was sent by SMS."
	case sca.ChallengeEmail:
		if challenge.Destination != "" {
			return fmt.Sprintf("A code was sent by email to %s.", challenge.Destination)
		}
		return "A code was sent by email."
	case sca.ChallengeAppPush:
		return "A validation request was sent to your banking app."
	case sca.ChallengeKeypad:
		return "Your secure code is required."
	}
	return "The bank requires a second factor."
}

func (n *EmailNotifier) message(notice Notice) *email.Email {
	mail := email.NewEmail()
	mail.From = fmt.Sprintf("Bankauth <%s>", n.config.EmailAddress)
	mail.To = n.config.To
	mail.Subject = fmt.Sprintf("Authentication pending on %s", notice.Site)

	var resume string
	if notice.Challenge.Kind == sca.ChallengeAppPush {
		resume = fmt.Sprintf("bankauth resume %s --login %s --app", notice.Site, notice.Login)
	} else {
		resume = fmt.Sprintf("bankauth resume %s --login %s --code <code>", notice.Site, notice.Login)
	}

	lines := []string{
		fmt.Sprintf("The connection to %s for %s needs your attention.", notice.Site, notice.Login),
		"",
		describe(notice.Challenge),
	}
	if notice.Challenge.Prompt != "" {
		lines = append(lines, notice.Challenge.Prompt)
	}
	lines = append(lines, "", "Once done, run:", "", "    "+resume)
	if !notice.ExpiresAt.IsZero() {
		lines = append(lines, "", fmt.Sprintf("This request expires at %s.", timezone.Format(notice.ExpiresAt, time.RFC1123)))
	}
	mail.Text = []byte(strings.Join(lines, "\n"))
	return mail
}

func (n *EmailNotifier) NotifyChallenge(ctx context.Context, notice Notice) error {
	ctx, span := tracer.Start(ctx, "EmailNotifier.NotifyChallenge")
	defer span.End()
	span.SetAttributes(
		attribute.String("site", notice.Site),
		attribute.String("challenge", notice.Challenge.Kind.String()),
	)

	mail := n.message(notice)
	addr := fmt.Sprintf("%s:%d", n.config.Server, n.config.Port)
	err := n.send(mail, addr, smtp.PlainAuth("", n.config.EmailAddress, n.config.Password, n.config.Server))
	if err != nil && strings.Contains(err.Error(), "server doesn't support AUTH") {
		err = n.send(mail, addr, nil)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to send email")
		return fmt.Errorf("notify %s: %w", notice.Login, err)
	}

	slog.InfoContext(ctx, "challenge notification sent", "site", notice.Site, "login", notice.Login)
	return nil
}
