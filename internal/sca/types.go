package sca

import (
	"fmt"
	"time"
)

type Credentials struct {
	Login    string
	Password string
	// PIN is a secondary secret some sites ask for on a virtual keypad.
	PIN string
}

type ChallengeKind int

const (
	ChallengeUnknown ChallengeKind = iota
	ChallengeSMS
	ChallengeEmail
	ChallengeAppPush
	ChallengeKeypad
)

var challengeKindNames = map[ChallengeKind]string{
	ChallengeSMS:     "sms",
	ChallengeEmail:   "email",
	ChallengeAppPush: "app_push",
	ChallengeKeypad:  "keypad",
}

func (k ChallengeKind) String() string {
	name, ok := challengeKindNames[k]
	if !ok {
		return fmt.Sprintf("unknown(%d)", int(k))
	}
	return name
}

// IsCode reports whether the challenge is answered by typing a code.
func (k ChallengeKind) IsCode() bool {
	return k == ChallengeSMS || k == ChallengeEmail || k == ChallengeKeypad
}

func (k ChallengeKind) MarshalText() ([]byte, error) {
	name, ok := challengeKindNames[k]
	if !ok {
		return nil, fmt.Errorf("cannot serialize challenge kind %d", int(k))
	}
	return []byte(name), nil
}

func (k *ChallengeKind) UnmarshalText(text []byte) error {
	parsed, err := ParseChallengeKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

func ParseChallengeKind(s string) (ChallengeKind, error) {
	for k, name := range challengeKindNames {
		if name == s {
			return k, nil
		}
	}
	return ChallengeUnknown, fmt.Errorf("unknown challenge kind '%s'", s)
}

// AuthChallenge is a request from the bank for proof beyond the password.
type AuthChallenge struct {
	Kind ChallengeKind `json:"kind"`
	// Token is the server's identifier for the challenge (transaction id,
	// form token...). Opaque to everything but the adapter that issued it.
	Token  string `json:"token,omitempty"`
	Prompt string `json:"prompt"`
	// Destination is the masked phone number or email the code was sent to.
	Destination string `json:"destination,omitempty"`
	// ExpiresAt is zero when the site does not say.
	ExpiresAt time.Time `json:"expires_at"`
	// Data carries extra site specific identifiers.
	Data map[string]string `json:"data,omitempty"`
}

func (c AuthChallenge) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// TwoFactorState is the long lived proof that a challenge was passed on
// this device, presented on later logins to skip the challenge.
type TwoFactorState struct {
	Token   string    `json:"token"`
	Expires time.Time `json:"expires"`
}

// UsableAt reports whether the token is still valid at now + margin.
func (t *TwoFactorState) UsableAt(now time.Time, margin time.Duration) bool {
	return t != nil && t.Token != "" && now.Add(margin).Before(t.Expires)
}

// PendingForm is a form captured before a challenge, to be resubmitted
// (usually with the code added) once the user answers.
type PendingForm struct {
	Method string            `json:"method"`
	URL    string            `json:"url"`
	Fields map[string]string `json:"fields"`
}

// With returns a copy of the form with one field set.
func (f PendingForm) With(name, value string) PendingForm {
	fields := make(map[string]string, len(f.Fields)+1)
	for k, v := range f.Fields {
		fields[k] = v
	}
	fields[name] = value
	f.Fields = fields
	return f
}

type Cookie struct {
	Name    string    `json:"name"`
	Value   string    `json:"value"`
	Domain  string    `json:"domain"`
	Path    string    `json:"path"`
	Expires time.Time `json:"expires"`
}

// Operation is the logical operation a challenge belongs to.
type Operation string

const (
	OperationLogin        Operation = "login"
	OperationAddRecipient Operation = "add_recipient"
	OperationTransfer     Operation = "transfer"
)

type Session struct {
	Site            string
	Login           string
	AuthenticatedAt time.Time
	TwoFactor       *TwoFactorState
}
