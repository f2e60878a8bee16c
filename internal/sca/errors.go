package sca

import (
	"errors"
	"fmt"
	"strings"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindIncorrectPassword
	KindPasswordExpired
	KindActionNeeded
	KindUnavailable
	KindIncorrectCode
	KindTooManyAttempts
	KindChallengeExpired
	KindChallengeCancelled
	KindValidationExpired
	KindValidationCancelled
	KindProtocolViolation
	KindNotImplemented
)

var kindNames = map[Kind]string{
	KindUnknown:             "unknown",
	KindIncorrectPassword:   "incorrect password",
	KindPasswordExpired:     "password expired",
	KindActionNeeded:        "action needed",
	KindUnavailable:         "unavailable",
	KindIncorrectCode:       "incorrect code",
	KindTooManyAttempts:     "too many attempts",
	KindChallengeExpired:    "challenge expired",
	KindChallengeCancelled:  "challenge cancelled",
	KindValidationExpired:   "validation expired",
	KindValidationCancelled: "validation cancelled",
	KindProtocolViolation:   "protocol violation",
	KindNotImplemented:      "not implemented",
}

func (k Kind) String() string {
	name, ok := kindNames[k]
	if !ok {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return name
}

// Retryable reports whether the same call may succeed if made again.
func (k Kind) Retryable() bool {
	return k == KindUnavailable || k == KindIncorrectCode
}

// Error is how every failed authentication step is surfaced.
type Error struct {
	Kind Kind
	// Message is the text shown by the bank, if any.
	Message string
	// BadFields names the inputs the user should correct.
	BadFields []string
	Err       error
}

func (e *Error) Error() string {
	parts := []string{e.Kind.String()}
	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}
	return strings.Join(parts, ": ")
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the Err* sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrIncorrectPassword   = &Error{Kind: KindIncorrectPassword}
	ErrPasswordExpired     = &Error{Kind: KindPasswordExpired}
	ErrActionNeeded        = &Error{Kind: KindActionNeeded}
	ErrUnavailable         = &Error{Kind: KindUnavailable}
	ErrIncorrectCode       = &Error{Kind: KindIncorrectCode}
	ErrTooManyAttempts     = &Error{Kind: KindTooManyAttempts}
	ErrChallengeExpired    = &Error{Kind: KindChallengeExpired}
	ErrChallengeCancelled  = &Error{Kind: KindChallengeCancelled}
	ErrValidationExpired   = &Error{Kind: KindValidationExpired}
	ErrValidationCancelled = &Error{Kind: KindValidationCancelled}
	ErrProtocolViolation   = &Error{Kind: KindProtocolViolation}
	ErrNotImplemented      = &Error{Kind: KindNotImplemented}
)

// ErrLoggedOut is returned by site operations when the bank dropped the session.
var ErrLoggedOut = errors.New("session was logged out")

func Fail(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Failf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
