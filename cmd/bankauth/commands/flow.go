package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"bankauth-backend/internal/notify"
	"bankauth-backend/internal/sca"
	"bankauth-backend/internal/statestore"
)

var errInteractionRequired = errors.New("the bank is waiting on the account holder")

type authEngine interface {
	Site() string
	Login(ctx context.Context, creds sca.Credentials, prev *sca.PendingOperationState) (sca.Outcome, error)
	ResumeWithCode(ctx context.Context, state sca.PendingOperationState, code string) (sca.Outcome, error)
	ResumeWithAppValidation(ctx context.Context, state sca.PendingOperationState) (sca.Outcome, error)
}

type stateStore interface {
	Get(ctx context.Context, site, login string) (sca.PendingOperationState, error)
	Put(ctx context.Context, state sca.PendingOperationState) error
	Delete(ctx context.Context, site, login string) error
}

// flow drives one account through the engine until it is authenticated or
// waits on the user. Without a prompt, a pending challenge is saved and
// notified instead of answered.
type flow struct {
	engine   authEngine
	store    stateStore
	notifier notify.Notifier
	prompt   func(label string) (string, error)
	out      io.Writer
}

func (f *flow) saved(ctx context.Context, login string) (*sca.PendingOperationState, error) {
	state, err := f.store.Get(ctx, f.engine.Site(), login)
	if errors.Is(err, statestore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (f *flow) login(ctx context.Context, creds sca.Credentials) error {
	prev, err := f.saved(ctx, creds.Login)
	if err != nil {
		return err
	}
	out, err := f.engine.Login(ctx, creds, prev)
	return f.settle(ctx, creds.Login, out, err)
}

func (f *flow) resumeCode(ctx context.Context, login, code string) error {
	state, err := f.saved(ctx, login)
	if err != nil {
		return err
	}
	if state == nil {
		return sca.Fail(sca.KindChallengeExpired, "no authentication is pending for this account")
	}
	out, err := f.engine.ResumeWithCode(ctx, *state, code)
	return f.settle(ctx, login, out, err)
}

func (f *flow) resumeApp(ctx context.Context, login string) error {
	state, err := f.saved(ctx, login)
	if err != nil {
		return err
	}
	if state == nil {
		return sca.Fail(sca.KindValidationExpired, "no app validation is pending for this account")
	}
	fmt.Fprintln(f.out, "Waiting for the validation in your banking app...")
	out, err := f.engine.ResumeWithAppValidation(ctx, *state)
	return f.settle(ctx, login, out, err)
}

func (f *flow) settle(ctx context.Context, login string, out sca.Outcome, err error) error {
	for {
		if err != nil {
			// a wrong code leaves the challenge open
			if out.Kind != sca.OutcomeNeedsCode || !errors.Is(err, sca.ErrIncorrectCode) {
				f.abandon(ctx, login, err)
				return err
			}
			if f.prompt == nil {
				if perr := f.store.Put(ctx, out.State); perr != nil {
					return perr
				}
				return err
			}
			fmt.Fprintln(f.out, err)
		}

		switch out.Kind {
		case sca.OutcomeAuthenticated:
			if err := f.store.Put(ctx, out.State); err != nil {
				return err
			}
			fmt.Fprintf(f.out, "Authenticated on %s as %s.\n", f.engine.Site(), login)
			return nil
		case sca.OutcomeNeedsCode, sca.OutcomeNeedsAppApproval:
			if err := f.store.Put(ctx, out.State); err != nil {
				return err
			}
			if f.prompt == nil {
				f.notify(ctx, login, out)
				return errInteractionRequired
			}
			if out.Kind == sca.OutcomeNeedsCode {
				code, perr := f.prompt(out.Prompt())
				if perr != nil {
					return perr
				}
				out, err = f.engine.ResumeWithCode(ctx, out.State, code)
				continue
			}
			fmt.Fprintln(f.out, out.Prompt())
			out, err = f.engine.ResumeWithAppValidation(ctx, out.State)
		default:
			return fmt.Errorf("unexpected outcome '%s'", out.Kind)
		}
	}
}

func (f *flow) notify(ctx context.Context, login string, out sca.Outcome) {
	notice := notify.Notice{Site: f.engine.Site(), Login: login, ExpiresAt: out.ExpiresAt}
	if out.Challenge != nil {
		notice.Challenge = *out.Challenge
		if notice.ExpiresAt.IsZero() {
			notice.ExpiresAt = out.Challenge.ExpiresAt
		}
	}
	fmt.Fprintln(f.out, out.Prompt())
	err := f.notifier.NotifyChallenge(ctx, notice)
	if err != nil {
		slog.WarnContext(ctx, "failed to notify pending challenge", "site", notice.Site, "err", err)
	}
}

// abandon drops the challenge of a saved state once the flow failed for
// good. A two-factor token is kept for the next login.
func (f *flow) abandon(ctx context.Context, login string, cause error) {
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		return
	}
	if sca.KindOf(cause).Retryable() {
		return
	}
	state, err := f.saved(ctx, login)
	if err != nil || state == nil || !state.Pending() {
		return
	}

	if state.TwoFactor == nil {
		err = f.store.Delete(ctx, state.Site, state.Login)
	} else {
		state.Challenge = nil
		state.Form = nil
		state.CodeAttempts = 0
		err = f.store.Put(ctx, *state)
	}
	if err != nil {
		slog.WarnContext(ctx, "failed to drop abandoned challenge", "site", state.Site, "err", err)
	}
}
