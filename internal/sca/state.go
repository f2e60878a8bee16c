package sca

import (
	"encoding/json"
	"fmt"
	"time"
)

const StateVersion = 1

// PendingOperationState is everything needed to continue a flow in
// another process: the outstanding challenge, the form to resubmit, the
// operation payload, the two-factor token and the session cookies.
//
// Serialized keys: version, site, login, operation, challenge,
// pending_form, payload, two_factor, cookies, url, chain_depth,
// code_attempts, saved_at.
type PendingOperationState struct {
	Version      int             `json:"version"`
	Site         string          `json:"site"`
	Login        string          `json:"login"`
	Operation    Operation       `json:"operation"`
	Challenge    *AuthChallenge  `json:"challenge,omitempty"`
	Form         *PendingForm    `json:"pending_form,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	TwoFactor    *TwoFactorState `json:"two_factor,omitempty"`
	Cookies      []Cookie        `json:"cookies,omitempty"`
	URL          string          `json:"url,omitempty"`
	ChainDepth   int             `json:"chain_depth"`
	CodeAttempts int             `json:"code_attempts"`
	SavedAt      time.Time       `json:"saved_at"`
}

// Pending reports whether the state waits on the user.
func (s PendingOperationState) Pending() bool {
	return s.Challenge != nil || s.Form != nil
}

func (s PendingOperationState) Marshal() ([]byte, error) {
	s.Version = StateVersion
	return json.Marshal(s)
}

func UnmarshalState(data []byte) (PendingOperationState, error) {
	var s PendingOperationState
	err := json.Unmarshal(data, &s)
	if err != nil {
		return PendingOperationState{}, fmt.Errorf("decode state: %w", err)
	}
	if s.Version != StateVersion {
		return PendingOperationState{}, fmt.Errorf("decode state: unsupported version %d", s.Version)
	}
	return s, nil
}

// DropExpired discards the two-factor token and the challenge once they
// are past their expiry. It reports whether anything was dropped.
func (s *PendingOperationState) DropExpired(now time.Time) bool {
	dropped := false
	if s.TwoFactor != nil && !s.TwoFactor.UsableAt(now, 0) {
		s.TwoFactor = nil
		dropped = true
	}
	if s.Challenge != nil && s.Challenge.Expired(now) {
		s.Challenge = nil
		s.Form = nil
		dropped = true
	}
	return dropped
}

// ExpiresAt is the moment past which the state is useless. A pending state
// lives pendingTTL after it was saved (or until its challenge expires), a
// two-factor token keeps the state alive until the token expires.
func (s PendingOperationState) ExpiresAt(pendingTTL time.Duration) time.Time {
	expires := s.SavedAt.Add(pendingTTL)
	if s.Challenge != nil && !s.Challenge.ExpiresAt.IsZero() && s.Challenge.ExpiresAt.Before(expires) {
		expires = s.Challenge.ExpiresAt
	}
	if s.TwoFactor != nil && s.TwoFactor.Expires.After(expires) {
		expires = s.TwoFactor.Expires
	}
	return expires
}

func (s *PendingOperationState) clearPending() {
	s.Challenge = nil
	s.Form = nil
	s.CodeAttempts = 0
}
