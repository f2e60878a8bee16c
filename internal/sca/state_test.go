package sca

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestStateSurvivesSerialization(t *testing.T) {
	expires := epoch.Add(15 * time.Minute)
	state := PendingOperationState{
		Site:      "creditmutuel",
		Login:     "alice",
		Operation: OperationAddRecipient,
		Challenge: &AuthChallenge{
			Kind:      ChallengeAppPush,
			Token:     "tx-42",
			Prompt:    "Confirmez dans l'application",
			ExpiresAt: expires,
			Data:      map[string]string{"transactionId": "tx-42"},
		},
		Form:       otpForm,
		Payload:    json.RawMessage(`{"iban":"FR7630006000011234567890189"}`),
		TwoFactor:  &TwoFactorState{Token: "device", Expires: epoch.Add(90 * 24 * time.Hour)},
		Cookies:    []Cookie{{Name: "JSESSIONID", Value: "xyz", Domain: "www.creditmutuel.fr", Path: "/"}},
		URL:        "https://www.creditmutuel.fr/fr/banque/validation.aspx",
		ChainDepth: 1,
		SavedAt:    epoch,
	}

	blob, err := state.Marshal()
	require.NoError(t, err)

	doc := gjson.ParseBytes(blob)
	require.Equal(t, int64(StateVersion), doc.Get("version").Int())
	require.Equal(t, "add_recipient", doc.Get("operation").String())
	require.Equal(t, "app_push", doc.Get("challenge.kind").String())
	require.Equal(t, "abc", doc.Get("pending_form.fields.token").String())
	require.Equal(t, "FR7630006000011234567890189", doc.Get("payload.iban").String())
	require.Equal(t, "device", doc.Get("two_factor.token").String())
	require.Equal(t, 1, int(doc.Get("chain_depth").Int()))

	back, err := UnmarshalState(blob)
	require.NoError(t, err)
	state.Version = StateVersion
	require.Equal(t, state.Challenge.Token, back.Challenge.Token)
	require.True(t, state.Challenge.ExpiresAt.Equal(back.Challenge.ExpiresAt))
	require.Equal(t, state.Form, back.Form)
	require.JSONEq(t, string(state.Payload), string(back.Payload))
	require.Equal(t, state.Cookies, back.Cookies)
	require.True(t, back.Pending())
}

func TestUnmarshalStateRejects(t *testing.T) {
	cases := []struct {
		name string
		blob string
	}{
		{"future version", `{"version": 2, "site": "fortuneo"}`},
		{"missing version", `{"site": "fortuneo"}`},
		{"not json", `site=fortuneo`},
		{"unknown challenge kind", `{"version": 1, "challenge": {"kind": "carrier_pigeon"}}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := UnmarshalState([]byte(tc.blob))
			require.Error(t, err)
		})
	}
}

func TestDropExpired(t *testing.T) {
	state := PendingOperationState{
		Challenge: &AuthChallenge{Kind: ChallengeSMS, ExpiresAt: epoch.Add(5 * time.Minute)},
		Form:      otpForm,
		TwoFactor: &TwoFactorState{Token: "device", Expires: epoch.Add(time.Hour)},
	}

	require.False(t, state.DropExpired(epoch))
	require.NotNil(t, state.Challenge)

	require.True(t, state.DropExpired(epoch.Add(10*time.Minute)))
	require.Nil(t, state.Challenge)
	require.Nil(t, state.Form)
	require.NotNil(t, state.TwoFactor)

	require.True(t, state.DropExpired(epoch.Add(2*time.Hour)))
	require.Nil(t, state.TwoFactor)
	require.False(t, state.Pending())
}

func TestStateExpiresAt(t *testing.T) {
	ttl := 15 * time.Minute
	cases := []struct {
		name     string
		state    PendingOperationState
		expected time.Time
	}{
		{
			name:     "pending challenge without expiry",
			state:    PendingOperationState{SavedAt: epoch, Challenge: &AuthChallenge{Kind: ChallengeSMS}},
			expected: epoch.Add(ttl),
		},
		{
			name: "challenge expiring first",
			state: PendingOperationState{
				SavedAt:   epoch,
				Challenge: &AuthChallenge{Kind: ChallengeSMS, ExpiresAt: epoch.Add(3 * time.Minute)},
			},
			expected: epoch.Add(3 * time.Minute),
		},
		{
			name: "two-factor token outlives the ttl",
			state: PendingOperationState{
				SavedAt:   epoch,
				TwoFactor: &TwoFactorState{Token: "device", Expires: epoch.Add(90 * 24 * time.Hour)},
			},
			expected: epoch.Add(90 * 24 * time.Hour),
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, tc.state.ExpiresAt(ttl))
		})
	}
}

func TestTwoFactorUsableAt(t *testing.T) {
	var missing *TwoFactorState
	require.False(t, missing.UsableAt(epoch, 0))

	tf := &TwoFactorState{Token: "device", Expires: epoch.Add(3 * time.Hour)}
	require.True(t, tf.UsableAt(epoch, 2*time.Hour))
	require.False(t, tf.UsableAt(epoch.Add(time.Hour+time.Second), 2*time.Hour))
	require.False(t, (&TwoFactorState{Expires: epoch.Add(time.Hour)}).UsableAt(epoch, 0))
}
