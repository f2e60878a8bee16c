package textutil

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFold(t *testing.T) {
	require.Equal(t, "le code saisi est errone", Fold("  Le code   saisi est ERRONÉ "))
	require.Equal(t, "vos droits d'acces sont echus", Fold("Vos droits d’accès sont échus"))
}

func TestMatchAny(t *testing.T) {
	cases := []struct {
		name    string
		text    string
		phrases []string
		match   string
		ok      bool
	}{
		{
			name:    "exact substring ignoring accents",
			text:    "Votre mot de passe et/ou votre identifiant est erroné.",
			phrases: []string{"anomalie est survenue", "mot de passe et/ou votre identifiant est errone"},
			match:   "mot de passe et/ou votre identifiant est errone",
			ok:      true,
		},
		{
			name:    "small typo",
			text:    "Le service est temporairment interrompu",
			phrases: []string{"service est temporairement interrompu"},
			match:   "service est temporairement interrompu",
			ok:      true,
		},
		{
			name:    "no match",
			text:    "Bienvenue dans votre espace client",
			phrases: []string{"mot de passe est faux"},
			ok:      false,
		},
		{
			name:    "empty text",
			text:    "   ",
			phrases: []string{"x"},
			ok:      false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			match, ok := MatchAny(tc.text, tc.phrases...)
			require.Equal(t, tc.ok, ok)
			require.Equal(t, tc.match, match)
		})
	}
}

func TestMask(t *testing.T) {
	require.Equal(t, "06******78", Mask("0612345678", 2))
	require.Equal(t, "a****@example.com", Mask("alice@example.com", 2))
	require.Equal(t, "12", Mask("12", 2))
}
