package pagematch

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

type kind int

const (
	kindUnknown kind = iota
	kindLogin
	kindHome
	kindOtp
	kindAppPush
	kindState
)

func newPage(t *testing.T, rawUrl string, body string) *Page {
	u, err := url.Parse(rawUrl)
	require.NoError(t, err)
	return NewPage(u, http.StatusOK, http.Header{"Content-Type": []string{"text/html; charset=utf-8"}}, []byte(body))
}

var table = NewTable(
	Path(kindLogin, `/fr/authentification.html`),
	Path(kindOtp, `/fr/banque/validation.aspx`, ContainsText("#OTPDeliveryChannelText", "envoyé par SMS")),
	Path(kindAppPush, `/fr/banque/validation.aspx`, HasSelector("#inMobileAppMessage")),
	Path(kindHome, `/fr/banque/pageaccueil.html(\?.*)?`),
	Path(kindState, `https?://[^/]+/async/.*`, HasJSON("transactionState")),
)

func TestMatchOrderAndPredicates(t *testing.T) {
	cases := []struct {
		name string
		url  string
		body string
		kind kind
		ok   bool
	}{
		{"login", "https://bank.example/fr/authentification.html", "", kindLogin, true},
		{"home with query", "https://bank.example/fr/banque/pageaccueil.html?a=1", "", kindHome, true},
		{"otp", "https://bank.example/fr/banque/validation.aspx", `<div id="OTPDeliveryChannelText">Un code envoyé par SMS au 06 XX</div>`, kindOtp, true},
		{"app push shares url", "https://bank.example/fr/banque/validation.aspx", `<div id="inMobileAppMessage"><h2>Démarrez</h2></div>`, kindAppPush, true},
		{"shared url without marker", "https://bank.example/fr/banque/validation.aspx", `<p>rien</p>`, kindUnknown, false},
		{"anchored pattern", "https://bank.example/fr/authentification.html.bak", "", kindUnknown, false},
		{"absolute json", "https://bank.example/async/state", `{"transactionState":"PENDING"}`, kindState, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			page := newPage(t, tc.url, tc.body)
			k, ok := table.Match(page)
			require.Equal(t, tc.ok, ok)
			require.Equal(t, tc.kind, k)

			again, okAgain := table.Match(page)
			require.Equal(t, k, again)
			require.Equal(t, ok, okAgain)
		})
	}
}

func TestLocation(t *testing.T) {
	u, _ := url.Parse("https://bank.example/fr/authentification.html")
	page := NewPage(u, http.StatusFound, http.Header{"Location": []string{"/fr/banque/validation.aspx"}}, nil)
	loc, ok := page.Location()
	require.True(t, ok)
	require.Equal(t, "https://bank.example/fr/banque/validation.aspx", loc.String())

	page = NewPage(u, http.StatusOK, nil, nil)
	_, ok = page.Location()
	require.False(t, ok)
}
