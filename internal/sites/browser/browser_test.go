package browser

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"bankauth-backend/internal/components/telemetry"
	"bankauth-backend/internal/sca"
	"bankauth-backend/lib/htmlutil"
	"bankauth-backend/lib/restyutil"

	"github.com/stretchr/testify/require"
)

func fakeSite(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.PostForm.Get("user") != "alice" {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`<div class="err">Identifiant inconnu</div>`))
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "s1", Path: "/"})
		http.SetCookie(w, &http.Cookie{
			Name:    "device",
			Value:   "d1",
			Path:    "/",
			Expires: time.Date(2030, time.January, 1, 0, 0, 0, 0, time.UTC),
		})
		http.Redirect(w, r, "/home", http.StatusFound)
	})
	mux.HandleFunc("/home", func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie("session")
		if err != nil || c.Value != "s1" {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}
		w.Write([]byte(`<h1>Mes comptes</h1>`))
	})
	mux.HandleFunc("/referer", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.Header.Get("referer")))
	})
	mux.HandleFunc("/down", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newBrowser(t *testing.T, server *httptest.Server) *Browser {
	b, err := New(Options{BaseURL: server.URL}, &telemetry.Recorder{})
	require.NoError(t, err)
	return b
}

func TestSubmitFollowsRedirects(t *testing.T) {
	server := fakeSite(t)
	b := newBrowser(t, server)

	page, err := b.Submit(context.Background(), htmlutil.Form{
		Method: http.MethodPost,
		Action: server.URL + "/login",
		Fields: map[string]string{"user": "alice"},
	})
	require.NoError(t, err)
	require.Equal(t, "/home", page.URL.Path)
	require.Contains(t, string(page.Body), "Mes comptes")
	require.Equal(t, server.URL+"/home", b.CurrentURL())
}

func TestSubmitNoRedirectExposesSetCookie(t *testing.T) {
	server := fakeSite(t)
	b := newBrowser(t, server)

	page, err := b.SubmitNoRedirect(context.Background(), htmlutil.Form{
		Method: http.MethodPost,
		Action: "/login",
		Fields: map[string]string{"user": "alice"},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusFound, page.Status)

	location, ok := page.Location()
	require.True(t, ok)
	require.Equal(t, "/home", location.Path)

	device, ok := ResponseCookie(page, "device")
	require.True(t, ok)
	require.Equal(t, 2030, device.Expires.Year())

	value, ok := b.Cookie("session")
	require.True(t, ok)
	require.Equal(t, "s1", value)
}

func TestCookiesSurviveAnotherBrowser(t *testing.T) {
	server := fakeSite(t)
	first := newBrowser(t, server)
	_, err := first.PostForm(context.Background(), "/login", map[string]string{"user": "alice"})
	require.NoError(t, err)

	cookies := first.Cookies()
	names := []string{}
	for _, c := range cookies {
		names = append(names, c.Name)
	}
	require.ElementsMatch(t, []string{"session", "device"}, names)

	second := newBrowser(t, server)
	require.NoError(t, second.SetCookies(cookies))
	page, err := second.Get(context.Background(), "/home")
	require.NoError(t, err)
	require.Equal(t, "/home", page.URL.Path)

	third := newBrowser(t, server)
	require.NoError(t, third.SetCookies([]sca.Cookie{{Name: "session", Value: "stale"}}))
	page, err = third.Get(context.Background(), "/home")
	require.NoError(t, err)
	require.Equal(t, "/login", page.URL.Path)
}

func TestTokenCookiesStayOutOfTheSavedCookies(t *testing.T) {
	server := fakeSite(t)
	b := newBrowser(t, server)
	b.TokenCookies("device")
	_, err := b.PostForm(context.Background(), "/login", map[string]string{"user": "alice"})
	require.NoError(t, err)

	for _, c := range b.Cookies() {
		require.NotEqual(t, "device", c.Name)
	}
	value, ok := b.Cookie("device")
	require.True(t, ok)
	require.Equal(t, "d1", value)

	b.RemoveCookie("device")
	_, ok = b.Cookie("device")
	require.False(t, ok)
	_, ok = b.Cookie("session")
	require.True(t, ok)
}

func TestGetWithHeadersSetsOneRequest(t *testing.T) {
	server := fakeSite(t)
	b := newBrowser(t, server)

	page, err := b.GetWithHeaders(context.Background(), "/referer", map[string]string{"referer": server.URL + "/otp"})
	require.NoError(t, err)
	require.Equal(t, server.URL+"/otp", string(page.Body))

	page, err = b.Get(context.Background(), "/referer")
	require.NoError(t, err)
	require.Empty(t, string(page.Body))
}

func TestServerErrorsAreTransient(t *testing.T) {
	server := fakeSite(t)
	b := newBrowser(t, server)

	_, err := b.Get(context.Background(), "/down")
	require.ErrorIs(t, err, restyutil.ErrTransient)
}

func TestNewRejectsRelativeBase(t *testing.T) {
	_, err := New(Options{BaseURL: "/relative"}, &telemetry.Recorder{})
	require.Error(t, err)

	opts := Options{}.WithBase("https://www.fortuneo.fr")
	require.Equal(t, "https://www.fortuneo.fr", opts.BaseURL)
	opts = Options{BaseURL: "http://127.0.0.1:1"}.WithBase("https://www.fortuneo.fr")
	require.Equal(t, "http://127.0.0.1:1", opts.BaseURL)
}
