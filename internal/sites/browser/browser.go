// Package browser is the http session a site adapter drives: one cookie
// jar shared by a redirect-following client and a client that stops at the
// first response.
package browser

import (
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	"bankauth-backend/internal/components/telemetry"
	"bankauth-backend/internal/sca"
	"bankauth-backend/lib/htmlutil"
	"bankauth-backend/lib/pagematch"
	"bankauth-backend/lib/restyutil"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/time/rate"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36"

type Options struct {
	BaseURL string `json:"base_url" validate:"omitempty,url"`
	// Hosts are the other hosts the site sends the browser to, their cookies
	// are saved along with the base host's.
	Hosts             []string `json:"hosts"`
	UserAgent         string   `json:"user_agent"`
	TimeoutSeconds    int      `json:"timeout_seconds" validate:"gte=0"`
	RequestsPerSecond float64  `json:"requests_per_second" validate:"gte=0"`
	CloudflareBypass  bool     `json:"cloudflare_bypass"`
	// DumpDir, when set, receives every http exchange as a file.
	DumpDir string `json:"dump_dir"`
}

// WithBase returns opts with BaseURL set to base when it is empty.
func (o Options) WithBase(base string) Options {
	if o.BaseURL == "" {
		o.BaseURL = base
	}
	return o
}

type Browser struct {
	base       *url.URL
	hosts      []string
	jar        *cookiejar.Jar
	http       *resty.Client
	noRedirect *resty.Client
	limiter    *rate.Limiter
	tel        telemetry.API
	current    string
	// tokenCookies carry a two-factor token, they travel in the
	// TwoFactorState instead of the saved cookies.
	tokenCookies map[string]bool
}

func New(opts Options, tel telemetry.API) (*Browser, error) {
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base url '%s' is not absolute", opts.BaseURL)
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, err
	}

	b := &Browser{
		base:  base,
		hosts: append([]string{base.Host}, opts.Hosts...),
		jar:   jar,
		tel:   tel,
	}
	if opts.RequestsPerSecond > 0 {
		b.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}

	var output restyutil.InstrumentOutput
	if opts.DumpDir != "" {
		fsOutput, err := restyutil.NewFilesystemOutput(opts.DumpDir)
		if err != nil {
			return nil, fmt.Errorf("create dump dir: %w", err)
		}
		output = fsOutput
	}

	b.http = b.newClient(opts, resty.New(), output)
	b.http.SetRedirectPolicy(resty.DomainCheckRedirectPolicy(b.hostnames()...))

	b.noRedirect = b.newClient(opts, resty.NewWithClient(&http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}), output)

	return b, nil
}

func (b *Browser) newClient(opts Options, client *resty.Client, output restyutil.InstrumentOutput) *resty.Client {
	client.SetBaseURL(b.base.String())
	client.SetCookieJar(b.jar)

	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	client.SetHeader("user-agent", userAgent)
	client.SetHeader("accept-language", "fr-FR,fr;q=0.9")

	timeout := 30 * time.Second
	if opts.TimeoutSeconds > 0 {
		timeout = time.Duration(opts.TimeoutSeconds) * time.Second
	}
	client.SetTimeout(timeout)

	if opts.CloudflareBypass {
		client.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(client.GetClient().Transport)
	}
	if b.limiter != nil {
		client.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
			return b.limiter.Wait(req.Context())
		})
	}

	telemetry.InstrumentResty(client, b.tel)
	restyutil.InstrumentClient(client, otel.Tracer("bankauth/http"), output)
	return client
}

func (b *Browser) hostnames() []string {
	out := make([]string, 0, len(b.hosts))
	for _, h := range b.hosts {
		u := url.URL{Host: h}
		out = append(out, u.Hostname())
	}
	return out
}

func (b *Browser) BaseURL() *url.URL {
	u := *b.base
	return &u
}

// Resolve returns target resolved against the base url.
func (b *Browser) Resolve(target string) string {
	u, err := b.base.Parse(target)
	if err != nil {
		return target
	}
	return u.String()
}

// SetHeader sets a header sent with every following request.
func (b *Browser) SetHeader(name, value string) {
	b.http.SetHeader(name, value)
	b.noRedirect.SetHeader(name, value)
}

func (b *Browser) do(ctx context.Context, client *resty.Client, method, target string, prepare func(*resty.Request)) (*pagematch.Page, error) {
	req := client.R().SetContext(ctx)
	if prepare != nil {
		prepare(req)
	}
	res, err := req.Execute(method, target)
	if err != nil {
		return nil, restyutil.WrapRequestError(err)
	}
	err = restyutil.CheckStatus(res)
	if err != nil {
		return nil, err
	}

	page := pagematch.FromResponse(res)
	if page.URL != nil {
		b.current = page.URL.String()
	}
	return page, nil
}

func (b *Browser) Get(ctx context.Context, target string) (*pagematch.Page, error) {
	return b.do(ctx, b.http, http.MethodGet, target, nil)
}

// GetWithHeaders fetches target with headers set on this request only.
func (b *Browser) GetWithHeaders(ctx context.Context, target string, headers map[string]string) (*pagematch.Page, error) {
	return b.do(ctx, b.http, http.MethodGet, target, func(req *resty.Request) {
		req.SetHeaders(headers)
	})
}

// GetNoRedirect fetches target without following a redirect.
func (b *Browser) GetNoRedirect(ctx context.Context, target string) (*pagematch.Page, error) {
	return b.do(ctx, b.noRedirect, http.MethodGet, target, nil)
}

func (b *Browser) PostForm(ctx context.Context, target string, fields map[string]string) (*pagematch.Page, error) {
	return b.do(ctx, b.http, http.MethodPost, target, func(req *resty.Request) {
		req.SetFormData(fields)
	})
}

// PostJSON posts body (a string, bytes or any value resty can encode) as
// application/json.
func (b *Browser) PostJSON(ctx context.Context, target string, body any) (*pagematch.Page, error) {
	return b.do(ctx, b.http, http.MethodPost, target, func(req *resty.Request) {
		req.SetHeader("content-type", "application/json")
		req.SetHeader("accept", "application/json")
		req.SetBody(body)
	})
}

func (b *Browser) Submit(ctx context.Context, form htmlutil.Form) (*pagematch.Page, error) {
	return b.submit(ctx, b.http, form)
}

// SubmitNoRedirect posts form and returns the first response, which lets the
// caller read the Set-Cookie headers of a redirect.
func (b *Browser) SubmitNoRedirect(ctx context.Context, form htmlutil.Form) (*pagematch.Page, error) {
	return b.submit(ctx, b.noRedirect, form)
}

func (b *Browser) submit(ctx context.Context, client *resty.Client, form htmlutil.Form) (*pagematch.Page, error) {
	if form.Method == http.MethodGet {
		return b.do(ctx, client, http.MethodGet, form.Action, func(req *resty.Request) {
			req.SetQueryParamsFromValues(form.Values())
		})
	}
	return b.do(ctx, client, http.MethodPost, form.Action, func(req *resty.Request) {
		req.SetFormDataFromValues(form.Values())
	})
}

// CurrentURL is the url of the last page fetched.
func (b *Browser) CurrentURL() string {
	return b.current
}

// Locate fetches target, making it the current page.
func (b *Browser) Locate(ctx context.Context, target string) error {
	_, err := b.Get(ctx, target)
	return err
}

// TokenCookies marks the named cookies as two-factor tokens: Cookies leaves
// them out.
func (b *Browser) TokenCookies(names ...string) {
	if b.tokenCookies == nil {
		b.tokenCookies = map[string]bool{}
	}
	for _, name := range names {
		b.tokenCookies[name] = true
	}
}

// RemoveCookie expires the named cookie on every known host.
func (b *Browser) RemoveCookie(name string) {
	for _, host := range b.hosts {
		u := &url.URL{Scheme: b.base.Scheme, Host: host, Path: "/"}
		b.jar.SetCookies(u, []*http.Cookie{{Name: name, Path: "/", MaxAge: -1}})
	}
}

// Cookies lists the cookies of every known host, token cookies excepted.
// The jar does not expose expiry, so cookies come back as session cookies.
func (b *Browser) Cookies() []sca.Cookie {
	var out []sca.Cookie
	seen := map[string]bool{}
	for _, host := range b.hosts {
		u := &url.URL{Scheme: b.base.Scheme, Host: host, Path: "/"}
		for _, c := range b.jar.Cookies(u) {
			if b.tokenCookies[c.Name] {
				continue
			}
			key := host + "\x00" + c.Name
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, sca.Cookie{Name: c.Name, Value: c.Value, Domain: host, Path: "/"})
		}
	}
	return out
}

func (b *Browser) SetCookies(cookies []sca.Cookie) error {
	byHost := map[string][]*http.Cookie{}
	for _, c := range cookies {
		host := c.Domain
		if host == "" {
			host = b.base.Host
		}
		path := c.Path
		if path == "" {
			path = "/"
		}
		byHost[host] = append(byHost[host], &http.Cookie{
			Name:    c.Name,
			Value:   c.Value,
			Path:    path,
			Expires: c.Expires,
		})
	}
	for host, list := range byHost {
		u, err := url.Parse(fmt.Sprintf("%s://%s/", b.base.Scheme, host))
		if err != nil {
			return fmt.Errorf("cookie domain '%s': %w", host, err)
		}
		b.jar.SetCookies(u, list)
	}
	return nil
}

// Cookie returns the value of the named cookie for the base host.
func (b *Browser) Cookie(name string) (string, bool) {
	for _, c := range b.jar.Cookies(b.base) {
		if c.Name == name {
			return c.Value, true
		}
	}
	return "", false
}

// ResponseCookie finds a cookie set by the response of page.
func ResponseCookie(page *pagematch.Page, name string) (*http.Cookie, bool) {
	res := http.Response{Header: page.Header}
	for _, c := range res.Cookies() {
		if c.Name == name {
			return c, true
		}
	}
	return nil, false
}

// Pending captures form so it can be submitted later, possibly by another
// process.
func Pending(form htmlutil.Form) *sca.PendingForm {
	return &sca.PendingForm{Method: form.Method, URL: form.Action, Fields: form.Fields}
}

// FormOf turns a captured form back into one the browser can submit.
func FormOf(form sca.PendingForm) htmlutil.Form {
	method := form.Method
	if method == "" {
		method = http.MethodPost
	}
	fields := make(map[string]string, len(form.Fields))
	for k, v := range form.Fields {
		fields[k] = v
	}
	return htmlutil.Form{Method: method, Action: form.URL, Fields: fields}
}
