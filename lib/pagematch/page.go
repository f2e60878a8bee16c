package pagematch

import (
	"bytes"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"
)

// Page is a fetched document together with the url it was finally served
// from (after redirects).
type Page struct {
	URL    *url.URL
	Status int
	Header http.Header
	Body   []byte

	parseOnce sync.Once
	doc       *goquery.Document
	parseErr  error
}

func NewPage(u *url.URL, status int, header http.Header, body []byte) *Page {
	if header == nil {
		header = http.Header{}
	}
	return &Page{URL: u, Status: status, Header: header, Body: body}
}

// FromResponse builds a Page out of a resty response.
func FromResponse(res *resty.Response) *Page {
	var final *url.URL
	if res.RawResponse != nil && res.RawResponse.Request != nil {
		final = res.RawResponse.Request.URL
	}
	if final == nil {
		final, _ = url.Parse(res.Request.URL)
	}
	return NewPage(final, res.StatusCode(), res.Header(), res.Body())
}

// HTML lazily parses the body, the parsed document is cached.
func (p *Page) HTML() (*goquery.Document, error) {
	p.parseOnce.Do(func() {
		p.doc, p.parseErr = goquery.NewDocumentFromReader(bytes.NewBuffer(p.Body))
	})
	return p.doc, p.parseErr
}

// Doc is HTML for callers that treat an unparsable page as empty.
func (p *Page) Doc() *goquery.Document {
	doc, err := p.HTML()
	if err != nil || doc == nil {
		doc, _ = goquery.NewDocumentFromReader(strings.NewReader(""))
	}
	return doc
}

// JSON returns the body as a gjson result, invalid JSON yields an empty result.
func (p *Page) JSON() gjson.Result {
	if !gjson.ValidBytes(p.Body) {
		return gjson.Result{}
	}
	return gjson.ParseBytes(p.Body)
}

func (p *Page) ContentType() string {
	media, _, err := mime.ParseMediaType(p.Header.Get("Content-Type"))
	if err != nil {
		return ""
	}
	return media
}

// Location returns the redirect target of a 3xx response, resolved against the page url.
func (p *Page) Location() (*url.URL, bool) {
	loc := p.Header.Get("Location")
	if loc == "" || p.Status < 300 || p.Status >= 400 {
		return nil, false
	}
	target, err := p.URL.Parse(loc)
	if err != nil {
		return nil, false
	}
	return target, true
}
