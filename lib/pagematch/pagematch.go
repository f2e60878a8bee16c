// Package pagematch classifies fetched pages through an ordered table of
// url patterns and content predicates. The first matching route wins.
package pagematch

import (
	"fmt"
	"regexp"
	"strings"
)

type Route[K any] struct {
	Kind    K
	Pattern *regexp.Regexp
	// absolute routes match against the whole url, relative ones against
	// the path and query only.
	absolute bool
	// Is further restricts the route when several pages share a url.
	Is func(*Page) bool
}

// Path builds a route from a url pattern. The pattern is anchored on both
// ends. Patterns starting with a scheme are matched against the full url.
func Path[K any](kind K, pattern string, is ...func(*Page) bool) Route[K] {
	absolute := strings.HasPrefix(pattern, "https?://") ||
		strings.HasPrefix(pattern, "https://") ||
		strings.HasPrefix(pattern, "http://")
	r := Route[K]{
		Kind:     kind,
		Pattern:  regexp.MustCompile(fmt.Sprintf("^(?:%s)$", pattern)),
		absolute: absolute,
	}
	if len(is) > 0 {
		r.Is = all(is)
	}
	return r
}

// Any builds a route that matches every url and relies on predicates.
func Any[K any](kind K, is ...func(*Page) bool) Route[K] {
	return Path(kind, ".*", is...)
}

func all(preds []func(*Page) bool) func(*Page) bool {
	return func(p *Page) bool {
		for _, pred := range preds {
			if !pred(p) {
				return false
			}
		}
		return true
	}
}

type Table[K any] struct {
	routes []Route[K]
}

func NewTable[K any](routes ...Route[K]) Table[K] {
	return Table[K]{routes: routes}
}

func (r Route[K]) matchesURL(p *Page) bool {
	if p.URL == nil {
		return false
	}
	if r.absolute {
		return r.Pattern.MatchString(p.URL.String())
	}
	return r.Pattern.MatchString(p.URL.RequestURI())
}

// Match returns the kind of the first route accepting the page. It reads the
// page and nothing else, so calling it twice gives the same answer.
func (t Table[K]) Match(p *Page) (K, bool) {
	for _, r := range t.routes {
		if !r.matchesURL(p) {
			continue
		}
		if r.Is != nil && !r.Is(p) {
			continue
		}
		return r.Kind, true
	}
	var zero K
	return zero, false
}

// HasSelector is a predicate true when the html page contains selector.
func HasSelector(selector string) func(*Page) bool {
	return func(p *Page) bool {
		doc, err := p.HTML()
		if err != nil {
			return false
		}
		return doc.Find(selector).Length() > 0
	}
}

// ContainsText is a predicate true when the text under selector contains substr.
func ContainsText(selector, substr string) func(*Page) bool {
	return func(p *Page) bool {
		doc, err := p.HTML()
		if err != nil {
			return false
		}
		return strings.Contains(doc.Find(selector).Text(), substr)
	}
}

// HasJSON is a predicate true when the JSON body has a value at path.
func HasJSON(path string) func(*Page) bool {
	return func(p *Page) bool {
		return p.JSON().Get(path).Exists()
	}
}

// StatusIs is a predicate on the http status.
func StatusIs(status int) func(*Page) bool {
	return func(p *Page) bool {
		return p.Status == status
	}
}
