package boursorama

import (
	"regexp"
	"strings"

	"bankauth-backend/lib/htmlutil"
	"bankauth-backend/lib/pagematch"

	"github.com/PuerkitoBio/goquery"
)

type pageKind int

const (
	pageUnknown pageKind = iota
	pageKeyboard
	pageLocked
	pageLogin
	pageAuthentication
	pageRecipient
	pageHome
)

var pageNames = map[pageKind]string{
	pageUnknown:        "unknown",
	pageKeyboard:       "virtual keyboard",
	pageLocked:         "locked account",
	pageLogin:          "login",
	pageAuthentication: "device authentication",
	pageRecipient:      "new recipient",
	pageHome:           "home",
}

func (k pageKind) String() string {
	return pageNames[k]
}

var pages = pagematch.NewTable(
	pagematch.Path(pageKeyboard, `/connexion/clavier-virtuel.*`),
	pagematch.Path(pageLocked, `/connexion/compte-verrouille.*`),
	pagematch.Path(pageLocked, `/infos-profil.*`),
	pagematch.Path(pageLogin, `/connexion/(?:\?.*)?`),
	pagematch.Path(pageAuthentication, `/securisation.*`),
	pagematch.Path(pageRecipient, `/compte/[^/]+/\w+/virements/comptes-externes/nouveau.*`),
	pagematch.Path(pageHome, `/(?:dashboard/.*)?(?:\?.*)?`),
)

func classify(p *pagematch.Page) pageKind {
	kind, _ := pages.Match(p)
	return kind
}

func hasForm(p *pagematch.Page, name string) bool {
	return p.Doc().Find(`form[name="` + name + `"]`).Length() > 0
}

func formErrors(p *pagematch.Page) string {
	return htmlutil.CleanText(p.Doc().Find("div.form-errors"))
}

// lockedMessage is the reason given on a page that blocks the account
// until the user updates their profile.
func lockedMessage(p *pagematch.Page) string {
	doc := p.Doc()
	if message, ok := doc.Find(`input#profile_lei_type_identifier[required]`).Attr("data-message"); ok && message != "" {
		return message
	}
	title := htmlutil.CleanText(doc.Find("h2.page-title"))
	if strings.Contains(title, "Actualisation") {
		return title
	}
	return ""
}

func loginError(p *pagematch.Page) string {
	return htmlutil.CleanText(p.Doc().Find("div.form-errors, div.alert--danger, h2:contains('Erreur') + div.msg"))
}

var matrixChallengeRegex = regexp.MustCompile(`val\("([^"]*)"`)

// matrixChallenge is the random value the keyboard page stores in the
// login form through a script.
func matrixChallenge(p *pagematch.Page) string {
	groups := matrixChallengeRegex.FindStringSubmatch(p.Doc().Find("script").Text())
	if len(groups) < 2 {
		return ""
	}
	return groups[1]
}

// keyImages returns the svg data of every key keyed by its matrix key. The
// src attribute is "data:image/svg+xml;base64, <data>", only the data is
// fingerprinted.
func keyImages(p *pagematch.Page) map[string][]byte {
	keys := map[string][]byte{}
	p.Doc().Find("ul.password-input button[data-matrix-key]").Each(func(_ int, s *goquery.Selection) {
		src := s.Find("img").AttrOr("src", "")
		parts := strings.Fields(src)
		if len(parts) < 2 {
			return
		}
		keys[s.AttrOr("data-matrix-key", "")] = []byte(parts[1])
	})
	return keys
}

func recipientCreated(p *pagematch.Page) bool {
	return p.Doc().Find(`p:contains("Le bénéficiaire a bien été ajouté.")`).Length() > 0
}
