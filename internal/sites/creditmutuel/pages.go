package creditmutuel

import (
	"net/url"
	"regexp"
	"strings"

	"bankauth-backend/lib/htmlutil"
	"bankauth-backend/lib/pagematch"

	"github.com/PuerkitoBio/goquery"
)

type pageKind int

const (
	pageUnknown pageKind = iota
	pageLogin
	pageLoginError
	pageOutage
	pageTwoFactorUnavailable
	pageMobileConfirmation
	pageOtpBlocked
	pageOtpValidation
	pageTransactionState
	pageHome
)

var pageNames = map[pageKind]string{
	pageUnknown:              "unknown",
	pageLogin:                "login",
	pageLoginError:           "login error",
	pageOutage:               "outage",
	pageTwoFactorUnavailable: "no second factor",
	pageMobileConfirmation:   "mobile confirmation",
	pageOtpBlocked:           "otp blocked",
	pageOtpValidation:        "otp validation",
	pageTransactionState:     "transaction state",
	pageHome:                 "home",
}

func (k pageKind) String() string {
	return pageNames[k]
}

// every url may carry a subbank prefix, ex. /cmso/fr/...
const subbank = `/(?:[\w-]+/)*`

func isMobileConfirmation(p *pagematch.Page) bool {
	doc := p.Doc()
	message := htmlutil.CleanText(doc.Find(`div[id*="inMobileAppMessage"]`))
	if strings.Contains(message, "Démarrez votre application mobile") ||
		strings.Contains(message, "demande de confirmation mobile") {
		return true
	}
	title := htmlutil.CleanText(doc.Find(`p[id*="title"]`))
	return strings.Contains(title, "Authentification forte") &&
		strings.Contains(doc.Text(), "Confirmer mon identité")
}

var pages = pagematch.NewTable(
	pagematch.Path(pageLoginError, subbank+`fr/identification/default\.cgi.*`),
	pagematch.Path(pageOutage, subbank+`fr/outage\.html.*`),
	pagematch.Path(pageTransactionState, subbank+`fr/banque/async/otp/SOSD_OTP_GetTransactionState\.htm.*`),
	pagematch.Path(pageTwoFactorUnavailable, subbank+`fr/banque/validation\.aspx.*`,
		pagematch.ContainsText("body", "aucun moyen pour confirmer")),
	pagematch.Path(pageMobileConfirmation, subbank+`fr/banque/validation\.aspx.*`, isMobileConfirmation),
	pagematch.Path(pageOtpBlocked, subbank+`fr/banque/validation\.aspx.*`,
		pagematch.ContainsText("div.bloctxt.err", "temporairement bloqué")),
	pagematch.Path(pageOtpValidation, subbank+`fr/banque/validation\.aspx.*`,
		pagematch.ContainsText(`div[id*="OTPDeliveryChannelText"]`, "envoyé par SMS")),
	pagematch.Any(pageHome, pagematch.HasSelector("#e_identification_ok")),
	pagematch.Path(pageHome, subbank+`fr/banque/pageaccueil\.html.*`),
	pagematch.Path(pageLogin, `/fr/authentification\.html.*`),
	pagematch.Path(pageLogin, subbank+`fr/(?:banques/accueil\.html|banques/particuliers/index\.html)?(?:\?.*)?`),
)

func classify(p *pagematch.Page) pageKind {
	kind, _ := pages.Match(p)
	return kind
}

func loginError(p *pagematch.Page) string {
	return htmlutil.CleanText(p.Doc().Find("div.blocmsg.err, div.blocmsg.alerte"))
}

func otpError(p *pagematch.Page) string {
	return htmlutil.CleanText(p.Doc().Find("div.bloctxt.err"))
}

var transactionIdRegex = regexp.MustCompile(`transactionId: '([^']+)'`)

func transactionId(p *pagematch.Page) string {
	var id string
	p.Doc().Find("script").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		groups := transactionIdRegex.FindStringSubmatch(s.Text())
		if len(groups) < 2 {
			return true
		}
		id = groups[1]
		return false
	})
	return id
}

func validationMessage(p *pagematch.Page) string {
	return htmlutil.CleanText(p.Doc().Find(`div#inMobileAppMessage h2`).FilterFunction(func(_ int, s *goquery.Selection) bool {
		return s.Find("img").Length() == 0
	}))
}

// ex. "Un code de confirmation vient de vous être envoyé par SMS au 06 XX XX X1 23, le jeudi 26 décembre 2019 à 18:12:56."
var otpMessageRegex = regexp.MustCompile(`(.+\d{2}), le`)
var otpPhoneRegex = regexp.MustCompile(`au ([0-9X][0-9X ]+\d{2}), le`)

func otpMessage(p *pagematch.Page) (message string, phone string) {
	text := htmlutil.CleanText(p.Doc().Find(`div[id*="OTPDeliveryChannelText"]`))
	message = text
	if groups := otpMessageRegex.FindStringSubmatch(text); len(groups) == 2 {
		message = groups[1]
	}
	if groups := otpPhoneRegex.FindStringSubmatch(text); len(groups) == 2 {
		phone = groups[1]
	}
	return message, phone
}

// bypassLink finds the links that skip a mobile confirmation the site does
// not insist on.
func bypassLink(p *pagematch.Page) (string, bool) {
	doc := p.Doc()
	var link string
	doc.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := htmlutil.CleanText(s)
		href := s.AttrOr("href", "")
		switch {
		case strings.Contains(text, "Accéder à mon Espace Client sans Confirmation Mobile"),
			strings.Contains(text, "accéder à votre espace client"):
		case strings.Contains(href, "Bypass") && strings.Contains(text, "cliquez ici") &&
			strings.Contains(htmlutil.CleanText(s.Closest("li")), "confirmer votre identité plus tard"):
		default:
			return true
		}
		link = href
		return false
	})
	if link == "" {
		return "", false
	}
	resolved, err := p.URL.Parse(link)
	if err != nil {
		return "", false
	}
	return resolved.String(), true
}

var subbankRegex = regexp.MustCompile(`^(/(?:[\w-]+/)*)fr/`)

// subbankPrefix returns the path prefix of the regional bank serving u.
func subbankPrefix(u *url.URL) string {
	groups := subbankRegex.FindStringSubmatch(u.Path)
	if len(groups) < 2 {
		return "/"
	}
	return groups[1]
}
