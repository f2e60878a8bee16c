package fortuneo

import (
	"bankauth-backend/lib/htmlutil"
	"bankauth-backend/lib/pagematch"
)

type pageKind int

const (
	pageUnknown pageKind = iota
	pageLogin
	pageUnavailable
	pageSecurity
	pageTwoFactor
	pageAccounts
)

func (k pageKind) String() string {
	switch k {
	case pageLogin:
		return "login"
	case pageUnavailable:
		return "unavailable"
	case pageSecurity:
		return "security card"
	case pageTwoFactor:
		return "two factor"
	case pageAccounts:
		return "accounts"
	}
	return "unknown"
}

const (
	otpFormSelector = `form[action*="valider-otp-connexion"]`
	warningSelector = `div.alerte-securite-forte, div.warning`
)

var pages = pagematch.NewTable(
	pagematch.Path(pageLogin, `.*identification\.jsp.*`),
	pagematch.Path(pageUnavailable, `/customError/indispo\.html.*`),
	pagematch.Path(pageSecurity, `/fr/prive/identification-carte-securite-forte\.jsp.*`),
	pagematch.Path(pageTwoFactor,
		`.*/prive/(?:mes-comptes/synthese-mes-comptes|listes-personnelles|obtenir-otp-connexion|valider-otp-connexion)\.jsp.*`,
		pagematch.HasSelector(otpFormSelector+", "+warningSelector)),
	pagematch.Path(pageAccounts, `.*prive/default\.jsp.*`),
	pagematch.Path(pageAccounts, `.*/prive/mes-comptes/synthese-mes-comptes\.jsp.*`),
)

func classify(p *pagematch.Page) pageKind {
	kind, _ := pages.Match(p)
	return kind
}

func loginError(p *pagematch.Page) string {
	return htmlutil.CleanText(p.Doc().Find(`#acces_identification .erreur, div.erreur_login, div.msg-erreur`))
}

func warningMessage(p *pagematch.Page) string {
	return htmlutil.CleanText(p.Doc().Find(warningSelector))
}

func otpError(p *pagematch.Page) string {
	return htmlutil.CleanText(p.Doc().Find(`div.erreur, p.erreur, div.msg-erreur`))
}

// needsSms is the accounts page asking for a second factor fortuneo only
// offers through its own card reader.
func needsSms(p *pagematch.Page) bool {
	return p.Doc().Find("div#aidesecuforte").Length() > 0
}
