package htmlutil

import (
	"net/url"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/require"
)

const formPage = `<html><body>
<form name="ident" method="post" action="/fr/authentification.html?x=1">
	<input type="hidden" name="flag" value="password">
	<input type="text" name="_cm_user">
	<input type="password" name="_cm_pwd" value="">
	<input type="checkbox" name="remember" value="yes">
	<input type="checkbox" name="cgu" value="ok" checked>
	<input type="text" name="disabled" value="no" disabled>
	<select name="lang"><option value="en">en</option><option value="fr" selected>fr</option></select>
	<textarea name="note">hi</textarea>
	<input type="submit" name="submit" value="Go">
</form>
<div class="msg">  Votre   code
 est  erroné </div>
</body></html>`

func TestFindForm(t *testing.T) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(formPage))
	require.NoError(t, err)

	base, _ := url.Parse("https://bank.example/fr/banque/index.html")
	form, err := FindForm(doc, "form[name=ident]", base)
	require.NoError(t, err)

	require.Equal(t, "POST", form.Method)
	require.Equal(t, "https://bank.example/fr/authentification.html?x=1", form.Action)
	require.Equal(t, map[string]string{
		"flag":     "password",
		"_cm_user": "",
		"_cm_pwd":  "",
		"cgu":      "ok",
		"lang":     "fr",
		"note":     "hi",
	}, form.Fields)

	form.Set("_cm_user", "alice")
	require.Equal(t, "alice", form.Values().Get("_cm_user"))

	byField, err := FindForm(doc, "input[name=_cm_pwd]", base)
	require.NoError(t, err)
	require.Equal(t, form.Action, byField.Action)

	_, err = FindForm(doc, "form#missing", base)
	require.Error(t, err)
}

func TestCleanText(t *testing.T) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(formPage))
	require.NoError(t, err)
	require.Equal(t, "Votre code est erroné", CleanText(doc.Find("div.msg")))
	require.Equal(t, "", CleanText(doc.Find("div.none")))
}
