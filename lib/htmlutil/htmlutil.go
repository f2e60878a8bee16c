package htmlutil

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

func GetText(node *html.Node) string {
	var buffer bytes.Buffer
	getTextRecursive(node, &buffer)
	return buffer.String()
}

func getTextRecursive(node *html.Node, buffer *bytes.Buffer) {
	if node == nil {
		return
	}
	if node.Type == html.TextNode {
		buffer.WriteString(node.Data)
		return
	}
	child := node.FirstChild
	for child != nil {
		getTextRecursive(child, buffer)
		child = child.NextSibling
	}
}

var innerWhitespace = regexp.MustCompile(`\s+`)

func removeNonPrintable(s string) string {
	newStr := strings.Builder{}
	for _, c := range s {
		if unicode.IsPrint(c) || unicode.IsSpace(c) {
			newStr.WriteRune(c)
		}
	}
	return newStr.String()
}

// CleanString collapses whitespace runs into single spaces and trims the result.
func CleanString(s string) string {
	s = removeNonPrintable(s)
	s = innerWhitespace.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// CleanText returns the whitespace-normalized text of every node in the selection.
func CleanText(sel *goquery.Selection) string {
	var buffer bytes.Buffer
	for _, n := range sel.Nodes {
		getTextRecursive(n, &buffer)
		buffer.WriteByte(' ')
	}
	return CleanString(buffer.String())
}

// Form is an HTML form flattened into what a browser would submit.
type Form struct {
	Method string
	Action string
	Fields map[string]string
}

func (f Form) Set(name, value string) {
	f.Fields[name] = value
}

// Values returns the fields in url-encoded form.
func (f Form) Values() url.Values {
	values := url.Values{}
	for k, v := range f.Fields {
		values.Set(k, v)
	}
	return values
}

// FindForm extracts the first form matching selector, resolving its action
// against pageUrl. Submit buttons, unchecked boxes and disabled fields are
// left out.
func FindForm(doc *goquery.Document, selector string, pageUrl *url.URL) (Form, error) {
	sel := doc.Find(selector).First()
	if sel.Length() == 0 {
		return Form{}, fmt.Errorf("form '%s' not found", selector)
	}
	if goquery.NodeName(sel) != "form" {
		sel = sel.Closest("form")
		if sel.Length() == 0 {
			return Form{}, fmt.Errorf("'%s' is not inside a form", selector)
		}
	}

	action := sel.AttrOr("action", "")
	if pageUrl != nil {
		resolved, err := pageUrl.Parse(action)
		if err != nil {
			return Form{}, fmt.Errorf("parse form action '%s': %w", action, err)
		}
		action = resolved.String()
	}

	form := Form{
		Method: strings.ToUpper(sel.AttrOr("method", "GET")),
		Action: action,
		Fields: map[string]string{},
	}

	sel.Find("input, select, textarea").Each(func(_ int, field *goquery.Selection) {
		name, ok := field.Attr("name")
		if !ok || name == "" {
			return
		}
		if _, disabled := field.Attr("disabled"); disabled {
			return
		}

		switch goquery.NodeName(field) {
		case "select":
			option := field.Find("option[selected]").First()
			if option.Length() == 0 {
				option = field.Find("option").First()
			}
			form.Fields[name] = option.AttrOr("value", CleanText(option))
		case "textarea":
			form.Fields[name] = field.Text()
		default:
			switch strings.ToLower(field.AttrOr("type", "text")) {
			case "submit", "button", "image", "reset", "file":
				return
			case "checkbox", "radio":
				if _, checked := field.Attr("checked"); !checked {
					return
				}
				form.Fields[name] = field.AttrOr("value", "on")
			default:
				form.Fields[name] = field.AttrOr("value", "")
			}
		}
	})

	return form, nil
}
