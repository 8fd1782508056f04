// Package normalize turns provider-native message content into the stored record shape.
package normalize

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// PreviewLength is the maximum preview size in runes.
const PreviewLength = 150

var (
	stripPolicy *bluemonday.Policy
	bodyPolicy  *bluemonday.Policy
)

func init() {
	stripPolicy = bluemonday.StrictPolicy()
	stripPolicy.AddSpaceWhenStrippingTag(true)

	bodyPolicy = bluemonday.UGCPolicy()
	bodyPolicy.AllowElements("p", "br", "div", "span", "h1", "h2", "h3", "h4", "h5", "h6", "center", "font")
	bodyPolicy.AllowElements("strong", "b", "em", "i", "u", "s", "code", "pre", "blockquote", "hr")
	bodyPolicy.AllowElements("table", "thead", "tbody", "tfoot", "tr", "th", "td", "colgroup", "col")
	bodyPolicy.AllowAttrs("style").OnElements("span", "div", "p", "table", "tr", "td", "th", "a", "img", "font", "center")
	bodyPolicy.AllowAttrs("align", "valign", "bgcolor", "width", "height", "border", "cellpadding", "cellspacing").
		OnElements("table", "tr", "td", "th", "col", "img")
	bodyPolicy.AllowAttrs("color", "face", "size").OnElements("font")
	bodyPolicy.AllowAttrs("src", "alt", "title").OnElements("img")
	bodyPolicy.AllowDataURIImages()
	bodyPolicy.RequireParseableURLs(true)
	bodyPolicy.AllowURLSchemes("http", "https", "mailto")
}

// StripHTML removes all markup and decodes entities.
func StripHTML(s string) string {
	return html.UnescapeString(stripPolicy.Sanitize(s))
}

// SanitizeBody cleans HTML for rendering in the application. Inlined data-URI images survive.
func SanitizeBody(s string) string {
	return bodyPolicy.Sanitize(s)
}

// Preview derives the plain-text summary of a body.
func Preview(body string, isHTML bool) string {
	text := body
	if isHTML {
		text = StripHTML(body)
	}
	text = strings.Join(strings.Fields(text), " ")
	return truncateRunes(text, PreviewLength)
}

// PreviewOrSnippet prefers a preview derived from body and only falls back to the provider snippet
// when there is no body at all.
func PreviewOrSnippet(body string, isHTML bool, snippet string) string {
	if strings.TrimSpace(body) != "" {
		return Preview(body, isHTML)
	}
	return Preview(snippet, true)
}

// ChooseBody prefers HTML over plain text.
func ChooseBody(htmlBody, textBody string) (string, bool) {
	if strings.TrimSpace(htmlBody) != "" {
		return htmlBody, true
	}
	return textBody, false
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:n]))
}
