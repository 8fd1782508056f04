package normalize

import (
	"encoding/base64"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
)

func TestPreviewStripsMarkupAndCollapsesWhitespace(t *testing.T) {
	body := "<html><head><style>p{color:red}</style></head><body><p>Hello&nbsp;<b>world</b></p>\n\n<p>second   line &amp; more</p></body></html>"
	require.Equal(t, "Hello world second line & more", Preview(body, true))
}

func TestPreviewPlainTextKeepsAngleBrackets(t *testing.T) {
	require.Equal(t, "a < b and c > d", Preview("a < b\n\tand c > d", false))
}

func TestPreviewTruncatesByRunes(t *testing.T) {
	long := strings.Repeat("é", 400)
	p := Preview(long, false)
	require.Equal(t, PreviewLength, utf8.RuneCountInString(p))
}

func TestPreviewOrSnippet(t *testing.T) {
	require.Equal(t, "from body", PreviewOrSnippet("<p>from body</p>", true, "snippet text"))
	require.Equal(t, "snippet & text", PreviewOrSnippet("  ", true, "snippet &amp; text"))
}

func TestChooseBodyPrefersHTML(t *testing.T) {
	body, isHTML := ChooseBody("<p>x</p>", "x")
	require.True(t, isHTML)
	require.Equal(t, "<p>x</p>", body)

	body, isHTML = ChooseBody(" ", "plain")
	require.False(t, isHTML)
	require.Equal(t, "plain", body)
}

func TestInlineContentIDs(t *testing.T) {
	html := `<img src="cid:logo@example"><img src='CID:Other'><img src="cid:missing">`
	out := InlineContentIDs(html, map[string]InlinePart{
		"<logo@example>": {ContentType: "image/png", Data: []byte{1, 2, 3}},
		"other":          {ContentType: "image/gif", Data: []byte("gif")},
	})
	require.Contains(t, out, `src="data:image/png;base64,`+base64.StdEncoding.EncodeToString([]byte{1, 2, 3})+`"`)
	require.Contains(t, out, "data:image/gif;base64,")
	require.Contains(t, out, `src="cid:missing"`)
	require.Equal(t, []string{"missing"}, ContentIDRefs(out))
}

func TestSanitizeBodyKeepsDataImagesDropsScripts(t *testing.T) {
	png := base64.StdEncoding.EncodeToString([]byte("\x89PNG\r\n\x1a\n"))
	in := `<div style="color:red"><img src="data:image/png;base64,` + png + `"><script>alert(1)</script></div>`
	out := SanitizeBody(in)
	require.Contains(t, out, "data:image/png;base64,")
	require.NotContains(t, out, "<script>")
}

func TestParseAddress(t *testing.T) {
	cases := []struct {
		in, name, email string
	}{
		{`"Jane Doe" <Jane@Example.COM>`, "Jane Doe", "jane@example.com"},
		{`bob@example.com`, "", "bob@example.com"},
		{`Doe, Jane <jane@example.com>`, "Doe, Jane", "jane@example.com"},
		{``, "", ""},
	}
	for _, c := range cases {
		name, email := ParseAddress(c.in)
		require.Equal(t, c.name, name, c.in)
		require.Equal(t, c.email, email, c.in)
	}
}

const relatedMessage = "From: \"Ann Sender\" <Ann@Example.com>\r\n" +
	"To: you@example.com\r\n" +
	"Subject: =?UTF-8?Q?Caf=C3=A9_report?=\r\n" +
	"Date: Tue, 02 Jan 2024 10:00:00 +0000\r\n" +
	"Message-ID: <abc123@example.com>\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/related; boundary=\"rel\"\r\n" +
	"\r\n" +
	"--rel\r\n" +
	"Content-Type: multipart/alternative; boundary=\"alt\"\r\n" +
	"\r\n" +
	"--alt\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Plain version\r\n" +
	"--alt\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<p>Html version <img src=\"cid:img1@example.com\"></p>\r\n" +
	"--alt--\r\n" +
	"--rel\r\n" +
	"Content-Type: image/png\r\n" +
	"Content-Transfer-Encoding: base64\r\n" +
	"Content-ID: <img1@example.com>\r\n" +
	"Content-Disposition: inline\r\n" +
	"\r\n" +
	"AQID\r\n" +
	"--rel--\r\n"

func TestParseMIMENestedRelated(t *testing.T) {
	parsed, err := ParseMIME([]byte(relatedMessage))
	require.NoError(t, err)
	require.Equal(t, "abc123@example.com", parsed.MessageID)
	require.Equal(t, "Café report", parsed.Subject)
	require.Equal(t, "Ann Sender", parsed.FromName)
	require.Equal(t, "ann@example.com", parsed.FromEmail)
	require.Equal(t, 2024, parsed.Date.Year())
	require.Contains(t, parsed.Text, "Plain version")
	require.Contains(t, parsed.Inline, "img1@example.com")

	body, isHTML := parsed.Body()
	require.True(t, isHTML)
	require.Contains(t, body, "Html version")
	require.Contains(t, body, "data:image/png;base64,AQID")
	require.NotContains(t, body, "cid:")
}

func TestParseMIMESinglePartPlain(t *testing.T) {
	raw := "From: bob@example.com\r\nSubject: hi\r\nContent-Type: text/plain\r\n\r\njust text\r\n"
	parsed, err := ParseMIME([]byte(raw))
	require.NoError(t, err)
	body, isHTML := parsed.Body()
	require.False(t, isHTML)
	require.Contains(t, body, "just text")
	require.Equal(t, "bob@example.com", parsed.FromEmail)
}
