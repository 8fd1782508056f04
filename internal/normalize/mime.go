package normalize

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	gomessage "github.com/emersion/go-message"
	gomail "github.com/emersion/go-message/mail"
	htmlcharset "golang.org/x/net/html/charset"
)

const maxPartSize = 16 << 20

func init() {
	gomessage.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		return htmlcharset.NewReaderLabel(charset, input)
	}
}

// ParsedMessage is the content of a raw RFC 822 message.
type ParsedMessage struct {
	MessageID string
	Subject   string
	FromName  string
	FromEmail string
	Date      time.Time
	HTML      string
	Text      string
	Inline    map[string]InlinePart
}

// Body returns the preferred body with cid: references inlined.
func (p *ParsedMessage) Body() (string, bool) {
	body, isHTML := ChooseBody(p.HTML, p.Text)
	if isHTML {
		body = InlineContentIDs(body, p.Inline)
	}
	return body, isHTML
}

// ParseMIME reads a raw message, walking nested multiparts.
func ParseMIME(raw []byte) (*ParsedMessage, error) {
	reader, err := gomail.CreateReader(bytes.NewReader(raw))
	if err != nil && !gomessage.IsUnknownCharset(err) {
		return nil, fmt.Errorf("parse message: %w", err)
	}

	out := &ParsedMessage{Inline: make(map[string]InlinePart)}
	header := reader.Header
	out.Subject, _ = header.Subject()
	out.MessageID, _ = header.MessageID()
	if date, err := header.Date(); err == nil {
		out.Date = date.UTC()
	}
	if from, err := header.AddressList("From"); err == nil && len(from) > 0 {
		out.FromName = from[0].Name
		out.FromEmail = strings.ToLower(from[0].Address)
	} else {
		out.FromName, out.FromEmail = ParseAddress(header.Get("From"))
	}

	for {
		part, perr := reader.NextPart()
		if errors.Is(perr, io.EOF) {
			break
		}
		if perr != nil && !(gomessage.IsUnknownCharset(perr) && part != nil) {
			break
		}

		switch h := part.Header.(type) {
		case *gomail.InlineHeader:
			mimeType, _, _ := h.ContentType()
			mimeType = strings.ToLower(mimeType)
			data, err := io.ReadAll(io.LimitReader(part.Body, maxPartSize))
			if err != nil {
				continue
			}
			cid := NormalizeContentID(h.Get("Content-Id"))
			switch {
			case cid != "" && !strings.HasPrefix(mimeType, "text/"):
				out.Inline[cid] = InlinePart{ContentType: mimeType, Data: data}
			case mimeType == "text/html" && out.HTML == "":
				out.HTML = string(data)
			case (mimeType == "text/plain" || mimeType == "") && out.Text == "":
				out.Text = string(data)
			}
		case *gomail.AttachmentHeader:
			cid := NormalizeContentID(h.Get("Content-Id"))
			if cid == "" {
				continue
			}
			mimeType, _, _ := h.ContentType()
			data, err := io.ReadAll(io.LimitReader(part.Body, maxPartSize))
			if err != nil {
				continue
			}
			out.Inline[cid] = InlinePart{ContentType: strings.ToLower(mimeType), Data: data}
		}
	}
	return out, nil
}
