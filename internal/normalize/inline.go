package normalize

import (
	"encoding/base64"
	"regexp"
	"strings"
)

// InlinePart is embedded content referenced from HTML through a Content-ID.
type InlinePart struct {
	ContentType string
	Data        []byte
}

var cidRef = regexp.MustCompile(`(?i)cid:([^"'\s)>]+)`)

// NormalizeContentID strips whitespace and angle brackets from a Content-ID header value.
func NormalizeContentID(id string) string {
	return strings.Trim(strings.TrimSpace(id), "<>")
}

// HasContentIDRefs reports whether body references any cid: URL.
func HasContentIDRefs(body string) bool {
	return cidRef.MatchString(body)
}

// ContentIDRefs lists the distinct Content-IDs referenced by body.
func ContentIDRefs(body string) []string {
	var ids []string
	seen := make(map[string]struct{})
	for _, m := range cidRef.FindAllStringSubmatch(body, -1) {
		id := NormalizeContentID(m[1])
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

// DataURI encodes data as a base64 data URI.
func DataURI(contentType string, data []byte) string {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// InlineContentIDs replaces every resolvable cid: reference with a data URI.
// Unresolved references are left untouched.
func InlineContentIDs(body string, parts map[string]InlinePart) string {
	if len(parts) == 0 || !HasContentIDRefs(body) {
		return body
	}
	lower := make(map[string]InlinePart, len(parts))
	for id, p := range parts {
		lower[strings.ToLower(NormalizeContentID(id))] = p
	}
	return cidRef.ReplaceAllStringFunc(body, func(ref string) string {
		id := NormalizeContentID(ref[len("cid:"):])
		p, ok := parts[id]
		if !ok {
			p, ok = lower[strings.ToLower(id)]
		}
		if !ok {
			return ref
		}
		return DataURI(p.ContentType, p.Data)
	})
}
