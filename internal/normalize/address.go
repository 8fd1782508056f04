package normalize

import (
	"net/mail"
	"strings"
)

// ParseAddress splits a From header into display name and lower-cased address.
func ParseAddress(header string) (name, email string) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", ""
	}
	if addr, err := mail.ParseAddress(header); err == nil {
		return addr.Name, strings.ToLower(addr.Address)
	}

	// Headers that net/mail rejects, e.g. unquoted commas in the display name.
	if open := strings.LastIndex(header, "<"); open >= 0 {
		if end := strings.LastIndex(header, ">"); end > open {
			name = strings.Trim(strings.TrimSpace(header[:open]), `"`)
			return name, strings.ToLower(strings.TrimSpace(header[open+1 : end]))
		}
	}
	return "", strings.ToLower(header)
}

// SameAddress compares two addresses case-insensitively.
func SameAddress(a, b string) bool {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	return a != "" && strings.EqualFold(a, b)
}
