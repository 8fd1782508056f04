package sync

import (
	"errors"
	"net/http"
)

var (
	ErrBadRequest          = errors.New("bad request")
	ErrUnsupportedProvider = errors.New("unsupported provider")
	ErrCredentialNotFound  = errors.New("credential not found")
	ErrCredentialInvalid   = errors.New("credential marked invalid")
	ErrDecryption          = errors.New("credential decryption failed")
	ErrAuthRefresh         = errors.New("access token refresh rejected")
	ErrAuthRejected        = errors.New("provider rejected login")
	ErrProviderFetch       = errors.New("provider fetch failed")
	ErrPersistence         = errors.New("persistence failed")
)

// Kind groups errors by how the orchestrator responds to them.
type Kind int

const (
	KindUnexpected Kind = iota
	KindBadRequest
	KindIgnored
	KindCredential
	KindAuth
)

// Classify maps an error to its handling tier.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindUnexpected
	case errors.Is(err, ErrBadRequest):
		return KindBadRequest
	case errors.Is(err, ErrUnsupportedProvider):
		return KindIgnored
	case errors.Is(err, ErrCredentialNotFound),
		errors.Is(err, ErrCredentialInvalid),
		errors.Is(err, ErrDecryption):
		return KindCredential
	case errors.Is(err, ErrAuthRefresh), errors.Is(err, ErrAuthRejected):
		return KindAuth
	default:
		return KindUnexpected
	}
}

// Result is what a run reports back to its caller.
type Result struct {
	Status   int    `json:"-"`
	Message  string `json:"message,omitempty"`
	Error    string `json:"error,omitempty"`
	Fetched  int    `json:"fetched"`
	Filtered int    `json:"filtered"`
	Inserted int    `json:"inserted"`
}

// Handled reports whether the run ended in a non-alerting outcome.
func (r Result) Handled() bool {
	return r.Status == http.StatusOK
}

// credentialMessage is fixed text per kind so provider errors never leak secrets.
func credentialMessage(err error) string {
	switch {
	case errors.Is(err, ErrCredentialNotFound):
		return "no credential stored for this provider"
	case errors.Is(err, ErrCredentialInvalid):
		return "credential was invalidated, reconnect the account"
	case errors.Is(err, ErrDecryption):
		return "stored credential could not be decrypted"
	case errors.Is(err, ErrAuthRefresh), errors.Is(err, ErrAuthRejected):
		return "provider rejected the stored credential, reconnect the account"
	default:
		return "credential problem"
	}
}
