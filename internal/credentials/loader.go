// Package credentials reads stored provider credentials and decrypts them for a run.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Martian-dev/mailsync/internal/secrets"
	"github.com/Martian-dev/mailsync/internal/sync"
)

// Record is a credential row as stored, secrets still sealed.
type Record struct {
	UserID        string
	Provider      sync.ProviderName
	RefreshToken  string
	Secret        string
	Config        []byte
	InvalidatedAt *time.Time
}

// Repository is the credential table.
type Repository interface {
	// CredentialRecord returns nil, nil when no row exists.
	CredentialRecord(ctx context.Context, userID string, provider sync.ProviderName) (*Record, error)
	MarkCredentialInvalid(ctx context.Context, userID string, provider sync.ProviderName, reason string, at time.Time) error
}

// Loader implements sync.CredentialSource.
type Loader struct {
	repo   Repository
	cipher *secrets.Cipher
	now    func() time.Time
}

// NewLoader builds a Loader over repo. A nil cipher only accepts legacy plaintext values.
func NewLoader(repo Repository, cipher *secrets.Cipher) *Loader {
	return &Loader{repo: repo, cipher: cipher, now: func() time.Time { return time.Now().UTC() }}
}

// Load returns decrypted credential material for (userID, provider).
func (l *Loader) Load(ctx context.Context, userID string, provider sync.ProviderName) (*sync.Credential, error) {
	rec, err := l.repo.CredentialRecord(ctx, userID, provider)
	if err != nil {
		return nil, fmt.Errorf("read credential: %w", err)
	}
	if rec == nil {
		return nil, sync.ErrCredentialNotFound
	}
	if rec.InvalidatedAt != nil {
		return nil, sync.ErrCredentialInvalid
	}

	if rec.RefreshToken == "" && rec.Secret == "" {
		return nil, sync.ErrCredentialNotFound
	}

	cred := &sync.Credential{UserID: userID, Provider: provider}
	if provider.UsesOAuth() {
		if rec.RefreshToken == "" {
			return nil, fmt.Errorf("%w: %s credential has no refresh token", sync.ErrCredentialInvalid, provider)
		}
		token, err := l.open(rec.RefreshToken)
		if err != nil {
			return nil, err
		}
		cred.RefreshToken = token
		return cred, nil
	}

	if rec.Secret == "" {
		return nil, fmt.Errorf("%w: %s credential has no password", sync.ErrCredentialInvalid, provider)
	}
	password, err := l.open(rec.Secret)
	if err != nil {
		return nil, err
	}
	var cfg sync.IMAPConfig
	if len(rec.Config) > 0 {
		if err := json.Unmarshal(rec.Config, &cfg); err != nil {
			return nil, fmt.Errorf("%w: connection config unreadable", sync.ErrCredentialInvalid)
		}
	}
	cred.Password = password
	cred.IMAP = &cfg
	return cred, nil
}

// MarkInvalid stamps the credential so schedulers stop retrying it.
func (l *Loader) MarkInvalid(ctx context.Context, userID string, provider sync.ProviderName, reason string) error {
	return l.repo.MarkCredentialInvalid(ctx, userID, provider, reason, l.now())
}

func (l *Loader) open(value string) (string, error) {
	if !secrets.IsSealed(value) {
		return value, nil
	}
	if l.cipher == nil {
		return "", sync.ErrDecryption
	}
	plain, err := l.cipher.Open(value)
	if err != nil {
		if errors.Is(err, secrets.ErrDecrypt) {
			return "", sync.ErrDecryption
		}
		return "", fmt.Errorf("%w: %v", sync.ErrDecryption, err)
	}
	return plain, nil
}
