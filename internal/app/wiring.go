package app

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/config"
	"github.com/Martian-dev/mailsync/internal/credentials"
	"github.com/Martian-dev/mailsync/internal/eventstore/sqlite"
	"github.com/Martian-dev/mailsync/internal/providers/gmail"
	"github.com/Martian-dev/mailsync/internal/providers/imap"
	"github.com/Martian-dev/mailsync/internal/providers/outlook"
	"github.com/Martian-dev/mailsync/internal/secrets"
	"github.com/Martian-dev/mailsync/internal/store/postgres"
	"github.com/Martian-dev/mailsync/internal/sync"
)

// Store is what the commands need from either backend.
type Store interface {
	sync.MessageStore
	sync.CredentialLister
	sync.Outbox
	credentials.Repository
	UpsertCredential(ctx context.Context, rec credentials.Record) error
	Close() error
}

var (
	_ Store = (*sqlite.Store)(nil)
	_ Store = (*postgres.Store)(nil)
)

func openStore(ctx context.Context, c *config.Config) (Store, error) {
	switch c.Database.Driver {
	case "postgres":
		s, err := postgres.Open(ctx, c.Database.URL)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "sqlite":
		s, err := sqlite.Open(c.Database.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown database.driver %q", c.Database.Driver)
	}
}

func openCipher(c *config.Config) (*secrets.Cipher, error) {
	if c.Encryption.Key == "" {
		return nil, nil
	}
	return secrets.NewCipher(c.Encryption.Key)
}

// buildRegistry registers every provider whose client settings are present.
func buildRegistry(c *config.Config, log zerolog.Logger) (*sync.Registry, error) {
	reg := sync.NewRegistry()

	if c.Google.ClientID != "" {
		refresher := auth.NewGoogleRefresher(c.Google.ClientID, c.Google.ClientSecret)
		reg.Register(sync.ProviderGmail, func() (sync.MailProvider, error) {
			return gmail.New(refresher,
				gmail.WithLogger(log.With().Str("adapter", "gmail").Logger()),
				gmail.WithPaging(c.Sync.MaxPages, c.Sync.PageSize),
			), nil
		})
	} else {
		log.Warn().Msg("google.client_id not set, gmail disabled")
	}

	if c.Microsoft.ClientID != "" {
		refresher := auth.NewMicrosoftRefresher(c.Microsoft.ClientID, c.Microsoft.ClientSecret, c.Microsoft.Tenant)
		reg.Register(sync.ProviderOutlook, func() (sync.MailProvider, error) {
			return outlook.New(refresher,
				outlook.WithLogger(log.With().Str("adapter", "outlook").Logger()),
				outlook.WithPaging(c.Sync.MaxPages, c.Sync.PageSize),
			), nil
		})
	} else {
		log.Warn().Msg("microsoft.client_id not set, outlook disabled")
	}

	var transport imap.Transport
	if c.IMAP.RelayURL != "" {
		signer, err := auth.NewRelaySigner(c.IMAP.RelaySecret)
		if err != nil {
			return nil, fmt.Errorf("imap relay: %w", err)
		}
		transport = imap.NewRelayTransport(c.IMAP.RelayURL, signer)
	} else {
		transport = imap.NewDirectTransport(
			imap.WithDialTimeout(c.IMAP.DialTimeout),
			imap.WithDirectLogger(log.With().Str("adapter", "imap").Logger()),
		)
	}
	reg.Register(sync.ProviderIMAP, func() (sync.MailProvider, error) {
		return imap.New(transport,
			imap.WithLogger(log.With().Str("adapter", "imap").Logger()),
			imap.WithLimit(c.Sync.MaxPages*c.Sync.PageSize),
		), nil
	})

	log.Info().Strs("providers", reg.Providers()).Msg("mail providers registered")
	return reg, nil
}

func buildRunner(c *config.Config, store Store, reg prometheus.Registerer, log zerolog.Logger) (*sync.Runner, error) {
	cipher, err := openCipher(c)
	if err != nil {
		return nil, err
	}
	if cipher == nil {
		log.Warn().Msg("encryption.key not set, sealed credentials cannot be opened")
	}
	registry, err := buildRegistry(c, log)
	if err != nil {
		return nil, err
	}

	var metrics *sync.Metrics
	if reg != nil {
		metrics = sync.NewMetrics(reg)
	}
	return &sync.Runner{
		Registry:    registry,
		Credentials: credentials.NewLoader(store, cipher),
		Store:       store,
		Metrics:     metrics,
		Logger:      log,
		Timeout:     c.Sync.RunTimeout,
	}, nil
}

func ping(store Store) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		_, err := store.LastSyncDate(ctx, "healthcheck", sync.ProviderGmail)
		return err
	}
}

const outboxInterval = 2 * time.Second
