// Package postgres is the production store on hosted Postgres.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Martian-dev/mailsync/internal/credentials"
	"github.com/Martian-dev/mailsync/internal/sync"
)

//go:embed schema.sql
var schemaSQL string

// Store implements the message, credential and outbox tables over a pgx pool.
type Store struct {
	Pool *pgxpool.Pool
}

// Open connects to connString and checks the connection.
func Open(ctx context.Context, connString string) (*Store, error) {
	if connString == "" {
		return nil, errors.New("database.url not configured")
	}
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{Pool: pool}, nil
}

// Migrate applies the schema. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.Pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	s.Pool.Close()
	return nil
}

// LastSyncDate returns the newest stored sent_at for (user, provider).
func (s *Store) LastSyncDate(ctx context.Context, userID string, provider sync.ProviderName) (*time.Time, error) {
	var last *time.Time
	err := s.Pool.QueryRow(ctx, `
		SELECT MAX(sent_at) FROM email_messages WHERE user_id = $1 AND provider = $2
	`, userID, string(provider)).Scan(&last)
	if err != nil {
		return nil, fmt.Errorf("failed to load last sync date: %w", err)
	}
	if last != nil {
		t := last.UTC()
		last = &t
	}
	return last, nil
}

func (s *Store) TeamsForUser(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.Pool.Query(ctx, `SELECT team_id FROM team_members WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query teams: %w", err)
	}
	teams, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan teams: %w", err)
	}
	return teams, nil
}

func (s *Store) BlacklistForTeams(ctx context.Context, teamIDs []string) ([]string, error) {
	if len(teamIDs) == 0 {
		return nil, nil
	}
	rows, err := s.Pool.Query(ctx, `SELECT DISTINCT value FROM blacklist_rules WHERE team_id = ANY($1)`, teamIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to query blacklist: %w", err)
	}
	values, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan blacklist: %w", err)
	}
	return values, nil
}

// InsertMessages inserts msgs in one transaction and returns the rows that did not exist yet.
func (s *Store) InsertMessages(ctx context.Context, userID string, provider sync.ProviderName, msgs []sync.NormalizedMessage) ([]sync.NormalizedMessage, error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var inserted []sync.NormalizedMessage
	for _, m := range msgs {
		var id uuid.UUID
		err := tx.QueryRow(ctx, `
			INSERT INTO email_messages
			(id, user_id, provider, provider_message_id, thread_id, mailbox, subject, body, preview,
			 sent_at, sender_name, sender_email, status, direction)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			ON CONFLICT (user_id, provider, provider_message_id) DO NOTHING
			RETURNING id
		`, uuid.New(), userID, string(provider), m.ProviderMessageID, m.ThreadID, m.Mailbox,
			m.Subject, m.Body, m.Preview, m.SentAt.UTC(), m.SenderName, m.SenderEmail,
			string(m.Status), string(m.Direction)).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to insert message %s: %w", m.ProviderMessageID, err)
		}

		entry, err := sync.NewSyncedEntry(userID, provider, m)
		if err != nil {
			return nil, err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO outbox (subject, event_type, payload, msg_id)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (msg_id) DO NOTHING
		`, entry.Subject, sync.EventEmailSynced, entry.Payload, entry.MsgID)
		if err != nil {
			return nil, fmt.Errorf("failed to insert outbox entry: %w", err)
		}
		inserted = append(inserted, m)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit messages: %w", err)
	}
	return inserted, nil
}

// CredentialRecord reads the stored credential row, nil when absent.
func (s *Store) CredentialRecord(ctx context.Context, userID string, provider sync.ProviderName) (*credentials.Record, error) {
	rec := &credentials.Record{UserID: userID, Provider: provider}
	err := s.Pool.QueryRow(ctx, `
		SELECT refresh_token, secret, config, invalidated_at
		FROM provider_credentials WHERE user_id = $1 AND provider = $2
	`, userID, string(provider)).Scan(&rec.RefreshToken, &rec.Secret, &rec.Config, &rec.InvalidatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}
	return rec, nil
}

func (s *Store) MarkCredentialInvalid(ctx context.Context, userID string, provider sync.ProviderName, reason string, at time.Time) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE provider_credentials
		SET invalidated_at = $3, invalid_reason = $4, updated_at = now()
		WHERE user_id = $1 AND provider = $2
	`, userID, string(provider), at, reason)
	if err != nil {
		return fmt.Errorf("failed to mark credential invalid: %w", err)
	}
	return nil
}

// UpsertCredential stores sealed credential material and clears any invalidation.
func (s *Store) UpsertCredential(ctx context.Context, rec credentials.Record) error {
	var config []byte
	if len(rec.Config) > 0 {
		config = rec.Config
	}
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO provider_credentials (user_id, provider, refresh_token, secret, config)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, provider) DO UPDATE SET
			refresh_token = EXCLUDED.refresh_token,
			secret = EXCLUDED.secret,
			config = EXCLUDED.config,
			invalidated_at = NULL,
			invalid_reason = NULL,
			updated_at = now()
	`, rec.UserID, string(rec.Provider), rec.RefreshToken, rec.Secret, config)
	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

func (s *Store) ActiveCredentials(ctx context.Context) ([]sync.CredentialKey, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT user_id, provider FROM provider_credentials
		WHERE invalidated_at IS NULL
		ORDER BY user_id, provider
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query credentials: %w", err)
	}
	keys, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (sync.CredentialKey, error) {
		var k sync.CredentialKey
		var provider string
		err := row.Scan(&k.UserID, &provider)
		k.Provider = sync.ProviderName(provider)
		return k, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan credentials: %w", err)
	}
	return keys, nil
}

func (s *Store) AddTeamMember(ctx context.Context, teamID, userID string) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO team_members (team_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING
	`, teamID, userID)
	if err != nil {
		return fmt.Errorf("failed to add team member: %w", err)
	}
	return nil
}

func (s *Store) AddBlacklistRule(ctx context.Context, teamID, value string) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO blacklist_rules (team_id, value) VALUES ($1, $2) ON CONFLICT DO NOTHING
	`, teamID, value)
	if err != nil {
		return fmt.Errorf("failed to add blacklist rule: %w", err)
	}
	return nil
}

func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]sync.OutboxEntry, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, subject, payload, msg_id
		FROM outbox
		WHERE published_at IS NULL AND next_attempt_at <= now()
		ORDER BY id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (sync.OutboxEntry, error) {
		var e sync.OutboxEntry
		err := row.Scan(&e.ID, &e.Subject, &e.Payload, &e.MsgID)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan outbox row: %w", err)
	}
	return entries, nil
}

func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	if _, err := s.Pool.Exec(ctx, `UPDATE outbox SET published_at = now() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to mark published: %w", err)
	}
	return nil
}

func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE outbox SET retries = retries + 1, next_attempt_at = $2 WHERE id = $1
	`, id, time.Now().Add(backoff))
	if err != nil {
		return fmt.Errorf("failed to mark retry: %w", err)
	}
	return nil
}
