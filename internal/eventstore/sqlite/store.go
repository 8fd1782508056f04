package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/Martian-dev/mailsync/internal/credentials"
	"github.com/Martian-dev/mailsync/internal/sync"
)

//go:embed schema.sql
var schemaSQL string

// Store is the SQLite implementation of the message, credential and outbox tables.
type Store struct {
	DB  *sql.DB
	now func() time.Time
}

// Open opens or creates the database at dbPath and applies the schema.
func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{DB: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.DB.Close()
}

// LastSyncDate returns the newest stored sent_at for (user, provider).
func (s *Store) LastSyncDate(ctx context.Context, userID string, provider sync.ProviderName) (*time.Time, error) {
	var ms sql.NullInt64
	err := s.DB.QueryRowContext(ctx, `
		SELECT MAX(sent_at) FROM email_messages WHERE user_id = ? AND provider = ?
	`, userID, string(provider)).Scan(&ms)
	if err != nil {
		return nil, fmt.Errorf("failed to load last sync date: %w", err)
	}
	if !ms.Valid {
		return nil, nil
	}
	t := time.UnixMilli(ms.Int64).UTC()
	return &t, nil
}

// TeamsForUser lists the teams userID belongs to.
func (s *Store) TeamsForUser(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT team_id FROM team_members WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query teams: %w", err)
	}
	return scanStrings(rows)
}

// BlacklistForTeams returns the blacklisted sender values of every team in teamIDs.
func (s *Store) BlacklistForTeams(ctx context.Context, teamIDs []string) ([]string, error) {
	if len(teamIDs) == 0 {
		return nil, nil
	}
	args := make([]interface{}, len(teamIDs))
	for i, id := range teamIDs {
		args[i] = id
	}
	query := `SELECT DISTINCT value FROM blacklist_rules WHERE team_id IN (?` + strings.Repeat(",?", len(teamIDs)-1) + `)`
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query blacklist: %w", err)
	}
	return scanStrings(rows)
}

// InsertMessages inserts msgs in one transaction, skipping rows whose key already exists,
// and queues an outbox entry for each row actually inserted.
func (s *Store) InsertMessages(ctx context.Context, userID string, provider sync.ProviderName, msgs []sync.NormalizedMessage) ([]sync.NormalizedMessage, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now()
	var inserted []sync.NormalizedMessage
	for _, m := range msgs {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO email_messages
			(id, user_id, provider, provider_message_id, thread_id, mailbox, subject, body, preview,
			 sent_at, sender_name, sender_email, status, direction, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (user_id, provider, provider_message_id) DO NOTHING
		`, uuid.NewString(), userID, string(provider), m.ProviderMessageID, m.ThreadID, m.Mailbox,
			m.Subject, m.Body, m.Preview, m.SentAt.UTC().UnixMilli(), m.SenderName, m.SenderEmail,
			string(m.Status), string(m.Direction), now.UnixMilli())
		if err != nil {
			return nil, fmt.Errorf("failed to insert message %s: %w", m.ProviderMessageID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to read insert result: %w", err)
		}
		if n == 0 {
			continue
		}

		entry, err := sync.NewSyncedEntry(userID, provider, m)
		if err != nil {
			return nil, err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (msg_id) DO NOTHING
		`, now.Unix(), entry.Subject, sync.EventEmailSynced, entry.Payload, entry.MsgID, now.Unix())
		if err != nil {
			return nil, fmt.Errorf("failed to insert outbox entry: %w", err)
		}
		inserted = append(inserted, m)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit messages: %w", err)
	}
	return inserted, nil
}

// CredentialRecord reads the stored credential row, nil when absent.
func (s *Store) CredentialRecord(ctx context.Context, userID string, provider sync.ProviderName) (*credentials.Record, error) {
	rec := &credentials.Record{UserID: userID, Provider: provider}
	var config sql.NullString
	var invalidated sql.NullInt64
	err := s.DB.QueryRowContext(ctx, `
		SELECT refresh_token, secret, config, invalidated_at
		FROM provider_credentials WHERE user_id = ? AND provider = ?
	`, userID, string(provider)).Scan(&rec.RefreshToken, &rec.Secret, &config, &invalidated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}
	if config.Valid {
		rec.Config = []byte(config.String)
	}
	if invalidated.Valid {
		t := time.Unix(invalidated.Int64, 0).UTC()
		rec.InvalidatedAt = &t
	}
	return rec, nil
}

// MarkCredentialInvalid flags a credential the provider no longer accepts.
func (s *Store) MarkCredentialInvalid(ctx context.Context, userID string, provider sync.ProviderName, reason string, at time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE provider_credentials
		SET invalidated_at = ?, invalid_reason = ?, updated_at = ?
		WHERE user_id = ? AND provider = ?
	`, at.Unix(), reason, s.now().Unix(), userID, string(provider))
	if err != nil {
		return fmt.Errorf("failed to mark credential invalid: %w", err)
	}
	return nil
}

// UpsertCredential stores sealed credential material and clears any invalidation.
func (s *Store) UpsertCredential(ctx context.Context, rec credentials.Record) error {
	var config interface{}
	if len(rec.Config) > 0 {
		config = string(rec.Config)
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO provider_credentials (user_id, provider, refresh_token, secret, config, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, provider) DO UPDATE SET
			refresh_token = excluded.refresh_token,
			secret = excluded.secret,
			config = excluded.config,
			invalidated_at = NULL,
			invalid_reason = NULL,
			updated_at = excluded.updated_at
	`, rec.UserID, string(rec.Provider), rec.RefreshToken, rec.Secret, config, s.now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

// ActiveCredentials lists every credential that has not been invalidated.
func (s *Store) ActiveCredentials(ctx context.Context) ([]sync.CredentialKey, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT user_id, provider FROM provider_credentials
		WHERE invalidated_at IS NULL
		ORDER BY user_id, provider
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query credentials: %w", err)
	}
	defer rows.Close()

	var keys []sync.CredentialKey
	for rows.Next() {
		var k sync.CredentialKey
		var provider string
		if err := rows.Scan(&k.UserID, &provider); err != nil {
			return nil, fmt.Errorf("failed to scan credential row: %w", err)
		}
		k.Provider = sync.ProviderName(provider)
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// AddTeamMember records that userID belongs to teamID.
func (s *Store) AddTeamMember(ctx context.Context, teamID, userID string) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO team_members (team_id, user_id) VALUES (?, ?) ON CONFLICT DO NOTHING
	`, teamID, userID)
	if err != nil {
		return fmt.Errorf("failed to add team member: %w", err)
	}
	return nil
}

// AddBlacklistRule suppresses a sender address for teamID.
func (s *Store) AddBlacklistRule(ctx context.Context, teamID, value string) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO blacklist_rules (team_id, value) VALUES (?, ?) ON CONFLICT DO NOTHING
	`, teamID, value)
	if err != nil {
		return fmt.Errorf("failed to add blacklist rule: %w", err)
	}
	return nil
}

// DequeueOutbox fetches unpublished entries that are due.
func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]sync.OutboxEntry, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, subject, payload, msg_id
		FROM outbox
		WHERE published_at IS NULL
		  AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?
	`, s.now().Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var entries []sync.OutboxEntry
	for rows.Next() {
		var e sync.OutboxEntry
		if err := rows.Scan(&e.ID, &e.Subject, &e.Payload, &e.MsgID); err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MarkPublished marks an outbox entry as published
func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE outbox SET published_at = ? WHERE id = ?`, s.now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark published: %w", err)
	}
	return nil
}

// MarkOutboxRetry bumps the retry count and pushes the next attempt out by backoff.
func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE outbox
		SET retries = retries + 1,
		    next_attempt_at = ?
		WHERE id = ?
	`, s.now().Add(backoff).Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark retry: %w", err)
	}
	return nil
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
