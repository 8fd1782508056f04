package sync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Request is one sync job.
type Request struct {
	UserID   string `json:"userId"`
	Provider string `json:"provider"`
}

// DefaultRunTimeout bounds a single run when the Runner has no explicit timeout.
const DefaultRunTimeout = 2 * time.Minute

// Runner orchestrates one fetch → filter → persist pass for a (user, provider).
// It holds no per-run state, so one Runner serves concurrent requests.
type Runner struct {
	Registry    *Registry
	Credentials CredentialSource
	Store       MessageStore
	Metrics     *Metrics
	Logger      zerolog.Logger
	Timeout     time.Duration
}

// Run executes the pipeline and maps every outcome to a Result.
// Expected failures (credentials, revoked tokens) return 200; only unexpected errors return 500.
// A request missing userId or provider, or naming an unregistered provider, returns 400.
func (r *Runner) Run(ctx context.Context, req Request) (res Result) {
	started := time.Now()
	provider := ParseProviderName(req.Provider)
	log := r.Logger.With().Str("user_id", req.UserID).Str("provider", string(provider)).Logger()

	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic", p).Msg("sync run panicked")
			res = failure(fmt.Errorf("internal error: %v", p))
		}
		r.Metrics.observeRun(provider, outcome(res), started)
	}()

	// ValidateRequest
	if req.UserID == "" || provider == "" {
		log.Debug().Msg("rejecting job without user or provider")
		return badRequest(fmt.Errorf("%w: userId and provider are required", ErrBadRequest))
	}

	// ResolveProvider
	if r.Registry.IsNonMail(provider) {
		log.Debug().Msg("ignoring non-mail provider")
		return Result{Status: http.StatusOK, Message: fmt.Sprintf("ignored: %s is not a mail provider", provider)}
	}
	factory, ok := r.Registry.Lookup(provider)
	if !ok {
		log.Debug().Msg("rejecting unknown provider")
		return badRequest(fmt.Errorf("%w: unknown provider %q", ErrBadRequest, provider))
	}

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultRunTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// LoadCredential
	cred, err := r.Credentials.Load(ctx, req.UserID, provider)
	if err != nil {
		if Classify(err) == KindCredential {
			log.Warn().Str("stage", "load_credential").Msg(credentialMessage(err))
			return Result{Status: http.StatusOK, Message: credentialMessage(err)}
		}
		log.Error().Err(err).Str("stage", "load_credential").Msg("credential lookup failed")
		return failure(fmt.Errorf("load credential: %w", err))
	}

	adapter, err := factory()
	if err != nil {
		log.Error().Err(err).Str("stage", "resolve_provider").Msg("adapter construction failed")
		return failure(fmt.Errorf("create provider: %w", err))
	}

	// RefreshAuthIfNeeded
	if cred.IsOAuth() {
		refresher, ok := adapter.(TokenRefresher)
		if !ok {
			return failure(fmt.Errorf("provider %s cannot refresh oauth credentials", provider))
		}
		token, err := refresher.RefreshAccessToken(ctx, cred.RefreshToken)
		if err != nil {
			if Classify(err) == KindAuth {
				log.Warn().Str("stage", "refresh_auth").Msg("refresh token rejected, marking credential invalid")
				r.markInvalid(ctx, req.UserID, provider, "refresh rejected")
				return Result{Status: http.StatusOK, Message: credentialMessage(err)}
			}
			log.Error().Err(err).Str("stage", "refresh_auth").Msg("token refresh failed")
			return failure(fmt.Errorf("refresh access token: %w", err))
		}
		cred.AccessToken = token
	}

	since, err := r.Store.LastSyncDate(ctx, req.UserID, provider)
	if err != nil {
		log.Error().Err(err).Str("stage", "cursor").Msg("watermark lookup failed")
		return failure(fmt.Errorf("load watermark: %w", err))
	}

	// FetchMessages
	fetched, err := adapter.FetchNewMessages(ctx, cred, since)
	if err != nil {
		if Classify(err) == KindAuth {
			log.Warn().Str("stage", "fetch").Msg("provider rejected login, marking credential invalid")
			r.markInvalid(ctx, req.UserID, provider, "login rejected")
			return Result{Status: http.StatusOK, Message: credentialMessage(err)}
		}
		log.Error().Err(err).Str("stage", "fetch").Msg("fetch failed")
		return failure(fmt.Errorf("fetch messages: %w", err))
	}
	fetched = newerThan(fetched, since)
	r.Metrics.addMessages(provider, "fetched", len(fetched))
	if len(fetched) == 0 {
		log.Info().Msg("no new messages")
		return Result{Status: http.StatusOK, Message: "no new messages"}
	}

	// FilterBlacklist
	filter := BlacklistFilter{Store: r.Store}
	kept, err := filter.Apply(ctx, req.UserID, fetched)
	if err != nil {
		log.Error().Err(err).Str("stage", "filter").Msg("blacklist lookup failed")
		return failure(fmt.Errorf("filter blacklist: %w", err))
	}
	filtered := len(fetched) - len(kept)
	r.Metrics.addMessages(provider, "filtered", filtered)

	// Persist
	var inserted []NormalizedMessage
	if len(kept) > 0 {
		inserted, err = r.Store.InsertMessages(ctx, req.UserID, provider, kept)
		if err != nil {
			log.Error().Err(err).Str("stage", "persist").Msg("persist failed")
			return failure(fmt.Errorf("%w: %v", ErrPersistence, err))
		}
	}
	r.Metrics.addMessages(provider, "inserted", len(inserted))

	log.Info().
		Int("fetched", len(fetched)).
		Int("filtered", filtered).
		Int("inserted", len(inserted)).
		Msg("sync complete")

	return Result{
		Status:   http.StatusOK,
		Message:  fmt.Sprintf("synced %d new messages", len(inserted)),
		Fetched:  len(fetched),
		Filtered: filtered,
		Inserted: len(inserted),
	}
}

func (r *Runner) markInvalid(ctx context.Context, userID string, provider ProviderName, reason string) {
	if err := r.Credentials.MarkInvalid(ctx, userID, provider, reason); err != nil {
		r.Logger.Error().Err(err).Str("user_id", userID).Str("provider", string(provider)).Msg("failed to mark credential invalid")
	}
}

// newerThan enforces the watermark and drops repeated ids within one batch.
func newerThan(msgs []NormalizedMessage, since *time.Time) []NormalizedMessage {
	seen := make(map[string]struct{}, len(msgs))
	out := msgs[:0]
	for _, m := range msgs {
		if m.ProviderMessageID == "" {
			continue
		}
		if since != nil && !m.SentAt.After(*since) {
			continue
		}
		if _, dup := seen[m.ProviderMessageID]; dup {
			continue
		}
		seen[m.ProviderMessageID] = struct{}{}
		out = append(out, m)
	}
	return out
}

func badRequest(err error) Result {
	return Result{Status: http.StatusBadRequest, Error: err.Error()}
}

func failure(err error) Result {
	msg := err.Error()
	if errors.Is(err, context.DeadlineExceeded) {
		msg = "sync run timed out: " + msg
	}
	return Result{Status: http.StatusInternalServerError, Error: msg}
}

func outcome(res Result) string {
	switch res.Status {
	case http.StatusOK:
		return "ok"
	case http.StatusBadRequest:
		return "bad_request"
	default:
		return "error"
	}
}
