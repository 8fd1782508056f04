package app

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/cobra"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/credentials"
	natsjs "github.com/Martian-dev/mailsync/internal/nats"
	"github.com/Martian-dev/mailsync/internal/secrets"
	"github.com/Martian-dev/mailsync/internal/server"
	"github.com/Martian-dev/mailsync/internal/store/postgres"
	"github.com/Martian-dev/mailsync/internal/sync"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve POST /sync over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		store, err := openStore(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer store.Close()

		runner, err := buildRunner(cfg, store, prometheus.DefaultRegisterer, logger)
		if err != nil {
			return err
		}

		opts := server.Options{Logger: logger, Ready: ping(store)}
		if cfg.JWKS.URL != "" {
			var verifierOpts []auth.VerifierOption
			if cfg.JWKS.Audience != "" {
				verifierOpts = append(verifierOpts, auth.WithAudience(cfg.JWKS.Audience))
			}
			verifier, err := auth.NewJWTVerifier(ctx, cfg.JWKS.URL, cfg.JWKS.Refresh, verifierOpts...)
			if err != nil {
				return fmt.Errorf("failed to load jwks: %w", err)
			}
			opts.Auth = verifier.Middleware()
		}

		if strings.EqualFold(cfg.Log.Level, "debug") {
			gin.SetMode(gin.DebugMode)
		} else {
			gin.SetMode(gin.ReleaseMode)
		}
		router := server.NewRouter(runner, opts)

		p := pool.New().WithErrors().WithContext(ctx).WithCancelOnError()
		p.Go(func(ctx context.Context) error {
			return server.Serve(ctx, cfg.HTTP.Addr, router, logger)
		})
		if err := startRelay(ctx, p, store); err != nil {
			return err
		}
		return p.Wait()
	},
}

var (
	runUser     string
	runProvider string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one sync and print the result",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		store, err := openStore(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer store.Close()

		runner, err := buildRunner(cfg, store, nil, logger)
		if err != nil {
			return err
		}
		res := runner.Run(ctx, sync.Request{UserID: runUser, Provider: runProvider})

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(struct {
			Status int `json:"status"`
			sync.Result
		}{res.Status, res}); err != nil {
			return err
		}
		if res.Status != http.StatusOK {
			return fmt.Errorf("sync finished with status %d", res.Status)
		}
		return nil
	},
}

var consumeCmd = &cobra.Command{
	Use:   "consume",
	Short: "Consume sync jobs from JetStream",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		if cfg.NATS.URL == "" {
			return errors.New("nats.url not configured")
		}
		store, err := openStore(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer store.Close()

		runner, err := buildRunner(cfg, store, prometheus.DefaultRegisterer, logger)
		if err != nil {
			return err
		}
		pub, err := connectNATS(ctx)
		if err != nil {
			return err
		}
		defer pub.Close()

		p := pool.New().WithErrors().WithContext(ctx).WithCancelOnError()
		p.Go(func(ctx context.Context) error {
			return pub.Consume(ctx, natsjs.ConsumerConfig{Durable: cfg.NATS.Durable}, runner.Run, logger)
		})
		p.Go(func(ctx context.Context) error {
			return server.Serve(ctx, cfg.HTTP.Addr, promOnly(), logger)
		})
		p.Go(func(ctx context.Context) error {
			relay := &natsjs.OutboxRelay{Outbox: store, Publisher: pub, Logger: logger, Interval: outboxInterval}
			return relay.Run(ctx)
		})
		return p.Wait()
	},
}

var dispatchOnce bool

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Enqueue a sync job per active credential on a schedule",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		if cfg.NATS.URL == "" {
			return errors.New("nats.url not configured")
		}
		store, err := openStore(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer store.Close()

		registry, err := buildRegistry(cfg, logger)
		if err != nil {
			return err
		}
		pub, err := connectNATS(ctx)
		if err != nil {
			return err
		}
		defer pub.Close()

		d := &sync.Dispatcher{Credentials: store, Jobs: pub, Registry: registry, Logger: logger}
		if dispatchOnce {
			n, err := d.DispatchOnce(ctx, time.Now().UTC().Truncate(time.Minute))
			fmt.Fprintf(cmd.OutOrStdout(), "enqueued %d jobs\n", n)
			return err
		}
		return d.Start(ctx, cfg.Dispatch.Schedule)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, err := openStore(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer store.Close()

		// The sqlite store applies its schema on open.
		if pg, ok := store.(*postgres.Store); ok {
			if err := pg.Migrate(ctx); err != nil {
				return err
			}
		}
		fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
		return nil
	},
}

var sealCmd = &cobra.Command{
	Use:   "seal [value]",
	Short: "Encrypt a secret into the stored credential format",
	Long:  "Encrypts value, or the first line of stdin when no value is given, with encryption.key",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cipher, err := secrets.NewCipher(cfg.Encryption.Key)
		if err != nil {
			return err
		}
		value, err := argOrStdin(args)
		if err != nil {
			return err
		}
		sealed, err := cipher.Seal(value)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), sealed)
		return nil
	},
}

func argOrStdin(args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func connectNATS(ctx context.Context) (*natsjs.Publisher, error) {
	pub, err := natsjs.NewPublisher(cfg.NATS.URL)
	if err != nil {
		return nil, err
	}
	if err := pub.EnsureStreams(ctx); err != nil {
		pub.Close()
		return nil, err
	}
	return pub, nil
}

// startRelay adds the outbox relay to p when NATS is configured.
func startRelay(ctx context.Context, p *pool.ContextPool, store Store) error {
	if cfg.NATS.URL == "" {
		logger.Info().Msg("nats.url not set, outbox entries stay pending")
		return nil
	}
	pub, err := connectNATS(ctx)
	if err != nil {
		return err
	}
	p.Go(func(ctx context.Context) error {
		defer pub.Close()
		relay := &natsjs.OutboxRelay{Outbox: store, Publisher: pub, Logger: logger, Interval: outboxInterval}
		return relay.Run(ctx)
	})
	return nil
}

func promOnly() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	return server.NewRouter(unavailableRunner{}, server.Options{Logger: logger})
}

// unavailableRunner answers /sync on consumer processes, which only take jobs from the queue.
type unavailableRunner struct{}

func (unavailableRunner) Run(context.Context, sync.Request) sync.Result {
	return sync.Result{Status: http.StatusServiceUnavailable, Error: "this process only consumes queued jobs"}
}

func init() {
	runCmd.Flags().StringVar(&runUser, "user", "", "User id")
	runCmd.Flags().StringVar(&runProvider, "provider", "", "Provider: gmail, outlook or imap")
	runCmd.MarkFlagRequired("user")
	runCmd.MarkFlagRequired("provider")

	dispatchCmd.Flags().BoolVar(&dispatchOnce, "once", false, "Enqueue one round of jobs and exit")

	credentialsCmd.AddCommand(credentialsPutCmd)
	credentialsPutCmd.Flags().StringVar(&credUser, "user", "", "User id")
	credentialsPutCmd.Flags().StringVar(&credProvider, "provider", "", "Provider")
	credentialsPutCmd.Flags().StringVar(&credRefresh, "refresh-token", "", "OAuth refresh token")
	credentialsPutCmd.Flags().StringVar(&credPassword, "password", "", "IMAP password")
	credentialsPutCmd.Flags().StringVar(&credIMAP, "imap-config", "", `IMAP connection JSON, e.g. {"host":"imap.example.com","port":993,"secure":true,"username":"me@example.com"}`)
	credentialsPutCmd.MarkFlagRequired("user")
	credentialsPutCmd.MarkFlagRequired("provider")
}

var (
	credUser, credProvider, credRefresh, credPassword, credIMAP string
)

var credentialsCmd = &cobra.Command{
	Use:   "credentials",
	Short: "Manage stored provider credentials",
}

var credentialsPutCmd = &cobra.Command{
	Use:   "put",
	Short: "Seal and store a credential, clearing any invalidation",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if (credRefresh == "") == (credPassword == "") {
			return errors.New("exactly one of --refresh-token or --password is required")
		}
		cipher, err := secrets.NewCipher(cfg.Encryption.Key)
		if err != nil {
			return err
		}

		rec := credentials.Record{UserID: credUser, Provider: sync.ParseProviderName(credProvider)}
		if rec.Provider.UsesOAuth() != (credRefresh != "") {
			return fmt.Errorf("provider %s takes --refresh-token only for oauth providers and --password otherwise", rec.Provider)
		}
		if credRefresh != "" {
			if rec.RefreshToken, err = cipher.Seal(credRefresh); err != nil {
				return err
			}
		} else {
			var imapCfg sync.IMAPConfig
			if err := json.Unmarshal([]byte(credIMAP), &imapCfg); err != nil || imapCfg.Host == "" {
				return errors.New("--imap-config must be JSON with at least a host")
			}
			if rec.Secret, err = cipher.Seal(credPassword); err != nil {
				return err
			}
			rec.Config = []byte(credIMAP)
		}

		store, err := openStore(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer store.Close()

		if err := store.UpsertCredential(ctx, rec); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "stored %s credential for %s\n", rec.Provider, rec.UserID)
		return nil
	},
}
