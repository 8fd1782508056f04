// Package server exposes the sync runner over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/logging"
	"github.com/Martian-dev/mailsync/internal/sync"
)

// SyncRunner runs one sync job. *sync.Runner implements it.
type SyncRunner interface {
	Run(ctx context.Context, req sync.Request) sync.Result
}

type Options struct {
	Logger zerolog.Logger
	// Auth guards /sync when set.
	Auth gin.HandlerFunc
	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
	// Ready is checked by /healthz.
	Ready func(ctx context.Context) error
}

// NewRouter builds the gin engine with /sync, /healthz and /metrics.
func NewRouter(runner SyncRunner, opts Options) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), logging.GinAccessLog(opts.Logger))

	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	r.GET("/healthz", func(c *gin.Context) {
		if opts.Ready != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := opts.Ready(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	handlers := []gin.HandlerFunc{}
	if opts.Auth != nil {
		handlers = append(handlers, opts.Auth)
	}
	handlers = append(handlers, syncHandler(runner, opts.Logger))
	r.POST("/sync", handlers...)

	return r
}

func syncHandler(runner SyncRunner, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req sync.Request
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if v, ok := c.Get(auth.CallerKey); ok {
			if caller, ok := v.(*auth.Caller); ok {
				log.Debug().Str("caller", caller.Subject).Str("user_id", req.UserID).Msg("sync requested")
			}
		}

		res := runner.Run(c.Request.Context(), req)
		if res.Status == http.StatusOK {
			c.JSON(http.StatusOK, gin.H{
				"message":  res.Message,
				"fetched":  res.Fetched,
				"filtered": res.Filtered,
				"inserted": res.Inserted,
			})
			return
		}
		c.JSON(res.Status, gin.H{"error": res.Error})
	}
}

// Serve runs handler on addr until ctx is done, then shuts down gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler, log zerolog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	log.Info().Msg("shutting down http server")
	return srv.Shutdown(shutdownCtx)
}
