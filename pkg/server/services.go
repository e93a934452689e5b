package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/nicktill/tinykpi/pkg/config"
	"github.com/nicktill/tinykpi/pkg/logging"
	"github.com/nicktill/tinykpi/pkg/storage/badger"
)

// HTTPService runs an http.Server under the supervisor.
type HTTPService struct {
	server          *http.Server
	shutdownTimeout time.Duration
}

// NewHTTPService wraps srv. shutdownTimeout bounds graceful shutdown.
func NewHTTPService(srv *http.Server, shutdownTimeout time.Duration) *HTTPService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = config.DefaultShutdownTimeout
	}
	return &HTTPService{server: srv, shutdownTimeout: shutdownTimeout}
}

// Serve listens until ctx is cancelled, then drains connections.
func (s *HTTPService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", s.server.Addr).Msg("HTTP server listening")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (s *HTTPService) String() string {
	return "http-server"
}

// BadgerGC periodically reclaims value log space. BadgerDB's LSM tree keeps
// overwritten rollup rows in the value log until GC rewrites the file.
type BadgerGC struct {
	store        *badger.Storage
	interval     time.Duration
	discardRatio float64
}

// NewBadgerGC creates the GC service for store.
func NewBadgerGC(store *badger.Storage, interval time.Duration) *BadgerGC {
	if interval <= 0 {
		interval = config.BadgerGCInterval
	}
	return &BadgerGC{store: store, interval: interval, discardRatio: config.BadgerGCDiscard}
}

// Serve runs GC every interval until ctx is cancelled.
func (g *BadgerGC) Serve(ctx context.Context) error {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	logging.Info().Dur("interval", g.interval).Msg("BadgerDB GC scheduler started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			g.collect()
		}
	}
}

// collect rewrites value log files until one pass finds nothing to reclaim.
func (g *BadgerGC) collect() {
	start := time.Now()
	rewrites := 0
	for {
		err := g.store.RunGC(g.discardRatio)
		if errors.Is(err, badgerdb.ErrNoRewrite) {
			break
		}
		if err != nil {
			logging.Warn().Err(err).Msg("BadgerDB GC failed")
			return
		}
		rewrites++
	}
	logging.Debug().
		Int("rewrites", rewrites).
		Dur("took", time.Since(start).Round(time.Millisecond)).
		Msg("BadgerDB GC completed")
}

func (g *BadgerGC) String() string {
	return "badger-gc"
}

// NewSupervisor builds the supervision tree: the HTTP server, the stream hub,
// the aggregation scheduler and, on the badger backend, value log GC.
func NewSupervisor(app *App, logger *slog.Logger) *suture.Supervisor {
	root := suture.New("tinykpi", suture.Spec{
		EventHook: (&sutureslog.Handler{Logger: logger}).MustHook(),
		Timeout:   app.Config.Server.ShutdownTimeout,
	})

	srv := &http.Server{
		Addr:         ":" + app.Config.Server.Port,
		Handler:      app.Handler,
		ReadTimeout:  app.Config.Server.ReadTimeout,
		WriteTimeout: app.Config.Server.WriteTimeout,
		IdleTimeout:  app.Config.Server.IdleTimeout,
	}
	root.Add(NewHTTPService(srv, app.Config.Server.ShutdownTimeout))
	root.Add(app.Hub)
	root.Add(app.Scheduler)

	if store, ok := app.Store.(*badger.Storage); ok {
		root.Add(NewBadgerGC(store, app.Config.Storage.GCInterval))
	}
	return root
}
