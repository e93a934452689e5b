// Command loadgen runs a small simulated wellness app that reports activity
// to a TinyKPI server through the SDK. Point a browser at the listen
// address to watch today's numbers move.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/nicktill/tinykpi/pkg/logging"
	"github.com/nicktill/tinykpi/pkg/sdk"
	sdkhttpx "github.com/nicktill/tinykpi/pkg/sdk/httpx"
)

var startTime = time.Now()

func main() {
	if err := run(); err != nil {
		logging.Fatal().Err(err).Msg("loadgen failed")
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: "console", Timestamp: true})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := sdk.New(sdk.ClientConfig{
		Endpoint:   cfg.Endpoint,
		Channel:    cfg.Channel,
		FlushEvery: cfg.FlushEvery,
	})
	if err != nil {
		return err
	}
	if err := client.Start(ctx); err != nil {
		return err
	}

	loc, _ := time.LoadLocation(cfg.Timezone)
	accounts := newAccountRegistrar(cfg.Endpoint)
	if err := accounts.register(ctx, cfg.Users, cfg.SignupDays, time.Now()); err != nil {
		return err
	}
	logging.Info().Int("users", cfg.Users).Msg("Accounts registered")

	app := &demoApp{client: client, tinykpi: cfg.Endpoint, loc: loc}
	router := mux.NewRouter()
	app.routes(router)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           sdkhttpx.Middleware(client, userFromRequest)(router),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logging.Info().Str("addr", cfg.Listen).Str("tinykpi", cfg.Endpoint).Msg("Demo app listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error().Err(err).Msg("Demo app server failed")
			stop()
		}
	}()

	sim := newSimulator("http://localhost"+cfg.Listen, cfg.Users, cfg.Interval)
	go sim.run(ctx)

	<-ctx.Done()
	logging.Info().Msg("Shutting down loadgen")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Warn().Err(err).Msg("Demo app forced to shutdown")
	}
	if err := client.Stop(shutdownCtx); err != nil {
		return err
	}

	st := client.Stats()
	logging.Info().
		Uint64("sent", st.Sent).
		Uint64("dedup", st.Dedup).
		Uint64("dropped", st.Dropped).
		Msg("Loadgen exited")
	return nil
}
