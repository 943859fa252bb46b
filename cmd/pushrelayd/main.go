package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/pushrelay/pushrelay/internal/gateway"
	"github.com/pushrelay/pushrelay/internal/relay"
	"github.com/pushrelay/pushrelay/internal/store"
)

func main() {
	// Set up logging
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger()

	// Load configuration
	cfg, err := relay.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	switch cfg.LogLevel {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	// Subscription store, opened lazily on first use
	subs := store.New(store.Options{
		Opener:           store.SQLiteOpener(cfg.DatabasePath),
		MaxSubscriptions: cfg.MaxSubscriptions,
		Log:              log,
	})
	defer func() { _ = subs.Close() }()

	// Push gateway client
	gw := gateway.NewHTTP(gateway.Config{
		BaseURL: cfg.GatewayURL,
		Token:   cfg.GatewayToken,
	})

	app := relay.NewApp(log, subs, relay.NewRegistry(log), gw)
	go app.Registry().Run()
	defer app.Registry().Stop()

	server := relay.NewServer(cfg, log, app)

	// Handle shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("shutting down...")
		app.Registry().Stop()
		_ = subs.Close()
		os.Exit(0)
	}()

	log.Info().
		Str("version", relay.Version).
		Str("listen", cfg.ListenAddr).
		Str("db", cfg.DatabasePath).
		Msg("pushrelay server starting")

	// Run server
	if err := server.Run(); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
}
