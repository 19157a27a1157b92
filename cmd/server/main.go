package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"gemchat-go/internal/config"
	"gemchat-go/internal/constants"
	"gemchat-go/internal/events"
	"gemchat-go/internal/keypool"
	"gemchat-go/internal/logging"
	tracing "gemchat-go/internal/monitoring/tracing"
	srv "gemchat-go/internal/server"
	"gemchat-go/internal/statestore"
	"gemchat-go/internal/upstream/gemini"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file (YAML or JSON)")
	debug := flag.Bool("debug", false, "Enable debug mode")
	flag.Parse()

	// Optional .env for local development; absence is not an error.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}
	if *debug {
		cfg.Debug = true
	}

	if err := logging.Setup(cfg); err != nil {
		log.WithError(err).Fatal("failed to configure logging")
	}

	traceShutdown, err := tracing.Init(context.Background())
	if err != nil {
		log.WithError(err).Warn("failed to initialize tracing")
	}
	if traceShutdown != nil {
		defer func() {
			if err := traceShutdown(context.Background()); err != nil {
				log.WithError(err).Warn("failed to shutdown tracing")
			}
		}()
	}

	log.Infof("Starting gemchat-go %s (config: %s)", constants.Version, *configPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := events.NewHub()
	client := gemini.New(cfg)
	dispatcher := keypool.New(cfg, client, hub)
	if err := dispatcher.Configure(cfg.APIKeys); err != nil {
		log.WithError(err).Fatal("invalid api_keys configuration")
	}
	if len(cfg.APIKeys) == 0 {
		log.Warn("No API keys configured; requests will fail until keys are added via the management API")
	}

	store, err := statestore.Open(ctx, cfg)
	if err != nil {
		log.WithError(err).Warn("State backend initialization failed; continuing without persistence")
	}
	var persister *statestore.Persister
	if store != nil {
		defer store.Close()
		persister = statestore.NewPersister(store, dispatcher, cfg.StateBackend, constants.StatePersistInterval)
		if err := persister.Restore(ctx); err != nil {
			log.WithError(err).Warn("Key state restore failed, starting cold")
		}
		persister.Start(ctx, hub)
	}

	if *configPath != "" {
		stopWatch, err := config.Watch(*configPath, func(next *config.Config) {
			if err := dispatcher.Configure(next.APIKeys); err != nil {
				log.WithError(err).Warn("Config reload rejected, pool unchanged")
				return
			}
			log.WithField("total_keys", len(next.APIKeys)).Info("Pool reconfigured from config file")
		})
		if err != nil {
			log.WithError(err).Warn("Config watch unavailable")
		} else {
			defer stopWatch()
		}
	}

	httpSrv := srv.New(cfg, srv.Dependencies{Dispatcher: dispatcher, Hub: hub})

	go func() {
		log.Infof("Chat API listening on %s", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("http server: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("Shutdown signal received")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), constants.ServerShutdownTimeout)
	defer cancelShutdown()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("graceful shutdown incomplete")
	}
	if persister != nil {
		persister.Stop(shutdownCtx)
	}
	log.Info("Server stopped")
}
