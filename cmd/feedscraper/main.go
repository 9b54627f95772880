package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tgfeed/feedscraper/internal/api"
	"github.com/tgfeed/feedscraper/internal/checkpoint"
	"github.com/tgfeed/feedscraper/internal/config"
	"github.com/tgfeed/feedscraper/internal/logger"
	"github.com/tgfeed/feedscraper/internal/media"
	"github.com/tgfeed/feedscraper/internal/mirror"
	"github.com/tgfeed/feedscraper/internal/models"
	"github.com/tgfeed/feedscraper/internal/nats"
	"github.com/tgfeed/feedscraper/internal/publisher"
	"github.com/tgfeed/feedscraper/internal/scraper"
	"github.com/tgfeed/feedscraper/internal/store"
	"github.com/tgfeed/feedscraper/internal/telegram"
	"github.com/tgfeed/feedscraper/internal/translate"
)

func main() {
	// .env is optional, env vars win
	_ = godotenv.Load()

	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	// 2. Initialize logger
	if err := logger.Init(cfg.LogLevel, cfg.LogFile); err != nil {
		panic("failed to init logger: " + err.Error())
	}
	log := logger.Get()
	log.Info().Msg("starting feed scraper service")

	// 3. Setup context with graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info().Msg("received shutdown signal")
		cancel()
	}()

	// 4. Checkpoint store
	checkpoints := checkpoint.New(cfg.StateFile)

	// 5. Remote mirror (optional)
	var remote store.Mirror
	if cfg.MirrorURL != "" {
		m, err := mirror.New(ctx, cfg.MirrorURL, cfg.MirrorTable, cfg.MirrorBucket)
		if err != nil {
			log.Warn().Err(err).Msg("mirror unavailable, running local-only")
		} else {
			defer m.Close()
			remote = m
		}
	}

	// 6. Per-channel stores
	registry := store.NewRegistry(cfg.DataDir, remote)
	defer registry.CloseAll()

	// 7. Telegram client
	if cfg.TGApiID == 0 || cfg.TGApiHash == "" {
		log.Fatal().Msg("TG_API_ID and TG_API_HASH are required")
	}

	proto, err := telegram.NewSessionClient(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start telegram client")
	}
	tgClient := telegram.NewClient(proto)
	defer tgClient.Close()

	// 8. NATS (optional)
	var pub scraper.EventPublisher
	if cfg.NatsURL != "" {
		nc, err := nats.New(ctx, cfg.NatsURL)
		if err != nil {
			log.Warn().Err(err).Msg("failed to connect to nats, publishing disabled")
		} else {
			defer nc.Close()
			if err := nc.EnsureStream(ctx, "FEED", []string{"feed.>"}); err != nil {
				log.Warn().Err(err).Msg("failed to ensure nats stream")
			}
			pub = publisher.NewNATSPublisher(nc)
		}
	}

	// 9. Translator (optional)
	translator := translate.New(translate.Config{
		APIKey:  cfg.AIAPIKey,
		BaseURL: cfg.AIBaseURL,
		Model:   cfg.AIModel,
	})
	var tr scraper.Translator
	if translator != nil {
		tr = translator
	}

	// 10. Coordinator and run manager
	downloads := media.NewManager(tgClient, cfg.MaxConcurrentDls)
	svc := scraper.NewService(
		tgClient,
		registry,
		checkpoints,
		downloads,
		tr,
		pub,
		cfg.BatchSize,
		cfg.CheckpointEvery,
	)
	runs := scraper.NewManager(svc)

	// 11. Kick off rostered channels
	roster, err := config.LoadChannels(cfg.ChannelsFile)
	if err != nil {
		log.Warn().Err(err).Str("path", cfg.ChannelsFile).Msg("failed to load channel roster")
	}
	for _, ch := range roster {
		opts := scraper.IngestOptions{
			Mode:       models.ModeIncremental,
			Limit:      ch.Limit,
			FetchMedia: ch.MediaEnabled(),
			TargetLang: cfg.TargetLang,
		}
		if _, err := runs.StartIngest(ctx, ch.ID, opts); err != nil {
			log.Warn().Err(err).Str("channel", ch.ID).Msg("failed to start rostered run")
		}
	}

	// 12. HTTP server
	handler := api.NewHandler(runs, svc)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: api.NewRouter(handler),
	}

	log.Info().Int("port", cfg.HTTPPort).Msg("starting http server")
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	// 13. Wait for shutdown
	<-ctx.Done()
	log.Info().Msg("shutting down services...")

	for _, run := range runs.Active() {
		runs.Stop(run.ChannelID)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown error")
	}

	log.Info().Msg("shutdown complete")
}
