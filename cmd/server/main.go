package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/firedesk/backend/internal/bus"
	"github.com/firedesk/backend/internal/config"
	"github.com/firedesk/backend/internal/db"
	"github.com/firedesk/backend/internal/geo"
	httpapi "github.com/firedesk/backend/internal/http"
	"github.com/firedesk/backend/internal/llm"
	"github.com/firedesk/backend/internal/pii"
	"github.com/firedesk/backend/internal/pipeline"
	"github.com/firedesk/backend/internal/routing"
	"github.com/firedesk/backend/internal/spam"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	zerolog.TimeFieldFormat = time.RFC3339
	level, _ := zerolog.ParseLevel(cfg.LogLevel)
	logger := log.Level(level).With().Str("service", "firedesk-backend").Logger()

	ctx := context.Background()
	store, err := db.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect db")
	}
	defer store.Close()

	key, err := cfg.EncryptionKey()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid encryption key")
	}
	vault, err := pii.NewVault(key, nil)
	if err != nil {
		logger.Fatal().Err(err).Msg("pii vault init failed")
	}

	var analyzer llm.Analyzer
	if cfg.LLMAPIKey == "" {
		analyzer = llm.MockAnalyzer{ModelVersion: "mock-v1"}
		logger.Info().Msg("using mock LLM analyzer")
	} else {
		analyzer = &llm.HTTPAnalyzer{
			BaseURL: cfg.LLMBaseURL,
			APIKey:  cfg.LLMAPIKey,
			Model:   cfg.LLMModel,
		}
	}

	var providers []geo.Provider
	if cfg.TwoGISAPIKey != "" {
		providers = append(providers, &geo.TwoGIS{APIKey: cfg.TwoGISAPIKey})
	}
	providers = append(providers, geo.NewNominatim(cfg.NominatimBaseURL))

	cache := geo.NewCache()
	if entries, err := store.LoadGeocodeEntries(ctx); err == nil {
		for query, e := range entries {
			cache.Put(query, e)
		}
		logger.Info().Int("entries", len(entries)).Msg("geocode cache warmed")
	}

	var classifier spam.Classifier = spam.KeywordClassifier{}
	if cfg.SpamClassifierURL != "" {
		classifier = &spam.HTTPClassifier{BaseURL: cfg.SpamClassifierURL}
	}

	eventBus := bus.New()
	defer eventBus.Close()

	orch := pipeline.New(pipeline.Deps{
		Store: store,
		Bus:   eventBus,
		Vault: vault,
		Spam: &spam.Filter{
			Classifier: classifier,
			Threshold:  cfg.Policies.SpamThreshold,
		},
		Analyzer: analyzer,
		Geo: &geo.Resolver{
			Providers:   providers,
			Cache:       cache,
			FallbackLat: cfg.Policies.FallbackLat,
			FallbackLon: cfg.Policies.FallbackLon,
		},
		Engine: &routing.Engine{
			Ledger:   routing.NewLedger(),
			Policies: cfg.Policies,
			Logger:   logger.With().Str("component", "routing").Logger(),
		},
		Policies:      cfg.Policies,
		Logger:        logger.With().Str("component", "pipeline").Logger(),
		IsUnavailable: db.IsUnavailable,
		PersistGeocode: func(ctx context.Context, query string, e geo.Entry) error {
			return store.SaveGeocodeEntry(ctx, query, e.Lat, e.Lon, e.Provider, e.Raw)
		},
	})

	router := httpapi.Router(cfg, store, orch, eventBus, logger)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logger.Info().Str("port", cfg.Port).Msg("server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctxShutdown)
	logger.Info().Msg("server stopped")
}
