package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bloopsh/bloop/aggregator"
	"github.com/bloopsh/bloop/alerts"
	"github.com/bloopsh/bloop/analyticsengine"
	"github.com/bloopsh/bloop/config"
	"github.com/bloopsh/bloop/contentpolicy"
	"github.com/bloopsh/bloop/eventpipeline"
	"github.com/bloopsh/bloop/httpapi"
	"github.com/bloopsh/bloop/ingest"
	"github.com/bloopsh/bloop/llmpipeline"
	"github.com/bloopsh/bloop/logger"
	"github.com/bloopsh/bloop/observability"
	"github.com/bloopsh/bloop/pricing"
	"github.com/bloopsh/bloop/query"
	"github.com/bloopsh/bloop/redisclient"
	"github.com/bloopsh/bloop/retention"
	"github.com/bloopsh/bloop/store"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg)

	log.Info().Str("env", cfg.Env).Msg("bloop starting")

	db, err := store.Open(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("open row store failed")
	}
	if err := store.Migrate(db, log); err != nil {
		log.Fatal().Err(err).Msg("row store migration failed")
	}

	rc, err := redisclient.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("redis init failed")
	}
	if err := rc.Ping(); err != nil {
		log.Warn().Err(err).Msg("redis ping failed — content policy cache will miss until it recovers")
	} else {
		log.Info().Msg("redis connected")
	}

	metrics := observability.New()

	priceTable := pricing.New(log, cfg.PricingURL)
	if overrides, err := query.NewStore(db.DB).ListPricingOverrides(context.Background()); err != nil {
		log.Warn().Err(err).Msg("loading pricing overrides failed, starting with bundled rates only")
	} else {
		rows := make(map[string]pricing.Rate, len(overrides))
		for _, o := range overrides {
			rows[o.Model+"\x00"+o.ProjectID] = pricing.Rate{
				InputCostPerToken:  o.InputCostPerToken,
				OutputCostPerToken: o.OutputCostPerToken,
				Provider:           o.Provider,
			}
		}
		priceTable.LoadOverrides(rows)
		log.Info().Int("overrides", len(rows)).Msg("pricing overrides loaded")
	}

	contentCache := contentpolicy.New(rc, db.DB, time.Duration(cfg.ContentPolicyCacheTTLSecs)*time.Second, contentpolicy.ParseStorage(cfg.DefaultContentStorage, contentpolicy.StorageFull))

	validator := ingest.NewValidator(cfg)
	agg := aggregator.New()

	alertCh := make(chan eventpipeline.NewFingerprintEvent, cfg.ChannelCapacity)

	eventWriter := eventpipeline.NewStoreWriter(db, cfg.SampleReservoirSize)
	eventWorker := eventpipeline.New(log, eventpipeline.Config{
		ChannelCapacity: cfg.ChannelCapacity,
		FlushBatchSize:  cfg.FlushBatchSize,
		FlushInterval:   time.Duration(cfg.FlushIntervalSecs) * time.Second,
		RetryDelay:      500 * time.Millisecond,
	}, eventWriter, agg, alertCh, metrics)

	llmWriter := llmpipeline.NewStoreWriter(db)
	llmWorker := llmpipeline.New(log, llmpipeline.Config{
		ChannelCapacity: cfg.LLMChannelCapacity,
		FlushBatchSize:  cfg.LLMFlushBatchSize,
		FlushInterval:   time.Duration(cfg.LLMFlushIntervalSecs) * time.Second,
		RetryDelay:      500 * time.Millisecond,
	}, llmWriter, metrics)

	dispatcher := alerts.NewLogDispatcher(log)
	streamingAlerts := alerts.NewStreamingEvaluator(db.DB, log, dispatcher, int64(cfg.CooldownSecs), alertCh, metrics)
	periodicAlerts := alerts.NewPeriodicEvaluator(db.DB, log, dispatcher, int64(cfg.CooldownSecs), metrics)

	sweeper := retention.New(db.DB, log, time.Duration(cfg.PruneIntervalSecs)*time.Second, cfg.RawEventsDays, cfg.HourlyEventsDays)

	analytics, err := analyticsengine.Open(db.Path, cfg.AnalyticsExtensionDir, time.Duration(cfg.AnalyticsCacheTTLSecs)*time.Second, log)
	if err != nil {
		log.Warn().Err(err).Msg("analytics engine init failed — analytical read endpoints will report unavailable")
		analytics = nil
	}

	pipelineCtx, cancelPipelines := context.WithCancel(context.Background())
	go eventWorker.Run(pipelineCtx)
	go llmWorker.Run(pipelineCtx)
	go streamingAlerts.Run(pipelineCtx)
	periodicAlerts.Start()
	go priceTable.RunRefresher(pipelineCtx, time.Duration(cfg.PricingRefreshIntervalSecs)*time.Second)
	sweeper.Start()

	router := httpapi.NewRouter(&httpapi.Deps{
		Logger: log,
		Config: cfg,

		IngestAuth: &httpapi.SharedSecretIngestAuthenticator{Secret: cfg.IngestHMACSecret},
		QueryAuth:  &httpapi.StaticTokenQueryAuthenticator{Token: cfg.QueryBearerToken},

		Validator:    validator,
		EventWorker:  eventWorker,
		LLMWorker:    llmWorker,
		ContentCache: contentCache,
		PriceTable:   priceTable,
		Store:        query.NewStore(db.DB),
		Sweeper:      sweeper,
		Analytics:    analytics,
		Metrics:      metrics,

		DB:     db.DB,
		DBPing: func() error { return db.DB.Ping() },
	})

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("bloop listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-done
	log.Info().Msg("shutdown signal received")

	sweeper.Stop()
	periodicAlerts.Stop()
	cancelPipelines()
	<-eventWorker.Done()
	<-llmWorker.Done()
	<-streamingAlerts.Done()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	} else {
		log.Info().Msg("bloop stopped gracefully")
	}

	if err := rc.Close(); err != nil {
		log.Warn().Err(err).Msg("redis close failed")
	}
	if err := db.Close(); err != nil {
		log.Warn().Err(err).Msg("row store close failed")
	}
}
