// predserver is the prediction dispatch service: it pulls NSE/BSE candle
// history through the provider gateway, keeps the candle store fresh on a
// market-hours schedule, runs the bot ensemble into merged predictions,
// and streams both over the websocket fabric.
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"prediction-systemv1/config"
	"prediction-systemv1/internal/api"
	"prediction-systemv1/internal/bot"
	"prediction-systemv1/internal/cache"
	"prediction-systemv1/internal/evaluate"
	"prediction-systemv1/internal/gateway"
	"prediction-systemv1/internal/logger"
	"prediction-systemv1/internal/merge"
	"prediction-systemv1/internal/metrics"
	"prediction-systemv1/internal/model"
	"prediction-systemv1/internal/notification"
	"prediction-systemv1/internal/provider"
	"prediction-systemv1/internal/scheduler"
	"prediction-systemv1/internal/store/sqlite"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	logger.Init("predserver", slog.LevelInfo)
	log.Println("[predserver] starting...")

	cfg := config.Load()
	m := metrics.NewMetrics()

	// Durable stores.
	db, err := sqlite.Open(sqlite.Config{
		Path:        cfg.SQLitePath,
		MaxOpen:     cfg.DBPoolSize,
		MaxOverflow: cfg.DBOverflow,
		ConnTTL:     cfg.DBConnTTL,
	})
	if err != nil {
		log.Fatalf("[predserver] store open: %v", err)
	}
	defer db.Close()

	candleStore := sqlite.NewCandleStore(db)
	auditStore := sqlite.NewAuditStore(db)
	trainingStore := sqlite.NewTrainingStore(db)
	evalStore := sqlite.NewEvaluationStore(db)

	// Cache tier: warm LRU always, hot tier only when configured.
	warm := cache.NewWarmCache(cfg.CacheMaxEntries, cfg.CacheTTL)
	var hot *cache.HotCache
	if cfg.HotCacheURL != "" {
		hot = cache.NewHotCache(cfg.HotCacheURL, cfg.HotCachePass, cfg.CacheTTL)
		defer hot.Close()
	}
	tiered := cache.NewTiered(warm, hot)
	tiered.OnHit = func(tier string) { m.CacheHits.WithLabelValues(tier).Inc() }
	tiered.OnMiss = func() { m.CacheMisses.Inc() }

	// Provider chain in configured fallback order.
	providers, err := buildProviders(cfg)
	if err != nil {
		log.Fatalf("[predserver] providers: %v", err)
	}

	gw, err := provider.NewGateway(provider.GatewayConfig{
		Providers:    providers,
		Cache:        tiered,
		FetchTimeout: cfg.ProviderTimeout,
		OnFetch: func(name string, candles int, took time.Duration, err error) {
			outcome := "ok"
			if err != nil {
				outcome = "error"
			}
			m.ProviderFetches.WithLabelValues(name, outcome).Inc()
			m.FetchDuration.Observe(took.Seconds())
		},
		OnFallback: func(from, to string) {
			m.ProviderFallbacks.Inc()
			log.Printf("[predserver] provider fallback %s -> %s", from, to)
		},
		OnDrop: func(string) { m.CandlesDropped.Inc() },
	})
	if err != nil {
		log.Fatalf("[predserver] gateway: %v", err)
	}

	// Bot registry with the built-in ensemble. A missing artifact
	// directory is fatal; training cannot publish anywhere else.
	if err := os.MkdirAll(cfg.ArtifactDir, 0o755); err != nil {
		log.Fatalf("[predserver] artifact dir: %v", err)
	}
	registry := bot.NewRegistry()
	for _, impl := range []bot.Model{bot.NewTrend(), bot.NewMomentum(), bot.NewMeanRev()} {
		if err := registry.Register(bot.NewAdapter(impl, cfg.ArtifactDir)); err != nil {
			log.Fatalf("[predserver] register bot: %v", err)
		}
	}

	// Subscription fabric.
	hub := gateway.NewHub(gateway.HubConfig{
		Candles:     candleStore,
		Audit:       auditStore,
		QueueDepth:  cfg.QueueDepth,
		Heartbeat:   cfg.Heartbeat,
		PongTimeout: cfg.HeartbeatTimeout,
		OnDrop:      func(kind string) { m.BroadcastDrops.WithLabelValues(kind).Inc() },
		OnSessions:  func(count int) { m.Sessions.Set(float64(count)) },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Alert channels; the dispatcher is a no-op with none configured.
	var notifiers []notification.Notifier
	if cfg.AlertWebhookURL != "" {
		notifiers = append(notifiers, notification.NewWebhookNotifier(cfg.AlertWebhookURL))
	}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		notifiers = append(notifiers, notification.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID))
	}
	alerts := notification.NewDispatcher(notifiers...)
	alerts.MinConfidence = cfg.AlertMinConfidence

	// Training queue.
	queue, err := bot.NewQueue(bot.QueueConfig{
		Store:     trainingStore,
		Registry:  registry,
		Candles:   gw,
		Broadcast: hub,
		Workers:   cfg.TrainingWorkers,
		OnTransition: func(rec *model.TrainingRecord) {
			m.TrainingTransitions.WithLabelValues(string(rec.Status)).Inc()
			alerts.ObserveTraining(rec)
		},
	})
	if err != nil {
		log.Fatalf("[predserver] training queue: %v", err)
	}
	queue.Start(ctx)

	// Merger.
	merger, err := merge.New(merge.Config{
		Candles:      candleStore,
		Registry:     registry,
		Audit:        auditStore,
		MergeTimeout: cfg.MergerTimeout,
		BotTimeout:   cfg.BotPredictTimeout,
		OnMerge: func(p *model.MergedPrediction, took time.Duration) {
			outcome := "ok"
			if p.Sanitization.Sanitized {
				outcome = "sanitized"
			}
			m.MergesTotal.WithLabelValues(outcome).Inc()
			m.MergeDuration.Observe(took.Seconds())
			for _, c := range p.Contributions {
				m.BotOutcomes.WithLabelValues(c.BotName, string(c.Status)).Inc()
			}
			alerts.ObserveMerge(p)
		},
	})
	if err != nil {
		log.Fatalf("[predserver] merger: %v", err)
	}

	evaluator := evaluate.New(candleStore, evalStore)

	// Health status and liveness probes.
	health := metrics.NewHealthStatus(hot != nil)
	var redisClient *goredis.Client
	if hot != nil {
		redisClient = hot.Client()
	}
	health.StartLivenessChecker(ctx, redisClient, db.DB(), 30*time.Second)

	// Scheduler.
	sched, err := scheduler.New(scheduler.Config{
		Fetcher:            gw,
		Store:              candleStore,
		Predictor:          merger,
		Sweeper:            evaluator,
		Broadcast:          hub,
		WatchList:          watchTopics(cfg),
		RealtimeInterval:   cfg.RealtimeInterval,
		PredictionInterval: cfg.PredictionInterval,
		EvaluationInterval: cfg.EvaluationInterval,
		HorizonMinutes:     cfg.DefaultHorizon,
		MaxInstances:       cfg.MaxInstancesPerJob,
		MisfireGrace:       cfg.MisfireGrace,
		OnTick:             m.ObserveTick,
		OnUpsert:           func(count int) { m.CandleUpserts.Add(float64(count)) },
		OnMarketState: func(open bool) {
			if open {
				m.MarketState.Set(1)
			} else {
				m.MarketState.Set(0)
			}
		},
	})
	if err != nil {
		log.Fatalf("[predserver] scheduler: %v", err)
	}
	if err := sched.Start(ctx); err != nil {
		log.Fatalf("[predserver] scheduler start: %v", err)
	}
	health.SetSchedulerOK(true)

	// Control surface.
	apiSrv, err := api.NewServer(api.Config{
		Source:                gw,
		Candles:               candleStore,
		Audit:                 auditStore,
		Training:              trainingStore,
		Queue:                 queue,
		Merger:                merger,
		Health:                health,
		WS:                    hub.HandleWS,
		DefaultHorizonMinutes: cfg.DefaultHorizon,
	})
	if err != nil {
		log.Fatalf("[predserver] api: %v", err)
	}

	httpSrv := &http.Server{
		Addr:    cfg.APIAddr,
		Handler: apiSrv.Handler(),
	}
	go func() {
		log.Printf("[predserver] api listening on %s", cfg.APIAddr)
		if err := httpSrv.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("[predserver] api server: %v", err)
		}
	}()

	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	// Block until shutdown.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Println("[predserver] shutting down...")

	sched.Stop()
	health.SetSchedulerOK(false)
	cancel()
	queue.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	httpSrv.Shutdown(shutdownCtx)
	metricsSrv.Stop(shutdownCtx)

	log.Println("[predserver] stopped")
}

// buildProviders resolves the configured chain into constructed providers.
func buildProviders(cfg *config.Config) ([]model.CandleProvider, error) {
	var out []model.CandleProvider
	for _, name := range cfg.Providers() {
		switch name {
		case "yahoo":
			out = append(out, provider.NewYahoo(cfg.ProviderTimeout))
		case "twelvedata":
			if cfg.TwelveDataAPIKey == "" {
				log.Printf("[predserver] twelvedata configured without TWELVEDATA_API_KEY; skipping")
				continue
			}
			out = append(out, provider.NewTwelveData(cfg.TwelveDataAPIKey, cfg.ProviderTimeout))
		case "angelone":
			if cfg.AngelAPIKey == "" || cfg.AngelTOTPSecret == "" {
				log.Printf("[predserver] angelone configured without credentials; skipping")
				continue
			}
			out = append(out, provider.NewAngelOne(provider.AngelOneConfig{
				APIKey:     cfg.AngelAPIKey,
				ClientCode: cfg.AngelClientCode,
				Password:   cfg.AngelPassword,
				TOTPSecret: cfg.AngelTOTPSecret,
				Tokens:     cfg.ParseAngelTokens(),
				Timeout:    cfg.ProviderTimeout,
			}))
		default:
			log.Printf("[predserver] unknown provider %q; skipping", name)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("no usable providers configured")
	}
	return out, nil
}

// watchTopics parses the configured watch list, dropping invalid entries.
func watchTopics(cfg *config.Config) []model.Topic {
	var out []model.Topic
	for _, pair := range cfg.ParseWatchList() {
		if !model.ValidSymbol(pair[0]) {
			log.Printf("[predserver] watch list: invalid symbol %q", pair[0])
			continue
		}
		tf, err := model.ParseTimeframe(pair[1])
		if err != nil {
			log.Printf("[predserver] watch list: %v", err)
			continue
		}
		out = append(out, model.Topic{Symbol: pair[0], Timeframe: tf})
	}
	return out
}
