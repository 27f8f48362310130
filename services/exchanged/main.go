package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"pixexchange/observability/logging"
	telemetry "pixexchange/observability/otel"
	"pixexchange/services/exchanged/config"
	"pixexchange/services/exchanged/conversion"
	"pixexchange/services/exchanged/events"
	"pixexchange/services/exchanged/exchange"
	"pixexchange/services/exchanged/oracle"
	"pixexchange/services/exchanged/payout"
	"pixexchange/services/exchanged/pixrail"
	"pixexchange/services/exchanged/ratefeed"
	"pixexchange/services/exchanged/registry"
	"pixexchange/services/exchanged/server"
	"pixexchange/services/exchanged/storage"
	"pixexchange/services/exchanged/tokens"
	"pixexchange/services/exchanged/userledger"
	"pixexchange/services/exchanged/webhook"
	"pixexchange/services/exchanged/worker"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/exchanged/config.yaml", "path to exchanged configuration file")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("exchanged: load .env: %v", err)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("exchanged: load config: %v", err)
	}

	env := strings.TrimSpace(os.Getenv("PIX_ENV"))
	if env == "" {
		env = cfg.Environment
	}
	logOpts := []logging.Option{logging.WithLevel(cfg.Logging.Level)}
	if cfg.Logging.File != "" {
		logOpts = append(logOpts, logging.WithFile(cfg.Logging.File, cfg.Logging.MaxSizeMB, cfg.Logging.MaxBackups, cfg.Logging.MaxAgeDays))
	}
	logger := logging.Setup("exchanged", env, logOpts...)

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.FromEnv("exchanged", env))
	if err != nil {
		log.Fatalf("exchanged: init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(rootCtx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("exchanged: exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	dsn, err := storage.FileDSN(cfg.DatabasePath)
	if err != nil {
		return err
	}
	store, err := storage.Open(dsn)
	if err != nil {
		return err
	}
	defer store.Close()

	reg, err := registry.New(ctx, registry.WithStore(store))
	if err != nil {
		return err
	}
	if err := seedRegistry(ctx, reg, cfg); err != nil {
		return err
	}
	users, err := userledger.New(ctx, userledger.WithStore(store))
	if err != nil {
		return err
	}
	sinks, err := buildSinks(cfg.Events)
	if err != nil {
		return err
	}
	hub := events.NewHub(events.WithJournal(store), events.WithSinks(sinks...), events.WithQueueSize(cfg.Events.QueueSize))
	conversions, err := conversion.New(ctx, conversion.WithStore(store), conversion.WithEmitter(hub))
	if err != nil {
		return err
	}
	tok, err := tokens.New(ctx, store)
	if err != nil {
		return err
	}
	gateway, err := oracle.NewGateway(ctx, conversions, oracle.WithStore(store), oracle.WithDistinctParties(cfg.Oracle.RequireDistinctParties))
	if err != nil {
		return err
	}

	var (
		rail       *pixrail.Client
		dispatcher *payout.Dispatcher
		engineOpts []exchange.Option
	)
	if cfg.Rail.Enabled() {
		rail, err = pixrail.NewClient(pixrail.Config{
			BaseURL:     cfg.Rail.BaseURL,
			Token:       cfg.Rail.Token,
			ReceiverKey: cfg.Rail.ReceiverKey,
			Timeout:     cfg.Rail.Timeout.Duration,
			MaxRetries:  cfg.Rail.MaxRetries,
			Expiration:  cfg.Rail.ChargeExpiry.Duration,
		})
		if err != nil {
			return err
		}
		journal, err := payout.OpenJournal(cfg.Payout.JournalPath)
		if err != nil {
			return err
		}
		defer journal.Close()
		dispatcher, err = payout.NewDispatcher(journal, conversions, reg, payout.WithRail(rail), payout.WithStatusSource(rail), payout.WithReporter(gateway), payout.WithRetention(cfg.Payout.Retention.Duration))
		if err != nil {
			return err
		}
		if cfg.Payout.Paused {
			dispatcher.Pause()
		}
		engineOpts = append(engineOpts, exchange.WithPayoutGuard(dispatcher))
	}

	engine, err := exchange.NewEngine(ctx, exchange.Deps{
		Registry:    reg,
		Users:       users,
		Conversions: conversions,
		Tokens:      tok,
		Settings:    store,
	}, exchange.Config{FeeCollector: cfg.FeeCollector, Custodian: cfg.Custodian}, engineOpts...)
	if err != nil {
		return err
	}
	if cfg.Paused && !engine.Paused() {
		if err := engine.Pause(ctx); err != nil {
			return err
		}
	}

	auth, err := server.NewAuthenticator(authConfig(cfg.Auth))
	if err != nil {
		return err
	}
	deps := server.Deps{
		Engine:      engine,
		Registry:    reg,
		Users:       users,
		Conversions: conversions,
		Tokens:      tok,
		Oracle:      gateway,
		Events:      hub,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(gctx) })

	reconciler, err := worker.NewReconciler(reg, cfg.Workers.ReconcileSchedule)
	if err != nil {
		return err
	}
	reconciler.Start()
	defer reconciler.Stop()
	deps.Audits = reconciler

	settler, err := worker.NewSettler(engine, conversions, cfg.Workers.SettleInterval.Duration)
	if err != nil {
		return err
	}
	confirmed := hub.Subscribe(256, events.TypePixConfirmed)
	defer confirmed.Close()
	g.Go(func() error { return settler.Run(gctx, confirmed.C) })

	sweepOpts := []worker.SweeperOption{
		worker.WithConfirmedTTL(cfg.Workers.ConfirmedTTL.Duration),
		worker.WithSweepInterval(cfg.Workers.SweepInterval.Duration),
	}
	if dispatcher != nil {
		sweepOpts = append(sweepOpts, worker.WithPayoutResolver(dispatcher))
	}
	sweeper, err := worker.NewSweeper(engine, conversions, cfg.Workers.ConversionTTL.Duration, sweepOpts...)
	if err != nil {
		return err
	}
	g.Go(func() error { return sweeper.Run(gctx) })

	if rail != nil {
		hooks, err := webhook.OpenStore(cfg.Webhook.StorePath)
		if err != nil {
			return err
		}
		defer hooks.Close()
		handler, err := webhook.NewHandler(webhook.Config{Secret: cfg.Webhook.Secret}, hooks, gateway, conversions, reg)
		if err != nil {
			return err
		}
		deps.Webhook = handler
		deps.Rail = rail
		deps.Payouts = dispatcher

		confirmer, err := worker.NewConfirmer(rail, gateway, conversions, reg, engine,
			worker.WithPayoutReleaser(dispatcher),
			worker.WithConfirmerInterval(cfg.Workers.ConfirmInterval.Duration))
		if err != nil {
			return err
		}
		g.Go(func() error { return confirmer.Run(gctx) })

		initiated := hub.Subscribe(256, events.TypeStablecoinToPixInitiated)
		defer initiated.Close()
		g.Go(func() error { return dispatcher.Run(gctx, cfg.Payout.Interval.Duration, initiated.C) })
	}

	if len(cfg.RateFeed.Sources) > 0 {
		mgr, err := buildRateFeed(reg, store, cfg)
		if err != nil {
			return err
		}
		g.Go(func() error { return mgr.Run(gctx) })
	}

	srv, err := server.New(server.Config{
		ListenAddress:  cfg.ListenAddress,
		MaxConnections: cfg.MaxConnections,
		CORSOrigins:    cfg.Auth.CORSOrigins,
		RateLimit:      cfg.Auth.RateLimit,
		Burst:          cfg.Auth.Burst,
	}, auth, deps)
	if err != nil {
		return err
	}
	g.Go(func() error { return srv.Run(gctx) })

	return g.Wait()
}

// seedRegistry registers configured assets and applies the fee. Existing
// pools and flows are preserved across restarts.
func seedRegistry(ctx context.Context, reg *registry.Registry, cfg config.Config) error {
	for _, asset := range cfg.Assets {
		minAmount, err := config.Units(asset.MinAmount, asset.Decimals)
		if err != nil {
			return err
		}
		maxAmount, err := config.Units(asset.MaxAmount, asset.Decimals)
		if err != nil {
			return err
		}
		limit, err := config.Units(asset.DailyLimit, asset.Decimals)
		if err != nil {
			return err
		}
		rate, err := config.RateUnits(asset.Rate)
		if err != nil {
			return err
		}
		coin, err := reg.Register(ctx, registry.Config{
			Asset:      asset.Symbol,
			Token:      asset.Token,
			Decimals:   asset.Decimals,
			MinAmount:  minAmount,
			MaxAmount:  maxAmount,
			DailyLimit: limit,
			Rate:       rate,
		})
		if err != nil {
			return err
		}
		if asset.Active != nil && coin.Active != *asset.Active {
			if err := reg.SetActive(ctx, coin.Asset, *asset.Active); err != nil {
				return err
			}
		}
	}
	if cfg.FeeBasisPoints != nil {
		return reg.SetFeeBasisPoints(ctx, *cfg.FeeBasisPoints)
	}
	return nil
}

func buildSinks(cfg config.EventsConfig) ([]events.Sink, error) {
	var sinks []events.Sink
	if len(cfg.Kafka.Brokers) > 0 {
		sink, err := events.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	}
	if len(cfg.Redis.Addrs) > 0 {
		client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: cfg.Redis.Addrs, Password: cfg.Redis.Password})
		sink, err := events.NewRedisSink(client, cfg.Redis.Channel)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	}
	return sinks, nil
}

func buildRateFeed(reg *registry.Registry, store *storage.Storage, cfg config.Config) (*ratefeed.Manager, error) {
	builder := ratefeed.NewRegistry()
	sources := make([]ratefeed.Source, 0, len(cfg.RateFeed.Sources))
	for _, src := range cfg.RateFeed.Sources {
		built, err := builder.Build(ratefeed.SourceConfig{
			Name:      src.Name,
			Type:      src.Type,
			Endpoint:  src.Endpoint,
			IDs:       src.Assets,
			Field:     src.Field,
			TimeField: src.TimeField,
		})
		if err != nil {
			return nil, err
		}
		sources = append(sources, built)
	}
	assets := make([]string, 0, len(cfg.Assets))
	for _, asset := range cfg.Assets {
		assets = append(assets, asset.Symbol)
	}
	return ratefeed.New(reg, store, sources, assets,
		ratefeed.WithInterval(cfg.RateFeed.Interval.Duration),
		ratefeed.WithMaxAge(cfg.RateFeed.MaxAge.Duration),
		ratefeed.WithMinFeeds(cfg.RateFeed.MinFeeds))
}

func authConfig(cfg config.AuthConfig) server.AuthConfig {
	out := server.AuthConfig{JWTSecret: cfg.JWTSecret, Issuer: cfg.JWTIssuer}
	for _, tok := range cfg.Tokens {
		roles := make([]server.Role, 0, len(tok.Roles))
		for _, role := range tok.Roles {
			roles = append(roles, server.Role(role))
		}
		out.Tokens = append(out.Tokens, server.StaticToken{Token: tok.Token, Subject: tok.Subject, Roles: roles})
	}
	return out
}
