// Command vipd serves the BeZhas VIP subscription API and reconciles Stripe
// webhooks into local entitlements.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	vipmodule "github.com/bezhas/vip/modules/vip"
	"github.com/bezhas/vip/pkg/clientip"
	"github.com/bezhas/vip/pkg/config"
	"github.com/bezhas/vip/pkg/httpserver"
	"github.com/bezhas/vip/pkg/jwt"
	"github.com/bezhas/vip/pkg/logger"
	"github.com/bezhas/vip/pkg/mongo"
	"github.com/bezhas/vip/pkg/ratelimiter"
	"github.com/bezhas/vip/pkg/redis"
	"github.com/bezhas/vip/pkg/requestid"
	"github.com/bezhas/vip/svc/notify"
	"github.com/bezhas/vip/svc/vip"
	"github.com/bezhas/vip/svc/vip/dedup"
	"github.com/bezhas/vip/svc/vip/mongostore"
	"github.com/bezhas/vip/svc/vip/stripe"
)

type appConfig struct {
	Env            string        `env:"APP_ENV" envDefault:"development"`
	Name           string        `env:"APP_NAME" envDefault:"vipd"`
	MountPath      string        `env:"VIP_MOUNT_PATH" envDefault:"/api/vip"`
	AllowedOrigins []string      `env:"VIP_WS_ALLOWED_ORIGINS" envSeparator:","`
	ReadyTimeout   time.Duration `env:"READINESS_TIMEOUT" envDefault:"2s"`
}

type configs struct {
	app       appConfig
	http      httpserver.Config
	vip       vip.Config
	stripe    stripe.Config
	dedup     dedup.Config
	mongo     mongo.Config
	redis     redis.Config
	jwt       jwt.Config
	clientip  clientip.Config
	ratelimit ratelimiter.Config
}

func loadConfig() (configs, error) {
	var c configs
	return c, errors.Join(
		config.Load(&c.app),
		config.Load(&c.http),
		config.Load(&c.vip),
		config.Load(&c.stripe),
		config.Load(&c.dedup),
		config.Load(&c.mongo),
		config.Load(&c.redis),
		config.Load(&c.jwt),
		config.Load(&c.clientip),
		config.Load(&c.ratelimit),
	)
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		slog.Error("failed to load configuration", logger.Error(err))
		os.Exit(1)
	}

	log := logger.New(
		logger.WithEnvironment(cfg.app.Env, cfg.app.Name),
		logger.WithContextExtractors(
			requestid.LoggerExtractor(),
			jwt.LoggerExtractor(),
			clientip.LoggerExtractor(),
		),
	)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("vipd stopped with error", logger.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg configs, log *slog.Logger) error {
	mongoClient, err := mongo.Connect(ctx, cfg.mongo)
	if err != nil {
		return err
	}
	defer func() { _ = mongoClient.Disconnect(context.WithoutCancel(ctx)) }()

	store := mongostore.New(mongoClient.Database(cfg.mongo.Database))
	if err := store.EnsureIndexes(ctx); err != nil {
		return err
	}

	checks := []httpserver.Check{{Name: "mongo", Fn: mongo.Healthcheck(mongoClient)}}

	var (
		events      vip.EventSet
		bucketStore ratelimiter.Store
	)
	if cfg.redis.Enabled() {
		redisClient, err := redis.Connect(ctx, cfg.redis)
		if err != nil {
			return err
		}
		defer func() { _ = redisClient.Close() }()

		set, err := dedup.NewRedisSet(redisClient, cfg.dedup)
		if err != nil {
			return err
		}
		events = set
		bucketStore = ratelimiter.NewRedisStore(redisClient)
		checks = append(checks, httpserver.Check{Name: "redis", Fn: redis.Healthcheck(redisClient)})
	} else {
		log.Warn("REDIS_URL not set, webhook dedup and rate limits are per process")
		set, err := dedup.NewMemorySet(cfg.dedup)
		if err != nil {
			return err
		}
		events = set
		mem := ratelimiter.NewMemoryStore()
		defer mem.Close()
		bucketStore = mem
	}

	limiter, err := ratelimiter.NewBucket(bucketStore, cfg.ratelimit)
	if err != nil {
		return err
	}

	provider, err := stripe.New(cfg.stripe)
	if err != nil {
		return err
	}

	tokens, err := jwt.New(cfg.jwt.Secret)
	if err != nil {
		return err
	}

	hub := notify.NewHub(
		notify.WithLogger(log),
		notify.WithAllowedOrigins(cfg.app.AllowedOrigins...),
	)
	defer func() { _ = hub.Close() }()

	opts := []vip.Option{
		vip.WithLogger(log),
		vip.WithMetrics(vip.NewMetrics(prometheus.DefaultRegisterer)),
		vip.WithNotifier(hub),
	}
	for tier, priceID := range cfg.stripe.PriceIDs {
		opts = append(opts, vip.WithPrice(vip.TierID(tier), priceID))
	}
	svc := vip.NewService(cfg.vip, provider, store, events, opts...)

	resolver := clientip.New(cfg.clientip)
	r := chi.NewRouter()
	r.Use(requestid.Middleware, resolver.Middleware)

	r.Get("/healthz", httpserver.Liveness())
	r.Get("/readyz", httpserver.Readiness(log, cfg.app.ReadyTimeout, checks...))
	r.Handle("/metrics", promhttp.Handler())
	r.With(jwt.RequireWebSocket(tokens, func(w http.ResponseWriter, _ *http.Request, _ error) {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
	})).Handle("/ws", hub)
	r.Mount(cfg.app.MountPath, vipmodule.New(svc, tokens,
		vipmodule.WithLogger(log),
		vipmodule.WithCheckoutLimiter(limiter),
	).Handle())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httpserver.New(cfg.http, httpserver.WithLogger(log)).Run(ctx, r)
	})
	g.Go(func() error {
		return vip.NewSweeper(svc, cfg.vip.SweepInterval, vip.WithLogger(log)).Run(ctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
