package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/club-license-service/internal/accrual"
	"github.com/iliyamo/club-license-service/internal/catalog"
	"github.com/iliyamo/club-license-service/internal/config"
	"github.com/iliyamo/club-license-service/internal/database"
	"github.com/iliyamo/club-license-service/internal/handler"
	"github.com/iliyamo/club-license-service/internal/identity"
	"github.com/iliyamo/club-license-service/internal/ledger"
	"github.com/iliyamo/club-license-service/internal/license"
	"github.com/iliyamo/club-license-service/internal/lock"
	"github.com/iliyamo/club-license-service/internal/logging"
	"github.com/iliyamo/club-license-service/internal/metrics"
	"github.com/iliyamo/club-license-service/internal/middleware"
	"github.com/iliyamo/club-license-service/internal/notify"
	"github.com/iliyamo/club-license-service/internal/payment"
	"github.com/iliyamo/club-license-service/internal/payment/stripe"
	"github.com/iliyamo/club-license-service/internal/payment/vipps"
	"github.com/iliyamo/club-license-service/internal/repository"
	"github.com/iliyamo/club-license-service/internal/reservation"
	"github.com/iliyamo/club-license-service/internal/router"
	"github.com/iliyamo/club-license-service/internal/traces"
	"github.com/iliyamo/club-license-service/internal/webhook"
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg.LogLevel, cfg.LogFormat).WithField("env", cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, log)
	if err != nil {
		log.WithError(err).Fatal("tracing init failed")
	}

	db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err != nil {
		log.WithError(err).WithField("dsn", cfg.MySQLDSN()).Fatal("database connection failed")
	}
	defer db.Close()
	if cfg.Env == "dev" {
		if err := database.Migrate(ctx, db, "up"); err != nil {
			log.WithError(err).Fatal("migrations failed")
		}
	}
	metrics.StartDBStatsCollector(ctx, db, 15*time.Second)
	store := repository.NewMySQLStore(db)

	cat, err := loadCatalog(cfg)
	if err != nil {
		log.WithError(err).Fatal("package catalog invalid")
	}

	// Redis is optional; without it the limiter and cache pass through and
	// the background jobs run without a lease.
	var locker lock.Locker = lock.Noop{}
	rdb := config.NewRedisClient()
	if rdb != nil {
		defer rdb.Close()
		locker = lock.NewRedis(rdb, "club-license:lock")
	} else {
		log.Warn("redis unavailable; rate limiting, caching and job leases disabled")
	}

	notifier := notifications(ctx, cfg, log)

	pool := license.NewPool(store, log)
	led := ledger.New(store, cfg.BillingLocation, log)

	opts := []reservation.Option{
		reservation.WithTTL(cfg.ReservationTTL),
		reservation.WithNotifier(notifier),
		reservation.WithReturnURL(cfg.PublicBaseURL),
	}
	var agreements payment.Agreements
	if cfg.Vipps.Enabled() {
		agreements = vipps.New(vipps.Config{
			BaseURL:         cfg.Vipps.BaseURL,
			ClientID:        cfg.Vipps.ClientID,
			ClientSecret:    cfg.Vipps.ClientSecret,
			SubscriptionKey: cfg.Vipps.SubscriptionKey,
			MSN:             cfg.Vipps.MSN,
			RatePerSecond:   cfg.Vipps.RatePerSecond,
		}, log)
		opts = append(opts, reservation.WithAgreements(agreements))
	} else {
		log.Warn("vipps credentials missing; sales run without recurring agreements")
	}
	manager := reservation.NewManager(store, pool, led, cat, log, opts...)

	engine := accrual.New(store, cat, cfg.BillingLocation, log)

	reconciler := webhook.New(webhook.Config{
		Store:        store,
		Manager:      manager,
		Ledger:       led,
		Pool:         pool,
		Catalog:      cat,
		Agreements:   agreements,
		VippsSecret:  cfg.Vipps.WebhookSecret,
		StripeSecret: cfg.Stripe.WebhookSecret,
		Log:          log,
	})

	var billing payment.Checkout
	if cfg.Stripe.SecretKey != "" {
		billing = stripe.New(cfg.Stripe.SecretKey, cat)
	}

	sweeper := reservation.NewSweeper(manager, locker, cfg.SweepInterval, log)
	go sweeper.Start(ctx)
	scheduler := accrual.NewScheduler(engine, locker, cfg.AccrualInterval, log)
	if agreements != nil {
		scheduler.WithCharger(accrual.NewCharger(store, agreements, cfg.BillingLocation, log))
	}
	go scheduler.Start(ctx)

	e := echo.New()
	e.HideBanner = true
	e.Validator = handler.NewValidator()
	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(echomw.CORS())
	e.Use(metrics.Middleware())
	e.Use(middleware.RequestLogger(log))

	router.RegisterRoutes(e)
	router.RegisterAPI(e, router.Deps{
		Log:       log,
		Verifier:  identity.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer),
		Redis:     redisOrNil(rdb),
		RateLimit: config.LoadRateLimitConfig(),
		Cache:     config.LoadCacheConfig(),
		Sales:     &handler.SalesHandler{Manager: manager, Reconciler: reconciler, Ledger: led},
		Clubs: &handler.ClubHandler{
			Pool:      pool,
			Ledger:    led,
			Catalog:   cat,
			Billing:   billing,
			ReturnURL: cfg.PublicBaseURL + "/clubs/billing/return",
		},
		Accrual:  &handler.AccrualHandler{Engine: engine},
		Webhooks: &handler.WebhookHandler{Reconciler: reconciler},
	})

	addr := ":" + cfg.Port
	go func() {
		log.WithField("addr", addr).Info("listening")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server stopped")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	sweeper.Stop()
	scheduler.Stop()
	if err := shutdownTraces(shutdownCtx); err != nil {
		log.WithError(err).Warn("trace flush")
	}
}

// redisOrNil keeps a missing client a nil interface so the middleware can
// detect it.
func redisOrNil(c *redis.Client) redis.UniversalClient {
	if c == nil {
		return nil
	}
	return c
}

func loadCatalog(cfg config.Config) (*catalog.Catalog, error) {
	cat, err := catalog.Load(cfg.CatalogFile)
	if err != nil {
		return nil, err
	}
	if len(cfg.Stripe.Prices) == 0 {
		return cat, nil
	}
	return cat.WithStripePrices(cfg.Stripe.Prices)
}

// notifications returns the sender used by the reservation manager.  With a
// broker configured, messages are queued and a consumer in this process
// delivers them; otherwise they are delivered inline.
func notifications(ctx context.Context, cfg config.Config, log logrus.FieldLogger) notify.Sender {
	deliver := notify.NewDispatcher(map[notify.Channel]notify.Sender{
		notify.Email: notify.LogSender{Channel: notify.Email, Log: log},
		notify.SMS:   notify.LogSender{Channel: notify.SMS, Log: log},
	})
	if cfg.RabbitURL == "" {
		return deliver
	}
	consumer := notify.NewConsumer(cfg.RabbitURL, deliver, log)
	go func() {
		if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Error("notification consumer stopped")
		}
	}()
	return notify.NewPublisher(cfg.RabbitURL, log)
}
