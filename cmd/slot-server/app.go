package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/slotreserve/internal/config"
	"github.com/ehr/slotreserve/internal/domain/availability"
	"github.com/ehr/slotreserve/internal/domain/booking"
	"github.com/ehr/slotreserve/internal/domain/reservation"
	"github.com/ehr/slotreserve/internal/platform/auth"
	"github.com/ehr/slotreserve/internal/platform/broker"
	"github.com/ehr/slotreserve/internal/platform/clock"
	"github.com/ehr/slotreserve/internal/platform/db"
	"github.com/ehr/slotreserve/internal/platform/lock"
	"github.com/ehr/slotreserve/internal/platform/middleware"
	"github.com/ehr/slotreserve/internal/platform/validation"
	"github.com/ehr/slotreserve/internal/platform/websocket"
)

const (
	version   = "0.1.0"
	bodyLimit = "64K"
)

// app holds the wired components of one server process.
type app struct {
	echo     *echo.Echo
	svc      *reservation.Service
	catalog  *reservation.Catalog
	sweeper  *reservation.Sweeper
	notifier *reservation.Notifier
	hub      *websocket.Hub
	closers  []func()
}

// Close stops background work and releases connections in reverse order of
// acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func buildApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	clk := clock.NewSystem()

	var pool *pgxpool.Pool
	if cfg.NeedsDatabase() {
		pool, err = db.NewPool(ctx, db.PoolConfig{
			URL:      cfg.DatabaseURL,
			MaxConns: cfg.DBMaxConns,
			MinConns: cfg.DBMinConns,
		})
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		logger.Info().Msg("connected to database")
	}

	var locker lock.Locker = lock.NewKeyedMutex()
	var leader lock.Locker
	if cfg.RedisURL != "" {
		client, err := lock.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { client.Close() })
		locker = lock.NewRedisLocker(client, cfg.LockTTL, logger)
		leader = locker
		logger.Info().Msg("using redis slot locks")
	} else if cfg.LedgerBackend == config.BackendPostgres {
		logger.Warn().Msg("REDIS_URL not set: slot locks are local to this instance")
	}

	var store reservation.Store
	var bookings reservation.BookingStore
	switch cfg.LedgerBackend {
	case config.BackendPostgres:
		store = reservation.NewStorePG(pool)
		bookings = booking.NewPGStore(pool)
	default:
		store = reservation.NewMemoryStore()
		bookings = booking.NewMemoryStore()
	}

	provider, err := newAvailabilityProvider(cfg, pool, logger)
	if err != nil {
		return nil, err
	}

	ledger := reservation.NewLedger(store, locker,
		reservation.WithHoldDuration(cfg.HoldDuration),
		reservation.WithMaxExtensions(cfg.MaxExtensions),
		reservation.WithLockWait(cfg.LockWaitTimeout),
		reservation.WithLedgerLogger(logger),
	)

	a.hub = websocket.NewHub(logger, reservation.TopicAllowed)
	sinks := []reservation.EventSink{reservation.NewHubSink(a.hub)}
	if cfg.AMQPURL != "" {
		pub, err := broker.Dial(cfg.AMQPURL, cfg.AMQPExchange, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { pub.Close() })
		sinks = append(sinks, reservation.NewBrokerSink(pub))
	}
	a.notifier = reservation.NewNotifier(logger, cfg.EventBuffer, sinks...)
	a.closers = append(a.closers, a.notifier.Close)

	a.catalog = reservation.NewCatalog(provider, ledger, bookings, clk, loc, cfg.BookingHorizonDays)
	a.svc = reservation.NewService(ledger, a.catalog, bookings, clk,
		reservation.WithEmitter(a.notifier),
		reservation.WithServiceLogger(logger),
	)

	sweepOpts := []reservation.SweeperOption{
		reservation.WithSchedule(cfg.SweepSchedule),
		reservation.WithExpiringSoonWindow(cfg.ExpiringSoonWindow),
		reservation.WithArchiveRetention(cfg.ArchiveRetention),
		reservation.WithClinicLocation(loc),
		reservation.WithSweeperEmitter(a.notifier),
		reservation.WithSweeperLogger(logger),
	}
	if leader != nil {
		sweepOpts = append(sweepOpts, reservation.WithLeaderLock(leader))
	}
	a.sweeper = reservation.NewSweeper(ledger, clk, sweepOpts...)
	a.closers = append(a.closers, a.sweeper.Stop)

	a.echo = newEcho(cfg, logger, a, pool)
	return a, nil
}

func newAvailabilityProvider(cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) (reservation.AvailabilityProvider, error) {
	if cfg.AvailabilitySource == config.AvailabilityPostgres {
		return availability.NewPGProvider(pool), nil
	}

	plan, err := availability.NewWeeklyPlan(cfg.WorkingHours, cfg.WorkingDays, cfg.SlotMinutes)
	if err != nil {
		return nil, fmt.Errorf("working hours: %w", err)
	}
	provider := availability.NewStaticProvider(plan, cfg.Doctors)
	if cfg.DoctorRosterFile != "" {
		if err := provider.LoadRoster(cfg.DoctorRosterFile, cfg.WorkingHours, cfg.WorkingDays); err != nil {
			return nil, err
		}
	}
	if len(cfg.Doctors) == 0 && cfg.DoctorRosterFile == "" {
		logger.Warn().Msg("no DOCTORS or DOCTOR_ROSTER_FILE configured: every doctor lookup will fail")
	}
	return provider, nil
}

func newEcho(cfg *config.Config, logger zerolog.Logger, a *app, pool *pgxpool.Pool) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = validation.New()

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(bodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost},
		AllowHeaders:  []string{"Authorization", "Content-Type", middleware.RequestIDHeader, auth.HolderHeader},
		ExposeHeaders: []string{middleware.RequestIDHeader, "Retry-After"},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	if pool != nil {
		e.GET("/health/db", db.HealthHandler(pool, func() *db.PoolStats { return db.GetPoolStats(pool) }, 2*time.Second, logger))
	}

	authn := auth.JWTMiddleware(jwtConfig(cfg))
	if cfg.IsDev() {
		logger.Warn().Msg("development auth enabled: X-Holder-ID is trusted")
		authn = auth.DevAuthMiddleware(jwtConfig(cfg))
	}

	websocket.NewHandler(a.hub, cfg.CORSOrigins).RegisterRoutes(e.Group(""), authn, auth.RequireHolder())

	apiV1 := e.Group("/api/v1", authn, auth.RequireHolder())

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	reservation.NewHandler(a.svc, a.catalog).RegisterRoutes(apiV1)
	return e
}
