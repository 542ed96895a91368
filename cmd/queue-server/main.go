package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/queue/internal/config"
	"github.com/ehr/queue/internal/domain/catalog"
	"github.com/ehr/queue/internal/domain/pin"
	"github.com/ehr/queue/internal/domain/queue"
	"github.com/ehr/queue/internal/domain/routing"
	"github.com/ehr/queue/internal/domain/settings"
	"github.com/ehr/queue/internal/domain/supervisor"
	"github.com/ehr/queue/internal/platform/apperr"
	"github.com/ehr/queue/internal/platform/auth"
	"github.com/ehr/queue/internal/platform/clock"
	"github.com/ehr/queue/internal/platform/db"
	"github.com/ehr/queue/internal/platform/idempotency"
	"github.com/ehr/queue/internal/platform/kv"
	"github.com/ehr/queue/internal/platform/lock"
	"github.com/ehr/queue/internal/platform/metrics"
	"github.com/ehr/queue/internal/platform/middleware"
	"github.com/ehr/queue/internal/platform/notification"
	"github.com/ehr/queue/internal/platform/websocket"
)

const (
	version         = "0.1.0"
	apiBase         = "/api/v1"
	shutdownTimeout = 10 * time.Second
	requestTimeout  = 10 * time.Second
	bodyLimit       = "64K"
	purgeInterval   = 10 * time.Minute
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "queue-server",
		Short:        "Clinic queue admission and routing server",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(catalogCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg != nil && cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ---------------------------------------------------------------------------
// Wiring
// ---------------------------------------------------------------------------

// app holds every long-lived component of one server process.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	clock    clock.Clock
	catalog  *catalog.Catalog
	store    kv.Store
	pool     *pgxpool.Pool
	settings *settings.Provider
	guard    *idempotency.Guard
	hub      *websocket.Hub
	events   *notification.KVSink
	webhook  *notification.WebhookSink
	queue    *queue.Service
	pins     *pin.Pool
	planner  *routing.Planner
	sup      *supervisor.Supervisor
	closers  []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func settingsDefaults(cfg *config.Config) settings.Settings {
	d := settings.Defaults()
	d.QueueIntervalSeconds = cfg.QueueIntervalSeconds
	d.PatientMaxWaitSeconds = cfg.PatientMaxWaitSeconds
	d.NotifyNearAheadCount = cfg.NotifyNearAheadCount
	d.PinPrimarySize = cfg.PinPrimarySize
	d.PinReserveSize = cfg.PinReserveSize
	return d
}

func holderID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "queue-server"
	}
	return host + "-" + uuid.NewString()[:8]
}

func openStore(ctx context.Context, a *app) error {
	switch a.cfg.StoreDriver {
	case config.StorePostgres:
		pool, err := db.NewPool(ctx, db.PoolOptions{
			URL:      a.cfg.DatabaseURL,
			MaxConns: a.cfg.DBMaxConns,
			MinConns: a.cfg.DBMinConns,
		})
		if err != nil {
			return err
		}
		a.pool = pool
		a.store = kv.NewPostgresStore(pool)
		a.closers = append(a.closers, pool.Close)
		a.logger.Info().Msg("connected to database")
	default:
		mem := kv.NewMemoryStore()
		a.store = mem
		a.closers = append(a.closers, mem.Close)
		a.logger.Info().Msg("using in-process store")
	}
	return nil
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger, clk clock.Clock) (*app, error) {
	cat, err := catalog.Load(cfg.CatalogFile)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, clock: clk, catalog: cat}
	if err := openStore(ctx, a); err != nil {
		return nil, err
	}

	a.settings = settings.NewProvider(a.store, settingsDefaults(cfg), logger)
	locks := lock.NewManager(a.store, clk, holderID(), logger)
	a.guard = idempotency.NewGuard(a.store, clk, logger)
	a.hub = websocket.NewHub(logger)
	a.events = notification.NewKVSink(a.store)

	sinks := notification.Multi{
		notification.NewLogSink(logger),
		notification.NewHubSink(a.hub),
		a.events,
	}
	if a.pool != nil {
		sinks = append(sinks, notification.NewPGSink(a.pool))
	}
	if cfg.NotifyWebhookURL != "" {
		a.webhook = notification.NewWebhookSink(cfg.NotifyWebhookURL, logger)
		sinks = append(sinks, a.webhook)
	}
	emitter := notification.NewEmitter(sinks, clk, logger,
		notification.WithEnabled(a.settings.NotificationsEnabled))

	a.queue = queue.NewService(queue.NewKVRepository(a.store), locks, cat, clk, loc, emitter, logger)
	a.pins = pin.NewPool(a.store, locks, cat, a.settings, clk, loc, a.guard, emitter, logger)
	a.planner = routing.NewPlanner(a.store, locks, cat, a.queue, clk, loc, logger)
	a.queue.SetPinValidator(a.pins)
	a.queue.SetAdvancer(a.planner)

	a.sup = supervisor.New(a.queue, a.settings, cat.ClinicIDs(), clk, logger,
		supervisor.WithConcurrency(cfg.SupervisorConcurrency),
		supervisor.WithPins(a.pins),
	)
	return a, nil
}

// newServer builds the HTTP surface over a.
func newServer(a *app) *echo.Echo {
	cfg := a.cfg
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = apperr.HTTPErrorHandler(a.logger)

	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", pin.HeaderIdempotencyKey},
	}))
	e.Use(middleware.BodyLimit(bodyLimit))
	e.Use(middleware.RequestTimeout(requestTimeout))

	if cfg.ResolvedAuthMode() == config.AuthModeDevelopment {
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
			"store":   cfg.StoreDriver,
		})
	})
	if a.pool != nil {
		e.GET("/health/db", db.HealthHandler(a.pool))
	}
	metrics.Register()
	e.GET("/metrics", metrics.Handler())
	websocket.NewHandler(a.hub).RegisterRoutes(e.Group(""))

	queueHandler := queue.NewHandler(a.queue)
	policy := idempotency.DefaultPolicy(apiBase).
		Scoped(apiBase+"/queue/enter", queueHandler.EnterScope()).
		Scoped(apiBase+"/queue/done", queueHandler.DoneScope())

	limiter := middleware.NewFixedWindowLimiter(a.store, cfg.RateLimitRequests, cfg.RateLimitWindow(), a.clock)
	apiV1 := e.Group(apiBase,
		limiter.Middleware(),
		idempotency.Middleware(a.guard, policy),
	)

	queueHandler.RegisterRoutes(apiV1)
	pin.NewHandler(a.pins).RegisterRoutes(apiV1)
	routing.NewHandler(a.planner).RegisterRoutes(apiV1)
	catalog.NewHandler(a.catalog).RegisterRoutes(apiV1)
	settings.NewHandler(a.settings).RegisterRoutes(apiV1)
	supervisor.NewHandler(a.sup).RegisterRoutes(apiV1)
	notification.NewHandler(a.events).RegisterRoutes(apiV1)

	return e
}

// ---------------------------------------------------------------------------
// serve
// ---------------------------------------------------------------------------

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the queue API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrate, _ := cmd.Flags().GetBool("migrate")
			return runServer(cmd.Context(), migrate)
		},
	}
	cmd.Flags().Bool("migrate", false, "Apply pending migrations before serving (postgres store)")
	return cmd
}

func runServer(parent context.Context, migrate bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger, clock.Real())
	if err != nil {
		logger.Error().Err(err).Msg("failed to start")
		return err
	}
	defer a.Close()

	if migrate && a.pool != nil {
		n, err := db.NewMigrator(a.pool).Up(ctx)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		logger.Info().Int("applied", n).Msg("migrations applied")
	}

	e := newServer(a)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	if cfg.SupervisorEnabled {
		g.Go(func() error {
			logger.Info().Msg("timeout supervisor started")
			return a.sup.Run(gctx)
		})
	}

	if ps, ok := a.store.(*kv.PostgresStore); ok {
		g.Go(func() error {
			purgeExpired(gctx, ps, logger)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := e.Shutdown(sctx); err != nil {
			logger.Error().Err(err).Msg("server shutdown error")
		}
		if a.webhook != nil {
			if err := a.webhook.Wait(sctx); err != nil {
				logger.Warn().Err(err).Msg("webhook deliveries still pending")
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

// purgeExpired removes expired rows from the shared store until ctx ends.
func purgeExpired(ctx context.Context, ps *kv.PostgresStore, logger zerolog.Logger) {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := ps.Purge(ctx)
			if err != nil {
				logger.Warn().Err(err).Msg("purge expired entries")
				continue
			}
			if n > 0 {
				logger.Debug().Int64("removed", n).Msg("expired entries purged")
			}
		}
	}
}

// ---------------------------------------------------------------------------
// sweep
// ---------------------------------------------------------------------------

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one supervisor pass over every clinic and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			reconcileOnly, _ := cmd.Flags().GetBool("reconcile")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			a, err := newApp(ctx, cfg, logger, clock.Real())
			if err != nil {
				return err
			}
			defer a.Close()

			var report *supervisor.Report
			if reconcileOnly {
				report = a.sup.ReconcileAll(ctx)
			} else {
				report = a.sup.SweepOnce(ctx)
			}
			if err := printJSON(cmd, report); err != nil {
				return err
			}
			if n := report.Failed(); n > 0 {
				return fmt.Errorf("%d clinic(s) failed", n)
			}
			return nil
		},
	}
	cmd.Flags().Bool("reconcile", false, "Only repair counters, lists and pointers")
	return cmd
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return err
}

// ---------------------------------------------------------------------------
// migrate
// ---------------------------------------------------------------------------

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations for the postgres store",
	}

	withPool := func(cmd *cobra.Command, fn func(ctx context.Context, m *db.Migrator) error) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for migrations")
		}
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		pool, err := db.NewPool(ctx, db.PoolOptions{
			URL:      cfg.DatabaseURL,
			MaxConns: cfg.DBMaxConns,
			MinConns: cfg.DBMinConns,
		})
		if err != nil {
			return err
		}
		defer pool.Close()
		return fn(ctx, db.NewMigrator(pool))
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(cmd, func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(cmd, func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				for _, s := range statuses {
					status, appliedAt := "pending", ""
					if s.Applied {
						status = "applied"
					}
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format(time.RFC3339)
					}
					fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	})
	return cmd
}

// ---------------------------------------------------------------------------
// catalog, token
// ---------------------------------------------------------------------------

func catalogCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "catalog",
		Short: "Print the effective clinic and route catalog as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			cat, err := catalog.Load(cfg.CatalogFile)
			if err != nil {
				return err
			}
			out, err := cat.Marshal()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed bearer token for a station or operator",
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, _ := cmd.Flags().GetString("subject")
			roles, _ := cmd.Flags().GetStringSlice("roles")
			station, _ := cmd.Flags().GetString("station")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			if strings.TrimSpace(subject) == "" {
				return fmt.Errorf("--subject is required")
			}
			for _, r := range roles {
				if !auth.KnownRole(r) {
					return fmt.Errorf("unknown role %q", r)
				}
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			token, err := auth.IssueToken(auth.JWTConfig{
				Issuer:     cfg.AuthIssuer,
				Audience:   cfg.AuthAudience,
				SigningKey: []byte(cfg.AuthSigningKey),
			}, subject, roles, catalog.NormalizeID(station), ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().String("subject", "", "Token subject (station or operator id)")
	cmd.Flags().StringSlice("roles", []string{auth.RoleKiosk}, "Roles: admin, reception, clinician, kiosk")
	cmd.Flags().String("station", "", "Clinic the token is bound to")
	cmd.Flags().Duration("ttl", 12*time.Hour, "Token lifetime")
	return cmd
}
