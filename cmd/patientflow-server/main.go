package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hospital/patientflow/internal/config"
	"github.com/hospital/patientflow/internal/domain/dispatch"
	"github.com/hospital/patientflow/internal/domain/journey"
	"github.com/hospital/patientflow/internal/domain/queue"
	"github.com/hospital/patientflow/internal/domain/scheduling"
	"github.com/hospital/patientflow/internal/platform/auth"
	"github.com/hospital/patientflow/internal/platform/db"
	"github.com/hospital/patientflow/internal/platform/metrics"
	"github.com/hospital/patientflow/internal/platform/middleware"
	"github.com/hospital/patientflow/internal/platform/notification"
	"github.com/hospital/patientflow/internal/platform/pubsub"
	"github.com/hospital/patientflow/internal/platform/websocket"
	"github.com/hospital/patientflow/migrations"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "patientflow-server",
		Short: "Hospital patient-flow dispatch server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the dispatch API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if store, _ := cmd.Flags().GetString("store"); store != "" {
				cfg.Store = store
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runServer(cfg, newLogger(cfg))
		},
	}
	cmd.Flags().String("store", "", "Storage backend: postgres or memory (overrides STORE)")
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			return withMigrator(dir, func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			return withMigrator(dir, func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				fmt.Println("---------- ---------------------------------------- ---------- --------------------")
				for _, s := range statuses {
					state, at := "pending", ""
					if s.Applied {
						state = "applied"
						if s.AppliedAt != nil {
							at = s.AppliedAt.Format(time.RFC3339)
						}
					}
					fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, state, at)
				}
				return nil
			})
		},
	}
	statusCmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
	cmd.AddCommand(statusCmd)

	return cmd
}

func withMigrator(dir string, fn func(ctx context.Context, m *db.Migrator) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, db.PoolConfig{DatabaseURL: cfg.DatabaseURL, MaxConns: 2, MinConns: 1})
	if err != nil {
		return err
	}
	defer pool.Close()

	var fsys fs.FS = migrations.FS
	if dir != "" {
		fsys = os.DirFS(dir)
	}
	return fn(ctx, db.NewMigrator(pool, fsys))
}

// tokenCmd issues a signed actor token for kiosks, staff consoles and tests.
func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token <subject>",
		Short: "Issue an HS256 token signed with AUTH_SIGNING_KEY",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			roles, _ := cmd.Flags().GetStringSlice("role")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			tok, err := auth.IssueToken(jwtConfig(cfg), args[0], roles, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringSlice("role", []string{auth.RoleStaff}, "Roles to grant (staff, patient, admin)")
	cmd.Flags().Duration("ttl", 12*time.Hour, "Token lifetime")
	return cmd
}

func jwtConfig(cfg *config.Config) auth.JWTConfig {
	return auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AuthSigningKey),
		Skipper:    auth.AuthSkipper,
	}
}

// stores is the persistence wiring of one backend.
type stores struct {
	tx      db.TxManager
	queue   queue.Repository
	journey journey.Repository
	exams   scheduling.ExamRepository
	appts   scheduling.AppointmentRepository
	health  echo.HandlerFunc
	close   func()
}

func memoryStores() *stores {
	q := queue.NewMemRepository()
	j := journey.NewMemRepository()
	a := scheduling.NewMemAppointmentRepository()
	return &stores{
		tx:      db.NewMemTxManager(q, j, a),
		queue:   q,
		journey: j,
		exams:   scheduling.NewMemExamRepository(),
		appts:   a,
		health:  db.MemoryHealthHandler(),
		close: func() {},
	}
}

func postgresStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	pool, err := db.NewPool(ctx, db.PoolConfig{
		DatabaseURL:      cfg.DatabaseURL,
		MaxConns:         cfg.DBMaxConns,
		MinConns:         cfg.DBMinConns,
		StatementTimeout: cfg.QueryTimeout,
	})
	if err != nil {
		return nil, err
	}
	return &stores{
		tx:      db.NewPgTxManager(pool, cfg.LockTimeout),
		queue:   queue.NewRepoPG(pool),
		journey: journey.NewRepoPG(pool),
		exams:   scheduling.NewExamRepoPG(pool),
		appts:   scheduling.NewAppointmentRepoPG(pool),
		health:  db.HealthHandler(pool, db.NewMigrator(pool, migrations.FS), cfg.QueryTimeout),
		close:   pool.Close,
	}, nil
}

// app is a wired server. Close releases everything newApp acquired.
type app struct {
	echo       *echo.Echo
	engine     *dispatch.Engine
	hub        *websocket.Hub
	dispatcher *notification.Dispatcher
	relay      *pubsub.Relay
	closers    []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	var st *stores
	if cfg.Store == config.StoreMemory {
		st = memoryStores()
		logger.Warn().Msg("using in-memory store; state is lost on restart")
	} else {
		var err error
		if st, err = postgresStores(ctx, cfg); err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		logger.Info().Msg("connected to database")
	}
	a.closers = append(a.closers, st.close)

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	var m *metrics.Metrics
	if cfg.MetricsEnabled {
		m = metrics.New()
	}

	// Fan-out
	origin := cfg.InstanceID
	if origin == "" {
		origin = uuid.NewString()
	}
	a.hub = websocket.NewHub(logger, websocket.ChannelAuthorizer)
	publishers := []notification.Publisher{a.hub}
	if cfg.RedisURL != "" {
		client, err := pubsub.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { client.Close() })
		publishers = append(publishers, pubsub.NewRedisPublisher(client, pubsub.DefaultPrefix))
		a.relay = pubsub.NewRelay(client, pubsub.DefaultPrefix, origin, a.hub, logger)
		logger.Info().Str("origin", origin).Msg("cross-instance fan-out enabled")
	}
	opts := notification.Options{
		Buffer:  cfg.FanoutBuffer,
		Workers: cfg.FanoutWorkers,
		Origin:  origin,
	}
	if m != nil {
		opts.Recorder = m
	}
	a.dispatcher = notification.NewDispatcher(logger, opts, publishers...)
	a.dispatcher.Start()
	a.closers = append(a.closers, a.dispatcher.Close)

	// Domain
	sched := scheduling.NewService(st.exams, st.appts, loc, cfg.DefaultServiceMinutes)
	a.engine = dispatch.NewEngine(dispatch.Deps{
		Tx:           st.tx,
		Queue:        queue.NewStore(st.queue, sched.ServiceMinutes),
		Journey:      journey.NewMachine(st.journey),
		Scheduling:   sched,
		Emitter:      a.dispatcher,
		Metrics:      m,
		Logger:       logger,
		QueryTimeout: cfg.QueryTimeout,
	})

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger, m))
	e.Use(middleware.RequestID())
	e.Use(middleware.SecurityHeaders(!cfg.IsDev()))
	if m != nil {
		e.Use(m.Middleware())
	}
	e.Use(middleware.Logger(logger))
	e.Use(middleware.RequestTimeout(cfg.QueryTimeout+time.Second, "/ws"))

	jwtCfg := jwtConfig(cfg)
	switch {
	case cfg.IsDev() && cfg.AuthSigningKey != "":
		e.Use(auth.DevAuthMiddleware(auth.JWTMiddleware(jwtCfg)))
	case cfg.IsDev():
		e.Use(auth.DevAuthMiddleware(nil))
	default:
		e.Use(auth.JWTMiddleware(jwtCfg))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	e.GET("/health/db", st.health)
	if m != nil {
		e.GET("/metrics", echo.WrapHandler(m.Handler()))
	}

	websocket.NewHandler(a.hub).RegisterRoutes(e.Group(""))

	apiV1 := e.Group("/api/v1")
	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	scheduling.NewHandler(sched).RegisterRoutes(apiV1)
	dispatch.NewHandler(a.engine).RegisterRoutes(apiV1)

	a.echo = e
	ok = true
	return a, nil
}

func runServer(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("store", cfg.Store).Msg("starting server")
		if err := a.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	if a.relay != nil {
		g.Go(func() error { return a.relay.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return a.echo.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info().Msg("server stopped")
	return err
}
