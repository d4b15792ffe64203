package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/triage/internal/config"
	"github.com/ehr/triage/internal/domain/emergency"
	"github.com/ehr/triage/internal/platform/auth"
	"github.com/ehr/triage/internal/platform/events"
	"github.com/ehr/triage/internal/platform/middleware"
	"github.com/ehr/triage/internal/platform/telemetry"
	"github.com/ehr/triage/internal/platform/webhook"
	"github.com/ehr/triage/internal/seed"
)

const version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "triage-server",
		Short:        "Emergency triage API server",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(classifyCmd())
	rootCmd.AddCommand(seedCmd())
	return rootCmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the triage API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func classifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "classify <symptoms>",
		Short: "Print the triage tier and wait estimate for comma-separated symptoms",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			symptoms := emergency.ParseSymptoms(strings.Join(args, ","))
			if len(symptoms) == 0 {
				return fmt.Errorf("no symptoms given")
			}
			p := emergency.ClassifyPriority(symptoms)
			fmt.Fprintf(cmd.OutOrStdout(), "priority: %s\nestimated wait: %d minutes\n", p, emergency.EstimateWaitTime(p))
			return nil
		},
	}
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Inspect seed data",
	}

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Validate a seed file (the embedded dataset when --file is empty)",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			d, err := seed.Load(file)
			if err != nil {
				return err
			}
			q := emergency.NewQueue()
			if err := d.Apply(q, time.Now()); err != nil {
				return fmt.Errorf("apply seed: %w", err)
			}
			s := q.Summary()
			fmt.Fprintf(cmd.OutOrStdout(), "patients: %d\ndoctors: %d\ncases: %d (active %d: critical %d, medium %d, normal %d)\n",
				len(d.Patients), len(d.Doctors), s.Total, s.Active, s.ActiveCritical, s.ActiveMedium, s.ActiveNormal)
			return nil
		},
	}
	checkCmd.Flags().String("file", "", "Path to a YAML seed file")

	cmd.AddCommand(checkCmd)
	return cmd
}

func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	logger := zerolog.New(out).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	}
	return logger.Level(cfg.Level())
}

func runServer() error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		bootLogger := zerolog.New(os.Stderr)
		bootLogger.Fatal().Err(err).Msg("failed to load config")
	}

	// Logger
	logger := newLogger(cfg, os.Stdout)

	// Events
	publishers := events.Multi{events.NewLogPublisher(logger)}
	if cfg.AMQPURL != "" {
		amqpPub, err := events.DialAMQP(cfg.AMQPURL, cfg.AMQPQueue)
		if err != nil {
			logger.Warn().Err(err).Msg("case events will only be logged")
		} else {
			defer amqpPub.Close()
			publishers = append(publishers, amqpPub)
			logger.Info().Str("queue", cfg.AMQPQueue).Msg("publishing case events to rabbitmq")
		}
	}

	hooks, err := newWebhooks(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid webhook configuration")
	}
	if hooks != nil {
		hooks.Start(context.Background())
		publishers = append(publishers, hooks)
		logger.Info().Int("endpoints", len(cfg.WebhookURLs)).Msg("delivering case events to webhooks")
	}

	e, err := newServer(cfg, logger, publishers, hooks)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build server")
	}

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()
	err = e.Shutdown(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	if hooks != nil {
		if herr := hooks.Shutdown(ctx); herr != nil {
			logger.Error().Err(herr).Msg("webhook backlog not drained before shutdown timeout")
		}
	}
	if err != nil {
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

// newWebhooks returns nil when no webhook URLs are configured.
func newWebhooks(cfg *config.Config, logger zerolog.Logger) (*webhook.Dispatcher, error) {
	if len(cfg.WebhookURLs) == 0 {
		return nil, nil
	}
	endpoints := make([]webhook.Endpoint, 0, len(cfg.WebhookURLs))
	for _, u := range cfg.WebhookURLs {
		endpoints = append(endpoints, webhook.Endpoint{URL: u, Secret: cfg.WebhookSecret, Events: cfg.WebhookEvents})
	}
	return webhook.NewDispatcher(endpoints, logger, webhook.WithBacklog(cfg.WebhookBacklog))
}

// newServer seeds the queue and wires the echo server. hooks may be nil.
func newServer(cfg *config.Config, logger zerolog.Logger, pub events.Publisher, hooks *webhook.Dispatcher) (*echo.Echo, error) {
	dataset, err := seed.Load(cfg.SeedFile)
	if err != nil {
		return nil, err
	}
	queue := emergency.NewQueue(emergency.WithServiceMinutes(cfg.QueueServiceMinutes))
	if err := dataset.Apply(queue, time.Now()); err != nil {
		return nil, fmt.Errorf("apply seed: %w", err)
	}
	logger.Info().
		Int("patients", len(dataset.Patients)).
		Int("doctors", len(dataset.Doctors)).
		Int("cases", len(dataset.Cases)).
		Int("symptom_categories", len(dataset.SymptomCategories)).
		Msg("seed data loaded")

	metrics := telemetry.NewMetrics()
	registerQueueGauges(metrics, queue)

	opts := []emergency.ServiceOption{
		emergency.WithPublisher(events.Multi{pub, metrics}),
		emergency.WithLogger(logger.With().Str("component", "emergency").Logger()),
		emergency.WithSymptomCategories(dataset.SymptomCategories),
	}
	if !cfg.StrictVitals {
		opts = append(opts, emergency.WithLenientVitals())
	}
	svc := emergency.NewService(queue, dataset.Directory(), opts...)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(metrics.Middleware())
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowHeaders: []string{"Content-Type", middleware.RequestIDHeader, auth.HeaderUserID, auth.HeaderUserRole},
	}))
	e.Use(middleware.BodyLimit("64K"))
	e.Use(middleware.RequestTimeout(30 * time.Second))

	// Health checks
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/ready", func(c echo.Context) error {
		s := queue.Summary()
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":       "ready",
			"cases":        s.Total,
			"active_cases": s.Active,
		})
	})

	e.GET("/metrics", metrics.Handler())

	// API
	apiV1 := e.Group("/api/v1",
		auth.HeaderAuthMiddleware(auth.HeaderConfig{AllowAnonymous: cfg.IsDev()}),
		middleware.Audit(logger),
	)
	emergency.NewHandler(svc).RegisterRoutes(apiV1)

	if hooks != nil {
		webhook.NewHandler(hooks).RegisterRoutes(apiV1)
	}

	return e, nil
}

func registerQueueGauges(m *telemetry.Metrics, q *emergency.Queue) {
	m.RegisterGauge("triage_cases_total", "Cases held by the queue.", func() float64 {
		return float64(q.Summary().Total)
	})
	m.RegisterGauge("triage_active_cases", "Cases not yet discharged: waiting, in treatment or admitted.", func() float64 {
		return float64(q.Summary().Active)
	})
	m.RegisterGauge("triage_active_critical_cases", "Active critical cases.", func() float64 {
		return float64(q.Summary().ActiveCritical)
	})
	m.RegisterGauge("triage_waiting_cases", "Cases waiting to be seen.", func() float64 {
		return float64(q.Summary().ByStatus[emergency.StatusWaiting])
	})
}
