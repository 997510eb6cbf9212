package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/baldanca/widget-consumer/config"
	"github.com/baldanca/widget-consumer/metrics"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	app := &cli.App{
		Name:   "widget-consumer",
		Usage:  "Consume widget requests and apply them to S3 or DynamoDB",
		Flags:  flags(),
		Action: runConsumer,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("Application failed")
	}
}

func flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "storage",
			Usage:    "Storage location for widgets (s3, dynamodb)",
			Required: true,
			EnvVars:  []string{"WIDGET_STORAGE"},
		},
		&cli.StringFlag{
			Name:    "consume-bucket-name",
			Usage:   "S3 bucket to consume widget requests from",
			EnvVars: []string{"WIDGET_CONSUME_BUCKET"},
		},
		&cli.StringFlag{
			Name:    "queue-name",
			Usage:   "SQS queue name to consume widget requests from",
			EnvVars: []string{"WIDGET_QUEUE_NAME"},
		},
		&cli.StringFlag{
			Name:    "queue-url",
			Usage:   "SQS queue URL to consume widget requests from",
			EnvVars: []string{"WIDGET_QUEUE_URL", "SQS_QUEUE_URL"},
		},
		&cli.StringFlag{
			Name:    "bucket-name",
			Usage:   "S3 bucket for storing widgets (s3 storage)",
			EnvVars: []string{"WIDGET_BUCKET"},
		},
		&cli.StringFlag{
			Name:    "table-name",
			Usage:   "DynamoDB table for storing widgets (dynamodb storage)",
			EnvVars: []string{"WIDGET_TABLE"},
		},
		&cli.StringFlag{
			Name:    "dead-letter-queue-url",
			Usage:   "SQS queue that receives requests with an unknown type",
			EnvVars: []string{"WIDGET_DLQ_URL"},
		},
		&cli.StringFlag{
			Name:    "journal-bucket",
			Usage:   "S3 bucket for the Parquet audit journal (disabled when empty)",
			EnvVars: []string{"WIDGET_JOURNAL_BUCKET"},
		},
		&cli.StringFlag{
			Name:    "journal-prefix",
			Usage:   "Key prefix for journal objects",
			Value:   "widget-journal",
			EnvVars: []string{"WIDGET_JOURNAL_PREFIX"},
		},
		&cli.StringFlag{
			Name:    "metrics-addr",
			Usage:   "Listen address for the Prometheus /metrics endpoint (disabled when empty)",
			EnvVars: []string{"WIDGET_METRICS_ADDR"},
		},
		&cli.StringFlag{
			Name:    "region",
			Usage:   "AWS region (defaults to the SDK provider chain)",
			EnvVars: []string{"AWS_REGION"},
		},
		&cli.StringFlag{
			Name:    "endpoint-url",
			Usage:   "Override AWS endpoint, e.g. http://localhost:4566 for LocalStack",
			EnvVars: []string{"AWS_ENDPOINT_URL"},
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (debug, info, warn, error)",
			Value:   "info",
			EnvVars: []string{"LOG_LEVEL"},
		},
		&cli.StringFlag{
			Name:    "log-file",
			Usage:   "Also write logs to this file",
			EnvVars: []string{"WIDGET_LOG_FILE"},
		},
	}
}

func runConsumer(c *cli.Context) error {
	zerolog.SetGlobalLevel(parseLevel(c.String("log-level")))

	s := settingsFrom(c)
	if err := s.validate(); err != nil {
		return err
	}

	if s.LogFile != "" {
		f, err := os.OpenFile(s.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()
		log.Logger = log.Output(io.MultiWriter(
			zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339},
			f,
		))
	}
	logger := log.Logger

	tuning, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load tuning config: %w", err)
	}

	// shutdown setup: ctrl-c or sigterm which is what docker sends
	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	awsCfg, err := loadAWSConfig(ctx, s)
	if err != nil {
		return fmt.Errorf("failed to load AWS config: %w", err)
	}

	var rec metrics.Recorder = metrics.Nop{}
	if s.MetricsAddr != "" {
		p := metrics.NewPrometheus()
		reg := prometheus.NewRegistry()
		if err := p.Register(reg); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		srv := serveMetrics(s.MetricsAddr, reg, logger)
		defer shutdownMetrics(srv, logger)
		rec = p
	}

	d, err := buildDispatcher(ctx, s, tuning, newClients(awsCfg, s.EndpointURL), rec, logger)
	if err != nil {
		return err
	}

	fmt.Println("Starting consumer... Press Ctrl+C to stop.")
	if err := d.Run(ctx); err != nil {
		return err
	}
	fmt.Println("Stopping consumer...")
	return nil
}

func parseLevel(s string) zerolog.Level {
	switch s {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func serveMetrics(addr string, reg *prometheus.Registry, logger zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info().Str("addr", addr).Msg("Serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()
	return srv
}

func shutdownMetrics(srv *http.Server, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("metrics server shutdown")
	}
}
