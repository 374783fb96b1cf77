package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/bigbio/pride_downloader/internal/config"
	"github.com/bigbio/pride_downloader/internal/dc/aspera"
	"github.com/bigbio/pride_downloader/internal/dc/ftp"
	"github.com/bigbio/pride_downloader/internal/dc/globus"
	"github.com/bigbio/pride_downloader/internal/dc/local"
	"github.com/bigbio/pride_downloader/internal/dc/private"
	"github.com/bigbio/pride_downloader/internal/dc/s3"
	"github.com/bigbio/pride_downloader/internal/downloader"
	"github.com/bigbio/pride_downloader/internal/logctx"
	"github.com/bigbio/pride_downloader/internal/notifier"
	"github.com/bigbio/pride_downloader/internal/pride"
	"github.com/bigbio/pride_downloader/internal/storage/sqlite"
	"github.com/bigbio/pride_downloader/internal/telemetry"
	"github.com/bigbio/pride_downloader/internal/transfer"
)

const shutdownTimeout = 10 * time.Second

// app holds everything a command needs for one run.
type app struct {
	cfg        *config.Config
	catalog    *pride.Client
	downloader *downloader.Downloader
	notifier   notifier.Notifier
	telemetry  *telemetry.Telemetry
	closers    []func() error
}

// driverOptions are the per-invocation driver settings taken from flags.
type driverOptions struct {
	protocol     transfer.Protocol
	maxBandwidth string
	inputFolder  string
}

// setup loads configuration, installs the logger and builds the downloader for one
// protocol. The returned context carries the logger and run id.
func setup(ctx context.Context, opts driverOptions) (context.Context, *app, error) {
	cfg, err := config.LoadConfig(envFile)
	if err != nil {
		return ctx, nil, err
	}

	logger := slog.New(logctx.NewTraceHandler(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
	slog.SetDefault(logger)

	runID := uuid.NewString()
	ctx = logctx.WithRun(logctx.WithLogger(ctx, logger), runID)

	logger.InfoContext(ctx, "pride downloader starting", "version", version, "log_level", cfg.LogLevel)

	a := &app{cfg: cfg}

	a.telemetry, err = telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return ctx, nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	if a.telemetry != nil && cfg.Telemetry.MetricsAddr != "" {
		go func() {
			if err := telemetry.Serve(ctx, cfg.Telemetry.MetricsAddr, a.telemetry); err != nil {
				logger.ErrorContext(ctx, "metrics server failed", "err", err)
			}
		}()
	}

	a.catalog = pride.NewClient(pride.Config{
		BaseURL:        cfg.Pride.APIBaseURL,
		PrivateBaseURL: cfg.Pride.PrivateAPIBaseURL,
		ChecksumPath:   cfg.Pride.ChecksumPath,
		Timeout:        cfg.HTTPTimeout,
	}, a.telemetry)

	dlOpts := []downloader.Option{
		downloader.WithTelemetry(a.telemetry),
		downloader.WithPrivate(a.catalog, func(hc *http.Client) transfer.Client {
			return private.NewClient(private.Config{
				MaxAttempts: cfg.Private.MaxAttempts,
				BaseDelay:   cfg.Private.BaseDelay,
			}, hc)
		}),
	}

	if cfg.DBPath != "" {
		db, err := sqlite.InitDB(cfg.DBPath)
		if err != nil {
			a.close(ctx)

			return ctx, nil, err
		}

		a.closers = append(a.closers, db.Close)
		dlOpts = append(dlOpts, downloader.WithLedger(sqlite.NewInstrumentedDownloadRepository(db, a.telemetry), cfg.LedgerLease))
	}

	drivers := make(map[transfer.Protocol]transfer.Client)

	if opts.protocol != 0 {
		client, closeFn, err := buildDriver(ctx, cfg, opts)
		if err != nil {
			a.close(ctx)

			return ctx, nil, err
		}

		a.closers = append(a.closers, closeFn)
		drivers[opts.protocol] = transfer.NewInstrumentedClient(client, a.telemetry)
	}

	a.downloader = downloader.NewDownloader(drivers, a.catalog, dlOpts...)

	if cfg.DiscordWebhookURL != "" {
		a.notifier = &notifier.DiscordNotifier{WebhookURL: cfg.DiscordWebhookURL}
	}

	return ctx, a, nil
}

// buildDriver is the factory for the protocol drivers.
func buildDriver(ctx context.Context, cfg *config.Config, opts driverOptions) (transfer.Client, func() error, error) {
	noop := func() error { return nil }

	switch opts.protocol {
	case transfer.FTP:
		return ftp.NewClient(ftp.Config{
			Timeout:            cfg.FTP.Timeout,
			MaxFileAttempts:    cfg.FTP.MaxFileAttempts,
			FileRetryDelay:     cfg.FTP.FileRetryDelay,
			MaxConnectAttempts: cfg.FTP.MaxConnectAttempts,
			ConnectRetryDelay:  cfg.FTP.ConnectRetryDelay,
		}), noop, nil
	case transfer.Aspera:
		client := aspera.NewClient(aspera.Config{
			Dir:          cfg.Aspera.Dir,
			KeyPath:      cfg.Aspera.KeyPath,
			Port:         cfg.Aspera.Port,
			MaxBandwidth: cfg.Aspera.MaxBandwidth,
		}, aspera.ExecRunner{})

		return client.WithMaxBandwidth(opts.maxBandwidth), noop, nil
	case transfer.S3:
		s3cfg := s3.Config{
			Endpoint:    cfg.S3.Endpoint,
			Bucket:      cfg.S3.Bucket,
			Region:      cfg.S3.Region,
			KeyPrefix:   cfg.S3.KeyPrefix,
			MaxAttempts: cfg.S3.MaxAttempts,
			BaseDelay:   cfg.S3.BaseDelay,
		}

		bucket, err := s3.OpenBucket(ctx, s3cfg)
		if err != nil {
			return nil, nil, err
		}

		return s3.NewClient(s3cfg, s3.BlobBucket{Bucket: bucket}), bucket.Close, nil
	case transfer.Globus:
		return globus.NewClient(globus.Config{
			FTPPrefix:         cfg.Globus.FTPPrefix,
			BaseURL:           cfg.Globus.BaseURL,
			InactivityTimeout: cfg.HTTPTimeout,
		}, nil), noop, nil
	case transfer.Local:
		return local.NewClient(local.Config{InputDir: opts.inputFolder}), noop, nil
	}

	return nil, nil, &transfer.ConfigurationError{
		Setting: "protocol",
		Reason:  fmt.Sprintf("no driver for %s", opts.protocol),
		Err:     transfer.ErrUnsupportedProtocol,
	}
}

// notify posts the batch summary when a webhook is configured.
func (a *app) notify(ctx context.Context, content string) {
	if a.notifier == nil {
		return
	}

	if err := a.notifier.Notify(ctx, content); err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to send notification", "err", err)
	}
}

func (a *app) close(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	var errs []error

	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	errs = append(errs, a.telemetry.Shutdown(shutdownCtx))

	if err := errors.Join(errs...); err != nil {
		logger.ErrorContext(ctx, "failed to shut down cleanly", "err", err)
	}
}
