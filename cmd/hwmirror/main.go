package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	"github.com/urfave/cli/v3"

	"hwmirror/internal/config"
	"hwmirror/internal/ics"
	appLog "hwmirror/internal/log"
	"hwmirror/internal/metrics"
	"hwmirror/internal/mirror"
	"hwmirror/internal/store"
	"hwmirror/internal/video"
	"hwmirror/internal/web"
)

const version = "0.1.0"

func main() {
	cmd := &cli.Command{
		Name:    "hwmirror",
		Usage:   "Mirror a homework calendar feed into a store and fetch linked videos once",
		Version: version,
		Action:  run,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
				Value:   "/etc/hwmirror/config.yaml",
				Sources: cli.EnvVars("HWMIRROR_CONFIG"),
			},
			&cli.StringFlag{
				Name:  "listen",
				Usage: "HTTP listen address (overrides config if set)",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "debug, info, warn or error (overrides config if set)",
			},
			&cli.BoolFlag{
				Name:  "once",
				Usage: "Run one mirror pass and exit",
			},
			&cli.BoolFlag{
				Name:  "dry-run",
				Usage: "Report intended writes and downloads without performing them",
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		appLog.Error("hwmirror exiting with error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	appLog.Info("hwmirror starting", "version", version)

	configPath := cmd.String("config")
	conf, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", configPath, err)
	}

	// CLI flags override the config file.
	if l := cmd.String("listen"); l != "" {
		conf.Listen = l
	}
	if l := cmd.String("log-level"); l != "" {
		conf.LogLevel = strings.ToLower(l)
	}
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))

	if err := conf.Validate(); err != nil {
		return err
	}

	once := cmd.Bool("once")
	dryRun := cmd.Bool("dry-run")

	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Calendar.Timezone,
		"refresh", conf.RefreshCron,
		"storage", conf.Storage.Backend,
		"root", conf.Storage.Root,
		"video", conf.Video.Enabled,
		"full_compare", conf.FullCompare,
		"once", once,
		"dry_run", dryRun,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			appLog.Info("signal received, shutting down", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	st, err := store.Open(ctx, conf.Storage)
	if err != nil {
		return err
	}
	layout := store.Layout{Root: conf.Storage.Root}

	reg := prometheus.NewRegistry()
	if conf.Metrics.Enabled {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	rec := metrics.New(conf.Metrics.Enabled, reg)

	fetcher := ics.NewFetcher(conf.Calendar.CacheDir, conf.Calendar.FetchTimeout)
	source := ics.NewCachedSource(
		fetcher.Feed(ics.Source{ID: "calendar", URL: conf.Calendar.URL}),
		conf.Calendar.CacheTTL,
		nil,
	)

	var backend video.Backend
	if conf.Video.Enabled {
		backend = &video.YTDLP{
			Binary:  conf.Video.Downloader,
			Args:    conf.Video.DownloaderArgs,
			Timeout: conf.Video.DownloadTimeout,
		}
	}

	svc, err := mirror.New(mirror.Config{
		Source:   source,
		Store:    st,
		Layout:   layout,
		Location: conf.Location(),
		Expand: ics.ExpandConfig{
			HorizonDays: conf.Calendar.RecurrenceHorizonDays,
		},
		FullCompare: conf.FullCompare,
		DryRun:      dryRun,
		Extractor:   video.NewExtractor(conf.Video.Hosts),
		Backend:     backend,
		Metrics:     rec,
	})
	if err != nil {
		return err
	}

	if once {
		res, err := svc.RunOnce(ctx)
		if err != nil {
			return err
		}
		if res.Partial() {
			appLog.Warn("pass completed with skipped units; they are retried on the next pass")
		}
		return nil
	}

	return serve(ctx, conf, svc, st, layout, reg, rec)
}

// serve runs scheduled passes and the status API until ctx is cancelled.
func serve(ctx context.Context, conf *config.Config, svc *mirror.Service, st store.Store, layout store.Layout, reg *prometheus.Registry, rec metrics.Recorder) error {
	sched, err := cron.ParseStandard(conf.RefreshCron)
	if err != nil {
		return fmt.Errorf("parse refresh schedule: %w", err)
	}

	cronLog := appLog.CronLogger()

	// One wrapped job instance serves both the startup pass and the
	// schedule, so passes never overlap.
	job := cron.NewChain(
		cron.Recover(cronLog),
		cron.SkipIfStillRunning(cronLog),
	).Then(cron.FuncJob(func() {
		_, _ = svc.RunOnce(ctx)
	}))

	c := cron.New(
		cron.WithLocation(conf.Location()),
		cron.WithLogger(cronLog),
	)
	c.Schedule(sched, job)
	c.Start()

	startup := make(chan struct{})
	go func() {
		defer close(startup)
		job.Run()
	}()

	opts := web.Options{
		CacheMB: conf.Web.CacheMB,
		Metrics: rec,
	}
	if conf.BasicAuth != nil {
		opts.Username = conf.BasicAuth.Username
		opts.Password = conf.BasicAuth.Password
	}
	if conf.Metrics.Enabled {
		opts.Gatherer = reg
	}
	srv := web.NewHTTPServer(conf.Listen, web.NewServer(svc, st, layout, opts).Handler())

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+conf.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLog.Error("HTTP server shutdown failed", err)
	}

	// Wait for a running pass; it observes ctx and stops between units.
	stopped := c.Stop()
	for _, done := range []<-chan struct{}{stopped.Done(), startup} {
		select {
		case <-done:
		case <-shutdownCtx.Done():
			appLog.Warn("pass still running at shutdown")
		}
	}

	appLog.Info("hwmirror exiting")
	return serveErr
}
