package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof" // registers on http.DefaultServeMux for --pprof
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dj-oyu/licenseai-gateway/internal/broker"
	"github.com/dj-oyu/licenseai-gateway/internal/config"
	"github.com/dj-oyu/licenseai-gateway/internal/feed"
	"github.com/dj-oyu/licenseai-gateway/internal/gateway"
	"github.com/dj-oyu/licenseai-gateway/internal/logger"
	"github.com/dj-oyu/licenseai-gateway/internal/metrics"
	"github.com/dj-oyu/licenseai-gateway/internal/store"
	"github.com/dj-oyu/licenseai-gateway/internal/supervisor"
	"github.com/dj-oyu/licenseai-gateway/internal/upload"
	"github.com/dj-oyu/licenseai-gateway/internal/worker"
)

var log = logger.For("Main")

const (
	httpShutdownTimeout   = 10 * time.Second
	workerShutdownTimeout = 5 * time.Second
	resultBuffer          = 256
)

func newServeCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway and supervise the worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), *cfg)
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "HTTP listen address")
	fs.StringVar(&cfg.CORSOrigin, "cors-origin", cfg.CORSOrigin, "Access-Control-Allow-Origin value")
	fs.StringVar(&cfg.UploadDir, "upload-dir", cfg.UploadDir, "Directory for spooled uploads")
	fs.Int64Var(&cfg.MaxUploadBytes, "max-upload-bytes", cfg.MaxUploadBytes, "Largest accepted image")
	fs.BoolVar(&cfg.ValidateImages, "validate-images", cfg.ValidateImages, "Reject uploads that are not decodable images")
	fs.DurationVar(&cfg.RequestTimeout, "request-timeout", cfg.RequestTimeout, "Per-request worker timeout")
	fs.DurationVar(&cfg.StatusInterval, "status-interval", cfg.StatusInterval, "Status stream interval")
	fs.DurationVar(&cfg.RestartDelay, "restart-delay", cfg.RestartDelay, "Wait before restarting an exited worker")
	fs.Float64Var(&cfg.BackoffFactor, "backoff-factor", cfg.BackoffFactor, "Restart delay multiplier per consecutive failure (0 disables)")
	fs.DurationVar(&cfg.BackoffMax, "backoff-max", cfg.BackoffMax, "Upper bound for the restart delay")
	fs.StringVar(&cfg.DatabaseURL, "db", cfg.DatabaseURL, "PostgreSQL connection string for the result log")
	fs.BoolVar(&cfg.FeedEnabled, "feed", cfg.FeedEnabled, "Enable the WebRTC result feed")
	fs.StringSliceVar(&cfg.ICEServers, "stun", cfg.ICEServers, "STUN server URLs")
	fs.IntVar(&cfg.MaxFeedClients, "max-feed-clients", cfg.MaxFeedClients, "Maximum WebRTC feed clients")
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "Separate metrics server address (empty: /metrics on --addr only)")
	fs.StringVar(&cfg.PprofAddr, "pprof", cfg.PprofAddr, "pprof server address (empty disables)")
	return cmd
}

func runServe(ctx context.Context, cfg config.Config) error {
	port, err := cfg.Port()
	if err != nil {
		return err
	}

	m := metrics.New()
	spool, err := upload.NewSpool(cfg.UploadDir, cfg.MaxUploadBytes, m)
	if err != nil {
		return err
	}

	opts := gateway.Options{
		Port:           port,
		CORSOrigin:     cfg.CORSOrigin,
		RequestTimeout: cfg.RequestTimeout,
		StatusInterval: cfg.StatusInterval,
		ValidateImages: cfg.ValidateImages,
		Metrics:        m,
	}

	var (
		db      *store.Store
		results *store.Writer
		feedSrv *feed.Server
	)
	if cfg.DatabaseURL != "" {
		db, err = store.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open result store: %w", err)
		}
		defer db.Close()
		results = store.NewWriter(db, resultBuffer)
		opts.Results = results
		opts.History = db
	}
	if cfg.FeedEnabled {
		feedSrv = feed.NewServer(cfg.FeedConfig(), m)
		opts.Feed = feedSrv
	}

	spec := cfg.WorkerSpec()
	log.Info("LicenseAI gateway starting")
	log.Info("  HTTP: %s", cfg.Addr)
	log.Info("  Worker: %s %v", spec.Path, spec.Args)
	log.Info("  Uploads: %s (max %d bytes)", spool.Dir(), spool.MaxBytes())

	sup := supervisor.New(worker.ExecLauncher{Spec: spec}, broker.New(broker.WithMetrics(m)),
		cfg.SupervisorConfig(), supervisor.WithMetrics(m))
	if err := sup.Start(ctx); err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           gateway.NewServer(sup, spool, opts).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	servers := []*http.Server{httpServer}
	if cfg.MetricsAddr != "" {
		servers = append(servers, m.NewServer(cfg.MetricsAddr))
	}
	if cfg.PprofAddr != "" {
		servers = append(servers, &http.Server{Addr: cfg.PprofAddr, Handler: http.DefaultServeMux, ReadHeaderTimeout: 10 * time.Second})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			log.Info("Listening on %s", srv.Addr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server %s: %w", srv.Addr, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warn("Shutdown %s: %v", srv.Addr, err)
			}
		}

		workerCtx, cancelWorker := context.WithTimeout(context.Background(), workerShutdownTimeout)
		defer cancelWorker()
		if err := sup.Shutdown(workerCtx); err != nil {
			log.Warn("Worker shutdown: %v", err)
		}

		if feedSrv != nil {
			_ = feedSrv.Close()
		}
		if results != nil {
			results.Close()
			written, dropped, failed := results.Stats()
			log.Info("Result log: %d written, %d dropped, %d failed", written, dropped, failed)
		}
		if n := spool.Outstanding(); n > 0 {
			log.Warn("%d uploads still spooled in %s", n, spool.Dir())
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("Gateway stopped")
	return nil
}
