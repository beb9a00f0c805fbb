package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/dj-oyu/licenseai-gateway/internal/broker"
	"github.com/dj-oyu/licenseai-gateway/internal/config"
	"github.com/dj-oyu/licenseai-gateway/internal/gateway"
	"github.com/dj-oyu/licenseai-gateway/internal/supervisor"
	"github.com/dj-oyu/licenseai-gateway/internal/worker"
)

type probeOptions struct {
	Wait  time.Duration
	Image string
}

func newProbeCmd(cfg *config.Config) *cobra.Command {
	var opts probeOptions
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Start the worker once, wait for readiness and print its status",
		Long: "probe launches the configured worker, waits until it answers the\n" +
			"readiness ping and prints the supervisor status as JSON. With --image\n" +
			"it also runs one detection and prints the result without the image.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProbe(cmd, *cfg, opts)
		},
	}
	cmd.Flags().DurationVar(&opts.Wait, "wait", time.Minute, "How long to wait for readiness")
	cmd.Flags().StringVarP(&opts.Image, "image", "i", "", "Image to run through the worker once ready")
	return cmd
}

func runProbe(cmd *cobra.Command, cfg config.Config, opts probeOptions) error {
	ctx := cmd.Context()
	sup := supervisor.New(worker.ExecLauncher{Spec: cfg.WorkerSpec()}, broker.New(), cfg.SupervisorConfig())
	if err := sup.Start(ctx); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), workerShutdownTimeout)
		defer cancel()
		_ = sup.Shutdown(shutdownCtx)
	}()

	waitErr := waitReady(ctx, sup, opts.Wait)

	out := map[string]any{"status": sup.Status()}
	if waitErr == nil && opts.Image != "" {
		path, err := filepath.Abs(opts.Image)
		if err != nil {
			return err
		}
		result, err := gateway.Infer(ctx, sup, path, cfg.RequestTimeout)
		if err != nil {
			out["error"] = err.Error()
		} else {
			out["result"] = map[string]any{"boxes": result.Boxes, "fps": result.FPS, "image_bytes": len(result.Image)}
		}
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return err
	}
	if waitErr != nil {
		return waitErr
	}
	if e, ok := out["error"].(string); ok {
		return errors.New(e)
	}
	return nil
}

// waitReady polls until the worker is ready, its probe failed, or wait elapses
func waitReady(ctx context.Context, sup *supervisor.Supervisor, wait time.Duration) error {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		st := sup.Status()
		switch {
		case st.Ready:
			return nil
		case st.ProbeError != "":
			return fmt.Errorf("worker probe failed: %s", st.ProbeError)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("worker not ready after %s (state %s)", wait, st.State)
		case <-ticker.C:
		}
	}
}
