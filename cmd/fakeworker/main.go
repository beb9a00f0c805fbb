// fakeworker is a drop-in replacement for inference_service.py that needs
// no model or GPU. It accepts and ignores --model.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dj-oyu/licenseai-gateway/internal/workersim"
)

func main() {
	var opts workersim.Options
	flag.String("model", "", "Model path (ignored)")
	flag.DurationVar(&opts.Delay, "delay", 0, "Delay before each reply")
	flag.IntVar(&opts.CrashAfter, "crash-after", 0, "Exit with status 3 after N requests (0 = never)")
	flag.Float64Var(&opts.FPS, "fps", 30, "FPS reported per frame")
	flag.Parse()

	opts.Stderr = os.Stderr

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	err := workersim.Run(ctx, os.Stdin, os.Stdout, opts)
	switch {
	case errors.Is(err, workersim.ErrCrashed):
		os.Exit(3)
	case err != nil && !errors.Is(err, context.Canceled):
		fmt.Fprintf(os.Stderr, "[ERROR] %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "[INFO] fakeworker stopped after %s\n", time.Since(start).Round(time.Millisecond))
}
