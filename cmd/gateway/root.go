package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/dj-oyu/licenseai-gateway/internal/config"
	"github.com/dj-oyu/licenseai-gateway/internal/logger"
)

// Version is the gateway version
const Version = "0.3.0"

func newRootCmd() *cobra.Command {
	// Environment values become the flag defaults so explicit flags win
	cfg := config.Default()
	envErr := cfg.ApplyEnv(os.LookupEnv)

	root := &cobra.Command{
		Use:           "gateway",
		Short:         "HTTP gateway for the LicenseAI plate detection worker",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if envErr != nil {
				return fmt.Errorf("environment: %w", envErr)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration:\n%w", err)
			}
			level, _ := logger.ParseLevel(cfg.LogLevel)
			logger.Init(level, os.Stderr, cfg.LogColor)
			return nil
		},
	}
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	bindWorkerFlags(root.PersistentFlags(), &cfg)

	root.AddCommand(newServeCmd(&cfg), newProbeCmd(&cfg), newVersionCmd())
	return root
}

// bindWorkerFlags registers the settings every subcommand needs to launch a worker
func bindWorkerFlags(fs *pflag.FlagSet, cfg *config.Config) {
	fs.StringVar(&cfg.ProjectRoot, "project-root", cfg.ProjectRoot, "Directory containing LicenseAI/")
	fs.StringVar(&cfg.Python, "python", cfg.Python, "Python interpreter")
	fs.StringVar(&cfg.Script, "script", cfg.Script, "Worker script, relative to --project-root")
	fs.StringVar(&cfg.Model, "model", cfg.Model, "Model file (default: License.engine, else License.pt)")
	fs.StringVar(&cfg.WorkerBinary, "worker", cfg.WorkerBinary, "Worker executable to run instead of python (e.g. fakeworker)")
	fs.StringSliceVar(&cfg.StderrNoise, "stderr-noise", cfg.StderrNoise, "Worker stderr substrings to drop")
	fs.DurationVar(&cfg.SettleDelay, "settle-delay", cfg.SettleDelay, "Wait after spawn before probing")
	fs.DurationVar(&cfg.ProbeTimeout, "probe-timeout", cfg.ProbeTimeout, "Readiness ping timeout")
	fs.DurationVar(&cfg.ShutdownGrace, "shutdown-grace", cfg.ShutdownGrace, "Wait after exit request before terminating the worker")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error, silent)")
	fs.BoolVar(&cfg.LogColor, "log-color", cfg.LogColor, "Enable colored log output")
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the gateway version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), Version)
		},
	}
}
