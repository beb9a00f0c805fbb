// Package config holds gateway settings with their defaults, environment
// overrides and validation.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dj-oyu/licenseai-gateway/internal/feed"
	"github.com/dj-oyu/licenseai-gateway/internal/logger"
	"github.com/dj-oyu/licenseai-gateway/internal/supervisor"
	"github.com/dj-oyu/licenseai-gateway/internal/worker"
)

// Config defines the runtime configuration of the gateway
type Config struct {
	Addr           string
	CORSOrigin     string
	UploadDir      string
	MaxUploadBytes int64
	ValidateImages bool
	RequestTimeout time.Duration
	StatusInterval time.Duration

	// Worker launch
	ProjectRoot  string
	Python       string
	Script       string // relative to ProjectRoot unless absolute
	Model        string // empty selects License.engine, then License.pt
	WorkerBinary string // runs instead of Python + Script, e.g. fakeworker
	StderrNoise  []string

	// Worker lifecycle
	SettleDelay   time.Duration
	ProbeTimeout  time.Duration
	RestartDelay  time.Duration
	ShutdownGrace time.Duration
	BackoffFactor float64
	BackoffMax    time.Duration

	// Optional collaborators
	DatabaseURL    string
	FeedEnabled    bool
	ICEServers     []string
	MaxFeedClients int
	MetricsAddr    string
	PprofAddr      string

	LogLevel string
	LogColor bool
}

// Default returns the built-in configuration
func Default() Config {
	sup := supervisor.DefaultConfig()
	fc := feed.DefaultConfig()
	return Config{
		Addr:           ":4000",
		CORSOrigin:     "*",
		UploadDir:      "temp",
		MaxUploadBytes: 10 << 20,
		ValidateImages: true,
		RequestTimeout: 30 * time.Second,
		StatusInterval: 2 * time.Second,

		ProjectRoot: "..",
		Python:      "python",
		Script:      filepath.Join("LicenseAI", "inference_service.py"),
		StderrNoise: []string{"TRT"},

		SettleDelay:   sup.SettleDelay,
		ProbeTimeout:  sup.ProbeTimeout,
		RestartDelay:  sup.RestartDelay,
		ShutdownGrace: sup.ShutdownGrace,

		ICEServers:     fc.ICEServers,
		MaxFeedClients: fc.MaxClients,

		LogLevel: "info",
		LogColor: true,
	}
}

// ApplyEnv overrides fields from the environment. lookup is os.LookupEnv
// outside tests.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	if v, ok := lookup("PORT"); ok && v != "" {
		if _, err := strconv.ParseUint(v, 10, 16); err != nil {
			return fmt.Errorf("PORT: invalid port %q", v)
		}
		c.Addr = ":" + v
	}
	str("DATABASE_URL", &c.DatabaseURL)
	str("LICENSEAI_ADDR", &c.Addr)
	str("LICENSEAI_CORS_ORIGIN", &c.CORSOrigin)
	str("LICENSEAI_UPLOAD_DIR", &c.UploadDir)
	str("LICENSEAI_PROJECT_ROOT", &c.ProjectRoot)
	str("LICENSEAI_PYTHON", &c.Python)
	str("LICENSEAI_SCRIPT", &c.Script)
	str("LICENSEAI_MODEL", &c.Model)
	str("LICENSEAI_WORKER", &c.WorkerBinary)
	str("LICENSEAI_METRICS_ADDR", &c.MetricsAddr)
	str("LICENSEAI_LOG_LEVEL", &c.LogLevel)

	if v, ok := lookup("LICENSEAI_REQUEST_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("LICENSEAI_REQUEST_TIMEOUT: %w", err)
		}
		c.RequestTimeout = d
	}
	if v, ok := lookup("LICENSEAI_FEED"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("LICENSEAI_FEED: %w", err)
		}
		c.FeedEnabled = b
	}
	if v, ok := lookup("LICENSEAI_STUN"); ok && v != "" {
		c.ICEServers = splitList(v)
	}
	return nil
}

// Validate reports every invalid field at once
func (c Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("addr must not be empty"))
	} else if _, err := c.Port(); err != nil {
		errs = append(errs, err)
	}
	if c.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("max upload bytes must be positive"))
	}
	for name, d := range map[string]time.Duration{
		"request timeout": c.RequestTimeout,
		"probe timeout":   c.ProbeTimeout,
		"status interval": c.StatusInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.SettleDelay < 0 || c.RestartDelay < 0 || c.ShutdownGrace < 0 {
		errs = append(errs, errors.New("delays must not be negative"))
	}
	if c.BackoffFactor < 0 {
		errs = append(errs, errors.New("backoff factor must not be negative"))
	}
	if c.WorkerBinary == "" && (c.Python == "" || c.Script == "") {
		errs = append(errs, errors.New("python and script are required without a worker binary"))
	}
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.FeedEnabled && c.MaxFeedClients <= 0 {
		errs = append(errs, errors.New("max feed clients must be positive"))
	}
	return errors.Join(errs...)
}

// Port returns the numeric port of Addr
func (c Config) Port() (int, error) {
	_, p, err := net.SplitHostPort(c.Addr)
	if err != nil {
		return 0, fmt.Errorf("invalid addr %q: %w", c.Addr, err)
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return 0, fmt.Errorf("invalid port in addr %q", c.Addr)
	}
	return port, nil
}

// ResolveModel picks the explicit model, else the TensorRT engine when it
// exists, else the PyTorch weights when they exist, else the engine path.
func (c Config) ResolveModel() string {
	if c.Model != "" {
		return c.resolve(c.Model)
	}
	engine := c.resolve(filepath.Join("LicenseAI", "License.engine"))
	pt := c.resolve(filepath.Join("LicenseAI", "License.pt"))
	if fileExists(engine) {
		return engine
	}
	if fileExists(pt) {
		return pt
	}
	return engine
}

// WorkerSpec builds the launch description for the worker process
func (c Config) WorkerSpec() worker.Spec {
	model := c.ResolveModel()
	spec := worker.Spec{
		Dir:         c.resolve("."),
		Env:         []string{"TRT_LOGGER_VERBOSITY=ERROR"},
		StderrNoise: c.StderrNoise,
	}
	if c.WorkerBinary != "" {
		spec.Path = c.WorkerBinary
		spec.Args = []string{"--model", model}
		return spec
	}
	spec.Path = c.Python
	spec.Args = []string{c.resolve(c.Script), "--model", model}
	return spec
}

// SupervisorConfig returns the lifecycle timings
func (c Config) SupervisorConfig() supervisor.Config {
	return supervisor.Config{
		SettleDelay:   c.SettleDelay,
		ProbeTimeout:  c.ProbeTimeout,
		RestartDelay:  c.RestartDelay,
		ShutdownGrace: c.ShutdownGrace,
		Backoff:       supervisor.Backoff{Factor: c.BackoffFactor, Max: c.BackoffMax},
	}
}

// FeedConfig returns the WebRTC feed settings
func (c Config) FeedConfig() feed.Config {
	fc := feed.DefaultConfig()
	fc.ICEServers = c.ICEServers
	fc.MaxClients = c.MaxFeedClients
	return fc
}

func (c Config) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	root, err := filepath.Abs(c.ProjectRoot)
	if err != nil {
		root = c.ProjectRoot
	}
	return filepath.Join(root, p)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
