// Package supervisor keeps exactly one inference worker running: it spawns
// it, probes it, gates traffic on readiness and restarts it after it exits.
package supervisor

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/dj-oyu/licenseai-gateway/internal/broker"
	"github.com/dj-oyu/licenseai-gateway/internal/logger"
	"github.com/dj-oyu/licenseai-gateway/internal/metrics"
	"github.com/dj-oyu/licenseai-gateway/internal/protocol"
	"github.com/dj-oyu/licenseai-gateway/internal/worker"
)

var log = logger.For("Supervisor")

// State is the lifecycle phase of the current worker generation
type State string

const (
	StateIdle         State = "idle"
	StateStarting     State = "starting"
	StateProbing      State = "probing"
	StateReady        State = "ready"
	StateDisconnected State = "disconnected"
	StateRestarting   State = "restarting"
	StateStopped      State = "stopped"
)

// Backoff grows the restart delay after consecutive failed generations.
// A Factor of 1 or less keeps the delay fixed.
type Backoff struct {
	Factor float64
	Max    time.Duration
}

// Config holds supervisor timing
type Config struct {
	SettleDelay   time.Duration // wait after spawn before the first ping
	ProbeTimeout  time.Duration
	RestartDelay  time.Duration
	ShutdownGrace time.Duration // time the worker gets to honour exit
	Backoff       Backoff
}

// DefaultConfig returns the production timings
func DefaultConfig() Config {
	return Config{
		SettleDelay:   3 * time.Second,
		ProbeTimeout:  30 * time.Second,
		RestartDelay:  2 * time.Second,
		ShutdownGrace: time.Second,
	}
}

// Status is a point-in-time view of the supervisor
type Status struct {
	State        State      `json:"state"`
	Ready        bool       `json:"ready"`
	Generation   uint64     `json:"generation"`
	PID          int        `json:"pid,omitempty"`
	Restarts     uint64     `json:"restarts"`
	Pending      int        `json:"pending"`
	Since        time.Time  `json:"since"`
	ProbeError   string     `json:"probe_error,omitempty"`
	LastExitCode *int       `json:"last_exit_code,omitempty"`
	LastExitAt   *time.Time `json:"last_exit_at,omitempty"`
	StderrTail   []string   `json:"stderr_tail,omitempty"`
}

// Supervisor owns the worker lifecycle. Readiness is only ever changed here.
type Supervisor struct {
	cfg      Config
	launcher worker.Launcher
	broker   *broker.Broker
	metrics  *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	started      bool
	stopping     bool
	state        State
	since        time.Time
	ready        bool
	gen          uint64
	handle       worker.Handle
	exited       chan struct{} // closed when the current generation exits
	settleTimer  *time.Timer
	restartTimer *time.Timer
	attempt      int
	restarts     uint64
	probeErr     string
	lastExitCode *int
	lastExitAt   *time.Time
	lastTail     []string
}

// Option configures a Supervisor
type Option func(*Supervisor)

// WithMetrics publishes readiness, generation and restarts into m
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

// New creates a Supervisor that launches workers through launcher and
// routes their traffic through b.
func New(launcher worker.Launcher, b *broker.Broker, cfg Config, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:      cfg,
		launcher: launcher,
		broker:   b,
		state:    StateIdle,
		since:    time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the first generation. Spawn failures are not returned;
// they are handled like an exit and retried after the restart delay.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("supervisor already started")
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.spawn()
	return nil
}

// Ready reports whether the current worker has passed its probe
func (s *Supervisor) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// State returns the current lifecycle phase
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns a snapshot for the status endpoints
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	st := Status{
		State:        s.state,
		Ready:        s.ready,
		Generation:   s.gen,
		Restarts:     s.restarts,
		Since:        s.since,
		ProbeError:   s.probeErr,
		LastExitCode: s.lastExitCode,
		LastExitAt:   s.lastExitAt,
		StderrTail:   s.lastTail,
	}
	h := s.handle
	s.mu.Unlock()

	if h != nil {
		st.PID = h.Pid()
		if tail := h.StderrTail(); len(tail) > 0 {
			st.StderrTail = tail
		}
	}
	st.Pending = s.broker.Pending()
	return st
}

// Submit forwards req to the worker once it is ready
func (s *Supervisor) Submit(ctx context.Context, req protocol.Request, timeout time.Duration) (protocol.Reply, error) {
	if !s.Ready() {
		s.metrics.ObserveRequest(req.Action, metrics.OutcomeUnavailable, 0)
		return protocol.Reply{}, broker.ErrServiceUnavailable
	}
	return s.broker.Submit(ctx, req, timeout)
}

// Shutdown stops restarts and asks the worker to exit. A worker still
// running after the grace period gets SIGTERM, and SIGKILL after a second
// grace period or when ctx ends first. It returns once the worker exited
// or ctx is done.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.stopping {
		exited := s.exited
		s.mu.Unlock()
		return waitClosed(ctx, exited)
	}
	s.stopping = true
	stopTimer(s.settleTimer)
	stopTimer(s.restartTimer)
	s.setReadyLocked(false)
	h, exited := s.handle, s.exited
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.setStateLocked(StateStopped)
		s.mu.Unlock()
		if s.cancel != nil {
			s.cancel()
		}
	}()

	if h == nil || !h.Alive() {
		return nil
	}

	log.Info("Shutting down worker (pid %d)", h.Pid())
	// A write stuck on a full stdin pipe must not hold up the kill path
	go func() {
		if err := s.broker.Notify(protocol.Exit()); err != nil {
			log.Debug("Exit request not delivered: %v", err)
		}
	}()

	select {
	case <-exited:
		return nil
	case <-time.After(s.cfg.ShutdownGrace):
		log.Warn("Worker still running after %s, terminating", s.cfg.ShutdownGrace)
		h.Terminate()
	case <-ctx.Done():
		h.Kill()
		return ctx.Err()
	}

	select {
	case <-exited:
		return nil
	case <-time.After(s.cfg.ShutdownGrace):
		log.Warn("Worker ignored SIGTERM, killing pid %d", h.Pid())
		h.Kill()
	case <-ctx.Done():
		h.Kill()
		return ctx.Err()
	}
	return waitClosed(ctx, exited)
}

func (s *Supervisor) spawn() {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return
	}
	s.gen++
	gen := s.gen
	exited := make(chan struct{})
	s.exited = exited
	s.handle = nil
	s.probeErr = ""
	s.setReadyLocked(false)
	s.setStateLocked(StateStarting)
	s.mu.Unlock()

	s.metrics.SetGeneration(gen)

	decoder := protocol.NewDecoder()
	decoder.OnMalformed = func([]byte) { s.metrics.IncDecodeErrors() }

	hooks := worker.Hooks{
		// The worker handle calls OnData from a single goroutine
		OnData: func(chunk []byte) {
			for _, msg := range decoder.Feed(chunk) {
				s.broker.Deliver(gen, msg)
			}
		},
		OnExit: func(code int) {
			s.handleExit(gen, &code)
		},
		OnError: func(err error) {
			log.Error("Worker generation %d stream error: %v", gen, err)
			s.terminate(gen)
		},
	}

	log.Info("Starting worker generation %d", gen)
	h, err := s.launcher.Launch(hooks)
	if err != nil {
		log.Error("Failed to start inference service: %v", err)
		s.handleExit(gen, nil)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || isClosed(exited) {
		// Exited before Launch returned
		return
	}
	s.handle = h
	s.broker.Attach(gen, h)
	if s.stopping {
		h.Terminate()
		return
	}
	s.settleTimer = time.AfterFunc(s.cfg.SettleDelay, func() { s.probe(gen) })
}

func (s *Supervisor) probe(gen uint64) {
	s.mu.Lock()
	if s.gen != gen || s.stopping || s.handle == nil {
		s.mu.Unlock()
		return
	}
	s.setStateLocked(StateProbing)
	ctx := s.ctx
	s.mu.Unlock()

	reply, err := s.broker.Submit(ctx, protocol.Ping(), s.cfg.ProbeTimeout)
	if err == nil && reply.Failed() {
		err = errors.New(reply.Error)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || s.state != StateProbing {
		return
	}
	if err != nil {
		// Stay non-ready; only an exit triggers a restart
		s.probeErr = err.Error()
		log.Error("Service health check failed: %v", err)
		return
	}
	s.attempt = 0
	s.setReadyLocked(true)
	s.setStateLocked(StateReady)
	log.Info("Inference service ready (generation %d)", gen)
}

// handleExit is the single place a generation ends. code is nil when the
// process never started.
func (s *Supervisor) handleExit(gen uint64, code *int) {
	s.mu.Lock()
	if s.gen != gen || isClosed(s.exited) {
		s.mu.Unlock()
		log.Debug("Ignoring exit of stale generation %d", gen)
		return
	}
	close(s.exited)
	stopTimer(s.settleTimer)
	s.setReadyLocked(false)

	now := time.Now()
	s.lastExitAt = &now
	s.lastExitCode = code
	if s.handle != nil {
		s.lastTail = s.handle.StderrTail()
	}
	s.handle = nil
	stopping := s.stopping
	if stopping {
		s.setStateLocked(StateStopped)
	} else {
		s.setStateLocked(StateDisconnected)
	}
	s.mu.Unlock()

	if failed := s.broker.Detach(gen); failed > 0 {
		log.Warn("Failed %d in-flight request(s) after worker exit", failed)
	}
	if code != nil {
		log.Warn("Inference service exited with code %d", *code)
	}
	if stopping {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping || s.gen != gen {
		return
	}
	delay := s.nextDelayLocked()
	s.restarts++
	s.setStateLocked(StateRestarting)
	s.metrics.IncRestarts()
	log.Info("Restarting inference service in %s", delay)
	s.restartTimer = time.AfterFunc(delay, s.spawn)
}

func (s *Supervisor) terminate(gen uint64) {
	s.mu.Lock()
	h := s.handle
	current := s.gen == gen
	s.mu.Unlock()
	if current && h != nil {
		h.Terminate()
	}
}

func (s *Supervisor) nextDelayLocked() time.Duration {
	delay := backoffDelay(s.cfg.RestartDelay, s.cfg.Backoff, s.attempt)
	s.attempt++
	return delay
}

func backoffDelay(base time.Duration, b Backoff, attempt int) time.Duration {
	if b.Factor <= 1 || attempt == 0 {
		return base
	}
	d := time.Duration(float64(base) * math.Pow(b.Factor, float64(attempt)))
	if b.Max > 0 && (d > b.Max || d <= 0) {
		return b.Max
	}
	return d
}

func (s *Supervisor) setStateLocked(st State) {
	if s.state == st {
		return
	}
	log.Debug("State %s -> %s (generation %d)", s.state, st, s.gen)
	s.state = st
	s.since = time.Now()
}

func (s *Supervisor) setReadyLocked(ready bool) {
	s.ready = ready
	s.metrics.SetReady(ready)
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func isClosed(ch chan struct{}) bool {
	if ch == nil {
		return false
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func waitClosed(ctx context.Context, ch chan struct{}) error {
	if ch == nil {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
