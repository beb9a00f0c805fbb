// Package worker owns one inference worker subprocess: its pipes, its
// output stream and its exit.
package worker

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dj-oyu/licenseai-gateway/internal/logger"
)

var log = logger.For("Worker")

// ErrWriteFailed is returned by Write when the process is gone or the pipe broke
var ErrWriteFailed = errors.New("worker write failed")

const (
	readChunkSize      = 32 * 1024
	stderrTailSize     = 20
	defaultKillTimeout = 2 * time.Second
)

// Spec describes how to launch a worker
type Spec struct {
	Path string
	Args []string
	// Env is appended to the gateway's own environment
	Env []string
	Dir string
	// StderrNoise lists substrings whose stderr lines are dropped
	StderrNoise []string
	// KillTimeout is how long Terminate waits before SIGKILL. Zero means 2s.
	KillTimeout time.Duration
}

// Hooks receive process events. Any hook may be nil.
type Hooks struct {
	OnData  func(chunk []byte)
	OnExit  func(code int)
	OnError func(err error)
}

// Process is a running worker subprocess
type Process struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	hooks Hooks
	noise []string

	killTimeout time.Duration

	writeMu sync.Mutex
	alive   atomic.Bool
	done    chan struct{}
	code    int

	terminateOnce sync.Once

	tailMu sync.Mutex
	tail   []string
	tailAt int
}

// Start spawns the worker described by spec. The returned Process is alive
// until the OS reports its exit, at which point hooks.OnExit runs once.
func Start(spec Spec, hooks Hooks) (*Process, error) {
	if spec.Path == "" {
		return nil, fmt.Errorf("worker path is required")
	}

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", spec.Path, err)
	}

	killTimeout := spec.KillTimeout
	if killTimeout <= 0 {
		killTimeout = defaultKillTimeout
	}

	p := &Process{
		cmd:         cmd,
		stdin:       stdin,
		hooks:       hooks,
		noise:       spec.StderrNoise,
		killTimeout: killTimeout,
		done:        make(chan struct{}),
		code:        -1,
		tail:        make([]string, 0, stderrTailSize),
	}
	p.alive.Store(true)

	log.Info("Started %s (pid %d)", spec.Path, cmd.Process.Pid)

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		p.readStdout(stdout)
	}()
	go func() {
		defer readers.Done()
		p.logStderr(stderr)
	}()
	go p.waitProcess(&readers)

	return p, nil
}

// readStdout forwards raw output chunks in stream order
func (p *Process) readStdout(r io.Reader) {
	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 && p.hooks.OnData != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			p.hooks.OnData(chunk)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				log.Warn("stdout read error: %v", err)
				if p.hooks.OnError != nil {
					p.hooks.OnError(err)
				}
			}
			return
		}
	}
}

// logStderr maps the worker's level tags onto our logger
func (p *Process) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" || p.isNoise(line) {
			continue
		}
		p.recordTail(line)

		switch {
		case strings.Contains(line, "[ERROR]"), strings.Contains(line, "[CRITICAL]"):
			log.Error("worker: %s", line)
		case strings.Contains(line, "[WARNING]"), strings.Contains(line, "[WARN]"):
			log.Warn("worker: %s", line)
		case strings.Contains(line, "[DEBUG]"):
			log.Debug("worker: %s", line)
		default:
			log.Info("worker: %s", line)
		}
	}
}

// waitProcess reaps the child once both output pipes are drained, so every
// OnData call happens before OnExit.
func (p *Process) waitProcess(readers *sync.WaitGroup) {
	readers.Wait()
	err := p.cmd.Wait()

	code := -1
	if p.cmd.ProcessState != nil {
		code = p.cmd.ProcessState.ExitCode()
	}
	p.code = code
	p.alive.Store(false)
	close(p.done)

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			log.Warn("wait failed: %v", err)
		}
	}
	log.Info("Worker exited with code %d", code)

	if p.hooks.OnExit != nil {
		p.hooks.OnExit(code)
	}
}

// Write sends b to the worker's stdin. Concurrent writes are serialised.
func (p *Process) Write(b []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if !p.alive.Load() {
		return fmt.Errorf("%w: process not running", ErrWriteFailed)
	}
	if _, err := p.stdin.Write(b); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return nil
}

// Alive reports whether the process has not yet exited
func (p *Process) Alive() bool {
	return p.alive.Load()
}

// Terminate sends SIGTERM and kills the process if it has not exited
// within the kill timeout. It does not block. Calls after the first, or
// after exit, do nothing.
func (p *Process) Terminate() {
	if !p.alive.Load() {
		return
	}
	p.terminateOnce.Do(func() {
		if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			if !errors.Is(err, os.ErrProcessDone) {
				p.Kill()
			}
			return
		}
		go func() {
			select {
			case <-p.done:
			case <-time.After(p.killTimeout):
				log.Warn("pid %d ignored SIGTERM for %s, killing", p.Pid(), p.killTimeout)
				p.Kill()
			}
		}()
	})
}

// Kill sends SIGKILL. It does nothing once the process has exited.
func (p *Process) Kill() {
	if p.alive.Load() {
		_ = p.cmd.Process.Kill()
	}
}

// Done is closed once the process has exited and been reaped
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// ExitCode is -1 while running or when the process died from a signal
func (p *Process) ExitCode() int {
	select {
	case <-p.done:
		return p.code
	default:
		return -1
	}
}

// Pid returns the OS process id
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// StderrTail returns the most recent stderr lines, oldest first
func (p *Process) StderrTail() []string {
	p.tailMu.Lock()
	defer p.tailMu.Unlock()

	if len(p.tail) < stderrTailSize {
		return append([]string(nil), p.tail...)
	}
	out := make([]string, 0, stderrTailSize)
	out = append(out, p.tail[p.tailAt:]...)
	return append(out, p.tail[:p.tailAt]...)
}

func (p *Process) recordTail(line string) {
	p.tailMu.Lock()
	defer p.tailMu.Unlock()

	if len(p.tail) < stderrTailSize {
		p.tail = append(p.tail, line)
		return
	}
	p.tail[p.tailAt] = line
	p.tailAt = (p.tailAt + 1) % stderrTailSize
}

func (p *Process) isNoise(line string) bool {
	for _, n := range p.noise {
		if n != "" && strings.Contains(line, n) {
			return true
		}
	}
	return false
}
