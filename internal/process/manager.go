package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// Status represents the current state of a managed process.
type Status string

const (
	StatusStopped Status = "stopped"
	StatusRunning Status = "running"
	StatusFailed  Status = "failed"
)

// ErrRunning is returned by Start when the process is already running.
var ErrRunning = errors.New("process already running")

// Config holds configuration for a managed subprocess.
type Config struct {
	// Name is a human-readable identifier for logging.
	Name string

	// Binary is the path to the executable.
	Binary string

	// Args are command-line arguments to pass to the binary.
	Args []string

	// Env are additional environment variables (key=value format).
	Env []string

	// Output receives stdout and stderr. If nil, output is logged at debug
	// level, which ties the child to this process through a pipe.
	Output io.Writer

	// GracefulTimeout is how long to wait for graceful shutdown before SIGKILL.
	GracefulTimeout time.Duration

	// OnStop is called when the process exits, with nil if Stop was requested.
	OnStop func(err error)
}

// Manager manages the lifecycle of one subprocess.
type Manager struct {
	config Config
	log    zerolog.Logger

	mu            sync.RWMutex
	cmd           *exec.Cmd
	status        Status
	lastError     error
	startTime     time.Time
	stopRequested bool
	done          chan struct{}
}

// NewManager creates a process manager.
func NewManager(cfg Config, log zerolog.Logger) *Manager {
	if cfg.GracefulTimeout == 0 {
		cfg.GracefulTimeout = 10 * time.Second
	}
	return &Manager{
		config: cfg,
		log:    log.With().Str("process", cfg.Name).Logger(),
		status: StatusStopped,
	}
}

// Start launches the subprocess and begins monitoring it. ctx only bounds
// the launch itself.
func (m *Manager) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status == StatusRunning {
		return fmt.Errorf("%s: %w", m.config.Name, ErrRunning)
	}

	cmd := exec.Command(m.config.Binary, m.config.Args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if m.config.Env != nil {
		cmd.Env = append(os.Environ(), m.config.Env...)
	}

	var pipes []io.Reader
	if m.config.Output != nil {
		cmd.Stdout = m.config.Output
		cmd.Stderr = m.config.Output
	} else {
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return fmt.Errorf("create stdout pipe: %w", err)
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return fmt.Errorf("create stderr pipe: %w", err)
		}
		pipes = []io.Reader{stdout, stderr}
	}

	m.log.Info().Str("binary", m.config.Binary).Strs("args", m.config.Args).Msg("starting process")
	if err := cmd.Start(); err != nil {
		m.status = StatusFailed
		m.lastError = err
		return fmt.Errorf("start %s: %w", m.config.Name, err)
	}

	m.cmd = cmd
	m.status = StatusRunning
	m.startTime = time.Now()
	m.stopRequested = false
	m.done = make(chan struct{})

	for _, r := range pipes {
		go m.captureOutput(r)
	}
	go m.monitor(cmd, m.done)

	m.log.Info().Int("pid", cmd.Process.Pid).Msg("process started")
	return nil
}

func (m *Manager) captureOutput(r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		m.log.Debug().Str("output", sc.Text()).Msg("process output")
	}
}

func (m *Manager) monitor(cmd *exec.Cmd, done chan struct{}) {
	err := cmd.Wait()

	m.mu.Lock()
	stopRequested := m.stopRequested
	if stopRequested || err == nil {
		m.status = StatusStopped
	} else {
		m.status = StatusFailed
		m.lastError = err
	}
	m.mu.Unlock()
	close(done)

	if stopRequested {
		m.log.Info().Msg("process stopped as requested")
		err = nil
	} else if err != nil {
		m.log.Warn().Err(err).Msg("process exited unexpectedly")
	} else {
		m.log.Info().Msg("process exited")
	}
	if m.config.OnStop != nil {
		m.config.OnStop(err)
	}
}

// Stop gracefully stops the subprocess.
// It sends SIGTERM and waits for graceful shutdown, then SIGKILL if needed.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if m.status != StatusRunning {
		m.mu.Unlock()
		return nil
	}
	m.stopRequested = true
	pid := m.cmd.Process.Pid
	done := m.done
	m.mu.Unlock()

	m.log.Info().Int("pid", pid).Msg("stopping process")
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		m.log.Warn().Err(err).Msg("send SIGTERM to process group")
	}

	select {
	case <-done:
		return nil
	case <-time.After(m.config.GracefulTimeout):
		m.log.Warn().Dur("timeout", m.config.GracefulTimeout).Msg("graceful shutdown timeout, sending SIGKILL")
	}

	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("kill process group %s: %w", m.config.Name, err)
	}
	<-done
	return nil
}

// Done is closed when the current run exits. It is nil before Start.
func (m *Manager) Done() <-chan struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.done
}

// Status returns the current status of the managed process.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// IsRunning returns true if the process is currently running.
func (m *Manager) IsRunning() bool {
	return m.Status() == StatusRunning
}

// LastError returns the last error that caused the process to exit.
func (m *Manager) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastError
}

// PID returns the process ID, or 0 if not running.
func (m *Manager) PID() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.status == StatusRunning && m.cmd != nil && m.cmd.Process != nil {
		return m.cmd.Process.Pid
	}
	return 0
}

// Uptime returns how long the process has been running.
func (m *Manager) Uptime() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.status != StatusRunning {
		return 0
	}
	return time.Since(m.startTime)
}

// Terminate stops a process this package did not start: SIGTERM, then
// SIGKILL if it is still alive after grace. A pid that no longer exists is
// not an error.
func Terminate(ctx context.Context, pid int, grace time.Duration) error {
	if pid <= 0 {
		return fmt.Errorf("terminate: invalid pid %d", pid)
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return fmt.Errorf("terminate %d: %w", pid, err)
	}

	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			if !Alive(pid) {
				return nil
			}
		case <-deadline.C:
			if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
				return fmt.Errorf("kill %d: %w", pid, err)
			}
			return nil
		}
	}
}

// Alive reports whether a process with pid exists.
func Alive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
