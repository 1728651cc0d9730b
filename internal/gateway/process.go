package gateway

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// Process is a running agent reachable over its stdio.
type Process interface {
	Stdout() io.Reader
	Stdin() io.Writer
	PID() int
	// Stop terminates the agent and waits for it. Safe to call repeatedly.
	Stop(ctx context.Context) error
}

// Launcher starts an agent process.
type Launcher func(ctx context.Context) (Process, error)

type agentProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr *io.PipeWriter
	grace  time.Duration
	logger *slog.Logger

	stopOnce sync.Once
	stopErr  error
}

// ExecLauncher spawns cfg.Binary with its stderr forwarded to logger.
func ExecLauncher(cfg Config, logger *slog.Logger) Launcher {
	return func(ctx context.Context) (Process, error) {
		return startProcess(ctx, cfg, logger)
	}
}

func startProcess(ctx context.Context, cfg Config, logger *slog.Logger) (*agentProcess, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.Binary == "" {
		return nil, errors.New("agent binary not configured")
	}
	path, err := exec.LookPath(cfg.Binary)
	if err != nil {
		return nil, fmt.Errorf("find agent binary: %w", err)
	}

	// The process outlives ctx; it is ended by Stop.
	cmd := exec.Command(path, cfg.Args...)
	cmd.Dir = cfg.WorkDir
	cmd.Env = os.Environ()
	if cfg.HomeDir != "" {
		cmd.Env = append(cmd.Env, "CODEX_HOME="+cfg.HomeDir)
	}
	cmd.WaitDelay = cfg.StopGrace

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	errR, errW := io.Pipe()
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		_ = errW.Close()
		return nil, fmt.Errorf("start %s: %w", cfg.Binary, err)
	}

	p := &agentProcess{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: errW,
		grace:  cfg.StopGrace,
		logger: logger.With("pid", cmd.Process.Pid),
	}
	go p.forwardStderr(errR)
	p.logger.Info("agent process started", "binary", path)
	return p, nil
}

func (p *agentProcess) Stdout() io.Reader { return p.stdout }
func (p *agentProcess) Stdin() io.Writer  { return p.stdin }
func (p *agentProcess) PID() int          { return p.cmd.Process.Pid }

// Stop closes stdin, interrupts the agent and kills it if it is still
// running after the grace period or once ctx is done.
func (p *agentProcess) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() {
		_ = p.stdin.Close()
		if err := p.cmd.Process.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
			_ = p.cmd.Process.Kill()
		}

		waitCh := make(chan error, 1)
		go func() { waitCh <- p.cmd.Wait() }()

		timer := time.NewTimer(p.grace)
		defer timer.Stop()

		var err error
		select {
		case err = <-waitCh:
		case <-timer.C:
			p.logger.Warn("agent did not exit in time, killing")
			_ = p.cmd.Process.Kill()
			err = <-waitCh
		case <-ctx.Done():
			_ = p.cmd.Process.Kill()
			err = <-waitCh
		}
		_ = p.stderr.Close()

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			p.logger.Info("agent process exited", "status", exitErr.String())
			err = nil
		}
		p.stopErr = err
	})
	return p.stopErr
}

func (p *agentProcess) forwardStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			p.logger.Debug("agent stderr", "line", line)
		}
	}
	// Keep draining so the child never blocks on a full pipe.
	_, _ = io.Copy(io.Discard, r)
}
