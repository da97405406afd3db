// Package driver launches the automation driver as a child process and
// exposes its stdio pipes.
package driver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/rexliu/drvlink/pkg/config"
)

var (
	ErrNoDriver       = errors.New("no driver configured")
	ErrAlreadyStopped = errors.New("driver already stopped")
)

// Logger receives driver stderr lines and lifecycle messages.
type Logger interface {
	Printf(format string, args ...any)
}

// Process is a running driver. Stdin and Stdout carry the framed protocol.
type Process struct {
	cmd    *exec.Cmd
	stdin  *os.File
	stdout *os.File
	grace  time.Duration
	logger Logger
	desc   string

	done     chan struct{}
	err      error
	stopOnce sync.Once
}

// Command resolves cfg into the command that speaks the protocol on stdio.
// An explicit path wins, then node with a CLI script, then a playwright-go
// managed driver installed under cfg.Directory.
func Command(cfg config.DriverConfig) (*exec.Cmd, error) {
	var cmd *exec.Cmd
	switch {
	case cfg.Path != "":
		cmd = exec.Command(cfg.Path, cfg.Args...)
	case cfg.Node != "":
		cmd = exec.Command(cfg.Node, append([]string{cfg.CLI, "run-driver"}, cfg.Args...)...)
	case cfg.Directory != "" || cfg.Install:
		pw, err := playwright.NewDriver(&playwright.RunOptions{
			DriverDirectory:     cfg.Directory,
			SkipInstallBrowsers: cfg.SkipInstallBrowsers,
			Stdout:              io.Discard,
			Stderr:              io.Discard,
		})
		if err != nil {
			return nil, fmt.Errorf("locate driver: %w", err)
		}
		if cfg.Install {
			if err := pw.Install(); err != nil {
				return nil, fmt.Errorf("install driver: %w", err)
			}
		}
		cmd = pw.Command(append([]string{"run-driver"}, cfg.Args...)...)
	default:
		return nil, ErrNoDriver
	}
	cmd.Env = append(os.Environ(), "PW_LANG_NAME=go", "PW_LANG_NAME_VERSION="+runtime.Version())
	cmd.Env = append(cmd.Env, cfg.Env...)
	return cmd, nil
}

// Start launches the driver described by cfg.
func Start(cfg config.DriverConfig, logger Logger) (*Process, error) {
	cmd, err := Command(cfg)
	if err != nil {
		return nil, err
	}
	return StartCommand(cmd, cfg.StopGrace.Duration, logger)
}

// StartCommand runs a prepared command. Pipes are created here rather than
// with cmd.StdoutPipe so that Wait never closes the read side under a
// connection that is still draining frames.
func StartCommand(cmd *exec.Cmd, grace time.Duration, logger Logger) (*Process, error) {
	if grace <= 0 {
		grace = 500 * time.Millisecond
	}
	inR, inW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		closeAll(inR, inW)
		return nil, err
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		closeAll(inR, inW, outR, outW)
		return nil, err
	}
	cmd.Stdin, cmd.Stdout, cmd.Stderr = inR, outW, errW
	if err := cmd.Start(); err != nil {
		closeAll(inR, inW, outR, outW, errR, errW)
		return nil, fmt.Errorf("start driver: %w", err)
	}
	closeAll(inR, outW, errW)

	p := &Process{
		cmd:    cmd,
		stdin:  inW,
		stdout: outR,
		grace:  grace,
		logger: logger,
		desc:   cmd.String(),
		done:   make(chan struct{}),
	}
	stderrDone := make(chan struct{})
	go p.pumpStderr(errR, stderrDone)
	go func() {
		err := cmd.Wait()
		<-stderrDone
		p.err = err
		p.logf("driver %d exited: %v", cmd.Process.Pid, exitStatus(err))
		close(p.done)
	}()
	return p, nil
}

func (p *Process) pumpStderr(r *os.File, done chan<- struct{}) {
	defer close(done)
	defer r.Close()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		p.logf("driver: %s", sc.Text())
	}
}

// Stdin is where requests are written.
func (p *Process) Stdin() io.WriteCloser { return p.stdin }

// Stdout is where frames are read from. It reaches EOF once the driver exits.
func (p *Process) Stdout() io.ReadCloser { return p.stdout }

// PID returns the child's process id.
func (p *Process) PID() int { return p.cmd.Process.Pid }

// String describes the command line.
func (p *Process) String() string { return p.desc }

// Done is closed once the process has exited.
func (p *Process) Done() <-chan struct{} { return p.done }

// Err returns the exit error after Done is closed, nil for a clean exit.
func (p *Process) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Wait blocks until the process exits or ctx ends.
func (p *Process) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop closes stdin and waits a grace period for the driver to exit on its
// own, then sends SIGTERM, then kills it. Later calls return
// ErrAlreadyStopped.
func (p *Process) Stop() error {
	err := ErrAlreadyStopped
	p.stopOnce.Do(func() {
		err = p.stop()
	})
	return err
}

func (p *Process) stop() error {
	_ = p.stdin.Close()
	select {
	case <-p.done:
		return p.finish()
	case <-time.After(p.grace):
	}
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.logf("driver %d: terminate: %v", p.PID(), err)
	}
	select {
	case <-p.done:
		return p.finish()
	case <-time.After(p.grace):
	}
	p.logf("driver %d ignored SIGTERM, killing", p.PID())
	_ = p.cmd.Process.Kill()
	<-p.done
	return p.finish()
}

// finish treats exits caused by Stop as clean.
func (p *Process) finish() error {
	_ = p.stdout.Close()
	var exitErr *exec.ExitError
	if errors.As(p.err, &exitErr) {
		return nil
	}
	return p.err
}

func (p *Process) logf(format string, args ...any) {
	if p.logger != nil {
		p.logger.Printf(format, args...)
	}
}

func exitStatus(err error) string {
	if err == nil {
		return "exit status 0"
	}
	return err.Error()
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		f.Close()
	}
}
