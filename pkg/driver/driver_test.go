package driver

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rexliu/drvlink/pkg/config"
	"github.com/rexliu/drvlink/pkg/conn"
	"github.com/rexliu/drvlink/pkg/drivertest"
)

const helperEnv = "DRVLINK_DRIVER_HELPER"

// TestMain doubles as the driver binary: with helperEnv set, the test
// executable behaves like a driver instead of running tests.
func TestMain(m *testing.M) {
	switch os.Getenv(helperEnv) {
	case "":
		os.Exit(m.Run())
	case "serve":
		fmt.Fprintln(os.Stderr, "fake driver listening")
		if err := drivertest.New().Serve(context.Background(), os.Stdin, os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(0)
	case "stubborn":
		signal.Ignore(syscall.SIGTERM)
		fmt.Fprintln(os.Stderr, "ignoring you")
		time.Sleep(time.Minute)
		os.Exit(0)
	case "crash":
		fmt.Fprintln(os.Stderr, "something broke")
		os.Exit(3)
	}
}

type lineLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *lineLogger) Printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}

func (l *lineLogger) contains(sub string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, line := range l.lines {
		if strings.Contains(line, sub) {
			return true
		}
	}
	return false
}

func helperConfig(mode string) config.DriverConfig {
	return config.DriverConfig{
		Path:      os.Args[0],
		Args:      []string{"-test.run=^$"},
		Env:       []string{helperEnv + "=" + mode},
		StopGrace: config.Duration{Duration: 200 * time.Millisecond},
	}
}

func TestCommandResolution(t *testing.T) {
	cmd, err := Command(config.DriverConfig{Path: "/opt/driver", Args: []string{"--x"}, Env: []string{"A=1"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"/opt/driver", "--x"}, cmd.Args)
	assert.Contains(t, cmd.Env, "PW_LANG_NAME=go")
	assert.Equal(t, "A=1", cmd.Env[len(cmd.Env)-1])

	cmd, err = Command(config.DriverConfig{Node: "/usr/bin/node", CLI: "/pw/cli.js"})
	require.NoError(t, err)
	assert.Equal(t, []string{"/usr/bin/node", "/pw/cli.js", "run-driver"}, cmd.Args)

	_, err = Command(config.DriverConfig{})
	assert.ErrorIs(t, err, ErrNoDriver)
}

func TestProcessSpeaksProtocol(t *testing.T) {
	logger := &lineLogger{}
	p, err := Start(helperConfig("serve"), logger)
	require.NoError(t, err)

	c := conn.New(p.Stdout(), p.Stdin())
	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pw, err := c.WaitReady(ctx)
	require.NoError(t, err)
	_, ok := pw.BrowserType("webkit")
	assert.True(t, ok)

	require.NoError(t, c.Close())
	require.NoError(t, <-runErr)
	require.NoError(t, p.Stop())
	assert.ErrorIs(t, p.Stop(), ErrAlreadyStopped)
	assert.True(t, logger.contains("driver: fake driver listening"))
}

func TestStopEscalatesToKill(t *testing.T) {
	logger := &lineLogger{}
	p, err := Start(helperConfig("stubborn"), logger)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return logger.contains("ignoring you") }, 5*time.Second, 10*time.Millisecond)

	start := time.Now()
	require.NoError(t, p.Stop())
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.True(t, logger.contains("killing"))
	select {
	case <-p.Done():
	default:
		t.Fatal("process still running after Stop")
	}
}

func TestExitErrorIsReported(t *testing.T) {
	logger := &lineLogger{}
	p, err := Start(helperConfig("crash"), logger)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = p.Wait(ctx)
	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 3, exitErr.ExitCode())
	assert.Equal(t, err, p.Err())
	assert.True(t, logger.contains("driver: something broke"))

	data, err := io.ReadAll(p.Stdout())
	require.NoError(t, err)
	assert.Empty(t, data)
}
