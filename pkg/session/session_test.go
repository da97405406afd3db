package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rexliu/drvlink/pkg/config"
	"github.com/rexliu/drvlink/pkg/conn"
	"github.com/rexliu/drvlink/pkg/core"
	"github.com/rexliu/drvlink/pkg/drivertest"
	"github.com/rexliu/drvlink/pkg/ipc"
	"github.com/rexliu/drvlink/pkg/storage/sqlite"
)

const helperEnv = "DRVLINK_SESSION_HELPER"

func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "serve" {
		if err := drivertest.New(drivertest.WaitForInitialize()).Serve(context.Background(), os.Stdin, os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default("test")
	cfg.Connection.ReadyTimeout = config.Duration{Duration: 5 * time.Second}
	cfg.Trace.DBPath = filepath.Join(t.TempDir(), "trace.db")
	return cfg
}

func attachFake(t *testing.T, cfg *config.Config, d *drivertest.Driver) *Session {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	r, w, wait := d.Start(ctx)
	s, err := Attach(ctx, cfg, r, w, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
		_ = wait()
	})
	return s
}

func TestAttachInitializes(t *testing.T) {
	s := attachFake(t, testConfig(t), drivertest.New(drivertest.WaitForInitialize()))
	require.NotNil(t, s.Playwright())
	assert.Equal(t, conn.StateReady, s.Conn().State())
	assert.Empty(t, s.TraceID())
	assert.Nil(t, s.Process())

	var launched struct {
		Browser struct {
			GUID string `json:"guid"`
		} `json:"browser"`
	}
	chromium, ok := s.Playwright().BrowserType("chromium")
	require.True(t, ok)
	require.NoError(t, s.CallInto(context.Background(), chromium.GUID(), "launch", nil, &launched))
	ref, ok := s.Registry().Get(launched.Browser.GUID)
	require.True(t, ok)
	_, err := core.Resolve[*core.Browser](ref)
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	<-s.Done()
}

func TestStrictSessionRejectsUnknownMethods(t *testing.T) {
	cfg := testConfig(t)
	cfg.Connection.Strict = true
	s := attachFake(t, cfg, drivertest.New())

	_, err := s.Call(context.Background(), "Playwright", "teleport", nil)
	assert.ErrorIs(t, err, conn.ErrUnknownMethod)
}

func TestReadyTimeout(t *testing.T) {
	cfg := testConfig(t)
	cfg.Connection.SendInitialize = false
	cfg.Connection.ReadyTimeout = config.Duration{Duration: 100 * time.Millisecond}

	d := drivertest.New(drivertest.WaitForInitialize())
	r, w, wait := d.Start(context.Background())
	_, err := Attach(context.Background(), cfg, r, w, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "not ready")
	assert.NoError(t, wait())
}

func TestCallTimeoutApplies(t *testing.T) {
	cfg := testConfig(t)
	cfg.Connection.CallTimeout = config.Duration{Duration: 50 * time.Millisecond}
	d := drivertest.New()
	block := make(chan struct{})
	d.Handle("Playwright", "hang", func(ctx context.Context, _ *ipc.Request) (any, *ipc.ErrorEnvelope) {
		<-block
		return nil, nil
	})
	s := attachFake(t, cfg, d)
	// Registered last so it runs first: the fake serves requests one at a
	// time and must be unblocked before the session closes.
	t.Cleanup(func() { close(block) })

	_, err := s.Call(context.Background(), "Playwright", "hang", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTraceRecordsSession(t *testing.T) {
	cfg := testConfig(t)
	cfg.Trace.Enabled = true
	s := attachFake(t, cfg, drivertest.New())
	traceID := s.TraceID()
	require.NotEmpty(t, traceID)

	_, err := s.Call(context.Background(), "Playwright", "unknownThing", nil)
	require.Error(t, err)
	require.NoError(t, s.Close())

	store, err := sqlite.Open(cfg.Trace.DBPath)
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	sessions, err := store.ListSessions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, traceID, sessions[0].ID)
	assert.Equal(t, sqlite.StatusOK, sessions[0].Status)

	frames, err := store.LoadFrames(ctx, traceID, sqlite.FrameFilter{Direction: "send"})
	require.NoError(t, err)
	var methods []string
	for _, f := range frames {
		methods = append(methods, f.Method)
	}
	assert.Equal(t, []string{"initialize", "unknownThing"}, methods)

	objects, err := store.LoadObjects(ctx, traceID, false)
	require.NoError(t, err)
	var types []string
	for _, o := range objects {
		types = append(types, o.Type)
	}
	assert.Contains(t, types, "Playwright")
	assert.Contains(t, types, "BrowserType")
}

func TestOpenRunsDriverProcess(t *testing.T) {
	cfg := testConfig(t)
	cfg.Driver = config.DriverConfig{
		Path:      os.Args[0],
		Args:      []string{"-test.run=^$"},
		Env:       []string{helperEnv + "=serve"},
		StopGrace: config.Duration{Duration: time.Second},
	}
	s, err := Open(context.Background(), cfg, nil)
	require.NoError(t, err)
	require.NotNil(t, s.Process())
	_, ok := s.Playwright().BrowserType("firefox")
	assert.True(t, ok)

	require.NoError(t, s.Close())
	select {
	case <-s.Process().Done():
	default:
		t.Fatal("driver still running after Close")
	}
}
