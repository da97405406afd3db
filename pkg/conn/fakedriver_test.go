package conn

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rexliu/drvlink/pkg/core"
	"github.com/rexliu/drvlink/pkg/drivertest"
	"github.com/rexliu/drvlink/pkg/ipc"
)

type channelResult struct {
	GUID string `json:"guid"`
}

func startFake(t *testing.T, d *drivertest.Driver) *Connection {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	r, w, wait := d.Start(ctx)
	c := New(r, w)
	runConn(t, c)
	t.Cleanup(func() {
		_ = c.Close()
		_ = wait()
		cancel()
	})
	return c
}

func TestFakeDriverSession(t *testing.T) {
	c := startFake(t, drivertest.New())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pw, err := c.WaitReady(ctx)
	require.NoError(t, err)
	chromium, ok := pw.BrowserType("chromium")
	require.True(t, ok)

	var launched struct {
		Browser channelResult `json:"browser"`
	}
	require.NoError(t, c.CallInto(ctx, chromium.GUID(), "launch", map[string]any{"headless": true}, &launched))
	browser, err := core.Resolve[*core.Browser](mustRef(t, c, launched.Browser.GUID))
	require.NoError(t, err)
	assert.True(t, browser.IsConnected())

	var created struct {
		Context channelResult `json:"context"`
	}
	require.NoError(t, c.CallInto(ctx, browser.GUID(), "newContext", nil, &created))
	bctx, err := core.Resolve[*core.BrowserContext](mustRef(t, c, created.Context.GUID))
	require.NoError(t, err)

	pages := bctx.Events().Subscribe(4, "page")
	var opened struct {
		Page channelResult `json:"page"`
	}
	require.NoError(t, c.CallInto(ctx, bctx.GUID(), "newPage", nil, &opened))

	select {
	case ev := <-pages.C():
		assert.Equal(t, opened.Page.GUID, ev.Object.GUID())
	case <-ctx.Done():
		t.Fatal("page event never arrived")
	}

	page, err := core.Resolve[*core.Page](mustRef(t, c, opened.Page.GUID))
	require.NoError(t, err)
	frame, err := core.Resolve[*core.Frame](page.MainFrame())
	require.NoError(t, err)

	_, err = c.Call(ctx, frame.GUID(), "goto", map[string]string{"url": "https://example.com/"})
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/", frame.URL())
	assert.True(t, frame.HasLoadState("load"))

	_, err = c.Call(ctx, page.GUID(), "close", nil)
	require.NoError(t, err)
	assert.True(t, page.Disposed())
	_, err = page.MainFrame().Resolve()
	assert.ErrorIs(t, err, core.ErrObjectNotFound, "frames go with their page")
	require.NoError(t, c.Registry().Validate())
}

func TestFakeDriverWaitsForInitialize(t *testing.T) {
	c := startFake(t, drivertest.New(drivertest.WaitForInitialize()))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	assert.Equal(t, StateStarting, c.State())
	pw, err := c.Initialize(ctx, "javascript")
	require.NoError(t, err)
	assert.Equal(t, "Playwright", pw.GUID())
	assert.Equal(t, StateReady, c.State())
}

func TestFakeDriverCustomHandler(t *testing.T) {
	d := drivertest.New()
	d.Handle("Playwright", "slow", func(ctx context.Context, req *ipc.Request) (any, *ipc.ErrorEnvelope) {
		return nil, ipc.Errorf("TimeoutError", "Timeout %dms exceeded.", 100)
	})
	c := startFake(t, d)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := c.WaitReady(ctx)
	require.NoError(t, err)
	_, err = c.Call(ctx, "Playwright", "slow", nil)
	assert.ErrorIs(t, err, ErrRemoteTimeout)

	_, err = c.Call(ctx, "Playwright", "unknown", nil)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Contains(t, remote.Message, "not implemented")

	reqs := d.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "slow", reqs[0].Method)
}

func mustRef(t *testing.T, c *Connection, guid string) core.Ref {
	t.Helper()
	ref, ok := c.Registry().Get(guid)
	require.True(t, ok, "%s not registered", guid)
	return ref
}
