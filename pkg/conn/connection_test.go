package conn

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rexliu/drvlink/pkg/core"
	"github.com/rexliu/drvlink/pkg/ipc"
)

// peer is the driver end of a pair of pipes, scripted by the test.
type peer struct {
	fr      *ipc.FrameReader
	fw      *ipc.FrameWriter
	toConnW *io.PipeWriter
}

func newPair(t *testing.T, opts ...Option) (*Connection, *peer) {
	t.Helper()
	toConnR, toConnW := io.Pipe()
	toPeerR, toPeerW := io.Pipe()
	c := New(toConnR, toPeerW, opts...)
	p := &peer{fr: ipc.NewFrameReader(toPeerR), fw: ipc.NewFrameWriter(toConnW), toConnW: toConnW}
	t.Cleanup(func() {
		_ = c.Close()
		_ = toConnW.Close()
		_ = toPeerR.Close()
	})
	return c, p
}

func (p *peer) readRequest(t *testing.T) ipc.Request {
	t.Helper()
	payload, err := p.fr.ReadFrame()
	require.NoError(t, err)
	var req ipc.Request
	require.NoError(t, json.Unmarshal(payload, &req))
	return req
}

// send writes a frame from a goroutine, since pipe writes block until the
// connection reads.
func (p *peer) send(raw string) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- p.fw.WriteFrame([]byte(raw)) }()
	return errc
}

func runConn(t *testing.T, c *Connection) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestCallDecodesTaggedResult(t *testing.T) {
	c, p := newPair(t)
	runConn(t, c)

	type out struct {
		Value string `json:"value"`
	}
	result := make(chan out, 1)
	errc := make(chan error, 1)
	go func() {
		var o out
		errc <- c.CallInto(context.Background(), "page1", "title", nil, &o)
		result <- o
	}()

	req := p.readRequest(t)
	assert.Equal(t, uint64(1), req.ID)
	assert.Equal(t, "title", req.Method)
	assert.JSONEq(t, `{}`, string(req.Params))

	<-p.send(`{"id":1,"result":{"o":{"value":{"s":"ok"}}}}`)
	require.NoError(t, <-errc)
	assert.Equal(t, "ok", (<-result).Value)
}

func TestCallRemoteError(t *testing.T) {
	c, p := newPair(t)
	runConn(t, c)

	errc := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "page1", "click", map[string]string{"selector": "#go"})
		errc <- err
	}()
	req := p.readRequest(t)
	assert.JSONEq(t, `{"selector":"#go"}`, string(req.Params))
	<-p.send(`{"id":1,"error":{"error":{"name":"Error","message":"boom","stack":""}}}`)

	err := <-errc
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "boom", remote.Message)
	assert.Equal(t, "click", remote.Method)
	assert.False(t, errors.Is(err, ErrRemoteTimeout))
}

func TestRemoteTimeoutMatches(t *testing.T) {
	c, p := newPair(t)
	runConn(t, c)

	errc := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "frame1", "waitForSelector", nil)
		errc <- err
	}()
	p.readRequest(t)
	<-p.send(`{"id":1,"error":{"error":{"name":"TimeoutError","message":"Timeout 30000ms exceeded."}}}`)
	assert.ErrorIs(t, <-errc, ErrRemoteTimeout)
}

func TestFramesWrittenInCallOrder(t *testing.T) {
	c, p := newPair(t)
	go func() {
		for _, m := range []string{"first", "second", "third"} {
			_, err := c.SendRequest("g", m, nil)
			assert.NoError(t, err)
		}
	}()
	for i, m := range []string{"first", "second", "third"} {
		req := p.readRequest(t)
		assert.Equal(t, uint64(i+1), req.ID)
		assert.Equal(t, m, req.Method)
		assert.NotZero(t, req.Metadata.WallTime)
	}
}

func TestTransportFailureFailsPendingCalls(t *testing.T) {
	c, p := newPair(t)
	runConn(t, c)

	errc := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := c.Call(context.Background(), "g", "slow", nil)
			errc <- err
		}()
		p.readRequest(t)
	}
	require.NoError(t, p.toConnW.Close())

	for i := 0; i < 2; i++ {
		err := <-errc
		assert.ErrorIs(t, err, ErrConnectionClosed)
		var te *TransportError
		assert.ErrorAs(t, err, &te)
	}
	<-c.Done()
	assert.Equal(t, StateClosed, c.State())

	_, err := c.SendRequest("g", "late", nil)
	assert.ErrorIs(t, err, ErrConnectionClosed)
	assert.ErrorIs(t, c.PollOnce(), ErrConnectionClosed)
}

func TestCloseFailsPendingCalls(t *testing.T) {
	c, p := newPair(t)
	runConn(t, c)

	errc := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "g", "hang", nil)
		errc <- err
	}()
	p.readRequest(t)
	require.NoError(t, c.Close())
	assert.ErrorIs(t, <-errc, ErrConnectionClosed)
}

func TestUnknownResultIDIsDropped(t *testing.T) {
	c, p := newPair(t)
	runConn(t, c)

	errc := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "g", "m", nil)
		errc <- err
	}()
	p.readRequest(t)
	<-p.send(`{"id":99,"result":{}}`)
	<-p.send(`not json`)
	<-p.send(`{"id":1,"result":{}}`)
	assert.NoError(t, <-errc)
	assert.NotEqual(t, StateClosed, c.State())
}

func TestCanceledCallIsForgotten(t *testing.T) {
	c, p := newPair(t)
	runConn(t, c)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	errc := make(chan error, 1)
	go func() {
		_, err := c.Call(ctx, "g", "never", nil)
		errc <- err
	}()
	p.readRequest(t)
	assert.ErrorIs(t, <-errc, context.DeadlineExceeded)
	assert.Equal(t, 0, c.pending.len())

	<-p.send(`{"id":1,"result":{}}`)
	assert.NotEqual(t, StateClosed, c.State())
}

func TestLifecycleNotifications(t *testing.T) {
	c, p := newPair(t, WithRootGUID("g1"))

	require.NoError(t, firstErr(p.send(`{"guid":"g1","method":"__create__","params":{"type":"Page","guid":"page1","initializer":{"mainFrame":{"guid":"f1"}}}}`), c))
	ref, ok := c.Registry().Get("page1")
	require.True(t, ok)
	page, err := core.Resolve[*core.Page](ref)
	require.NoError(t, err)
	assert.Equal(t, "f1", page.MainFrame().GUID())

	require.NoError(t, firstErr(p.send(`{"guid":"page1","method":"close","params":{}}`), c))
	assert.True(t, page.IsClosed())

	require.NoError(t, firstErr(p.send(`{"guid":"page1","method":"__dispose__","params":{}}`), c))
	_, ok = c.Registry().Get("page1")
	assert.False(t, ok)

	// Unknown guids and duplicate creates are dropped without closing.
	require.NoError(t, firstErr(p.send(`{"guid":"ghost","method":"close","params":{}}`), c))
	require.NoError(t, firstErr(p.send(`{"guid":"nope","method":"__create__","params":{"type":"Page","guid":"p2"}}`), c))
	_, ok = c.Registry().Get("p2")
	assert.False(t, ok)
	assert.Equal(t, StateStarting, c.State())
}

// firstErr polls one frame while the peer's write completes.
func firstErr(sent <-chan error, c *Connection) error {
	if err := c.PollOnce(); err != nil {
		return err
	}
	return <-sent
}

func TestReadyOnPlaywrightCreate(t *testing.T) {
	c, p := newPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.WaitReady(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, firstErr(p.send(`{"guid":"","method":"__create__","params":{"type":"Playwright","guid":"Playwright","initializer":{}}}`), c))
	assert.Equal(t, StateReady, c.State())
	pw, err := c.WaitReady(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Playwright", pw.GUID())
	assert.Same(t, pw, c.Playwright())
}

type stubCatalog map[string][]string

func (s stubCatalog) HasCommand(typ, method string) bool {
	for _, m := range s[typ] {
		if m == method {
			return true
		}
	}
	return false
}

func TestStrictCatalogRejectsBeforeWriting(t *testing.T) {
	c, _ := newPair(t, WithCatalog(stubCatalog{"Root": {"initialize"}}))

	_, err := c.SendRequest("", "bogus", nil)
	assert.ErrorIs(t, err, ErrUnknownMethod)

	_, err = c.SendRequest("missing@1", "close", nil)
	assert.ErrorIs(t, err, core.ErrObjectNotFound)
}

type recordingTracer struct {
	mu       sync.Mutex
	frames   []TraceFrame
	created  []string
	disposed []string
}

func (r *recordingTracer) TraceFrame(f TraceFrame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
}

func (r *recordingTracer) TraceCreate(parent, typ, guid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, guid)
}

func (r *recordingTracer) TraceDispose(guids []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disposed = append(r.disposed, guids...)
}

func TestTracerSeesBothDirections(t *testing.T) {
	tr := &recordingTracer{}
	c, p := newPair(t, WithTracer(tr))
	runConn(t, c)

	errc := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "", "ping", nil)
		errc <- err
	}()
	p.readRequest(t)
	<-p.send(`{"guid":"","method":"__create__","params":{"type":"Page","guid":"page1"}}`)
	<-p.send(`{"guid":"page1","method":"__dispose__","params":{}}`)
	<-p.send(`{"id":1,"result":{}}`)
	require.NoError(t, <-errc)

	tr.mu.Lock()
	defer tr.mu.Unlock()
	require.Len(t, tr.frames, 4)
	var inbound []string
	for _, f := range tr.frames {
		if f.Direction == Outbound {
			assert.Equal(t, "request", f.Kind)
			assert.Equal(t, "ping", f.Method)
			continue
		}
		inbound = append(inbound, f.Kind)
	}
	assert.Equal(t, []string{"create", "dispose", "result"}, inbound)
	assert.Equal(t, []string{"page1"}, tr.created)
	assert.Equal(t, []string{"page1"}, tr.disposed)
}

func TestEncodeParams(t *testing.T) {
	cases := []struct {
		in   any
		want string
	}{
		{nil, `{}`},
		{json.RawMessage(`{"a":1}`), `{"a":1}`},
		{map[string]int{"n": 2}, `{"n":2}`},
		{struct {
			Page core.Ref `json:"page"`
		}{}, `{"page":{"guid":""}}`},
	}
	for _, tc := range cases {
		raw, err := encodeParams(tc.in)
		require.NoError(t, err)
		assert.JSONEq(t, tc.want, string(raw))
	}
}
