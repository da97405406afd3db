package core

import (
	"context"
	"testing"
	"time"

	"github.com/rexliu/drvlink/pkg/wire"
)

func mustParse(t *testing.T, raw string) wire.Value {
	t.Helper()
	v, err := wire.Parse([]byte(raw))
	if err != nil {
		t.Fatalf("parse %s: %v", raw, err)
	}
	return v
}

func TestFrameEventsUpdateState(t *testing.T) {
	reg := newTestRegistry(t)
	ref, _ := reg.Get("frame@1")
	frame, err := Resolve[*Frame](ref)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	sub := frame.Events().Subscribe(4)

	reg.RouteEvent("frame@1", "navigated", mustParse(t, `{"url":"https://example.com/","name":"main"}`))
	reg.RouteEvent("frame@1", "loadstate", mustParse(t, `{"add":"load"}`))
	reg.RouteEvent("frame@1", "loadstate", mustParse(t, `{"add":"domcontentloaded"}`))
	reg.RouteEvent("frame@1", "loadstate", mustParse(t, `{"remove":"load"}`))

	if frame.URL() != "https://example.com/" || frame.Name() != "main" {
		t.Fatalf("navigation not cached: %q %q", frame.URL(), frame.Name())
	}
	states := frame.LoadStates()
	if len(states) != 1 || states[0] != "domcontentloaded" {
		t.Fatalf("unexpected load states %v", states)
	}
	if got := (<-sub.C()).Name; got != "navigated" {
		t.Fatalf("expected navigated first, got %s", got)
	}
}

func TestContextPageEvent(t *testing.T) {
	reg := newTestRegistry(t)
	ref, _ := reg.Get("context@1")
	ctxObj, _ := Resolve[*BrowserContext](ref)

	if _, err := reg.Create("context@1", TypePage, "page@2", wire.Undefined()); err != nil {
		t.Fatalf("create: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan Event, 1)
	go func() {
		ev, err := ctxObj.Events().Once(ctx, "page")
		if err == nil {
			done <- ev
		}
		close(done)
	}()
	waitForSubscribers(t, ctxObj.Events(), 1)
	reg.RouteEvent("context@1", "page", mustParse(t, `{"page":{"guid":"page@2"}}`))

	ev, ok := <-done
	if !ok {
		t.Fatalf("page event never arrived")
	}
	if ev.Object.GUID() != "page@2" {
		t.Fatalf("event should reference page@2, got %q", ev.Object.GUID())
	}
	if pages := ctxObj.Pages(); len(pages) != 1 || pages[0].GUID() != "page@2" {
		t.Fatalf("unexpected pages %v", pages)
	}

	reg.Dispose("page@2")
	if pages := ctxObj.Pages(); len(pages) != 0 {
		t.Fatalf("disposed page still listed: %v", pages)
	}
}

func TestCloseEvents(t *testing.T) {
	reg := newTestRegistry(t)
	if !reg.RouteEvent("page@1", "close", wire.Undefined()) {
		t.Fatalf("page close not handled")
	}
	page, _ := Resolve[*Page](mustGet(t, reg, "page@1"))
	if !page.IsClosed() {
		t.Fatalf("page not marked closed")
	}

	browser, _ := Resolve[*Browser](mustGet(t, reg, "browser@1"))
	if !browser.IsConnected() {
		t.Fatalf("browser starts connected")
	}
	reg.RouteEvent("browser@1", "close", wire.Undefined())
	if browser.IsConnected() {
		t.Fatalf("browser still connected after close")
	}
	if browser.Version() != "120.0" {
		t.Fatalf("unexpected version %q", browser.Version())
	}
}

func TestUnknownEventIgnored(t *testing.T) {
	reg := newTestRegistry(t)
	if reg.RouteEvent("page@1", "noSuchEvent", wire.Undefined()) {
		t.Fatalf("unknown method must be ignored")
	}
	if reg.RouteEvent("ghost", "close", wire.Undefined()) {
		t.Fatalf("unknown guid must be ignored")
	}
}

func TestPageFrameTracking(t *testing.T) {
	reg := newTestRegistry(t)
	page, _ := Resolve[*Page](mustGet(t, reg, "page@1"))
	reg.RouteEvent("page@1", "frameAttached", mustParse(t, `{"frame":{"guid":"frame@2"}}`))
	if frames := page.Frames(); len(frames) != 2 || frames[1].GUID() != "frame@2" {
		t.Fatalf("unexpected frames %v", frames)
	}
	reg.RouteEvent("page@1", "frameDetached", mustParse(t, `{"frame":{"guid":"frame@2"}}`))
	if frames := page.Frames(); len(frames) != 1 {
		t.Fatalf("unexpected frames %v", frames)
	}
}

func TestPlaywrightBrowserType(t *testing.T) {
	reg := newTestRegistry(t)
	pw, err := Resolve[*Playwright](mustGet(t, reg, "playwright"))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	ref, ok := pw.BrowserType("chromium")
	if !ok {
		t.Fatalf("chromium missing")
	}
	bt, err := Resolve[*BrowserType](ref)
	if err != nil || bt.Name() != "chromium" {
		t.Fatalf("unexpected browser type %v %v", bt, err)
	}
	if _, ok := pw.BrowserType("webkit"); ok {
		t.Fatalf("webkit was never announced")
	}
}

func mustGet(t *testing.T, reg *Registry, guid string) Ref {
	t.Helper()
	ref, ok := reg.Get(guid)
	if !ok {
		t.Fatalf("%s not registered", guid)
	}
	return ref
}

func waitForSubscribers(t *testing.T, e *Emitter, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		e.mu.Lock()
		count := len(e.subs)
		e.mu.Unlock()
		if count >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d subscribers", n)
}
