package core

import (
	"errors"
	"testing"

	"github.com/rexliu/drvlink/pkg/wire"
)

func TestRegistryGraph(t *testing.T) {
	t.Run("create under unknown parent", func(t *testing.T) {
		reg := newTestRegistry(t)
		_, err := reg.Create("missing", TypePage, "page@9", wire.Undefined())
		if !errors.Is(err, ErrParentNotFound) {
			t.Fatalf("expected ErrParentNotFound, got %v", err)
		}
	})

	t.Run("duplicate guid", func(t *testing.T) {
		reg := newTestRegistry(t)
		_, err := reg.Create("g1", TypeBrowser, "browser@1", wire.Undefined())
		if !errors.Is(err, ErrDuplicateGUID) {
			t.Fatalf("expected ErrDuplicateGUID, got %v", err)
		}
	})

	t.Run("dispose root forbidden", func(t *testing.T) {
		reg := newTestRegistry(t)
		if _, err := reg.Dispose("g1"); err != ErrRootImmutable {
			t.Fatalf("expected ErrRootImmutable, got %v", err)
		}
	})

	t.Run("adopt creates cycle", func(t *testing.T) {
		reg := newTestRegistry(t)
		err := reg.Adopt("page@1", "context@1")
		if !errors.Is(err, ErrCycleDetected) {
			t.Fatalf("expected ErrCycleDetected, got %v", err)
		}
		if err := reg.Adopt("context@1", "context@1"); !errors.Is(err, ErrCycleDetected) {
			t.Fatalf("expected ErrCycleDetected for self adopt, got %v", err)
		}
	})

	t.Run("adopt moves subtree", func(t *testing.T) {
		reg := newTestRegistry(t)
		if _, err := reg.Create("browser@1", TypeBrowserContext, "context@2", wire.Undefined()); err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := reg.Adopt("context@2", "page@1"); err != nil {
			t.Fatalf("adopt: %v", err)
		}
		page, _ := reg.Get("page@1")
		obj, err := page.Resolve()
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if got := obj.Parent().GUID(); got != "context@2" {
			t.Fatalf("expected parent context@2, got %s", got)
		}
		if err := reg.Validate(); err != nil {
			t.Fatalf("graph invariant: %v", err)
		}
		if _, err := reg.Dispose("context@1"); err != nil {
			t.Fatalf("dispose: %v", err)
		}
		if _, ok := reg.Get("page@1"); !ok {
			t.Fatalf("adopted page must survive disposal of its old parent")
		}
	})
}

func TestCreateThenDispose(t *testing.T) {
	reg := NewRegistry("g1")
	obj, err := reg.Create("g1", TypePage, "page1", wire.Object(wire.Field{Key: "isClosed", Value: wire.Bool(false)}))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, ok := obj.(*Page); !ok {
		t.Fatalf("expected *Page, got %T", obj)
	}
	ref, ok := reg.Get("page1")
	if !ok {
		t.Fatalf("page1 not registered")
	}
	if ref.GUID() != "page1" {
		t.Fatalf("unexpected guid %s", ref.GUID())
	}
	if obj.Parent().GUID() != "g1" {
		t.Fatalf("expected parent g1, got %s", obj.Parent().GUID())
	}

	removed, err := reg.Dispose("page1")
	if err != nil {
		t.Fatalf("dispose: %v", err)
	}
	if len(removed) != 1 || removed[0] != "page1" {
		t.Fatalf("unexpected removed set %v", removed)
	}
	if _, ok := reg.Get("page1"); ok {
		t.Fatalf("page1 still visible after dispose")
	}
	if _, err := ref.Resolve(); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound from stale ref, got %v", err)
	}
	if !obj.Disposed() {
		t.Fatalf("object not marked disposed")
	}

	removed, err = reg.Dispose("page1")
	if err != nil || len(removed) != 0 {
		t.Fatalf("second dispose must be a no-op, got %v %v", removed, err)
	}
}

func TestDisposeIsRecursive(t *testing.T) {
	reg := newTestRegistry(t)
	removed, err := reg.Dispose("browser@1")
	if err != nil {
		t.Fatalf("dispose: %v", err)
	}
	want := []string{"frame@1", "page@1", "context@1", "browser@1"}
	if len(removed) != len(want) {
		t.Fatalf("expected %v, got %v", want, removed)
	}
	for i := range want {
		if removed[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, removed)
		}
	}
	for _, guid := range want {
		if _, ok := reg.Get(guid); ok {
			t.Fatalf("%s survived parent disposal", guid)
		}
	}
	if err := reg.Validate(); err != nil {
		t.Fatalf("graph invariant: %v", err)
	}
	if reg.Len() != 3 {
		t.Fatalf("expected root, playwright and chromium to remain, got %v", reg.GUIDs())
	}
}

func TestUnknownTypeIsOpaque(t *testing.T) {
	reg := NewRegistry("")
	obj, err := reg.Create("", "Tracing", "tracing@1", wire.Undefined())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, ok := obj.(*Opaque); !ok {
		t.Fatalf("expected *Opaque, got %T", obj)
	}
	sub := obj.Events().Subscribe(1)
	if !reg.RouteEvent("tracing@1", "anything", wire.Undefined()) {
		t.Fatalf("opaque objects forward every event")
	}
	if ev := <-sub.C(); ev.Name != "anything" {
		t.Fatalf("unexpected event %q", ev.Name)
	}
}

func TestResolveTyped(t *testing.T) {
	reg := newTestRegistry(t)
	ref, _ := reg.Get("page@1")
	page, err := Resolve[*Page](ref)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if page.MainFrame().GUID() != "frame@1" {
		t.Fatalf("unexpected main frame %s", page.MainFrame().GUID())
	}
	if _, err := Resolve[*Browser](ref); err == nil {
		t.Fatalf("expected type error")
	} else {
		var te *TypeError
		if !errors.As(err, &te) || te.Type != TypePage {
			t.Fatalf("unexpected error %v", err)
		}
	}
}

func TestSnapshotWalk(t *testing.T) {
	reg := newTestRegistry(t)
	tree := reg.Snapshot()
	var order []string
	tree.Walk(func(info ObjectInfo, depth int) {
		order = append(order, info.GUID)
	})
	want := []string{"g1", "playwright", "chromium", "browser@1", "context@1", "page@1", "frame@1"}
	if len(order) != len(want) {
		t.Fatalf("expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, order)
		}
	}
	if tree.Objects["page@1"].Parent != "context@1" {
		t.Fatalf("unexpected parent %q", tree.Objects["page@1"].Parent)
	}
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry("g1")
	steps := []struct {
		parent, typ, guid string
		init              wire.Value
	}{
		{"g1", TypePlaywright, "playwright", wire.Object(
			wire.Field{Key: "chromium", Value: wire.Object(wire.Field{Key: "guid", Value: wire.String("chromium")})},
		)},
		{"playwright", TypeBrowserType, "chromium", wire.Object(wire.Field{Key: "name", Value: wire.String("chromium")})},
		{"chromium", TypeBrowser, "browser@1", wire.Object(wire.Field{Key: "version", Value: wire.String("120.0")})},
		{"browser@1", TypeBrowserContext, "context@1", wire.Undefined()},
		{"context@1", TypePage, "page@1", wire.Object(
			wire.Field{Key: "mainFrame", Value: wire.Object(wire.Field{Key: "guid", Value: wire.String("frame@1")})},
		)},
		{"page@1", TypeFrame, "frame@1", wire.Object(wire.Field{Key: "url", Value: wire.String("about:blank")})},
	}
	for _, s := range steps {
		if _, err := reg.Create(s.parent, s.typ, s.guid, s.init); err != nil {
			t.Fatalf("create %s: %v", s.guid, err)
		}
	}
	return reg
}
