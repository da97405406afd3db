package core

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rexliu/drvlink/pkg/wire"
)

// Registry-level lifecycle events, published on Registry.Events.
const (
	EventCreated  = "created"
	EventDisposed = "disposed"
	EventAdopted  = "adopted"
)

// Registry owns every live remote object, keyed by guid. It is the only
// strong holder; everything else keeps a Ref.
type Registry struct {
	rootGUID string
	logger   Logger
	events   *Emitter

	mu       sync.RWMutex
	objects  map[string]Object
	parents  map[string]string
	children map[string][]string
}

// NewRegistry returns a registry holding only the implicit root.
func NewRegistry(rootGUID string) *Registry {
	r := &Registry{
		rootGUID: rootGUID,
		objects:  make(map[string]Object),
		parents:  make(map[string]string),
		children: make(map[string][]string),
	}
	r.events = NewEmitter(nil)
	r.objects[rootGUID] = &Root{ChannelOwner: r.newOwner("", rootGUID, wire.Undefined())}
	return r
}

// SetLogger installs the logger handed to object emitters created afterwards.
func (r *Registry) SetLogger(l Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger = l
}

func (r *Registry) RootGUID() string { return r.rootGUID }

func (r *Registry) Root() Ref { return Ref{guid: r.rootGUID, reg: r} }

// Events publishes created, disposed and adopted notifications. The event's
// Object is the affected object.
func (r *Registry) Events() *Emitter { return r.events }

func (r *Registry) newOwner(typ, guid string, init wire.Value) *ChannelOwner {
	return &ChannelOwner{
		guid:   guid,
		typ:    typ,
		init:   init,
		events: NewEmitter(r.logger),
		reg:    r,
	}
}

// Create registers a new object under parentGUID.
func (r *Registry) Create(parentGUID, typeTag, guid string, initializer wire.Value) (Object, error) {
	r.mu.Lock()
	if _, ok := r.objects[parentGUID]; !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %q for %s %q", ErrParentNotFound, parentGUID, typeTag, guid)
	}
	if _, ok := r.objects[guid]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrDuplicateGUID, guid)
	}
	owner := r.newOwner(typeTag, guid, initializer)
	owner.parent = parentGUID
	obj := newObject(owner)
	r.objects[guid] = obj
	r.parents[guid] = parentGUID
	r.children[parentGUID] = append(r.children[parentGUID], guid)
	r.mu.Unlock()

	r.events.Emit(Event{Name: EventCreated, Source: parentGUID, Params: initializer, Object: obj.Ref()})
	return obj, nil
}

// Dispose removes guid and all of its descendants. Disposing an unknown or
// already disposed guid is a no-op. The removed guids are returned children
// first.
func (r *Registry) Dispose(guid string) ([]string, error) {
	if guid == r.rootGUID {
		return nil, ErrRootImmutable
	}
	r.mu.Lock()
	if _, ok := r.objects[guid]; !ok {
		r.mu.Unlock()
		return nil, nil
	}
	removed := r.deleteSubtree(guid)
	r.mu.Unlock()

	guids := make([]string, 0, len(removed))
	for _, obj := range removed {
		o := obj.owner()
		o.disposed.Store(true)
		o.events.Emit(Event{Name: "dispose", Source: o.guid})
		o.events.Close()
		r.events.Emit(Event{Name: EventDisposed, Source: o.guid, Object: o.Ref()})
		guids = append(guids, o.guid)
	}
	return guids, nil
}

// Adopt moves childGUID under parentGUID.
func (r *Registry) Adopt(parentGUID, childGUID string) error {
	if childGUID == r.rootGUID {
		return ErrRootImmutable
	}
	r.mu.Lock()
	if _, ok := r.objects[parentGUID]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrParentNotFound, parentGUID)
	}
	child, ok := r.objects[childGUID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrObjectNotFound, childGUID)
	}
	if r.isDescendant(parentGUID, childGUID) {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s under %s", ErrCycleDetected, childGUID, parentGUID)
	}
	r.moveNode(childGUID, parentGUID)
	r.mu.Unlock()

	child.owner().setParent(parentGUID)
	r.events.Emit(Event{Name: EventAdopted, Source: parentGUID, Object: child.Ref()})
	return nil
}

// Get returns a reference to a live object.
func (r *Registry) Get(guid string) (Ref, bool) {
	if _, ok := r.lookup(guid); !ok {
		return Ref{}, false
	}
	return Ref{guid: guid, reg: r}, true
}

func (r *Registry) lookup(guid string) (Object, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	obj, ok := r.objects[guid]
	return obj, ok
}

// RouteEvent hands a notification to the addressed object. It reports false
// when the guid is unknown or the object does not handle the method.
func (r *Registry) RouteEvent(guid, method string, params wire.Value) bool {
	obj, ok := r.lookup(guid)
	if !ok {
		return false
	}
	return obj.handle(method, params)
}

// FindByType lists live objects with the given type tag in creation order.
func (r *Registry) FindByType(typeTag string) []Ref {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Ref
	var walk func(guid string)
	walk = func(guid string) {
		if obj, ok := r.objects[guid]; ok && obj.Type() == typeTag {
			out = append(out, Ref{guid: guid, reg: r})
		}
		for _, child := range r.children[guid] {
			walk(child)
		}
	}
	walk(r.rootGUID)
	return out
}

// Children lists the direct children of guid in creation order.
func (r *Registry) Children(guid string) []Ref {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Ref, 0, len(r.children[guid]))
	for _, child := range r.children[guid] {
		out = append(out, Ref{guid: child, reg: r})
	}
	return out
}

// Len reports the number of live objects, root included.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.objects)
}

// Snapshot captures the current object graph.
func (r *Registry) Snapshot() Tree {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tree := Tree{
		RootGUID: r.rootGUID,
		Objects:  make(map[string]ObjectInfo, len(r.objects)),
		Children: make(map[string][]string, len(r.children)),
	}
	for guid, obj := range r.objects {
		tree.Objects[guid] = ObjectInfo{GUID: guid, Type: obj.Type(), Parent: r.parents[guid]}
	}
	for guid, children := range r.children {
		if len(children) > 0 {
			tree.Children[guid] = append([]string(nil), children...)
		}
	}
	return tree
}

// GUIDs lists every live guid, sorted.
func (r *Registry) GUIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.objects))
	for guid := range r.objects {
		out = append(out, guid)
	}
	sort.Strings(out)
	return out
}

// Close disposes every object below the root and closes all emitters.
func (r *Registry) Close() {
	for _, child := range r.Children(r.rootGUID) {
		_, _ = r.Dispose(child.GUID())
	}
	if root, ok := r.lookup(r.rootGUID); ok {
		root.Events().Close()
	}
	r.events.Close()
}
