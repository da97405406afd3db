package core

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/rexliu/drvlink/pkg/wire"
)

// Object is a client-side proxy for a remote object. The set of
// implementations is closed; unknown type tags become *Opaque.
type Object interface {
	GUID() string
	Type() string
	Parent() Ref
	Initializer() wire.Value
	Events() *Emitter
	Disposed() bool
	Ref() Ref

	owner() *ChannelOwner
	handle(method string, params wire.Value) bool
}

// ChannelOwner carries the state every remote object shares. It is embedded
// by each concrete kind.
type ChannelOwner struct {
	guid     string
	typ      string
	init     wire.Value
	events   *Emitter
	reg      *Registry
	disposed atomic.Bool

	mu     sync.Mutex // guards parent and the embedding kind's cached state
	parent string
}

func (o *ChannelOwner) GUID() string { return o.guid }

func (o *ChannelOwner) Type() string { return o.typ }

func (o *ChannelOwner) Initializer() wire.Value { return o.init }

func (o *ChannelOwner) Events() *Emitter { return o.events }

func (o *ChannelOwner) Disposed() bool { return o.disposed.Load() }

func (o *ChannelOwner) Ref() Ref { return Ref{guid: o.guid, reg: o.reg} }

// Parent returns the owning object; zero for the root.
func (o *ChannelOwner) Parent() Ref {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.guid == o.reg.rootGUID {
		return Ref{}
	}
	return Ref{guid: o.parent, reg: o.reg}
}

func (o *ChannelOwner) owner() *ChannelOwner { return o }

func (o *ChannelOwner) setParent(guid string) {
	o.mu.Lock()
	o.parent = guid
	o.mu.Unlock()
}

// emit re-publishes an event under the object's guid, resolving the named
// params field to a reference when present.
func (o *ChannelOwner) emit(name string, params wire.Value, refKey string) {
	ev := Event{Name: name, Source: o.guid, Params: params}
	if refKey != "" {
		ev.Object = o.ref(params, refKey)
	}
	o.events.Emit(ev)
}

// ref reads a {"guid": ...} field out of params.
func (o *ChannelOwner) ref(params wire.Value, key string) Ref {
	guid := params.Lookup(key, "guid").Text()
	if guid == "" {
		return Ref{}
	}
	return Ref{guid: guid, reg: o.reg}
}

func (o *ChannelOwner) initString(key string) string {
	v, _ := o.init.Get(key)
	s, _ := v.AsString()
	return s
}

// Ref is a weak reference to a remote object. It never keeps the object
// alive; Resolve fails once the object has been disposed.
type Ref struct {
	guid string
	reg  *Registry
}

func (r Ref) GUID() string { return r.guid }

func (r Ref) IsZero() bool { return r.reg == nil }

func (r Ref) String() string { return r.guid }

// Resolve returns the live object, or ErrObjectNotFound.
func (r Ref) Resolve() (Object, error) {
	if r.reg == nil {
		return nil, ErrObjectNotFound
	}
	obj, ok := r.reg.lookup(r.guid)
	if !ok {
		return nil, ErrObjectNotFound
	}
	return obj, nil
}

// WireGUID lets references travel as handles inside evaluate arguments.
func (r Ref) WireGUID() string { return r.guid }

// MarshalJSON emits the channel form used in request params.
func (r Ref) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		GUID string `json:"guid"`
	}{r.guid})
}

// Resolve returns the live object behind ref as a T.
func Resolve[T Object](ref Ref) (T, error) {
	var zero T
	obj, err := ref.Resolve()
	if err != nil {
		return zero, err
	}
	typed, ok := obj.(T)
	if !ok {
		return zero, &TypeError{GUID: ref.guid, Type: obj.Type()}
	}
	return typed, nil
}

// Event is a typed notification re-emitted by an object after its cached
// state has been updated.
type Event struct {
	Name   string
	Source string
	Params wire.Value
	// Object references the object the event is about, such as the new page
	// for a context's "page" event.
	Object Ref
}

// ObjectInfo describes one node of a Tree.
type ObjectInfo struct {
	GUID   string `json:"guid"`
	Type   string `json:"type"`
	Parent string `json:"parent,omitempty"`
}

// Tree contains a snapshot of the object graph.
type Tree struct {
	RootGUID string                `json:"rootGuid"`
	Objects  map[string]ObjectInfo `json:"objects"`
	Children map[string][]string   `json:"children,omitempty"`
}

// Walk visits the tree depth first in creation order.
func (t Tree) Walk(fn func(info ObjectInfo, depth int)) {
	var visit func(guid string, depth int)
	visit = func(guid string, depth int) {
		info, ok := t.Objects[guid]
		if !ok {
			return
		}
		fn(info, depth)
		for _, child := range t.Children[guid] {
			visit(child, depth+1)
		}
	}
	visit(t.RootGUID, 0)
}
