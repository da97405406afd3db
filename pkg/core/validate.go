package core

import (
	"errors"
	"fmt"
)

var (
	// ErrParentNotFound indicates a create or adopt naming an unknown parent.
	ErrParentNotFound = errors.New("parent not found")
	// ErrDuplicateGUID indicates a create for a guid that is still live.
	ErrDuplicateGUID = errors.New("duplicate guid")
	// ErrObjectNotFound indicates the referenced object does not exist or was disposed.
	ErrObjectNotFound = errors.New("object not found")
	// ErrCycleDetected indicates an adopt that would introduce a cycle.
	ErrCycleDetected = errors.New("cycle detected")
	// ErrRootImmutable indicates an operation touched the root object.
	ErrRootImmutable = errors.New("root immutable")
)

// TypeError reports a reference that resolved to an unexpected kind.
type TypeError struct {
	GUID string
	Type string
}

func (e *TypeError) Error() string {
	return fmt.Sprintf("object %s has unexpected type %s", e.GUID, e.Type)
}

// Validate checks the graph invariant: every live object's parent chain ends
// at the root, and the child lists agree with the parent links.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for guid := range r.objects {
		cur := guid
		for steps := 0; cur != r.rootGUID; steps++ {
			if steps > len(r.objects) {
				return fmt.Errorf("%w: parent chain of %s does not end at root", ErrCycleDetected, guid)
			}
			parent, ok := r.parents[cur]
			if !ok {
				return fmt.Errorf("%w: %s has no parent link", ErrParentNotFound, cur)
			}
			if _, live := r.objects[parent]; !live {
				return fmt.Errorf("%w: %s points at disposed parent %s", ErrParentNotFound, cur, parent)
			}
			cur = parent
		}
	}
	for parent, children := range r.children {
		for _, child := range children {
			if r.parents[child] != parent {
				return fmt.Errorf("child list of %s lists %s, whose parent is %s", parent, child, r.parents[child])
			}
		}
	}
	return nil
}

// isDescendant reports whether candidate sits under ancestor. Callers hold r.mu.
func (r *Registry) isDescendant(candidate, ancestor string) bool {
	if candidate == ancestor {
		return true
	}
	for {
		parent, ok := r.parents[candidate]
		if !ok {
			return false
		}
		if parent == ancestor {
			return true
		}
		candidate = parent
	}
}

// moveNode re-links id under newParent. Callers hold r.mu.
func (r *Registry) moveNode(id, newParent string) {
	r.detach(id)
	r.parents[id] = newParent
	r.children[newParent] = append(r.children[newParent], id)
}

func (r *Registry) detach(id string) {
	parentID, ok := r.parents[id]
	if !ok {
		return
	}
	children := r.children[parentID]
	for i, child := range children {
		if child == id {
			r.children[parentID] = append(children[:i:i], children[i+1:]...)
			break
		}
	}
}

// deleteSubtree unlinks id and everything under it, returning the removed
// objects children first. Callers hold r.mu.
func (r *Registry) deleteSubtree(id string) []Object {
	var removed []Object
	var walk func(guid string)
	walk = func(guid string) {
		for _, child := range r.children[guid] {
			walk(child)
		}
		if obj, ok := r.objects[guid]; ok {
			removed = append(removed, obj)
		}
		delete(r.objects, guid)
		delete(r.children, guid)
		delete(r.parents, guid)
	}
	r.detach(id)
	walk(id)
	return removed
}
