package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// RefPrefix marks a resource reference inside a persisted document.
const RefPrefix = "REF="

// Reference is the type-erased view of a Ref used by the engine to check
// and rebind references without knowing their target type.
type Reference interface {
	RefID() string
	IsZero() bool
	Target() Resource
	Bind(r Resource) error
}

// Ref is a typed handle to a registered resource. Bound refs point at a live
// resource; refs decoded from a document carry only the ID until bound.
type Ref[T Resource] struct {
	id     string
	target T
	bound  bool
}

// RefTo returns a ref bound to r.
func RefTo[T Resource](r T) Ref[T] {
	return Ref[T]{target: r, bound: true, id: r.ResourceID()}
}

// RefByID returns an unbound ref carrying only the resource ID.
func RefByID[T Resource](id string) Ref[T] {
	return Ref[T]{id: id}
}

// ID returns the referenced resource ID. For bound refs the ID is read from
// the target, so a ref taken before registration sees the assigned ID.
func (r Ref[T]) ID() string {
	if r.bound {
		return r.target.ResourceID()
	}
	return r.id
}

// RefID implements Reference.
func (r *Ref[T]) RefID() string { return r.ID() }

// Get returns the target, or the zero value when the ref is unbound.
func (r Ref[T]) Get() T { return r.target }

// Bound reports whether the ref points at a live resource.
func (r Ref[T]) Bound() bool { return r.bound }

// IsZero reports whether the ref is unset.
func (r *Ref[T]) IsZero() bool { return !r.bound && r.id == "" }

// Target implements Reference.
func (r *Ref[T]) Target() Resource {
	if !r.bound {
		return nil
	}
	return r.target
}

// Bind points the ref at res, which must be of the ref's target type.
func (r *Ref[T]) Bind(res Resource) error {
	if res == nil {
		return fmt.Errorf("bind reference %s: nil resource", r.ID())
	}
	t, ok := res.(T)
	if !ok {
		return fmt.Errorf("bind reference %s: resource kind %s has wrong type %T", r.ID(), res.Kind(), res)
	}
	r.target = t
	r.bound = true
	r.id = t.ResourceID()
	return nil
}

// MarshalJSON writes the ref as the string token REF=<id>.
func (r Ref[T]) MarshalJSON() ([]byte, error) {
	if !r.bound && r.id == "" {
		return []byte("null"), nil
	}
	return json.Marshal(RefPrefix + r.ID())
}

// UnmarshalJSON reads a REF=<id> token into an unbound ref.
func (r *Ref[T]) UnmarshalJSON(data []byte) error {
	var tok *string
	if err := json.Unmarshal(data, &tok); err != nil {
		return fmt.Errorf("decode resource reference: %w", err)
	}
	var zero T
	r.target = zero
	r.bound = false
	r.id = ""
	if tok == nil {
		return nil
	}
	id, ok := ParseRefToken(*tok)
	if !ok {
		return fmt.Errorf("decode resource reference: %q is not a %s token", *tok, RefPrefix)
	}
	r.id = id
	return nil
}

// ParseRefToken extracts the resource ID from a REF=<id> token.
func ParseRefToken(tok string) (string, bool) {
	id, ok := strings.CutPrefix(tok, RefPrefix)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}
