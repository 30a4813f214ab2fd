package types

import "fmt"

// Handle is an opaque result produced by an external call, such as an HTTP
// response. Expressions can read its registered fields and nothing else.
type Handle struct {
	kind   string
	fields *OrderedMap
}

// NewHandle creates a handle of the given kind exposing exactly the fields in m.
func NewHandle(kind string, fields *OrderedMap) *Handle {
	if fields == nil {
		fields = NewOrderedMap()
	}
	return &Handle{kind: kind, fields: fields}
}

// Kind returns the handle kind, e.g. "response".
func (h *Handle) Kind() string {
	return h.kind
}

// Field returns a registered field.
func (h *Handle) Field(name string) (Value, bool) {
	return h.fields.Get(name)
}

// Fields returns the registered field names in order.
func (h *Handle) Fields() []string {
	return h.fields.Keys()
}

// Value returns the handle fields as a plain map value.
func (h *Handle) Value() Value {
	return NewMap(h.fields.Clone())
}

func (h *Handle) String() string {
	if code, ok := h.fields.Get("status_code"); ok {
		return fmt.Sprintf("<%s [%s]>", h.kind, code)
	}
	return fmt.Sprintf("<%s>", h.kind)
}
