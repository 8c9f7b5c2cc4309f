package actuator

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
)

var (
	ErrActuatorExists = errors.New("actuator: type already registered")
	ErrHandlerNil     = errors.New("actuator: handler is nil")
	ErrInvalidType    = errors.New("actuator: invalid task type")
	ErrUnknownType    = errors.New("actuator: unknown task type")
	ErrDecode         = errors.New("actuator: decode failed")
)

// Registry stores handlers by task type. It is built once at startup and
// passed to whatever needs it.
type Registry struct {
	mu    sync.RWMutex
	items map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{items: make(map[string]Handler)}
}

func (r *Registry) Register(h Handler) error {
	if h == nil {
		return ErrHandlerNil
	}
	typ := h.Type()
	if !isValidType(typ) {
		return fmt.Errorf("%w: %q", ErrInvalidType, typ)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[typ]; ok {
		return fmt.Errorf("%w: %s", ErrActuatorExists, typ)
	}
	r.items[typ] = h
	return nil
}

// MustRegister panics on error; for startup wiring only.
func (r *Registry) MustRegister(handlers ...Handler) *Registry {
	for _, h := range handlers {
		if err := r.Register(h); err != nil {
			panic(err)
		}
	}
	return r
}

func (r *Registry) Resolve(typ string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.items[typ]
	return h, ok
}

// Types returns registered types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.items))
	for typ := range r.items {
		out = append(out, typ)
	}
	slices.Sort(out)
	return out
}

// Encode satisfies ledger.Codec.
func (r *Registry) Encode(typ string, value any) ([]byte, error) {
	h, ok := r.Resolve(typ)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, typ)
	}
	return h.Encode(value)
}

func (r *Registry) Decode(typ string, payload []byte) (any, error) {
	h, ok := r.Resolve(typ)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, typ)
	}
	v, err := h.Decode(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDecode, typ, err)
	}
	return v, nil
}

// Task types are upper snake case, e.g. MEDIA_TRANSCODING.
func isValidType(typ string) bool {
	if typ == "" || strings.HasPrefix(typ, "_") || strings.HasSuffix(typ, "_") {
		return false
	}
	for i := 0; i < len(typ); i++ {
		c := typ[i]
		if !(c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_') {
			return false
		}
	}
	return true
}
