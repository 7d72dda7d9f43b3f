// Package sourceregistry is the declarative catalog of sources spec.md
// §2 describes: each entry names its auth methods, config schema, and
// capabilities. It is modeled on the teacher's
// internal/mcpserver/tools.Registry — a name-keyed map with an
// insertion-order slice for stable listing, Register/MustRegister/List
// — generalized from "tool name → handler" to "source short_name →
// schema + auth methods + capability flags".
package sourceregistry

import (
	"fmt"
	"sync"

	"github.com/airweave-ai/airweave-core/internal/credentials"
)

// FieldSchema describes one config or auth field a source declares.
type FieldSchema struct {
	Name        string
	Type        string // "string", "int", "bool", "secret"
	Required    bool
	Description string
}

// Capabilities flags what a source can do, consulted by the ACL
// pipeline (§4.5) and the content processor (§4.4.3).
type Capabilities struct {
	SupportsIncrementalACL bool
	SupportsFileEntities   bool
	SupportsCodeEntities   bool
	RequiresBYOC           bool
}

// Entry is one registered source definition.
type Entry struct {
	ShortName      string
	DisplayName    string
	AuthMethods    []credentials.AuthMethod
	ConfigSchema   []FieldSchema
	AuthSchema     []FieldSchema
	Capabilities   Capabilities
	NewSourceClass func() SourceClass
}

// SupportsAuthMethod implements the check spec.md §4.3 step 3 requires
// before instantiating a source for validation.
func (e Entry) SupportsAuthMethod(method credentials.AuthMethod) bool {
	for _, m := range e.AuthMethods {
		if m == method {
			return true
		}
	}
	return false
}

// SourceClass is the contract every connector plugin implements (§1
// "Out of scope: specific per-source connector business logic"). The
// registry only needs enough of the contract to run create-time
// validation (§4.3 step 6) and to know whether it supports a method;
// entity generation itself lives in internal/entitypipeline's Source
// interface, which a SourceClass also satisfies.
type SourceClass interface {
	Validate(ctx ValidateContext) error
}

// ValidateContext carries whatever a connector needs to validate
// credentials without a live sync — kept minimal and opaque on
// purpose, since each connector's validation call is provider-specific.
type ValidateContext struct {
	Config      map[string]any
	Credentials credentials.Bundle
}

// Registry is the name-keyed, insertion-ordered source catalog.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]Entry
	ordering []string
}

func New() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

func (r *Registry) Register(e Entry) error {
	if e.ShortName == "" {
		return fmt.Errorf("source short_name cannot be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[e.ShortName]; exists {
		return fmt.Errorf("source %q already registered", e.ShortName)
	}
	r.entries[e.ShortName] = e
	r.ordering = append(r.ordering, e.ShortName)
	return nil
}

// MustRegister registers a source or panics, for init-time registration
// of bundled connectors.
func (r *Registry) MustRegister(e Entry) {
	if err := r.Register(e); err != nil {
		panic(err)
	}
}

// Get returns the entry for short_name. Callers map a missing entry to
// a NotFound apperrors error (§4.3 step 1).
func (r *Registry) Get(shortName string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[shortName]
	return e, ok
}

// List returns every registered entry in registration order.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.ordering))
	for _, name := range r.ordering {
		out = append(out, r.entries[name])
	}
	return out
}
