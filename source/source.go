// Package source defines the backend interface data sources implement and
// the registry the agent resolves source types through.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"qharbor/sync-agent/db"
	"qharbor/sync-agent/record"
)

// Backend is one kind of data source the agent can synchronize from.
type Backend interface {
	// Type is the stable name the source type is registered under.
	Type() string

	// ConfigSchema returns the JSON schema source configurations must
	// satisfy.
	ConfigSchema() string

	// MapToSingleScope reports whether sources of this type need a default
	// scope; backends that resolve scopes per dataset return false.
	MapToSingleScope() bool

	// LiveSyncSupported reports whether the backend can synchronize
	// datasets that are still being written.
	LiveSyncSupported() bool

	// RootPath returns the directory a file-tree source watches, or the
	// empty string for database-driven backends.
	RootPath(cfg json.RawMessage) (string, error)

	// Discover lists datasets as (identifier, modification time as
	// priority) pairs. File-tree backends delegate to the detectors; the
	// engine calls this on every source scan.
	Discover(ctx context.Context, cfg json.RawMessage, known map[string]float64) ([]db.NewItem, error)

	// CheckLiveDataset reports whether an item still receives writes.
	// maxPriority is true when the item is the newest of its source.
	CheckLiveDataset(ctx context.Context, cfg json.RawMessage, item *db.SyncItem, maxPriority bool) (bool, error)

	// SyncDataset synchronizes one dataset. Progress and failures are
	// reported on rec.
	SyncDataset(ctx context.Context, cfg json.RawMessage, item *db.SyncItem, rec *record.Record, live bool) error
}

// Registry resolves source type names to backends.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Backend)}
}

// Register adds a backend. Registering the same type twice is an error.
func (r *Registry) Register(b Backend) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.backends[b.Type()]; exists {
		return fmt.Errorf("source type %q already registered", b.Type())
	}
	r.backends[b.Type()] = b
	return nil
}

// Get resolves a source type name.
func (r *Registry) Get(sourceType string) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[sourceType]
	return b, ok
}

// Types lists the registered source types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.backends))
	for t := range r.backends {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// ValidateConfig checks a source configuration against the backend schema.
func (r *Registry) ValidateConfig(sourceType string, cfg json.RawMessage) error {
	b, ok := r.Get(sourceType)
	if !ok {
		return fmt.Errorf("unknown source type %q", sourceType)
	}

	schema := gojsonschema.NewStringLoader(b.ConfigSchema())
	document := gojsonschema.NewBytesLoader(cfg)
	result, err := gojsonschema.Validate(schema, document)
	if err != nil {
		return fmt.Errorf("failed to validate config: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return fmt.Errorf("invalid config for source type %q: %v", sourceType, msgs)
	}
	return nil
}
