// Package detect finds dataset folders under a source root and reports new
// or modified datasets to the engine. A filesystem-event watcher covers
// local disks; network mounts fall back to a rate-limited polling scan.
package detect

import (
	"sync"
)

// Update reports a new or modified dataset. Priority is the dataset
// modification time in epoch seconds; the queue orders on it.
type Update struct {
	Identifier string
	Priority   float64
}

// Registry is the detector's view of the datasets already known for one
// source, keyed by identifier with the last seen modification time. It is
// seeded from the queue and updated as detections are emitted, so the same
// modification is reported once.
type Registry struct {
	mu    sync.Mutex
	known map[string]float64
}

// NewRegistry creates a registry seeded with the known datasets.
func NewRegistry(known map[string]float64) *Registry {
	m := make(map[string]float64, len(known))
	for k, v := range known {
		m[k] = v
	}
	return &Registry{known: m}
}

// Observe records a sighting. It returns true when the dataset is new or
// its modification time moved forward.
func (r *Registry) Observe(identifier string, modTime float64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	last, ok := r.known[identifier]
	if ok && modTime <= last {
		return false
	}
	r.known[identifier] = modTime
	return true
}

// Newest returns the identifier with the highest modification time. ok is
// false when the registry is empty.
func (r *Registry) Newest() (identifier string, modTime float64, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, mt := range r.known {
		if !ok || mt > modTime {
			identifier, modTime, ok = id, mt, true
		}
	}
	return identifier, modTime, ok
}

// Len returns the number of known datasets.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.known)
}
