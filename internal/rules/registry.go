package rules

import (
	"sync"
)

// Registry holds registered descriptors in priority buckets. Reads
// vastly outnumber writes; registration normally happens once at
// startup but runtime registration is allowed.
type Registry struct {
	mu      sync.RWMutex
	prefix  string
	buckets map[Priority][]*Descriptor
}

// NewRegistry creates a registry whose command descriptors use the
// given command prefix.
func NewRegistry(prefix string) *Registry {
	if prefix == "" {
		prefix = "."
	}
	return &Registry{
		prefix:  prefix,
		buckets: make(map[Priority][]*Descriptor),
	}
}

// Register compiles and stores a descriptor. The descriptor must not
// be mutated afterwards.
func (r *Registry) Register(d *Descriptor) error {
	if err := d.compile(r.prefix); err != nil {
		return err
	}
	r.mu.Lock()
	r.buckets[d.Priority] = append(r.buckets[d.Priority], d)
	r.mu.Unlock()
	return nil
}

// ByPriority returns a snapshot of one priority bucket in registration
// order.
func (r *Registry) ByPriority(p Priority) []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bucket := r.buckets[p]
	out := make([]*Descriptor, len(bucket))
	copy(out, bucket)
	return out
}

// Prefix returns the command prefix descriptors were compiled with.
func (r *Registry) Prefix() string {
	return r.prefix
}

// Len returns the number of registered descriptors.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, bucket := range r.buckets {
		n += len(bucket)
	}
	return n
}
