package index

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"ariesdb/log"
)

// Comparator orders keys. It must be a pure function of its arguments and
// may report 0 only for byte-equal keys: key locks are named by key bytes,
// and an operation that meets a differently spelled equal key fails with
// ErrInvalidUsage.
type Comparator func(a, b []byte) int

// Bytewise is the name of the built-in lexicographic comparator.
const Bytewise = "bytewise"

// Registry resolves comparator names stored in index meta pages to
// functions. Every process that opens an index must register the same
// comparators under the same names.
type Registry struct {
	mu   sync.RWMutex
	cmps map[string]Comparator
}

func NewRegistry() *Registry {
	r := &Registry{cmps: make(map[string]Comparator)}
	r.cmps[Bytewise] = bytes.Compare
	return r
}

// Register binds name to cmp. Re-registering a name replaces it.
func (r *Registry) Register(name string, cmp Comparator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cmps[name] = cmp
}

func (r *Registry) Lookup(name string) (Comparator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmp, ok := r.cmps[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownComparator, name)
	}
	return cmp, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.cmps))
	for name := range r.cmps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Descriptor binds an index to its comparator and schema. A descriptor is
// never modified once published; a change produces a new one with a higher
// version.
type Descriptor struct {
	Version    uint64
	Comparator string
	Schema     []byte

	compare Comparator
}

// Compare orders two keys under the descriptor's comparator.
func (d *Descriptor) Compare(a, b []byte) int {
	return d.compare(a, b)
}

func (d *Descriptor) state() *log.DescriptorState {
	return &log.DescriptorState{
		Version:    d.Version,
		Comparator: d.Comparator,
		Schema:     bytes.Clone(d.Schema),
	}
}

func (r *Registry) resolve(s *log.DescriptorState) (*Descriptor, error) {
	cmp, err := r.Lookup(s.Comparator)
	if err != nil {
		return nil, err
	}
	return &Descriptor{
		Version:    s.Version,
		Comparator: s.Comparator,
		Schema:     bytes.Clone(s.Schema),
		compare:    cmp,
	}, nil
}

// NewDescriptor builds the first descriptor of a new index.
func (r *Registry) NewDescriptor(comparator string, schema []byte) (*Descriptor, error) {
	return r.resolve(&log.DescriptorState{Version: 1, Comparator: comparator, Schema: schema})
}
