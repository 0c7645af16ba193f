package schema

import (
	"fmt"
	"os"
	"sync/atomic"
)

// generation is one immutable load of the config. Records materialized from
// an older generation keep referencing it; Reload never migrates them.
type generation struct {
	num    uint64
	blocks map[string]BlockSchema
	order  []string
}

// Registry holds the active schema generation. The generation pointer is the
// only process-wide mutable state in the engine and is swapped atomically.
type Registry struct {
	active  atomic.Pointer[generation]
	nextGen atomic.Uint64
}

// Load parses raw config bytes and installs them as the first generation.
func Load(raw []byte) (*Registry, error) {
	r := &Registry{}
	if err := r.install(raw); err != nil {
		return nil, err
	}
	return r, nil
}

// LoadFile reads and loads a config file.
func LoadFile(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Msg: fmt.Sprintf("read %s: %v", path, err)}
	}
	return Load(raw)
}

// Reload atomically swaps in a new generation. On error the active
// generation is untouched.
func (r *Registry) Reload(raw []byte) error {
	return r.install(raw)
}

func (r *Registry) install(raw []byte) error {
	blocks, err := Parse(raw)
	if err != nil {
		return err
	}
	gen := &generation{
		num:    r.nextGen.Add(1),
		blocks: make(map[string]BlockSchema, len(blocks)),
		order:  make([]string, 0, len(blocks)),
	}
	for _, b := range blocks {
		gen.blocks[b.Label] = b
		gen.order = append(gen.order, b.Label)
	}
	r.active.Store(gen)
	return nil
}

// Get returns the block schema for label from the active generation.
func (r *Registry) Get(label string) (BlockSchema, bool) {
	gen := r.active.Load()
	b, ok := gen.blocks[label]
	return b, ok
}

// Labels lists block labels in config order.
func (r *Registry) Labels() []string {
	gen := r.active.Load()
	out := make([]string, len(gen.order))
	copy(out, gen.order)
	return out
}

// Generation reports the active generation number, starting at 1.
func (r *Registry) Generation() uint64 {
	return r.active.Load().num
}
