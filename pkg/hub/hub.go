// Package hub owns a fixed set of named pipes created at startup with a
// shared capacity. It resolves external names to pipe instances, dispatches
// session opens, reports per-pipe stats, and optionally meters the total
// ring storage against a memory budget. All state is in-memory and
// discarded at teardown.
package hub

import (
	"errors"
	"fmt"
	"sync"

	"github.com/haivivi/pipemux/pkg/pipe"
)

// Sentinel errors.
var (
	// ErrNotFound is returned when a name resolves to no pipe.
	ErrNotFound = errors.New("hub: pipe not found")

	// ErrClosed is returned by Open after the hub has been closed.
	ErrClosed = errors.New("hub: closed")
)

// Defaults applied by New for zero Config fields.
const (
	DefaultPipes    = 1
	DefaultCapacity = 4096
	DefaultPrefix   = "pipe"
)

// Config describes the pipe set. It is consumed once by New; the values are
// fixed for the lifetime of the hub.
type Config struct {
	// Pipes is the number of instances to create. Default 1.
	Pipes int `yaml:"pipes,omitempty" json:"pipes,omitempty"`

	// Capacity is the ring size in bytes, identical for every instance.
	// Default 4096.
	Capacity int `yaml:"capacity,omitempty" json:"capacity,omitempty"`

	// Prefix names the instances prefix0..prefixN-1. Default "pipe".
	Prefix string `yaml:"prefix,omitempty" json:"prefix,omitempty"`

	// MemLimit caps the total bytes of ring storage allocated across all
	// instances at any moment. Opens that would exceed it fail with
	// pipe.ErrNoMemory; closing the last session of a pipe returns its
	// bytes to the budget. Zero means no limit.
	MemLimit int64 `yaml:"mem_limit,omitempty" json:"mem_limit,omitempty"`
}

// Stat is a point-in-time snapshot of one pipe.
type Stat struct {
	Name      string `yaml:"name" json:"name"`
	Capacity  int    `yaml:"capacity" json:"capacity"`
	Buffered  int    `yaml:"buffered" json:"buffered"`
	Readers   int    `yaml:"readers" json:"readers"`
	Writers   int    `yaml:"writers" json:"writers"`
	Allocated bool   `yaml:"allocated" json:"allocated"`
}

// Hub maps names to pipe instances.
type Hub struct {
	names []string
	pipes map[string]*pipe.Pipe

	mu     sync.Mutex
	closed bool
}

// New creates the pipe set described by cfg.
func New(cfg Config) (*Hub, error) {
	if cfg.Pipes < 0 {
		return nil, fmt.Errorf("hub: invalid pipe count %d", cfg.Pipes)
	}
	if cfg.Pipes == 0 {
		cfg.Pipes = DefaultPipes
	}
	if cfg.Capacity < 0 {
		return nil, fmt.Errorf("hub: invalid capacity %d", cfg.Capacity)
	}
	if cfg.Capacity == 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.MemLimit < 0 {
		return nil, fmt.Errorf("hub: invalid memory limit %d", cfg.MemLimit)
	}

	var opts []pipe.Option
	if cfg.MemLimit > 0 {
		opts = append(opts, pipe.WithAllocator(&budgetAllocator{limit: cfg.MemLimit}))
	}

	h := &Hub{pipes: make(map[string]*pipe.Pipe, cfg.Pipes)}
	for i := 0; i < cfg.Pipes; i++ {
		name := fmt.Sprintf("%s%d", cfg.Prefix, i)
		p, err := pipe.New(cfg.Capacity, opts...)
		if err != nil {
			return nil, fmt.Errorf("hub: create %s: %w", name, err)
		}
		h.names = append(h.names, name)
		h.pipes[name] = p
	}
	return h, nil
}

// Open resolves name and opens a session on the matching pipe.
func (h *Hub) Open(name string, mode pipe.Mode, opts ...pipe.OpenOption) (*pipe.Handle, error) {
	p, err := h.lookup(name)
	if err != nil {
		return nil, err
	}
	return p.Open(mode, opts...)
}

// Names returns the pipe names in creation order.
func (h *Hub) Names() []string {
	names := make([]string, len(h.names))
	copy(names, h.names)
	return names
}

// Stat returns a snapshot of the named pipe.
func (h *Hub) Stat(name string) (Stat, error) {
	p, err := h.lookup(name)
	if err != nil {
		return Stat{}, err
	}
	return statOf(name, p), nil
}

// Stats returns snapshots of every pipe in creation order.
func (h *Hub) Stats() []Stat {
	stats := make([]Stat, 0, len(h.names))
	for _, name := range h.names {
		stats = append(stats, statOf(name, h.pipes[name]))
	}
	return stats
}

// Close tears the hub down. Sessions already open keep working until they
// close themselves; further Open calls fail with ErrClosed.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	return nil
}

func (h *Hub) lookup(name string) (*pipe.Pipe, error) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	p, ok := h.pipes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return p, nil
}

func statOf(name string, p *pipe.Pipe) Stat {
	buffered, readers, writers, allocated := p.Snapshot()
	return Stat{
		Name:      name,
		Capacity:  p.Cap(),
		Buffered:  buffered,
		Readers:   readers,
		Writers:   writers,
		Allocated: allocated,
	}
}

// budgetAllocator meters ring storage against a shared byte limit.
type budgetAllocator struct {
	mu    sync.Mutex
	limit int64
	used  int64
}

func (a *budgetAllocator) Alloc(n int) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.used+int64(n) > a.limit {
		return nil, fmt.Errorf("hub: memory limit exceeded (%d of %d bytes in use)", a.used, a.limit)
	}
	a.used += int64(n)
	return make([]byte, n), nil
}

func (a *budgetAllocator) Release(buf []byte) {
	a.mu.Lock()
	a.used -= int64(len(buf))
	a.mu.Unlock()
}
