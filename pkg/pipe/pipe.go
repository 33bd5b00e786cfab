package pipe

import (
	"errors"
	"fmt"
	"sync"
)

// Mode selects the directions a session may use.
type Mode uint8

const (
	// ModeRead opens the session for reading.
	ModeRead Mode = 1 << iota
	// ModeWrite opens the session for writing.
	ModeWrite
)

// String returns "r", "w" or "rw".
func (m Mode) String() string {
	switch m & (ModeRead | ModeWrite) {
	case ModeRead:
		return "r"
	case ModeWrite:
		return "w"
	case ModeRead | ModeWrite:
		return "rw"
	}
	return "invalid"
}

// Allocator provides the ring storage for a pipe. Implementations may meter
// allocations against a shared budget. Alloc must return a zeroed slice of
// exactly n bytes; Release is called with the same slice when the last
// session closes.
type Allocator interface {
	Alloc(n int) ([]byte, error)
	Release(buf []byte)
}

// makeAllocator is the default Allocator backed by make.
type makeAllocator struct{}

func (makeAllocator) Alloc(n int) ([]byte, error) { return make([]byte, n), nil }
func (makeAllocator) Release([]byte)              {}

// Option configures a Pipe.
type Option func(*Pipe)

// WithAllocator sets the allocator used for the ring storage.
func WithAllocator(a Allocator) Option {
	return func(p *Pipe) { p.alloc = a }
}

// Pipe is a bounded circular byte-stream channel. Storage is allocated on
// the first Open and released when the last Handle closes; a later Open
// reallocates with cursors and fill count reset, so no data survives a full
// drain-and-reopen cycle.
//
// A single mutex guards every field. The two gates decouple producers from
// consumers: a waiter snapshots the gate under the mutex, releases the
// mutex, then selects on the gate and its context; wakers close the gate
// and install a fresh one, still under the mutex. A wake is a hint, never a
// grant - every waiter re-checks its predicate after reacquiring the mutex.
type Pipe struct {
	capacity int
	alloc    Allocator

	mu      sync.Mutex
	buf     []byte // nil while no session holds the pipe open
	readp   int    // next index to read from, in [0, capacity)
	writep  int    // next index to write to, in [0, capacity)
	count   int    // valid unread bytes, in [0, capacity]
	readers int
	writers int

	dataGate  chan struct{} // closed and replaced when data arrives
	spaceGate chan struct{} // closed and replaced when space frees up
}

// New creates a pipe with the given fixed capacity. The capacity cannot be
// changed afterwards. Storage is not allocated until the first Open.
func New(capacity int, opts ...Option) (*Pipe, error) {
	if capacity <= 0 {
		return nil, errors.New("pipe: capacity must be positive")
	}
	p := &Pipe{
		capacity:  capacity,
		alloc:     makeAllocator{},
		dataGate:  make(chan struct{}),
		spaceGate: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// OpenOption configures a session at open time.
type OpenOption func(*Handle)

// Nonblock marks the session non-blocking: read and write return
// ErrWouldBlock instead of suspending.
func Nonblock() OpenOption {
	return func(h *Handle) { h.nonblock = true }
}

// Open creates a session with the given mode. The first open from either
// direction allocates the zeroed ring storage; an allocation failure
// returns ErrNoMemory and leaves the pipe unallocated.
func (p *Pipe) Open(mode Mode, opts ...OpenOption) (*Handle, error) {
	if mode&(ModeRead|ModeWrite) == 0 || mode&^(ModeRead|ModeWrite) != 0 {
		return nil, ErrInvalidMode
	}
	h := &Handle{p: p, mode: mode}
	for _, opt := range opts {
		opt(h)
	}

	p.mu.Lock()
	if p.buf == nil {
		buf, err := p.alloc.Alloc(p.capacity)
		if err != nil {
			p.mu.Unlock()
			return nil, fmt.Errorf("%w: %v", ErrNoMemory, err)
		}
		p.buf = buf
		p.readp, p.writep, p.count = 0, 0, 0
	}
	if mode&ModeRead != 0 {
		p.readers++
	}
	if mode&ModeWrite != 0 {
		p.writers++
	}
	p.mu.Unlock()
	return h, nil
}

// Cap returns the fixed capacity.
func (p *Pipe) Cap() int { return p.capacity }

// Len returns the number of buffered unread bytes.
func (p *Pipe) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

// Readers returns the number of open read sessions.
func (p *Pipe) Readers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readers
}

// Writers returns the number of open write sessions.
func (p *Pipe) Writers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writers
}

// Allocated reports whether the ring storage is currently held.
func (p *Pipe) Allocated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf != nil
}

// Snapshot returns the buffered byte count, session counts and allocation
// state as one consistent view.
func (p *Pipe) Snapshot() (buffered, readers, writers int, allocated bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count, p.readers, p.writers, p.buf != nil
}

func (p *Pipe) wakeReadersLocked() {
	close(p.dataGate)
	p.dataGate = make(chan struct{})
}

func (p *Pipe) wakeWritersLocked() {
	close(p.spaceGate)
	p.spaceGate = make(chan struct{})
}
