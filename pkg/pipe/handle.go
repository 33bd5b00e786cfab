package pipe

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// Handle is a session's view of a pipe: the mode it was opened with and
// whether it blocks. It holds no mutable shared state of its own, which is
// why Close cannot fail.
type Handle struct {
	p        *Pipe
	mode     Mode
	nonblock bool

	once   sync.Once
	closed bool // guarded by p.mu
}

// Mode returns the mode the session was opened with.
func (h *Handle) Mode() Mode { return h.mode }

// Nonblock reports whether the session is non-blocking.
func (h *Handle) Nonblock() bool { return h.nonblock }

// Cap returns the capacity of the underlying pipe.
func (h *Handle) Cap() int { return h.p.capacity }

// Read copies up to len(b) buffered bytes into b. It blocks while the pipe
// is empty unless the session is non-blocking, in which case it returns
// ErrWouldBlock. A blocked read returns as soon as any writer commits.
// Short reads are normal; n may be anywhere in [1, len(b)].
func (h *Handle) Read(ctx context.Context, b []byte) (int, error) {
	if h.mode&ModeRead == 0 {
		return 0, ErrNotReader
	}
	if len(b) == 0 {
		return 0, nil
	}
	p := h.p
	p.mu.Lock()
	if h.closed {
		p.mu.Unlock()
		return 0, ErrClosed
	}
	for p.count == 0 {
		if h.nonblock {
			p.mu.Unlock()
			return 0, ErrWouldBlock
		}
		gate := p.dataGate
		p.mu.Unlock()
		select {
		case <-gate:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
		p.mu.Lock()
	}

	n := min(len(b), p.count)
	top := p.capacity - p.readp
	if n <= top {
		copy(b, p.buf[p.readp:p.readp+n])
	} else {
		copy(b, p.buf[p.readp:])
		copy(b[top:], p.buf[:n-top])
	}
	p.readp = (p.readp + n) % p.capacity
	p.count -= n
	p.wakeWritersLocked()
	p.mu.Unlock()
	return n, nil
}

// Write copies up to len(b) bytes from b into the pipe in a single
// transfer, bounded by the free space. It blocks while the pipe is full
// unless the session is non-blocking, in which case it returns
// ErrWouldBlock. n may be less than len(b); the caller retries with the
// remainder.
func (h *Handle) Write(ctx context.Context, b []byte) (int, error) {
	if h.mode&ModeWrite == 0 {
		return 0, ErrNotWriter
	}
	if len(b) == 0 {
		return 0, nil
	}
	p := h.p
	p.mu.Lock()
	if h.closed {
		p.mu.Unlock()
		return 0, ErrClosed
	}
	for p.count == p.capacity {
		if h.nonblock {
			p.mu.Unlock()
			return 0, ErrWouldBlock
		}
		gate := p.spaceGate
		p.mu.Unlock()
		select {
		case <-gate:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
		p.mu.Lock()
	}

	n := min(len(b), p.capacity-p.count)
	top := p.capacity - p.writep
	if n <= top {
		copy(p.buf[p.writep:p.writep+n], b)
	} else {
		copy(p.buf[p.writep:], b)
		copy(p.buf, b[top:n])
	}
	p.writep = (p.writep + n) % p.capacity
	p.count += n
	p.wakeReadersLocked()
	p.mu.Unlock()
	return n, nil
}

// CopyTo moves up to max buffered bytes into dst in a single transfer. dst
// is invoked while the pipe is locked, so it must not call back into the
// pipe. A failed or short dst.Write returns ErrFault with cursors and fill
// count untouched; the same bytes remain readable.
func (h *Handle) CopyTo(ctx context.Context, dst io.Writer, max int) (int, error) {
	if h.mode&ModeRead == 0 {
		return 0, ErrNotReader
	}
	if max <= 0 {
		return 0, nil
	}
	p := h.p
	p.mu.Lock()
	if h.closed {
		p.mu.Unlock()
		return 0, ErrClosed
	}
	for p.count == 0 {
		if h.nonblock {
			p.mu.Unlock()
			return 0, ErrWouldBlock
		}
		gate := p.dataGate
		p.mu.Unlock()
		select {
		case <-gate:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
		p.mu.Lock()
	}

	n := min(max, p.count)
	first := min(n, p.capacity-p.readp)
	if err := writeFull(dst, p.buf[p.readp:p.readp+first]); err != nil {
		p.mu.Unlock()
		return 0, fmt.Errorf("%w: %v", ErrFault, err)
	}
	if n > first {
		if err := writeFull(dst, p.buf[:n-first]); err != nil {
			p.mu.Unlock()
			return 0, fmt.Errorf("%w: %v", ErrFault, err)
		}
	}
	p.readp = (p.readp + n) % p.capacity
	p.count -= n
	p.wakeWritersLocked()
	p.mu.Unlock()
	return n, nil
}

// CopyFrom fills the pipe with up to max bytes taken from src in a single
// transfer, bounded by the free space. src must be able to supply the full
// transfer size; any failure to do so, including early EOF, returns
// ErrFault with nothing committed. src is invoked while the pipe is
// locked, so it must not call back into the pipe.
func (h *Handle) CopyFrom(ctx context.Context, src io.Reader, max int) (int, error) {
	if h.mode&ModeWrite == 0 {
		return 0, ErrNotWriter
	}
	if max <= 0 {
		return 0, nil
	}
	p := h.p
	p.mu.Lock()
	if h.closed {
		p.mu.Unlock()
		return 0, ErrClosed
	}
	for p.count == p.capacity {
		if h.nonblock {
			p.mu.Unlock()
			return 0, ErrWouldBlock
		}
		gate := p.spaceGate
		p.mu.Unlock()
		select {
		case <-gate:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
		p.mu.Lock()
	}

	n := min(max, p.capacity-p.count)
	first := min(n, p.capacity-p.writep)
	if _, err := io.ReadFull(src, p.buf[p.writep:p.writep+first]); err != nil {
		p.mu.Unlock()
		return 0, fmt.Errorf("%w: %v", ErrFault, err)
	}
	if n > first {
		if _, err := io.ReadFull(src, p.buf[:n-first]); err != nil {
			p.mu.Unlock()
			return 0, fmt.Errorf("%w: %v", ErrFault, err)
		}
	}
	p.writep = (p.writep + n) % p.capacity
	p.count += n
	p.wakeReadersLocked()
	p.mu.Unlock()
	return n, nil
}

// Close releases the session, decrementing the pipe's reader and/or writer
// count per the session mode. When both counts reach zero the ring storage
// is released and the pipe returns to the unallocated state. Close always
// succeeds; calls after the first are no-ops.
func (h *Handle) Close() error {
	h.once.Do(func() {
		p := h.p
		p.mu.Lock()
		h.closed = true
		if h.mode&ModeRead != 0 {
			p.readers--
		}
		if h.mode&ModeWrite != 0 {
			p.writers--
		}
		if p.readers == 0 && p.writers == 0 && p.buf != nil {
			p.alloc.Release(p.buf)
			p.buf = nil
		}
		p.mu.Unlock()
	})
	return nil
}

func writeFull(w io.Writer, b []byte) error {
	n, err := w.Write(b)
	if err != nil {
		return err
	}
	if n != len(b) {
		return io.ErrShortWrite
	}
	return nil
}
