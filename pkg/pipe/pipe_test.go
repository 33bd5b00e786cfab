package pipe

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"
)

// checkInvariants verifies the ring identity after an operation sequence.
func checkInvariants(t *testing.T, p *Pipe) {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.count < 0 || p.count > p.capacity {
		t.Fatalf("count %d out of [0, %d]", p.count, p.capacity)
	}
	if p.buf == nil {
		if p.readers+p.writers != 0 {
			t.Fatalf("unallocated with %d readers %d writers", p.readers, p.writers)
		}
		return
	}
	if p.readp < 0 || p.readp >= p.capacity || p.writep < 0 || p.writep >= p.capacity {
		t.Fatalf("cursors out of range: readp=%d writep=%d cap=%d", p.readp, p.writep, p.capacity)
	}
	if p.count > 0 {
		want := (p.writep - p.readp + p.capacity) % p.capacity
		if p.count == p.capacity {
			want = p.capacity
			if p.readp != p.writep {
				t.Fatalf("full buffer with readp=%d writep=%d", p.readp, p.writep)
			}
		}
		if p.count != want {
			t.Fatalf("count=%d, cursors say %d", p.count, want)
		}
	}
}

func TestNew(t *testing.T) {
	if _, err := New(0); err == nil {
		t.Error("capacity 0 expected error, but got nil")
	}
	if _, err := New(-1); err == nil {
		t.Error("capacity -1 expected error, but got nil")
	}
	p, err := New(8)
	if err != nil {
		t.Fatalf("new with error: %v", err)
	}
	if p.Cap() != 8 {
		t.Errorf("cap=%d", p.Cap())
	}
	if _, _, _, allocated := p.Snapshot(); allocated {
		t.Error("allocated before first open")
	}
}

func TestOpenModes(t *testing.T) {
	p, _ := New(8)

	if _, err := p.Open(0); !errors.Is(err, ErrInvalidMode) {
		t.Errorf("open with mode 0: %v", err)
	}

	w, err := p.Open(ModeWrite)
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}
	r, err := p.Open(ModeRead)
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}

	ctx := context.Background()
	if _, err := w.Read(ctx, make([]byte, 1)); !errors.Is(err, ErrNotReader) {
		t.Errorf("read on writer: %v", err)
	}
	if _, err := r.Write(ctx, []byte("x")); !errors.Is(err, ErrNotWriter) {
		t.Errorf("write on reader: %v", err)
	}

	if buffered, readers, writers, allocated := snapshot4(p); buffered != 0 || readers != 1 || writers != 1 || !allocated {
		t.Errorf("snapshot: buffered=%d readers=%d writers=%d allocated=%v", buffered, readers, writers, allocated)
	}

	w.Close()
	r.Close()
	checkInvariants(t, p)
}

func snapshot4(p *Pipe) (int, int, int, bool) {
	return p.Snapshot()
}

// TestWraparound runs the concrete capacity-8 scenario: fill, refuse the
// ninth byte, drain three, refill two across the boundary, drain the rest.
func TestWraparound(t *testing.T) {
	ctx := context.Background()
	p, _ := New(8)

	w, err := p.Open(ModeWrite, Nonblock())
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}
	r, err := p.Open(ModeRead)
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}
	defer w.Close()
	defer r.Close()

	n, err := w.Write(ctx, []byte("ABCDEFGH"))
	if err != nil || n != 8 {
		t.Fatalf("write ABCDEFGH: n=%d err=%v", n, err)
	}
	if p.Len() != 8 {
		t.Fatalf("len=%d after fill", p.Len())
	}

	if _, err := w.Write(ctx, []byte("X")); !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("write to full nonblock: %v", err)
	}

	buf := make([]byte, 3)
	n, err = r.Read(ctx, buf)
	if err != nil || n != 3 || string(buf[:n]) != "ABC" {
		t.Fatalf("read 3: n=%d err=%v got=%q", n, err, buf[:n])
	}
	if p.Len() != 5 {
		t.Fatalf("len=%d after read 3", p.Len())
	}

	n, err = w.Write(ctx, []byte("XY"))
	if err != nil || n != 2 {
		t.Fatalf("write XY: n=%d err=%v", n, err)
	}
	if p.Len() != 7 {
		t.Fatalf("len=%d after write XY", p.Len())
	}
	checkInvariants(t, p)

	buf = make([]byte, 7)
	n, err = r.Read(ctx, buf)
	if err != nil || string(buf[:n]) != "DEFGHXY" {
		t.Fatalf("read 7: n=%d err=%v got=%q", n, err, buf[:n])
	}
	checkInvariants(t, p)
}

func TestNonblock(t *testing.T) {
	ctx := context.Background()
	p, _ := New(4)

	r, _ := p.Open(ModeRead, Nonblock())
	defer r.Close()
	if _, err := r.Read(ctx, make([]byte, 1)); !errors.Is(err, ErrWouldBlock) {
		t.Errorf("read empty nonblock: %v", err)
	}

	w, _ := p.Open(ModeWrite, Nonblock())
	defer w.Close()
	if n, err := w.Write(ctx, []byte("abcd")); n != 4 || err != nil {
		t.Fatalf("fill: n=%d err=%v", n, err)
	}
	if _, err := w.Write(ctx, []byte("e")); !errors.Is(err, ErrWouldBlock) {
		t.Errorf("write full nonblock: %v", err)
	}
}

// TestPartialWrite checks that a write longer than the free space commits
// exactly the free space, not the current fill level.
func TestPartialWrite(t *testing.T) {
	ctx := context.Background()
	p, _ := New(8)

	w, _ := p.Open(ModeWrite)
	r, _ := p.Open(ModeRead)
	defer w.Close()
	defer r.Close()

	if n, _ := w.Write(ctx, []byte("abcde")); n != 5 {
		t.Fatalf("prefill n=%d", n)
	}
	// 5 of 8 used: free space (3) is below the fill level, the divergence
	// case for the two capping rules.
	n, err := w.Write(ctx, []byte("0123456789"))
	if err != nil {
		t.Fatalf("partial write: %v", err)
	}
	if n != 3 {
		t.Fatalf("partial write n=%d, want 3", n)
	}
	if p.Len() != 8 {
		t.Fatalf("len=%d, want full", p.Len())
	}

	buf := make([]byte, 8)
	if n, _ := r.Read(ctx, buf); string(buf[:n]) != "abcde012" {
		t.Fatalf("drained %q", buf[:n])
	}
	checkInvariants(t, p)
}

// TestBlockedReadWake checks that a blocked reader returns as soon as a
// writer commits, without reopening.
func TestBlockedReadWake(t *testing.T) {
	ctx := context.Background()
	p, _ := New(8)

	r, _ := p.Open(ModeRead)
	w, _ := p.Open(ModeWrite)
	defer r.Close()
	defer w.Close()

	got := make(chan []byte, 1)
	readErr := make(chan error, 1)
	go func() {
		buf := make([]byte, 8)
		n, err := r.Read(ctx, buf)
		if err != nil {
			readErr <- err
			return
		}
		got <- buf[:n]
	}()

	time.Sleep(10 * time.Millisecond) // let the reader park
	if _, err := w.Write(ctx, []byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case b := <-got:
		if string(b) != "ping" {
			t.Fatalf("got %q", b)
		}
	case err := <-readErr:
		t.Fatalf("read with error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("reader never woke")
	}
}

func TestCancel(t *testing.T) {
	p, _ := New(8)
	r, _ := p.Open(ModeRead)
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	readErr := make(chan error, 1)
	go func() {
		_, err := r.Read(ctx, make([]byte, 1))
		readErr <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-readErr:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("cancelled read: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancel did not unblock the reader")
	}
	if p.Len() != 0 {
		t.Fatalf("len=%d after cancelled read", p.Len())
	}
	checkInvariants(t, p)
}

func TestCancelWrite(t *testing.T) {
	ctx := context.Background()
	p, _ := New(4)
	w, _ := p.Open(ModeWrite)
	defer w.Close()

	if _, err := w.Write(ctx, []byte("full")); err != nil {
		t.Fatalf("fill: %v", err)
	}

	cctx, cancel := context.WithCancel(context.Background())
	writeErr := make(chan error, 1)
	go func() {
		_, err := w.Write(cctx, []byte("more"))
		writeErr <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-writeErr:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("cancelled write: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancel did not unblock the writer")
	}
	if p.Len() != 4 {
		t.Fatalf("len=%d after cancelled write", p.Len())
	}
}

// TestDrainReopen checks the lifecycle reset: once the last session closes,
// storage is released and a reopen starts from a zeroed, empty ring.
func TestDrainReopen(t *testing.T) {
	ctx := context.Background()
	p, _ := New(8)

	w, _ := p.Open(ModeWrite)
	if _, err := w.Write(ctx, []byte("stale!")); err != nil {
		t.Fatalf("write: %v", err)
	}
	w.Close()

	if _, _, _, allocated := p.Snapshot(); allocated {
		t.Fatal("still allocated after last close")
	}

	r, err := p.Open(ModeRead, Nonblock())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer r.Close()
	if p.Len() != 0 {
		t.Fatalf("len=%d after reopen", p.Len())
	}
	if _, err := r.Read(ctx, make([]byte, 8)); !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("read after reopen: %v", err)
	}

	w2, _ := p.Open(ModeWrite)
	defer w2.Close()
	if _, err := w2.Write(ctx, []byte("new")); err != nil {
		t.Fatalf("write after reopen: %v", err)
	}
	buf := make([]byte, 8)
	n, err := r.Read(ctx, buf)
	if err != nil || string(buf[:n]) != "new" {
		t.Fatalf("read after reopen: n=%d err=%v got=%q", n, err, buf[:n])
	}
}

// flakyAllocator fails the first n allocations.
type flakyAllocator struct {
	failures int
	released int
}

func (a *flakyAllocator) Alloc(n int) ([]byte, error) {
	if a.failures > 0 {
		a.failures--
		return nil, errors.New("no memory")
	}
	return make([]byte, n), nil
}

func (a *flakyAllocator) Release(buf []byte) { a.released += len(buf) }

func TestAllocatorFailure(t *testing.T) {
	alloc := &flakyAllocator{failures: 1}
	p, _ := New(16, WithAllocator(alloc))

	if _, err := p.Open(ModeRead); !errors.Is(err, ErrNoMemory) {
		t.Fatalf("open with failing allocator: %v", err)
	}
	if _, readers, writers, allocated := p.Snapshot(); allocated || readers != 0 || writers != 0 {
		t.Fatalf("state changed by failed open: readers=%d writers=%d allocated=%v", readers, writers, allocated)
	}

	h, err := p.Open(ModeRead)
	if err != nil {
		t.Fatalf("open after allocator recovered: %v", err)
	}
	h.Close()
	if alloc.released != 16 {
		t.Fatalf("released %d bytes, want 16", alloc.released)
	}
}

// failingWriter errors after accepting a prefix.
type failingWriter struct {
	accept int
}

func (w *failingWriter) Write(p []byte) (int, error) {
	if len(p) <= w.accept {
		w.accept -= len(p)
		return len(p), nil
	}
	n := w.accept
	w.accept = 0
	return n, errors.New("sink failed")
}

func TestCopyToFault(t *testing.T) {
	ctx := context.Background()
	p, _ := New(8)

	w, _ := p.Open(ModeWrite)
	r, _ := p.Open(ModeRead)
	defer w.Close()
	defer r.Close()

	if _, err := w.Write(ctx, []byte("ABCDEFGH")); err != nil {
		t.Fatalf("fill: %v", err)
	}

	if _, err := r.CopyTo(ctx, &failingWriter{accept: 2}, 8); !errors.Is(err, ErrFault) {
		t.Fatalf("faulting sink: %v", err)
	}
	if p.Len() != 8 {
		t.Fatalf("len=%d after fault, want 8", p.Len())
	}
	checkInvariants(t, p)

	// The same bytes are still readable.
	var out bytes.Buffer
	n, err := r.CopyTo(ctx, &out, 8)
	if err != nil || n != 8 || out.String() != "ABCDEFGH" {
		t.Fatalf("copy after fault: n=%d err=%v got=%q", n, err, out.String())
	}
}

func TestCopyFromFault(t *testing.T) {
	ctx := context.Background()
	p, _ := New(8)

	w, _ := p.Open(ModeWrite)
	defer w.Close()

	if _, err := w.CopyFrom(ctx, bytes.NewReader([]byte("ab")), 6); !errors.Is(err, ErrFault) {
		t.Fatalf("short source: %v", err)
	}
	if p.Len() != 0 {
		t.Fatalf("len=%d after fault, want 0", p.Len())
	}
	checkInvariants(t, p)

	n, err := w.CopyFrom(ctx, bytes.NewReader([]byte("abcdef")), 6)
	if err != nil || n != 6 {
		t.Fatalf("copy from: n=%d err=%v", n, err)
	}
	if p.Len() != 6 {
		t.Fatalf("len=%d", p.Len())
	}
}

// TestCopyRoundtrip drives CopyFrom/CopyTo across the wrap boundary.
func TestCopyRoundtrip(t *testing.T) {
	ctx := context.Background()
	p, _ := New(8)

	w, _ := p.Open(ModeWrite)
	r, _ := p.Open(ModeRead)
	defer w.Close()
	defer r.Close()

	// Advance the cursors so the next transfers wrap.
	if _, err := w.Write(ctx, []byte("xxxxx")); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Read(ctx, make([]byte, 5)); err != nil {
		t.Fatal(err)
	}

	n, err := w.CopyFrom(ctx, bytes.NewReader([]byte("ABCDEF")), 6)
	if err != nil || n != 6 {
		t.Fatalf("copy from: n=%d err=%v", n, err)
	}
	checkInvariants(t, p)

	var out bytes.Buffer
	n, err = r.CopyTo(ctx, &out, 6)
	if err != nil || n != 6 || out.String() != "ABCDEF" {
		t.Fatalf("copy to: n=%d err=%v got=%q", n, err, out.String())
	}
	checkInvariants(t, p)
}

func TestClosedHandle(t *testing.T) {
	ctx := context.Background()
	p, _ := New(8)

	h, _ := p.Open(ModeRead | ModeWrite)
	if err := h.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("double close: %v", err)
	}

	if _, err := h.Read(ctx, make([]byte, 1)); !errors.Is(err, ErrClosed) {
		t.Errorf("read after close: %v", err)
	}
	if _, err := h.Write(ctx, []byte("x")); !errors.Is(err, ErrClosed) {
		t.Errorf("write after close: %v", err)
	}
	if _, _, _, allocated := p.Snapshot(); allocated {
		t.Error("still allocated")
	}
}

// TestFIFO streams random data through pipes of varying capacity with a
// retrying producer and verifies byte-exact FIFO delivery.
func TestFIFO(t *testing.T) {
	for sz := 1; sz <= 4096; sz *= 8 {
		t.Run("capacity="+strconv.Itoa(sz), func(t *testing.T) {
			ctx := context.Background()
			p, _ := New(sz)

			w, _ := p.Open(ModeWrite)
			r, _ := p.Open(ModeRead)
			defer r.Close()

			data := make([]byte, 10240)
			rand.Read(data)

			producerErr := make(chan error, 1)
			go func() {
				defer w.Close()
				for i := 0; i < len(data); {
					chunk := int(data[i])%537 + 1
					if i+chunk > len(data) {
						chunk = len(data) - i
					}
					// Short writes are expected; retry the remainder.
					for off := 0; off < chunk; {
						n, err := w.Write(ctx, data[i+off:i+chunk])
						if err != nil {
							producerErr <- fmt.Errorf("write with error: %w", err)
							return
						}
						off += n
					}
					i += chunk
				}
				producerErr <- nil
			}()

			buf := make([]byte, 537)
			for ptr := 0; ptr < len(data); {
				n, err := r.Read(ctx, buf)
				if err != nil {
					t.Fatalf("read with error: %v", err)
				}
				if n == 0 {
					t.Fatal("read with n=0")
				}
				if !bytes.Equal(buf[:n], data[ptr:ptr+n]) {
					t.Fatalf("read with data not equal at %d", ptr)
				}
				ptr += n
			}
			if err := <-producerErr; err != nil {
				t.Fatal(err)
			}
			checkInvariants(t, p)
		})
	}
}

// TestConcurrentStress runs several writers and readers against one pipe
// and verifies that the multiset of delivered bytes matches what was sent.
func TestConcurrentStress(t *testing.T) {
	const (
		writers  = 4
		perValue = 2048
	)
	ctx := context.Background()
	p, _ := New(64)

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		w, err := p.Open(ModeWrite)
		if err != nil {
			t.Fatal(err)
		}
		wg.Add(1)
		go func(h *Handle, v byte) {
			defer wg.Done()
			defer h.Close()
			payload := bytes.Repeat([]byte{v}, 97)
			sent := 0
			for sent < perValue {
				want := min(len(payload), perValue-sent)
				n, err := h.Write(ctx, payload[:want])
				if err != nil {
					t.Errorf("writer %d: %v", v, err)
					return
				}
				sent += n
			}
		}(w, byte(i))
	}

	var tallyMu sync.Mutex
	tally := make([]int, writers)
	total := writers * perValue

	var rg sync.WaitGroup
	remaining := make(chan int, 1)
	remaining <- total
	for i := 0; i < 2; i++ {
		r, err := p.Open(ModeRead)
		if err != nil {
			t.Fatal(err)
		}
		rg.Add(1)
		go func(h *Handle) {
			defer rg.Done()
			defer h.Close()
			buf := make([]byte, 53)
			for {
				left := <-remaining
				if left == 0 {
					remaining <- 0
					return
				}
				want := min(len(buf), left)
				n, err := h.Read(ctx, buf[:want])
				if err != nil {
					remaining <- left
					t.Errorf("reader: %v", err)
					return
				}
				remaining <- left - n
				tallyMu.Lock()
				for _, b := range buf[:n] {
					tally[b]++
				}
				tallyMu.Unlock()
			}
		}(r)
	}

	wg.Wait()
	rg.Wait()

	for v, got := range tally {
		if got != perValue {
			t.Errorf("value %d: delivered %d bytes, want %d", v, got, perValue)
		}
	}
	checkInvariants(t, p)
}

func BenchmarkPipe(b *testing.B) {
	ctx := context.Background()
	p, _ := New(4096)
	w, _ := p.Open(ModeWrite)
	r, _ := p.Open(ModeRead)
	defer w.Close()
	defer r.Close()

	data := make([]byte, 102400)
	rand.Read(data)

	b.SetBytes(int64(len(data)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		go func() {
			for off := 0; off < len(data); {
				n, err := w.Write(ctx, data[off:])
				if err != nil {
					b.Errorf("write with error: %v", err)
					return
				}
				off += n
			}
		}()

		buf := make([]byte, 537)
		for ptr := 0; ptr < len(data); {
			n, err := r.Read(ctx, buf)
			if err != nil {
				b.Fatalf("read with error: %v", err)
			}
			ptr += n
		}
	}
}
