// Package pipe implements a bounded circular byte-stream channel shared
// between independent reader and writer sessions.
//
// A Pipe owns a fixed-capacity ring buffer that is allocated lazily when the
// first session opens it and released when the last session closes. Sessions
// are represented by Handles, which carry the open mode (read, write, or
// both) and a blocking/non-blocking flag but no mutable state of their own.
//
// Readers block while the ring is empty and writers block while it is full;
// non-blocking sessions return ErrWouldBlock instead. Blocked calls are
// cancelled through their context and return ctx.Err() without having
// mutated the pipe. Reads and writes transfer as much as the ring allows in
// a single shot, so short counts are normal and the caller owns the retry
// loop.
//
// Example usage:
//
//	p, _ := pipe.New(4096)
//
//	w, _ := p.Open(pipe.ModeWrite)
//	n, _ := w.Write(ctx, []byte("hello"))
//
//	r, _ := p.Open(pipe.ModeRead)
//	buf := make([]byte, 5)
//	n, _ = r.Read(ctx, buf)
//
//	w.Close()
//	r.Close()
package pipe
