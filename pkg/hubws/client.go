package hubws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/haivivi/pipemux/pkg/hub"
	"github.com/haivivi/pipemux/pkg/pipe"
)

// DialOption configures a client session.
type DialOption func(*dialConfig)

type dialConfig struct {
	nonblock bool
}

// Nonblock requests a non-blocking session: server-side reads and writes
// return would-block instead of waiting, which ends the session.
func Nonblock() DialOption {
	return func(c *dialConfig) { c.nonblock = true }
}

// Conn is a client session on one remote pipe.
type Conn struct {
	ws        *websocket.Conn
	sessionID string
	capacity  int
	mode      pipe.Mode

	wmu sync.Mutex // serializes socket writes

	wreqMu   sync.Mutex // serializes whole write transactions (frame + ack)
	writeSeq uint64     // guarded by wreqMu; matches server result frames

	dataCh   chan []byte
	resultCh chan *controlFrame
	done     chan struct{}
	quit     chan struct{}

	mu      sync.Mutex
	err     error  // session-terminating error, nil for a clean close
	pending []byte // unconsumed tail of the last data frame

	closeOnce sync.Once
}

// Dial opens a session on the named pipe of a bridge server. baseURL is the
// server's HTTP base, e.g. "http://localhost:8642".
func Dial(ctx context.Context, baseURL, name string, mode pipe.Mode, opts ...DialOption) (*Conn, error) {
	var cfg dialConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("hubws: parse url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("hubws: unsupported scheme %q", u.Scheme)
	}
	u.Path = path.Join(u.Path, "v1/pipes", name)
	q := u.Query()
	q.Set("mode", mode.String())
	if cfg.nonblock {
		q.Set("nonblock", "1")
	}
	u.RawQuery = q.Encode()

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("hubws: dial: %w (http %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("hubws: dial: %w", err)
	}

	// The first frame settles the open: an ack or a terminal error.
	_, msg, err := ws.ReadMessage()
	if err != nil {
		ws.Close()
		return nil, fmt.Errorf("hubws: handshake: %w", err)
	}
	tag, payload, err := splitFrame(msg)
	if err != nil || tag != tagCtrl {
		ws.Close()
		return nil, fmt.Errorf("hubws: unexpected handshake frame")
	}
	f, err := decodeCtrl(payload)
	if err != nil {
		ws.Close()
		return nil, err
	}
	if f.Type == frameError {
		ws.Close()
		return nil, errFor(f.Code, f.Message)
	}
	if f.Type != frameAck {
		ws.Close()
		return nil, fmt.Errorf("hubws: unexpected handshake frame %q", f.Type)
	}

	c := &Conn{
		ws:        ws,
		sessionID: f.SessionID,
		capacity:  f.Capacity,
		mode:      mode,
		dataCh:    make(chan []byte, 32),
		resultCh:  make(chan *controlFrame, 8),
		done:      make(chan struct{}),
		quit:      make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// SessionID returns the server-assigned session id.
func (c *Conn) SessionID() string { return c.sessionID }

// Cap returns the remote pipe's capacity.
func (c *Conn) Cap() int { return c.capacity }

func (c *Conn) readLoop() {
	defer close(c.done)
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		tag, payload, err := splitFrame(msg)
		if err != nil {
			continue
		}
		switch tag {
		case tagData:
			select {
			case c.dataCh <- payload:
			case <-c.quit:
				return
			}
		case tagCtrl:
			f, err := decodeCtrl(payload)
			if err != nil {
				continue
			}
			switch f.Type {
			case frameResult:
				select {
				case c.resultCh <- f:
				case <-c.quit:
					return
				}
			case frameError:
				c.setErr(errFor(f.Code, f.Message))
				return
			}
		}
	}
}

func (c *Conn) setErr(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
}

// sessionErr returns the terminal session error, or io.EOF for a clean
// close.
func (c *Conn) sessionErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	return io.EOF
}

// Read copies session bytes into p. It returns io.EOF when the session
// closed cleanly, or the terminal error (for example pipe.ErrWouldBlock on
// a drained non-blocking session).
func (c *Conn) Read(ctx context.Context, p []byte) (int, error) {
	if c.mode&pipe.ModeRead == 0 {
		return 0, pipe.ErrNotReader
	}

	c.mu.Lock()
	if len(c.pending) > 0 {
		n := copy(p, c.pending)
		c.pending = c.pending[n:]
		c.mu.Unlock()
		return n, nil
	}
	c.mu.Unlock()

	// Drain buffered frames before reporting the session end. The read
	// loop enqueues every data frame before it closes done, so a closed
	// done with an empty channel means the session is truly over.
	var data []byte
	select {
	case data = <-c.dataCh:
	case <-c.done:
		select {
		case data = <-c.dataCh:
		default:
			return 0, c.sessionErr()
		}
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	n := copy(p, data)
	if n < len(data) {
		c.mu.Lock()
		c.pending = data[n:]
		c.mu.Unlock()
	}
	return n, nil
}

// Write sends p as one frame and waits for the commit result. n is the
// byte count the server committed to the ring, which may be short for
// non-blocking sessions. Writes are serialized; a Write abandoned by
// context cancellation may still be committed by the server, and its late
// result frame is discarded by sequence number rather than misattributed
// to the next Write.
func (c *Conn) Write(ctx context.Context, p []byte) (int, error) {
	if c.mode&pipe.ModeWrite == 0 {
		return 0, pipe.ErrNotWriter
	}

	c.wreqMu.Lock()
	defer c.wreqMu.Unlock()
	c.writeSeq++
	seq := c.writeSeq

	c.wmu.Lock()
	err := c.ws.WriteMessage(websocket.BinaryMessage, encodeData(p))
	c.wmu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("hubws: write: %w", err)
	}

	for {
		select {
		case f := <-c.resultCh:
			if f.Seq != seq {
				// Result of an earlier write whose waiter gave up.
				continue
			}
			return f.N, nil
		case <-c.done:
			return 0, c.sessionErr()
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// Close ends the session. The server releases the pipe handle when the
// socket closes.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.quit)
		c.wmu.Lock()
		_ = c.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.wmu.Unlock()
		c.ws.Close()
	})
	return nil
}

// List fetches the stat listing of a bridge server.
func List(ctx context.Context, baseURL string) ([]hub.Stat, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("hubws: parse url: %w", err)
	}
	u.Path = path.Join(u.Path, "v1/pipes")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("hubws: list: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("hubws: list: http %d", resp.StatusCode)
	}

	var stats []hub.Stat
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("hubws: decode stats: %w", err)
	}
	return stats, nil
}
