// Package hubws carries pipe sessions over WebSocket. Each connection is
// one session on one pipe: binary data frames move the byte stream and
// msgpack control frames carry the open ack, write results and errors. The
// transport adds no buffering of its own beyond the ring; flow control is
// the pipe's blocking behavior.
package hubws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/haivivi/pipemux/pkg/hub"
	"github.com/haivivi/pipemux/pkg/pipe"
)

// readChunk is the transfer size for pipe-to-socket copies.
const readChunk = 32 * 1024

// Server exposes a hub over HTTP:
//
//	GET /v1/pipes          JSON stat listing
//	GET /v1/pipes/{name}   WebSocket session (query: mode=r|w|rw, nonblock=1)
type Server struct {
	hub      *hub.Hub
	logger   *slog.Logger
	upgrader websocket.Upgrader
	mux      *http.ServeMux
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// NewServer creates a bridge server for h.
func NewServer(h *hub.Hub, opts ...ServerOption) *Server {
	s := &Server{
		hub:    h,
		logger: slog.Default(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/pipes", s.handleList)
	mux.HandleFunc("GET /v1/pipes/{name}", s.handleSession)
	s.mux = mux
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.hub.Stats()); err != nil {
		s.logger.Warn("encode stats", "err", err)
	}
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	mode, err := parseMode(r.URL.Query().Get("mode"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	nonblock := r.URL.Query().Get("nonblock") == "1"

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sess := &session{
		id:     uuid.NewString(),
		ws:     ws,
		logger: s.logger,
	}
	defer ws.Close()

	var opts []pipe.OpenOption
	if nonblock {
		opts = append(opts, pipe.Nonblock())
	}
	h, err := s.hub.Open(name, mode, opts...)
	if err != nil {
		s.logger.Info("session refused", "pipe", name, "session_id", sess.id, "err", err)
		sess.sendErr(err)
		return
	}
	defer h.Close()
	sess.h = h

	if err := sess.sendCtrl(&controlFrame{
		Type:      frameAck,
		SessionID: sess.id,
		Capacity:  h.Cap(),
	}); err != nil {
		return
	}

	s.logger.Info("session opened",
		"pipe", name, "mode", mode.String(), "nonblock", nonblock, "session_id", sess.id)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var wg sync.WaitGroup
	if mode&pipe.ModeRead != 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess.readLoop(ctx)
		}()
	}

	sess.inboundLoop(ctx, mode)
	cancel() // unblock a reader parked in the pipe
	wg.Wait()

	s.logger.Info("session closed", "pipe", name, "session_id", sess.id)
}

// session is one WebSocket connection bound to one pipe handle.
type session struct {
	id     string
	ws     *websocket.Conn
	h      *pipe.Handle
	logger *slog.Logger

	wmu      sync.Mutex // serializes socket writes from the two loops
	writeSeq uint64     // counts inbound data frames; echoed in result frames
}

func (s *session) sendCtrl(f *controlFrame) error {
	msg, err := encodeCtrl(f)
	if err != nil {
		return err
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.ws.WriteMessage(websocket.BinaryMessage, msg)
}

func (s *session) sendErr(err error) {
	_ = s.sendCtrl(&controlFrame{
		Type:    frameError,
		Code:    codeFor(err),
		Message: err.Error(),
	})
	s.sendClose()
}

func (s *session) sendClose() {
	s.wmu.Lock()
	_ = s.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.wmu.Unlock()
}

// readLoop moves bytes from the pipe to the socket until the session ends.
// A non-blocking session drains what is buffered and ends the session at
// the first would-block.
func (s *session) readLoop(ctx context.Context) {
	buf := make([]byte, readChunk)
	for {
		n, err := s.h.Read(ctx, buf)
		if err != nil {
			switch {
			case errors.Is(err, pipe.ErrWouldBlock):
				s.sendErr(err)
			case ctx.Err() != nil:
				// Session torn down from the other side.
			default:
				s.logger.Warn("pipe read", "session_id", s.id, "err", err)
				s.sendErr(err)
			}
			return
		}

		s.wmu.Lock()
		werr := s.ws.WriteMessage(websocket.BinaryMessage, encodeData(buf[:n]))
		s.wmu.Unlock()
		if werr != nil {
			return
		}
	}
}

// inboundLoop consumes socket frames: data frames are committed to the
// pipe for write sessions, anything else just keeps the connection alive
// until the peer closes it.
func (s *session) inboundLoop(ctx context.Context, mode pipe.Mode) {
	for {
		_, msg, err := s.ws.ReadMessage()
		if err != nil {
			return
		}
		tag, payload, err := splitFrame(msg)
		if err != nil || tag != tagData {
			continue
		}
		if mode&pipe.ModeWrite == 0 {
			s.sendErr(pipe.ErrNotWriter)
			return
		}
		s.writeSeq++
		if err := s.commit(ctx, payload, s.writeSeq); err != nil {
			return
		}
	}
}

// commit writes one inbound data frame to the pipe. A blocking session
// retries short writes until the whole frame is in the ring; the result
// frame echoes the frame's sequence number and reports the committed byte
// count either way.
func (s *session) commit(ctx context.Context, data []byte, seq uint64) error {
	total := 0
	for total < len(data) {
		n, err := s.h.Write(ctx, data[total:])
		if err != nil {
			s.sendErr(err)
			return err
		}
		total += n
		if s.h.Nonblock() {
			break
		}
	}
	return s.sendCtrl(&controlFrame{Type: frameResult, Seq: seq, N: total})
}
