package hubws

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/haivivi/pipemux/pkg/hub"
	"github.com/haivivi/pipemux/pkg/pipe"
)

// Every WebSocket message is binary and starts with a one-byte tag. Data
// frames carry raw pipe bytes; control frames carry a msgpack-encoded
// controlFrame.
const (
	tagData byte = 0x00
	tagCtrl byte = 0x01
)

// Control frame types.
const (
	frameAck    = "ack"    // server -> client, once, after a successful open
	frameResult = "result" // server -> client, per committed write
	frameError  = "error"  // server -> client, terminates the session
)

// Error codes carried by frameError.
const (
	codeWouldBlock  = "would_block"
	codeNoMemory    = "no_memory"
	codeNotFound    = "not_found"
	codeInvalidMode = "invalid_mode"
	codeClosed      = "closed"
	codeInternal    = "internal"
)

type controlFrame struct {
	Type      string `msgpack:"type"`
	SessionID string `msgpack:"session_id,omitempty"`
	Capacity  int    `msgpack:"capacity,omitempty"`
	Seq       uint64 `msgpack:"seq,omitempty"`
	N         int    `msgpack:"n,omitempty"`
	Code      string `msgpack:"code,omitempty"`
	Message   string `msgpack:"message,omitempty"`
}

func encodeCtrl(f *controlFrame) ([]byte, error) {
	payload, err := msgpack.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("hubws: encode control frame: %w", err)
	}
	return append([]byte{tagCtrl}, payload...), nil
}

func encodeData(b []byte) []byte {
	msg := make([]byte, 1+len(b))
	msg[0] = tagData
	copy(msg[1:], b)
	return msg
}

// splitFrame separates the tag byte from the payload.
func splitFrame(msg []byte) (byte, []byte, error) {
	if len(msg) == 0 {
		return 0, nil, errors.New("hubws: empty frame")
	}
	return msg[0], msg[1:], nil
}

func decodeCtrl(payload []byte) (*controlFrame, error) {
	var f controlFrame
	if err := msgpack.Unmarshal(payload, &f); err != nil {
		return nil, fmt.Errorf("hubws: decode control frame: %w", err)
	}
	return &f, nil
}

// codeFor maps a pipe/hub error to a wire code.
func codeFor(err error) string {
	switch {
	case errors.Is(err, pipe.ErrWouldBlock):
		return codeWouldBlock
	case errors.Is(err, pipe.ErrNoMemory):
		return codeNoMemory
	case errors.Is(err, pipe.ErrInvalidMode):
		return codeInvalidMode
	case errors.Is(err, hub.ErrNotFound):
		return codeNotFound
	case errors.Is(err, hub.ErrClosed), errors.Is(err, pipe.ErrClosed):
		return codeClosed
	}
	return codeInternal
}

// errFor maps a wire code back to the matching sentinel where one exists.
func errFor(code, msg string) error {
	switch code {
	case codeWouldBlock:
		return pipe.ErrWouldBlock
	case codeNoMemory:
		return pipe.ErrNoMemory
	case codeInvalidMode:
		return pipe.ErrInvalidMode
	case codeNotFound:
		return hub.ErrNotFound
	case codeClosed:
		return hub.ErrClosed
	}
	return fmt.Errorf("hubws: %s: %s", code, msg)
}

// parseMode maps the mode query parameter to a pipe.Mode.
func parseMode(s string) (pipe.Mode, error) {
	switch s {
	case "r", "":
		return pipe.ModeRead, nil
	case "w":
		return pipe.ModeWrite, nil
	case "rw":
		return pipe.ModeRead | pipe.ModeWrite, nil
	}
	return 0, fmt.Errorf("hubws: unknown mode %q", s)
}
