// Package stream bridges a client WebSocket to a worker's ZeroMQ socket
// pair. The gateway binds a PUSH socket for client-to-worker frames and
// connects a PULL socket for worker-to-client frames; the bridge pumps both
// directions until either side closes or goes quiet.
package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strconv"

	"github.com/gorilla/websocket"

	"github.com/ehrlich-b/smi/internal/model"
)

var (
	// ErrNoFreePort is returned when the configured port range is exhausted.
	ErrNoFreePort = errors.New("no free stream port")

	// ErrFrameMismatch is returned when a frame does not match the
	// negotiated type for its direction.
	ErrFrameMismatch = errors.New("frame does not match negotiated type")
)

// WSMessageType maps a frame type to the WebSocket message kind carrying it.
// TEXT and JSON ride text frames; BYTES rides binary frames.
func WSMessageType(ft model.FrameType) int {
	if ft == model.FrameBytes {
		return websocket.BinaryMessage
	}
	return websocket.TextMessage
}

// CheckFrame validates an incoming WebSocket frame against the negotiated
// type. JSON frames must parse; BYTES frames must be binary.
func CheckFrame(msgType int, data []byte, ft model.FrameType) error {
	if msgType != WSMessageType(ft) {
		return fmt.Errorf("%w: got ws type %d, want %s", ErrFrameMismatch, msgType, ft)
	}
	if ft == model.FrameJSON && !json.Valid(data) {
		return fmt.Errorf("%w: invalid JSON frame", ErrFrameMismatch)
	}
	return nil
}

// AllocatePort finds a free TCP port in [lo, hi]. The scan starts at a
// random offset so concurrent allocations rarely collide before binding.
func AllocatePort(lo, hi int) (int, error) {
	if lo <= 0 || hi < lo {
		return 0, fmt.Errorf("%w: bad range %d-%d", ErrNoFreePort, lo, hi)
	}
	span := hi - lo + 1
	start := rand.Intn(span)
	for i := 0; i < span; i++ {
		port := lo + (start+i)%span
		l, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
		if err != nil {
			continue
		}
		l.Close()
		return port, nil
	}
	return 0, fmt.Errorf("%w in %d-%d", ErrNoFreePort, lo, hi)
}

// Endpoint formats a ZeroMQ TCP endpoint.
func Endpoint(host string, port int) string {
	return fmt.Sprintf("tcp://%s:%d", host, port)
}

// BindEndpoint formats a wildcard bind endpoint for a port.
func BindEndpoint(port int) string {
	return fmt.Sprintf("tcp://*:%d", port)
}
