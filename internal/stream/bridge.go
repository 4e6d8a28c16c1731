package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/gorilla/websocket"

	"github.com/ehrlich-b/smi/internal/model"
)

// DefaultTimeout caps how long a bridge direction may sit idle.
const DefaultTimeout = 60 * time.Second

// Bridge pumps frames between one WebSocket and one ZeroMQ socket pair.
// Push carries client frames toward the worker; Pull carries worker frames
// back. Both directions share one lifetime: the first error, close, or
// inactivity timeout tears the whole bridge down.
type Bridge struct {
	WS      *websocket.Conn
	Push    zmq4.Socket
	Pull    zmq4.Socket
	InType  model.FrameType
	OutType model.FrameType
	Timeout time.Duration
	Log     *slog.Logger
}

// Run pumps both directions until the bridge dies. It owns teardown: on
// exit the WebSocket and both ZeroMQ sockets are closed. A clean client
// close returns nil.
func (b *Bridge) Run(ctx context.Context) error {
	if b.Log == nil {
		b.Log = slog.Default()
	}
	if b.Timeout <= 0 {
		b.Timeout = DefaultTimeout
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var lastActivity atomic.Int64
	lastActivity.Store(time.Now().UnixNano())
	touch := func() { lastActivity.Store(time.Now().UnixNano()) }

	errc := make(chan error, 2)
	go func() { errc <- b.ingress(touch) }()
	go func() { errc <- b.egress(touch) }()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var first error
	exited := 0
	for {
		select {
		case <-ctx.Done():
			first = ctx.Err()
		case err := <-errc:
			exited++
			first = err
		case <-ticker.C:
			idle := time.Since(time.Unix(0, lastActivity.Load()))
			if idle < b.Timeout {
				continue
			}
			b.Log.Info("stream bridge idle, closing", "idle", idle)
			first = nil
		}
		break
	}

	// Tear down both transports so the surviving pump unblocks, then wait
	// for it to exit before returning.
	cancel()
	b.WS.Close()
	b.Push.Close()
	b.Pull.Close()
	for exited < 2 {
		select {
		case <-errc:
			exited++
		case <-time.After(5 * time.Second):
			exited = 2
		}
	}

	if isClientClose(first) {
		return nil
	}
	return first
}

// ingress moves client frames to the worker.
func (b *Bridge) ingress(touch func()) error {
	for {
		msgType, data, err := b.WS.ReadMessage()
		if err != nil {
			return err
		}
		if err := CheckFrame(msgType, data, b.InType); err != nil {
			return err
		}
		touch()
		if err := b.Push.Send(zmq4.NewMsg(data)); err != nil {
			return err
		}
	}
}

// egress moves worker frames to the client.
func (b *Bridge) egress(touch func()) error {
	msgType := WSMessageType(b.OutType)
	for {
		msg, err := b.Pull.Recv()
		if err != nil {
			return err
		}
		touch()
		if err := b.WS.WriteMessage(msgType, msg.Bytes()); err != nil {
			return err
		}
	}
}

// isClientClose reports whether err is a clean WebSocket shutdown rather
// than a fault.
func isClientClose(err error) bool {
	if err == nil {
		return true
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return true
	}
	return errors.Is(err, context.Canceled)
}
