package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/go-zeromq/zmq4"

	"github.com/ehrlich-b/smi/internal/stream"
)

// runSession drives one streaming session for w: bind the egress PUSH on
// the worker port, connect the ingress PULL to the gateway, then pump
// frames through w.Stream until the peer goes away or the inactivity
// timeout fires. Blocks for the lifetime of the session; the caller has
// already claimed the worker, Stop runs here on the way out.
func (b *base) runSession(ctx context.Context, w Worker, s Session) error {
	defer b.Stop()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	push := zmq4.NewPush(ctx)
	defer push.Close()
	if err := push.Listen(stream.BindEndpoint(s.WorkerPort)); err != nil {
		return fmt.Errorf("bind egress port %d: %w", s.WorkerPort, err)
	}

	pull := zmq4.NewPull(ctx)
	defer pull.Close()
	if err := pull.Dial(stream.Endpoint(s.ClientHost, s.ClientPort)); err != nil {
		return fmt.Errorf("connect ingress %s:%d: %w", s.ClientHost, s.ClientPort, err)
	}

	timeout := s.Timeout
	if timeout <= 0 {
		timeout = stream.DefaultTimeout
	}

	frames := make(chan []byte)
	recvErr := make(chan error, 1)
	go func() {
		for {
			msg, err := pull.Recv()
			if err != nil {
				recvErr <- err
				return
			}
			select {
			case frames <- msg.Bytes():
			case <-ctx.Done():
				return
			}
		}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-recvErr:
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("session receive: %w", err)
		case <-timer.C:
			// Quiet peer; end the session without error.
			b.env.logger().Info("stream session idle, ending", "worker_id", b.id, "timeout", timeout)
			return nil
		case data := <-frames:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(timeout)

			out, err := w.Stream(ctx, data)
			if err != nil {
				return fmt.Errorf("stream frame: %w", err)
			}
			if out == nil {
				continue
			}
			if err := push.Send(zmq4.NewMsg(out)); err != nil {
				return fmt.Errorf("session send: %w", err)
			}
		}
	}
}
