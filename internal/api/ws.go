package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/gorilla/websocket"

	"github.com/ehrlich-b/smi/internal/config"
	"github.com/ehrlich-b/smi/internal/job"
	"github.com/ehrlich-b/smi/internal/model"
	"github.com/ehrlich-b/smi/internal/stream"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 << 10,
	WriteBufferSize: 32 << 10,
	// Streaming clients are not browsers; no origin policy applies.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleSpeechWS serves the streaming speech-to-text endpoint. The client
// sends binary audio frames and receives JSON transcript frames. Errors
// after the upgrade are reported as WebSocket close frames.
func (g *Gateway) handleSpeechWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	if !g.authorizedWS(r) {
		g.closeWS(conn, websocket.ClosePolicyViolation, ErrAuthFailed.Error())
		return
	}

	workerID := r.URL.Query().Get("worker_id")
	wc, ok := g.catalog.Get(workerID)
	if !ok {
		g.closeWS(conn, websocket.ClosePolicyViolation,
			fmt.Sprintf("Worker configuration for model %s not found", workerID))
		return
	}

	timeoutSec, err := parseTimeout(r.URL.Query().Get("timeout"))
	if err != nil {
		g.closeWS(conn, websocket.ClosePolicyViolation, err.Error())
		return
	}
	m, ok := g.managers[job.AudioGeneration]
	if !ok {
		g.closeWS(conn, websocket.CloseInternalServerErr, "no manager for job type AUDIO_GENERATION")
		return
	}

	ctx := r.Context()

	// Bind our ingress PUSH first so the worker can connect as soon as the
	// session starts.
	port, err := stream.AllocatePort(g.cfg.StreamPortLo, g.cfg.StreamPortHi)
	if err != nil {
		g.closeWS(conn, websocket.CloseInternalServerErr, err.Error())
		return
	}
	push := zmq4.NewPush(ctx)
	if err := push.Listen(stream.BindEndpoint(port)); err != nil {
		g.closeWS(conn, websocket.CloseInternalServerErr, err.Error())
		return
	}

	sr, err := g.startSession(ctx, m, wc, workerID, port, timeoutSec)
	if err != nil {
		push.Close()
		g.closeWS(conn, websocket.CloseInternalServerErr, err.Error())
		return
	}

	pull := zmq4.NewPull(ctx)
	if err := pull.Dial(stream.Endpoint(sr.IPAddress, sr.Port)); err != nil {
		push.Close()
		g.closeWS(conn, websocket.CloseInternalServerErr, err.Error())
		return
	}

	b := &stream.Bridge{
		WS:      conn,
		Push:    push,
		Pull:    pull,
		InType:  model.FrameBytes,
		OutType: model.FrameJSON,
		Timeout: time.Duration(timeoutSec) * time.Second,
		Log:     g.log,
	}
	if err := b.Run(ctx); err != nil {
		g.log.Error("stream bridge failed", "worker_id", workerID, "error", err)
	}
}

// parseTimeout reads the client's inactivity timeout in seconds; absent
// falls back to the default, garbage or non-positive values are rejected.
func parseTimeout(v string) (int, error) {
	if v == "" {
		return int(stream.DefaultTimeout / time.Second), nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, errors.New("Timeout key invalid value")
	}
	return n, nil
}

// startSession dispatches a streaming job and returns the worker's
// connection details. timeoutSec governs inactivity on both the worker
// session and the gateway bridge.
func (g *Gateway) startSession(ctx context.Context, m JobManager, wc config.WorkerConfig, workerID string, port, timeoutSec int) (*model.StreamResponse, error) {
	req := model.StreamRequest{
		Action:    "start",
		WorkerID:  workerID,
		InType:    model.FrameBytes,
		OutType:   model.FrameJSON,
		IPAddress: g.cfg.RootDomain,
		Port:      port,
		Timeout:   timeoutSec,
	}
	payload, err := json.Marshal(&req)
	if err != nil {
		return nil, err
	}

	j := job.New(job.AudioGeneration, workerID, payload)
	j.RemoteClass = wc.Worker
	j.RemoteMethod = "stream"
	j.RequestModel = "StreamRequest"
	j.ResponseModel = "StreamResponse"
	j.KeepAlive = g.cfg.KeepAlive

	// Streaming never queues: the client is connected and waiting.
	m.Dispatch(ctx, j)

	status, err := m.GetStatus(ctx, j.ID)
	if err != nil {
		return nil, err
	}
	if status.Status != job.Completed {
		return nil, fmt.Errorf("stream session failed: %s", status.Message)
	}

	raw, _, err := m.GetResult(ctx, j.ID)
	if err != nil {
		return nil, err
	}
	var sr model.StreamResponse
	if err := json.Unmarshal(raw, &sr); err != nil {
		return nil, err
	}
	if sr.State != "STREAMING" {
		return nil, fmt.Errorf("stream session failed: %s", sr.Message)
	}
	if sr.IPAddress == "" {
		sr.IPAddress = sr.Host
	}
	return &sr, nil
}

// authorizedWS mirrors the HTTP auth check but also accepts the key as a
// query parameter, since browser WebSocket clients cannot set headers.
func (g *Gateway) authorizedWS(r *http.Request) bool {
	if g.cfg.APIKey == "" {
		return true
	}
	if g.authorized(r) {
		return true
	}
	r2 := r.Clone(r.Context())
	r2.Header.Set("x-smi-key", r.URL.Query().Get("key"))
	return g.authorized(r2)
}

// closeWS sends a close frame with the given code and reason, then drops
// the connection.
func (g *Gateway) closeWS(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(5 * time.Second)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	conn.Close()
}
