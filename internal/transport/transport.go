// Package transport implements a persistent duplex JSON-frame connection to
// the adapter process, with request/result correlation by requestId,
// bounded retries, and reconnect-with-backoff. The wire shape (requestId/type/data frames,
// a result frame keyed by requestId, welcome/pong/shutdown control frames)
// mirrors internal/gateway's wsFrame; this package is the client side of
// that same protocol instead of the server side.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sentra/agent/internal/orchestrator"
)

// Frame is the wire shape of every message exchanged with the adapter.
type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	OK        *bool           `json:"ok,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// MessageHandler is invoked for every inbound "message" frame.
type MessageHandler func(ctx context.Context, msg *orchestrator.IncomingMessage)

// Config controls dial target, timeouts, and reconnect behavior.
type Config struct {
	URL string

	SendTimeout   time.Duration // SEND_RPC_TIMEOUT_MS
	SendMaxRetry  int           // SEND_RPC_MAX_RETRIES
	Reconnect     ReconnectConfig
	HandshakeWait time.Duration

	Logger *slog.Logger
}

// DefaultConfig mirrors the adapter's documented environment defaults.
func DefaultConfig(url string) Config {
	return Config{
		URL:           url,
		SendTimeout:   10 * time.Second,
		SendMaxRetry:  3,
		Reconnect:     DefaultReconnectConfig(),
		HandshakeWait: 10 * time.Second,
	}
}

// Transport implements orchestrator.Sender: SendText (and the broader
// sendAndWaitResult contract) over the single persistent connection.
type Transport struct {
	cfg     Config
	logger  *slog.Logger
	onMsg   MessageHandler
	onOpen  func(ctx context.Context) // re-derive social context etc. best-effort
	recon   *reconnector

	mu      sync.RWMutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan Frame

	closeOnce sync.Once
	closed    chan struct{}
}

// New constructs a Transport bound to an inbound message handler.
func New(cfg Config, onMsg MessageHandler) *Transport {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.SendMaxRetry <= 0 {
		cfg.SendMaxRetry = 3
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	t := &Transport{
		cfg:     cfg,
		logger:  logger.With("component", "transport"),
		onMsg:   onMsg,
		pending: make(map[string]chan Frame),
		closed:  make(chan struct{}),
	}
	t.recon = &reconnector{Config: cfg.Reconnect, Logger: t.logger}
	return t
}

// OnOpen registers a callback fired (best-effort) after every successful
// (re)connect, so derived state can be refreshed against the new session.
func (t *Transport) OnOpen(fn func(ctx context.Context)) {
	t.onOpen = fn
}

// Run dials and maintains the connection until ctx is cancelled, retrying
// with backoff across drops.
func (t *Transport) Run(ctx context.Context) error {
	defer t.closeOnce.Do(func() { close(t.closed) })
	return t.recon.Run(ctx, func(ctx context.Context) error {
		return t.runOnce(ctx)
	})
}

func (t *Transport) runOnce(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.HandshakeWait)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, t.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial adapter: %w", err)
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	t.logger.Info("adapter connected", "url", t.cfg.URL)
	if t.onOpen != nil {
		go t.onOpen(ctx)
	}

	err = t.readLoop(ctx, conn)

	t.mu.Lock()
	t.conn = nil
	t.mu.Unlock()
	_ = conn.Close()

	t.failAllPending(fmt.Errorf("connection closed: %w", err))
	return err
}

func (t *Transport) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			t.logger.Warn("malformed frame from adapter", "error", err)
			continue
		}
		t.dispatch(ctx, frame)
	}
}

func (t *Transport) dispatch(ctx context.Context, frame Frame) {
	switch frame.Type {
	case "welcome", "pong", "shutdown":
		t.logger.Debug("control frame", "type", frame.Type)

	case "result":
		t.pendingMu.Lock()
		ch, ok := t.pending[frame.RequestID]
		if ok {
			delete(t.pending, frame.RequestID)
		}
		t.pendingMu.Unlock()
		if ok {
			ch <- frame
		}

	case "message":
		if t.onMsg == nil {
			return
		}
		var msg orchestrator.IncomingMessage
		if err := json.Unmarshal(frame.Data, &msg); err != nil {
			t.logger.Warn("malformed inbound message frame", "error", err)
			return
		}
		t.onMsg(ctx, &msg)

	default:
		t.logger.Debug("unrecognized frame type", "type", frame.Type)
	}
}

func (t *Transport) failAllPending(err error) {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	for id, ch := range t.pending {
		ch <- Frame{Type: "result", RequestID: id, OK: boolPtr(false), Error: err.Error()}
		delete(t.pending, id)
	}
}

// SendText implements orchestrator.Sender by wrapping send in the
// "send_text" outbound request shape and waiting for a correlated result.
func (t *Transport) SendText(ctx context.Context, convKey orchestrator.ConversationKey, text string, quote bool) error {
	_, err := t.sendAndWaitResult(ctx, "send_text", map[string]any{
		"conversationKey": string(convKey),
		"text":            text,
		"quote":           quote,
	})
	return err
}

// sendAndWaitResult is the single outbound RPC primitive: a per-call
// timeout with bounded retries, single writer serialization,
// request/result correlation by requestId. Returns nil (no result) rather
// than an error when the peer never replies within the timeout budget —
// callers then treat delivery as unknown rather than assuming failure.
func (t *Transport) sendAndWaitResult(ctx context.Context, reqType string, data any) (*Frame, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= t.cfg.SendMaxRetry; attempt++ {
		result, err := t.sendOnce(ctx, reqType, payload)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 200 * time.Millisecond):
		}
	}
	return nil, fmt.Errorf("send_rpc exhausted retries: %w", lastErr)
}

func (t *Transport) sendOnce(ctx context.Context, reqType string, payload json.RawMessage) (*Frame, error) {
	t.mu.RLock()
	conn := t.conn
	t.mu.RUnlock()
	if conn == nil {
		return nil, fmt.Errorf("transport: not connected")
	}

	requestID := uuid.NewString()
	resultCh := make(chan Frame, 1)
	t.pendingMu.Lock()
	t.pending[requestID] = resultCh
	t.pendingMu.Unlock()
	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, requestID)
		t.pendingMu.Unlock()
	}()

	frame := Frame{Type: reqType, RequestID: requestID, Data: payload}
	encoded, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("marshal frame: %w", err)
	}

	t.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(t.cfg.SendTimeout))
	writeErr := conn.WriteMessage(websocket.TextMessage, encoded)
	t.writeMu.Unlock()
	if writeErr != nil {
		return nil, fmt.Errorf("write frame: %w", writeErr)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, t.cfg.SendTimeout)
	defer cancel()

	select {
	case result := <-resultCh:
		if result.OK != nil && !*result.OK {
			return &result, fmt.Errorf("adapter rejected request: %s", result.Error)
		}
		return &result, nil
	case <-timeoutCtx.Done():
		return nil, fmt.Errorf("send_and_wait_result timed out after %s", t.cfg.SendTimeout)
	}
}

// Closed reports whether Run has returned.
func (t *Transport) Closed() <-chan struct{} {
	return t.closed
}

func boolPtr(b bool) *bool { return &b }

var _ orchestrator.Sender = (*Transport)(nil)
