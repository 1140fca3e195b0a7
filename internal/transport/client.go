// Package transport speaks the workspace runtime protocol: a websocket
// carrying JSON-RPC calls outward (thread/turn control) and notifications
// inward (runtime events for the reconciliation loop).
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/warden/internal/otel"
)

// DefaultCallTimeout bounds one outbound RPC round trip.
const DefaultCallTimeout = 15 * time.Second

// NotificationHandler receives every inbound notification (any frame
// carrying a method), including server-initiated requests.
type NotificationHandler func(ctx context.Context, workspaceID string, payload json.RawMessage)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Client is one workspace runtime connection.
type Client struct {
	workspaceID string
	url         string
	log         *slog.Logger
	tracer      trace.Tracer
	handler     NotificationHandler
	callTimeout time.Duration

	nextID atomic.Int64

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[int64]chan map[string]any
	closed  bool
}

// NewClient builds an unconnected client for one workspace runtime.
func NewClient(workspaceID, url string, log *slog.Logger, handler NotificationHandler) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		workspaceID: workspaceID,
		url:         url,
		log:         log,
		tracer:      otelapi.GetTracerProvider().Tracer(otel.TracerName),
		handler:     handler,
		callTimeout: DefaultCallTimeout,
		pending:     map[int64]chan map[string]any{},
	}
}

// Connect dials the runtime and starts the read loop.
func (c *Client) Connect(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial workspace `%s`: %w", c.workspaceID, err)
	}
	conn.SetReadLimit(1 << 22)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "closed")
		return fmt.Errorf("client for workspace `%s` is closed", c.workspaceID)
	}
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(context.Background())
	return nil
}

// Connected reports whether the client currently holds a live connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Close tears the connection down and fails all in-flight calls.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "bye")
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context) {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		var raw json.RawMessage
		if err := wsjson.Read(ctx, conn, &raw); err != nil {
			c.dropConnection(conn, err)
			return
		}

		var envelope struct {
			ID     json.Number `json:"id"`
			Method string      `json:"method"`
		}
		decoder := json.NewDecoder(bytes.NewReader(raw))
		decoder.UseNumber()
		if err := decoder.Decode(&envelope); err != nil {
			c.log.Warn("transport frame is not an object", "workspace_id", c.workspaceID, "error", err)
			continue
		}

		if envelope.Method != "" {
			if c.handler != nil {
				c.handler(ctx, c.workspaceID, raw)
			}
			continue
		}

		id, err := envelope.ID.Int64()
		if err != nil {
			c.log.Warn("transport response without usable id", "workspace_id", c.workspaceID)
			continue
		}
		var response map[string]any
		if err := json.Unmarshal(raw, &response); err != nil {
			c.log.Warn("transport response decode failed", "workspace_id", c.workspaceID, "error", err)
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[id]
		if ok {
			delete(c.pending, id)
		}
		c.mu.Unlock()
		if ok {
			ch <- response
			close(ch)
		}
	}
}

func (c *Client) dropConnection(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	closed := c.closed
	c.mu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "read loop done")
	if !closed {
		c.log.Warn("workspace connection lost", "workspace_id", c.workspaceID, "error", cause)
	}
}

// Call issues one JSON-RPC request and returns the decoded response
// envelope. Transport failures and timeouts are errors; protocol-level
// errors ride back inside the envelope for the caller to inspect.
func (c *Client) Call(ctx context.Context, method string, params any) (map[string]any, error) {
	ctx, span := otel.StartClientSpan(ctx, c.tracer, method,
		otel.AttrWorkspaceID.String(c.workspaceID),
	)
	defer span.End()

	c.mu.Lock()
	conn := c.conn
	if conn == nil || c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("workspace `%s` is not connected", c.workspaceID)
	}
	id := c.nextID.Add(1)
	ch := make(chan map[string]any, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	request := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	if err := wsjson.Write(ctx, conn, request); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("call %s on workspace `%s`: %w", method, c.workspaceID, err)
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("call %s on workspace `%s`: %w", method, c.workspaceID, ctx.Err())
	case response, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("workspace `%s` is not connected", c.workspaceID)
		}
		return response, nil
	}
}

// Respond answers a server-initiated request by id. Numeric request ids are
// echoed back as numbers so the runtime can correlate them.
func (c *Client) Respond(ctx context.Context, requestID string, result any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("workspace `%s` is not connected", c.workspaceID)
	}

	var id any = requestID
	if numeric, err := strconv.ParseInt(requestID, 10, 64); err == nil {
		id = numeric
	}
	payload := map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result":  result,
	}

	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, conn, payload); err != nil {
		return fmt.Errorf("respond to request `%s` on workspace `%s`: %w", requestID, c.workspaceID, err)
	}
	return nil
}

// Ping checks connection liveness at the websocket level.
func (c *Client) Ping(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("not connected")
	}
	return conn.Ping(ctx)
}
