package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/coder/websocket"
)

// cdpConn is a minimal Chrome DevTools Protocol client over a WebSocket.
// Commands are matched to responses by id; protocol events are discarded
// except for the few the adapter polls for via commands instead.
type cdpConn struct {
	conn *websocket.Conn

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan cdpResponse
	closed  bool

	readDone chan struct{}
}

type cdpRequest struct {
	ID        int64  `json:"id"`
	Method    string `json:"method"`
	Params    any    `json:"params,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

type cdpResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *cdpError       `json:"error,omitempty"`
	Method string          `json:"method,omitempty"`
}

type cdpError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *cdpError) Error() string {
	return fmt.Sprintf("cdp error %d: %s", e.Code, e.Message)
}

// dialCDP connects to a DevTools WebSocket endpoint and starts the read
// loop. The context bounds the dial only.
func dialCDP(ctx context.Context, wsURL string) (*cdpConn, error) {
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing devtools endpoint: %w", err)
	}
	// Screenshots arrive as one large base64 message.
	conn.SetReadLimit(64 << 20)

	c := &cdpConn{
		conn:     conn,
		pending:  make(map[int64]chan cdpResponse),
		readDone: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *cdpConn) readLoop() {
	defer close(c.readDone)
	for {
		_, data, err := c.conn.Read(context.Background())
		if err != nil {
			c.failPending(err)
			return
		}
		var resp cdpResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			continue
		}
		if resp.ID == 0 {
			continue // event, not a command response
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

// failPending unblocks every in-flight call after the connection dies.
func (c *cdpConn) failPending(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- cdpResponse{ID: id, Error: &cdpError{Code: -1, Message: err.Error()}}
	}
}

// Call sends a command and waits for its response. sessionID scopes the
// command to an attached target; empty addresses the browser itself.
func (c *cdpConn) Call(ctx context.Context, sessionID, method string, params any, result any) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("devtools connection closed")
	}
	c.nextID++
	id := c.nextID
	ch := make(chan cdpResponse, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	req := cdpRequest{ID: id, Method: method, Params: params, SessionID: sessionID}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", method, err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return fmt.Errorf("sending %s: %w", method, err)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return fmt.Errorf("%s: %w", method, resp.Error)
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("decoding %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return ctx.Err()
	}
}

// Close tears down the WebSocket and waits for the read loop to stop.
func (c *cdpConn) Close() error {
	err := c.conn.Close(websocket.StatusNormalClosure, "session closed")
	<-c.readDone
	return err
}
