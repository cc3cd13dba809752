package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"ghostsync.ai/internal/protocol"
	"ghostsync.ai/internal/sim/arena"
)

// RefusedError is returned by Dial when the server answers HELLO with ERROR.
type RefusedError struct {
	Code    string
	Message string
}

func (e *RefusedError) Error() string {
	return fmt.Sprintf("server refused session: %s %s", e.Code, e.Message)
}

// Client is the client end of a session. Next must be called from a single
// goroutine; sends may come from any.
type Client struct {
	conn *websocket.Conn

	mu sync.Mutex
}

// Dial connects, sends hello and waits for WELCOME.
func Dial(ctx context.Context, url string, hello protocol.HelloMsg) (*Client, protocol.WelcomeMsg, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, protocol.WelcomeMsg{}, fmt.Errorf("dial %s: %w", url, err)
	}
	c := &Client{conn: conn}
	if err := c.send(hello); err != nil {
		conn.Close()
		return nil, protocol.WelcomeMsg{}, fmt.Errorf("send HELLO: %w", err)
	}

	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(dl)
	} else {
		_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	}
	_, msg, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, protocol.WelcomeMsg{}, fmt.Errorf("read WELCOME: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	base, err := protocol.DecodeBase(msg)
	if err != nil {
		conn.Close()
		return nil, protocol.WelcomeMsg{}, fmt.Errorf("decode WELCOME: %w", err)
	}
	switch base.Type {
	case protocol.TypeWelcome:
		var w protocol.WelcomeMsg
		if err := json.Unmarshal(msg, &w); err != nil {
			conn.Close()
			return nil, protocol.WelcomeMsg{}, fmt.Errorf("decode WELCOME: %w", err)
		}
		return c, w, nil
	case protocol.TypeError:
		var e protocol.ErrorMsg
		_ = json.Unmarshal(msg, &e)
		conn.Close()
		return nil, protocol.WelcomeMsg{}, &RefusedError{Code: e.Code, Message: e.Message}
	default:
		conn.Close()
		return nil, protocol.WelcomeMsg{}, fmt.Errorf("expected WELCOME, got %q", base.Type)
	}
}

// Next returns the next frame from the server.
func (c *Client) Next() (arena.Frame, error) {
	kind, msg, err := c.conn.ReadMessage()
	if err != nil {
		return arena.Frame{}, err
	}
	return arena.Frame{Binary: kind == websocket.BinaryMessage, Data: msg}, nil
}

// SetReadDeadline bounds the wait of subsequent Next calls.
func (c *Client) SetReadDeadline(t time.Time) error { return c.conn.SetReadDeadline(t) }

func (c *Client) SendAck(ack protocol.AckMsg) error     { return c.send(ack) }
func (c *Client) SendInput(in protocol.InputMsg) error { return c.send(in) }

func (c *Client) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteJSON(v)
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return c.conn.Close()
}
