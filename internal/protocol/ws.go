package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Retry defaults for agent connection establishment.
const (
	dialMaxRetries  = 5
	dialBaseBackoff = 100 * time.Millisecond
)

// defaultWriteWait bounds a single frame write when the caller's context
// carries no deadline.
const defaultWriteWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Agents are not browsers; authentication happens outside this core.
	CheckOrigin: func(*http.Request) bool { return true },
}

// ServerConn is the supervisor side of an agent websocket. Send may be
// called concurrently with Receive; concurrent Sends are serialized.
type ServerConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

// Accept upgrades an HTTP request to an agent channel.
func Accept(w http.ResponseWriter, r *http.Request) (*ServerConn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("upgrade agent connection: %w", err)
	}
	ws.SetReadLimit(MaxMessageSize)
	return &ServerConn{ws: ws}, nil
}

// Send writes one operation frame.
func (c *ServerConn) Send(ctx context.Context, msg OpMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.SetWriteDeadline(writeDeadline(ctx)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := c.ws.WriteJSON(msg); err != nil {
		return fmt.Errorf("send op %s: %w", msg.OpID, err)
	}
	return nil
}

// Receive reads the next agent message. Errors wrapping ErrMalformed leave
// the channel usable; any other error means the channel is gone.
func (c *ServerConn) Receive() (AgentMessage, error) {
	var msg AgentMessage
	if err := readFrame(c.ws, &msg); err != nil {
		return AgentMessage{}, err
	}
	if err := msg.Validate(); err != nil {
		return msg, err
	}
	return msg, nil
}

// Close closes the underlying connection.
func (c *ServerConn) Close() error {
	return c.ws.Close()
}

// AgentConn is the agent side of the channel.
type AgentConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

// Dial connects to the supervisor's agent endpoint, retrying with
// exponential backoff on failure.
func Dial(ctx context.Context, url string) (*AgentConn, error) {
	var lastErr error
	backoff := dialBaseBackoff

	for attempt := range dialMaxRetries {
		ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err == nil {
			ws.SetReadLimit(MaxMessageSize)
			return &AgentConn{ws: ws}, nil
		}
		lastErr = err

		if attempt < dialMaxRetries-1 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, fmt.Errorf("dial supervisor: %w", ctx.Err())
			}
			backoff *= 2
		}
	}

	return nil, fmt.Errorf("dial supervisor after %d attempts: %w", dialMaxRetries, lastErr)
}

// Send writes one agent message.
func (c *AgentConn) Send(msg AgentMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(defaultWriteWait)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := c.ws.WriteJSON(msg); err != nil {
		return fmt.Errorf("send %s message: %w", msg.Kind, err)
	}
	return nil
}

// Receive reads the next operation sent by the supervisor.
func (c *AgentConn) Receive() (OpMessage, error) {
	var msg OpMessage
	if err := readFrame(c.ws, &msg); err != nil {
		return OpMessage{}, err
	}
	return msg, nil
}

// Close sends a close frame and closes the connection.
func (c *AgentConn) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.ws.Close()
}

// readFrame reads one frame and decodes it into v. Decode failures are
// reported as ErrMalformed so the reader can skip the frame.
func readFrame(ws *websocket.Conn, v any) error {
	_, data, err := ws.ReadMessage()
	if err != nil {
		return fmt.Errorf("read frame: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

func writeDeadline(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Now().Add(defaultWriteWait)
}
