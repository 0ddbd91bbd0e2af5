package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"pawpulse-live/internal/telemetry"
)

const (
	defaultWriteTimeout = 5 * time.Second
	closeGrace          = time.Second
)

// frame is one text message on the stream. Inbound frames may also arrive as
// a two-element array ["event", data].
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Transport dials the pet stream over WebSocket.
type Transport struct {
	URL    string
	Header http.Header
	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
	// WriteTimeout bounds a send whose ctx has no deadline.
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

func (t *Transport) Dial(ctx context.Context, h telemetry.Handlers) (telemetry.Conn, error) {
	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	logger := t.Logger
	if logger == nil {
		logger = slog.Default()
	}
	writeTimeout := t.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}

	ws, resp, err := dialer.DialContext(ctx, t.URL, t.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", t.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", t.URL, err)
	}

	c := &conn{
		ws:           ws,
		handlers:     h,
		writeTimeout: writeTimeout,
		logger:       logger,
		done:         make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

type conn struct {
	ws           *websocket.Conn
	handlers     telemetry.Handlers
	writeTimeout time.Duration
	logger       *slog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func (c *conn) Send(ctx context.Context, cmd telemetry.Command) error {
	data, err := json.Marshal(map[string]any{"pet_id": wireID(cmd.EntityID)})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", cmd.Op, err)
	}
	msg, err := json.Marshal(frame{Event: string(cmd.Op), Data: data})
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.writeTimeout)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return fmt.Errorf("write %s: %w", cmd.Op, net.ErrClosed)
	default:
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
		return fmt.Errorf("write %s: %w", cmd.Op, err)
	}
	return nil
}

// Close sends a close frame and tears the socket down. OnClose is not called
// for a locally closed connection.
func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func (c *conn) readLoop() {
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			c.finish(err)
			return
		}
		name, data, err := decodeFrame(msg)
		if err != nil {
			c.logger.Warn("ignoring undecodable frame", "error", err, "frame", string(msg))
			continue
		}
		if c.handlers.OnEvent != nil {
			c.handlers.OnEvent(telemetry.Event{Name: name, Payload: data})
		}
	}
}

func (c *conn) finish(err error) {
	select {
	case <-c.done:
		return
	default:
	}
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		err = nil
	}
	if c.handlers.OnClose != nil {
		c.handlers.OnClose(err)
	}
}

func decodeFrame(msg []byte) (string, []byte, error) {
	msg = bytes.TrimSpace(msg)
	if len(msg) > 0 && msg[0] == '[' {
		var parts []json.RawMessage
		if err := json.Unmarshal(msg, &parts); err != nil {
			return "", nil, err
		}
		if len(parts) == 0 {
			return "", nil, errors.New("empty frame")
		}
		var name string
		if err := json.Unmarshal(parts[0], &name); err != nil {
			return "", nil, fmt.Errorf("event name: %w", err)
		}
		var data []byte
		if len(parts) > 1 {
			data = parts[1]
		}
		return name, data, nil
	}

	var f frame
	if err := json.Unmarshal(msg, &f); err != nil {
		return "", nil, err
	}
	if f.Event == "" {
		return "", nil, errors.New("missing event name")
	}
	return f.Event, f.Data, nil
}

// wireID sends numeric ids as JSON numbers, which is what the backend's
// rooms are keyed by. Only canonical decimals qualify, so "007" and "+7"
// stay distinct strings instead of collapsing onto pet 7.
func wireID(id telemetry.EntityID) any {
	s := string(id)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil && strconv.FormatInt(n, 10) == s {
		return n
	}
	return s
}
