package telemetry

import (
	"context"
	"errors"
)

// Inbound event names on the stream.
const (
	EventReading = "live_reading"
	EventAlert   = "critical_alert"
	EventStatus  = "status"
)

var (
	// ErrNotConnected is returned when a command is sent without a live connection.
	ErrNotConnected = errors.New("stream not connected")
	// ErrRemoteClosed is reported when the remote end closed the stream cleanly.
	ErrRemoteClosed = errors.New("stream closed by remote")
)

// Op is an outbound subscription command.
type Op string

const (
	OpSubscribe   Op = "subscribe_pet"
	OpUnsubscribe Op = "unsubscribe_pet"
)

// Command asks the backend to start or stop streaming one pet.
type Command struct {
	Op       Op
	EntityID EntityID
}

// Event is one inbound frame.
type Event struct {
	Name    string
	Payload []byte
}

// Handlers receive one connection's inbound traffic. OnEvent is called from a
// single goroutine per connection, in arrival order. OnClose is called at
// most once, after the last OnEvent.
type Handlers struct {
	OnEvent func(Event)
	OnClose func(err error)
}

// Transport opens connections to the event stream.
type Transport interface {
	// Dial performs the handshake and returns once the connection is usable
	// or ctx is done. The returned Conn must not be tied to ctx.
	Dial(ctx context.Context, h Handlers) (Conn, error)
}

// Conn is an established stream connection.
type Conn interface {
	Send(ctx context.Context, cmd Command) error
	Close() error
}
