package telemetry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeTransport hands out fakeConns. The first failures dials fail.
type fakeTransport struct {
	mu       sync.Mutex
	dials    int
	failures int
	failErr  error
	block    chan struct{}
	conns    []*fakeConn
}

func (t *fakeTransport) Dial(ctx context.Context, h Handlers) (Conn, error) {
	t.mu.Lock()
	t.dials++
	block := t.block
	fail := t.failures > 0
	if fail {
		t.failures--
	}
	failErr := t.failErr
	t.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		if failErr == nil {
			failErr = errors.New("handshake refused")
		}
		return nil, failErr
	}
	c := &fakeConn{h: h}
	t.mu.Lock()
	t.conns = append(t.conns, c)
	t.mu.Unlock()
	return c, nil
}

func (t *fakeTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

func (t *fakeTransport) conn(i int) *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i >= len(t.conns) {
		return nil
	}
	return t.conns[i]
}

func (t *fakeTransport) last() *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.conns) == 0 {
		return nil
	}
	return t.conns[len(t.conns)-1]
}

type fakeConn struct {
	h      Handlers
	mu     sync.Mutex
	sent   []Command
	closed bool
}

func (c *fakeConn) Send(_ context.Context, cmd Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("use of closed connection")
	}
	c.sent = append(c.sent, cmd)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) commands() []Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Command, len(c.sent))
	copy(out, c.sent)
	return out
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) deliver(name, payload string) {
	c.h.OnEvent(Event{Name: name, Payload: []byte(payload)})
}

func (c *fakeConn) drop(err error) {
	c.h.OnClose(err)
}

// recordingObserver captures every ConnectionObserver callback.
type recordingObserver struct {
	mu          sync.Mutex
	connects    int
	disconnects []error
	messages    []Reading
	alerts      []Alert
	states      []State
}

func (o *recordingObserver) OnConnect() {
	o.mu.Lock()
	o.connects++
	o.mu.Unlock()
}

func (o *recordingObserver) OnDisconnect(err error) {
	o.mu.Lock()
	o.disconnects = append(o.disconnects, err)
	o.mu.Unlock()
}

func (o *recordingObserver) OnMessage(r Reading) {
	o.mu.Lock()
	o.messages = append(o.messages, r)
	o.mu.Unlock()
}

func (o *recordingObserver) OnAlert(a Alert) {
	o.mu.Lock()
	o.alerts = append(o.alerts, a)
	o.mu.Unlock()
}

func (o *recordingObserver) OnStateChange(s State) {
	o.mu.Lock()
	o.states = append(o.states, s)
	o.mu.Unlock()
}

func (o *recordingObserver) snapshot() (connects int, disconnects []error, messages []Reading) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.connects, append([]error(nil), o.disconnects...), append([]Reading(nil), o.messages...)
}

func newTestManager(t *testing.T, tr Transport) *Manager {
	t.Helper()
	m := NewManager(tr, ManagerOptions{DialTimeout: time.Second, Logger: discardLogger()})
	t.Cleanup(m.Close)
	return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func connectAndWait(t *testing.T, m *Manager) {
	t.Helper()
	m.Connect()
	waitFor(t, "connected", func() bool { return m.State() == Connected })
	m.Flush()
}

func readingJSON(pet string, hr float64) string {
	return `{"pet_id":"` + pet + `","timestamp":"2024-05-01T12:00:00Z","heart_rate":` + formatFloat(hr) + `}`
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
