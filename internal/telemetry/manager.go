package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is the process-wide connection state.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ConnectionObserver is notified of connection transitions and decoded
// readings. Callbacks run on the Manager's dispatcher goroutine, one at a
// time, in the order the underlying events happened. They must not call
// Manager.Flush or Manager.Close.
type ConnectionObserver interface {
	OnConnect()
	// OnDisconnect reports a transition into Disconnected. err is nil when
	// Disconnect was requested locally.
	OnDisconnect(err error)
	OnMessage(r Reading)
}

// AlertObserver is implemented by observers that want critical alerts.
type AlertObserver interface {
	OnAlert(a Alert)
}

// StateObserver is implemented by observers that want every state change,
// including into Connecting.
type StateObserver interface {
	OnStateChange(s State)
}

type ManagerOptions struct {
	// DialTimeout bounds one handshake. Zero means 10s.
	DialTimeout     time.Duration
	Logger          *slog.Logger
	Instrumentation Instrumentation
}

type observerEntry struct {
	id  int
	obs ConnectionObserver
}

// Manager owns the single stream connection of a process. Connect and
// Disconnect never block on the network; outcomes are reported to observers.
// Transport errors never surface as return values: they demote the state to
// Disconnected and are passed to OnDisconnect.
type Manager struct {
	transport   Transport
	dialTimeout time.Duration
	logger      *slog.Logger
	inst        Instrumentation

	mu         sync.Mutex
	state      State
	session    uint64
	conn       Conn
	cancelDial context.CancelFunc
	earlyClose error
	closed     bool

	obsMu     sync.Mutex
	observers []observerEntry
	nextObsID int

	events *dispatcher
}

func NewManager(transport Transport, opts ManagerOptions) *Manager {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		transport:   transport,
		dialTimeout: opts.DialTimeout,
		logger:      logger,
		inst:        instrumentationOrNop(opts.Instrumentation),
		events:      newDispatcher(),
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Session returns the state together with the id of the current connection
// attempt. The id changes on every Connect and Disconnect.
func (m *Manager) Session() (State, uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.session
}

// Observe registers o and returns a func that removes it.
func (m *Manager) Observe(o ConnectionObserver) (remove func()) {
	m.obsMu.Lock()
	m.nextObsID++
	id := m.nextObsID
	m.observers = append(m.observers, observerEntry{id: id, obs: o})
	m.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.obsMu.Lock()
			defer m.obsMu.Unlock()
			for i, e := range m.observers {
				if e.id == id {
					m.observers = append(m.observers[:i:i], m.observers[i+1:]...)
					return
				}
			}
		})
	}
}

// Connect starts a handshake unless one is in progress or the stream is
// already connected. It returns immediately.
func (m *Manager) Connect() {
	m.mu.Lock()
	if m.closed || m.state != Disconnected {
		m.mu.Unlock()
		return
	}
	m.session++
	session := m.session
	ctx, cancel := context.WithTimeout(context.Background(), m.dialTimeout)
	m.cancelDial = cancel
	m.earlyClose = nil
	m.setStateLocked(Connecting)
	m.mu.Unlock()

	m.logger.Info("stream connecting", "session", session)
	go m.dial(ctx, cancel, session)
}

// Disconnect tears down the connection or cancels a pending handshake.
// Subscriptions held by observers are left untouched.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.state == Disconnected {
		m.mu.Unlock()
		return
	}
	m.session++
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	conn := m.conn
	m.conn = nil
	m.setStateLocked(Disconnected)
	m.postDisconnect(nil)
	m.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			m.logger.Debug("stream close", "error", err)
		}
	}
	m.logger.Info("stream disconnected")
}

// Send transmits cmd on the current connection.
func (m *Manager) Send(ctx context.Context, cmd Command) error {
	_, session := m.Session()
	return m.SendOn(ctx, session, cmd)
}

// SendOn transmits cmd only if session is still the current, connected one.
func (m *Manager) SendOn(ctx context.Context, session uint64, cmd Command) error {
	m.mu.Lock()
	conn := m.conn
	ok := m.state == Connected && m.session == session && conn != nil
	m.mu.Unlock()
	if !ok {
		return ErrNotConnected
	}
	if err := conn.Send(ctx, cmd); err != nil {
		return fmt.Errorf("send %s %s: %w", cmd.Op, cmd.EntityID, err)
	}
	return nil
}

// Flush waits until every notification queued so far has been delivered.
// It must not be called from an observer callback.
func (m *Manager) Flush() {
	m.events.flush()
}

// Close disconnects, stops notification delivery and makes later Connect
// calls no-ops. It must not be called from an observer callback.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.Disconnect()
	m.events.flush()
	m.events.stop()
}

func (m *Manager) dial(ctx context.Context, cancel context.CancelFunc, session uint64) {
	defer cancel()

	conn, err := m.transport.Dial(ctx, Handlers{
		OnEvent: func(ev Event) { m.handleEvent(session, ev) },
		OnClose: func(err error) { m.handleClose(session, err) },
	})

	m.mu.Lock()
	if session != m.session {
		// Disconnect won the race.
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	m.cancelDial = nil
	if err == nil && m.earlyClose != nil {
		err = m.earlyClose
		if conn != nil {
			_ = conn.Close()
		}
	}
	if err != nil {
		m.setStateLocked(Disconnected)
		m.postDisconnect(err)
		m.mu.Unlock()
		m.logger.Warn("stream handshake failed", "session", session, "error", err)
		return
	}
	m.conn = conn
	m.setStateLocked(Connected)
	m.post(func(o ConnectionObserver) { o.OnConnect() })
	m.mu.Unlock()
	m.logger.Info("stream connected", "session", session)
}

func (m *Manager) handleClose(session uint64, err error) {
	if err == nil {
		err = ErrRemoteClosed
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if session != m.session {
		return
	}
	switch m.state {
	case Connecting:
		m.earlyClose = err
	case Connected:
		m.conn = nil
		m.setStateLocked(Disconnected)
		m.postDisconnect(err)
		m.logger.Warn("stream connection lost", "session", session, "error", err)
	}
}

func (m *Manager) handleEvent(session uint64, ev Event) {
	var deliver func(o ConnectionObserver)
	switch ev.Name {
	case EventReading:
		r, dropped, err := DecodeReading(ev.Payload)
		if err != nil {
			m.logger.Warn("dropping malformed reading", "error", err, "payload", string(ev.Payload))
			m.inst.ReadingDropped(DropMalformed)
			return
		}
		for _, ferr := range dropped {
			m.logger.Warn("ignoring invalid reading field", "pet_id", r.EntityID, "error", ferr)
		}
		deliver = func(o ConnectionObserver) { o.OnMessage(r.Clone()) }
	case EventAlert:
		a, err := DecodeAlert(ev.Payload)
		if err != nil {
			m.logger.Warn("dropping malformed alert", "error", err, "payload", string(ev.Payload))
			return
		}
		deliver = func(o ConnectionObserver) {
			if ao, ok := o.(AlertObserver); ok {
				ao.OnAlert(a)
			}
		}
	case EventStatus:
		m.logger.Debug("stream status", "payload", string(ev.Payload))
		return
	default:
		m.logger.Debug("ignoring stream event", "event", ev.Name)
		return
	}

	// queued under the lock so nothing from an old connection lands after
	// its OnDisconnect
	m.mu.Lock()
	defer m.mu.Unlock()
	if session != m.session {
		return
	}
	m.post(deliver)
}

// setStateLocked must be called with m.mu held.
func (m *Manager) setStateLocked(s State) {
	m.state = s
	m.events.post(func() {
		m.inst.ConnectionState(s)
		for _, o := range m.snapshotObservers() {
			if so, ok := o.(StateObserver); ok {
				so.OnStateChange(s)
			}
		}
	})
}

func (m *Manager) postDisconnect(err error) {
	m.post(func(o ConnectionObserver) { o.OnDisconnect(err) })
}

// post queues fn to be called for every observer registered at delivery time.
func (m *Manager) post(fn func(o ConnectionObserver)) {
	m.events.post(func() {
		for _, o := range m.snapshotObservers() {
			fn(o)
		}
	})
}

func (m *Manager) snapshotObservers() []ConnectionObserver {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	out := make([]ConnectionObserver, len(m.observers))
	for i, e := range m.observers {
		out[i] = e.obs
	}
	return out
}
