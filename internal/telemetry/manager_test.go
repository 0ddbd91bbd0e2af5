package telemetry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestManager_ConnectIsIdempotent(t *testing.T) {
	tr := &fakeTransport{block: make(chan struct{})}
	m := newTestManager(t, tr)
	obs := &recordingObserver{}
	m.Observe(obs)

	m.Connect()
	m.Connect()
	if m.State() != Connecting {
		t.Fatalf("State() = %v, want connecting", m.State())
	}
	close(tr.block)
	waitFor(t, "connected", func() bool { return m.State() == Connected })
	m.Connect()
	m.Flush()

	if n := tr.dialCount(); n != 1 {
		t.Errorf("dials = %d, want 1", n)
	}
	if connects, _, _ := obs.snapshot(); connects != 1 {
		t.Errorf("OnConnect calls = %d, want 1", connects)
	}
}

func TestManager_HandshakeFailureDemotesSilently(t *testing.T) {
	refused := errors.New("connection refused")
	tr := &fakeTransport{failures: 1, failErr: refused}
	m := newTestManager(t, tr)
	obs := &recordingObserver{}
	m.Observe(obs)

	m.Connect()
	waitFor(t, "failed handshake", func() bool { return tr.dialCount() == 1 && m.State() == Disconnected })
	m.Flush()

	connects, disconnects, _ := obs.snapshot()
	if connects != 0 {
		t.Errorf("OnConnect calls = %d, want 0", connects)
	}
	if len(disconnects) != 1 || !errors.Is(disconnects[0], refused) {
		t.Errorf("OnDisconnect errors = %v, want [%v]", disconnects, refused)
	}

	connectAndWait(t, m)
	if n := tr.dialCount(); n != 2 {
		t.Errorf("dials = %d, want 2", n)
	}
}

func TestManager_DisconnectIsIdempotent(t *testing.T) {
	tr := &fakeTransport{}
	m := newTestManager(t, tr)
	obs := &recordingObserver{}
	m.Observe(obs)

	m.Disconnect()
	connectAndWait(t, m)
	m.Disconnect()
	m.Disconnect()
	m.Flush()

	if m.State() != Disconnected {
		t.Fatalf("State() = %v, want disconnected", m.State())
	}
	_, disconnects, _ := obs.snapshot()
	if len(disconnects) != 1 || disconnects[0] != nil {
		t.Errorf("OnDisconnect errors = %v, want [<nil>]", disconnects)
	}
	if !tr.last().isClosed() {
		t.Error("connection not closed")
	}
}

func TestManager_RemoteDropIsReported(t *testing.T) {
	tr := &fakeTransport{}
	m := newTestManager(t, tr)
	obs := &recordingObserver{}
	m.Observe(obs)
	connectAndWait(t, m)

	tr.last().drop(nil)
	m.Flush()

	if m.State() != Disconnected {
		t.Fatalf("State() = %v, want disconnected", m.State())
	}
	_, disconnects, _ := obs.snapshot()
	if len(disconnects) != 1 || !errors.Is(disconnects[0], ErrRemoteClosed) {
		t.Errorf("OnDisconnect errors = %v, want ErrRemoteClosed", disconnects)
	}

	// a second close from the same connection is ignored
	tr.last().drop(errors.New("late"))
	m.Flush()
	if _, d, _ := obs.snapshot(); len(d) != 1 {
		t.Errorf("OnDisconnect calls = %d, want 1", len(d))
	}
}

func TestManager_DisconnectDuringHandshake(t *testing.T) {
	tr := &fakeTransport{block: make(chan struct{})}
	m := newTestManager(t, tr)
	obs := &recordingObserver{}
	m.Observe(obs)

	m.Connect()
	m.Disconnect()
	close(tr.block)
	m.Flush()

	// the dial goroutine saw its context cancelled or its session replaced
	time.Sleep(20 * time.Millisecond)
	if m.State() != Disconnected {
		t.Fatalf("State() = %v, want disconnected", m.State())
	}
	if c := tr.last(); c != nil && !c.isClosed() {
		t.Error("late connection left open")
	}
	if connects, _, _ := obs.snapshot(); connects != 0 {
		t.Errorf("OnConnect calls = %d, want 0", connects)
	}
}

func TestManager_DeliversReadingsInOrder(t *testing.T) {
	tr := &fakeTransport{}
	m := newTestManager(t, tr)
	obs := &recordingObserver{}
	m.Observe(obs)
	connectAndWait(t, m)

	c := tr.last()
	c.deliver(EventReading, readingJSON("1", 70))
	c.deliver(EventReading, `{"pet_id":"1","heart_rate":`)
	c.deliver(EventReading, `{"pet_id":"2","timestamp":"2024-05-01T12:00:00Z"}`)
	c.deliver(EventStatus, `{"msg":"Subscribed to pet 1"}`)
	c.deliver("new_treatment", `{"pet_id":1}`)
	c.deliver(EventReading, readingJSON("1", 71))
	m.Flush()

	_, _, msgs := obs.snapshot()
	if got := fmt.Sprint(heartRates(msgs)); got != "[70 71]" {
		t.Errorf("delivered heart rates = %s, want [70 71]", got)
	}
}

func TestManager_IgnoresEventsFromOldConnection(t *testing.T) {
	tr := &fakeTransport{}
	m := newTestManager(t, tr)
	obs := &recordingObserver{}
	m.Observe(obs)

	connectAndWait(t, m)
	old := tr.last()
	m.Disconnect()
	connectAndWait(t, m)

	old.deliver(EventReading, readingJSON("1", 70))
	old.drop(errors.New("reset"))
	m.Flush()

	if m.State() != Connected {
		t.Errorf("State() = %v, want connected", m.State())
	}
	if _, _, msgs := obs.snapshot(); len(msgs) != 0 {
		t.Errorf("got %d readings from a replaced connection", len(msgs))
	}
}

func TestManager_SendRequiresConnection(t *testing.T) {
	tr := &fakeTransport{}
	m := newTestManager(t, tr)

	err := m.Send(context.Background(), Command{Op: OpSubscribe, EntityID: "1"})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send() error = %v, want ErrNotConnected", err)
	}

	connectAndWait(t, m)
	_, session := m.Session()
	if err := m.Send(context.Background(), Command{Op: OpSubscribe, EntityID: "1"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if err := m.SendOn(context.Background(), session-1, Command{Op: OpSubscribe, EntityID: "2"}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("SendOn(stale) error = %v, want ErrNotConnected", err)
	}
	if got := tr.last().commands(); len(got) != 1 {
		t.Errorf("sent %v, want one command", got)
	}
}

func TestManager_StateAndAlertObservers(t *testing.T) {
	tr := &fakeTransport{}
	m := newTestManager(t, tr)
	obs := &recordingObserver{}
	m.Observe(obs)

	connectAndWait(t, m)
	tr.last().deliver(EventAlert, `{"pet_id":4,"severity":"danger","message":"check now"}`)
	m.Disconnect()
	m.Flush()

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if got := fmt.Sprint(obs.states); got != "[connecting connected disconnected]" {
		t.Errorf("states = %s", got)
	}
	if len(obs.alerts) != 1 || obs.alerts[0].EntityID != "4" {
		t.Errorf("alerts = %+v", obs.alerts)
	}
}

func TestManager_ObserveRemove(t *testing.T) {
	tr := &fakeTransport{}
	m := newTestManager(t, tr)
	obs := &recordingObserver{}
	remove := m.Observe(obs)
	remove()
	remove()

	connectAndWait(t, m)
	if connects, _, _ := obs.snapshot(); connects != 0 {
		t.Errorf("removed observer got %d OnConnect calls", connects)
	}
}

func TestManager_CloseStopsConnecting(t *testing.T) {
	tr := &fakeTransport{}
	m := NewManager(tr, ManagerOptions{Logger: discardLogger()})
	m.Close()
	m.Connect()
	if m.State() != Disconnected || tr.dialCount() != 0 {
		t.Errorf("Connect after Close: state=%v dials=%d", m.State(), tr.dialCount())
	}
}
