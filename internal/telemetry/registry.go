package telemetry

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// ErrNotSubscribed is returned by Unsubscribe when the pet has no outstanding
// subscription. It always indicates mismatched Subscribe/Unsubscribe calls.
var ErrNotSubscribed = errors.New("not subscribed")

// Sender is the part of the Manager the registry needs.
type Sender interface {
	Session() (State, uint64)
	SendOn(ctx context.Context, session uint64, cmd Command) error
}

// Subscription is one pet's outstanding reference count.
type Subscription struct {
	EntityID EntityID `json:"entity_id"`
	RefCount int      `json:"ref_count"`
	Live     bool     `json:"live"`
}

type RegistryOptions struct {
	// SendTimeout bounds each subscribe/unsubscribe send. Zero means 5s.
	SendTimeout     time.Duration
	Logger          *slog.Logger
	Instrumentation Instrumentation
}

// Registry is the source of truth for which pets are wanted live. It sends
// exactly one subscribe per pet per connection and replays the current set
// whenever the stream (re)connects.
type Registry struct {
	sender      Sender
	store       *Store
	sendTimeout time.Duration
	logger      *slog.Logger
	inst        Instrumentation

	mu   sync.Mutex
	refs map[EntityID]int
	// sent maps a pet to the session its subscribe went out on.
	sent map[EntityID]uint64
}

func NewRegistry(sender Sender, store *Store, opts RegistryOptions) *Registry {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 5 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sender:      sender,
		store:       store,
		sendTimeout: opts.SendTimeout,
		logger:      logger,
		inst:        instrumentationOrNop(opts.Instrumentation),
		refs:        make(map[EntityID]int),
		sent:        make(map[EntityID]uint64),
	}
}

// Subscribe adds a reference to id. The first reference allocates the pet's
// buffer and, when connected, sends the subscribe command.
func (g *Registry) Subscribe(id EntityID) error {
	if err := id.Validate(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	g.refs[id]++
	if g.refs[id] > 1 {
		return nil
	}
	g.store.Allocate(id)
	g.inst.SubscriptionsActive(len(g.refs))
	g.logger.Debug("pet subscribed", "pet_id", id)

	if state, session := g.sender.Session(); state == Connected {
		g.sendLocked(session, Command{Op: OpSubscribe, EntityID: id})
	}
	return nil
}

// Unsubscribe drops a reference to id. The last reference sends the
// unsubscribe command (if its subscribe reached the current connection) and
// frees the pet's buffer, latest reading and classification.
func (g *Registry) Unsubscribe(id EntityID) error {
	if err := id.Validate(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	n := g.refs[id]
	if n == 0 {
		return fmt.Errorf("unsubscribe %s: %w", id, ErrNotSubscribed)
	}
	if n > 1 {
		g.refs[id] = n - 1
		return nil
	}

	delete(g.refs, id)
	sentOn, wasSent := g.sent[id]
	delete(g.sent, id)
	g.store.Release(id)
	g.inst.SubscriptionsActive(len(g.refs))
	g.logger.Debug("pet unsubscribed", "pet_id", id)

	state, session := g.sender.Session()
	if wasSent && state == Connected && sentOn == session {
		g.sendLocked(session, Command{Op: OpUnsubscribe, EntityID: id})
	}
	return nil
}

// RefCount returns the outstanding references for id.
func (g *Registry) RefCount(id EntityID) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.refs[id]
}

// Active lists pets with a positive reference count, ordered by id.
func (g *Registry) Active() []Subscription {
	g.mu.Lock()
	defer g.mu.Unlock()
	state, session := g.sender.Session()
	out := make([]Subscription, 0, len(g.refs))
	for id, n := range g.refs {
		sentOn, ok := g.sent[id]
		out = append(out, Subscription{
			EntityID: id,
			RefCount: n,
			Live:     ok && state == Connected && sentOn == session,
		})
	}
	slices.SortFunc(out, func(a, b Subscription) int {
		return cmp.Compare(a.EntityID, b.EntityID)
	})
	return out
}

// OnConnect replays every active pet not yet sent on the current connection.
func (g *Registry) OnConnect() {
	g.mu.Lock()
	defer g.mu.Unlock()

	state, session := g.sender.Session()
	if state != Connected {
		// A later OnConnect will replay.
		return
	}
	ids := make([]EntityID, 0, len(g.refs))
	for id := range g.refs {
		if sentOn, ok := g.sent[id]; ok && sentOn == session {
			continue
		}
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		g.sendLocked(session, Command{Op: OpSubscribe, EntityID: id})
	}
	if len(ids) > 0 {
		g.logger.Info("subscriptions replayed", "count", len(ids), "session", session)
	}
}

// OnDisconnect is a no-op: sends are keyed by session, so nothing recorded
// against a dead connection counts on the next one.
func (g *Registry) OnDisconnect(error) {}

func (g *Registry) OnMessage(Reading) {}

// sendLocked must be called with g.mu held.
func (g *Registry) sendLocked(session uint64, cmd Command) {
	ctx, cancel := context.WithTimeout(context.Background(), g.sendTimeout)
	defer cancel()
	if err := g.sender.SendOn(ctx, session, cmd); err != nil {
		g.logger.Warn("subscription command not sent",
			"op", cmd.Op,
			"pet_id", cmd.EntityID,
			"error", err,
		)
		return
	}
	if cmd.Op == OpSubscribe {
		g.sent[cmd.EntityID] = session
	}
}
