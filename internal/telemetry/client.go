package telemetry

import (
	"log/slog"
	"slices"
	"sync"
	"time"
)

// ViewObserver is what a view binds to. Callbacks run on the Manager's
// dispatcher goroutine; every value passed in is the view's own copy.
type ViewObserver interface {
	OnLatestChanged(id EntityID, r Reading)
	OnHistoryChanged(id EntityID, history []Reading)
	OnClassificationChanged(id EntityID, c Classification)
}

// ViewFuncs adapts plain funcs to ViewObserver and AlertObserver. Nil funcs
// are skipped.
type ViewFuncs struct {
	Latest         func(id EntityID, r Reading)
	History        func(id EntityID, history []Reading)
	Classification func(id EntityID, c Classification)
	Alert          func(a Alert)
}

func (f ViewFuncs) OnLatestChanged(id EntityID, r Reading) {
	if f.Latest != nil {
		f.Latest(id, r)
	}
}

func (f ViewFuncs) OnHistoryChanged(id EntityID, history []Reading) {
	if f.History != nil {
		f.History(id, history)
	}
}

func (f ViewFuncs) OnClassificationChanged(id EntityID, c Classification) {
	if f.Classification != nil {
		f.Classification(id, c)
	}
}

func (f ViewFuncs) OnAlert(a Alert) {
	if f.Alert != nil {
		f.Alert(a)
	}
}

type ClientOptions struct {
	// Capacity is the rolling buffer length N. Zero means DefaultCapacity.
	Capacity int
	// Classifier defaults to the default healthy label and DefaultRules.
	Classifier      *Classifier
	SendTimeout     time.Duration
	Logger          *slog.Logger
	Instrumentation Instrumentation
}

type viewEntry struct {
	id   int
	view ViewObserver
}

// Client is the one live-telemetry service of a process. It is built once by
// the application shell and handed to every view; views call Subscribe (or
// Mount) when they appear and Unsubscribe when they go away, and read
// snapshots or Watch for changes.
type Client struct {
	manager    *Manager
	store      *Store
	registry   *Registry
	classifier *Classifier
	logger     *slog.Logger
	inst       Instrumentation

	viewMu     sync.Mutex
	views      []viewEntry
	nextViewID int

	detach []func()
}

func NewClient(manager *Manager, opts ClientOptions) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	classifier := opts.Classifier
	if classifier == nil {
		classifier = NewClassifier(nil, DefaultRules())
	}
	inst := instrumentationOrNop(opts.Instrumentation)
	store := NewStore(opts.Capacity)
	c := &Client{
		manager:    manager,
		store:      store,
		classifier: classifier,
		logger:     logger,
		inst:       inst,
		registry: NewRegistry(manager, store, RegistryOptions{
			SendTimeout:     opts.SendTimeout,
			Logger:          logger,
			Instrumentation: inst,
		}),
	}
	// The registry goes first so a replay is under way before views hear
	// about the connection.
	c.detach = append(c.detach, manager.Observe(c.registry), manager.Observe(c))
	return c
}

// Connect starts connecting the shared stream. See Manager.Connect.
func (c *Client) Connect() { c.manager.Connect() }

// Disconnect drops the shared stream but keeps every subscription, so the
// next Connect resumes them.
func (c *Client) Disconnect() { c.manager.Disconnect() }

// State returns the connection state for display.
func (c *Client) State() State { return c.manager.State() }

// Manager exposes the connection for lifecycle wiring (reconnect policy,
// extra observers).
func (c *Client) Manager() *Manager { return c.manager }

// Subscribe adds a reference to id.
func (c *Client) Subscribe(id EntityID) error { return c.registry.Subscribe(id) }

// Unsubscribe drops a reference to id. It returns ErrNotSubscribed if there
// is none.
func (c *Client) Unsubscribe(id EntityID) error { return c.registry.Unsubscribe(id) }

// Mount subscribes id and returns a release func for the view's unmount.
// Calling release more than once has no further effect.
func (c *Client) Mount(id EntityID) (release func(), err error) {
	if err := c.Subscribe(id); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			if err := c.Unsubscribe(id); err != nil {
				c.logger.Error("view release", "pet_id", id, "error", err)
			}
		})
	}, nil
}

// RefCount returns the outstanding references for id.
func (c *Client) RefCount(id EntityID) int { return c.registry.RefCount(id) }

// Subscriptions lists the active pets.
func (c *Client) Subscriptions() []Subscription { return c.registry.Active() }

// Latest returns the newest reading for id, or false before any has arrived.
func (c *Client) Latest(id EntityID) (Reading, bool) { return c.store.Latest(id) }

// History returns a copy of id's buffered readings, oldest first.
func (c *Client) History(id EntityID) []Reading { return c.store.History(id) }

// Classification returns the classification of id's latest reading.
func (c *Client) Classification(id EntityID) (Classification, bool) {
	return c.store.Classification(id)
}

// Capacity returns the rolling buffer length.
func (c *Client) Capacity() int { return c.store.Capacity() }

// Watch registers v and returns a func that removes it. If v also implements
// AlertObserver it receives alerts for subscribed pets.
func (c *Client) Watch(v ViewObserver) (remove func()) {
	c.viewMu.Lock()
	c.nextViewID++
	id := c.nextViewID
	c.views = append(c.views, viewEntry{id: id, view: v})
	c.viewMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.viewMu.Lock()
			defer c.viewMu.Unlock()
			c.views = slices.DeleteFunc(slices.Clone(c.views), func(e viewEntry) bool { return e.id == id })
		})
	}
}

// Close detaches the client from its manager.
func (c *Client) Close() {
	for _, d := range c.detach {
		d()
	}
}

func (c *Client) OnConnect() {}

func (c *Client) OnDisconnect(error) {}

// OnMessage buffers r, reclassifies and notifies views. Readings for pets
// nobody subscribes to are dropped.
func (c *Client) OnMessage(r Reading) {
	id := r.EntityID
	if !c.store.Append(r) {
		c.logger.Debug("dropping reading for unsubscribed pet", "pet_id", id)
		c.inst.ReadingDropped(DropUnsubscribed)
		return
	}
	c.inst.ReadingAccepted(id)

	cls := c.classifier.Classify(r)
	changed := c.store.SetClassification(id, cls)
	history := c.store.History(id)
	if history == nil {
		// unsubscribed between append and snapshot
		return
	}

	for _, v := range c.snapshotViews() {
		v.OnLatestChanged(id, r.Clone())
		v.OnHistoryChanged(id, cloneReadings(history))
		if changed {
			v.OnClassificationChanged(id, cls.clone())
		}
	}
}

// OnAlert forwards alerts for subscribed pets to views that want them.
func (c *Client) OnAlert(a Alert) {
	if c.registry.RefCount(a.EntityID) == 0 {
		return
	}
	c.logger.Warn("critical alert", "pet_id", a.EntityID, "severity", a.Severity, "message", a.Message)
	for _, v := range c.snapshotViews() {
		if ao, ok := v.(AlertObserver); ok {
			ao.OnAlert(a)
		}
	}
}

func (c *Client) snapshotViews() []ViewObserver {
	c.viewMu.Lock()
	defer c.viewMu.Unlock()
	out := make([]ViewObserver, len(c.views))
	for i, e := range c.views {
		out[i] = e.view
	}
	return out
}

func cloneReadings(in []Reading) []Reading {
	out := make([]Reading, len(in))
	for i, r := range in {
		out[i] = r.Clone()
	}
	return out
}
