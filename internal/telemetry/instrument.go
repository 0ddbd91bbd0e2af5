package telemetry

import "time"

// Reasons passed to Instrumentation.ReadingDropped.
const (
	DropMalformed    = "malformed"
	DropUnsubscribed = "unsubscribed"
)

// Instrumentation receives counters from the core. Implementations must be
// safe for concurrent use.
type Instrumentation interface {
	ReadingAccepted(id EntityID)
	ReadingDropped(reason string)
	SubscriptionsActive(n int)
	ConnectionState(s State)
	ReconnectScheduled(attempt int, delay time.Duration)
}

type nopInstrumentation struct{}

func (nopInstrumentation) ReadingAccepted(EntityID)               {}
func (nopInstrumentation) ReadingDropped(string)                  {}
func (nopInstrumentation) SubscriptionsActive(int)                {}
func (nopInstrumentation) ConnectionState(State)                  {}
func (nopInstrumentation) ReconnectScheduled(int, time.Duration) {}

func instrumentationOrNop(i Instrumentation) Instrumentation {
	if i == nil {
		return nopInstrumentation{}
	}
	return i
}
