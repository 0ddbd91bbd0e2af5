package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy builds a fresh backoff sequence for a run of failed connects.
type Policy func() backoff.BackOff

// ExponentialPolicy retries forever, growing from minInterval up to maxInterval with jitter.
func ExponentialPolicy(minInterval, maxInterval time.Duration) Policy {
	return func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = minInterval
		b.MaxInterval = maxInterval
		b.MaxElapsedTime = 0
		b.Reset()
		return b
	}
}

// FixedPolicy retries forever at a constant interval.
func FixedPolicy(interval time.Duration) Policy {
	return func() backoff.BackOff {
		return backoff.NewConstantBackOff(interval)
	}
}

// Connector is the part of the Manager a Reconnector drives.
type Connector interface {
	Connect()
	Observe(o ConnectionObserver) (remove func())
}

// Reconnector calls Connect again after every transport failure, spacing the
// attempts by its policy. A locally requested Disconnect is not retried.
type Reconnector struct {
	conn   Connector
	policy Policy
	logger *slog.Logger
	inst   Instrumentation

	mu      sync.Mutex
	bo      backoff.BackOff
	timer   *time.Timer
	attempt int
	stopped bool
}

func NewReconnector(conn Connector, policy Policy, logger *slog.Logger, inst Instrumentation) *Reconnector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconnector{
		conn:   conn,
		policy: policy,
		logger: logger,
		inst:   instrumentationOrNop(inst),
	}
}

// Run watches the connection until ctx is done.
func (r *Reconnector) Run(ctx context.Context) {
	remove := r.conn.Observe(r)
	defer remove()

	<-ctx.Done()
	r.stop()
}

// Start is Run in the background, except that r is already observing when
// Start returns, so a Connect issued right after is covered. The returned
// channel is closed once r has stopped.
func (r *Reconnector) Start(ctx context.Context) (done <-chan struct{}) {
	remove := r.conn.Observe(r)
	ch := make(chan struct{})
	go func() {
		defer close(ch)
		defer remove()
		<-ctx.Done()
		r.stop()
	}()
	return ch
}

func (r *Reconnector) stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

func (r *Reconnector) OnConnect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempt = 0
	r.bo = nil
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

func (r *Reconnector) OnDisconnect(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	if err == nil || r.stopped {
		return
	}
	if r.bo == nil {
		r.bo = r.policy()
	}
	delay := r.bo.NextBackOff()
	if delay == backoff.Stop {
		r.logger.Error("giving up reconnecting", "attempts", r.attempt, "error", err)
		return
	}
	r.attempt++
	r.inst.ReconnectScheduled(r.attempt, delay)
	r.logger.Info("reconnect scheduled", "attempt", r.attempt, "delay", delay, "error", err)
	r.timer = time.AfterFunc(delay, r.conn.Connect)
}

func (r *Reconnector) OnMessage(Reading) {}
