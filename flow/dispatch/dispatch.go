// Package dispatch delivers execution requests to the worker over a
// long-poll channel and tracks worker liveness through heartbeats.
//
// The dispatcher owns two FIFO buffers: a queue of pending requests and a
// wait-list of suspended Poll callers. A request is delivered to exactly one
// caller: the oldest waiter if one is suspended, otherwise the next Poll.
package dispatch

import (
	"context"
	"sync"
	"time"
)

const (
	// DefaultPollTimeout is how long a Poll suspends before returning
	// empty-handed.
	DefaultPollTimeout = 30 * time.Second

	// DefaultHeartbeatTimeout is how long the worker may stay silent before
	// the liveness check reports it gone.
	DefaultHeartbeatTimeout = 10 * time.Second
)

// Request is one pending execution dispatch. The field names are the wire
// names the worker protocol expects.
type Request struct {
	RunID         string `json:"run_id"`
	FlowName      string `json:"flow_name"`
	Configuration string `json:"configuration"`
}

// waiter is one suspended Poll caller. The channel is buffered so Enqueue
// never blocks on delivery; each waiter receives at most one request.
type waiter struct {
	ch chan *Request
}

// Dispatcher is a FIFO request queue with long-poll fan-out and a heartbeat
// watchdog. The zero value is not usable; call New.
type Dispatcher struct {
	mu               sync.Mutex
	queue            []*Request
	waiters          []*waiter
	lastHeartbeat    time.Time // zero = unset
	heartbeatTimeout time.Duration
}

// New creates a dispatcher. A non-positive heartbeatTimeout selects
// DefaultHeartbeatTimeout.
func New(heartbeatTimeout time.Duration) *Dispatcher {
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = DefaultHeartbeatTimeout
	}
	return &Dispatcher{heartbeatTimeout: heartbeatTimeout}
}

// Enqueue hands req to the oldest suspended Poll caller, or appends it to
// the queue when nobody is waiting. Delivery is strictly FIFO on both sides.
func (d *Dispatcher) Enqueue(req *Request) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.waiters) > 0 {
		w := d.waiters[0]
		d.waiters = d.waiters[1:]
		w.ch <- req
		return
	}
	d.queue = append(d.queue, req)
}

// Poll returns the next pending request, suspending up to timeout when the
// queue is empty. A timeout returns (nil, nil). Context cancellation
// deregisters the waiter and returns ctx.Err(); a request that raced the
// cancellation is pushed back to the front of the queue so it is not lost.
//
// Every Poll stamps the heartbeat: a polling worker is a live worker.
func (d *Dispatcher) Poll(ctx context.Context, timeout time.Duration) (*Request, error) {
	if timeout <= 0 {
		timeout = DefaultPollTimeout
	}

	d.mu.Lock()
	d.lastHeartbeat = time.Now()
	if len(d.queue) > 0 {
		req := d.queue[0]
		d.queue = d.queue[1:]
		d.mu.Unlock()
		return req, nil
	}

	w := &waiter{ch: make(chan *Request, 1)}
	d.waiters = append(d.waiters, w)
	d.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case req := <-w.ch:
		return req, nil
	case <-timer.C:
		if req := d.abandon(w, false); req != nil {
			// Enqueue won the race with the timer; the caller is still here,
			// so deliver.
			return req, nil
		}
		return nil, nil
	case <-ctx.Done():
		d.abandon(w, true)
		return nil, ctx.Err()
	}
}

// abandon removes w from the wait-list and drains any request that was
// delivered concurrently. When requeue is set the drained request goes back
// to the front of the queue; otherwise it is returned to the caller.
func (d *Dispatcher) abandon(w *waiter, requeue bool) *Request {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, cand := range d.waiters {
		if cand == w {
			d.waiters = append(d.waiters[:i], d.waiters[i+1:]...)
			break
		}
	}

	select {
	case req := <-w.ch:
		if requeue {
			d.queue = append([]*Request{req}, d.queue...)
			return nil
		}
		return req
	default:
		return nil
	}
}

// Heartbeat records that the worker is alive.
func (d *Dispatcher) Heartbeat() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastHeartbeat = time.Now()
}

// LivenessCheck reports, exactly once per silence, that the worker has gone
// quiet: it returns true when a heartbeat has been seen and now is more than
// the heartbeat timeout past it. The sentinel is cleared on firing, so a
// worker that stays silent does not re-fire until it heartbeats again.
func (d *Dispatcher) LivenessCheck(now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.lastHeartbeat.IsZero() {
		return false
	}
	if now.Sub(d.lastHeartbeat) <= d.heartbeatTimeout {
		return false
	}
	d.lastHeartbeat = time.Time{}
	return true
}

// QueueDepth returns the number of undelivered requests.
func (d *Dispatcher) QueueDepth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}
