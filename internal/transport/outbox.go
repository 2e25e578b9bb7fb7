package transport

import (
	"sync"

	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/protocol"
)

// Outbox is the outbound queue of one connection.
//
// Semantics:
//   - mesh_update uses a single slot with overwrite (newest wins, an
//     unsent one is superseded)
//   - control messages are a bounded FIFO; overflowing it means the client
//     stopped reading and the outbox closes
//   - Next returns items in the order they were offered, with a superseded
//     mesh taking the position of its replacement
//
// Thread-safety:
//   - Emit/EmitMesh: any goroutine (session control path, never blocks)
//   - Next: single writer goroutine
type Outbox struct {
	mu   sync.Mutex
	cond *sync.Cond

	control []queued
	limit   int

	mesh    *queued // single slot (nil = consumed)
	counter uint64  // offer order

	superseded uint64
	overflowed bool
	closed     bool
}

type queued struct {
	env   protocol.Envelope
	order uint64
}

// NewOutbox creates an Outbox holding at most limit control messages
func NewOutbox(limit int) *Outbox {
	if limit <= 0 {
		limit = 32
	}
	o := &Outbox{limit: limit}
	o.cond = sync.NewCond(&o.mu)
	return o
}

// Emit queues a control message
func (o *Outbox) Emit(env protocol.Envelope) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return
	}
	if len(o.control) >= o.limit {
		o.overflowed = true
		o.closed = true
		o.cond.Broadcast()
		return
	}
	o.counter++
	o.control = append(o.control, queued{env: env, order: o.counter})
	o.cond.Signal()
}

// EmitMesh offers a mesh_update, replacing an unsent one
func (o *Outbox) EmitMesh(env protocol.Envelope) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return
	}
	if o.mesh != nil {
		o.superseded++
	}
	o.counter++
	o.mesh = &queued{env: env, order: o.counter}
	o.cond.Signal()
}

// Next blocks until a message is available. ok is false once the outbox is
// closed; messages still queued at that point are discarded.
func (o *Outbox) Next() (env protocol.Envelope, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for len(o.control) == 0 && o.mesh == nil && !o.closed {
		o.cond.Wait()
	}
	if o.closed {
		return protocol.Envelope{}, false
	}

	if o.mesh != nil && (len(o.control) == 0 || o.mesh.order < o.control[0].order) {
		env = o.mesh.env
		o.mesh = nil
		return env, true
	}
	env = o.control[0].env
	o.control[0] = queued{}
	o.control = o.control[1:]
	return env, true
}

// Close wakes the writer and discards pending messages. Idempotent.
func (o *Outbox) Close() {
	o.mu.Lock()
	o.closed = true
	o.cond.Broadcast()
	o.mu.Unlock()
}

// Superseded returns how many mesh updates were replaced before being sent
func (o *Outbox) Superseded() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.superseded
}

// Overflowed reports whether the control queue filled up
func (o *Outbox) Overflowed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.overflowed
}
