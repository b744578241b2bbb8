// Package ipc implements the endpoint registry: fixed-size message queues
// with send/receive/reply semantics. The ring buffer itself follows the
// head/tail/count shape of biscuit's circbuf_t, generalized from a byte
// stream to a queue of fixed-size messages, with a single condition
// variable standing in for both the sender and the receiver wait lists
// spec.md names.
package ipc

import (
	"sync"
	"time"

	"limitlessos/defs"
)

// Flags on an individual message.
type Flags uint8

const (
	FlagSync Flags = 1 << iota
	FlagAsync
	FlagZeroCopy
	FlagPriority
)

// PayloadSize is the fixed payload capacity of a Message.
const PayloadSize = 120

// QueueCapacity is the fixed ring size of every endpoint (N <= 256).
const QueueCapacity = 256

// Message is the fixed-size unit of IPC transfer.
type Message struct {
	MsgId   uint64
	Sender  defs.Pid_t
	Size    int
	Flags   Flags
	Payload [PayloadSize]byte
}

// Endpoint is a first-class IPC object: a ring buffer of messages plus its
// wait lists, modeled as one condition variable over the mutex that
// protects the ring; blocked senders and blocked receivers both wait on it.
type Endpoint struct {
	mu   sync.Mutex
	cond *sync.Cond // broadcast on any state change worth re-checking

	id     defs.EndpointId_t
	owner  defs.Pid_t
	active bool

	ring        [QueueCapacity]Message
	head, tail  int
	count       int

	sent, received, dropped uint64
}

func newEndpoint(id defs.EndpointId_t, owner defs.Pid_t) *Endpoint {
	ep := &Endpoint{id: id, owner: owner, active: true}
	ep.cond = sync.NewCond(&ep.mu)
	return ep
}

func (ep *Endpoint) full() bool  { return ep.count == QueueCapacity }
func (ep *Endpoint) empty() bool { return ep.count == 0 }

// waitUntil blocks on ep.cond, holding ep.mu, until cond() is satisfied,
// the endpoint is destroyed, or timeout elapses. Must be called with
// ep.mu held; timeout must be > 0 (zero-timeout callers never wait).
func (ep *Endpoint) waitUntil(cond func() bool, timeout time.Duration) defs.Err_t {
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		ep.mu.Lock()
		ep.cond.Broadcast()
		ep.mu.Unlock()
	})
	defer timer.Stop()

	for !cond() && ep.active {
		if !time.Now().Before(deadline) {
			return defs.ETIMEDOUT
		}
		ep.cond.Wait()
	}
	if !ep.active {
		return defs.EACCES
	}
	return defs.Ok
}

// Registry owns the id space and the live endpoint set.
type Registry struct {
	mu        sync.Mutex
	nextId    uint64
	endpoints map[defs.EndpointId_t]*Endpoint
}

// NewRegistry returns an empty endpoint registry.
func NewRegistry() *Registry {
	return &Registry{endpoints: make(map[defs.EndpointId_t]*Endpoint)}
}

// Create allocates a ring buffer of QueueCapacity message slots and the
// condition variable its waiters block on, returning a monotonically
// assigned opaque id.
func (r *Registry) Create(owner defs.Pid_t) defs.EndpointId_t {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextId++
	id := defs.EndpointId_t(r.nextId)
	r.endpoints[id] = newEndpoint(id, owner)
	return id
}

func (r *Registry) get(id defs.EndpointId_t) (*Endpoint, defs.Err_t) {
	r.mu.Lock()
	ep, ok := r.endpoints[id]
	r.mu.Unlock()
	if !ok {
		return nil, defs.ENOENT
	}
	return ep, defs.Ok
}

// Destroy wakes every waiter with Denied and frees the ring.
func (r *Registry) Destroy(id defs.EndpointId_t) defs.Err_t {
	r.mu.Lock()
	ep, ok := r.endpoints[id]
	if ok {
		delete(r.endpoints, id)
	}
	r.mu.Unlock()
	if !ok {
		return defs.ENOENT
	}

	ep.mu.Lock()
	ep.active = false
	ep.count, ep.head, ep.tail = 0, 0, 0
	ep.cond.Broadcast()
	ep.mu.Unlock()
	return defs.Ok
}

// Send delivers msg to endpoint id, honoring the Sync/Async queue-full and
// timeout semantics spec.md §4.4 describes.
func (r *Registry) Send(id defs.EndpointId_t, sender defs.Pid_t, msg Message, timeout time.Duration) defs.Err_t {
	ep, err := r.get(id)
	if err != defs.Ok {
		return err
	}

	ep.mu.Lock()
	defer ep.mu.Unlock()
	if !ep.active {
		return defs.ENOENT
	}

	if ep.full() {
		switch {
		case msg.Flags&FlagAsync != 0:
			ep.dropped++
			return defs.EBUSY
		case timeout == 0:
			return defs.EBUSY
		default:
			if e := ep.waitUntil(func() bool { return !ep.full() }, timeout); e != defs.Ok {
				return e
			}
		}
	}

	msg.Sender = sender
	ep.ring[ep.tail] = msg
	ep.tail = (ep.tail + 1) % QueueCapacity
	ep.count++
	ep.sent++
	ep.cond.Signal()
	return defs.Ok
}

// Receive dequeues the oldest message from endpoint id, blocking up to
// timeout if the queue is empty.
func (r *Registry) Receive(id defs.EndpointId_t, timeout time.Duration) (Message, defs.Err_t) {
	ep, err := r.get(id)
	if err != defs.Ok {
		return Message{}, err
	}

	ep.mu.Lock()
	defer ep.mu.Unlock()
	if !ep.active {
		return Message{}, defs.ENOENT
	}

	if ep.empty() {
		if timeout == 0 {
			return Message{}, defs.ETIMEDOUT
		}
		if e := ep.waitUntil(func() bool { return !ep.empty() }, timeout); e != defs.Ok {
			return Message{}, e
		}
	}

	wasFull := ep.full()
	m := ep.ring[ep.head]
	ep.head = (ep.head + 1) % QueueCapacity
	ep.count--
	ep.received++
	if wasFull {
		ep.cond.Signal()
	}
	return m, defs.Ok
}

// Reply is shorthand for an Async send carrying the reply correlation id.
func (r *Registry) Reply(id defs.EndpointId_t, sender defs.Pid_t, msgId uint64, payload []byte) defs.Err_t {
	var m Message
	m.MsgId = msgId
	m.Flags = FlagAsync
	n := copy(m.Payload[:], payload)
	m.Size = n
	return r.Send(id, sender, m, 0)
}

// Stats reports per-endpoint counters, grounded in biscuit's Counter_t
// pattern, so §8 property 7 (bounded queue, monotonic dropped count) is
// directly observable.
type Stats struct {
	Sent, Received, Dropped uint64
	Depth                   int
}

// Stats returns a snapshot of endpoint id's counters.
func (r *Registry) Stats(id defs.EndpointId_t) (Stats, defs.Err_t) {
	ep, err := r.get(id)
	if err != defs.Ok {
		return Stats{}, err
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return Stats{Sent: ep.sent, Received: ep.received, Dropped: ep.dropped, Depth: ep.count}, defs.Ok
}
