// Package registry implements the connection registry (spec §4.E):
// a map from LogicalConnId to a bounded response queue, guarded by a
// readers-writer lock so route() contends only with register/unregister,
// never with other concurrent routes.
//
// The shape — an RWMutex-guarded map of id to a channel-backed consumer,
// exclusive lock on insert/delete, shared lock on lookup-and-send — mirrors
// the teacher's rpc/subscription.go serverSubscription bookkeeping
// (activeSubs/inactiveSubs maps under a mutex, one channel per subscriber),
// adapted from a single-node subscriber table to a per-peer response
// router with a monotonic id allocator.
package registry

import (
	"sync"
	"sync/atomic"

	"github.com/telemt/meproxy/internal/metrics"
)

// LogicalConnId uniquely identifies a client-session stream across the
// pool. Allocated monotonically from 1; never reused (spec §3, §4.E).
type LogicalConnId uint64

// MessageKind tags a queued response.
type MessageKind int

const (
	KindData MessageKind = iota
	KindAck
	KindClose
)

// Message is one tagged entry delivered over a ResponseChannel.
type Message struct {
	Kind    MessageKind
	Data    []byte // valid when Kind == KindData
	Confirm uint32 // valid when Kind == KindAck
}

// ChannelCapacity is the bounded queue size backing every ResponseChannel
// (spec §4.E, §5: "Receiver queues are bounded (256)").
const ChannelCapacity = 256

// Registry maps LogicalConnId to the receiving end of its response queue.
type Registry struct {
	mu      sync.RWMutex
	conns   map[LogicalConnId]chan Message
	counter uint64 // atomic; next id to allocate, pre-increment
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{conns: make(map[LogicalConnId]chan Message)}
}

// Register allocates the next LogicalConnId and returns it along with the
// receiving end of its bounded response channel (spec §4.E register()).
func (r *Registry) Register() (LogicalConnId, <-chan Message) {
	id := LogicalConnId(atomic.AddUint64(&r.counter, 1))
	ch := make(chan Message, ChannelCapacity)
	r.mu.Lock()
	r.conns[id] = ch
	n := len(r.conns)
	r.mu.Unlock()
	metrics.RegisteredConns.Set(float64(n))
	return id, ch
}

// Unregister removes id from the registry, if present. Idempotent. The
// channel itself is never closed: the consumer side (the session) is the
// only party allowed to stop reading it, so a racing Route that already
// passed the lookup may still deliver one last message into an orphaned
// channel, which is harmless — it simply goes unread and is garbage
// collected with the channel.
func (r *Registry) Unregister(id LogicalConnId) {
	r.mu.Lock()
	delete(r.conns, id)
	n := len(r.conns)
	r.mu.Unlock()
	metrics.RegisteredConns.Set(float64(n))
}

// Route delivers msg to id's response queue and reports whether a live
// receiver was found. It takes the registry's shared lock for the id
// lookup only; the send itself may block briefly on a full queue, which
// is the transport's backpressure mechanism (spec §5) — it does not hold
// the lock while blocked, so register/unregister of other ids are never
// stalled by one slow session.
func (r *Registry) Route(id LogicalConnId, msg Message) bool {
	r.mu.RLock()
	ch, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	ch <- msg
	return true
}

// Len reports the number of currently registered connections, for
// metrics and tests.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
