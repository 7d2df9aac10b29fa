package order

import "sync"

// Locks hands out one mutex per order ID. Every multi-entity mutation
// (accept-offer, payment create/release/refund/freeze, dispute
// open/resolve, each sweep item) runs under the order's mutex so a
// concurrent release and a concurrent dispute-freeze cannot interleave.
//
// One registry is shared by the order, offer, payment and dispute
// services; mutexes are never released from the map, which is fine at
// marketplace scale.
type Locks struct {
	m sync.Map
}

// NewLocks creates an empty lock registry.
func NewLocks() *Locks {
	return &Locks{}
}

// ForOrder returns the mutex guarding the given order ID.
func (l *Locks) ForOrder(id string) *sync.Mutex {
	v, _ := l.m.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}
