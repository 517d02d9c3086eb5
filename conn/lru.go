package conn

import "container/list"

// LRU is the insertion ordered set of established TCP connections, keyed
// by connection id. Get promotes an entry to the most recently used end;
// Scan walks from the least recent end, which is how the vectorloop finds
// timeout candidates without a timer wheel.
type LRU struct {
	ll *list.List
	m  map[uint64]*list.Element
}

// NewLRU returns an empty set.
func NewLRU() *LRU {
	return &LRU{
		ll: list.New(),
		m:  make(map[uint64]*list.Element),
	}
}

// Len returns the number of tracked connections.
func (l *LRU) Len() int { return l.ll.Len() }

// Contains reports whether id is tracked.
func (l *LRU) Contains(id uint64) bool {
	_, ok := l.m[id]
	return ok
}

// Add inserts c at the most recently used end.
func (l *LRU) Add(c *Conn) {
	l.m[c.ID] = l.ll.PushFront(c)
}

// Get returns the connection for id and promotes it to the most recently
// used end, or nil when untracked.
func (l *LRU) Get(id uint64) *Conn {
	e, ok := l.m[id]
	if !ok {
		return nil
	}
	l.ll.MoveToFront(e)
	return e.Value.(*Conn)
}

// Delete removes id from the set.
func (l *LRU) Delete(id uint64) {
	if e, ok := l.m[id]; ok {
		l.ll.Remove(e)
		delete(l.m, id)
	}
}

// Scan walks connections from the least recently used end, calling fn for
// each until fn returns false.
func (l *LRU) Scan(fn func(*Conn) bool) {
	for e := l.ll.Back(); e != nil; e = e.Prev() {
		if !fn(e.Value.(*Conn)) {
			return
		}
	}
}
