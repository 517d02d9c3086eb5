// Package conn holds the connection objects the vectorloop moves through
// its pipeline stages: UDP listeners with their message vectors, TCP
// listeners, and established TCP connections with their framing state.
// Queue membership links live inside the connection object so enqueue and
// dequeue never allocate, and membership flags keep re-enqueue idempotent:
// a connection sits in at most one read queue, one write queue and one
// release queue at a time.
package conn

import (
	"golang.org/x/sys/unix"

	"github.com/G5unit/ripples/query"
)

// Conn is a UDP listener, TCP listener or established TCP connection.
type Conn struct {
	// ID is unique within the owning shard. Only established TCP
	// connections use it, as their LRU set key.
	ID uint64

	FD int

	// Established is false for listeners.
	Established bool

	// Proto is query.ProtoUDP or query.ProtoTCP.
	Proto uint8

	// IPv6 reports the listener address family.
	IPv6 bool

	// WaitingRead and WaitingWrite mark a connection that drained its
	// socket to EAGAIN and is re-armed with the edge triggered
	// readiness set.
	WaitingRead  bool
	WaitingWrite bool

	inReadQueue    bool
	inWriteQueue   bool
	inReleaseQueue bool

	readNext  *Conn
	writeNext *Conn
	genNext   *Conn

	UDP *UDP
	TCP *TCP
}

// IsUDPListener reports whether c is a UDP listener connection.
func (c *Conn) IsUDPListener() bool {
	return !c.Established && c.Proto == query.ProtoUDP
}

// IsTCPListener reports whether c is a TCP listener connection.
func (c *Conn) IsTCPListener() bool {
	return !c.Established && c.Proto == query.ProtoTCP
}

// IsTCPConn reports whether c is an established TCP connection.
func (c *Conn) IsTCPConn() bool {
	return c.Established && c.Proto == query.ProtoTCP
}

// Close releases the socket if still open.
func (c *Conn) Close() {
	if c.FD >= 0 {
		unix.Close(c.FD)
		c.FD = -1
	}
}

// FIFO is a singly linked connection queue. Enqueue adds at the tail,
// dequeue removes from the head.
type FIFO struct {
	head *Conn
	tail *Conn
}

// Empty reports whether the queue holds no connections.
func (f *FIFO) Empty() bool { return f.head == nil }

// EnqueueRead adds c to a read queue unless it is already in one.
func (f *FIFO) EnqueueRead(c *Conn) {
	if c.inReadQueue {
		return
	}
	c.readNext = nil
	if f.head == nil {
		f.head, f.tail = c, c
	} else {
		f.tail.readNext = c
		f.tail = c
	}
	c.inReadQueue = true
}

// DequeueRead removes and returns the head of a read queue, nil when empty.
func (f *FIFO) DequeueRead() *Conn {
	c := f.head
	if f.head == f.tail {
		f.head, f.tail = nil, nil
	} else {
		f.head = c.readNext
	}
	if c != nil {
		c.inReadQueue = false
	}
	return c
}

// EnqueueWrite adds c to a write queue unless it is already in one.
func (f *FIFO) EnqueueWrite(c *Conn) {
	if c.inWriteQueue {
		return
	}
	c.writeNext = nil
	if f.head == nil {
		f.head, f.tail = c, c
	} else {
		f.tail.writeNext = c
		f.tail = c
	}
	c.inWriteQueue = true
}

// DequeueWrite removes and returns the head of a write queue, nil when
// empty.
func (f *FIFO) DequeueWrite() *Conn {
	c := f.head
	if f.head == f.tail {
		f.head, f.tail = nil, nil
	} else {
		f.head = c.writeNext
	}
	if c != nil {
		c.inWriteQueue = false
	}
	return c
}

// EnqueueGen adds c to a stage queue (parse, resolve, pack, log). Stage
// queues have no membership flag; a connection moves through exactly one
// of them at a time by construction of the pipeline.
func (f *FIFO) EnqueueGen(c *Conn) {
	c.genNext = nil
	if f.head == nil {
		f.head, f.tail = c, c
	} else {
		f.tail.genNext = c
		f.tail = c
	}
}

// DequeueGen removes and returns the head of a stage queue, nil when empty.
func (f *FIFO) DequeueGen() *Conn {
	c := f.head
	if f.head == f.tail {
		f.head, f.tail = nil, nil
	} else {
		f.head = c.genNext
	}
	return c
}

// EnqueueRelease adds c to the release queue unless it is already there.
// Release queues share the stage link; a released connection is off every
// stage queue.
func (f *FIFO) EnqueueRelease(c *Conn) {
	if c.inReleaseQueue {
		return
	}
	c.genNext = nil
	if f.head == nil {
		f.head, f.tail = c, c
	} else {
		f.tail.genNext = c
		f.tail = c
	}
	c.inReleaseQueue = true
}

// DequeueRelease removes and returns the head of the release queue, nil
// when empty.
func (f *FIFO) DequeueRelease() *Conn {
	c := f.head
	if f.head == f.tail {
		f.head, f.tail = nil, nil
	} else {
		f.head = c.genNext
	}
	if c != nil {
		c.inReleaseQueue = false
	}
	return c
}

// RemoveRead scrubs rm from a read queue if present.
func (f *FIFO) RemoveRead(rm *Conn) {
	if !rm.inReadQueue {
		return
	}
	var requeue FIFO
	for {
		c := f.DequeueRead()
		if c == nil {
			break
		}
		if c != rm {
			requeue.EnqueueRead(c)
		}
	}
	f.head, f.tail = requeue.head, requeue.tail
}

// RemoveWrite scrubs rm from a write queue if present.
func (f *FIFO) RemoveWrite(rm *Conn) {
	if !rm.inWriteQueue {
		return
	}
	var requeue FIFO
	for {
		c := f.DequeueWrite()
		if c == nil {
			break
		}
		if c != rm {
			requeue.EnqueueWrite(c)
		}
	}
	f.head, f.tail = requeue.head, requeue.tail
}
