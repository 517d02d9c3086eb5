package conn

import (
	"net/netip"
	"time"

	"github.com/G5unit/ripples/config"
	"github.com/G5unit/ripples/metrics"
	"github.com/G5unit/ripples/query"
)

// TCPState is the established TCP connection state.
type TCPState int

// Connection states. TCPWaitForQuery, TCPWaitForQueryData and
// TCPWaitForWrite are live states with an associated timeout clock; the
// others are terminal and route the connection to the release stage.
const (
	// TCPAssignConnIDErr marks a connection rejected because no id
	// could be assigned.
	TCPAssignConnIDErr TCPState = iota

	// TCPWaitForQuery is idle between queries; the keepalive clock runs.
	TCPWaitForQuery

	// TCPWaitForQueryData holds a partial frame; the receive timeout
	// clock runs.
	TCPWaitForQueryData

	// TCPWaitForWrite has an unflushed response; the send timeout clock
	// runs.
	TCPWaitForWrite

	// TCPClosedForRead is the far end half close.
	TCPClosedForRead

	// TCPReadErr is a socket read error.
	TCPReadErr

	// TCPClosedForWrite is the far end closing before the response was
	// written.
	TCPClosedForWrite

	// TCPWriteErr is a socket write error.
	TCPWriteErr

	// TCPQuerySizeTooLarge is a frame length prefix over the query
	// size limit.
	TCPQuerySizeTooLarge
)

// TCP holds the state of one established TCP connection.
type TCP struct {
	Client netip.AddrPort
	Local  netip.AddrPort

	// ReadBuf accumulates length prefixed frames; ReadLen is the bytes
	// currently buffered.
	ReadBuf []byte
	ReadLen int

	// QueryWriteIndex is the query slot the write stage resumes from,
	// WriteIndex the offset within that slot's response buffer. Both
	// carry partial write progress across loop iterations.
	QueryWriteIndex int
	WriteIndex      int

	// Queries are the per connection query slots; QueriesCount of them
	// are populated this iteration.
	Queries      []*query.Query
	QueriesCount int

	// TotalQueries counts queries served over the connection lifetime.
	TotalQueries int

	Keepalive time.Duration

	State TCPState

	Start   time.Time
	Timeout time.Time
	End     time.Time
}

// NewTCPConn returns a connection object for a just accepted socket.
func NewTCPConn(fd int, cfg *config.Config, ipv6 bool, client, local netip.AddrPort) *Conn {
	t := &TCP{
		Client:    client,
		Local:     local,
		ReadBuf:   make([]byte, cfg.TCPReadBufSize()),
		Queries:   make([]*query.Query, cfg.TCPConnSimultaneousQueries),
		Keepalive: time.Duration(cfg.TCPKeepalive) * time.Millisecond,
	}
	for i := range t.Queries {
		t.Queries[i] = query.NewTCP(cfg.TCPWriteBufSize())
	}

	return &Conn{
		FD:          fd,
		Established: true,
		Proto:       query.ProtoTCP,
		IPv6:        ipv6,
		TCP:         t,
	}
}

// AssignTCPConnID finds the next connection id not present in the LRU set,
// scanning forward from base+1 and wrapping. The returned id becomes the
// new base. Exhaustion needs every 64 bit id in use and cannot happen with
// the per shard connection cap in place.
func AssignTCPConnID(lru *LRU, base *uint64) (uint64, bool) {
	for id := *base + 1; id != 0; id++ {
		if !lru.Contains(id) {
			*base = id
			return id, true
		}
	}
	for id := uint64(0); id < *base; id++ {
		if !lru.Contains(id) {
			*base = id
			return id, true
		}
	}
	return 0, false
}

// ReportMetrics records the counter a released connection contributes to,
// keyed by the state it was released in.
func (t *TCP) ReportMetrics(m *metrics.Metrics) {
	switch t.State {
	case TCPAssignConnIDErr:
		m.TCP.ConnIDUnavailable.Add(1)
	case TCPQuerySizeTooLarge:
		m.TCP.QueryLenTooLarge.Add(1)
	case TCPClosedForRead:
		if t.ReadLen != 0 {
			m.TCP.ClosedPartialQuery.Add(1)
		} else if t.TotalQueries == 0 {
			m.TCP.ClosedNoQuery.Add(1)
		}
	case TCPClosedForWrite:
		m.TCP.SockClosedForWrite.Add(1)
	case TCPReadErr:
		m.TCP.SockReadErr.Add(1)
	case TCPWaitForQuery:
		m.TCP.KeepaliveTimeout.Add(1)
	case TCPWaitForQueryData:
		m.TCP.QueryRecvTimeout.Add(1)
	case TCPWaitForWrite:
		m.TCP.SockWriteTimeout.Add(1)
	case TCPWriteErr:
		m.TCP.SockWriteErr.Add(1)
	}
}
