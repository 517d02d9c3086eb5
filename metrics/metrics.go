// Package metrics holds the process wide counter set. Counters are plain
// atomics updated from the shard hot paths without coordination; the
// Prometheus collector in this package snapshots them on scrape.
package metrics

import "sync/atomic"

// Metrics is the full counter set. Every field is monotonically increasing
// and safe for concurrent addition; no cross field invariants exist.
type Metrics struct {
	TCP struct {
		// Connections counts accepted TCP connections.
		Connections atomic.Uint64

		// Queries counts queries received over TCP.
		Queries atomic.Uint64

		// UnknownClientIPFamily counts accepts with a client address
		// family other than IPv4 or IPv6.
		UnknownClientIPFamily atomic.Uint64

		// GetsocknameErr counts getsockname failures on accepted sockets.
		GetsocknameErr atomic.Uint64

		// UnknownLocalIPFamily counts accepts with a local address
		// family other than IPv4 or IPv6.
		UnknownLocalIPFamily atomic.Uint64

		// ConnIDUnavailable counts failures to assign a connection id.
		ConnIDUnavailable atomic.Uint64

		// QueryLenTooLarge counts TCP frames whose length prefix
		// exceeded the 512 byte query limit.
		QueryLenTooLarge atomic.Uint64

		// QueryRecvTimeout counts connections released while waiting
		// for the remainder of a partially received query.
		QueryRecvTimeout atomic.Uint64

		// KeepaliveTimeout counts connections released for idling
		// between queries.
		KeepaliveTimeout atomic.Uint64

		// ClosedNoQuery counts connections the far end closed without
		// ever sending a query.
		ClosedNoQuery atomic.Uint64

		// ClosedPartialQuery counts connections the far end closed
		// mid query.
		ClosedPartialQuery atomic.Uint64

		SockReadErr        atomic.Uint64
		SockWriteErr       atomic.Uint64
		SockWriteTimeout   atomic.Uint64
		SockClosedForWrite atomic.Uint64
	}

	UDP struct {
		// Queries counts queries received over UDP.
		Queries atomic.Uint64
	}

	DNS struct {
		Queries            atomic.Uint64
		RcodeNoError       atomic.Uint64
		RcodeFormErr       atomic.Uint64
		RcodeServFail      atomic.Uint64
		RcodeNXDomain      atomic.Uint64
		RcodeNotImpl       atomic.Uint64
		RcodeRefused       atomic.Uint64
		RcodeShortHeader   atomic.Uint64
		RcodeTooLarge      atomic.Uint64
		RcodeBadVersion    atomic.Uint64
		TypeInvalid        atomic.Uint64
		TypeA              atomic.Uint64
		TypeAAAA           atomic.Uint64
		TypeCNAME          atomic.Uint64
		TypeMX             atomic.Uint64
		TypeNS             atomic.Uint64
		TypePTR            atomic.Uint64
		TypeSRV            atomic.Uint64
		TypeSOA            atomic.Uint64
		TypeTXT            atomic.Uint64
		TypeUnsupported    atomic.Uint64
		EDNSPresent        atomic.Uint64
		EDNSValid          atomic.Uint64
		EDNSDOBit          atomic.Uint64
		EDNSClientSubnet   atomic.Uint64
	}

	App struct {
		// AppLogOpenError counts failures opening the application log.
		AppLogOpenError atomic.Uint64

		// AppLogWriteError counts application log messages dropped or
		// lost to write failures.
		AppLogWriteError atomic.Uint64

		// QueryLogBufNoSpace counts queries that could not be logged
		// because the active query log buffer lacked headroom. Expected
		// under extreme load; sustained growth means the buffer size
		// needs raising.
		QueryLogBufNoSpace atomic.Uint64

		// ResourceReloadError counts failed resource checks or loads.
		ResourceReloadError atomic.Uint64

		// QueryLogOpenError counts failures opening a query log file.
		QueryLogOpenError atomic.Uint64
	}
}

// New returns a zeroed metrics set.
func New() *Metrics {
	return &Metrics{}
}
