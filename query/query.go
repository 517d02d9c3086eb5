// Package query holds the DNS query object and its parse, pack and log
// operations. A single Query carries one request and its response through
// the vectorloop; the object is allocated once with its owning connection
// and reset between uses so the hot path does not allocate.
package query

import (
	"errors"
	"net/netip"
	"time"

	"github.com/G5unit/ripples/dnswire"
)

// Transport protocol tags.
const (
	ProtoUDP uint8 = 0
	ProtoTCP uint8 = 1
)

// Query end codes. Codes >= 0 are DNS rcodes and mean a response is sent.
// EndUnknown marks a query still being processed. Codes below EndUnknown
// are conditions where no response is emitted.
const (
	EndUnknown       = -1
	EndShortHeader   = -2
	EndTooLarge      = -3
	EndQueryTC       = -4
	EndPackRRErr     = -5
	EndTCPWriteErr   = -6
	EndTCPWriteClose = -7
)

// ErrTruncated is returned by PackResponse when a section did not fit and
// the TC bit was set on the response.
var ErrTruncated = errors.New("query: response truncated")

// ClientSubnet is the parsed EDNS client subnet option per RFC 7871.
type ClientSubnet struct {
	// Present is set when option code 8 was seen in the request.
	Present bool

	// Valid is set only after the option parsed cleanly. A response
	// echoes the option iff Valid.
	Valid bool

	// Family is 1 for IPv4, 2 for IPv6.
	Family uint16

	// SourceMask is the prefix length the client asserted. ScopeMask is
	// what the answer covers; it must be 0 on a request and is set by
	// the resolver on the response.
	SourceMask uint8
	ScopeMask  uint8

	Addr netip.Addr
}

// EDNS is the parsed OPT pseudo record state of a request.
type EDNS struct {
	// Present is set when an OPT record was seen, Valid only after the
	// record and any client subnet option parsed cleanly.
	Present bool
	Valid   bool

	ExtendedRcode uint8
	Version       uint8

	// UDPRespLen is the advertised UDP payload size clamped into
	// [512, 4096].
	UDPRespLen uint16

	// DO is the DNSSEC OK bit.
	DO bool

	ClientSubnet ClientSubnet
}

// Query represents one DNS transaction.
type Query struct {
	Protocol uint8

	Client netip.AddrPort
	Local  netip.AddrPort

	// ReqBuf holds the raw DNS request message. For UDP this is an owned
	// buffer the read vector points into; for TCP it aliases the frame
	// inside the connection read buffer, without the length prefix.
	ReqBuf []byte
	ReqLen int
	ReqHdr dnswire.Header

	// Label is the question name rendered to printable ASCII.
	Label    []byte
	LabelLen int
	QType    uint16
	QClass   uint16

	Edns EDNS

	// RespBuf holds the response. For TCP the DNS message starts at
	// offset 2, after the length prefix; msgOff tracks that.
	RespBuf []byte
	RespLen int
	msgOff  int

	Answer     []*dnswire.Record
	Authority  []*dnswire.Record
	Additional []*dnswire.Record

	RecvTime time.Time
	SendTime time.Time

	EndCode int

	// dnptrs tracks message offsets of names already packed into the
	// response; entry 0 anchors the message start.
	dnptrs []int
}

// NewUDP returns a query for a UDP vector slot. The request buffer is one
// byte over the datagram limit so oversize datagrams are detectable.
func NewUDP() *Query {
	q := &Query{
		Protocol: ProtoUDP,
		ReqBuf:   make([]byte, dnswire.PacketSize+1),
		RespBuf:  make([]byte, dnswire.UDPMaxMsg),
		Label:    make([]byte, dnswire.MaxCDName+1),
		dnptrs:   make([]int, 1, dnswire.CompressedNamesMax),
	}
	q.Reset()
	return q
}

// NewTCP returns a query for a TCP connection slot. respBufSize sets the
// initial response buffer allocation, including the 2 byte length prefix.
func NewTCP(respBufSize int) *Query {
	q := &Query{
		Protocol: ProtoTCP,
		RespBuf:  make([]byte, respBufSize),
		Label:    make([]byte, dnswire.MaxCDName+1),
		msgOff:   2,
		dnptrs:   make([]int, 1, dnswire.CompressedNamesMax),
	}
	q.Reset()
	return q
}

// Reset readies the query for reuse.
func (q *Query) Reset() {
	q.ReqLen = 0
	q.LabelLen = 0
	q.QType = dnswire.TypeInvalid
	q.QClass = dnswire.ClassInvalid
	q.Edns = EDNS{}
	q.RespLen = 0
	q.Answer = q.Answer[:0]
	q.Authority = q.Authority[:0]
	q.Additional = q.Additional[:0]
	q.dnptrs = q.dnptrs[:1]
	q.dnptrs[0] = 0
	q.EndCode = EndUnknown
	if q.Protocol == ProtoTCP {
		q.ReqBuf = nil
	}
}

// RespMsg returns the DNS message region of the response buffer, past any
// TCP length prefix.
func (q *Query) RespMsg() []byte {
	return q.RespBuf[q.msgOff:]
}

// growRespBuf grows a TCP response buffer by one UDP max message increment
// up to the TCP message limit. The compression anchor stays at the message
// start so recorded offsets survive the reallocation.
func (q *Query) growRespBuf() error {
	if q.Protocol != ProtoTCP {
		return dnswire.ErrSpace
	}
	size := len(q.RespBuf)
	if size >= dnswire.MaxMsg {
		return dnswire.ErrSpace
	}
	size += dnswire.UDPMaxMsg
	if size > dnswire.MaxMsg {
		size = dnswire.MaxMsg
	}
	buf := make([]byte, size)
	copy(buf, q.RespBuf)
	q.RespBuf = buf
	return nil
}
