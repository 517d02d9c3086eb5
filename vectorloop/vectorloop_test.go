package vectorloop

import (
	"net/netip"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/G5unit/ripples/channel"
	"github.com/G5unit/ripples/config"
	"github.com/G5unit/ripples/conn"
	"github.com/G5unit/ripples/dnswire"
	"github.com/G5unit/ripples/metrics"
	"github.com/G5unit/ripples/query"
	"github.com/G5unit/ripples/resolver"
)

type testHarness struct {
	vl         *VL
	resourceCh *channel.Control
	queryLogCh *channel.Control
	appLogCh   *channel.Log
	metrics    *metrics.Metrics
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	cfg := config.Default()
	cfg.QueryLogBufferSize = 1 << 17

	h := &testHarness{
		resourceCh: channel.NewControl(),
		queryLogCh: channel.NewControl(),
		appLogCh:   channel.NewLog(),
		metrics:    metrics.New(),
	}
	vl, err := New(cfg, 0, resolver.NewStatic(), h.resourceCh, h.queryLogCh, h.appLogCh, h.metrics)
	require.NoError(t, err)
	vl.loopTS = time.Now()
	h.vl = vl
	return h
}

// newTCPConnPair builds an established TCP connection over a socket pair
// and registers it with the shard the way the accept stage would.
func (h *testHarness) newTCPConnPair(t *testing.T) (*conn.Conn, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))
	require.NoError(t, unix.SetNonblock(fds[1], true))

	client := netip.MustParseAddrPort("198.51.100.7:40123")
	local := netip.MustParseAddrPort("203.0.113.1:53")

	tc := conn.NewTCPConn(fds[0], h.vl.cfg, false, client, local)
	tc.TCP.Start = h.vl.loopTS
	tc.TCP.State = conn.TCPWaitForQueryData
	tc.TCP.Timeout = h.vl.loopTS.Add(time.Duration(h.vl.cfg.TCPQueryRecvTimeout) * time.Millisecond)

	id, ok := conn.AssignTCPConnID(h.vl.lru, &h.vl.connIDBase)
	require.True(t, ok)
	tc.ID = id
	h.vl.lru.Add(tc)
	epollRegReadET(h.vl.epTCP, fds[0])
	h.vl.connByFD[int32(fds[0])] = tc
	h.vl.tcpActive++

	t.Cleanup(func() {
		unix.Close(fds[1])
		if tc.FD >= 0 {
			unix.Close(tc.FD)
			tc.FD = -1
		}
	})
	return tc, fds[1]
}

func wireQuery(t *testing.T, name string) []byte {
	t.Helper()
	msg := new(dns.Msg)
	msg.SetQuestion(name, dns.TypeA)
	wire, err := msg.Pack()
	require.NoError(t, err)
	return wire
}

func frame(wire []byte) []byte {
	out := make([]byte, 2+len(wire))
	dnswire.PutUint16(out, 0, uint16(len(wire)))
	copy(out[2:], wire)
	return out
}

func Test_ChannelMessagesResourceSwap(t *testing.T) {
	h := newHarness(t)

	zone := &resolver.Zone{}
	require.NoError(t, h.resourceCh.Send(&channel.Msg{
		ID: 1, Op: channel.OpSetResource, Data: zone,
	}))

	work := h.vl.channelMessages()
	assert.Equal(t, 1, work)
	assert.Same(t, zone, h.vl.resource.(*resolver.Zone))

	reply := h.resourceCh.RecvReply()
	require.NotNil(t, reply)
	assert.Equal(t, 1, reply.Result)
	assert.Nil(t, reply.Data)
}

func Test_ChannelMessagesQueryLogFlip(t *testing.T) {
	h := newHarness(t)

	q := query.NewUDP()
	q.Client = netip.MustParseAddrPort("198.51.100.7:1053")
	q.Local = netip.MustParseAddrPort("203.0.113.1:53")
	q.RecvTime = time.Now()
	q.EndCode = query.EndShortHeader
	require.True(t, h.vl.qlog.appendQuery(q))

	require.NoError(t, h.queryLogCh.Send(&channel.Msg{ID: 1, Op: channel.OpQueryLogFlip}))
	work := h.vl.channelMessages()
	assert.Equal(t, 1, work)

	reply := h.queryLogCh.RecvReply()
	require.NotNil(t, reply)
	buf := reply.Data.([]byte)
	assert.Greater(t, len(buf), 0)
	assert.Equal(t, len(buf), reply.Result)

	// The now active slab starts empty: a second immediate flip
	// surrenders nothing.
	require.NoError(t, h.queryLogCh.Send(&channel.Msg{ID: 2, Op: channel.OpQueryLogFlip}))
	h.vl.channelMessages()
	reply = h.queryLogCh.RecvReply()
	require.NotNil(t, reply)
	assert.Equal(t, 0, reply.Result)
}

func Test_ParseStageDropsOversizeDatagram(t *testing.T) {
	h := newHarness(t)

	c := conn.NewUDPConn(-1, h.vl.cfg, false)
	u := c.UDP
	u.ReadVec[0].Len = dnswire.PacketSize + 1
	u.ReadCount = 1

	h.vl.parseQ.EnqueueGen(c)
	h.vl.parse()

	assert.Equal(t, query.EndTooLarge, u.Queries[0].EndCode)

	// Resolve and pack skip the dropped query and no response bytes
	// are produced.
	h.vl.resolve()
	h.vl.pack()
	assert.Equal(t, 0, u.Queries[0].RespLen)
}

func Test_TCPPipelinedQueries(t *testing.T) {
	h := newHarness(t)
	tc, peer := h.newTCPConnPair(t)

	// Two length prefixed queries arrive in one segment.
	payload := append(frame(wireQuery(t, "one.example.com.")),
		frame(wireQuery(t, "two.example.com."))...)
	_, err := unix.Write(peer, payload)
	require.NoError(t, err)

	h.vl.tcpReadQ.EnqueueRead(tc)
	h.vl.tcpRead()
	require.Equal(t, 2, tc.TCP.QueriesCount)

	h.vl.parse()
	assert.Equal(t, "one.example.com", string(tc.TCP.Queries[0].Label[:tc.TCP.Queries[0].LabelLen]))
	assert.Equal(t, "two.example.com", string(tc.TCP.Queries[1].Label[:tc.TCP.Queries[1].LabelLen]))

	h.vl.resolve()
	h.vl.pack()
	assert.Equal(t, conn.TCPWaitForWrite, tc.TCP.State)

	h.vl.tcpWrite()

	// A fully flushed batch leaves the write cursors at slot zero for
	// the connection's next batch.
	assert.Equal(t, 0, tc.TCP.QueryWriteIndex)
	assert.Equal(t, 0, tc.TCP.WriteIndex)

	// Both responses are on the wire, in order, each length prefixed.
	buf := make([]byte, 1<<16)
	n, err := unix.Read(peer, buf)
	require.NoError(t, err)

	off := 0
	for _, want := range []string{"one.example.com.", "two.example.com."} {
		require.Greater(t, n-off, 2)
		msgLen := int(dnswire.Uint16(buf, off))
		resp := new(dns.Msg)
		require.NoError(t, resp.Unpack(buf[off+2:off+2+msgLen]))
		require.Len(t, resp.Answer, 1)
		assert.Equal(t, want, resp.Answer[0].Header().Name)
		off += 2 + msgLen
	}
	assert.Equal(t, n, off)

	// After the log stage the connection idles on the keepalive clock.
	h.vl.logQueries()
	assert.Equal(t, conn.TCPWaitForQuery, tc.TCP.State)
	assert.True(t, tc.TCP.Timeout.Equal(h.vl.loopTS.Add(tc.TCP.Keepalive)))
	assert.Equal(t, 0, tc.TCP.ReadLen)

	assert.Equal(t, uint64(2), h.metrics.TCP.Queries.Load())
	assert.Equal(t, uint64(2), h.metrics.DNS.RcodeNoError.Load())
}

func Test_TCPPartialFrameTimesOut(t *testing.T) {
	h := newHarness(t)
	tc, peer := h.newTCPConnPair(t)

	// Length prefix says 30 bytes but only 10 arrive.
	partial := make([]byte, 12)
	dnswire.PutUint16(partial, 0, 30)
	_, err := unix.Write(peer, partial)
	require.NoError(t, err)

	h.vl.tcpReadQ.EnqueueRead(tc)
	h.vl.tcpRead()

	assert.Equal(t, conn.TCPWaitForQueryData, tc.TCP.State)
	assert.Equal(t, 12, tc.TCP.ReadLen)
	assert.Equal(t, 0, tc.TCP.QueriesCount)

	// The receive timeout expires; the scan releases the connection
	// and the timeout is counted.
	h.vl.loopTS = tc.TCP.Timeout.Add(time.Millisecond)
	h.vl.tcpTimeouts()
	h.vl.tcpRelease()

	assert.Equal(t, 0, h.vl.lru.Len())
	assert.Equal(t, -1, tc.FD)
	assert.Equal(t, uint64(1), h.metrics.TCP.QueryRecvTimeout.Load())
	assert.Equal(t, 0, h.vl.tcpActive)
}

func Test_TCPFrameTooLarge(t *testing.T) {
	h := newHarness(t)
	tc, peer := h.newTCPConnPair(t)

	bad := make([]byte, 4)
	dnswire.PutUint16(bad, 0, dnswire.PacketSize+1)
	_, err := unix.Write(peer, bad)
	require.NoError(t, err)

	h.vl.tcpReadQ.EnqueueRead(tc)
	h.vl.tcpRead()
	assert.Equal(t, conn.TCPQuerySizeTooLarge, tc.TCP.State)

	h.vl.tcpRelease()
	assert.Equal(t, uint64(1), h.metrics.TCP.QueryLenTooLarge.Load())
	assert.Equal(t, 0, h.vl.lru.Len())
}

func Test_TCPLeftoverBytesCarryOver(t *testing.T) {
	h := newHarness(t)
	tc, peer := h.newTCPConnPair(t)

	// One full query plus the first half of a second frame.
	full := frame(wireQuery(t, "one.example.com."))
	tail := frame(wireQuery(t, "two.example.com."))
	payload := append(append([]byte{}, full...), tail[:10]...)
	_, err := unix.Write(peer, payload)
	require.NoError(t, err)

	h.vl.tcpReadQ.EnqueueRead(tc)
	h.vl.tcpRead()
	require.Equal(t, 1, tc.TCP.QueriesCount)

	h.vl.parse()
	h.vl.resolve()
	h.vl.pack()
	h.vl.tcpWrite()
	h.vl.logQueries()

	// The partial tail moved to the buffer start and the receive clock
	// restarted.
	assert.Equal(t, conn.TCPWaitForQueryData, tc.TCP.State)
	assert.Equal(t, 10, tc.TCP.ReadLen)
	assert.Equal(t, []byte(tail[:10]), tc.TCP.ReadBuf[:10])

	// The rest of the second frame completes it on the next read.
	_, err = unix.Write(peer, tail[10:])
	require.NoError(t, err)

	// Drain the first response off the peer socket first.
	buf := make([]byte, 1<<16)
	_, err = unix.Read(peer, buf)
	require.NoError(t, err)

	h.vl.tcpReadQ.EnqueueRead(tc)
	h.vl.tcpRead()
	require.Equal(t, 1, tc.TCP.QueriesCount)

	h.vl.parse()
	q := tc.TCP.Queries[0]
	assert.Equal(t, "two.example.com", string(q.Label[:q.LabelLen]))
}

func Test_IdleStagesReportNoWork(t *testing.T) {
	h := newHarness(t)

	// No work: the poll stages see nothing and report zero.
	work := h.vl.channelMessages()
	work += h.vl.udpRead()
	work += h.vl.tcpRead()
	assert.Equal(t, 0, work)
}
