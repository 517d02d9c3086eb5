// Package vectorloop runs one shard: a single threaded, run to completion
// pipeline that polls readiness, reads, parses, resolves, packs, writes
// and logs DNS queries without blocking. Every stage drains its input
// queue once per iteration; the only suspension point is the idle back off
// sleep at the bottom of the loop.
package vectorloop

import (
	"errors"
	"fmt"
	"net/netip"
	"runtime"
	"time"

	"golang.org/x/sys/unix"

	"github.com/G5unit/ripples/channel"
	"github.com/G5unit/ripples/config"
	"github.com/G5unit/ripples/conn"
	"github.com/G5unit/ripples/dnswire"
	"github.com/G5unit/ripples/metrics"
	"github.com/G5unit/ripples/query"
	"github.com/G5unit/ripples/resolver"
)

// queryLogBuf is the shard's query log double buffer. The shard appends
// into the active slab; a flip surrenders the filled slab to the query log
// worker and starts the other one empty.
type queryLogBuf struct {
	a, b       []byte
	aLen, bLen int
	activeA    bool
}

func newQueryLogBuf(size int) *queryLogBuf {
	return &queryLogBuf{
		a:       make([]byte, size),
		b:       make([]byte, size),
		activeA: true,
	}
}

// appendQuery logs q into the active slab. Reports false when the slab
// lacks headroom.
func (l *queryLogBuf) appendQuery(q *query.Query) bool {
	buf, fill := l.a, &l.aLen
	if !l.activeA {
		buf, fill = l.b, &l.bLen
	}
	n := q.AppendLog(buf[*fill:])
	if n == 0 {
		return false
	}
	*fill += n
	return true
}

// flip swaps the active slab and returns the now inactive one, filled
// portion only.
func (l *queryLogBuf) flip() []byte {
	if l.activeA {
		l.activeA = false
		l.bLen = 0
		return l.a[:l.aLen]
	}
	l.activeA = true
	l.aLen = 0
	return l.b[:l.bLen]
}

// VL is one shard of the server.
type VL struct {
	cfg *config.Config
	id  int

	resourceCh *channel.Control
	queryLogCh *channel.Control
	appLogCh   *channel.Log

	metrics  *metrics.Metrics
	resolver resolver.Resolver

	// resource is the shard's reference to the current read only
	// artifact, swapped through the resource channel handshake.
	resource any

	epUDP, epTCP int
	events       []unix.EpollEvent
	connByFD     map[int32]*conn.Conn

	listenerUDP4 *conn.Conn
	listenerUDP6 *conn.Conn
	listenerTCP4 *conn.Conn
	listenerTCP6 *conn.Conn

	udpReadQ   conn.FIFO
	udpWriteQ  conn.FIFO
	tcpAcceptQ conn.FIFO
	tcpReadQ   conn.FIFO
	tcpWriteQ  conn.FIFO
	parseQ     conn.FIFO
	resolveQ   conn.FIFO
	packQ      conn.FIFO
	logQ       conn.FIFO
	releaseQ   conn.FIFO

	lru        *conn.LRU
	connIDBase uint64
	tcpActive  int

	qlog *queryLogBuf

	loopTS time.Time
	idle   int
}

// New creates a shard. The channels tie it to the resource, query log and
// application log workers.
func New(cfg *config.Config, id int, res resolver.Resolver,
	resourceCh, queryLogCh *channel.Control, appLogCh *channel.Log,
	m *metrics.Metrics) (*VL, error) {

	epUDP, err := epollCreate()
	if err != nil {
		return nil, err
	}
	epTCP, err := epollCreate()
	if err != nil {
		unix.Close(epUDP)
		return nil, err
	}

	numEvents := cfg.EpollNumEventsUDP
	if cfg.EpollNumEventsTCP > numEvents {
		numEvents = cfg.EpollNumEventsTCP
	}

	return &VL{
		cfg:        cfg,
		id:         id,
		resourceCh: resourceCh,
		queryLogCh: queryLogCh,
		appLogCh:   appLogCh,
		metrics:    m,
		resolver:   res,
		epUDP:      epUDP,
		epTCP:      epTCP,
		events:     make([]unix.EpollEvent, numEvents),
		connByFD:   make(map[int32]*conn.Conn),
		lru:        conn.NewLRU(),
		qlog:       newQueryLogBuf(cfg.QueryLogBufferSize),
	}, nil
}

// logApp sends a message to the application log worker. A full channel
// drops the message and counts it.
func (vl *VL) logApp(msg string, fatal bool) {
	if vl.appLogCh.Send(&channel.LogMsg{Msg: msg, Fatal: fatal}) != nil {
		vl.metrics.App.AppLogWriteError.Add(1)
	}
}

// registerListeners provisions up to four listeners (UDP/TCP x v4/v6) and
// arms them with the readiness sets.
func (vl *VL) registerListeners() error {
	if vl.cfg.UDPEnable {
		c, err := conn.Provision(vl.cfg, false, query.ProtoUDP)
		if err != nil {
			return err
		}
		epollRegReadWriteET(vl.epUDP, c.FD)
		vl.connByFD[int32(c.FD)] = c
		vl.udpReadQ.EnqueueRead(c)
		vl.listenerUDP4 = c

		c, err = conn.Provision(vl.cfg, true, query.ProtoUDP)
		if err != nil {
			return err
		}
		epollRegReadWriteET(vl.epUDP, c.FD)
		vl.connByFD[int32(c.FD)] = c
		vl.udpReadQ.EnqueueRead(c)
		vl.listenerUDP6 = c
	}

	if vl.cfg.TCPEnable {
		c, err := conn.Provision(vl.cfg, false, query.ProtoTCP)
		if err != nil {
			return err
		}
		epollRegReadWriteET(vl.epTCP, c.FD)
		vl.connByFD[int32(c.FD)] = c
		vl.tcpAcceptQ.EnqueueRead(c)
		vl.listenerTCP4 = c

		c, err = conn.Provision(vl.cfg, true, query.ProtoTCP)
		if err != nil {
			return err
		}
		epollRegReadWriteET(vl.epTCP, c.FD)
		vl.connByFD[int32(c.FD)] = c
		vl.tcpAcceptQ.EnqueueRead(c)
		vl.listenerTCP6 = c
	}
	return nil
}

// Run is the shard loop. It locks its goroutine to an OS thread, applies
// the configured CPU pin, starts the listeners and then iterates the
// pipeline until the process exits.
func (vl *VL) Run() {
	runtime.LockOSThread()

	if cpu := vl.cfg.ThreadMask(vl.id); cpu > 0 {
		var set unix.CPUSet
		set.Zero()
		set.Set(cpu - 1)
		if err := unix.SchedSetaffinity(0, &set); err != nil {
			vl.logApp(fmt.Sprintf("vectorloop %d: could not set CPU affinity, "+
				"performance might be impacted: %v", vl.id, err), false)
		}
	}

	if err := vl.registerListeners(); err != nil {
		vl.logApp(err.Error(), true)
		return
	}

	for {
		vl.loopTS = time.Now()

		work := 0
		work += vl.channelMessages()
		work += vl.pollReadiness()
		work += vl.udpRead()
		work += vl.tcpAccept()
		work += vl.tcpRead()
		vl.parse()
		vl.resolve()
		vl.pack()
		work += vl.udpWrite()
		work += vl.tcpWrite()
		vl.logQueries()
		vl.tcpTimeouts()
		vl.tcpRelease()

		if work == 0 {
			vl.idle++
			switch {
			case vl.idle < 8:
				time.Sleep(time.Duration(vl.cfg.LoopSlowdownOne) * time.Microsecond)
			case vl.idle < 16:
				time.Sleep(time.Duration(vl.cfg.LoopSlowdownTwo) * time.Microsecond)
			default:
				time.Sleep(time.Duration(vl.cfg.LoopSlowdownThree) * time.Microsecond)
			}
		} else if vl.idle != 0 {
			vl.idle = 0
		}
	}
}

// channelMessages drains the inbound control channels: resource pointer
// updates and query log flips.
func (vl *VL) channelMessages() int {
	work := 0

	if msg := vl.resourceCh.Recv(); msg != nil {
		switch msg.Op {
		case channel.OpSetResource:
			// The previous iteration finished with the old artifact;
			// swap the reference and hand ownership of the message
			// back with the payload cleared.
			vl.resource = msg.Data
			msg.Data = nil
			msg.Result = 1
			vl.resourceCh.Reply(msg)
			work++
		default:
			vl.logApp(fmt.Sprintf("vectorloop %d: unknown resource channel op %d",
				vl.id, msg.Op), true)
		}
	}

	if msg := vl.queryLogCh.Recv(); msg != nil {
		switch msg.Op {
		case channel.OpQueryLogFlip:
			buf := vl.qlog.flip()
			msg.Data = buf
			msg.Result = len(buf)
			vl.queryLogCh.Reply(msg)
			work++
		default:
			vl.logApp(fmt.Sprintf("vectorloop %d: unknown query log channel op %d",
				vl.id, msg.Op), true)
		}
	}

	return work
}

// pollReadiness drains both readiness sets and routes ready connections
// into the read, write and accept queues under the waiting flag
// discipline: an event only enqueues a UDP listener or TCP connection that
// drained to EAGAIN earlier. A TCP listener event always queues the
// listener for accepting.
func (vl *VL) pollReadiness() int {
	count := 0

	n := epollWait(vl.epUDP, vl.events[:vl.cfg.EpollNumEventsUDP])
	count += n
	for i := 0; i < n; i++ {
		ev := &vl.events[i]
		c := vl.connByFD[ev.Fd]
		if c == nil || !c.IsUDPListener() {
			vl.logApp(fmt.Sprintf("vectorloop %d: UDP readiness event for unknown fd %d",
				vl.id, ev.Fd), true)
			return 0
		}
		if ev.Events&unix.EPOLLIN != 0 && c.WaitingRead {
			c.WaitingRead = false
			vl.udpReadQ.EnqueueRead(c)
		}
		if ev.Events&unix.EPOLLOUT != 0 && c.WaitingWrite {
			c.WaitingWrite = false
			vl.udpWriteQ.EnqueueWrite(c)
		}
	}

	n = epollWait(vl.epTCP, vl.events[:vl.cfg.EpollNumEventsTCP])
	count += n
	for i := 0; i < n; i++ {
		ev := &vl.events[i]
		c := vl.connByFD[ev.Fd]
		switch {
		case c != nil && c.IsTCPListener():
			c.WaitingRead = false
			vl.tcpAcceptQ.EnqueueRead(c)
		case c != nil && c.IsTCPConn():
			if ev.Events&unix.EPOLLIN != 0 && c.WaitingRead {
				c.WaitingRead = false
				vl.tcpReadQ.EnqueueRead(c)
			}
			if ev.Events&unix.EPOLLOUT != 0 && c.WaitingWrite {
				c.WaitingWrite = false
				vl.tcpWriteQ.EnqueueWrite(c)
			}
		default:
			vl.logApp(fmt.Sprintf("vectorloop %d: TCP readiness event for unknown fd %d",
				vl.id, ev.Fd), true)
			return 0
		}
	}

	return count
}

// udpRead batch receives datagrams on every ready UDP listener.
func (vl *VL) udpRead() int {
	var requeue conn.FIFO
	received := 0

	for {
		c := vl.udpReadQ.DequeueRead()
		if c == nil {
			break
		}
		u := c.UDP
		u.Reset()

		n, err := recvmmsg(c.FD, u.ReadVec, unix.MSG_DONTWAIT)
		if err == nil && n > 0 {
			u.ReadCount = n
			vl.parseQ.EnqueueGen(c)
			received += n
			continue
		}
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			c.WaitingRead = true
			continue
		}
		// EHOSTUNREACH and friends surface here; log and keep reading
		// next iteration.
		vl.logApp(fmt.Sprintf("vectorloop %d: UDP read error: %v", vl.id, err), false)
		requeue.EnqueueRead(c)
	}

	for {
		c := requeue.DequeueRead()
		if c == nil {
			break
		}
		vl.udpReadQ.EnqueueRead(c)
	}
	return received
}

// tcpAccept accepts new connections up to the per iteration cap and the
// per shard connection cap, assigning ids and arming read readiness.
func (vl *VL) tcpAccept() int {
	var requeue conn.FIFO
	accepted := 0

	for {
		c := vl.tcpAcceptQ.DequeueRead()
		if c == nil {
			break
		}

		max := vl.cfg.TCPConnsPerVLMax - vl.tcpActive
		if max > vl.cfg.TCPListenerMaxAcceptNewConn {
			max = vl.cfg.TCPListenerMaxAcceptNewConn
		}

		n := 0
		for {
			if n >= max {
				// More connections may be pending; try again next
				// iteration.
				requeue.EnqueueRead(c)
				break
			}

			fd, sa, err := unix.Accept4(c.FD, unix.SOCK_NONBLOCK)
			if err != nil {
				if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
					c.WaitingRead = true
				} else {
					vl.logApp(fmt.Sprintf("vectorloop %d: TCP listener error: %v",
						vl.id, err), true)
					return accepted
				}
				break
			}
			n++
			accepted++

			var client, local netip.AddrPort
			var ipv6 bool
			switch a := sa.(type) {
			case *unix.SockaddrInet4:
				client = netip.AddrPortFrom(netip.AddrFrom4(a.Addr), uint16(a.Port))
				vl.metrics.TCP.Connections.Add(1)
			case *unix.SockaddrInet6:
				client = netip.AddrPortFrom(netip.AddrFrom16(a.Addr), uint16(a.Port))
				ipv6 = true
				vl.metrics.TCP.Connections.Add(1)
			default:
				unix.Close(fd)
				vl.logApp(fmt.Sprintf("vectorloop %d: unsupported client address "+
					"family on accepted TCP connection", vl.id), false)
				vl.metrics.TCP.UnknownClientIPFamily.Add(1)
				continue
			}

			lsa, err := unix.Getsockname(fd)
			if err != nil {
				unix.Close(fd)
				vl.logApp(fmt.Sprintf("vectorloop %d: getsockname on accepted "+
					"TCP connection: %v", vl.id, err), false)
				vl.metrics.TCP.GetsocknameErr.Add(1)
				continue
			}
			switch a := lsa.(type) {
			case *unix.SockaddrInet4:
				local = netip.AddrPortFrom(netip.AddrFrom4(a.Addr), uint16(a.Port))
			case *unix.SockaddrInet6:
				local = netip.AddrPortFrom(netip.AddrFrom16(a.Addr), uint16(a.Port))
			default:
				unix.Close(fd)
				vl.logApp(fmt.Sprintf("vectorloop %d: unsupported local address "+
					"family on accepted TCP connection", vl.id), false)
				vl.metrics.TCP.UnknownLocalIPFamily.Add(1)
				continue
			}

			tc := conn.NewTCPConn(fd, vl.cfg, ipv6, client, local)
			tc.TCP.Start = vl.loopTS
			tc.TCP.Timeout = vl.loopTS.Add(time.Duration(vl.cfg.TCPQueryRecvTimeout) * time.Millisecond)
			tc.TCP.State = conn.TCPWaitForQueryData

			id, ok := conn.AssignTCPConnID(vl.lru, &vl.connIDBase)
			if !ok {
				tc.Close()
				tc.TCP.State = conn.TCPAssignConnIDErr
				vl.releaseQ.EnqueueRelease(tc)
				continue
			}
			tc.ID = id

			vl.lru.Add(tc)
			tc.WaitingRead = true
			epollRegReadET(vl.epTCP, fd)
			vl.connByFD[int32(fd)] = tc
			vl.tcpActive++
		}
	}

	for {
		c := requeue.DequeueRead()
		if c == nil {
			break
		}
		vl.tcpAcceptQ.EnqueueRead(c)
	}
	return accepted
}

// tcpRead reads from ready TCP connections and segments length prefixed
// frames into query slots, up to the simultaneous query cap per read.
func (vl *VL) tcpRead() int {
	var requeue conn.FIFO
	count := 0

	for {
		c := vl.tcpReadQ.DequeueRead()
		if c == nil {
			break
		}
		count++
		t := c.TCP

		// Touch the LRU entry.
		if vl.lru.Get(c.ID) == nil {
			panic("vectorloop: TCP connection not in LRU set")
		}

		for i := 0; i < t.QueriesCount; i++ {
			t.Queries[i].Reset()
		}
		t.QueriesCount = 0

		n, err := unix.Read(c.FD, t.ReadBuf[t.ReadLen:])
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
				// Nothing buffered means the connection idles between
				// queries; the keepalive clock applies.
				if t.ReadLen == 0 {
					t.State = conn.TCPWaitForQuery
					t.Timeout = vl.loopTS.Add(t.Keepalive)
				}
				c.WaitingRead = true
				continue
			}
			t.State = conn.TCPReadErr
			vl.releaseQ.EnqueueRelease(c)
			continue
		}
		if n == 0 {
			// Far end closed. Reads only happen with no pending
			// writes, so release directly.
			t.State = conn.TCPClosedForRead
			vl.releaseQ.EnqueueRelease(c)
			continue
		}
		t.ReadLen += n

		var (
			i        int
			off      int
			notFull  bool
			tooLarge bool
		)
		for ; i < len(t.Queries); i++ {
			if t.ReadLen-off < 2 {
				if i == 0 {
					c.WaitingRead = true
					notFull = true
				}
				break
			}
			frameLen := int(dnswire.Uint16(t.ReadBuf, off))
			if frameLen > dnswire.PacketSize {
				t.State = conn.TCPQuerySizeTooLarge
				vl.releaseQ.EnqueueRelease(c)
				tooLarge = true
				break
			}
			if off+2+frameLen > t.ReadLen {
				if i == 0 {
					c.WaitingRead = true
					notFull = true
				}
				break
			}

			q := t.Queries[i]
			q.RecvTime = vl.loopTS
			q.Client = t.Client
			q.Local = t.Local
			q.ReqBuf = t.ReadBuf[off+2 : off+2+frameLen]
			q.ReqLen = frameLen
			off += 2 + frameLen
		}
		if tooLarge {
			continue
		}
		if notFull {
			if t.State == conn.TCPWaitForQuery {
				// Data started arriving; the receive timeout clock
				// replaces the keepalive clock.
				t.State = conn.TCPWaitForQueryData
				t.Timeout = vl.loopTS.Add(time.Duration(vl.cfg.TCPQueryRecvTimeout) * time.Millisecond)
			}
			requeue.EnqueueRead(c)
			continue
		}

		t.QueriesCount = i
		t.TotalQueries += i
		vl.parseQ.EnqueueGen(c)
	}

	for {
		c := requeue.DequeueRead()
		if c == nil {
			break
		}
		vl.tcpReadQ.EnqueueRead(c)
	}
	return count
}

// parse runs request parsing for every connection with pending queries.
// UDP additionally recovers client and destination addresses from the
// message vectors and points the write vector at the same storage.
func (vl *VL) parse() {
	for {
		c := vl.parseQ.DequeueGen()
		if c == nil {
			break
		}

		if c.Proto == query.ProtoUDP {
			u := c.UDP
			for i := 0; i < u.ReadCount; i++ {
				q := u.Queries[i]
				msgLen := int(u.ReadVec[i].Len)
				if msgLen > dnswire.PacketSize {
					q.EndCode = query.EndTooLarge
					continue
				}

				if client, ok := u.ClientAddr(i); ok {
					q.Client = client
				}
				if local, ok := u.LocalAddr(i, c.IPv6); ok {
					q.Local = local
				}
				u.ShareAddrStorage(i)

				q.RecvTime = vl.loopTS
				q.ReqLen = msgLen
				q.Parse()
			}
		} else {
			t := c.TCP
			for i := 0; i < t.QueriesCount; i++ {
				t.Queries[i].Parse()
			}
		}

		vl.resolveQ.EnqueueGen(c)
	}
}

// resolve invokes the resolver for every query still undecided after
// parse.
func (vl *VL) resolve() {
	for {
		c := vl.resolveQ.DequeueGen()
		if c == nil {
			break
		}

		queries, count := connQueries(c)
		for i := 0; i < count; i++ {
			if queries[i].EndCode != query.EndUnknown {
				continue
			}
			vl.resolver.Resolve(queries[i], vl.resource)
		}

		vl.packQ.EnqueueGen(c)
	}
}

// pack serializes responses for every query with a response worthy end
// code and stages connections for transmission.
func (vl *VL) pack() {
	for {
		c := vl.packQ.DequeueGen()
		if c == nil {
			break
		}

		queries, count := connQueries(c)
		for i := 0; i < count; i++ {
			if queries[i].EndCode >= 0 {
				// Truncation is conveyed in the response TC bit, no
				// separate handling here.
				_ = queries[i].PackResponse()
			}
		}

		if c.Proto == query.ProtoUDP {
			vl.udpWriteQ.EnqueueWrite(c)
		} else {
			t := c.TCP
			t.State = conn.TCPWaitForWrite
			t.Timeout = vl.loopTS.Add(time.Duration(vl.cfg.TCPQuerySendTimeout) * time.Millisecond)
			vl.tcpWriteQ.EnqueueWrite(c)
		}
	}
}

func connQueries(c *conn.Conn) ([]*query.Query, int) {
	if c.Proto == query.ProtoUDP {
		return c.UDP.Queries, c.UDP.ReadCount
	}
	return c.TCP.Queries, c.TCP.QueriesCount
}

// udpWrite batch sends packed responses. Partial batches resume from the
// recorded write index on the next attempt.
func (vl *VL) udpWrite() int {
	var requeue conn.FIFO
	sent := 0

	for {
		c := vl.udpWriteQ.DequeueWrite()
		if c == nil {
			break
		}
		u := c.UDP

		if !u.WritePopulated {
			wc := 0
			for i := 0; i < u.ReadCount; i++ {
				q := u.Queries[i]
				if q.EndCode < 0 {
					continue
				}
				u.ShareWriteSlot(wc, i)
				u.SetWritePayload(wc, q.RespBuf, q.RespLen)
				u.WriteQueries[wc] = q
				wc++
			}
			u.WriteCount = wc
			u.WriteIndex = 0
			u.WritePopulated = true
		}

		if u.WriteCount == 0 {
			vl.logQ.EnqueueGen(c)
			continue
		}

		n, err := sendmmsg(c.FD, u.WriteVec[u.WriteIndex:u.WriteIndex+u.WriteCount], 0)
		if n > 0 {
			now := time.Now()
			for k := 0; k < n; k++ {
				u.WriteQueries[u.WriteIndex+k].SendTime = now
			}
			sent += n
		}

		switch {
		case err == nil && n == u.WriteCount:
			vl.logQ.EnqueueGen(c)
		case err != nil && (errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)):
			c.WaitingWrite = true
		case err != nil:
			vl.logApp(fmt.Sprintf("vectorloop %d: UDP write error: %v", vl.id, err), false)
			requeue.EnqueueWrite(c)
		default:
			// Short batch; resume where the kernel stopped.
			u.WriteIndex += n
			u.WriteCount -= n
			requeue.EnqueueWrite(c)
		}
	}

	for {
		c := requeue.DequeueWrite()
		if c == nil {
			break
		}
		vl.udpWriteQ.EnqueueWrite(c)
	}
	return sent
}

// tcpWrite flushes packed responses in query order. Partial writes record
// their position and stay in the write queue; would block waits for the
// readiness set.
func (vl *VL) tcpWrite() int {
	var requeue conn.FIFO
	count := 0

	for {
		c := vl.tcpWriteQ.DequeueWrite()
		if c == nil {
			break
		}
		t := c.TCP
		wait := false

	writeLoop:
		for i := t.QueryWriteIndex; i < t.QueriesCount; i++ {
			q := t.Queries[i]
			if q.EndCode < 0 {
				continue
			}
			count++

			writeLen := q.RespLen - t.WriteIndex
			n, err := unix.Write(c.FD, q.RespBuf[t.WriteIndex:q.RespLen])
			switch {
			case err == nil && n == writeLen:
				q.SendTime = time.Now()
				t.WriteIndex = 0
				continue

			case err == nil && n > 0:
				t.WriteIndex += n
				t.QueryWriteIndex = i
				requeue.EnqueueWrite(c)
				wait = true

			case err == nil:
				// Zero write: connection closed before the response
				// went out.
				q.EndCode = query.EndTCPWriteClose
				t.State = conn.TCPClosedForWrite
				t.End = time.Now()

			case errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK):
				c.WaitingWrite = true
				wait = true

			default:
				q.EndCode = query.EndTCPWriteErr
				t.State = conn.TCPWriteErr
				t.End = time.Now()
			}
			break writeLoop
		}

		if wait {
			continue
		}

		// The batch is done, flushed or terminal; a keepalive
		// connection's next batch must write from slot zero again.
		t.QueryWriteIndex = 0
		t.WriteIndex = 0
		vl.logQ.EnqueueGen(c)
	}

	for {
		c := requeue.DequeueWrite()
		if c == nil {
			break
		}
		vl.tcpWriteQ.EnqueueWrite(c)
	}
	return count
}

// logQueries appends finished queries to the active query log buffer,
// reports their metrics and recycles connections: UDP listeners go back
// to the read queue, TCP connections transition per the leftover bytes in
// their read buffer.
func (vl *VL) logQueries() {
	for {
		c := vl.logQ.DequeueGen()
		if c == nil {
			break
		}

		if c.IsUDPListener() {
			u := c.UDP
			for i := 0; i < u.ReadCount; i++ {
				if !vl.qlog.appendQuery(u.Queries[i]) {
					vl.metrics.App.QueryLogBufNoSpace.Add(1)
				}
				u.Queries[i].ReportMetrics(vl.metrics)
			}
			vl.udpReadQ.EnqueueRead(c)
			continue
		}

		if !c.IsTCPConn() {
			continue
		}
		t := c.TCP
		for i := 0; i < t.QueriesCount; i++ {
			if !vl.qlog.appendQuery(t.Queries[i]) {
				vl.metrics.App.QueryLogBufNoSpace.Add(1)
			}
			t.Queries[i].ReportMetrics(vl.metrics)
		}

		if t.State == conn.TCPClosedForWrite || t.State == conn.TCPWriteErr {
			vl.releaseQ.EnqueueRelease(c)
			continue
		}

		// Everything sent. Bytes past the consumed queries move to the
		// buffer start and restart the receive clock; an empty buffer
		// idles on the keepalive clock.
		dataLen := 0
		for i := 0; i < t.QueriesCount; i++ {
			dataLen += t.Queries[i].ReqLen + 2
		}
		extra := t.ReadLen - dataLen
		if extra > 0 {
			copy(t.ReadBuf, t.ReadBuf[dataLen:t.ReadLen])
			t.State = conn.TCPWaitForQueryData
			t.Timeout = vl.loopTS.Add(time.Duration(vl.cfg.TCPQueryRecvTimeout) * time.Millisecond)
		} else {
			t.State = conn.TCPWaitForQuery
			t.Timeout = vl.loopTS.Add(t.Keepalive)
		}
		t.ReadLen = extra

		vl.tcpReadQ.EnqueueRead(c)
	}
}

// tcpTimeouts walks the LRU set from the least recent end, releasing every
// expired connection and stopping at the first live one.
func (vl *VL) tcpTimeouts() {
	vl.lru.Scan(func(c *conn.Conn) bool {
		if c.TCP.Timeout.Before(vl.loopTS) {
			vl.releaseQ.EnqueueRelease(c)
			return true
		}
		return false
	})
}

// tcpRelease tears down every connection staged for release: LRU removal,
// readiness deregistration, socket close, queue scrub, per state metrics.
func (vl *VL) tcpRelease() {
	for {
		c := vl.releaseQ.DequeueRelease()
		if c == nil {
			break
		}

		vl.lru.Delete(c.ID)

		if c.FD >= 0 {
			epollDel(vl.epTCP, c.FD)
			delete(vl.connByFD, int32(c.FD))
			c.Close()
		}

		// The connection may sit in a read or write queue when a
		// timeout raced the readiness set.
		vl.tcpReadQ.RemoveRead(c)
		vl.tcpWriteQ.RemoveWrite(c)

		c.TCP.ReportMetrics(vl.metrics)
		vl.tcpActive--
	}
}
