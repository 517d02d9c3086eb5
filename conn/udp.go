package conn

import (
	"net/netip"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/G5unit/ripples/config"
	"github.com/G5unit/ripples/query"
)

// Storage sizes for the per slot ancillary buffers. The control buffer
// must fit both the IPv4 and IPv6 packet info control messages.
const (
	sockaddrStorageLen = 128
	msgControlLen      = 64
)

// Mmsghdr mirrors the Linux kernel's struct mmsghdr, used by the
// recvmmsg/sendmmsg syscalls. golang.org/x/sys/unix does not export this
// type, so it is defined here to match the kernel ABI.
type Mmsghdr struct {
	Hdr unix.Msghdr
	Len uint32
}

// UDP holds the vectored I/O state of a UDP listener: a read vector, a
// parallel query array and a write vector. Read and write vectors share
// the per slot source address and control storage so a reply naturally
// leaves from the address the request arrived on.
type UDP struct {
	VectorLen int

	ReadVec   []Mmsghdr
	ReadCount int

	Queries []*query.Query

	WriteVec []Mmsghdr

	// WriteQueries maps write vector slots back to their queries; the
	// write vector is compacted past dropped queries so slot indexes do
	// not line up with read vector indexes.
	WriteQueries []*query.Query

	// WritePopulated marks a populated write vector, so a re-entry
	// after partial progress does not rebuild it.
	WritePopulated bool

	// WriteIndex is where a partially flushed write vector resumes;
	// WriteCount is the populated entries from that index.
	WriteIndex int
	WriteCount int

	// Port is the listener port, used to rebuild the local address from
	// packet info control data.
	Port uint16

	// Backing storage the vector entries point into. Held here so the
	// garbage collector keeps it alive across raw syscalls.
	names     [][]byte
	controls  [][]byte
	readIovs  []unix.Iovec
	writeIovs []unix.Iovec
}

// NewUDPConn returns a UDP listener connection with its vectors wired to
// the per slot query buffers.
func NewUDPConn(fd int, cfg *config.Config, ipv6 bool) *Conn {
	n := cfg.UDPConnVectorLen
	u := &UDP{
		VectorLen: n,
		ReadVec:      make([]Mmsghdr, n),
		Queries:      make([]*query.Query, n),
		WriteVec:     make([]Mmsghdr, n),
		WriteQueries: make([]*query.Query, n),
		Port:      uint16(cfg.UDPListenerPort),
		names:     make([][]byte, n),
		controls:  make([][]byte, n),
		readIovs:  make([]unix.Iovec, n),
		writeIovs: make([]unix.Iovec, n),
	}

	for i := 0; i < n; i++ {
		q := query.NewUDP()
		u.Queries[i] = q
		u.names[i] = make([]byte, sockaddrStorageLen)
		u.controls[i] = make([]byte, msgControlLen)

		u.readIovs[i] = unix.Iovec{Base: &q.ReqBuf[0]}
		u.readIovs[i].SetLen(len(q.ReqBuf))

		rh := &u.ReadVec[i].Hdr
		rh.Name = &u.names[i][0]
		rh.Namelen = sockaddrStorageLen
		rh.Iov = &u.readIovs[i]
		rh.SetIovlen(1)
		rh.Control = &u.controls[i][0]
		rh.SetControllen(msgControlLen)

		wh := &u.WriteVec[i].Hdr
		wh.Iov = &u.writeIovs[i]
		wh.SetIovlen(1)
	}

	return &Conn{
		FD:    fd,
		Proto: query.ProtoUDP,
		IPv6:  ipv6,
		UDP:   u,
	}
}

// Reset readies the vectors and queries for the next receive batch.
func (u *UDP) Reset() {
	for i := 0; i < u.VectorLen; i++ {
		u.ReadVec[i].Hdr.SetControllen(msgControlLen)
		u.ReadVec[i].Hdr.Namelen = sockaddrStorageLen
		u.Queries[i].Reset()
	}
	u.ReadCount = 0
	u.WritePopulated = false
	u.WriteCount = 0
	u.WriteIndex = 0
}

// ShareAddrStorage points write vector slot i at the same source address
// and control storage the read vector filled, so the response returns on
// the request's local address.
func (u *UDP) ShareAddrStorage(i int) {
	u.ShareWriteSlot(i, i)
}

// ShareWriteSlot points write vector slot dst at read vector slot src's
// address and control storage. The write vector compacts past dropped
// queries, so dst can trail src.
func (u *UDP) ShareWriteSlot(dst, src int) {
	rh := &u.ReadVec[src].Hdr
	wh := &u.WriteVec[dst].Hdr
	wh.Name = rh.Name
	wh.Namelen = rh.Namelen
	wh.Control = rh.Control
	wh.Controllen = rh.Controllen
	wh.Flags = 0
}

// SetWritePayload points write vector slot i at a packed response.
func (u *UDP) SetWritePayload(i int, buf []byte, n int) {
	u.writeIovs[i].Base = &buf[0]
	u.writeIovs[i].SetLen(n)
}

// ClientAddr decodes the source address the kernel stored for read vector
// slot i.
func (u *UDP) ClientAddr(i int) (netip.AddrPort, bool) {
	return sockaddrToAddrPort(u.names[i][:u.ReadVec[i].Hdr.Namelen])
}

// LocalAddr extracts the destination address of datagram i from the
// packet info control message, with the listener port filled in.
func (u *UDP) LocalAddr(i int, ipv6 bool) (netip.AddrPort, bool) {
	ctrlLen := int(u.ReadVec[i].Hdr.Controllen)
	if ctrlLen <= 0 || ctrlLen > len(u.controls[i]) {
		return netip.AddrPort{}, false
	}
	msgs, err := unix.ParseSocketControlMessage(u.controls[i][:ctrlLen])
	if err != nil {
		return netip.AddrPort{}, false
	}
	for _, m := range msgs {
		if !ipv6 && m.Header.Level == unix.IPPROTO_IP && m.Header.Type == unix.IP_PKTINFO {
			if len(m.Data) < unix.SizeofInet4Pktinfo {
				continue
			}
			pi := (*unix.Inet4Pktinfo)(unsafe.Pointer(&m.Data[0]))
			// Spec_dst is the packet destination address.
			return netip.AddrPortFrom(netip.AddrFrom4(pi.Spec_dst), u.Port), true
		}
		if ipv6 && m.Header.Level == unix.IPPROTO_IPV6 && m.Header.Type == unix.IPV6_PKTINFO {
			if len(m.Data) < unix.SizeofInet6Pktinfo {
				continue
			}
			pi := (*unix.Inet6Pktinfo)(unsafe.Pointer(&m.Data[0]))
			return netip.AddrPortFrom(netip.AddrFrom16(pi.Addr), u.Port), true
		}
	}
	return netip.AddrPort{}, false
}

// sockaddrToAddrPort decodes a raw kernel sockaddr.
func sockaddrToAddrPort(b []byte) (netip.AddrPort, bool) {
	if len(b) < unix.SizeofSockaddrInet4 {
		return netip.AddrPort{}, false
	}
	family := uint16(b[0]) | uint16(b[1])<<8
	switch family {
	case unix.AF_INET:
		port := uint16(b[2])<<8 | uint16(b[3])
		var a4 [4]byte
		copy(a4[:], b[4:8])
		return netip.AddrPortFrom(netip.AddrFrom4(a4), port), true
	case unix.AF_INET6:
		if len(b) < unix.SizeofSockaddrInet6 {
			return netip.AddrPort{}, false
		}
		port := uint16(b[2])<<8 | uint16(b[3])
		var a16 [16]byte
		copy(a16[:], b[8:24])
		return netip.AddrPortFrom(netip.AddrFrom16(a16), port), true
	}
	return netip.AddrPort{}, false
}
