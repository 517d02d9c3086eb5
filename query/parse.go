package query

import (
	"net/netip"

	"github.com/G5unit/ripples/dnswire"
)

// Parse parses the raw request in ReqBuf into the query fields, setting
// EndCode on any terminal condition. On return EndCode is EndUnknown when
// the request parsed cleanly and should be resolved, a DNS rcode when a
// response should be packed without resolving, or a negative drop code.
func (q *Query) Parse() {
	q.EndCode = EndUnknown

	if q.ReqLen < dnswire.HeaderSize {
		q.EndCode = EndShortHeader
		return
	}
	msg := q.ReqBuf[:q.ReqLen]

	hdr, err := dnswire.UnpackHeader(msg)
	if err != nil {
		q.EndCode = EndShortHeader
		return
	}
	q.ReqHdr = hdr

	// A truncated request cannot be answered meaningfully; drop it.
	if hdr.TC {
		q.EndCode = EndQueryTC
		return
	}
	if hdr.Opcode != dnswire.OpcodeQuery {
		q.EndCode = dnswire.RcodeNotImpl
		return
	}
	if hdr.QR {
		q.EndCode = dnswire.RcodeFormErr
		return
	}
	if hdr.QDCount != 1 {
		if hdr.QDCount == 0 {
			q.EndCode = dnswire.RcodeFormErr
		} else {
			q.EndCode = dnswire.RcodeNotImpl
		}
		return
	}
	if hdr.ANCount != 0 || hdr.NSCount != 0 {
		q.EndCode = dnswire.RcodeFormErr
		return
	}

	consumed := q.parseQuestion(msg)
	if consumed < 0 {
		return
	}

	if hdr.ARCount > 0 {
		q.parseAdditional(msg, dnswire.HeaderSize+consumed)
	}

	// Trailing bytes past the consumed region are tolerated.
}

// parseQuestion decodes the question name, type and class starting at the
// end of the header. Returns bytes consumed, or -1 with EndCode set.
func (q *Query) parseQuestion(msg []byte) int {
	consumed, nameLen, err := dnswire.RRNameGet(msg, dnswire.HeaderSize, q.Label)
	if err != nil {
		q.EndCode = dnswire.RcodeFormErr
		return -1
	}
	q.LabelLen = nameLen

	off := dnswire.HeaderSize + consumed
	if off+dnswire.QFixedSize > len(msg) {
		q.EndCode = dnswire.RcodeFormErr
		return -1
	}
	q.QType = dnswire.Uint16(msg, off)
	if !dnswire.TypeSupported(q.QType) {
		q.EndCode = dnswire.RcodeNotImpl
		return -1
	}
	q.QClass = dnswire.Uint16(msg, off+2)
	if !dnswire.ClassSupported(q.QClass) {
		q.EndCode = dnswire.RcodeNotImpl
		return -1
	}
	return consumed + dnswire.QFixedSize
}

// parseAdditional walks the additional section looking for the first OPT
// record. Every other record is skipped after validating that its rdata
// fits the message; the walked count must equal ARCount.
func (q *Query) parseAdditional(msg []byte, off int) {
	var nameBuf [dnswire.MaxCDName + 1]byte

	count := 0
	target := int(q.ReqHdr.ARCount)
	for off < len(msg) && count < target {
		consumed, err := dnswire.NameUnpack(msg, off, nameBuf[:])
		if err != nil {
			q.EndCode = dnswire.RcodeFormErr
			return
		}
		if off+consumed+dnswire.RRFixedSize > len(msg) {
			q.EndCode = dnswire.RcodeFormErr
			return
		}
		fixed := off + consumed
		rrType := dnswire.Uint16(msg, fixed)
		rdlen := int(dnswire.Uint16(msg, fixed+8))
		if fixed+dnswire.RRFixedSize+rdlen > len(msg) {
			q.EndCode = dnswire.RcodeFormErr
			return
		}

		if !q.Edns.Present && consumed == 1 && nameBuf[0] == 0 && rrType == dnswire.TypeOPT {
			if !q.parseEDNS(msg, fixed, rdlen) {
				return
			}
		}

		off = fixed + dnswire.RRFixedSize + rdlen
		count++
	}

	if count != target {
		q.EndCode = dnswire.RcodeFormErr
	}
}

// parseEDNS parses the fixed part of an OPT record whose type field is at
// msg[fixed], plus its option list. Reports false with EndCode set when
// parsing must stop.
func (q *Query) parseEDNS(msg []byte, fixed, rdlen int) bool {
	q.Edns.Present = true

	// CLASS carries the advertised UDP payload size.
	size := dnswire.Uint16(msg, fixed+2)
	if size < dnswire.PacketSize {
		size = dnswire.PacketSize
	} else if size > dnswire.UDPMaxMsg {
		size = dnswire.UDPMaxMsg
	}
	q.Edns.UDPRespLen = size

	// TTL carries extended rcode, version, DO bit.
	q.Edns.ExtendedRcode = msg[fixed+4]
	q.Edns.Version = msg[fixed+5]
	if q.Edns.Version != 0 {
		// RFC 6891: unsupported version gets BADVERS.
		q.Edns.UDPRespLen = dnswire.PacketSize
		q.EndCode = dnswire.RcodeBadVers
		return false
	}
	q.Edns.DO = msg[fixed+6]&0x80 != 0

	if rdlen > 0 {
		if !q.parseEDNSOptions(msg[fixed+dnswire.RRFixedSize : fixed+dnswire.RRFixedSize+rdlen]) {
			q.EndCode = dnswire.RcodeFormErr
			return false
		}
	}
	q.Edns.Valid = true
	return true
}

// parseEDNSOptions walks the OPT rdata option list. The only recognized
// option is client subnet; unknown options are skipped.
func (q *Query) parseEDNSOptions(opts []byte) bool {
	off := 0
	for off < len(opts) {
		if off+4 > len(opts) {
			return false
		}
		code := dnswire.Uint16(opts, off)
		optLen := int(dnswire.Uint16(opts, off+2))
		off += 4
		if off+optLen > len(opts) {
			return false
		}
		if code == dnswire.EDNSOptClientSubnet {
			q.Edns.ClientSubnet.Present = true
			if !q.parseClientSubnet(opts[off : off+optLen]) {
				return false
			}
		}
		off += optLen
	}
	return true
}

// parseClientSubnet parses the client subnet option body per RFC 7871. A
// wrongly formatted option must be rejected with a FORMERR response.
func (q *Query) parseClientSubnet(body []byte) bool {
	cs := &q.Edns.ClientSubnet
	cs.Valid = false

	if len(body) < 4 {
		return false
	}
	family := dnswire.Uint16(body, 0)
	sourceMask := body[2]
	scopeMask := body[3]
	addr := body[4:]

	var ip netip.Addr
	switch family {
	case 1:
		if sourceMask > 32 || scopeMask != 0 || len(addr) > dnswire.InAddrSize {
			return false
		}
		var a4 [4]byte
		copy(a4[:], addr)
		ip = netip.AddrFrom4(a4)
	case 2:
		if sourceMask > 128 || scopeMask != 0 || len(addr) > dnswire.In6AddrSize {
			return false
		}
		var a16 [16]byte
		copy(a16[:], addr)
		ip = netip.AddrFrom16(a16)
	default:
		return false
	}

	// The address must hold exactly ceil(source/8) bytes, and any bits
	// past the source mask in the last byte must be zero.
	addrLen := int(sourceMask) / 8
	if r := sourceMask % 8; r > 0 {
		addrLen++
		if addrLen <= len(addr) {
			mask := byte(0xff) << (8 - r)
			if addr[addrLen-1]&^mask != 0 {
				return false
			}
		}
	}
	if addrLen != len(addr) {
		return false
	}

	cs.Valid = true
	cs.Family = family
	cs.SourceMask = sourceMask
	cs.ScopeMask = scopeMask
	cs.Addr = ip
	return true
}
