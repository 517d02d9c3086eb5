package query

import (
	"errors"

	"github.com/G5unit/ripples/dnswire"
)

// PackResponse serializes the response into RespBuf: header, answer,
// authority and additional sections with name compression, then the OPT
// record when EDNS applies. For TCP the 2 byte length prefix is written
// last and included in RespLen. A TCP response buffer grows up to the
// message limit before giving up; when a section still does not fit the TC
// bit is set, remaining sections are skipped, the header is finalized and
// ErrTruncated is returned.
func (q *Query) PackResponse() error {
	for {
		err := q.packMsg()
		if errors.Is(err, dnswire.ErrSpace) && q.growRespBuf() == nil {
			continue
		}
		return err
	}
}

// respLimit returns the usable size of the response message region. UDP
// replies are capped at the advertised EDNS size, or 512 bytes without
// valid EDNS.
func (q *Query) respLimit() int {
	limit := len(q.RespBuf) - q.msgOff
	if q.Protocol == ProtoUDP {
		max := dnswire.PacketSize
		if q.Edns.Valid {
			max = int(q.Edns.UDPRespLen)
		}
		if limit > max {
			limit = max
		}
	}
	return limit
}

// growable reports whether another packMsg attempt can see more room.
func (q *Query) growable() bool {
	return q.Protocol == ProtoTCP && len(q.RespBuf) < dnswire.MaxMsg
}

func (q *Query) header() dnswire.Header {
	hdr := dnswire.Header{
		ID:     q.ReqHdr.ID,
		QR:     true,
		AA:     true,
		Opcode: dnswire.OpcodeQuery,
		RD:     q.ReqHdr.RD,
	}
	if q.EndCode < 16 {
		hdr.Rcode = uint8(q.EndCode)
	} else {
		// Extended rcode: low 4 bits in the header, high bits in the
		// OPT TTL field.
		hdr.Rcode = uint8(q.EndCode & 0x0f)
		q.Edns.ExtendedRcode = uint8(q.EndCode >> 4)
	}
	hdr.ANCount = uint16(len(q.Answer))
	hdr.NSCount = uint16(len(q.Authority))
	return hdr
}

// packMsg performs one serialization attempt. It returns dnswire.ErrSpace
// when more buffer could help, letting PackResponse grow and retry.
func (q *Query) packMsg() error {
	msg := q.RespBuf[q.msgOff:]
	if limit := q.respLimit(); len(msg) > limit {
		msg = msg[:limit]
	}
	if len(msg) < dnswire.HeaderSize {
		if q.growable() {
			return dnswire.ErrSpace
		}
		return ErrTruncated
	}

	q.dnptrs = q.dnptrs[:1]
	hdr := q.header()

	off := dnswire.HeaderSize
	truncated := false

sections:
	for _, sec := range [][]*dnswire.Record{q.Answer, q.Authority, q.Additional} {
		for _, rr := range sec {
			n, err := q.packRR(rr, msg, off)
			if err != nil {
				if q.growable() {
					return dnswire.ErrSpace
				}
				truncated = true
				break sections
			}
			off += n
		}
	}

	arcount := len(q.Additional)
	if !truncated {
		n, err := q.packEDNS(msg, off)
		switch {
		case err != nil && q.growable():
			return dnswire.ErrSpace
		case err != nil:
			truncated = true
		case n > 0:
			arcount++
			off += n
		}
	}

	hdr.ARCount = uint16(arcount)
	hdr.TC = truncated
	hdr.Pack(msg)

	q.RespLen = off
	if q.Protocol == ProtoTCP {
		dnswire.PutUint16(q.RespBuf, 0, uint16(off))
		q.RespLen = off + 2
	}

	if truncated {
		return ErrTruncated
	}
	return nil
}

// packRR packs one resource record at msg[off] using the response
// compression table.
func (q *Query) packRR(rr *dnswire.Record, msg []byte, off int) (int, error) {
	nameLen, err := dnswire.NamePut(rr.Name, msg, off, &q.dnptrs, dnswire.CompressedNamesMax)
	if err != nil {
		return 0, err
	}

	packedLen := nameLen + dnswire.RRFixedSize + len(rr.Rdata)
	if off+packedLen > len(msg) {
		return 0, dnswire.ErrSpace
	}

	p := off + nameLen
	dnswire.PutUint16(msg, p, rr.Type)
	dnswire.PutUint16(msg, p+2, rr.Class)
	dnswire.PutUint32(msg, p+4, rr.TTL)
	dnswire.PutUint16(msg, p+8, uint16(len(rr.Rdata)))
	copy(msg[p+dnswire.RRFixedSize:], rr.Rdata)

	return packedLen, nil
}

// packEDNS appends the OPT record when the request carried valid EDNS, or
// when answering BADVERS where the OPT must convey the extended rcode.
// Returns the packed length, 0 when no OPT applies.
func (q *Query) packEDNS(msg []byte, off int) (int, error) {
	edns := &q.Edns
	if !edns.Valid && q.EndCode != dnswire.RcodeBadVers {
		return 0, nil
	}

	var csOptLen, csIPLen int
	cs := &edns.ClientSubnet
	if cs.Valid {
		csIPLen = int(cs.SourceMask) / 8
		if cs.SourceMask%8 > 0 {
			csIPLen++
		}
		csOptLen = 4 + csIPLen
	}

	optsLen := 1 + dnswire.RRFixedSize
	if cs.Valid {
		optsLen += 4 + csOptLen
	}
	if len(msg)-off < optsLen {
		return 0, dnswire.ErrSpace
	}

	// Fixed part: root name, OPT, advertised size, extended rcode,
	// version, DO bit, rdata length.
	msg[off] = 0
	p := off + 1
	dnswire.PutUint16(msg, p, dnswire.TypeOPT)
	dnswire.PutUint16(msg, p+2, edns.UDPRespLen)
	msg[p+4] = edns.ExtendedRcode
	msg[p+5] = 0
	if edns.DO {
		msg[p+6] = 0x80
	} else {
		msg[p+6] = 0
	}
	msg[p+7] = 0
	dnswire.PutUint16(msg, p+8, uint16(optsLen-1-dnswire.RRFixedSize))
	p += dnswire.RRFixedSize

	if cs.Valid {
		dnswire.PutUint16(msg, p, dnswire.EDNSOptClientSubnet)
		dnswire.PutUint16(msg, p+2, uint16(csOptLen))
		dnswire.PutUint16(msg, p+4, cs.Family)
		msg[p+6] = cs.SourceMask
		msg[p+7] = cs.ScopeMask
		ip := cs.Addr.As16()
		src := ip[:]
		if cs.Family == 1 {
			a4 := cs.Addr.As4()
			src = a4[:]
		}
		copy(msg[p+8:], src[:csIPLen])
	}

	return optsLen, nil
}
