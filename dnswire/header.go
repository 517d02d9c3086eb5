package dnswire

// Header is the fixed 12 byte DNS message header in parsed form.
type Header struct {
	ID      uint16
	QR      bool
	Opcode  uint8
	AA      bool
	TC      bool
	RD      bool
	RA      bool
	AD      bool
	CD      bool
	Rcode   uint8
	QDCount uint16
	ANCount uint16
	NSCount uint16
	ARCount uint16
}

// DNS opcodes.
const (
	OpcodeQuery  = 0
	OpcodeIQuery = 1
	OpcodeStatus = 2
	OpcodeNotify = 4
	OpcodeUpdate = 5
)

// DNS response codes. Badvers is the EDNS extended code per RFC 6891.
const (
	RcodeNoError  = 0
	RcodeFormErr  = 1
	RcodeServFail = 2
	RcodeNXDomain = 3
	RcodeNotImpl  = 4
	RcodeRefused  = 5
	RcodeBadVers  = 16
)

// UnpackHeader parses the header from the first 12 bytes of msg.
func UnpackHeader(msg []byte) (Header, error) {
	if len(msg) < HeaderSize {
		return Header{}, ErrFormat
	}
	b2, b3 := msg[2], msg[3]
	return Header{
		ID:      Uint16(msg, 0),
		QR:      b2&0x80 != 0,
		Opcode:  (b2 >> 3) & 0x0f,
		AA:      b2&0x04 != 0,
		TC:      b2&0x02 != 0,
		RD:      b2&0x01 != 0,
		RA:      b3&0x80 != 0,
		AD:      b3&0x20 != 0,
		CD:      b3&0x10 != 0,
		Rcode:   b3 & 0x0f,
		QDCount: Uint16(msg, 4),
		ANCount: Uint16(msg, 6),
		NSCount: Uint16(msg, 8),
		ARCount: Uint16(msg, 10),
	}, nil
}

// Pack writes the header into the first 12 bytes of msg.
func (h Header) Pack(msg []byte) {
	PutUint16(msg, 0, h.ID)
	var b2, b3 byte
	if h.QR {
		b2 |= 0x80
	}
	b2 |= (h.Opcode & 0x0f) << 3
	if h.AA {
		b2 |= 0x04
	}
	if h.TC {
		b2 |= 0x02
	}
	if h.RD {
		b2 |= 0x01
	}
	if h.RA {
		b3 |= 0x80
	}
	if h.AD {
		b3 |= 0x20
	}
	if h.CD {
		b3 |= 0x10
	}
	b3 |= h.Rcode & 0x0f
	msg[2] = b2
	msg[3] = b3
	PutUint16(msg, 4, h.QDCount)
	PutUint16(msg, 6, h.ANCount)
	PutUint16(msg, 8, h.NSCount)
	PutUint16(msg, 10, h.ARCount)
}
