package dnswire

import (
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_HeaderRoundTrip(t *testing.T) {
	h := Header{
		ID:      0x1ff9,
		QR:      true,
		Opcode:  OpcodeQuery,
		AA:      true,
		RD:      true,
		Rcode:   RcodeNXDomain,
		QDCount: 1,
		ANCount: 2,
		NSCount: 3,
		ARCount: 4,
	}

	var buf [HeaderSize]byte
	h.Pack(buf[:])

	got, err := UnpackHeader(buf[:])
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func Test_HeaderAgainstReference(t *testing.T) {
	msg := new(dns.Msg)
	msg.SetQuestion("www.example.com.", dns.TypeA)
	msg.Id = 0x4242
	msg.RecursionDesired = true

	wire, err := msg.Pack()
	require.NoError(t, err)

	h, err := UnpackHeader(wire)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x4242), h.ID)
	assert.False(t, h.QR)
	assert.True(t, h.RD)
	assert.Equal(t, uint8(OpcodeQuery), h.Opcode)
	assert.Equal(t, uint16(1), h.QDCount)
	assert.Equal(t, uint16(0), h.ANCount)
}

func Test_UnpackHeaderShort(t *testing.T) {
	_, err := UnpackHeader(make([]byte, 11))
	assert.ErrorIs(t, err, ErrFormat)
}

func Test_TypeClassTables(t *testing.T) {
	assert.Equal(t, "A", TypeString(TypeA))
	assert.Equal(t, "AAAA", TypeString(TypeAAAA))
	assert.Equal(t, "OPT", TypeString(TypeOPT))
	assert.Equal(t, "unknown", TypeString(999))
	assert.Equal(t, "IN", ClassString(ClassIN))
	assert.Equal(t, "ANY", ClassString(ClassAny))
	assert.Equal(t, "invalid", ClassString(ClassChaos))

	assert.True(t, TypeSupported(TypeA))
	assert.False(t, TypeSupported(TypeAAAA))
	assert.True(t, ClassSupported(ClassIN))
	assert.False(t, ClassSupported(ClassChaos))
}
