package dnswire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_NamePtonNtopRoundTrip(t *testing.T) {
	names := []string{
		"www.example.com",
		"example.com",
		"a.b.c.d.e.f",
		"xn--caf-dma.example",
	}

	for _, name := range names {
		var wire [MaxCDName + 1]byte
		n, err := NamePton([]byte(name), wire[:])
		require.NoError(t, err, name)
		require.Greater(t, n, 0)

		var text [MaxCDName * 4]byte
		l, err := NameNtop(wire[:n], text[:])
		require.NoError(t, err, name)
		assert.Equal(t, name, string(text[:l]))
	}
}

func Test_NamePtonRoot(t *testing.T) {
	var wire [MaxCDName + 1]byte
	n, err := NamePton([]byte("."), wire[:])
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, byte(0), wire[0])

	var text [16]byte
	l, err := NameNtop(wire[:n], text[:])
	require.NoError(t, err)
	assert.Equal(t, ".", string(text[:l]))
}

func Test_NamePtonLimits(t *testing.T) {
	var wire [MaxCDName + 1]byte

	// A 64 byte label must be rejected.
	long := make([]byte, 64)
	for i := range long {
		long[i] = 'a'
	}
	_, err := NamePton(append(long, ".com"...), wire[:])
	assert.Error(t, err)

	// A name over 255 bytes must be rejected.
	var big []byte
	for i := 0; i < 5; i++ {
		big = append(big, long[:60]...)
		big = append(big, '.')
	}
	big = append(big, "com"...)
	_, err = NamePton(big, wire[:])
	assert.Error(t, err)

	// Empty interior labels must be rejected.
	_, err = NamePton([]byte("www..com"), wire[:])
	assert.Error(t, err)
}

func Test_NameNtopEscapes(t *testing.T) {
	// Label bytes that collide with zone file syntax get escaped, and
	// non printable bytes become decimal escapes.
	wire := []byte{4, 'a', '.', 'b', 0x01, 0}

	var text [64]byte
	l, err := NameNtop(wire, text[:])
	require.NoError(t, err)
	assert.Equal(t, `a\.b\001`, string(text[:l]))
}

func Test_NameUnpackPlain(t *testing.T) {
	msg := []byte{
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
		3, 'w', 'w', 'w', 7, 'e', 'x', 'a', 'm', 'p', 'l', 'e',
		3, 'c', 'o', 'm', 0,
	}

	var dst [MaxCDName + 1]byte
	n, err := NameUnpack(msg, 12, dst[:])
	require.NoError(t, err)
	assert.Equal(t, 17, n)
	assert.Equal(t, msg[12:29], dst[:17])
}

func Test_NameUnpackCompressed(t *testing.T) {
	// "mail" at 30 pointing back to "example.com" at 16.
	msg := make([]byte, 64)
	copy(msg[12:], []byte{3, 'w', 'w', 'w', 7, 'e', 'x', 'a', 'm', 'p', 'l', 'e', 3, 'c', 'o', 'm', 0})
	copy(msg[30:], []byte{4, 'm', 'a', 'i', 'l', 0xc0, 16})

	var dst [MaxCDName + 1]byte
	n, err := NameUnpack(msg, 30, dst[:])
	require.NoError(t, err)
	// Consumed bytes at the source: label + 2 byte pointer.
	assert.Equal(t, 7, n)

	var text [64]byte
	l, err := NameNtop(dst[:], text[:])
	require.NoError(t, err)
	assert.Equal(t, "mail.example.com", string(text[:l]))
}

func Test_NameUnpackLabelTooLong(t *testing.T) {
	msg := make([]byte, 80)
	msg[12] = 64
	var dst [MaxCDName + 1]byte
	_, err := NameUnpack(msg, 12, dst[:])
	assert.ErrorIs(t, err, ErrFormat)
}

func Test_NameUnpackPointerOutOfRange(t *testing.T) {
	msg := make([]byte, 20)
	msg[12] = 0xc0
	msg[13] = 0xff
	var dst [MaxCDName + 1]byte
	_, err := NameUnpack(msg, 12, dst[:])
	assert.ErrorIs(t, err, ErrFormat)
}

func Test_NameUnpackPointerLoop(t *testing.T) {
	msg := make([]byte, 20)
	// Pointer at 12 targeting itself.
	msg[12] = 0xc0
	msg[13] = 12
	var dst [MaxCDName + 1]byte
	_, err := NameUnpack(msg, 12, dst[:])
	assert.ErrorIs(t, err, ErrFormat)

	// Two pointers chasing each other.
	msg[12] = 0xc0
	msg[13] = 14
	msg[14] = 0xc0
	msg[15] = 12
	_, err = NameUnpack(msg, 12, dst[:])
	assert.ErrorIs(t, err, ErrFormat)
}

func Test_NamePackCompression(t *testing.T) {
	msg := make([]byte, 512)
	ptrs := make([]int, 1, CompressedNamesMax)
	ptrs[0] = 0

	n1, err := NamePut([]byte("www.example.com"), msg, HeaderSize, &ptrs, CompressedNamesMax)
	require.NoError(t, err)
	assert.Equal(t, 17, n1)

	// The same name packs as a single 2 byte pointer.
	n2, err := NamePut([]byte("www.example.com"), msg, HeaderSize+n1, &ptrs, CompressedNamesMax)
	require.NoError(t, err)
	assert.Equal(t, 2, n2)

	// A sibling compresses against the longest common suffix.
	n3, err := NamePut([]byte("mail.example.com"), msg, HeaderSize+n1+n2, &ptrs, CompressedNamesMax)
	require.NoError(t, err)
	assert.Equal(t, 5+2, n3)

	// Every packed form decodes back to its source name.
	var dst [MaxCDName + 1]byte
	var text [256]byte
	_, err = NameUnpack(msg, HeaderSize+n1, dst[:])
	require.NoError(t, err)
	l, err := NameNtop(dst[:], text[:])
	require.NoError(t, err)
	assert.Equal(t, "www.example.com", string(text[:l]))

	_, err = NameUnpack(msg, HeaderSize+n1+n2, dst[:])
	require.NoError(t, err)
	l, err = NameNtop(dst[:], text[:])
	require.NoError(t, err)
	assert.Equal(t, "mail.example.com", string(text[:l]))
}

func Test_NamePackTableBound(t *testing.T) {
	msg := make([]byte, 4096)
	ptrs := make([]int, 1, 4)
	ptrs[0] = 0

	// Only maxPtrs entries get recorded; packing keeps working past
	// the bound, just without new compression targets.
	off := HeaderSize
	names := [][]byte{
		[]byte("a.example"), []byte("b.example"),
		[]byte("c.example"), []byte("d.example"), []byte("e.example"),
	}
	for _, name := range names {
		n, err := NamePack(mustPton(t, name), msg, off, &ptrs, 4)
		require.NoError(t, err)
		off += n
	}
	assert.LessOrEqual(t, len(ptrs), 4)
}

func mustPton(t *testing.T, name []byte) []byte {
	t.Helper()
	var wire [MaxCDName + 1]byte
	n, err := NamePton(name, wire[:])
	require.NoError(t, err)
	out := make([]byte, n)
	copy(out, wire[:n])
	return out
}
