package query

import (
	"net"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G5unit/ripples/dnswire"
)

// staticAnswer populates q the way the reference resolver does: A
// 127.0.0.1 for the question name, a static nameserver and its glue.
func staticAnswer(q *Query) {
	label := q.Label[:q.LabelLen]
	nsName := []byte("ns.example.com")

	nsRdata := make([]byte, dnswire.MaxCDName+1)
	n, _ := dnswire.NamePton(nsName, nsRdata)

	q.Answer = append(q.Answer, &dnswire.Record{
		Name: label, Type: dnswire.TypeA, Class: dnswire.ClassIN, TTL: 60,
		Rdata: []byte{127, 0, 0, 1},
	})
	q.Authority = append(q.Authority, &dnswire.Record{
		Name: label, Type: dnswire.TypeNS, Class: dnswire.ClassIN, TTL: 60,
		Rdata: nsRdata[:n],
	})
	q.Additional = append(q.Additional,
		&dnswire.Record{
			Name: nsName, Type: dnswire.TypeA, Class: dnswire.ClassIN, TTL: 60,
			Rdata: []byte{127, 0, 0, 1},
		},
		&dnswire.Record{
			Name: nsName, Type: dnswire.TypeAAAA, Class: dnswire.ClassIN, TTL: 60,
			Rdata: net.IPv6loopback.To16(),
		})
	if q.Edns.ClientSubnet.Valid {
		q.Edns.ClientSubnet.ScopeMask = q.Edns.ClientSubnet.SourceMask
	}
	q.EndCode = dnswire.RcodeNoError
}

func unpackResp(t *testing.T, q *Query) *dns.Msg {
	t.Helper()
	msg := new(dns.Msg)
	start := 0
	if q.Protocol == ProtoTCP {
		start = 2
	}
	require.NoError(t, msg.Unpack(q.RespBuf[start:q.RespLen]))
	return msg
}

func Test_PackAResponse(t *testing.T) {
	q := loadUDP(t, fromHex(t, qWWW))
	require.Equal(t, EndUnknown, q.EndCode)
	staticAnswer(q)

	require.NoError(t, q.PackResponse())

	resp := unpackResp(t, q)
	assert.Equal(t, uint16(0x1ff9), resp.Id)
	assert.True(t, resp.Response)
	assert.True(t, resp.Authoritative)
	assert.True(t, resp.RecursionDesired)
	assert.False(t, resp.Truncated)
	assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
	require.Len(t, resp.Answer, 1)
	require.Len(t, resp.Ns, 1)
	require.Len(t, resp.Extra, 2)

	a, ok := resp.Answer[0].(*dns.A)
	require.True(t, ok)
	assert.Equal(t, "www.example.com.", a.Hdr.Name)
	assert.Equal(t, "127.0.0.1", a.A.String())

	ns, ok := resp.Ns[0].(*dns.NS)
	require.True(t, ok)
	assert.Equal(t, "ns.example.com.", ns.Ns)

	glueA, ok := resp.Extra[0].(*dns.A)
	require.True(t, ok)
	assert.Equal(t, "ns.example.com.", glueA.Hdr.Name)
	assert.Equal(t, "127.0.0.1", glueA.A.String())

	glueAAAA, ok := resp.Extra[1].(*dns.AAAA)
	require.True(t, ok)
	assert.Equal(t, "::1", glueAAAA.AAAA.String())
}

func Test_PackRootResponse(t *testing.T) {
	q := loadUDP(t, fromHex(t, "43cf 0120 0001 0000 0000 0000 00 0001 0001"))
	require.Equal(t, EndUnknown, q.EndCode)
	staticAnswer(q)

	require.NoError(t, q.PackResponse())

	resp := unpackResp(t, q)
	assert.Equal(t, uint16(0x43cf), resp.Id)
	require.Len(t, resp.Answer, 1)
	assert.Equal(t, ".", resp.Answer[0].Header().Name)
}

func Test_PackNameCompression(t *testing.T) {
	q := loadUDP(t, fromHex(t, qWWW))
	staticAnswer(q)
	require.NoError(t, q.PackResponse())

	// The authority NS owner repeats the answer owner and the two glue
	// records share the nameserver name; with compression the whole
	// response stays well under the sum of its uncompressed names.
	resp := unpackResp(t, q)
	require.Len(t, resp.Extra, 2)
	assert.Less(t, q.RespLen, 140)
}

func Test_PackTCPLengthPrefix(t *testing.T) {
	wire := fromHex(t, qWWW)
	q := NewTCP(0x3000)
	q.ReqBuf = wire
	q.ReqLen = len(wire)
	q.Parse()
	require.Equal(t, EndUnknown, q.EndCode)
	staticAnswer(q)

	require.NoError(t, q.PackResponse())

	msgLen := int(dnswire.Uint16(q.RespBuf, 0))
	assert.Equal(t, q.RespLen, msgLen+2)

	resp := unpackResp(t, q)
	assert.Equal(t, uint16(0x1ff9), resp.Id)
	require.Len(t, resp.Answer, 1)
}

func Test_PackBadVers(t *testing.T) {
	wire := appendOPT(fromHex(t, qWWW), 4096, uint32(1)<<16, nil)
	q := loadUDP(t, wire)
	require.Equal(t, dnswire.RcodeBadVers, q.EndCode)

	require.NoError(t, q.PackResponse())

	resp := unpackResp(t, q)

	opt := resp.IsEdns0()
	require.NotNil(t, opt)
	assert.Equal(t, uint16(512), opt.UDPSize())
	// The extended rcode lives in the OPT TTL; combined with the header
	// bits it spells BADVERS.
	assert.Equal(t, dns.RcodeBadVers, resp.Rcode|opt.ExtendedRcode())
}

func Test_PackClientSubnetEcho(t *testing.T) {
	msg := new(dns.Msg)
	msg.SetQuestion("www.example.com.", dns.TypeA)
	msg.SetEdns0(4096, false)
	opt := msg.IsEdns0()
	opt.Option = append(opt.Option, &dns.EDNS0_SUBNET{
		Code:          dns.EDNS0SUBNET,
		Family:        1,
		SourceNetmask: 24,
		Address:       net.ParseIP("192.0.2.0"),
	})

	q := loadUDP(t, packQuery(t, msg))
	require.Equal(t, EndUnknown, q.EndCode)
	staticAnswer(q)
	require.NoError(t, q.PackResponse())

	resp := unpackResp(t, q)
	respOpt := resp.IsEdns0()
	require.NotNil(t, respOpt)

	var ecs *dns.EDNS0_SUBNET
	for _, o := range respOpt.Option {
		if s, ok := o.(*dns.EDNS0_SUBNET); ok {
			ecs = s
		}
	}
	require.NotNil(t, ecs)
	assert.Equal(t, uint16(1), ecs.Family)
	assert.Equal(t, uint8(24), ecs.SourceNetmask)
	assert.Equal(t, uint8(24), ecs.SourceScope)
	assert.Equal(t, "192.0.2.0", ecs.Address.String())
}

func Test_PackTruncation(t *testing.T) {
	q := loadUDP(t, fromHex(t, qWWW))
	require.Equal(t, EndUnknown, q.EndCode)

	// Without valid EDNS a UDP response is capped at 512 bytes; enough
	// distinct owner names overflow it.
	names := []string{
		"a.example.com", "b.example.com", "c.example.com", "d.example.com",
		"e.example.com", "f.example.com", "g.example.com", "h.example.com",
	}
	for _, n := range names {
		for i := 0; i < 8; i++ {
			q.Answer = append(q.Answer, &dnswire.Record{
				Name: []byte(n), Type: dnswire.TypeA, Class: dnswire.ClassIN,
				TTL: 60, Rdata: []byte{192, 0, 2, byte(i)},
			})
		}
	}
	q.EndCode = dnswire.RcodeNoError

	err := q.PackResponse()
	assert.ErrorIs(t, err, ErrTruncated)
	assert.LessOrEqual(t, q.RespLen, 512)

	// TC bit is set in the finalized header.
	hdr, uerr := dnswire.UnpackHeader(q.RespBuf[:q.RespLen])
	require.NoError(t, uerr)
	assert.True(t, hdr.TC)
}

func Test_PackTCPGrowth(t *testing.T) {
	wire := fromHex(t, qWWW)
	q := NewTCP(600)
	q.ReqBuf = wire
	q.ReqLen = len(wire)
	q.Parse()
	require.Equal(t, EndUnknown, q.EndCode)

	for i := 0; i < 64; i++ {
		q.Answer = append(q.Answer, &dnswire.Record{
			Name: []byte("www.example.com"), Type: dnswire.TypeA,
			Class: dnswire.ClassIN, TTL: 60, Rdata: []byte{10, 0, 0, byte(i)},
		})
	}
	q.EndCode = dnswire.RcodeNoError

	// The initial 600 byte buffer cannot hold 64 answers; the buffer
	// grows instead of truncating.
	require.NoError(t, q.PackResponse())
	assert.Greater(t, len(q.RespBuf), 600)

	resp := unpackResp(t, q)
	assert.False(t, resp.Truncated)
	assert.Len(t, resp.Answer, 64)
}
