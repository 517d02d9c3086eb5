package query

import (
	"sync/atomic"

	"github.com/G5unit/ripples/dnswire"
	"github.com/G5unit/ripples/metrics"
)

// ReportMetrics records the counters a finished query contributes to.
func (q *Query) ReportMetrics(m *metrics.Metrics) {
	if q.Protocol == ProtoUDP {
		m.UDP.Queries.Add(1)
	} else {
		m.TCP.Queries.Add(1)
	}
	m.DNS.Queries.Add(1)

	var rcode *atomic.Uint64
	switch q.EndCode {
	case dnswire.RcodeNoError:
		rcode = &m.DNS.RcodeNoError
	case dnswire.RcodeFormErr:
		rcode = &m.DNS.RcodeFormErr
	case dnswire.RcodeServFail:
		rcode = &m.DNS.RcodeServFail
	case dnswire.RcodeNXDomain:
		rcode = &m.DNS.RcodeNXDomain
	case dnswire.RcodeNotImpl:
		rcode = &m.DNS.RcodeNotImpl
	case dnswire.RcodeRefused:
		rcode = &m.DNS.RcodeRefused
	case dnswire.RcodeBadVers:
		rcode = &m.DNS.RcodeBadVersion
	case EndShortHeader:
		rcode = &m.DNS.RcodeShortHeader
	case EndTooLarge:
		rcode = &m.DNS.RcodeTooLarge
	}
	if rcode != nil {
		rcode.Add(1)
	}

	var qtype *atomic.Uint64
	switch q.QType {
	case dnswire.TypeInvalid:
		qtype = &m.DNS.TypeInvalid
	case dnswire.TypeA:
		qtype = &m.DNS.TypeA
	case dnswire.TypeNS:
		qtype = &m.DNS.TypeNS
	case dnswire.TypeCNAME:
		qtype = &m.DNS.TypeCNAME
	case dnswire.TypeSOA:
		qtype = &m.DNS.TypeSOA
	case dnswire.TypePTR:
		qtype = &m.DNS.TypePTR
	case dnswire.TypeMX:
		qtype = &m.DNS.TypeMX
	case dnswire.TypeTXT:
		qtype = &m.DNS.TypeTXT
	case dnswire.TypeAAAA:
		qtype = &m.DNS.TypeAAAA
	case dnswire.TypeSRV:
		qtype = &m.DNS.TypeSRV
	default:
		qtype = &m.DNS.TypeUnsupported
	}
	qtype.Add(1)

	if q.Edns.Present {
		m.DNS.EDNSPresent.Add(1)
	}
	if q.Edns.Valid {
		m.DNS.EDNSValid.Add(1)
	}
	if q.Edns.DO {
		m.DNS.EDNSDOBit.Add(1)
	}
	if q.Edns.ClientSubnet.Valid {
		m.DNS.EDNSClientSubnet.Add(1)
	}
}
