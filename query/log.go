package query

import (
	"net/netip"
	"strconv"
	"time"

	"github.com/G5unit/ripples/dnswire"
)

// LogMinSpace is the headroom a query log buffer must have before a query
// is logged. Requiring the worst case up front avoids per field space
// checks while building the line.
const LogMinSpace = 0xffff

// logAnswerMax caps how many answer records one log line carries.
const logAnswerMax = 10

func appendBit(b []byte, v bool) []byte {
	if v {
		return append(b, '1')
	}
	return append(b, '0')
}

// AppendLog writes the query log line, one JSON object terminated by a
// newline, into the start of dst. It returns the number of bytes written,
// or 0 when dst has less than LogMinSpace available.
func (q *Query) AppendLog(dst []byte) int {
	if len(dst) < LogMinSpace {
		return 0
	}
	b := dst[:0]

	b = append(b, `{"c_ip":"`...)
	b = append(b, q.Client.Addr().String()...)
	b = append(b, `","c_port":"`...)
	b = strconv.AppendUint(b, uint64(q.Client.Port()), 10)
	b = append(b, `","l_ip":"`...)
	b = append(b, q.Local.Addr().String()...)
	b = append(b, `","l_port":"`...)
	b = strconv.AppendUint(b, uint64(q.Local.Port()), 10)

	b = append(b, `","recv_time":"`...)
	b = q.RecvTime.UTC().AppendFormat(b, time.RFC3339Nano)
	b = append(b, '"')

	if q.EndCode >= 0 {
		// A negative end code means no response was sent, so there is
		// no send time.
		b = append(b, `,"send_time":"`...)
		b = q.SendTime.UTC().AppendFormat(b, time.RFC3339Nano)
		b = append(b, '"')
	}

	if q.EndCode != dnswire.RcodeNoError && q.EndCode <= dnswire.RcodeFormErr {
		// Dropped or malformed early: nothing further to log.
		b = append(b, "}\n"...)
		return len(b)
	}

	b = append(b, `,"request":{"rd":"`...)
	b = appendBit(b, q.ReqHdr.RD)
	b = append(b, `","tc":"`...)
	b = appendBit(b, q.ReqHdr.TC)
	b = append(b, `","opcode":"query"`...)

	if q.Edns.Valid || q.EndCode == dnswire.RcodeBadVers {
		b = append(b, `,"edns":{"resp_size":"`...)
		b = strconv.AppendUint(b, uint64(q.Edns.UDPRespLen), 10)
		b = append(b, `","ver":"`...)
		b = strconv.AppendUint(b, uint64(q.Edns.Version), 10)
		b = append(b, '"')
		if q.Edns.Valid {
			b = append(b, `,"do":"`...)
			b = appendBit(b, q.Edns.DO)
			b = append(b, '"')
			if cs := &q.Edns.ClientSubnet; cs.Valid {
				b = append(b, `,"cs":{"ip":"`...)
				b = append(b, cs.Addr.String()...)
				b = append(b, `","source":"`...)
				b = strconv.AppendUint(b, uint64(cs.SourceMask), 10)
				b = append(b, `","scope":"`...)
				b = strconv.AppendUint(b, uint64(cs.ScopeMask), 10)
				b = append(b, `"}`...)
			}
		}
		b = append(b, '}')
	}

	b = append(b, `,"q_name":"`...)
	b = append(b, q.Label[:q.LabelLen]...)
	b = append(b, `","q_class":"`...)
	b = append(b, dnswire.ClassString(q.QClass)...)
	b = append(b, `","q_type":"`...)
	b = append(b, dnswire.TypeString(q.QType)...)
	b = append(b, `"}`...)

	if q.EndCode == dnswire.RcodeServFail {
		b = append(b, "}\n"...)
		return len(b)
	}

	if len(q.Answer) > 0 || len(q.Authority) > 0 || len(q.Additional) > 0 {
		b = append(b, `,"response":{`...)
		if len(q.Answer) > 0 {
			b = append(b, `"answer":[`...)
			for i, rr := range q.Answer {
				if i == logAnswerMax {
					break
				}
				if i > 0 {
					b = append(b, ',')
				}
				b = append(b, `{"name":"`...)
				b = append(b, rr.Name...)
				b = append(b, `","class":"`...)
				b = append(b, dnswire.ClassString(rr.Class)...)
				b = append(b, `","type":"`...)
				b = append(b, dnswire.TypeString(rr.Type)...)
				b = append(b, `","rdata":"`...)
				// Only A questions are supported, so answers carry
				// IPv4 rdata.
				if len(rr.Rdata) == dnswire.InAddrSize {
					var a4 [4]byte
					copy(a4[:], rr.Rdata)
					b = append(b, netip.AddrFrom4(a4).String()...)
				}
				b = append(b, `"}`...)
			}
			b = append(b, ']')
		}
		b = append(b, '}')
	}

	b = append(b, "}\n"...)
	return len(b)
}
