package resolver

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/miekg/dns"

	"github.com/G5unit/ripples/dnswire"
	"github.com/G5unit/ripples/query"
)

// Zone is a parsed zone artifact, the resource the shards swap by pointer.
// It is read only after construction.
type Zone struct {
	// Records maps a lowercase owner name without trailing dot (the
	// root stays ".") to its A records.
	Records map[string][]*dnswire.Record

	// NS and Glue are the zone's delegation set, served in the
	// authority and additional sections of every answer.
	NS   []*dnswire.Record
	Glue []*dnswire.Record
}

func zoneName(fqdn string) string {
	name := strings.ToLower(fqdn)
	if name != "." {
		name = strings.TrimSuffix(name, ".")
	}
	return name
}

// LoadZone parses zone file text into a Zone artifact.
func LoadZone(data []byte) (*Zone, error) {
	z := &Zone{Records: make(map[string][]*dnswire.Record)}

	zp := dns.NewZoneParser(bytes.NewReader(data), "", "")
	for rr, ok := zp.Next(); ok; rr, ok = zp.Next() {
		hdr := rr.Header()
		name := zoneName(hdr.Name)

		switch t := rr.(type) {
		case *dns.A:
			rec := &dnswire.Record{
				Name:  []byte(name),
				Type:  dnswire.TypeA,
				Class: uint16(hdr.Class),
				TTL:   hdr.Ttl,
				Rdata: []byte(t.A.To4()),
			}
			z.Records[name] = append(z.Records[name], rec)
			z.Glue = appendGlue(z.Glue, z.NS, rec)

		case *dns.AAAA:
			rec := &dnswire.Record{
				Name:  []byte(name),
				Type:  dnswire.TypeAAAA,
				Class: uint16(hdr.Class),
				TTL:   hdr.Ttl,
				Rdata: []byte(t.AAAA.To16()),
			}
			z.Glue = appendGlue(z.Glue, z.NS, rec)

		case *dns.NS:
			target := zoneName(t.Ns)
			rdata := make([]byte, dnswire.MaxCDName+1)
			n, err := dnswire.NamePton([]byte(target), rdata)
			if err != nil {
				return nil, fmt.Errorf("zone: bad NS target %q: %w", t.Ns, err)
			}
			z.NS = append(z.NS, &dnswire.Record{
				Name:  []byte(name),
				Type:  dnswire.TypeNS,
				Class: uint16(hdr.Class),
				TTL:   hdr.Ttl,
				Rdata: rdata[:n],
			})
		}
	}
	if err := zp.Err(); err != nil {
		return nil, fmt.Errorf("zone: %w", err)
	}
	return z, nil
}

// appendGlue keeps address records whose owner matches a delegation
// target. Zone files put NS records first, so the NS set is complete by
// the time glue candidates appear.
func appendGlue(glue, ns []*dnswire.Record, rec *dnswire.Record) []*dnswire.Record {
	for _, n := range ns {
		var target [dnswire.MaxCDName + 1]byte
		l, err := dnswire.NameNtop(n.Rdata, target[:])
		if err != nil {
			continue
		}
		if string(target[:l]) == string(rec.Name) {
			return append(glue, rec)
		}
	}
	return glue
}

// ZoneResolver answers from the shard's current zone artifact, falling
// back to the static policy while no zone is loaded.
type ZoneResolver struct {
	fallback *Static
}

// NewZoneResolver returns a zone backed resolver.
func NewZoneResolver() *ZoneResolver {
	return &ZoneResolver{fallback: NewStatic()}
}

// Resolve implements the Resolver contract.
func (r *ZoneResolver) Resolve(q *query.Query, artifact any) {
	z, _ := artifact.(*Zone)
	if z == nil {
		r.fallback.Resolve(q, nil)
		return
	}

	var lower [dnswire.MaxCDName + 1]byte
	label := q.Label[:q.LabelLen]
	for i, c := range label {
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		lower[i] = c
	}

	recs := z.Records[string(lower[:q.LabelLen])]
	if len(recs) == 0 {
		q.Authority = append(q.Authority, z.NS...)
		echoClientSubnet(q)
		q.EndCode = dnswire.RcodeNXDomain
		return
	}

	q.Answer = append(q.Answer, recs...)
	q.Authority = append(q.Authority, z.NS...)
	q.Additional = append(q.Additional, z.Glue...)

	echoClientSubnet(q)
	q.EndCode = dnswire.RcodeNoError
}
