// Package resolver turns parsed questions into answer, authority and
// additional record sets. The vectorloop invokes a Resolver once per query
// whose parse left the end code undecided; the records a resolver hands
// out must stay valid for the remainder of the loop iteration.
package resolver

import (
	"github.com/G5unit/ripples/dnswire"
	"github.com/G5unit/ripples/query"
)

// Resolver is the resolution policy contract. Resolve populates the query
// section arrays and sets a non negative end code. artifact is the shard's
// current resource artifact; implementations that do not consume one
// ignore it.
type Resolver interface {
	Resolve(q *query.Query, artifact any)
}

// echoClientSubnet mirrors the request client subnet on the response with
// the scope the policy served. The reference policy answers for exactly
// the prefix asked.
func echoClientSubnet(q *query.Query) {
	if q.Edns.ClientSubnet.Valid {
		q.Edns.ClientSubnet.ScopeMask = q.Edns.ClientSubnet.SourceMask
	}
}

// Static answers every query with A 127.0.0.1 and a fixed nameserver with
// loopback glue. It is the reference policy and the fallback when no zone
// artifact is loaded. The owner named records (answer, NS) are copied per
// query: the resolve stage runs for a whole batch before any response is
// packed, so a record shared across queries would end up carrying the
// last query's name. Record names alias the per query label buffer, which
// stays valid for the remainder of the iteration.
type Static struct {
	answer dnswire.Record
	ns     dnswire.Record
	nsA    dnswire.Record
	nsAAAA dnswire.Record
}

// NewStatic returns the reference resolver.
func NewStatic() *Static {
	nsName := []byte("ns.example.com")

	nsRdata := make([]byte, dnswire.MaxCDName+1)
	n, err := dnswire.NamePton(nsName, nsRdata)
	if err != nil {
		// The constant name always encodes.
		panic(err)
	}

	return &Static{
		answer: dnswire.Record{
			Type:  dnswire.TypeA,
			Class: dnswire.ClassIN,
			TTL:   60,
			Rdata: []byte{127, 0, 0, 1},
		},
		ns: dnswire.Record{
			Type:  dnswire.TypeNS,
			Class: dnswire.ClassIN,
			TTL:   60,
			Rdata: nsRdata[:n],
		},
		nsA: dnswire.Record{
			Name:  nsName,
			Type:  dnswire.TypeA,
			Class: dnswire.ClassIN,
			TTL:   60,
			Rdata: []byte{127, 0, 0, 1},
		},
		nsAAAA: dnswire.Record{
			Name:  nsName,
			Type:  dnswire.TypeAAAA,
			Class: dnswire.ClassIN,
			TTL:   60,
			Rdata: []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1},
		},
	}
}

// Resolve implements the Resolver contract.
func (s *Static) Resolve(q *query.Query, _ any) {
	label := q.Label[:q.LabelLen]

	answer := s.answer
	answer.Name = label
	ns := s.ns
	ns.Name = label

	q.Answer = append(q.Answer, &answer)
	q.Authority = append(q.Authority, &ns)
	q.Additional = append(q.Additional, &s.nsA, &s.nsAAAA)

	echoClientSubnet(q)
	q.EndCode = dnswire.RcodeNoError
}
