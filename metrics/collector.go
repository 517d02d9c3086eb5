package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/semihalev/zlog/v2"
)

// Collector exposes a Metrics set as Prometheus counters.
type Collector struct {
	m *Metrics
}

// NewCollector returns a collector over m.
func NewCollector(m *Metrics) *Collector {
	return &Collector{m: m}
}

type counterRef struct {
	name string
	help string
	v    *atomic.Uint64
}

func (c *Collector) counters() []counterRef {
	m := c.m
	return []counterRef{
		{"ripples_tcp_connections_total", "TCP connections accepted", &m.TCP.Connections},
		{"ripples_tcp_queries_total", "Queries received over TCP", &m.TCP.Queries},
		{"ripples_tcp_unknown_client_ip_family_total", "Accepts with unsupported client address family", &m.TCP.UnknownClientIPFamily},
		{"ripples_tcp_getsockname_errors_total", "getsockname failures on accepted sockets", &m.TCP.GetsocknameErr},
		{"ripples_tcp_unknown_local_ip_family_total", "Accepts with unsupported local address family", &m.TCP.UnknownLocalIPFamily},
		{"ripples_tcp_conn_id_unavailable_total", "Connection id assignment failures", &m.TCP.ConnIDUnavailable},
		{"ripples_tcp_query_len_toolarge_total", "TCP frames over the query size limit", &m.TCP.QueryLenTooLarge},
		{"ripples_tcp_query_recv_timeouts_total", "Partial queries that timed out", &m.TCP.QueryRecvTimeout},
		{"ripples_tcp_keepalive_timeouts_total", "Connections closed on idle timeout", &m.TCP.KeepaliveTimeout},
		{"ripples_tcp_closed_no_query_total", "Connections closed by peer before any query", &m.TCP.ClosedNoQuery},
		{"ripples_tcp_closed_partial_query_total", "Connections closed by peer mid query", &m.TCP.ClosedPartialQuery},
		{"ripples_tcp_sock_read_errors_total", "Connections closed on read error", &m.TCP.SockReadErr},
		{"ripples_tcp_sock_write_errors_total", "Connections closed on write error", &m.TCP.SockWriteErr},
		{"ripples_tcp_sock_write_timeouts_total", "Connections closed on write timeout", &m.TCP.SockWriteTimeout},
		{"ripples_tcp_sock_closed_for_write_total", "Connections closed for write by peer", &m.TCP.SockClosedForWrite},
		{"ripples_udp_queries_total", "Queries received over UDP", &m.UDP.Queries},
		{"ripples_dns_queries_total", "Queries received", &m.DNS.Queries},
		{"ripples_dns_rcode_noerror_total", "Responses with rcode NOERROR", &m.DNS.RcodeNoError},
		{"ripples_dns_rcode_formerr_total", "Responses with rcode FORMERR", &m.DNS.RcodeFormErr},
		{"ripples_dns_rcode_servfail_total", "Responses with rcode SERVFAIL", &m.DNS.RcodeServFail},
		{"ripples_dns_rcode_nxdomain_total", "Responses with rcode NXDOMAIN", &m.DNS.RcodeNXDomain},
		{"ripples_dns_rcode_notimpl_total", "Responses with rcode NOTIMPL", &m.DNS.RcodeNotImpl},
		{"ripples_dns_rcode_refused_total", "Responses with rcode REFUSED", &m.DNS.RcodeRefused},
		{"ripples_dns_rcode_shortheader_total", "Requests dropped for a short header", &m.DNS.RcodeShortHeader},
		{"ripples_dns_rcode_toolarge_total", "Requests dropped for oversize datagrams", &m.DNS.RcodeTooLarge},
		{"ripples_dns_rcode_badversion_total", "Responses with rcode BADVERS", &m.DNS.RcodeBadVersion},
		{"ripples_dns_qtype_invalid_total", "Questions with an invalid type", &m.DNS.TypeInvalid},
		{"ripples_dns_qtype_a_total", "Questions of type A", &m.DNS.TypeA},
		{"ripples_dns_qtype_aaaa_total", "Questions of type AAAA", &m.DNS.TypeAAAA},
		{"ripples_dns_qtype_cname_total", "Questions of type CNAME", &m.DNS.TypeCNAME},
		{"ripples_dns_qtype_mx_total", "Questions of type MX", &m.DNS.TypeMX},
		{"ripples_dns_qtype_ns_total", "Questions of type NS", &m.DNS.TypeNS},
		{"ripples_dns_qtype_ptr_total", "Questions of type PTR", &m.DNS.TypePTR},
		{"ripples_dns_qtype_srv_total", "Questions of type SRV", &m.DNS.TypeSRV},
		{"ripples_dns_qtype_soa_total", "Questions of type SOA", &m.DNS.TypeSOA},
		{"ripples_dns_qtype_txt_total", "Questions of type TXT", &m.DNS.TypeTXT},
		{"ripples_dns_qtype_unsupported_total", "Questions of unsupported types", &m.DNS.TypeUnsupported},
		{"ripples_dns_edns_present_total", "Requests carrying an OPT record", &m.DNS.EDNSPresent},
		{"ripples_dns_edns_valid_total", "Requests with a valid OPT record", &m.DNS.EDNSValid},
		{"ripples_dns_edns_dobit_total", "Requests with the DO bit set", &m.DNS.EDNSDOBit},
		{"ripples_dns_edns_client_subnet_total", "Requests with a valid client subnet option", &m.DNS.EDNSClientSubnet},
		{"ripples_app_log_open_errors_total", "Application log open failures", &m.App.AppLogOpenError},
		{"ripples_app_log_write_errors_total", "Application log messages dropped", &m.App.AppLogWriteError},
		{"ripples_query_log_buf_no_space_total", "Queries not logged for lack of buffer space", &m.App.QueryLogBufNoSpace},
		{"ripples_resource_reload_errors_total", "Resource check or load failures", &m.App.ResourceReloadError},
		{"ripples_query_log_open_errors_total", "Query log open failures", &m.App.QueryLogOpenError},
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, cr := range c.counters() {
		ch <- prometheus.NewDesc(cr.name, cr.help, nil, nil)
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, cr := range c.counters() {
		m, err := prometheus.NewConstMetric(
			prometheus.NewDesc(cr.name, cr.help, nil, nil),
			prometheus.CounterValue, float64(cr.v.Load()))
		if err != nil {
			continue
		}
		ch <- m
	}
}

// Serve registers the collector and serves /metrics on addr. It blocks, so
// callers run it on its own goroutine. An empty addr disables the endpoint.
func Serve(addr string, m *Metrics) {
	if addr == "" {
		return
	}

	if err := prometheus.Register(NewCollector(m)); err != nil {
		zlog.Error("Metrics collector register failed", "error", err.Error())
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	zlog.Info("Metrics server listening...", "addr", addr)

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil {
		zlog.Error("Metrics listener failed", "addr", addr, "error", err.Error())
	}
}
