// Package config loads and validates the server configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/semihalev/zlog/v2"

	"github.com/G5unit/ripples/dnswire"
)

// Config holds every recognized option. Values not present in the config
// file keep their defaults; Load rejects values outside the documented
// ranges.
type Config struct {
	Version  string `toml:"version"`
	LogLevel string `toml:"loglevel"`

	// MetricsBind is the address of the Prometheus endpoint; empty
	// disables it.
	MetricsBind string `toml:"metrics_bind"`

	UDPEnable             bool `toml:"udp_enable"`
	UDPListenerPort       int  `toml:"udp_listener_port"`
	UDPSocketRecvbuffSize int  `toml:"udp_socket_recvbuff_size"`
	UDPSocketSendbuffSize int  `toml:"udp_socket_sendbuff_size"`
	UDPConnVectorLen      int  `toml:"udp_conn_vector_len"`

	TCPEnable                   bool `toml:"tcp_enable"`
	TCPListenerPort             int  `toml:"tcp_listener_port"`
	TCPListenerPendingConnsMax  int  `toml:"tcp_listener_pending_conns_max"`
	TCPListenerMaxAcceptNewConn int  `toml:"tcp_listener_max_accept_new_conn"`
	TCPConnSocketRecvbuffSize   int  `toml:"tcp_conn_socket_recvbuff_size"`
	TCPConnSocketSendbuffSize   int  `toml:"tcp_conn_socket_sendbuff_size"`
	TCPConnSimultaneousQueries  int  `toml:"tcp_conn_simultaneous_queries_count"`

	// Timeouts are in milliseconds.
	TCPKeepalive        int `toml:"tcp_keepalive"`
	TCPQueryRecvTimeout int `toml:"tcp_query_recv_timeout"`
	TCPQuerySendTimeout int `toml:"tcp_query_send_timeout"`

	TCPConnsPerVLMax int `toml:"tcp_conns_per_vl_max"`

	EpollNumEventsTCP int `toml:"epoll_num_events_tcp"`
	EpollNumEventsUDP int `toml:"epoll_num_events_udp"`

	ProcessThreadCount int `toml:"process_thread_count"`

	// ProcessThreadMasks is a CSV of 1 based CPU ids indexed by shard id;
	// 0 leaves a shard unpinned.
	ProcessThreadMasks string `toml:"process_thread_masks"`

	// Idle back off sleep stages, microseconds.
	LoopSlowdownOne   int `toml:"loop_slowdown_one"`
	LoopSlowdownTwo   int `toml:"loop_slowdown_two"`
	LoopSlowdownThree int `toml:"loop_slowdown_three"`

	AppLogName string `toml:"app_log_name"`
	AppLogPath string `toml:"app_log_path"`

	QueryLogBufferSize int    `toml:"query_log_buffer_size"`
	QueryLogBaseName   string `toml:"query_log_base_name"`
	QueryLogPath       string `toml:"query_log_path"`
	QueryLogRotateSize int    `toml:"query_log_rotate_size"`

	ResourceName       string `toml:"resource_1_name"`
	ResourceFilepath   string `toml:"resource_1_filepath"`
	ResourceUpdateFreq int    `toml:"resource_1_update_freq"`

	threadMasks []int
}

const configver = "1.0.0"

// Default returns a configuration with every option at its default.
func Default() *Config {
	return &Config{
		Version:  configver,
		LogLevel: "info",

		UDPEnable:             true,
		UDPListenerPort:       53,
		UDPSocketRecvbuffSize: 0xfffff,
		UDPSocketSendbuffSize: 0xfffff,
		UDPConnVectorLen:      8,

		TCPEnable:                   true,
		TCPListenerPort:             53,
		TCPListenerPendingConnsMax:  1024,
		TCPListenerMaxAcceptNewConn: 8,
		TCPConnSocketRecvbuffSize:   0x800,
		TCPConnSocketSendbuffSize:   0x3000,
		TCPConnSimultaneousQueries:  3,
		TCPKeepalive:                10000,
		TCPQueryRecvTimeout:         2000,
		TCPQuerySendTimeout:         2000,
		TCPConnsPerVLMax:            100000,

		EpollNumEventsTCP: 8,
		EpollNumEventsUDP: 8,

		ProcessThreadCount: 1,

		LoopSlowdownOne:   1,
		LoopSlowdownTwo:   50,
		LoopSlowdownThree: 100,

		AppLogName: "ripples.log",
		AppLogPath: ".",

		QueryLogBufferSize: 6553500,
		QueryLogBaseName:   "dns_query_log",
		QueryLogPath:       "logs",
		QueryLogRotateSize: 50000000,

		ResourceName:       "Resource_1",
		ResourceFilepath:   "resource1.txt",
		ResourceUpdateFreq: 5,
	}
}

type rangeCheck struct {
	name     string
	val      int
	min, max int
}

// Load reads the TOML config at path, generating a default file first when
// none exists, and validates every option range.
func Load(path string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := generateConfig(path); err != nil {
			return nil, err
		}
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("could not load config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	checks := []rangeCheck{
		{"udp_listener_port", c.UDPListenerPort, 1, 65535},
		{"udp_socket_recvbuff_size", c.UDPSocketRecvbuffSize, 518, 0xffffff},
		{"udp_socket_sendbuff_size", c.UDPSocketSendbuffSize, 512, 0xffffff},
		{"udp_conn_vector_len", c.UDPConnVectorLen, 1, 0xffff},
		{"tcp_listener_port", c.TCPListenerPort, 1, 65535},
		{"tcp_listener_pending_conns_max", c.TCPListenerPendingConnsMax, 1, 0xffff},
		{"tcp_listener_max_accept_new_conn", c.TCPListenerMaxAcceptNewConn, 1, 1024},
		{"tcp_conn_socket_recvbuff_size", c.TCPConnSocketRecvbuffSize, 514, 0xffff},
		{"tcp_conn_socket_sendbuff_size", c.TCPConnSocketSendbuffSize, 514, 0xfffff},
		{"tcp_conn_simultaneous_queries_count", c.TCPConnSimultaneousQueries, 1, 0xff},
		{"tcp_keepalive", c.TCPKeepalive, 1000, 600000},
		{"tcp_query_recv_timeout", c.TCPQueryRecvTimeout, 1, 600000},
		{"tcp_query_send_timeout", c.TCPQuerySendTimeout, 1, 600000},
		{"tcp_conns_per_vl_max", c.TCPConnsPerVLMax, 1, 1 << 30},
		{"epoll_num_events_tcp", c.EpollNumEventsTCP, 3, 1024},
		{"epoll_num_events_udp", c.EpollNumEventsUDP, 3, 1024},
		{"process_thread_count", c.ProcessThreadCount, 1, 1024},
		{"loop_slowdown_one", c.LoopSlowdownOne, 1, 10000},
		{"loop_slowdown_two", c.LoopSlowdownTwo, 1, 10000},
		{"loop_slowdown_three", c.LoopSlowdownThree, 1, 10000},
		{"query_log_buffer_size", c.QueryLogBufferSize, dnswire.MaxMsg + 1, 1 << 31},
		{"query_log_rotate_size", c.QueryLogRotateSize, 1, 1 << 40},
	}
	for _, ck := range checks {
		if ck.val < ck.min || ck.val > ck.max {
			return fmt.Errorf("config: %s value %d outside range %d-%d",
				ck.name, ck.val, ck.min, ck.max)
		}
	}

	c.threadMasks = make([]int, c.ProcessThreadCount)
	if c.ProcessThreadMasks != "" {
		parts := strings.Split(c.ProcessThreadMasks, ",")
		for i, p := range parts {
			if i >= c.ProcessThreadCount {
				break
			}
			cpu, err := strconv.Atoi(strings.TrimSpace(p))
			if err != nil || cpu < 0 {
				return fmt.Errorf("config: invalid process_thread_masks entry %q", p)
			}
			c.threadMasks[i] = cpu
		}
	}
	return nil
}

// ThreadMask returns the 1 based CPU id shard i is pinned to, 0 for
// unpinned.
func (c *Config) ThreadMask(i int) int {
	if i < 0 || i >= len(c.threadMasks) {
		return 0
	}
	return c.threadMasks[i]
}

// TCPReadBufSize is the per connection read buffer: enough for the maximum
// number of simultaneously processed frames, each a 2 byte prefix plus a
// maximum size query.
func (c *Config) TCPReadBufSize() int {
	return c.TCPConnSimultaneousQueries * (2 + dnswire.PacketSize)
}

// TCPWriteBufSize is the initial per query response buffer allocation for
// TCP connections.
func (c *Config) TCPWriteBufSize() int {
	return c.TCPConnSocketSendbuffSize
}

// AppLogFile is the full application log path.
func (c *Config) AppLogFile() string {
	return filepath.Join(c.AppLogPath, c.AppLogName)
}

func generateConfig(path string) error {
	output, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("could not generate config: %w", err)
	}
	defer output.Close()

	if _, err := output.WriteString(fmt.Sprintf(defaultConfig, configver)); err != nil {
		return fmt.Errorf("could not write default config: %w", err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("path error: %w", err)
	}
	zlog.Info("Default config file generated", "config", abs)
	return nil
}

var defaultConfig = `
# Config version, config and build versions can be different.
version = "%s"

# Log verbosity level: error, warn, info, debug.
loglevel = "info"

# Address for the Prometheus metrics endpoint, empty disables it.
# metrics_bind = "127.0.0.1:8082"

# Toggle the UDP and TCP listener families.
udp_enable = true
tcp_enable = true

# Listener ports, range 1-65535.
udp_listener_port = 53
tcp_listener_port = 53

# UDP socket receive and send buffer sizes.
udp_socket_recvbuff_size = 1048575
udp_socket_sendbuff_size = 1048575

# Per shard batch size for recvmmsg/sendmmsg.
udp_conn_vector_len = 8

# TCP listen backlog and accepts per loop iteration.
tcp_listener_pending_conns_max = 1024
tcp_listener_max_accept_new_conn = 8

# TCP connection socket buffer sizes.
tcp_conn_socket_recvbuff_size = 2048
tcp_conn_socket_sendbuff_size = 12288

# Maximum frames processed per TCP read, 1-255.
tcp_conn_simultaneous_queries_count = 3

# TCP timeouts in milliseconds.
tcp_keepalive = 10000
tcp_query_recv_timeout = 2000
tcp_query_send_timeout = 2000

# Cap on TCP connections per shard.
tcp_conns_per_vl_max = 100000

# Readiness events drained per poll, per set.
epoll_num_events_tcp = 8
epoll_num_events_udp = 8

# Number of shard threads, 1-1024.
process_thread_count = 1

# CSV of 1 based CPU ids, index = shard id. 0 leaves a shard unpinned.
# process_thread_masks = "1,2"

# Idle back off sleep stages, microseconds.
loop_slowdown_one = 1
loop_slowdown_two = 50
loop_slowdown_three = 100

# Application log file.
app_log_name = "ripples.log"
app_log_path = "."

# Query log sink.
query_log_buffer_size = 6553500
query_log_base_name = "dns_query_log"
query_log_path = "logs"
query_log_rotate_size = 50000000

# Zone resource checked for updates periodically (seconds).
resource_1_name = "Resource_1"
resource_1_filepath = "resource1.txt"
resource_1_update_freq = 5
`
