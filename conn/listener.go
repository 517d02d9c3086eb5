package conn

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/G5unit/ripples/config"
	"github.com/G5unit/ripples/query"
)

// listenerStart creates, configures and binds a non blocking listener
// socket. Every shard binds its own socket on the same port; SO_REUSEPORT
// makes the kernel steer flows across them.
func listenerStart(cfg *config.Config, ipv6 bool, proto uint8) (int, error) {
	family := unix.AF_INET
	if ipv6 {
		family = unix.AF_INET6
	}

	var (
		sockType       int
		rcvbuf, sndbuf int
		port           int
	)
	if proto == query.ProtoTCP {
		sockType = unix.SOCK_STREAM | unix.SOCK_NONBLOCK
		rcvbuf = cfg.TCPConnSocketRecvbuffSize
		sndbuf = cfg.TCPConnSocketSendbuffSize
		port = cfg.TCPListenerPort
	} else {
		sockType = unix.SOCK_DGRAM | unix.SOCK_NONBLOCK
		rcvbuf = cfg.UDPSocketRecvbuffSize
		sndbuf = cfg.UDPSocketSendbuffSize
		port = cfg.UDPListenerPort
	}

	fd, err := unix.Socket(family, sockType, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, rcvbuf); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("setsockopt SO_RCVBUF: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, sndbuf); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("setsockopt SO_SNDBUF: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("setsockopt SO_REUSEPORT: %w", err)
	}

	if !ipv6 {
		// Recover the datagram destination address; listeners bind to
		// the any address.
		if proto == query.ProtoUDP {
			if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_PKTINFO, 1); err != nil {
				unix.Close(fd)
				return -1, fmt.Errorf("setsockopt IP_PKTINFO: %w", err)
			}
		}
	} else {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1); err != nil {
			unix.Close(fd)
			return -1, fmt.Errorf("setsockopt IPV6_V6ONLY: %w", err)
		}
		if proto == query.ProtoUDP {
			if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_RECVPKTINFO, 1); err != nil {
				unix.Close(fd)
				return -1, fmt.Errorf("setsockopt IPV6_RECVPKTINFO: %w", err)
			}
		}
	}

	var sa unix.Sockaddr
	if ipv6 {
		sa = &unix.SockaddrInet6{Port: port}
	} else {
		sa = &unix.SockaddrInet4{Port: port}
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind: %w", err)
	}

	if proto == query.ProtoTCP {
		if err := unix.Listen(fd, cfg.TCPListenerPendingConnsMax); err != nil {
			unix.Close(fd)
			return -1, fmt.Errorf("listen: %w", err)
		}
	}

	return fd, nil
}

// Provision starts a listener and returns its connection object. TCP
// listeners own only the socket; accepted connections get their own
// objects.
func Provision(cfg *config.Config, ipv6 bool, proto uint8) (*Conn, error) {
	fd, err := listenerStart(cfg, ipv6, proto)
	if err != nil {
		protoStr, ipStr := "UDP", "IPv4"
		if proto == query.ProtoTCP {
			protoStr = "TCP"
		}
		if ipv6 {
			ipStr = "IPv6"
		}
		return nil, fmt.Errorf("could not start %s %s listener: %w", protoStr, ipStr, err)
	}

	if proto == query.ProtoUDP {
		return NewUDPConn(fd, cfg, ipv6), nil
	}
	return &Conn{FD: fd, Proto: query.ProtoTCP, IPv6: ipv6}, nil
}
