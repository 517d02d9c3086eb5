package vectorloop

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/G5unit/ripples/conn"
)

// recvmmsg receives a batch of datagrams into msgs. Returns the number of
// messages received.
func recvmmsg(fd int, msgs []conn.Mmsghdr, flags int) (int, error) {
	n, _, errno := unix.Syscall6(unix.SYS_RECVMMSG,
		uintptr(fd),
		uintptr(unsafe.Pointer(&msgs[0])),
		uintptr(len(msgs)),
		uintptr(flags),
		0, 0)
	if errno != 0 {
		return 0, errno
	}
	return int(n), nil
}

// sendmmsg transmits a batch of datagrams from msgs. Returns the number of
// messages sent, which may be short of len(msgs).
func sendmmsg(fd int, msgs []conn.Mmsghdr, flags int) (int, error) {
	n, _, errno := unix.Syscall6(unix.SYS_SENDMMSG,
		uintptr(fd),
		uintptr(unsafe.Pointer(&msgs[0])),
		uintptr(len(msgs)),
		uintptr(flags),
		0, 0)
	if errno != 0 {
		return 0, errno
	}
	return int(n), nil
}
