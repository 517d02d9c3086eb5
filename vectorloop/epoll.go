package vectorloop

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// epollCreate returns a new epoll instance.
func epollCreate() (int, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return -1, fmt.Errorf("epoll_create1: %w", err)
	}
	return fd, nil
}

// epollWait polls epfd without blocking, filling events up to its length.
func epollWait(epfd int, events []unix.EpollEvent) int {
	for {
		n, err := unix.EpollWait(epfd, events, 0)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			// Only possible on a closed or invalid epoll fd, which is
			// an impossible state here.
			panic(fmt.Sprintf("epoll_wait: %v", err))
		}
		return n
	}
}

// epollRegReadET registers fd for edge triggered read events.
func epollRegReadET(epfd, fd int) {
	ev := unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLET,
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		panic(fmt.Sprintf("epoll_ctl add: %v", err))
	}
}

// epollRegReadWriteET registers fd for edge triggered read and write
// events.
func epollRegReadWriteET(epfd, fd int) {
	ev := unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLOUT | unix.EPOLLET,
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		panic(fmt.Sprintf("epoll_ctl add: %v", err))
	}
}

// epollDel removes fd from epfd.
func epollDel(epfd, fd int) {
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		panic(fmt.Sprintf("epoll_ctl del: %v", err))
	}
}
