//go:build linux

package ws

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// errNoSocket is returned by Add for connections without a file descriptor.
var errNoSocket = errors.New("ws: connection has no socket descriptor")

// Epoll wraps Linux epoll so that idle connections cost no goroutine: file
// descriptors are registered with the kernel and reported when readable.
type Epoll struct {
	fd     int
	mu     sync.RWMutex
	byFD   map[int]net.Conn
	events []unix.EpollEvent // reused by Wait; only the event loop calls it
	closed bool
}

// NewEpoll creates the epoll instance.
func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("ws: epoll create: %w", err)
	}
	return &Epoll{
		fd:     fd,
		byFD:   make(map[int]net.Conn),
		events: make([]unix.EpollEvent, 128),
	}, nil
}

// Add watches conn for readability and peer hang-up. Watching is
// level-triggered.
func (e *Epoll) Add(conn net.Conn) error {
	fd := socketFD(conn)
	if fd < 0 {
		return errNoSocket
	}
	ev := &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLHUP,
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		return fmt.Errorf("ws: epoll add fd %d: %w", fd, err)
	}

	e.mu.Lock()
	e.byFD[fd] = conn
	e.mu.Unlock()
	return nil
}

// Remove stops watching conn. Connections that were never added are
// ignored.
func (e *Epoll) Remove(conn net.Conn) error {
	fd := socketFD(conn)

	e.mu.Lock()
	_, ok := e.byFD[fd]
	delete(e.byFD, fd)
	closed := e.closed
	e.mu.Unlock()

	if !ok || closed {
		return nil
	}
	if err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("ws: epoll del fd %d: %w", fd, err)
	}
	return nil
}

// waitTimeoutMs bounds each epoll_wait so the event loop notices shutdown.
const waitTimeoutMs = 200

// Wait blocks until a watched connection is readable or the wait times out,
// in which case it returns no connections. Descriptors removed while Wait
// was returning are skipped.
func (e *Epoll) Wait() ([]net.Conn, error) {
	n, err := unix.EpollWait(e.fd, e.events, waitTimeoutMs)
	if err != nil {
		e.mu.RLock()
		closed := e.closed
		e.mu.RUnlock()
		if closed {
			return nil, net.ErrClosed
		}
		return nil, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	ready := make([]net.Conn, 0, n)
	for _, ev := range e.events[:n] {
		if conn, ok := e.byFD[int(ev.Fd)]; ok {
			ready = append(ready, conn)
		}
	}
	return ready, nil
}

// Resume is a no-op: level-triggered epoll reports pending data again on
// the next Wait.
func (e *Epoll) Resume(net.Conn) {}

// Close releases the epoll descriptor. Safe to call more than once.
func (e *Epoll) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.byFD = make(map[int]net.Conn)
	return unix.Close(e.fd)
}

func wrapConn(conn net.Conn) net.Conn {
	return conn
}

// socketFD returns the descriptor behind conn without dup'ing it, or -1.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}

	fd := -1
	if err := raw.Control(func(sfd uintptr) { fd = int(sfd) }); err != nil {
		return -1
	}
	return fd
}
