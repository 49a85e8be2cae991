//go:build !linux

package ws

import (
	"bufio"
	"net"
	"sync"
)

// Epoll is the goroutine-per-connection fallback for platforms without
// epoll. Each connection has a monitor goroutine that peeks for pending
// data, reports the connection as ready, then waits for Resume before
// peeking again so that it never races the frame reader.
type Epoll struct {
	mu      sync.Mutex
	conns   map[net.Conn]chan struct{} // conn -> resume signal
	readyCh chan net.Conn
	done    chan struct{}
	closed  bool
}

// NewEpoll creates a fallback poller.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]chan struct{}),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// peekConn buffers reads so readiness can be detected without consuming
// frame bytes.
type peekConn struct {
	net.Conn
	r *bufio.Reader
}

func (p *peekConn) Read(b []byte) (int, error) {
	return p.r.Read(b)
}

// wrapConn wraps conn so the monitor can peek it. Connections registered
// with Add must have been wrapped.
func wrapConn(conn net.Conn) net.Conn {
	return &peekConn{Conn: conn, r: bufio.NewReader(conn)}
}

// Add starts monitoring conn.
func (e *Epoll) Add(conn net.Conn) error {
	resume := make(chan struct{}, 1)
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return net.ErrClosed
	}
	e.conns[conn] = resume
	e.mu.Unlock()

	go e.monitor(conn, resume)
	return nil
}

func (e *Epoll) monitor(conn net.Conn, resume chan struct{}) {
	pc, _ := conn.(*peekConn)
	for {
		if pc != nil {
			// Errors are reported as readiness so the reader sees them too.
			_, _ = pc.r.Peek(1)
		}

		select {
		case e.readyCh <- conn:
		case <-e.done:
			return
		}

		select {
		case _, ok := <-resume:
			if !ok {
				return
			}
		case <-e.done:
			return
		}
	}
}

// Resume re-arms monitoring of conn after its pending frame was handled.
func (e *Epoll) Resume(conn net.Conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	resume, ok := e.conns[conn]
	if !ok {
		return
	}
	select {
	case resume <- struct{}{}:
	default:
	}
}

// Remove stops monitoring conn.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	resume, ok := e.conns[conn]
	delete(e.conns, conn)
	e.mu.Unlock()
	if ok {
		close(resume)
	}
	return nil
}

// Wait blocks until at least one connection is ready and returns every
// connection that is ready at that point.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close stops all monitors.
func (e *Epoll) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	close(e.done)
	e.conns = make(map[net.Conn]chan struct{})
	return nil
}

func socketFD(conn net.Conn) int {
	return -1
}
