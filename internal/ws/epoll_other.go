//go:build !linux

package ws

import (
	"bufio"
	"io"
	"net"
	"sync"
	"time"
)

// Epoll is the portable stand-in for the Linux poller: one goroutine per
// connection peeks through a bufio.Reader and reports readiness, then waits
// for Resume before peeking again.
type Epoll struct {
	mu      sync.Mutex
	watched map[net.Conn]*watch
	readyCh chan net.Conn
	done    chan struct{}
	once    sync.Once
}

type watch struct {
	r      *bufio.Reader
	resume chan struct{}
	stop   chan struct{}
}

func NewEpoll() (*Epoll, error) {
	return &Epoll{
		watched: make(map[net.Conn]*watch),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

func (e *Epoll) Add(conn net.Conn) error {
	w := &watch{
		r:      bufio.NewReader(conn),
		resume: make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
	e.mu.Lock()
	e.watched[conn] = w
	e.mu.Unlock()

	go e.monitor(conn, w)
	return nil
}

func (e *Epoll) monitor(conn net.Conn, w *watch) {
	for {
		_ = conn.SetReadDeadline(time.Time{})
		_, err := w.r.Peek(1)

		select {
		case e.readyCh <- conn:
		case <-w.stop:
			return
		case <-e.done:
			return
		}
		if err != nil {
			return
		}

		select {
		case <-w.resume:
		case <-w.stop:
			return
		case <-e.done:
			return
		}
	}
}

func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	w, ok := e.watched[conn]
	delete(e.watched, conn)
	e.mu.Unlock()

	if ok {
		close(w.stop)
	}
	return nil
}

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

// Reader returns the buffered reader the monitor peeks through; frames must
// be read from it so peeked bytes are not lost.
func (e *Epoll) Reader(conn net.Conn) io.Reader {
	e.mu.Lock()
	w, ok := e.watched[conn]
	e.mu.Unlock()
	if !ok {
		return conn
	}
	return w.r
}

// Resume lets the monitor peek for the next frame.
func (e *Epoll) Resume(conn net.Conn) {
	e.mu.Lock()
	w, ok := e.watched[conn]
	e.mu.Unlock()
	if !ok {
		return
	}
	select {
	case w.resume <- struct{}{}:
	default:
	}
}

func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	e.mu.Lock()
	e.watched = make(map[net.Conn]*watch)
	e.mu.Unlock()
	return nil
}

func socketFD(net.Conn) int { return -1 }

func isEINTR(error) bool { return false }
