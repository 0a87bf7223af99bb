//go:build !linux

package ws

import (
	"net"
	"sync"
	"time"
)

// Epoll is the portable poller used off Linux. Each registered connection is
// reported ready once, then again after the server calls Resume for it, so at
// most one worker reads a given connection at a time. Workers block in the
// frame read until data arrives or the read deadline passes. It is meant for
// local development, not for large connection counts.
type Epoll struct {
	mu      sync.Mutex
	conns   map[net.Conn]chan struct{} // conn -> resume signal
	readyCh chan net.Conn
	done    chan struct{}
	once    sync.Once
}

// NewEpoll creates a portable poller. batch sizes the ready queue.
func NewEpoll(batch int) (*Epoll, error) {
	if batch <= 0 {
		batch = 128
	}
	return &Epoll{
		conns:   make(map[net.Conn]chan struct{}),
		readyCh: make(chan net.Conn, batch),
		done:    make(chan struct{}),
	}, nil
}

// Add registers conn and reports it ready immediately.
func (e *Epoll) Add(conn net.Conn) error {
	resume := make(chan struct{}, 1)
	e.mu.Lock()
	e.conns[conn] = resume
	e.mu.Unlock()

	go e.monitor(conn, resume)
	return nil
}

func (e *Epoll) monitor(conn net.Conn, resume chan struct{}) {
	for {
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

// Resume re-arms conn after a worker finished reading from it.
func (e *Epoll) Resume(conn net.Conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if resume, ok := e.conns[conn]; ok {
		select {
		case resume <- struct{}{}:
		default:
		}
	}
}

// Remove unregisters conn and stops its monitor.
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

// Wait blocks up to timeoutMs (-1 for no limit) for at least one ready
// connection, then drains whatever else is queued without blocking.
func (e *Epoll) Wait(timeoutMs int) ([]net.Conn, error) {
	var timeout <-chan time.Time
	if timeoutMs >= 0 {
		t := time.NewTimer(time.Duration(timeoutMs) * time.Millisecond)
		defer t.Stop()
		timeout = t.C
	}

	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-timeout:
		return nil, nil
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

// Close shuts down the poller.
func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	e.mu.Lock()
	e.conns = make(map[net.Conn]chan struct{})
	e.mu.Unlock()
	return nil
}

// socketFD is not needed by the portable poller.
func socketFD(net.Conn) int {
	return -1
}
