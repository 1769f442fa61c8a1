// Package usock drives a Unix-domain stream socket through its blocking
// connection phase and then hands it to the Go runtime poller.
package usock

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/danmuck/usock/internal/protocol"
	"golang.org/x/sys/unix"
)

var (
	ErrClosed    = errors.New("usock: socket closed")
	ErrHandedOff = errors.New("usock: socket already handed off")
)

// Socket is a blocking AF_UNIX stream socket owned by a single goroutine
// until Handoff.
type Socket struct {
	fd     int
	path   string
	closed bool
}

// Dial opens a blocking stream socket connected to path.
func Dial(path string) (*Socket, error) {
	addr := &unix.SockaddrUnix{Name: path}
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, protocol.Unreachable("socket", err)
	}
	for {
		err = unix.Connect(fd, addr)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		_ = unix.Close(fd)
		return nil, protocol.Unreachable("connect "+path, err)
	}
	return &Socket{fd: fd, path: path}, nil
}

func (s *Socket) Path() string {
	return s.path
}

// Write sends all of p, blocking until done or an error occurs.
func (s *Socket) Write(p []byte) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}
	sent := 0
	for sent < len(p) {
		n, err := unix.Write(s.fd, p[sent:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return sent, protocol.Unreachable("send", err)
		}
		sent += n
	}
	return sent, nil
}

// Read fills p completely. A receive timeout, EOF or any other error is
// reported as ErrUnreachable.
func (s *Socket) Read(p []byte) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}
	got := 0
	for got < len(p) {
		n, err := unix.Read(s.fd, p[got:])
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return got, protocol.Unreachable("recv", os.ErrDeadlineExceeded)
		}
		if err != nil {
			return got, protocol.Unreachable("recv", err)
		}
		if n == 0 {
			return got, protocol.Unreachable("recv", io.ErrUnexpectedEOF)
		}
		got += n
	}
	return got, nil
}

// RecvTimeout returns SO_RCVTIMEO. ok is false when the platform has no
// such option.
func (s *Socket) RecvTimeout() (tv unix.Timeval, ok bool, err error) {
	ptv, err := unix.GetsockoptTimeval(s.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO)
	if errors.Is(err, unix.ENOPROTOOPT) {
		return unix.Timeval{}, false, nil
	}
	if err != nil {
		return unix.Timeval{}, false, protocol.Unreachable("getsockopt SO_RCVTIMEO", err)
	}
	return *ptv, true, nil
}

func (s *Socket) SetRecvTimeoutVal(tv unix.Timeval) error {
	if err := unix.SetsockoptTimeval(s.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		return protocol.Unreachable("setsockopt SO_RCVTIMEO", err)
	}
	return nil
}

func (s *Socket) SetRecvTimeout(d time.Duration) error {
	return s.SetRecvTimeoutVal(unix.NsecToTimeval(d.Nanoseconds()))
}

// Handoff switches the socket to non-blocking mode and returns it as a
// net.Conn served by the runtime poller. s is unusable afterwards.
func (s *Socket) Handoff() (net.Conn, error) {
	if s.closed {
		return nil, ErrHandedOff
	}
	if err := unix.SetNonblock(s.fd, true); err != nil {
		return nil, protocol.Unreachable("set nonblocking", err)
	}
	f := os.NewFile(uintptr(s.fd), "usock:"+s.path)
	// FileConn dups the descriptor; the original is released with f.
	conn, err := net.FileConn(f)
	s.closed = true
	if cerr := f.Close(); err == nil && cerr != nil {
		_ = conn.Close()
		return nil, protocol.Unreachable("release fd", cerr)
	}
	if err != nil {
		return nil, protocol.Unreachable("file conn", err)
	}
	return conn, nil
}

func (s *Socket) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if err := unix.Close(s.fd); err != nil {
		return fmt.Errorf("usock: close: %w", err)
	}
	return nil
}
