//go:build linux

package transport

import (
	"fmt"
	"net/netip"
	"os"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// PosixSocket is a non-blocking BSD socket.
type PosixSocket struct {
	sysFd     int
	typ       SocketType
	isV4      bool
	connected bool
	l         *logrus.Logger

	ConnectTimeout time.Duration
}

// NewSocket opens a non-blocking socket. Stream sockets get TCP_NODELAY, datagram sockets get SO_REUSEADDR and
// SO_REUSEPORT.
func NewSocket(l *logrus.Logger, d Domain, t SocketType) (*PosixSocket, error) {
	af := unix.AF_INET
	if d == Inet6 {
		af = unix.AF_INET6
	}

	st, proto := unix.SOCK_STREAM, unix.IPPROTO_TCP
	if t == Datagram {
		st, proto = unix.SOCK_DGRAM, unix.IPPROTO_UDP
	} else if t != Stream {
		return nil, fmt.Errorf("unknown socket type %d", t)
	}

	syscall.ForkLock.RLock()
	fd, err := unix.Socket(af, st, proto)
	if err == nil {
		unix.CloseOnExec(fd)
	}
	syscall.ForkLock.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("unable to open socket: %w", err)
	}

	if err = unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("unable to set O_NONBLOCK: %w", err)
	}

	s := &PosixSocket{sysFd: fd, typ: t, isV4: d != Inet6, l: l, ConnectTimeout: 5 * time.Second}
	if t == Stream {
		s.setNoDelay()
	} else {
		if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			l.WithError(err).WithField("fd", fd).Warn("Failed to set SO_REUSEADDR")
		}
		if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			l.WithError(err).WithField("fd", fd).Warn("Failed to set SO_REUSEPORT")
		}
	}

	return s, nil
}

func (s *PosixSocket) setNoDelay() {
	if err := unix.SetsockoptInt(s.sysFd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		s.l.WithError(err).WithField("fd", s.sysFd).Warn("Failed to set TCP_NODELAY")
	}
}

func (s *PosixSocket) Fd() int {
	return s.sysFd
}

func (s *PosixSocket) Type() SocketType {
	return s.typ
}

func (s *PosixSocket) Connected() bool {
	return s.connected
}

func (s *PosixSocket) Bind(addr netip.AddrPort) error {
	sa, err := s.sockaddr(addr)
	if err != nil {
		return fmt.Errorf("unable to bind to %s: %w", addr, err)
	}
	if err := unix.Bind(s.sysFd, sa); err != nil {
		return fmt.Errorf("unable to bind to %s: %w", addr, err)
	}
	return nil
}

func (s *PosixSocket) Listen(backlog int) error {
	if s.typ != Stream {
		return ErrNotSupported
	}
	if err := unix.Listen(s.sysFd, backlog); err != nil {
		return fmt.Errorf("unable to listen: %w", err)
	}
	return nil
}

func (s *PosixSocket) Accept() (Socket, netip.AddrPort, error) {
	if s.typ != Stream {
		return nil, netip.AddrPort{}, ErrNotSupported
	}

	nfd, sa, err := unix.Accept4(s.sysFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if isWouldBlock(err) {
			return nil, netip.AddrPort{}, ErrWouldBlock
		}
		return nil, netip.AddrPort{}, err
	}

	ns := &PosixSocket{
		sysFd:          nfd,
		typ:            Stream,
		isV4:           s.isV4,
		connected:      true,
		l:              s.l,
		ConnectTimeout: s.ConnectTimeout,
	}
	ns.setNoDelay()
	return ns, fromSockaddr(sa), nil
}

// Connect associates the socket with addr. A stream connect waits for the handshake to finish, up to ConnectTimeout.
func (s *PosixSocket) Connect(addr netip.AddrPort) error {
	sa, err := s.sockaddr(addr)
	if err == nil {
		err = unix.Connect(s.sysFd, sa)
	}
	if err == unix.EINPROGRESS {
		err = s.waitConnect()
	}
	if err != nil {
		return fmt.Errorf("unable to connect to %s: %w", addr, err)
	}

	s.connected = true
	return nil
}

func (s *PosixSocket) waitConnect() error {
	deadline := time.Now().Add(s.ConnectTimeout)
	fds := []unix.PollFd{{Fd: int32(s.sysFd), Events: unix.POLLOUT}}
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return unix.ETIMEDOUT
		}

		n, err := unix.Poll(fds, int(remaining/time.Millisecond)+1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if n > 0 {
			break
		}
	}

	soErr, err := unix.GetsockoptInt(s.sysFd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if soErr != 0 {
		return unix.Errno(soErr)
	}
	return nil
}

func (s *PosixSocket) LocalAddr() (netip.AddrPort, error) {
	sa, err := unix.Getsockname(s.sysFd)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return fromSockaddr(sa), nil
}

func (s *PosixSocket) Recv(b []byte) (int, netip.AddrPort, error) {
	if s.typ == Datagram {
		// MSG_TRUNC makes the kernel report the real datagram length so truncation can be detected
		n, sa, err := unix.Recvfrom(s.sysFd, b, unix.MSG_TRUNC)
		if err != nil {
			if isWouldBlock(err) {
				return 0, netip.AddrPort{}, ErrWouldBlock
			}
			return 0, netip.AddrPort{}, err
		}
		return n, fromSockaddr(sa), nil
	}

	n, err := unix.Read(s.sysFd, b)
	if err != nil {
		if isWouldBlock(err) {
			return 0, netip.AddrPort{}, ErrWouldBlock
		}
		return 0, netip.AddrPort{}, err
	}
	if n == 0 && len(b) > 0 {
		return 0, netip.AddrPort{}, ErrClosed
	}
	return n, netip.AddrPort{}, nil
}

func (s *PosixSocket) Sendv(bufs [][]byte) (int, error) {
	n, err := unix.Writev(s.sysFd, bufs)
	if err != nil {
		if isWouldBlock(err) {
			return 0, ErrWouldBlock
		}
		return 0, err
	}
	return n, nil
}

func (s *PosixSocket) Close() error {
	return unix.Close(s.sysFd)
}

func (s *PosixSocket) sockaddr(addr netip.AddrPort) (unix.Sockaddr, error) {
	if !addr.IsValid() {
		return nil, unix.EDESTADDRREQ
	}
	if s.isV4 {
		ip := addr.Addr().Unmap()
		if !ip.Is4() {
			return nil, ErrInvalidIPv6RemoteForSocket
		}
		return &unix.SockaddrInet4{Port: int(addr.Port()), Addr: ip.As4()}, nil
	}
	return &unix.SockaddrInet6{Port: int(addr.Port()), Addr: addr.Addr().As16()}, nil
}

func fromSockaddr(sa unix.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr), uint16(sa.Port))
	}
	return netip.AddrPort{}
}

func isWouldBlock(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK
}

// PosixFile is a regular file or device opened in non-blocking mode. Reading at the end of the file reports no
// progress rather than an error so a later append can still satisfy the read.
type PosixFile struct {
	sysFd int
	name  string
}

func OpenFile(name string, flags int, perm os.FileMode) (*PosixFile, error) {
	fd, err := unix.Open(name, flags|unix.O_NONBLOCK|unix.O_CLOEXEC, uint32(perm.Perm()))
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: name, Err: err}
	}
	return &PosixFile{sysFd: fd, name: name}, nil
}

func (f *PosixFile) Name() string {
	return f.name
}

func (f *PosixFile) Recv(b []byte) (int, netip.AddrPort, error) {
	n, err := unix.Read(f.sysFd, b)
	if err != nil {
		if isWouldBlock(err) {
			return 0, netip.AddrPort{}, ErrWouldBlock
		}
		return 0, netip.AddrPort{}, err
	}
	return n, netip.AddrPort{}, nil
}

func (f *PosixFile) Sendv(bufs [][]byte) (int, error) {
	n, err := unix.Writev(f.sysFd, bufs)
	if err != nil {
		if isWouldBlock(err) {
			return 0, ErrWouldBlock
		}
		return 0, err
	}
	return n, nil
}

func (f *PosixFile) Close() error {
	return unix.Close(f.sysFd)
}
