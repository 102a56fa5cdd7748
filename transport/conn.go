package transport

import (
	"errors"
	"net/netip"
)

var (
	// ErrWouldBlock means no progress is possible right now and the call should be retried later. It is not a failure.
	ErrWouldBlock = errors.New("operation would block")
	// ErrClosed is returned by stream receives once the peer has shut the connection down.
	ErrClosed        = errors.New("connection closed by peer")
	ErrNotSupported  = errors.New("operation not supported by transport")
	ErrNotConnected  = errors.New("transport is not connected")
	ErrAddrInUse     = errors.New("address already in use")
	ErrConnRefused   = errors.New("connection refused")
	ErrInvalidSocket = errors.New("socket is in the wrong state for this operation")

	ErrInvalidIPv6RemoteForSocket = errors.New("socket is IPv4, but the remote is IPv6")
)

type SocketType int

const (
	Stream SocketType = iota + 1
	Datagram
)

func (t SocketType) String() string {
	switch t {
	case Stream:
		return "stream"
	case Datagram:
		return "datagram"
	}
	return "unknown"
}

type Domain int

const (
	Inet4 Domain = iota + 1
	Inet6
)

func (d Domain) String() string {
	switch d {
	case Inet4:
		return "inet4"
	case Inet6:
		return "inet6"
	}
	return "unknown"
}

// Conn is a raw byte mover. None of its methods may block.
type Conn interface {
	// Recv reads into b. ErrWouldBlock is returned when nothing is available. Datagram transports return one whole
	// datagram per call along with its source, the returned length exceeds len(b) if the datagram was truncated.
	// A return of (0, nil) means no progress was made.
	Recv(b []byte) (int, netip.AddrPort, error)

	// Sendv writes the segments in order using a single vectored write and returns how many bytes were accepted.
	Sendv(bufs [][]byte) (int, error)

	Close() error
}

// Socket is a network Conn along with its connection setup primitives.
type Socket interface {
	Conn
	Type() SocketType
	Bind(addr netip.AddrPort) error
	Listen(backlog int) error
	// Accept returns a connected, non-blocking socket or ErrWouldBlock.
	Accept() (Socket, netip.AddrPort, error)
	Connect(addr netip.AddrPort) error
	Connected() bool
	LocalAddr() (netip.AddrPort, error)
}

type NoopConn struct{}

func (NoopConn) Recv(_ []byte) (int, netip.AddrPort, error) {
	return 0, netip.AddrPort{}, ErrWouldBlock
}
func (NoopConn) Sendv(bufs [][]byte) (int, error) {
	n := 0
	for _, b := range bufs {
		n += len(b)
	}
	return n, nil
}
func (NoopConn) Close() error {
	return nil
}
