//go:build !linux

package transport

import (
	"fmt"
	"net/netip"
	"os"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"
)

// PosixSocket is only implemented on linux, the loopback stack is available everywhere.
type PosixSocket struct {
	NoopConn
	ConnectTimeout time.Duration
}

func NewSocket(_ *logrus.Logger, _ Domain, _ SocketType) (*PosixSocket, error) {
	return nil, fmt.Errorf("posix sockets on %s: %w", runtime.GOOS, ErrNotSupported)
}

func (*PosixSocket) Type() SocketType                        { return Stream }
func (*PosixSocket) Bind(netip.AddrPort) error               { return ErrNotSupported }
func (*PosixSocket) Listen(int) error                        { return ErrNotSupported }
func (*PosixSocket) Connect(netip.AddrPort) error            { return ErrNotSupported }
func (*PosixSocket) Connected() bool                         { return false }
func (*PosixSocket) LocalAddr() (netip.AddrPort, error)      { return netip.AddrPort{}, ErrNotSupported }
func (*PosixSocket) Accept() (Socket, netip.AddrPort, error) { return nil, netip.AddrPort{}, ErrNotSupported }

type PosixFile struct{ NoopConn }

func OpenFile(name string, _ int, _ os.FileMode) (*PosixFile, error) {
	return nil, &os.PathError{Op: "open", Path: name, Err: ErrNotSupported}
}
