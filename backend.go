package qio

import (
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/qio/config"
	"github.com/slackhq/qio/transport"
)

const (
	PosixBackendName    = "posix"
	LoopbackBackendName = "loopback"
)

// Backend creates the transports a Dispatcher wraps in queues.
type Backend interface {
	Name() string
	// Initialized reports if the process wide setup for the backend has happened, queues can not be used without it.
	Initialized() bool
	Socket(d transport.Domain, t transport.SocketType) (transport.Socket, error)
	Open(path string, flags int, perm os.FileMode) (transport.Conn, error)
}

// PosixBackend hands out kernel sockets and files in non-blocking mode. It needs no setup.
type PosixBackend struct {
	l              *logrus.Logger
	connectTimeout time.Duration
}

func NewPosixBackend(l *logrus.Logger, c *config.C) *PosixBackend {
	return &PosixBackend{
		l:              l,
		connectTimeout: c.GetDuration("posix.connect_timeout", 5*time.Second),
	}
}

func (b *PosixBackend) Name() string {
	return PosixBackendName
}

func (b *PosixBackend) Initialized() bool {
	return true
}

func (b *PosixBackend) Socket(d transport.Domain, t transport.SocketType) (transport.Socket, error) {
	s, err := transport.NewSocket(b.l, d, t)
	if err != nil {
		return nil, err
	}
	s.ConnectTimeout = b.connectTimeout
	return s, nil
}

func (b *PosixBackend) Open(path string, flags int, perm os.FileMode) (transport.Conn, error) {
	f, err := transport.OpenFile(path, flags, perm)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// LoopbackBackend serves queues from an in-process user space stack. Like a kernel bypass runtime it must be
// initialized once per process before any queue can be opened on it.
type LoopbackBackend struct {
	l *logrus.Logger

	mu    sync.RWMutex
	stack *transport.Loopback
}

func NewLoopbackBackend(l *logrus.Logger) *LoopbackBackend {
	return &LoopbackBackend{l: l}
}

// Init brings up the stack using loopback.ring_size. Calling it again on a running stack does nothing.
func (b *LoopbackBackend) Init(c *config.C) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stack != nil {
		return
	}

	b.stack = transport.NewLoopback(b.l, c.GetByteSize("loopback.ring_size", transport.DefaultLoopbackRingSize))
	b.l.WithField("ringSize", b.stack.RingSize()).Info("Loopback stack initialized")
}

// Shutdown tears the stack down, queues already open on it fail with ErrNotInitialized from now on.
func (b *LoopbackBackend) Shutdown() {
	b.mu.Lock()
	b.stack = nil
	b.mu.Unlock()
}

func (b *LoopbackBackend) Name() string {
	return LoopbackBackendName
}

func (b *LoopbackBackend) Initialized() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.stack != nil
}

func (b *LoopbackBackend) getStack() (*transport.Loopback, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.stack == nil {
		return nil, ErrNotInitialized
	}
	return b.stack, nil
}

func (b *LoopbackBackend) Socket(_ transport.Domain, t transport.SocketType) (transport.Socket, error) {
	stack, err := b.getStack()
	if err != nil {
		return nil, err
	}

	s, err := stack.NewSocket(t)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (b *LoopbackBackend) Open(path string, flags int, _ os.FileMode) (transport.Conn, error) {
	stack, err := b.getStack()
	if err != nil {
		return nil, err
	}

	f, err := stack.OpenFile(path, flags)
	if err != nil {
		return nil, err
	}
	return f, nil
}
