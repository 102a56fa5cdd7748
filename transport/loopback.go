package transport

import (
	"fmt"
	"net/netip"
	"sync"

	"github.com/sirupsen/logrus"
)

const (
	DefaultLoopbackRingSize = 64 * 1024
	loopbackMaxDatagrams    = 256
	loopbackFirstEphemeral  = 49152
)

// Loopback is an in-process user space network stack. Sockets created from it never enter the kernel, bytes move
// between bounded rings owned by the stack. A stream writer sees partial writes and ErrWouldBlock when the peer ring
// is full, which makes it a faithful stand in for a kernel bypass stack in tests and single process deployments.
type Loopback struct {
	l        *logrus.Logger
	ringSize int

	mu        sync.Mutex
	bound     map[netip.AddrPort]*LoopbackSocket
	ephemeral uint16
	files     map[string]*memFileData
}

func NewLoopback(l *logrus.Logger, ringSize int) *Loopback {
	if ringSize <= 0 {
		ringSize = DefaultLoopbackRingSize
	}
	return &Loopback{
		l:         l,
		ringSize:  ringSize,
		bound:     make(map[netip.AddrPort]*LoopbackSocket),
		ephemeral: loopbackFirstEphemeral,
		files:     make(map[string]*memFileData),
	}
}

func (lb *Loopback) RingSize() int {
	return lb.ringSize
}

// NewSocket creates an unbound socket on the stack.
func (lb *Loopback) NewSocket(t SocketType) (*LoopbackSocket, error) {
	if t != Stream && t != Datagram {
		return nil, fmt.Errorf("unknown socket type %d", t)
	}
	return &LoopbackSocket{stack: lb, typ: t}, nil
}

// must hold lb.mu
func (lb *Loopback) bindLocked(s *LoopbackSocket, addr netip.AddrPort) error {
	if addr.Port() == 0 {
		for i := 0; i < 65536-loopbackFirstEphemeral; i++ {
			p := lb.ephemeral
			lb.ephemeral++
			if lb.ephemeral == 0 {
				lb.ephemeral = loopbackFirstEphemeral
			}
			candidate := netip.AddrPortFrom(addr.Addr(), p)
			if _, ok := lb.bound[candidate]; !ok {
				addr = candidate
				break
			}
		}
		if addr.Port() == 0 {
			return ErrAddrInUse
		}
	}

	if _, ok := lb.bound[addr]; ok {
		return ErrAddrInUse
	}
	lb.bound[addr] = s
	s.local = addr
	return nil
}

// byteRing is a bounded single producer, single consumer byte queue. The owning stack lock guards it.
type byteRing struct {
	buf    []byte
	r, n   int
	closed bool
}

func newByteRing(size int) *byteRing {
	return &byteRing{buf: make([]byte, size)}
}

func (r *byteRing) free() int {
	return len(r.buf) - r.n
}

func (r *byteRing) write(p []byte) int {
	total := 0
	for len(p) > 0 && r.free() > 0 {
		w := (r.r + r.n) % len(r.buf)
		end := len(r.buf)
		if w < r.r {
			end = r.r
		}
		c := copy(r.buf[w:end], p)
		r.n += c
		p = p[c:]
		total += c
	}
	return total
}

func (r *byteRing) read(p []byte) int {
	total := 0
	for len(p) > 0 && r.n > 0 {
		end := r.r + r.n
		if end > len(r.buf) {
			end = len(r.buf)
		}
		c := copy(p, r.buf[r.r:end])
		r.r = (r.r + c) % len(r.buf)
		r.n -= c
		p = p[c:]
		total += c
	}
	return total
}

type datagram struct {
	from netip.AddrPort
	data []byte
}

// LoopbackSocket is a socket on a Loopback stack.
type LoopbackSocket struct {
	stack *Loopback
	typ   SocketType

	local     netip.AddrPort
	peer      netip.AddrPort
	listening bool
	connected bool
	closed    bool

	// stream state
	rx      *byteRing
	tx      *byteRing
	backlog []*LoopbackSocket
	maxBL   int

	// datagram state
	inbox []datagram
}

func (s *LoopbackSocket) Type() SocketType {
	return s.typ
}

func (s *LoopbackSocket) Connected() bool {
	s.stack.mu.Lock()
	defer s.stack.mu.Unlock()
	return s.connected
}

func (s *LoopbackSocket) Bind(addr netip.AddrPort) error {
	s.stack.mu.Lock()
	defer s.stack.mu.Unlock()
	if s.local.IsValid() || s.closed {
		return ErrInvalidSocket
	}
	return s.stack.bindLocked(s, addr)
}

func (s *LoopbackSocket) Listen(backlog int) error {
	if s.typ != Stream {
		return ErrNotSupported
	}
	s.stack.mu.Lock()
	defer s.stack.mu.Unlock()
	if !s.local.IsValid() || s.connected {
		return ErrInvalidSocket
	}
	if backlog <= 0 {
		backlog = 1
	}
	s.listening = true
	s.maxBL = backlog
	return nil
}

func (s *LoopbackSocket) Accept() (Socket, netip.AddrPort, error) {
	s.stack.mu.Lock()
	defer s.stack.mu.Unlock()
	if !s.listening {
		return nil, netip.AddrPort{}, ErrInvalidSocket
	}
	if len(s.backlog) == 0 {
		return nil, netip.AddrPort{}, ErrWouldBlock
	}
	ns := s.backlog[0]
	s.backlog[0] = nil
	s.backlog = s.backlog[1:]
	return ns, ns.peer, nil
}

func (s *LoopbackSocket) Connect(addr netip.AddrPort) error {
	if !addr.IsValid() {
		return ErrNotConnected
	}

	s.stack.mu.Lock()
	defer s.stack.mu.Unlock()
	if s.closed || s.listening {
		return ErrInvalidSocket
	}
	if !s.local.IsValid() {
		if err := s.stack.bindLocked(s, netip.AddrPortFrom(addr.Addr(), 0)); err != nil {
			return err
		}
	}

	if s.typ == Datagram {
		s.peer = addr
		s.connected = true
		return nil
	}

	if s.connected {
		return ErrInvalidSocket
	}

	ln, ok := s.stack.bound[addr]
	if !ok || !ln.listening || ln.typ != Stream || len(ln.backlog) >= ln.maxBL {
		return ErrConnRefused
	}

	// The accepted end shares the listener's address, it is never registered in the bound table
	a := newByteRing(s.stack.ringSize)
	b := newByteRing(s.stack.ringSize)
	srv := &LoopbackSocket{stack: s.stack, typ: Stream, local: addr, peer: s.local, connected: true, rx: a, tx: b}
	s.rx, s.tx = b, a
	s.peer = addr
	s.connected = true
	ln.backlog = append(ln.backlog, srv)
	return nil
}

func (s *LoopbackSocket) LocalAddr() (netip.AddrPort, error) {
	s.stack.mu.Lock()
	defer s.stack.mu.Unlock()
	return s.local, nil
}

func (s *LoopbackSocket) Recv(b []byte) (int, netip.AddrPort, error) {
	s.stack.mu.Lock()
	defer s.stack.mu.Unlock()
	if s.closed {
		return 0, netip.AddrPort{}, ErrInvalidSocket
	}

	if s.typ == Datagram {
		if len(s.inbox) == 0 {
			return 0, netip.AddrPort{}, ErrWouldBlock
		}
		d := s.inbox[0]
		s.inbox[0] = datagram{}
		s.inbox = s.inbox[1:]
		copy(b, d.data)
		return len(d.data), d.from, nil
	}

	if !s.connected {
		return 0, netip.AddrPort{}, ErrNotConnected
	}
	if len(b) == 0 {
		return 0, s.peer, nil
	}
	n := s.rx.read(b)
	if n == 0 {
		if s.rx.closed {
			return 0, netip.AddrPort{}, ErrClosed
		}
		return 0, netip.AddrPort{}, ErrWouldBlock
	}
	return n, s.peer, nil
}

func (s *LoopbackSocket) Sendv(bufs [][]byte) (int, error) {
	s.stack.mu.Lock()
	defer s.stack.mu.Unlock()
	if s.closed {
		return 0, ErrInvalidSocket
	}
	if !s.connected {
		return 0, ErrNotConnected
	}

	if s.typ == Datagram {
		size := 0
		for _, b := range bufs {
			size += len(b)
		}
		dst, ok := s.stack.bound[s.peer]
		if !ok || dst.typ != Datagram || dst.closed {
			// Nobody is listening, the datagram is dropped on the floor like a real network would
			return size, nil
		}
		if len(dst.inbox) >= loopbackMaxDatagrams {
			return 0, ErrWouldBlock
		}
		data := make([]byte, 0, size)
		for _, b := range bufs {
			data = append(data, b...)
		}
		dst.inbox = append(dst.inbox, datagram{from: s.local, data: data})
		return size, nil
	}

	if s.tx.closed {
		return 0, ErrClosed
	}
	n := 0
	for _, b := range bufs {
		w := s.tx.write(b)
		n += w
		if w < len(b) {
			break
		}
	}
	if n == 0 && s.tx.free() == 0 {
		return 0, ErrWouldBlock
	}
	return n, nil
}

func (s *LoopbackSocket) Close() error {
	s.stack.mu.Lock()
	defer s.stack.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	if s.stack.bound[s.local] == s {
		delete(s.stack.bound, s.local)
	}
	// Closing one end makes the other side see ErrClosed once the data in flight has been drained
	if s.rx != nil {
		s.rx.closed = true
	}
	if s.tx != nil {
		s.tx.closed = true
	}
	for _, pending := range s.backlog {
		pending.rx.closed = true
		pending.tx.closed = true
	}
	s.backlog = nil
	s.inbox = nil
	return nil
}
