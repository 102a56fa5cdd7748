package transport

import (
	"net/netip"
	"sync"
)

// Tester is a scripted Socket. Tests feed it bytes and datagrams, cap how much each call may move and inject errors,
// which makes it possible to walk the queue engine through exact partial read and partial write sequences.
type Tester struct {
	mu  sync.Mutex
	typ SocketType

	rx        []byte
	datagrams []datagram
	rxChunk   int
	rxErr     error
	rxEOF     bool

	tx      []byte
	txLimit int
	txErr   error

	blocking bool

	local     netip.AddrPort
	peer      netip.AddrPort
	connected bool
	connErr   error
	listening bool
	accepts   []datagram
	acceptQ   []Socket
	closed    bool

	recvCalls int
	sendCalls int
}

func NewTester(t SocketType) *Tester {
	return &Tester{typ: t}
}

// Feed appends bytes for stream receives to return.
func (t *Tester) Feed(b []byte) {
	t.mu.Lock()
	t.rx = append(t.rx, b...)
	t.mu.Unlock()
}

// FeedDatagram queues one datagram from the provided source.
func (t *Tester) FeedDatagram(from netip.AddrPort, b []byte) {
	t.mu.Lock()
	t.datagrams = append(t.datagrams, datagram{from: from, data: append([]byte(nil), b...)})
	t.mu.Unlock()
}

// SetRecvChunk caps every stream receive to n bytes, 0 removes the cap.
func (t *Tester) SetRecvChunk(n int) {
	t.mu.Lock()
	t.rxChunk = n
	t.mu.Unlock()
}

// FailRecv makes receives return err once every fed byte has been consumed.
func (t *Tester) FailRecv(err error) {
	t.mu.Lock()
	t.rxErr = err
	t.mu.Unlock()
}

// CloseRx makes stream receives report ErrClosed once every fed byte has been consumed.
func (t *Tester) CloseRx() {
	t.mu.Lock()
	t.rxEOF = true
	t.mu.Unlock()
}

// SetSendLimit caps how many bytes a single Sendv accepts, 0 removes the cap.
func (t *Tester) SetSendLimit(n int) {
	t.mu.Lock()
	t.txLimit = n
	t.mu.Unlock()
}

func (t *Tester) FailSend(err error) {
	t.mu.Lock()
	t.txErr = err
	t.mu.Unlock()
}

// FailConnect makes the next Connect calls return err.
func (t *Tester) FailConnect(err error) {
	t.mu.Lock()
	t.connErr = err
	t.mu.Unlock()
}

// SetBlocking makes every receive, send and accept report ErrWouldBlock while true.
func (t *Tester) SetBlocking(b bool) {
	t.mu.Lock()
	t.blocking = b
	t.mu.Unlock()
}

// QueueAccept makes the next Accept return s.
func (t *Tester) QueueAccept(s Socket, from netip.AddrPort) {
	t.mu.Lock()
	t.acceptQ = append(t.acceptQ, s)
	t.accepts = append(t.accepts, datagram{from: from})
	t.mu.Unlock()
}

// Sent returns a copy of every byte accepted by Sendv so far.
func (t *Tester) Sent() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte(nil), t.tx...)
}

func (t *Tester) Peer() netip.AddrPort {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peer
}

func (t *Tester) RecvCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.recvCalls
}

func (t *Tester) SendCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sendCalls
}

func (t *Tester) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Tester) Recv(b []byte) (int, netip.AddrPort, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recvCalls++
	if t.blocking {
		return 0, netip.AddrPort{}, ErrWouldBlock
	}

	if t.typ == Datagram {
		if len(t.datagrams) == 0 {
			if t.rxErr != nil {
				return 0, netip.AddrPort{}, t.rxErr
			}
			return 0, netip.AddrPort{}, ErrWouldBlock
		}
		d := t.datagrams[0]
		t.datagrams = t.datagrams[1:]
		copy(b, d.data)
		return len(d.data), d.from, nil
	}

	if len(t.rx) == 0 {
		if t.rxErr != nil {
			return 0, netip.AddrPort{}, t.rxErr
		}
		if t.rxEOF {
			return 0, netip.AddrPort{}, ErrClosed
		}
		return 0, netip.AddrPort{}, ErrWouldBlock
	}

	want := len(b)
	if t.rxChunk > 0 && want > t.rxChunk {
		want = t.rxChunk
	}
	n := copy(b[:want], t.rx)
	t.rx = t.rx[n:]
	return n, t.peer, nil
}

func (t *Tester) Sendv(bufs [][]byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sendCalls++
	if t.blocking {
		return 0, ErrWouldBlock
	}
	if t.txErr != nil {
		return 0, t.txErr
	}

	n := 0
	for _, b := range bufs {
		if t.txLimit > 0 && n+len(b) > t.txLimit {
			b = b[:t.txLimit-n]
		}
		t.tx = append(t.tx, b...)
		n += len(b)
		if t.txLimit > 0 && n == t.txLimit {
			break
		}
	}
	return n, nil
}

func (t *Tester) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func (t *Tester) Type() SocketType {
	return t.typ
}

func (t *Tester) Bind(addr netip.AddrPort) error {
	t.mu.Lock()
	t.local = addr
	t.mu.Unlock()
	return nil
}

func (t *Tester) Listen(_ int) error {
	t.mu.Lock()
	t.listening = true
	t.mu.Unlock()
	return nil
}

func (t *Tester) Accept() (Socket, netip.AddrPort, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.blocking || len(t.acceptQ) == 0 {
		return nil, netip.AddrPort{}, ErrWouldBlock
	}
	s, from := t.acceptQ[0], t.accepts[0].from
	t.acceptQ, t.accepts = t.acceptQ[1:], t.accepts[1:]
	return s, from, nil
}

func (t *Tester) Connect(addr netip.AddrPort) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connErr != nil {
		return t.connErr
	}
	t.peer = addr
	t.connected = true
	return nil
}

func (t *Tester) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *Tester) LocalAddr() (netip.AddrPort, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.local, nil
}
