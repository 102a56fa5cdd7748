package qio

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"sync"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/qio/config"
	"github.com/slackhq/qio/sga"
	"github.com/slackhq/qio/transport"
)

const DefaultListenBacklog = 128

// Dispatcher maps queue descriptors to their engines and routes every call to the right one.
type Dispatcher struct {
	l *logrus.Logger

	mu       sync.RWMutex
	cfg      queueConfig
	backlog  int
	backends map[string]Backend
	queues   map[QD]*Queue
	lastQD   QD
	open     metrics.Gauge
}

func NewDispatcher(l *logrus.Logger, c *config.C) *Dispatcher {
	return &Dispatcher{
		l:        l,
		cfg:      newQueueConfig(c),
		backlog:  c.GetInt("posix.listen_backlog", DefaultListenBacklog),
		backends: make(map[string]Backend),
		queues:   make(map[QD]*Queue),
		open:     metrics.GetOrRegisterGauge("qio.queues.open", nil),
	}
}

// reload picks up new queue settings, they apply to queues opened after the reload
func (d *Dispatcher) reload(c *config.C) {
	if !c.HasChanged("queue") && !c.HasChanged("posix.listen_backlog") {
		return
	}

	d.mu.Lock()
	d.cfg = newQueueConfig(c)
	d.backlog = c.GetInt("posix.listen_backlog", DefaultListenBacklog)
	d.mu.Unlock()
	d.l.Info("Queue settings reloaded, they apply to new queues")
}

func (d *Dispatcher) RegisterBackend(b Backend) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.backends[b.Name()]; ok {
		return fmt.Errorf("%s: %w", b.Name(), ErrAlreadyRegistered)
	}
	d.backends[b.Name()] = b
	return nil
}

// Backend returns the registered backend by name, initialized or not.
func (d *Dispatcher) Backend(name string) (Backend, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	b, ok := d.backends[name]
	return b, ok
}

func (d *Dispatcher) backend(name string) (Backend, error) {
	d.mu.RLock()
	b, ok := d.backends[name]
	d.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrUnknownBackend)
	}
	if !b.Initialized() {
		return nil, fmt.Errorf("%s: %w", name, ErrNotInitialized)
	}
	return b, nil
}

// Socket opens a network queue.
func (d *Dispatcher) Socket(backend string, dom transport.Domain, typ transport.SocketType) (QD, error) {
	b, err := d.backend(backend)
	if err != nil {
		return 0, err
	}

	s, err := b.Socket(dom, typ)
	if err != nil {
		return 0, err
	}
	return d.attachOrClose(b, s)
}

// Open opens a file queue. Pops read frames from the file and pushes append frames to it.
func (d *Dispatcher) Open(backend string, path string, flags int, perm os.FileMode) (QD, error) {
	b, err := d.backend(backend)
	if err != nil {
		return 0, err
	}

	f, err := b.Open(path, flags, perm)
	if err != nil {
		return 0, err
	}
	return d.attachOrClose(b, f)
}

// Attach wraps a transport created outside of the dispatcher in a queue. A transport.Socket becomes a network queue,
// anything else a file queue. The queue owns conn from now on.
func (d *Dispatcher) Attach(backend string, conn transport.Conn) (QD, error) {
	b, err := d.backend(backend)
	if err != nil {
		return 0, err
	}
	return d.attach(b, conn)
}

func (d *Dispatcher) attachOrClose(b Backend, conn transport.Conn) (QD, error) {
	qd, err := d.attach(b, conn)
	if err != nil {
		conn.Close()
		return 0, err
	}
	return qd, nil
}

func (d *Dispatcher) attach(b Backend, conn transport.Conn) (QD, error) {
	d.mu.Lock()
	if d.lastQD == maxQD {
		d.mu.Unlock()
		return 0, ErrTooManyQueues
	}

	d.lastQD++
	q := newQueue(d.l, d.lastQD, b, conn, d.cfg)
	q.adopt = func(b Backend, s transport.Socket) (QD, error) {
		return d.attach(b, s)
	}
	d.queues[q.qd] = q
	d.open.Update(int64(len(d.queues)))
	d.mu.Unlock()

	d.l.WithField("qd", q.qd).
		WithField("backend", b.Name()).
		WithField("category", q.category).
		Debug("Queue opened")

	return q.qd, nil
}

func (d *Dispatcher) queue(qd QD) (*Queue, error) {
	d.mu.RLock()
	q, ok := d.queues[qd]
	d.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%d: %w", qd, ErrUnknownQueue)
	}
	if !q.backend.Initialized() {
		return nil, fmt.Errorf("%s: %w", q.backend.Name(), ErrNotInitialized)
	}
	return q, nil
}

// tokenQueue finds the queue a token was issued by. Closing a queue releases its tokens so a missing queue means an
// unknown token.
func (d *Dispatcher) tokenQueue(t Token) (*Queue, error) {
	d.mu.RLock()
	q, ok := d.queues[t.QD()]
	d.mu.RUnlock()

	if !ok {
		return nil, ErrUnknownToken
	}
	if !q.backend.Initialized() {
		return nil, fmt.Errorf("%s: %w", q.backend.Name(), ErrNotInitialized)
	}
	return q, nil
}

func (d *Dispatcher) Bind(qd QD, addr netip.AddrPort) error {
	q, err := d.queue(qd)
	if err != nil {
		return err
	}
	return q.setup(func(s transport.Socket) error {
		return s.Bind(addr)
	})
}

// Listen marks a stream queue as passive. A backlog <= 0 uses posix.listen_backlog.
func (d *Dispatcher) Listen(qd QD, backlog int) error {
	q, err := d.queue(qd)
	if err != nil {
		return err
	}

	if backlog <= 0 {
		d.mu.RLock()
		backlog = d.backlog
		d.mu.RUnlock()
	}

	return q.setup(func(s transport.Socket) error {
		return s.Listen(backlog)
	})
}

func (d *Dispatcher) Connect(qd QD, addr netip.AddrPort) error {
	q, err := d.queue(qd)
	if err != nil {
		return err
	}
	return q.setup(func(s transport.Socket) error {
		return s.Connect(addr)
	})
}

func (d *Dispatcher) LocalAddr(qd QD) (netip.AddrPort, error) {
	q, err := d.queue(qd)
	if err != nil {
		return netip.AddrPort{}, err
	}

	var addr netip.AddrPort
	err = q.setup(func(s transport.Socket) error {
		addr, err = s.LocalAddr()
		return err
	})
	return addr, err
}

func (d *Dispatcher) Accept(qd QD) (Token, error) {
	q, err := d.queue(qd)
	if err != nil {
		return 0, err
	}
	return q.Accept()
}

func (d *Dispatcher) Push(qd QD, s *sga.SGA) (Token, error) {
	q, err := d.queue(qd)
	if err != nil {
		return 0, err
	}
	return q.Push(s)
}

func (d *Dispatcher) Pop(qd QD) (Token, error) {
	q, err := d.queue(qd)
	if err != nil {
		return 0, err
	}
	return q.Pop()
}

func (d *Dispatcher) Peek(qd QD) (QResult, bool, error) {
	q, err := d.queue(qd)
	if err != nil {
		return QResult{}, false, err
	}
	return q.Peek()
}

func (d *Dispatcher) Poll(t Token) (QResult, bool, error) {
	q, err := d.tokenQueue(t)
	if err != nil {
		return QResult{}, false, err
	}
	return q.Poll(t)
}

func (d *Dispatcher) Wait(ctx context.Context, t Token) (QResult, error) {
	q, err := d.tokenQueue(t)
	if err != nil {
		return QResult{}, err
	}
	return q.Wait(ctx, t)
}

// WaitAny drives every queue involved until one of the tokens is done and returns its index along with the result.
// The other tokens stay pending. An index of -1 is returned when ctx ends first or a backend involved is shut down.
func (d *Dispatcher) WaitAny(ctx context.Context, tokens []Token) (int, QResult, error) {
	if len(tokens) == 0 {
		return -1, QResult{}, errors.New("no tokens to wait on")
	}

	qs := make([]*Queue, len(tokens))
	var distinct []*Queue
	seen := make(map[*Queue]bool)
	for i, t := range tokens {
		q, err := d.tokenQueue(t)
		if err != nil {
			return i, QResult{}, err
		}
		qs[i] = q
		if !seen[q] {
			seen[q] = true
			distinct = append(distinct, q)
		}
	}

	d.mu.RLock()
	cfg := d.cfg
	d.mu.RUnlock()

	idle := 0
	for {
		for i, t := range tokens {
			res, done, err := qs[i].Poll(t)
			if err != nil || done {
				return i, res, err
			}
		}

		progressed := 0
		for _, q := range distinct {
			if err := q.waitable(ctx); err != nil {
				return -1, QResult{}, err
			}
			progressed += q.Drive(cfg.driveBatch)
		}
		if progressed > 0 {
			idle = 0
			continue
		}
		idle = backoff(cfg, idle)
	}
}

// Drive gives every open queue a chance to make progress on up to max operations.
func (d *Dispatcher) Drive(max int) int {
	d.mu.RLock()
	qs := make([]*Queue, 0, len(d.queues))
	for _, q := range d.queues {
		qs = append(qs, q)
	}
	d.mu.RUnlock()

	progressed := 0
	for _, q := range qs {
		progressed += q.Drive(max)
	}
	return progressed
}

// Pending returns the number of operation records held by a queue.
func (d *Dispatcher) Pending(qd QD) (int, error) {
	q, err := d.queue(qd)
	if err != nil {
		return 0, err
	}
	return q.Pending(), nil
}

// Close closes the transport behind qd and releases every record of the queue. The descriptor is never handed out
// again.
func (d *Dispatcher) Close(qd QD) error {
	d.mu.Lock()
	q, ok := d.queues[qd]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("%d: %w", qd, ErrUnknownQueue)
	}
	delete(d.queues, qd)
	d.open.Update(int64(len(d.queues)))
	d.mu.Unlock()

	d.l.WithField("qd", qd).Debug("Queue closed")
	return q.close()
}

// Shutdown closes every open queue.
func (d *Dispatcher) Shutdown() error {
	d.mu.Lock()
	qs := d.queues
	d.queues = make(map[QD]*Queue)
	d.open.Update(0)
	d.mu.Unlock()

	var errs []error
	for qd, q := range qs {
		if err := q.close(); err != nil {
			errs = append(errs, fmt.Errorf("qd %d: %w", qd, err))
		}
	}
	return errors.Join(errs...)
}
