package qio

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/eapache/queue"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/qio/config"
	"github.com/slackhq/qio/frame"
	"github.com/slackhq/qio/sga"
	"github.com/slackhq/qio/transport"
)

type Category uint8

const (
	NetworkQueue Category = iota + 1
	FileQueue
)

func (c Category) String() string {
	switch c {
	case NetworkQueue:
		return "network"
	case FileQueue:
		return "file"
	}
	return "unknown"
}

const (
	DefaultMaxDatagram = 65507
	DefaultMaxFrame    = 64 * 1024 * 1024
	DefaultDriveBatch  = 1
	DefaultSpinLimit   = 64
	DefaultIdleSleep   = 50 * time.Microsecond
)

type queueConfig struct {
	maxDatagram int
	maxFrame    int
	driveBatch  int
	spinLimit   int
	idleSleep   time.Duration
}

func newQueueConfig(c *config.C) queueConfig {
	qc := queueConfig{
		maxDatagram: c.GetByteSize("queue.max_datagram", DefaultMaxDatagram),
		maxFrame:    c.GetByteSize("queue.max_frame", DefaultMaxFrame),
		driveBatch:  c.GetInt("queue.drive_batch", DefaultDriveBatch),
		spinLimit:   c.GetInt("queue.spin_limit", DefaultSpinLimit),
		idleSleep:   c.GetDuration("queue.idle_sleep", DefaultIdleSleep),
	}

	if qc.maxDatagram < frame.HeaderLen {
		qc.maxDatagram = DefaultMaxDatagram
	}
	if qc.maxFrame <= 0 {
		qc.maxFrame = DefaultMaxFrame
	}
	if qc.driveBatch < 1 {
		qc.driveBatch = DefaultDriveBatch
	}
	if qc.spinLimit < 0 {
		qc.spinLimit = 0
	}
	return qc
}

// Queue is the engine behind one queue descriptor. It owns the transport handle, the table of pending operations and
// one work queue per direction holding the tokens still waiting for progress. Every method is safe to call from
// multiple goroutines.
type Queue struct {
	qd       QD
	category Category
	backend  Backend
	conn     transport.Conn
	sock     transport.Socket
	cfg      queueConfig
	l        *logrus.Logger
	metrics  *QueueMetrics

	// adopt registers a freshly accepted connection as a new queue
	adopt func(b Backend, s transport.Socket) (QD, error)

	mu      sync.Mutex
	pending map[Token]*pendingOp
	// tx holds pushes, rx pops and accepts. Only unfinished operations are queued, the head is the one being worked on.
	tx      *queue.Queue
	rx      *queue.Queue
	seq     uint32
	stash   *pendingOp
	pops    int
	closed  bool
}

func newQueue(l *logrus.Logger, qd QD, b Backend, conn transport.Conn, cfg queueConfig) *Queue {
	q := &Queue{
		qd:       qd,
		category: FileQueue,
		backend:  b,
		conn:     conn,
		cfg:      cfg,
		l:        l,
		metrics:  newQueueMetrics(b.Name()),
		pending:  make(map[Token]*pendingOp),
		tx:       queue.New(),
		rx:       queue.New(),
	}

	if s, ok := conn.(transport.Socket); ok {
		q.sock = s
		q.category = NetworkQueue
	}
	return q
}

func (q *Queue) QD() QD {
	return q.qd
}

func (q *Queue) Category() Category {
	return q.category
}

func (q *Queue) datagram() bool {
	return q.sock != nil && q.sock.Type() == transport.Datagram
}

// Pending returns how many operations have a record, done or not. Tokens that are never waited on stay here until
// the queue is closed.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// setup runs a connection setup call against the socket under the queue lock
func (q *Queue) setup(f func(s transport.Socket) error) error {
	if q.sock == nil {
		return ErrWrongCategory
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	return f(q.sock)
}

// Push submits s for sending. The caller must not touch the buffers in s until the token completes, the same SGA is
// handed back in the result.
func (q *Queue) Push(s *sga.SGA) (Token, error) {
	if err := s.Validate(); err != nil {
		return 0, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, ErrQueueClosed
	}

	op := &pendingOp{token: q.nextTokenLocked(true), op: OpPush, sga: s}
	q.submitLocked(op)
	return op.token, nil
}

// Pop submits a receive for the next frame.
func (q *Queue) Pop() (Token, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, ErrQueueClosed
	}

	tok := q.nextTokenLocked(false)
	op := q.stash
	if op != nil {
		// A peek already consumed part of the next frame, the pop carries on from there
		q.stash = nil
		op.token = tok
	} else {
		op = &pendingOp{token: tok, op: OpPop}
	}

	q.pops++
	q.submitLocked(op)
	return tok, nil
}

// Accept submits an asynchronous accept on a listening stream queue. The completed result carries the queue created
// for the new connection in NewQD.
func (q *Queue) Accept() (Token, error) {
	if q.sock == nil || q.sock.Type() != transport.Stream {
		return 0, ErrWrongCategory
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, ErrQueueClosed
	}

	op := &pendingOp{token: q.nextTokenLocked(false), op: OpAccept}
	q.submitLocked(op)
	return op.token, nil
}

// Peek makes a single receive attempt without issuing a token. Bytes consumed by an attempt that does not finish a
// frame are kept for the next Pop.
func (q *Queue) Peek() (QResult, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return QResult{}, false, ErrQueueClosed
	}
	if q.pops > 0 {
		return QResult{}, false, ErrBusy
	}

	op := q.stash
	if op == nil {
		op = &pendingOp{op: OpPop}
	}

	q.stepLocked(op)
	if !op.done {
		if op.n > 0 {
			q.stash = op
		}
		return QResult{QD: q.qd, Op: OpPop}, false, nil
	}

	q.stash = nil
	q.metrics.Settled(OpPop, op.ret)
	q.logFailure(op)
	return op.result(q.qd), true, nil
}

// Poll reports on t without driving any progress. A done result is removed, it is only ever handed out once: a Wait
// or Poll on t after Poll returned it done fails with ErrUnknownToken.
func (q *Queue) Poll(t Token) (QResult, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pollLocked(t)
}

func (q *Queue) pollLocked(t Token) (QResult, bool, error) {
	op, ok := q.pending[t]
	if !ok {
		return QResult{}, false, ErrUnknownToken
	}
	if !op.done {
		return QResult{Token: t, QD: q.qd, Op: op.op}, false, nil
	}

	delete(q.pending, t)
	return op.result(q.qd), true, nil
}

// Wait drives the queue until t is done, ctx ends or the backend is shut down. The record survives a cancelled wait
// and can be waited on again.
func (q *Queue) Wait(ctx context.Context, t Token) (QResult, error) {
	idle := 0
	for {
		q.mu.Lock()
		res, done, err := q.pollLocked(t)
		if err != nil || done {
			q.mu.Unlock()
			return res, err
		}
		if err := q.waitable(ctx); err != nil {
			q.mu.Unlock()
			return QResult{}, err
		}
		progressed := q.driveLocked(q.cfg.driveBatch)
		q.mu.Unlock()

		if progressed > 0 {
			idle = 0
			continue
		}
		idle = backoff(q.cfg, idle)
	}
}

// waitable reports why a waiter has to give up, if it does
func (q *Queue) waitable(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !q.backend.Initialized() {
		return fmt.Errorf("%s: %w", q.backend.Name(), ErrNotInitialized)
	}
	return nil
}

// backoff yields the processor while idle rounds are below the spin limit and sleeps after that
func backoff(cfg queueConfig, idle int) int {
	idle++
	if idle <= cfg.spinLimit {
		runtime.Gosched()
	} else {
		time.Sleep(cfg.idleSleep)
	}
	return idle
}

// Drive attempts progress on outstanding operations until max of them moved bytes or completed, or nothing else can
// move right now. It returns how many made progress.
func (q *Queue) Drive(max int) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.driveLocked(max)
}

// driveLocked steps the head of each direction until max operations made progress or both heads are stuck. Only the
// oldest unfinished operation of a direction is attempted, a later pop must not read into the middle of an earlier
// pop's frame and a later push must not interleave with a half written frame. A blocked pop never holds back a push
// or the reverse.
func (q *Queue) driveLocked(max int) int {
	if q.closed {
		return 0
	}

	var txStuck, rxStuck bool
	progressed := 0
	for progressed < max && !(txStuck && rxStuck) {
		if !rxStuck {
			moved, stuck := q.stepHeadLocked(q.rx)
			rxStuck = stuck
			if moved {
				progressed++
			}
		}

		if !txStuck && progressed < max {
			moved, stuck := q.stepHeadLocked(q.tx)
			txStuck = stuck
			if moved {
				progressed++
			}
		}
	}
	return progressed
}

// stepHeadLocked makes one attempt on the head of work. A finished head leaves the work queue right away. stuck is
// true when work is empty or its head could not finish.
func (q *Queue) stepHeadLocked(work *queue.Queue) (moved bool, stuck bool) {
	if work.Length() == 0 {
		return false, true
	}

	op, ok := q.pending[work.Peek().(Token)]
	if !ok || op.done {
		// stale
		work.Remove()
		return false, false
	}

	moved = q.stepLocked(op)
	if !op.done {
		return moved, true
	}

	q.settleLocked(op)
	work.Remove()
	return true, false
}

func (q *Queue) workFor(op Opcode) *queue.Queue {
	if op == OpPush {
		return q.tx
	}
	return q.rx
}

func (q *Queue) nextTokenLocked(push bool) Token {
	for {
		q.seq++
		t := newToken(q.qd, q.seq, push)
		if _, ok := q.pending[t]; !ok {
			return t
		}
	}
}

func (q *Queue) submitLocked(op *pendingOp) {
	q.pending[op.token] = op
	work := q.workFor(op.op)
	work.Add(op.token)
	q.metrics.Submitted(op.op)

	if work.Length() == 1 {
		q.stepHeadLocked(work)
	}
}

func (q *Queue) settleLocked(op *pendingOp) {
	if op.op == OpPop {
		q.pops--
	}
	q.metrics.Settled(op.op, op.ret)
	q.logFailure(op)
}

func (q *Queue) logFailure(op *pendingOp) {
	if op.err == nil {
		return
	}

	entry := q.l.WithField("qd", q.qd).WithField("token", op.token).WithField("op", op.op).WithError(op.err)
	if isFramingErr(op.err) {
		entry.Warn("Dropping malformed frame, the connection can not be trusted anymore")
	} else {
		entry.Debug("Operation failed")
	}
}

// stepLocked makes one attempt at moving op forward and reports if any bytes moved or the op finished.
func (q *Queue) stepLocked(op *pendingOp) bool {
	switch op.op {
	case OpPush:
		return q.stepPush(op)
	case OpPop:
		if q.datagram() {
			return q.stepDatagramPop(op)
		}
		return q.stepStreamPop(op)
	case OpAccept:
		return q.stepAccept(op)
	}
	return false
}

// ioFailed absorbs a would-block and fails op for anything else
func (q *Queue) ioFailed(op *pendingOp, err error) bool {
	if errors.Is(err, transport.ErrWouldBlock) {
		return false
	}
	op.fail(q.qd, err)
	return true
}

func (q *Queue) stepPush(op *pendingOp) bool {
	if op.segs == nil {
		op.lens = make([]byte, frame.LenPrefix*op.sga.NumBufs())
		op.segs = frame.Layout(op.hdr[:], op.lens, op.sga)
		op.total = frame.Size(op.segs)
	}

	if q.datagram() && !q.sock.Connected() {
		if !op.sga.Addr.IsValid() {
			op.fail(q.qd, ErrNoDestination)
			return true
		}
		if err := q.sock.Connect(op.sga.Addr); err != nil {
			op.fail(q.qd, err)
			return true
		}
	}

	n, err := q.conn.Sendv(frame.Advance(op.segs, op.n))
	if err != nil {
		return q.ioFailed(op, err)
	}
	if n == 0 {
		return false
	}

	op.n += n
	if op.n < op.total {
		if q.datagram() {
			// The remainder would go out as a second datagram which no receiver could parse
			op.fail(q.qd, fmt.Errorf("datagram sent %d of %d bytes: %w", op.n, op.total, syscall.EMSGSIZE))
		}
		return true
	}

	// Data is handed back to the caller in the result, the scratch space is not needed anymore
	op.segs, op.lens = nil, nil
	op.complete(int64(op.sga.DataLen()))
	return true
}

func (q *Queue) stepStreamPop(op *pendingOp) bool {
	progressed := false
	if op.state == awaitingHeader {
		n, _, err := q.conn.Recv(op.hdr[op.n:])
		if err != nil {
			return q.ioFailed(op, err)
		}
		op.n += n
		if op.n < frame.HeaderLen {
			return n > 0
		}
		progressed = true

		if err := op.header.Parse(op.hdr[:]); err != nil {
			op.fail(q.qd, err)
			return true
		}
		if op.header.TotalLen > uint64(q.cfg.maxFrame) {
			op.fail(q.qd, fmt.Errorf("%w: %d bytes is larger than queue.max_frame %d",
				frame.ErrBadLength, op.header.TotalLen, q.cfg.maxFrame))
			return true
		}

		op.total = op.header.FrameLen()
		op.staging = make([]byte, op.header.TotalLen)
		op.state = awaitingBody
	}

	if op.n < op.total {
		n, _, err := q.conn.Recv(op.staging[op.n-frame.HeaderLen:])
		if err != nil {
			return q.ioFailed(op, err) || progressed
		}
		op.n += n
		if op.n < op.total {
			return progressed || n > 0
		}
	}

	bufs, err := frame.Reconstruct(op.staging, int(op.header.NumBufs))
	if err != nil {
		op.fail(q.qd, err)
		return true
	}

	op.sga = &sga.SGA{Bufs: bufs}
	op.state = recvDone
	op.complete(op.header.DataLen())
	return true
}

func (q *Queue) stepDatagramPop(op *pendingOp) bool {
	if op.staging == nil {
		op.staging = make([]byte, q.cfg.maxDatagram)
	}

	n, from, err := q.conn.Recv(op.staging)
	if err != nil {
		return q.ioFailed(op, err)
	}
	if n == 0 && !from.IsValid() {
		return false
	}

	op.n, op.total = n, n
	if n > len(op.staging) {
		op.fail(q.qd, fmt.Errorf("%w: %d bytes, queue.max_datagram is %d", ErrTruncated, n, len(op.staging)))
		return true
	}

	s, err := frame.Decode(op.staging[:n])
	if err != nil {
		op.fail(q.qd, err)
		return true
	}

	s.Addr = from
	op.sga = s
	op.state = recvDone
	op.complete(int64(s.DataLen()))
	return true
}

func (q *Queue) stepAccept(op *pendingOp) bool {
	s, from, err := q.sock.Accept()
	if err != nil {
		return q.ioFailed(op, err)
	}

	qd, err := q.adopt(q.backend, s)
	if err != nil {
		s.Close()
		op.fail(q.qd, err)
		return true
	}

	op.newQD = qd
	op.peer = from
	op.complete(int64(qd))
	return true
}

// close releases every record, abandoned tokens included, and closes the transport
func (q *Queue) close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}

	q.closed = true
	if n := len(q.pending); n > 0 {
		q.l.WithField("qd", q.qd).WithField("pending", n).Debug("Releasing pending operations on close")
	}
	q.pending = make(map[Token]*pendingOp)
	q.tx = queue.New()
	q.rx = queue.New()
	q.stash = nil
	q.pops = 0
	return q.conn.Close()
}
