package qio

import (
	"context"
	"errors"
	"net/netip"
	"syscall"
	"testing"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/qio/config"
	"github.com/slackhq/qio/frame"
	"github.com/slackhq/qio/sga"
	"github.com/slackhq/qio/test"
	"github.com/slackhq/qio/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher(t *testing.T, l *logrus.Logger, raw string) (*Dispatcher, *LoopbackBackend) {
	c := config.NewC(l)
	if raw != "" {
		require.NoError(t, c.LoadString(raw))
	}

	d := NewDispatcher(l, c)
	require.NoError(t, d.RegisterBackend(NewPosixBackend(l, c)))
	lb := NewLoopbackBackend(l)
	require.NoError(t, d.RegisterBackend(lb))
	lb.Init(c)

	t.Cleanup(func() {
		d.Shutdown()
	})
	return d, lb
}

func attachTester(t *testing.T, d *Dispatcher, typ transport.SocketType) (QD, *transport.Tester) {
	tr := transport.NewTester(typ)
	qd, err := d.Attach(LoopbackBackendName, tr)
	require.NoError(t, err)
	return qd, tr
}

func waitCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestQueue_PopChunkedFrame(t *testing.T) {
	d, _ := newTestDispatcher(t, test.NewLogger(), "")
	qd, tr := attachTester(t, d, transport.Stream)

	tr.Feed(frame.Append(nil, sga.FromStrings("hello", "world!")))
	tr.SetRecvChunk(3)

	tok, err := d.Pop(qd)
	require.NoError(t, err)
	assert.False(t, tok.IsPush())
	assert.Equal(t, qd, tok.QD())

	res, err := d.Wait(waitCtx(t), tok)
	require.NoError(t, err)
	require.NoError(t, res.Err)
	assert.Equal(t, int64(11), res.Ret)
	assert.Equal(t, OpPop, res.Op)
	assert.Equal(t, qd, res.QD)
	assert.Equal(t, []string{"hello", "world!"}, res.SGA.Strings())

	// 24 header bytes and 27 body bytes, one receive per 3 byte chunk
	assert.Equal(t, 17, tr.RecvCalls())
}

func TestQueue_PopAnyChunking(t *testing.T) {
	d, _ := newTestDispatcher(t, test.NewLogger(), "")
	expected := sga.FromStrings("a", "", "scatter", "gather", string(make([]byte, 100)))
	raw := frame.Append(nil, expected)

	for chunk := 1; chunk <= len(raw)+1; chunk++ {
		qd, tr := attachTester(t, d, transport.Stream)
		tr.Feed(raw)
		tr.SetRecvChunk(chunk)

		tok, err := d.Pop(qd)
		require.NoError(t, err)
		res, err := d.Wait(waitCtx(t), tok)
		require.NoError(t, err)
		require.NoError(t, res.Err, "chunk %d", chunk)
		assert.Equal(t, int64(expected.DataLen()), res.Ret, "chunk %d", chunk)
		test.AssertSGAEqual(t, expected, res.SGA)
		require.NoError(t, d.Close(qd))
	}
}

func TestQueue_PopZeroBuffers(t *testing.T) {
	d, _ := newTestDispatcher(t, test.NewLogger(), "")
	qd, tr := attachTester(t, d, transport.Stream)
	tr.Feed(frame.Append(nil, sga.New()))

	tok, err := d.Pop(qd)
	require.NoError(t, err)

	// The whole frame was available, the submit finished it
	res, done, err := d.Poll(tok)
	require.NoError(t, err)
	require.True(t, done)
	assert.NoError(t, res.Err)
	assert.Equal(t, int64(0), res.Ret)
	assert.Equal(t, 0, res.SGA.NumBufs())
}

func TestQueue_PopErrorInBody(t *testing.T) {
	d, _ := newTestDispatcher(t, test.NewLogger(), "")
	qd, tr := attachTester(t, d, transport.Stream)

	raw := frame.Append(nil, sga.FromStrings("hello", "world!"))
	tr.Feed(raw[:frame.HeaderLen+10])
	tr.FailRecv(syscall.ECONNRESET)

	tok, err := d.Pop(qd)
	require.NoError(t, err)
	res, err := d.Wait(waitCtx(t), tok)
	require.NoError(t, err)

	assert.Equal(t, -int64(syscall.ECONNRESET), res.Ret)
	assert.ErrorIs(t, res.Err, syscall.ECONNRESET)
	assert.Nil(t, res.SGA)

	var opErr *OpError
	require.True(t, errors.As(res.Err, &opErr))
	assert.Equal(t, tok, opErr.Token)
	assert.Equal(t, OpPop, opErr.Op)
	assert.False(t, opErr.Framing())

	// A failed operation is never retried
	calls := tr.RecvCalls()
	d.Drive(10)
	assert.Equal(t, calls, tr.RecvCalls())

	// The queue itself survives
	tr.FailRecv(nil)
	tr.Feed(frame.Append(nil, sga.FromStrings("again")))
	tok, err = d.Pop(qd)
	require.NoError(t, err)
	res, err = d.Wait(waitCtx(t), tok)
	require.NoError(t, err)
	assert.Equal(t, []string{"again"}, res.SGA.Strings())
}

func TestQueue_PopPeerClosed(t *testing.T) {
	d, _ := newTestDispatcher(t, test.NewLogger(), "")
	qd, tr := attachTester(t, d, transport.Stream)
	tr.CloseRx()

	tok, err := d.Pop(qd)
	require.NoError(t, err)
	res, err := d.Wait(waitCtx(t), tok)
	require.NoError(t, err)
	assert.Equal(t, -int64(syscall.ECONNRESET), res.Ret)
	assert.ErrorIs(t, res.Err, transport.ErrClosed)
}

func TestQueue_PopBadMagic(t *testing.T) {
	l, lb := test.NewCapturingLogger()
	d, _ := newTestDispatcher(t, l, "")
	qd, tr := attachTester(t, d, transport.Stream)

	raw := frame.Append(nil, sga.FromStrings("hello"))
	raw[3] ^= 0xff
	tr.Feed(raw)

	tok, err := d.Pop(qd)
	require.NoError(t, err)
	res, err := d.Wait(waitCtx(t), tok)
	require.NoError(t, err)

	assert.Equal(t, -int64(syscall.EBADMSG), res.Ret)
	assert.ErrorIs(t, res.Err, frame.ErrBadMagic)
	assert.Nil(t, res.SGA)

	var opErr *OpError
	require.True(t, errors.As(res.Err, &opErr))
	assert.True(t, opErr.Framing())
	assert.Equal(t, -int64(syscall.EBADMSG), opErr.Code())

	// Only the header was consumed, the body is never looked at
	assert.Equal(t, 1, tr.RecvCalls())
	assert.Contains(t, lb.String(), "level=warning")
	assert.Contains(t, lb.String(), "Dropping malformed frame")
}

func TestQueue_PopFrameTooLarge(t *testing.T) {
	d, _ := newTestDispatcher(t, test.NewLogger(), "queue:\n  max_frame: 1KiB\n")
	qd, tr := attachTester(t, d, transport.Stream)

	h := frame.Header{Magic: frame.Magic, TotalLen: 1 << 40, NumBufs: 1}
	tr.Feed(h.Encode(make([]byte, frame.HeaderLen)))

	tok, err := d.Pop(qd)
	require.NoError(t, err)
	res, err := d.Wait(waitCtx(t), tok)
	require.NoError(t, err)
	assert.Equal(t, -int64(syscall.EBADMSG), res.Ret)
	assert.ErrorIs(t, res.Err, frame.ErrBadLength)
}

func TestQueue_WouldBlockTransparency(t *testing.T) {
	d, _ := newTestDispatcher(t, test.NewLogger(), "")
	qd, tr := attachTester(t, d, transport.Stream)
	tr.SetBlocking(true)

	push, err := d.Push(qd, sga.FromStrings("hello"))
	require.NoError(t, err)
	pop, err := d.Pop(qd)
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		assert.Equal(t, 0, d.Drive(10))
	}

	for _, tok := range []Token{push, pop} {
		res, done, err := d.Poll(tok)
		require.NoError(t, err)
		assert.False(t, done)
		assert.Equal(t, tok, res.Token)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = d.Wait(ctx, push)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// A cancelled wait leaves the record in place
	n, err := d.Pending(qd)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	tr.SetBlocking(false)
	res, err := d.Wait(waitCtx(t), push)
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.Ret)
}

func TestQueue_AtMostOneCompletion(t *testing.T) {
	d, _ := newTestDispatcher(t, test.NewLogger(), "")
	qd, _ := attachTester(t, d, transport.Stream)

	s := sga.FromStrings("hello", "world!")
	tok, err := d.Push(qd, s)
	require.NoError(t, err)

	res, err := d.Wait(waitCtx(t), tok)
	require.NoError(t, err)
	assert.Equal(t, int64(11), res.Ret)
	assert.Same(t, s, res.SGA)

	_, _, err = d.Poll(tok)
	assert.ErrorIs(t, err, ErrUnknownToken)
	_, err = d.Wait(waitCtx(t), tok)
	assert.ErrorIs(t, err, ErrUnknownToken)

	// A done poll consumes the result just the same
	tok, err = d.Push(qd, s)
	require.NoError(t, err)
	res, done, err := d.Poll(tok)
	require.NoError(t, err)
	require.True(t, done)
	assert.Equal(t, int64(11), res.Ret)
	_, err = d.Wait(waitCtx(t), tok)
	assert.ErrorIs(t, err, ErrUnknownToken)

	n, err := d.Pending(qd)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestQueue_TokenUniqueness(t *testing.T) {
	d, _ := newTestDispatcher(t, test.NewLogger(), "")
	qd, tr := attachTester(t, d, transport.Stream)
	tr.SetBlocking(true)

	seen := make(map[Token]bool)
	for i := 0; i < 1000; i++ {
		push, err := d.Push(qd, sga.FromStrings("x"))
		require.NoError(t, err)
		pop, err := d.Pop(qd)
		require.NoError(t, err)

		assert.True(t, push.IsPush())
		assert.False(t, pop.IsPush())
		assert.Equal(t, qd, push.QD())
		assert.Equal(t, qd, pop.QD())

		for _, tok := range []Token{push, pop} {
			require.False(t, seen[tok], "token %s handed out twice", tok)
			seen[tok] = true
		}
	}
}

func TestQueue_NextTokenSkipsOutstanding(t *testing.T) {
	d, _ := newTestDispatcher(t, test.NewLogger(), "")
	qd, tr := attachTester(t, d, transport.Stream)
	tr.SetBlocking(true)

	q, err := d.queue(qd)
	require.NoError(t, err)

	first, err := q.Push(sga.FromStrings("x"))
	require.NoError(t, err)

	// Wrap the sequence so the next allocation lands on the outstanding token
	q.mu.Lock()
	q.seq = first.Seq() - 1
	next := q.nextTokenLocked(true)
	q.mu.Unlock()

	assert.NotEqual(t, first, next)
	assert.Equal(t, first.Seq()+1, next.Seq())
}

func TestQueue_PartialWriteResume(t *testing.T) {
	d, _ := newTestDispatcher(t, test.NewLogger(), "")
	qd, tr := attachTester(t, d, transport.Stream)
	tr.SetSendLimit(7)

	s := sga.FromStrings("hello", "world!")
	tok, err := d.Push(qd, s)
	require.NoError(t, err)

	res, err := d.Wait(waitCtx(t), tok)
	require.NoError(t, err)
	require.NoError(t, res.Err)
	assert.Equal(t, int64(11), res.Ret)

	// Every byte goes out exactly once and in order
	assert.Equal(t, frame.Append(nil, s), tr.Sent())
	assert.Equal(t, 8, tr.SendCalls())
}

func TestQueue_PushesDoNotInterleave(t *testing.T) {
	d, _ := newTestDispatcher(t, test.NewLogger(), "")
	qd, tr := attachTester(t, d, transport.Stream)
	tr.SetSendLimit(5)

	a := sga.FromStrings("first frame")
	b := sga.FromStrings("second", "frame")
	ta, err := d.Push(qd, a)
	require.NoError(t, err)
	tb, err := d.Push(qd, b)
	require.NoError(t, err)

	// Waiting on the later push still writes the earlier frame first
	_, err = d.Wait(waitCtx(t), tb)
	require.NoError(t, err)
	res, done, err := d.Poll(ta)
	require.NoError(t, err)
	require.True(t, done)
	assert.Equal(t, int64(11), res.Ret)

	assert.Equal(t, frame.Append(frame.Append(nil, a), b), tr.Sent())
}

func TestQueue_PopsDoNotInterleave(t *testing.T) {
	d, _ := newTestDispatcher(t, test.NewLogger(), "")
	qd, tr := attachTester(t, d, transport.Stream)
	tr.SetRecvChunk(5)
	tr.Feed(frame.Append(nil, sga.FromStrings("one")))
	tr.Feed(frame.Append(nil, sga.FromStrings("two", "2")))

	first, err := d.Pop(qd)
	require.NoError(t, err)
	second, err := d.Pop(qd)
	require.NoError(t, err)

	res, err := d.Wait(waitCtx(t), second)
	require.NoError(t, err)
	assert.Equal(t, []string{"two", "2"}, res.SGA.Strings())

	res, done, err := d.Poll(first)
	require.NoError(t, err)
	require.True(t, done)
	assert.Equal(t, []string{"one"}, res.SGA.Strings())
}

func TestQueue_BlockedPopDoesNotStallPush(t *testing.T) {
	d, _ := newTestDispatcher(t, test.NewLogger(), "")
	qd, tr := attachTester(t, d, transport.Stream)

	pop, err := d.Pop(qd)
	require.NoError(t, err)
	push, err := d.Push(qd, sga.FromStrings("ping"))
	require.NoError(t, err)

	res, err := d.Wait(waitCtx(t), push)
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.Ret)

	_, done, err := d.Poll(pop)
	require.NoError(t, err)
	assert.False(t, done)

	tr.Feed(frame.Append(nil, sga.FromStrings("pong")))
	res, err = d.Wait(waitCtx(t), pop)
	require.NoError(t, err)
	assert.Equal(t, []string{"pong"}, res.SGA.Strings())
}

func TestQueue_FinishedOpsLeaveWorkQueue(t *testing.T) {
	d, _ := newTestDispatcher(t, test.NewLogger(), "")
	qd, tr := attachTester(t, d, transport.Stream)
	q, err := d.queue(qd)
	require.NoError(t, err)

	// A server keeps a pop outstanding while it answers with pushes
	pop, err := d.Pop(qd)
	require.NoError(t, err)

	for i := 0; i < 1000; i++ {
		push, err := d.Push(qd, sga.FromStrings("reply"))
		require.NoError(t, err)
		res, err := d.Wait(waitCtx(t), push)
		require.NoError(t, err)
		require.NoError(t, res.Err)
	}

	q.mu.Lock()
	assert.Equal(t, 0, q.tx.Length())
	assert.Equal(t, 1, q.rx.Length())
	q.mu.Unlock()
	assert.Equal(t, 1, q.Pending())

	tr.Feed(frame.Append(nil, sga.FromStrings("request")))
	res, err := d.Wait(waitCtx(t), pop)
	require.NoError(t, err)
	assert.Equal(t, []string{"request"}, res.SGA.Strings())

	q.mu.Lock()
	assert.Equal(t, 0, q.rx.Length())
	q.mu.Unlock()
	assert.Equal(t, 0, q.Pending())
}

func TestQueue_WaitNoticesCancelWhileOthersProgress(t *testing.T) {
	d, _ := newTestDispatcher(t, test.NewLogger(), "")
	qd, tr := attachTester(t, d, transport.Stream)
	tr.SetSendLimit(1)

	pop, err := d.Pop(qd)
	require.NoError(t, err)
	push, err := d.Push(qd, sga.New(make([]byte, 4096)))
	require.NoError(t, err)

	// The push moves a byte on every round, the wait on the pop must still give up right away
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = d.Wait(ctx, pop)
	assert.ErrorIs(t, err, context.Canceled)

	i, _, err := d.WaitAny(ctx, []Token{pop})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, -1, i)

	_, done, err := d.Poll(push)
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, 1, tr.SendCalls())
}

func TestQueue_DatagramPush(t *testing.T) {
	d, _ := newTestDispatcher(t, test.NewLogger(), "")
	qd, tr := attachTester(t, d, transport.Datagram)

	dst := netip.MustParseAddrPort("10.0.0.1:4242")
	s := sga.FromStrings("hello", "world!")
	s.Addr = dst

	tok, err := d.Push(qd, s)
	require.NoError(t, err)
	res, err := d.Wait(waitCtx(t), tok)
	require.NoError(t, err)
	require.NoError(t, res.Err)
	assert.Equal(t, int64(11), res.Ret)

	// The queue connected itself to the destination of the first push
	assert.True(t, tr.Connected())
	assert.Equal(t, dst, tr.Peer())
	assert.Equal(t, frame.Append(nil, s), tr.Sent())

	// No destination on an unconnected datagram queue
	qd, _ = attachTester(t, d, transport.Datagram)
	tok, err = d.Push(qd, sga.FromStrings("lost"))
	require.NoError(t, err)
	res, err = d.Wait(waitCtx(t), tok)
	require.NoError(t, err)
	assert.Equal(t, -int64(syscall.EDESTADDRREQ), res.Ret)
	assert.ErrorIs(t, res.Err, ErrNoDestination)

	// A connect failure is fatal for the push
	qd, tr = attachTester(t, d, transport.Datagram)
	tr.FailConnect(syscall.ENETUNREACH)
	tok, err = d.Push(qd, s)
	require.NoError(t, err)
	res, err = d.Wait(waitCtx(t), tok)
	require.NoError(t, err)
	assert.Equal(t, -int64(syscall.ENETUNREACH), res.Ret)
}

func TestQueue_DatagramShortSend(t *testing.T) {
	d, _ := newTestDispatcher(t, test.NewLogger(), "")
	qd, tr := attachTester(t, d, transport.Datagram)
	tr.SetSendLimit(10)

	s := sga.FromStrings("hello", "world!")
	s.Addr = netip.MustParseAddrPort("10.0.0.1:4242")
	tok, err := d.Push(qd, s)
	require.NoError(t, err)
	res, err := d.Wait(waitCtx(t), tok)
	require.NoError(t, err)
	assert.Equal(t, -int64(syscall.EMSGSIZE), res.Ret)
	assert.ErrorIs(t, res.Err, syscall.EMSGSIZE)
}

func TestQueue_DatagramPop(t *testing.T) {
	d, _ := newTestDispatcher(t, test.NewLogger(), "queue:\n  max_datagram: 64\n")
	qd, tr := attachTester(t, d, transport.Datagram)
	from := netip.MustParseAddrPort("192.168.0.9:9999")

	tr.FeedDatagram(from, frame.Append(nil, sga.FromStrings("hello", "world!")))
	tok, err := d.Pop(qd)
	require.NoError(t, err)
	res, err := d.Wait(waitCtx(t), tok)
	require.NoError(t, err)
	require.NoError(t, res.Err)
	assert.Equal(t, int64(11), res.Ret)
	assert.Equal(t, []string{"hello", "world!"}, res.SGA.Strings())
	assert.Equal(t, from, res.SGA.Addr)

	// Trailing garbage after the frame
	tr.FeedDatagram(from, append(frame.Append(nil, sga.FromStrings("x")), 0))
	tok, err = d.Pop(qd)
	require.NoError(t, err)
	res, err = d.Wait(waitCtx(t), tok)
	require.NoError(t, err)
	assert.Equal(t, -int64(syscall.EBADMSG), res.Ret)
	assert.ErrorIs(t, res.Err, frame.ErrBadLength)

	// Larger than queue.max_datagram
	tr.FeedDatagram(from, frame.Append(nil, sga.New(make([]byte, 100))))
	tok, err = d.Pop(qd)
	require.NoError(t, err)
	res, err = d.Wait(waitCtx(t), tok)
	require.NoError(t, err)
	assert.Equal(t, -int64(syscall.EBADMSG), res.Ret)
	assert.ErrorIs(t, res.Err, ErrTruncated)

	// Too short to hold a header
	tr.FeedDatagram(from, []byte("tiny"))
	tok, err = d.Pop(qd)
	require.NoError(t, err)
	res, err = d.Wait(waitCtx(t), tok)
	require.NoError(t, err)
	assert.ErrorIs(t, res.Err, frame.ErrHeaderTooShort)
}

func TestQueue_Peek(t *testing.T) {
	d, _ := newTestDispatcher(t, test.NewLogger(), "")
	qd, tr := attachTester(t, d, transport.Stream)

	// Nothing to read
	_, done, err := d.Peek(qd)
	require.NoError(t, err)
	assert.False(t, done)

	raw := frame.Append(nil, sga.FromStrings("peek", "a", "boo"))
	tr.Feed(raw[:frame.HeaderLen+3])

	// Half a frame is kept for the next pop
	_, done, err = d.Peek(qd)
	require.NoError(t, err)
	assert.False(t, done)

	tok, err := d.Pop(qd)
	require.NoError(t, err)

	_, _, err = d.Peek(qd)
	assert.ErrorIs(t, err, ErrBusy)

	tr.Feed(raw[frame.HeaderLen+3:])
	res, err := d.Wait(waitCtx(t), tok)
	require.NoError(t, err)
	assert.Equal(t, []string{"peek", "a", "boo"}, res.SGA.Strings())

	// A whole frame completes right away without a token
	tr.Feed(frame.Append(nil, sga.FromStrings("now")))
	res, done, err = d.Peek(qd)
	require.NoError(t, err)
	require.True(t, done)
	assert.Equal(t, Token(0), res.Token)
	assert.Equal(t, int64(3), res.Ret)
	assert.Equal(t, []string{"now"}, res.SGA.Strings())
}

func TestQueue_Accept(t *testing.T) {
	d, _ := newTestDispatcher(t, test.NewLogger(), "")
	lqd, ln := attachTester(t, d, transport.Stream)
	require.NoError(t, d.Listen(lqd, 0))

	tok, err := d.Accept(lqd)
	require.NoError(t, err)
	_, done, err := d.Poll(tok)
	require.NoError(t, err)
	assert.False(t, done)

	child := transport.NewTester(transport.Stream)
	from := netip.MustParseAddrPort("10.1.1.1:5000")
	ln.QueueAccept(child, from)

	res, err := d.Wait(waitCtx(t), tok)
	require.NoError(t, err)
	require.NoError(t, res.Err)
	assert.Equal(t, OpAccept, res.Op)
	assert.NotEqual(t, lqd, res.NewQD)
	assert.Equal(t, int64(res.NewQD), res.Ret)
	assert.Equal(t, from, res.Peer)

	// The new queue writes into the accepted connection
	s := sga.FromStrings("hi")
	ptok, err := d.Push(res.NewQD, s)
	require.NoError(t, err)
	_, err = d.Wait(waitCtx(t), ptok)
	require.NoError(t, err)
	assert.Equal(t, frame.Append(nil, s), child.Sent())

	// Accept only makes sense on a stream queue
	dqd, _ := attachTester(t, d, transport.Datagram)
	_, err = d.Accept(dqd)
	assert.ErrorIs(t, err, ErrWrongCategory)
}

func TestQueue_CloseReleasesRecords(t *testing.T) {
	d, _ := newTestDispatcher(t, test.NewLogger(), "")
	qd, tr := attachTester(t, d, transport.Stream)
	tr.SetBlocking(true)

	var toks []Token
	for i := 0; i < 3; i++ {
		tok, err := d.Push(qd, sga.FromStrings("abandoned"))
		require.NoError(t, err)
		toks = append(toks, tok)
	}

	n, err := d.Pending(qd)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.NoError(t, d.Close(qd))
	assert.True(t, tr.IsClosed())

	for _, tok := range toks {
		_, _, err = d.Poll(tok)
		assert.ErrorIs(t, err, ErrUnknownToken)
	}

	_, err = d.Push(qd, sga.FromStrings("late"))
	assert.ErrorIs(t, err, ErrUnknownQueue)
	assert.ErrorIs(t, d.Close(qd), ErrUnknownQueue)
}

func TestQueue_PushValidates(t *testing.T) {
	d, _ := newTestDispatcher(t, test.NewLogger(), "")
	qd, tr := attachTester(t, d, transport.Stream)

	_, err := d.Push(qd, sga.New(make([][]byte, sga.MaxBufs+1)...))
	assert.Error(t, err)
	_, err = d.Push(qd, nil)
	assert.Error(t, err)
	assert.Equal(t, 0, tr.SendCalls())
}

func TestQueue_Metrics(t *testing.T) {
	d, _ := newTestDispatcher(t, test.NewLogger(), "")
	qd, tr := attachTester(t, d, transport.Stream)

	counter := func(name string) int64 {
		return metrics.GetOrRegisterCounter(name, nil).Count()
	}
	submitted := counter("qio.loopback.push.submitted")
	completed := counter("qio.loopback.push.completed")
	bytes := counter("qio.loopback.push.bytes")
	failed := counter("qio.loopback.pop.failed")

	tok, err := d.Push(qd, sga.FromStrings("hello", "world!"))
	require.NoError(t, err)
	_, err = d.Wait(waitCtx(t), tok)
	require.NoError(t, err)

	tr.CloseRx()
	tok, err = d.Pop(qd)
	require.NoError(t, err)
	_, err = d.Wait(waitCtx(t), tok)
	require.NoError(t, err)

	assert.Equal(t, submitted+1, counter("qio.loopback.push.submitted"))
	assert.Equal(t, completed+1, counter("qio.loopback.push.completed"))
	assert.Equal(t, bytes+11, counter("qio.loopback.push.bytes"))
	assert.Equal(t, failed+1, counter("qio.loopback.pop.failed"))
}

func TestToken(t *testing.T) {
	tok := newToken(maxQD, 0xffffffff, true)
	assert.True(t, tok.IsPush())
	assert.Equal(t, maxQD, tok.QD())
	assert.Equal(t, uint32(0xffffffff), tok.Seq())

	tok = newToken(7, 3, false)
	assert.False(t, tok.IsPush())
	assert.Equal(t, QD(7), tok.QD())
	assert.Equal(t, uint32(3), tok.Seq())
	assert.Equal(t, "pop:7:3", tok.String())
	assert.Equal(t, "push:7:3", newToken(7, 3, true).String())
}

func TestResultCode(t *testing.T) {
	assert.Equal(t, -int64(syscall.EBADMSG), resultCode(frame.ErrBadMagic))
	assert.Equal(t, -int64(syscall.ECONNRESET), resultCode(transport.ErrClosed))
	assert.Equal(t, -int64(syscall.ENOTCONN), resultCode(transport.ErrNotConnected))
	assert.Equal(t, -int64(syscall.EPIPE), resultCode(syscall.EPIPE))
	assert.Equal(t, -int64(syscall.EIO), resultCode(errors.New("something else")))
}
