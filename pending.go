package qio

import (
	"fmt"
	"net/netip"

	"github.com/slackhq/qio/frame"
	"github.com/slackhq/qio/sga"
)

// QResult is the completion record of a token.
// Ret is the number of data bytes moved, excluding framing, or a negative errno style code on failure in which
// case Err holds the cause. A completed accept carries the new queue in NewQD and Ret is its descriptor.
type QResult struct {
	Token Token
	QD    QD
	Op    Opcode
	SGA   *sga.SGA
	Ret   int64
	Err   error

	NewQD QD
	Peer  netip.AddrPort
}

func (r QResult) String() string {
	if r.Err != nil {
		return fmt.Sprintf("%s ret=%d err=%v", r.Token, r.Ret, r.Err)
	}
	return fmt.Sprintf("%s ret=%d %s", r.Token, r.Ret, r.SGA)
}

type recvState uint8

const (
	awaitingHeader recvState = iota
	awaitingBody
	recvDone
)

// pendingOp is the progress record behind a token. Everything needed to resume after a would-block lives here.
type pendingOp struct {
	token Token
	op    Opcode
	sga   *sga.SGA

	// push
	hdr  [frame.HeaderLen]byte
	lens []byte
	segs [][]byte

	// pop
	state   recvState
	header  frame.Header
	staging []byte

	// accept
	newQD QD
	peer  netip.AddrPort

	// frame bytes moved so far and the expected frame size, total is unknown until the header arrives on a pop
	n     int
	total int

	done bool
	ret  int64
	err  error
}

func (p *pendingOp) complete(ret int64) {
	p.done = true
	p.ret = ret
}

func (p *pendingOp) fail(qd QD, err error) {
	p.done = true
	p.ret = resultCode(err)
	p.err = &OpError{Op: p.op, QD: qd, Token: p.token, Err: err}
}

func (p *pendingOp) result(qd QD) QResult {
	return QResult{
		Token: p.token,
		QD:    qd,
		Op:    p.op,
		SGA:   p.sga,
		Ret:   p.ret,
		Err:   p.err,
		NewQD: p.newQD,
		Peer:  p.peer,
	}
}
