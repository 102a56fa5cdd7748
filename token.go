package qio

import "fmt"

// QD is a queue descriptor. Descriptors are never reused within a Dispatcher so a stale one is always detected.
type QD int32

// Token identifies one outstanding push, pop or accept:
//
//	 63  | 62 ............ 32 | 31 ............ 0
//	push |  queue descriptor  |     sequence
type Token uint64

const (
	pushBit  Token = 1 << 63
	qdMask         = 0x7fffffff
	seqMask        = 0xffffffff
	maxQD    QD    = qdMask
	qdShift        = 32
)

func newToken(qd QD, seq uint32, push bool) Token {
	t := Token(uint64(qd)&qdMask)<<qdShift | Token(seq)
	if push {
		t |= pushBit
	}
	return t
}

// IsPush reports if the token belongs to a send operation.
func (t Token) IsPush() bool {
	return t&pushBit != 0
}

// QD returns the queue the token was issued by.
func (t Token) QD() QD {
	return QD((uint64(t) >> qdShift) & qdMask)
}

func (t Token) Seq() uint32 {
	return uint32(uint64(t) & seqMask)
}

func (t Token) String() string {
	dir := "pop"
	if t.IsPush() {
		dir = "push"
	}
	return fmt.Sprintf("%s:%d:%d", dir, t.QD(), t.Seq())
}

type Opcode uint8

const (
	OpPush Opcode = iota + 1
	OpPop
	OpAccept
)

var opNames = map[Opcode]string{
	OpPush:   "push",
	OpPop:    "pop",
	OpAccept: "accept",
}

func (o Opcode) String() string {
	if n, ok := opNames[o]; ok {
		return n
	}
	return "unknown"
}
