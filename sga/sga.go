package sga

import (
	"fmt"
	"net/netip"
	"strings"
)

// MaxBufs is the most buffers a single SGA may carry, on the wire as well as in memory.
const MaxBufs = 64

// SGA is a scatter-gather array: an ordered set of independently sized buffers that travel as one message.
// Addr is the peer of a datagram queue. It is the destination on push and is filled with the source on pop.
type SGA struct {
	Bufs [][]byte
	Addr netip.AddrPort
}

// New builds an SGA from the provided buffers. The buffers are not copied.
func New(bufs ...[]byte) *SGA {
	return &SGA{Bufs: bufs}
}

// FromStrings is a helper mostly used by tests and tools to build an SGA out of string payloads.
func FromStrings(s ...string) *SGA {
	bufs := make([][]byte, len(s))
	for i, v := range s {
		bufs[i] = []byte(v)
	}
	return &SGA{Bufs: bufs}
}

func (s *SGA) NumBufs() int {
	if s == nil {
		return 0
	}
	return len(s.Bufs)
}

// DataLen returns the sum of all buffer lengths, excluding any framing overhead.
func (s *SGA) DataLen() int {
	if s == nil {
		return 0
	}
	n := 0
	for _, b := range s.Bufs {
		n += len(b)
	}
	return n
}

// Validate checks that the SGA can be put on the wire.
func (s *SGA) Validate() error {
	if s == nil {
		return fmt.Errorf("nil sga")
	}
	if len(s.Bufs) > MaxBufs {
		return fmt.Errorf("sga has %d buffers, limit is %d", len(s.Bufs), MaxBufs)
	}
	return nil
}

// Strings returns a copy of every buffer as a string.
func (s *SGA) Strings() []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s.Bufs))
	for i, b := range s.Bufs {
		out[i] = string(b)
	}
	return out
}

func (s *SGA) String() string {
	if s == nil {
		return "<nil>"
	}
	lens := make([]string, len(s.Bufs))
	for i, b := range s.Bufs {
		lens[i] = fmt.Sprintf("%d", len(b))
	}
	if s.Addr.IsValid() {
		return fmt.Sprintf("bufs=[%s] addr=%s", strings.Join(lens, ","), s.Addr)
	}
	return fmt.Sprintf("bufs=[%s]", strings.Join(lens, ","))
}
