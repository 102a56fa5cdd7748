package frame

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/slackhq/qio/sga"
)

//Frame layout, every integer is a little endian uint64:
// 0                                                                      63
// |----------------------------------------------------------------------|
// |                            Magic                                     |
// |----------------------------------------------------------------------|
// |              Total payload length (sum of 8 + len(buf))              |
// |----------------------------------------------------------------------|
// |                         Number of buffers                            |
// |----------------------------------------------------------------------|
// |                       buf0 length | buf0 bytes...                    |
// |                       buf1 length | buf1 bytes...                    |

type m = map[string]any

const (
	Magic     uint64 = 0x51494f4652414d45
	HeaderLen        = 24
	LenPrefix        = 8
)

var (
	ErrHeaderTooShort = errors.New("frame header is too short")
	ErrBadMagic       = errors.New("frame magic mismatch")
	ErrTooManyBufs    = errors.New("frame declares too many buffers")
	ErrBadLength      = errors.New("frame length does not match its buffers")
)

type Header struct {
	Magic    uint64
	TotalLen uint64
	NumBufs  uint64
}

// NewHeader computes the header for the provided sga.
func NewHeader(s *sga.SGA) Header {
	h := Header{Magic: Magic, NumBufs: uint64(s.NumBufs())}
	h.TotalLen = uint64(s.DataLen()) + h.NumBufs*LenPrefix
	return h
}

// Encode writes the header into b and returns the encoded slice.
// b must have a capacity of at least HeaderLen or this will panic
func (h Header) Encode(b []byte) []byte {
	b = b[:HeaderLen]
	binary.LittleEndian.PutUint64(b[0:8], h.Magic)
	binary.LittleEndian.PutUint64(b[8:16], h.TotalLen)
	binary.LittleEndian.PutUint64(b[16:24], h.NumBufs)
	return b
}

// Parse decodes b into the header and validates it. On error the header contents are undefined.
func (h *Header) Parse(b []byte) error {
	if len(b) < HeaderLen {
		return ErrHeaderTooShort
	}
	h.Magic = binary.LittleEndian.Uint64(b[0:8])
	h.TotalLen = binary.LittleEndian.Uint64(b[8:16])
	h.NumBufs = binary.LittleEndian.Uint64(b[16:24])
	return h.Validate()
}

func (h *Header) Validate() error {
	if h.Magic != Magic {
		return fmt.Errorf("%w: got %#x", ErrBadMagic, h.Magic)
	}
	if h.NumBufs > sga.MaxBufs {
		return fmt.Errorf("%w: %d", ErrTooManyBufs, h.NumBufs)
	}
	if h.TotalLen < h.NumBufs*LenPrefix {
		return fmt.Errorf("%w: total %d for %d buffers", ErrBadLength, h.TotalLen, h.NumBufs)
	}
	return nil
}

// DataLen is the number of real data bytes the frame carries, excluding the length prefixes
func (h *Header) DataLen() int64 {
	return int64(h.TotalLen - h.NumBufs*LenPrefix)
}

// FrameLen is the size of the entire frame on the wire, header included
func (h *Header) FrameLen() int {
	return HeaderLen + int(h.TotalLen)
}

func (h *Header) String() string {
	if h == nil {
		return "<nil>"
	}
	return fmt.Sprintf("magic=%#x total=%d bufs=%d", h.Magic, h.TotalLen, h.NumBufs)
}

func (h *Header) MarshalJSON() ([]byte, error) {
	return json.Marshal(m{
		"magic":    h.Magic,
		"totalLen": h.TotalLen,
		"numBufs":  h.NumBufs,
	})
}

// Layout returns the segments for a single vectored write of the sga: header first, then for every buffer its
// length prefix followed by its data. hdr must hold HeaderLen bytes and lens 8 bytes per buffer, both are owned by
// the caller so that a retry can rebuild an identical frame.
func Layout(hdr []byte, lens []byte, s *sga.SGA) [][]byte {
	h := NewHeader(s)
	segs := make([][]byte, 0, 1+2*s.NumBufs())
	segs = append(segs, h.Encode(hdr))
	for i, b := range s.Bufs {
		p := lens[i*LenPrefix : (i+1)*LenPrefix]
		binary.LittleEndian.PutUint64(p, uint64(len(b)))
		segs = append(segs, p, b)
	}
	return segs
}

// Size returns the number of bytes across all segments.
func Size(segs [][]byte) int {
	n := 0
	for _, s := range segs {
		n += len(s)
	}
	return n
}

// Advance drops the first n bytes from segs, used to resume a partial write at the exact byte it stopped.
// The returned slice shares memory with segs.
func Advance(segs [][]byte, n int) [][]byte {
	for len(segs) > 0 && n >= len(segs[0]) {
		n -= len(segs[0])
		segs = segs[1:]
	}
	if n == 0 || len(segs) == 0 {
		return segs
	}
	out := make([][]byte, len(segs))
	copy(out, segs)
	out[0] = out[0][n:]
	return out
}

// Reconstruct walks a received payload, everything after the header, and returns one view per buffer.
// The views point into raw, nothing is copied.
func Reconstruct(raw []byte, numBufs int) ([][]byte, error) {
	if numBufs > sga.MaxBufs {
		return nil, fmt.Errorf("%w: %d", ErrTooManyBufs, numBufs)
	}

	bufs := make([][]byte, numBufs)
	off := 0
	for i := 0; i < numBufs; i++ {
		if len(raw)-off < LenPrefix {
			return nil, fmt.Errorf("%w: buffer %d prefix is truncated", ErrBadLength, i)
		}
		l := binary.LittleEndian.Uint64(raw[off : off+LenPrefix])
		off += LenPrefix
		if l > uint64(len(raw)-off) {
			return nil, fmt.Errorf("%w: buffer %d wants %d bytes, %d left", ErrBadLength, i, l, len(raw)-off)
		}
		bufs[i] = raw[off : off+int(l) : off+int(l)]
		off += int(l)
	}

	if off != len(raw) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrBadLength, len(raw)-off)
	}
	return bufs, nil
}

// Append encodes the entire frame for s onto dst.
func Append(dst []byte, s *sga.SGA) []byte {
	h := NewHeader(s)
	var hdr [HeaderLen]byte
	dst = append(dst, h.Encode(hdr[:])...)
	for _, b := range s.Bufs {
		dst = binary.LittleEndian.AppendUint64(dst, uint64(len(b)))
		dst = append(dst, b...)
	}
	return dst
}

// Decode is the inverse of Append for a buffer that holds exactly one frame. The returned buffers are views into b.
func Decode(b []byte) (*sga.SGA, error) {
	var h Header
	if err := h.Parse(b); err != nil {
		return nil, err
	}
	if len(b) != h.FrameLen() {
		return nil, fmt.Errorf("%w: frame declares %d bytes, have %d", ErrBadLength, h.FrameLen(), len(b))
	}
	bufs, err := Reconstruct(b[HeaderLen:], int(h.NumBufs))
	if err != nil {
		return nil, err
	}
	return &sga.SGA{Bufs: bufs}, nil
}
