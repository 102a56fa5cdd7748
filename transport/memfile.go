package transport

import (
	"net/netip"
	"os"
)

type memFileData struct {
	data []byte
}

// MemFile is a file held in the memory of a Loopback stack, it stands in for a user space storage device.
// Writes always append, reads walk forward from the start of the file with their own offset and report no progress
// at the end of the file.
type MemFile struct {
	stack    *Loopback
	name     string
	f        *memFileData
	off      int
	readable bool
	writable bool
	closed   bool
}

// OpenFile opens the named in memory file. Only the access mode, os.O_CREATE, os.O_EXCL and os.O_TRUNC are honored.
func (lb *Loopback) OpenFile(name string, flags int) (*MemFile, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	f, ok := lb.files[name]
	switch {
	case ok && flags&os.O_CREATE != 0 && flags&os.O_EXCL != 0:
		return nil, &os.PathError{Op: "open", Path: name, Err: os.ErrExist}
	case !ok && flags&os.O_CREATE == 0:
		return nil, &os.PathError{Op: "open", Path: name, Err: os.ErrNotExist}
	case !ok:
		f = &memFileData{}
		lb.files[name] = f
	}

	mf := &MemFile{stack: lb, name: name, f: f}
	switch flags & (os.O_WRONLY | os.O_RDWR) {
	case os.O_WRONLY:
		mf.writable = true
	case os.O_RDWR:
		mf.readable, mf.writable = true, true
	default:
		mf.readable = true
	}

	if flags&os.O_TRUNC != 0 && mf.writable {
		f.data = f.data[:0]
	}
	return mf, nil
}

func (f *MemFile) Name() string {
	return f.name
}

func (f *MemFile) Recv(b []byte) (int, netip.AddrPort, error) {
	f.stack.mu.Lock()
	defer f.stack.mu.Unlock()
	if f.closed {
		return 0, netip.AddrPort{}, os.ErrClosed
	}
	if !f.readable {
		return 0, netip.AddrPort{}, ErrNotSupported
	}

	if f.off > len(f.f.data) {
		// Truncated underneath us
		f.off = len(f.f.data)
	}
	n := copy(b, f.f.data[f.off:])
	f.off += n
	return n, netip.AddrPort{}, nil
}

func (f *MemFile) Sendv(bufs [][]byte) (int, error) {
	f.stack.mu.Lock()
	defer f.stack.mu.Unlock()
	if f.closed {
		return 0, os.ErrClosed
	}
	if !f.writable {
		return 0, ErrNotSupported
	}

	n := 0
	for _, b := range bufs {
		f.f.data = append(f.f.data, b...)
		n += len(b)
	}
	return n, nil
}

func (f *MemFile) Close() error {
	f.stack.mu.Lock()
	f.closed = true
	f.stack.mu.Unlock()
	return nil
}
