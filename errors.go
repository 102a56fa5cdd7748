package qio

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/slackhq/qio/frame"
	"github.com/slackhq/qio/transport"
)

var (
	ErrUnknownToken      = errors.New("unknown token")
	ErrUnknownQueue      = errors.New("unknown queue descriptor")
	ErrNotInitialized    = errors.New("backend has not been initialized")
	ErrUnknownBackend    = errors.New("unknown backend")
	ErrAlreadyRegistered = errors.New("backend is already registered")
	ErrWrongCategory     = errors.New("operation is not valid for this queue")
	ErrBusy              = errors.New("queue has outstanding pops")
	ErrQueueClosed       = errors.New("queue is closed")
	ErrNoDestination     = errors.New("datagram push has no destination address")
	ErrTooManyQueues     = errors.New("out of queue descriptors")
	ErrTruncated         = errors.New("datagram was larger than the receive buffer")
)

// OpError is the failure of a single push, pop or accept. Only that operation is affected, the queue stays usable
// unless Framing reports true, in which case the byte stream can no longer be trusted and the caller should close it.
type OpError struct {
	Op    Opcode
	QD    QD
	Token Token
	Err   error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s qd=%d token=%s: %v", e.Op, e.QD, e.Token, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// Framing reports if the operation failed because of a malformed frame.
func (e *OpError) Framing() bool {
	return isFramingErr(e.Err)
}

// Code returns the negative result code recorded for the failure.
func (e *OpError) Code() int64 {
	return resultCode(e.Err)
}

func isFramingErr(err error) bool {
	return errors.Is(err, frame.ErrBadMagic) ||
		errors.Is(err, frame.ErrBadLength) ||
		errors.Is(err, frame.ErrTooManyBufs) ||
		errors.Is(err, frame.ErrHeaderTooShort) ||
		errors.Is(err, ErrTruncated)
}

// resultCode maps a failure to the negative errno style code handed back in QResult.Ret.
func resultCode(err error) int64 {
	if isFramingErr(err) {
		return -int64(syscall.EBADMSG)
	}

	switch {
	case errors.Is(err, transport.ErrClosed):
		return -int64(syscall.ECONNRESET)
	case errors.Is(err, transport.ErrNotConnected):
		return -int64(syscall.ENOTCONN)
	case errors.Is(err, transport.ErrConnRefused):
		return -int64(syscall.ECONNREFUSED)
	case errors.Is(err, ErrNoDestination):
		return -int64(syscall.EDESTADDRREQ)
	}

	var errno syscall.Errno
	if errors.As(err, &errno) && errno != 0 {
		return -int64(errno)
	}
	return -int64(syscall.EIO)
}
