package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/netip"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/qio"
	"github.com/slackhq/qio/sga"
	"github.com/slackhq/qio/transport"
)

var errDone = errors.New("client finished")

type echoOpts struct {
	peer      string
	backend   string
	addr      netip.AddrPort
	udp       bool
	bufSize   int
	nbufs     int
	nrequests int
}

func (o echoOpts) validate() error {
	switch o.peer {
	case "server", "client", "both":
	default:
		return fmt.Errorf("-peer must be one of server, client or both, got %q", o.peer)
	}

	if o.backend == qio.LoopbackBackendName && o.peer != "both" {
		return errors.New("the loopback backend only exists inside this process, use -peer both")
	}
	if o.nbufs < 0 || o.nbufs > sga.MaxBufs {
		return fmt.Errorf("-nbufs must be between 0 and %d", sga.MaxBufs)
	}
	if o.nrequests < 0 {
		return errors.New("-nrequests can not be negative")
	}
	return nil
}

func (o echoOpts) sockType() transport.SocketType {
	if o.udp {
		return transport.Datagram
	}
	return transport.Stream
}

func (o echoOpts) domain() transport.Domain {
	if o.addr.Addr().Is4() {
		return transport.Inet4
	}
	return transport.Inet6
}

func listen(d *qio.Dispatcher, opts echoOpts) (qio.QD, error) {
	qd, err := d.Socket(opts.backend, opts.domain(), opts.sockType())
	if err != nil {
		return 0, err
	}

	if err = d.Bind(qd, opts.addr); err != nil {
		return 0, err
	}

	if !opts.udp {
		if err = d.Listen(qd, 0); err != nil {
			return 0, err
		}
	}
	return qd, nil
}

func serve(ctx context.Context, l *logrus.Logger, d *qio.Dispatcher, lqd qio.QD, opts echoOpts) error {
	l.WithField("address", opts.addr).
		WithField("backend", opts.backend).
		WithField("type", opts.sockType()).
		Info("Echo server listening")

	if opts.udp {
		return echo(ctx, l, d, lqd)
	}

	for {
		t, err := d.Accept(lqd)
		if err != nil {
			return err
		}

		res, err := d.Wait(ctx, t)
		if err != nil {
			return err
		}
		if res.Err != nil {
			l.WithError(res.Err).Warn("Failed to accept a connection")
			continue
		}

		l.WithField("peer", res.Peer).WithField("qd", res.NewQD).Info("Accepted connection")
		go func(qd qio.QD, peer netip.AddrPort) {
			err := echo(ctx, l, d, qd)
			if err != nil && ctx.Err() == nil {
				l.WithError(err).WithField("peer", peer).Warn("Echo stopped")
			}
			d.Close(qd)
		}(res.NewQD, res.Peer)
	}
}

// echo pushes back every frame popped off qd until the peer goes away
func echo(ctx context.Context, l *logrus.Logger, d *qio.Dispatcher, qd qio.QD) error {
	for {
		t, err := d.Pop(qd)
		if err != nil {
			return err
		}

		res, err := d.Wait(ctx, t)
		if err != nil {
			return err
		}
		if res.Ret == -int64(syscall.ECONNRESET) {
			l.WithField("qd", qd).Info("Peer closed the connection")
			return nil
		}
		if res.Err != nil {
			return res.Err
		}

		t, err = d.Push(qd, res.SGA)
		if err != nil {
			return err
		}
		res, err = d.Wait(ctx, t)
		if err != nil {
			return err
		}
		if res.Err != nil {
			return res.Err
		}
	}
}

func client(ctx context.Context, l *logrus.Logger, d *qio.Dispatcher, opts echoOpts) error {
	qd, err := d.Socket(opts.backend, opts.domain(), opts.sockType())
	if err != nil {
		return err
	}
	defer d.Close(qd)

	req := sga.New()
	for i := 0; i < opts.nbufs; i++ {
		b := make([]byte, opts.bufSize)
		if _, err := rand.Read(b); err != nil {
			return err
		}
		req.Bufs = append(req.Bufs, b)
	}

	if opts.udp {
		req.Addr = opts.addr
	} else if err = d.Connect(qd, opts.addr); err != nil {
		return err
	}

	l.WithField("address", opts.addr).
		WithField("request", humanize.IBytes(uint64(req.DataLen()))).
		WithField("nbufs", opts.nbufs).
		WithField("nrequests", opts.nrequests).
		Info("Echo client started")

	start := time.Now()
	var moved uint64
	for i := 0; opts.nrequests == 0 || i < opts.nrequests; i++ {
		// Queue the pop first so the reply has somewhere to land while the push is still in flight
		pop, err := d.Pop(qd)
		if err != nil {
			return err
		}
		push, err := d.Push(qd, req)
		if err != nil {
			return err
		}

		for _, t := range []qio.Token{push, pop} {
			res, err := d.Wait(ctx, t)
			if err != nil {
				return err
			}
			if res.Err != nil {
				return fmt.Errorf("request %d: %w", i, res.Err)
			}
			if t == pop {
				if err = compare(req, res.SGA); err != nil {
					return fmt.Errorf("request %d: %w", i, err)
				}
			}
			moved += uint64(res.Ret)
		}
	}

	elapsed := time.Since(start)
	rate := uint64(float64(moved) / elapsed.Seconds())
	l.WithField("elapsed", elapsed).
		WithField("moved", humanize.IBytes(moved)).
		WithField("rate", humanize.IBytes(rate)+"/s").
		WithField("requests", humanize.Comma(int64(opts.nrequests))).
		Info("Echo client finished")
	return nil
}

func compare(expected, actual *sga.SGA) error {
	if actual.NumBufs() != expected.NumBufs() {
		return fmt.Errorf("echo has %d buffers, sent %d", actual.NumBufs(), expected.NumBufs())
	}
	for i := range expected.Bufs {
		if !bytes.Equal(expected.Bufs[i], actual.Bufs[i]) {
			return fmt.Errorf("echo buffer %d does not match what was sent", i)
		}
	}
	return nil
}
