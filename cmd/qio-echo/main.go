package main

import (
	"context"
	"flag"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/qio"
	"github.com/slackhq/qio/config"
	"github.com/slackhq/qio/util"
	"golang.org/x/sync/errgroup"
)

// A version string that can be set with
//
//	-ldflags "-X main.Build=SOMEVERSION"
//
// at compile-time.
var Build string

func init() {
	if Build == "" {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}

		Build = strings.TrimPrefix(info.Main.Version, "v")
	}
}

func main() {
	configPath := flag.String("config", "", "Path to either a file or directory to load configuration from")
	configTest := flag.Bool("test", false, "Test the config and print the end result. Non zero exit indicates a faulty config")
	printVersion := flag.Bool("version", false, "Print version")
	printUsage := flag.Bool("help", false, "Print command line usage")

	opts := echoOpts{}
	address := flag.String("address", "127.0.0.1:7777", "Address the server binds to and the client sends to")
	flag.StringVar(&opts.peer, "peer", "both", "Which side to run: server, client or both in the same process")
	flag.StringVar(&opts.backend, "backend", qio.PosixBackendName, "Backend to open queues on: posix or loopback")
	flag.BoolVar(&opts.udp, "udp", false, "Use datagram queues instead of stream queues. A datagram server answers a single client")
	bufSize := flag.String("bufsize", "1KiB", "Size of each buffer in a request")
	flag.IntVar(&opts.nbufs, "nbufs", 1, "Number of buffers in a request")
	flag.IntVar(&opts.nrequests, "nrequests", 1000, "Number of requests the client sends, 0 runs forever")
	logLevel := flag.String("log", "", "Overrides logging.level from the config")

	flag.Parse()

	if *printVersion {
		fmt.Printf("Version: %s\n", Build)
		os.Exit(0)
	}

	if *printUsage {
		flag.Usage()
		os.Exit(0)
	}

	l := logrus.New()
	l.Out = os.Stdout

	c := config.NewC(l)
	if *configPath != "" {
		err := c.Load(*configPath)
		if err != nil {
			fmt.Printf("failed to load config: %s", err)
			os.Exit(1)
		}
	}

	if *logLevel != "" {
		c.Settings["logging"] = mergeMap(c.Settings["logging"], "level", *logLevel)
	}
	if opts.backend == qio.LoopbackBackendName {
		c.Settings["loopback"] = mergeMap(c.Settings["loopback"], "enabled", true)
	}

	var err error
	opts.addr, err = netip.ParseAddrPort(*address)
	if err != nil {
		fmt.Printf("invalid -address %q: %s\n", *address, err)
		os.Exit(1)
	}

	size, err := humanize.ParseBytes(*bufSize)
	if err != nil {
		fmt.Printf("invalid -bufsize %q: %s\n", *bufSize, err)
		os.Exit(1)
	}
	opts.bufSize = int(size)

	if err := opts.validate(); err != nil {
		fmt.Println(err)
		flag.Usage()
		os.Exit(1)
	}

	d, err := qio.Main(c, *configTest, Build, l)
	if err != nil {
		util.LogWithContextIfNeeded("Failed to start", err, l)
		os.Exit(1)
	}

	if *configTest {
		os.Exit(0)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	go c.CatchHUP(ctx)

	err = run(ctx, l, d, opts)
	if shutdownErr := d.Shutdown(); shutdownErr != nil {
		l.WithError(shutdownErr).Warn("Failed to close every queue cleanly")
	}
	if err != nil && ctx.Err() == nil {
		util.LogWithContextIfNeeded("Echo failed", err, l)
		os.Exit(1)
	}

	os.Exit(0)
}

func run(ctx context.Context, l *logrus.Logger, d *qio.Dispatcher, opts echoOpts) error {
	g, ctx := errgroup.WithContext(ctx)

	if opts.peer != "client" {
		lqd, err := listen(d, opts)
		if err != nil {
			return err
		}

		notifyReady(l)
		g.Go(func() error {
			return serve(ctx, l, d, lqd, opts)
		})
	}

	if opts.peer != "server" {
		g.Go(func() error {
			err := client(ctx, l, d, opts)
			if err == nil && opts.peer == "both" {
				// The client is done, take the server down with it
				return errDone
			}
			return err
		})
	}

	err := g.Wait()
	if err == errDone {
		return nil
	}
	return err
}

// mergeMap sets k in what is expected to be a config sub map, creating it if needed.
func mergeMap(v any, k string, val any) map[string]any {
	mv, ok := v.(map[string]any)
	if !ok {
		mv = map[string]any{}
	}
	mv[k] = val
	return mv
}
