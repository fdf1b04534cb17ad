/*
 *
 * Copyright 2025 gRPC authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

// Command shmcat moves bytes between stdio and a shared memory channel.
//
//	shmcat [flags] write <name>    stdin -> channel (producer)
//	shmcat [flags] read <name>     channel -> stdout (consumer)
//	shmcat [flags] listen <name>   duplex, waits for a dialer
//	shmcat [flags] dial <name>     duplex, connects to a listener
//
// On exit it reports bytes transferred, operation count and the ring's
// high-water mark on stderr.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/markrussinovich/shmipc/internal/config"
	"github.com/markrussinovich/shmipc/internal/logging"
	"github.com/markrussinovich/shmipc/internal/metrics"
	"github.com/markrussinovich/shmipc/internal/shm"
)

const chunkSize = 32 * 1024

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

type result struct {
	label string
	stats shm.Stats
}

type options struct {
	attach bool
	wait   time.Duration
	remove bool
	quiet  bool
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	cfg := config.LoadOrDefault()

	fs := flag.NewFlagSet("shmcat", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfg.Channel.RegisterFlags(fs)
	cfg.Logging.RegisterFlags(fs)
	cfg.Metrics.RegisterFlags(fs)
	var o options
	fs.BoolVar(&o.attach, "attach", false, "wait for the peer to create the channel instead of creating it")
	fs.DurationVar(&o.wait, "wait", 0, "give up attaching after this long; 0 waits until interrupted")
	fs.BoolVar(&o.remove, "rm", false, "remove the channel on exit")
	fs.BoolVar(&o.quiet, "q", false, "do not print the transfer report")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "usage: shmcat [flags] write|read|listen|dial <name>\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 2 {
		fs.Usage()
		return 2
	}
	mode, name := fs.Arg(0), fs.Arg(1)

	lcfg := logging.DefaultConfig()
	if cfg.Logging.Development {
		lcfg = logging.DevelopmentConfig()
	}
	lcfg.Level = cfg.Logging.Level
	lcfg.Output = stderr
	log, err := logging.New(lcfg)
	if err != nil {
		fmt.Fprintf(stderr, "shmcat: %v\n", err)
		return 2
	}
	defer log.Sync()
	log = log.Named("shmcat")

	opts := cfg.Channel.Options(log.Logger)
	if cfg.Metrics.Addr != "" {
		m := metrics.NewMetrics()
		opts.Observer = m.For(name)
		stopMetrics := serveMetrics(cfg.Metrics.Addr, m, log.Logger)
		defer stopMetrics()
	}

	var report []result
	switch mode {
	case "write", "read":
		report, err = pipe(ctx, mode, name, opts, o, stdin, stdout)
	case "listen", "dial":
		report, err = duplex(ctx, mode, name, opts, o, stdin, stdout)
	default:
		fs.Usage()
		return 2
	}

	if o.remove {
		if rerr := shm.Remove(name, opts.Namespace); rerr != nil {
			log.Warn("remove failed", zap.Error(rerr))
		}
	}
	if !o.quiet {
		for _, r := range report {
			fmt.Fprintf(stderr, "shmcat: %s %s in %s operations, high water %s\n", r.label,
				humanize.IBytes(r.stats.Bytes), humanize.Comma(int64(r.stats.Operations)), humanize.IBytes(r.stats.HighWater))
		}
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Info("interrupted")
			return 130
		}
		log.Error("transfer failed", zap.String("channel", name), zap.Error(err))
		return 1
	}
	return 0
}

// open creates the channel, or dials it when -attach is set.
func open(ctx context.Context, name string, role shm.Role, opts shm.Options, o options) (*shm.Handle, error) {
	if !o.attach {
		return shm.Create(name, role, opts)
	}
	if o.wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.wait)
		defer cancel()
	}
	return shm.Dial(ctx, name, role, opts)
}

// pipe runs one direction. The handle is only touched by this goroutine;
// stdin is read by a pump goroutine so a signal never has to interrupt it.
func pipe(ctx context.Context, mode, name string, opts shm.Options, o options, stdin io.Reader, stdout io.Writer) ([]result, error) {
	role := shm.RoleConsumer
	if mode == "write" {
		role = shm.RoleProducer
	}
	h, err := open(ctx, name, role, opts, o)
	if err != nil {
		return nil, err
	}
	defer h.Close()

	if role == shm.RoleProducer {
		err = produce(ctx, h, stdin)
	} else {
		err = consume(ctx, h, stdout)
	}
	label := "received"
	if role == shm.RoleProducer {
		label = "sent"
	}
	return []result{{label, h.Stats()}}, err
}

func produce(ctx context.Context, h *shm.Handle, stdin io.Reader) error {
	chunks, errc := pump(ctx, stdin)
	for {
		select {
		case b, ok := <-chunks:
			if !ok {
				return <-errc
			}
			if _, err := h.WriteContext(ctx, b, 0); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func consume(ctx context.Context, h *shm.Handle, stdout io.Writer) error {
	buf := make([]byte, chunkSize)
	for {
		n, err := h.ReadContext(ctx, buf, 0)
		if n > 0 {
			if _, werr := stdout.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// pump reads r into fresh chunks until EOF, an error, or ctx ends. The error
// channel yields nil on EOF.
func pump(ctx context.Context, r io.Reader) (<-chan []byte, <-chan error) {
	chunks := make(chan []byte)
	errc := make(chan error, 1)
	go func() {
		defer close(chunks)
		buf := make([]byte, chunkSize)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				b := append([]byte(nil), buf[:n]...)
				select {
				case chunks <- b:
				case <-ctx.Done():
					errc <- ctx.Err()
					return
				}
			}
			if err == io.EOF {
				errc <- nil
				return
			}
			if err != nil {
				errc <- err
				return
			}
		}
	}()
	return chunks, errc
}

// duplex shovels stdin to the connection and the connection to stdout until
// the peer closes its sending side.
func duplex(ctx context.Context, mode, name string, opts shm.Options, o options, stdin io.Reader, stdout io.Writer) ([]result, error) {
	cctx := ctx
	if o.wait > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, o.wait)
		defer cancel()
	}
	var (
		c   *shm.Conn
		err error
	)
	if mode == "listen" {
		c, err = shm.Listen(cctx, name, opts)
	} else {
		c, err = shm.DialConn(cctx, name, opts)
	}
	if err != nil {
		return nil, err
	}
	defer c.Close()

	wctx, stopWriting := context.WithCancel(ctx)
	defer stopWriting()

	wdone := make(chan error, 1)
	go func() {
		chunks, errc := pump(wctx, stdin)
		for {
			select {
			case b, ok := <-chunks:
				if !ok {
					if err := <-errc; err != nil {
						wdone <- err
						return
					}
					wdone <- c.CloseWrite()
					return
				}
				if _, err := c.Write(b); err != nil {
					wdone <- err
					return
				}
			case <-wctx.Done():
				wdone <- wctx.Err()
				return
			}
		}
	}()

	rdone := make(chan error, 1)
	go func() {
		_, err := io.Copy(stdout, c)
		rdone <- err
	}()

	// Pending transfers are unblocked by expiring their deadlines.
	var rerr, werr error
	select {
	case rerr = <-rdone:
		select {
		case werr = <-wdone:
		case <-ctx.Done():
			stopWriting()
			c.SetWriteDeadline(time.Now())
			werr = <-wdone
		}
	case <-ctx.Done():
		stopWriting()
		c.SetDeadline(time.Now())
		<-rdone
		<-wdone
		rerr = ctx.Err()
	}
	read, written := c.Stats()
	if rerr == nil && werr != nil && !isShutdown(werr) {
		rerr = werr
	}
	// The peer may have torn down first; an interrupt still wins.
	if ctx.Err() != nil && (rerr == nil || isShutdown(rerr)) {
		rerr = ctx.Err()
	}
	return []result{{"sent", written}, {"received", read}}, rerr
}

// isShutdown reports errors caused by our own teardown of the writer.
func isShutdown(err error) bool {
	var ne net.Error
	return errors.Is(err, context.Canceled) || (errors.As(err, &ne) && ne.Timeout()) || errors.Is(err, shm.ErrPeerGone)
}

func serveMetrics(addr string, m *metrics.Metrics, log *zap.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("metrics server failed", zap.String("addr", addr), zap.Error(err))
		}
	}()
	log.Info("serving metrics", zap.String("addr", addr))

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}
