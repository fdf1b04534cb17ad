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

// Command shmpeek prints the control block of one or more channels without
// joining them.
//
// Exit status is 0 when every snapshot is trustworthy, 2 when at least one
// is not (peer missing, handshake incomplete or header invalid) and 1 on
// error. -force reports every snapshot as trustworthy.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/bytedance/sonic"
	"github.com/dustin/go-humanize"
	"github.com/goccy/go-yaml"
	"go.uber.org/zap"

	"github.com/markrussinovich/shmipc/internal/config"
	"github.com/markrussinovich/shmipc/internal/logging"
	"github.com/markrussinovich/shmipc/internal/shm"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	cfg := config.LoadOrDefault()

	fs := flag.NewFlagSet("shmpeek", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&cfg.Channel.Dir, "dir", cfg.Channel.Dir, "directory holding channel segments (default /dev/shm)")
	cfg.Logging.RegisterFlags(fs)
	force := fs.Bool("force", false, "trust snapshots even when the channel is not connected")
	format := fs.String("o", "text", "output format: text, json or yaml")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "usage: shmpeek [flags] <name>...\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	lcfg := logging.DefaultConfig()
	if cfg.Logging.Development {
		lcfg = logging.DevelopmentConfig()
	}
	lcfg.Level = cfg.Logging.Level
	lcfg.Output = stderr
	log, err := logging.New(lcfg)
	if err != nil {
		fmt.Fprintf(stderr, "shmpeek: %v\n", err)
		return 2
	}
	defer log.Sync()

	ns := shm.NewFileNamespace(cfg.Channel.Dir)
	var snaps []shm.Snapshot
	code := 0
	for _, name := range fs.Args() {
		snap, err := shm.Peek(name, *force, ns)
		if err != nil {
			log.Error("peek failed", zap.String("channel", name), zap.Error(err))
			code = 1
			continue
		}
		if !snap.Trusted() {
			log.Warn("snapshot is not trustworthy",
				zap.String("channel", name), zap.Stringer("status", snap.Status), zap.String("problem", snap.Problem))
			if code == 0 {
				code = 2
			}
		}
		snaps = append(snaps, snap)
	}

	if err := render(stdout, *format, snaps); err != nil {
		log.Error("output failed", zap.Error(err))
		return 1
	}
	return code
}

func render(w io.Writer, format string, snaps []shm.Snapshot) error {
	switch format {
	case "json":
		b, err := sonic.MarshalIndent(snaps, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "%s\n", b)
		return err
	case "yaml":
		b, err := yaml.Marshal(snaps)
		if err != nil {
			return err
		}
		_, err = w.Write(b)
		return err
	case "text":
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		for i, s := range snaps {
			if i > 0 {
				fmt.Fprintln(tw)
			}
			writeText(tw, s)
		}
		return tw.Flush()
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func writeText(w io.Writer, s shm.Snapshot) {
	row := func(k string, v any) { fmt.Fprintf(w, "%s:\t%v\n", k, v) }
	row("name", s.Name)
	row("location", s.Location)
	row("status", s.Status)
	if s.Problem != "" {
		row("problem", s.Problem)
	}
	row("state", s.State)
	row("generation", s.Generation)
	row("ring capacity", fmt.Sprintf("%d (%s)", s.RingCapacity, humanize.IBytes(s.RingCapacity)))
	row("ring offset", s.RingOffset)
	row("segment size", fmt.Sprintf("%d (%s)", s.SegmentSize, humanize.IBytes(s.SegmentSize)))
	row("write hand", s.WriteHand)
	row("read hand", s.ReadHand)
	row("bytes readable", s.BytesReadable)
	row("bytes writable", s.BytesWritable)
	row("attached", s.Attached)
	row("producer pid", s.ProducerPID)
	row("consumer pid", s.ConsumerPID)
	if s.Forced {
		row("forced", true)
	}
}
