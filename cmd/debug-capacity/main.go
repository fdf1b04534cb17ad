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

// Command debug-capacity probes how many bytes a channel accepts before
// back-pressure sets in. A ring of N bytes holds at most N-1 unread bytes.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/markrussinovich/shmipc/internal/config"
	"github.com/markrussinovich/shmipc/internal/shm"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("debug-capacity", flag.ContinueOnError)
	fs.SetOutput(stderr)
	size := config.Size(shm.DefaultRingCapacity)
	fs.Var(&size, "size", "ring capacity to probe")
	chunk := fs.Int("chunk", 1000, "chunk size for the back-pressure test")
	mem := fs.Bool("mem", false, "use an in-process segment instead of /dev/shm")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	var ns shm.Namespace = shm.NewMemNamespace()
	if !*mem {
		ns = shm.DefaultNamespace()
	}
	name := fmt.Sprintf("debug-capacity-%d", os.Getpid())
	defer shm.Remove(name, ns)

	opts := shm.Options{
		RingCapacity: uint64(size),
		WriteTimeout: 50 * time.Millisecond,
		Namespace:    ns,
	}
	prod, err := shm.Create(name, shm.RoleProducer, opts)
	if err != nil {
		fmt.Fprintf(stderr, "debug-capacity: create: %v\n", err)
		return 1
	}
	defer prod.Close()
	cons, err := shm.Attach(name, shm.RoleConsumer, opts)
	if err != nil {
		fmt.Fprintf(stderr, "debug-capacity: attach: %v\n", err)
		return 1
	}
	defer cons.Close()

	snap := prod.Snapshot()
	fmt.Fprintf(stdout, "=== Ring Capacity Analysis ===\n")
	fmt.Fprintf(stdout, "Configured capacity: %d bytes (%s)\n", uint64(size), size)
	fmt.Fprintf(stdout, "Ring capacity: %d bytes\n", prod.Capacity())
	fmt.Fprintf(stdout, "Usable capacity: %d bytes\n", snap.BytesWritable)
	fmt.Fprintf(stdout, "Segment size: %s at %s\n", humanize.IBytes(snap.SegmentSize), snap.Location)

	fmt.Fprintf(stdout, "\n=== Single Write Tests ===\n")
	for _, n := range []uint64{10, 100, 1000, prod.Capacity() / 2, prod.Capacity() - 1, prod.Capacity()} {
		if n == 0 || n > prod.Capacity() {
			continue
		}
		data := make([]byte, n)
		for i := range data {
			data[i] = byte(i % 256)
		}
		w, err := prod.WriteContext(context.Background(), data, shm.FlagNonBlock)
		if err != nil {
			fmt.Fprintf(stdout, "Size %d bytes: FAIL (%v)\n", n, err)
			return 1
		}
		if uint64(w) == n {
			fmt.Fprintf(stdout, "Size %d bytes: OK\n", n)
		} else {
			fmt.Fprintf(stdout, "Size %d bytes: SHORT (%d accepted)\n", n, w)
		}
		if _, err := cons.ReadFull(make([]byte, w)); err != nil {
			fmt.Fprintf(stdout, "Drain after %d bytes failed: %v\n", w, err)
			return 1
		}
	}

	fmt.Fprintf(stdout, "\n=== Backpressure Test ===\n")
	total := 0
	data := make([]byte, *chunk)
	for i := 1; ; i++ {
		w, err := prod.Write(data)
		total += w
		if errors.Is(err, shm.ErrTimeout) {
			fmt.Fprintf(stdout, "Blocked after %d bytes written (%d chunks)\n", total, i-1)
			break
		}
		if err != nil {
			fmt.Fprintf(stdout, "Failed after %d bytes written: %v\n", total, err)
			return 1
		}
	}
	fmt.Fprintf(stdout, "High water: %d bytes\n", prod.Stats().HighWater)
	return 0
}
