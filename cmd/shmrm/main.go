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

// Command shmrm removes the shared memory objects behind channel names.
// Processes that still have a channel mapped keep using it; removing a name
// that does not exist succeeds.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/markrussinovich/shmipc/internal/config"
	"github.com/markrussinovich/shmipc/internal/logging"
	"github.com/markrussinovich/shmipc/internal/shm"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

func run(args []string, stderr io.Writer) int {
	cfg := config.LoadOrDefault()

	fs := flag.NewFlagSet("shmrm", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&cfg.Channel.Dir, "dir", cfg.Channel.Dir, "directory holding channel segments (default /dev/shm)")
	cfg.Logging.RegisterFlags(fs)
	duplex := fs.Bool("duplex", false, "also remove the two directions of a listen/dial channel")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "usage: shmrm [flags] <name>...\n")
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
		fmt.Fprintf(stderr, "shmrm: %v\n", err)
		return 2
	}
	defer log.Sync()

	ns := shm.NewFileNamespace(cfg.Channel.Dir)
	code := 0
	for _, name := range fs.Args() {
		names := []string{name}
		if *duplex {
			names = append(names, name+".up", name+".down")
		}
		for _, n := range names {
			if err := shm.Remove(n, ns); err != nil {
				log.Error("remove failed", zap.String("channel", n), zap.Error(err))
				code = 1
				continue
			}
			log.Debug("removed", zap.String("channel", n), zap.String("path", ns.Locate(n)))
		}
	}
	return code
}
