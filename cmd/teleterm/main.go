// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Command teleterm is the CLI entrypoint for the streamer, watcher,
// and relay server, dispatched by subcommand exactly like the
// teacher's health-subcommand idiom in cmd/nbackup-agent.
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "stream":
		err = runStream(os.Args[2:])
	case "watch":
		err = runWatch(os.Args[2:])
	case "server":
		err = runServer(os.Args[2:])
	case "record":
		err = runRecord(os.Args[2:])
	case "play":
		err = runPlay(os.Args[2:])
	case "-h", "--help", "help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "teleterm: unknown subcommand %q\n", os.Args[1])
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: teleterm <command> [flags]

commands:
  stream [--login-plain USER | --login-recurse-center] [--address HOST:PORT] [--tls] [--buffer-size BYTES] [CMD [ARGS...]]
  watch [--username USER] [--address HOST:PORT]
  server [--config PATH]
  record FILE
  play FILE`)
}
