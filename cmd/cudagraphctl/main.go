// Command cudagraphctl is the operator CLI for cudagraphtreesd, the
// thin counterpart to the long-running daemon, modeled on cmd/muscle's
// split between daemon and control commands.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/nicolagi/cudagraphtrees/config"
	"github.com/nicolagi/cudagraphtrees/debugrpc"
	"github.com/nicolagi/cudagraphtrees/netutil"
)

var globalContext struct {
	base string
	wait time.Duration
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.StringVar(&globalContext.base, "base", config.DefaultBaseDirectoryPath, "base directory for configuration")
	fs.DurationVar(&globalContext.wait, "wait", 0, "wait up to this long for the daemon's debug listener to come up before dialing")
	return fs
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: cudagraphctl <stats|dump> [-base dir] [-wait duration]")
		os.Exit(2)
	}
	cmd := os.Args[1]
	fs := newFlagSet(cmd)
	if err := fs.Parse(os.Args[2:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	cfg, err := config.Load(globalContext.base)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not load config: %v\n", err)
		os.Exit(1)
	}

	if globalContext.wait > 0 && cfg.DebugNet == "tcp" {
		if err := netutil.WaitForListener(cfg.DebugAddr, globalContext.wait); err != nil {
			fmt.Fprintf(os.Stderr, "waiting for daemon: %v\n", err)
			os.Exit(1)
		}
	}

	client, err := debugrpc.DialHTTP(cfg.DebugNet, cfg.DebugAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not dial %s!%s: %v\n", cfg.DebugNet, cfg.DebugAddr, err)
		os.Exit(1)
	}
	defer func() { _ = client.Close() }()

	switch cmd {
	case "stats":
		runStats(client)
	case "dump":
		runDump(client)
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", cmd)
		os.Exit(2)
	}
}

func runStats(client *debugrpc.Client) {
	stats, err := client.Stats()
	if err != nil {
		fmt.Fprintf(os.Stderr, "stats: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("manager present: %v\n", stats.HasManager)
	fmt.Printf("live callables:  %d\n", stats.LiveCallables)
	fmt.Printf("live storages:   %d\n", stats.LiveStorages)
	fmt.Printf("root count:      %d\n", stats.RootCount)
	fmt.Printf("debug fail count:          %d\n", stats.DebugFailCount)
	fmt.Printf("debug checkpointing count: %d\n", stats.DebugCheckpointingCount)
}

func runDump(client *debugrpc.Client) {
	text, err := client.Dump()
	if err != nil {
		fmt.Fprintf(os.Stderr, "dump: %v\n", err)
		os.Exit(1)
	}
	fmt.Print(text)
}
