package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/banshee-data/iena-monitor/internal/version"
)

func main() {
	flag.Usage = printUsage
	flag.Parse()

	if flag.NArg() < 1 {
		printUsage()
		os.Exit(1)
	}

	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	command := flag.Arg(0)
	args := flag.Args()[1:]

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch command {
	case "discover":
		err = handleDiscover(ctx, args)
	case "receive":
		err = handleReceive(ctx, args)
	case "send":
		err = handleSend(ctx, args)
	case "ifaces":
		err = handleIfaces(args)
	case "scans":
		err = handleScans(ctx, args)
	case "version":
		fmt.Println(version.String())
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		stop()
		log.Fatalf("iena %s: %v", command, err)
	}
}

func printUsage() {
	fmt.Println(`iena - IENA multicast telemetry monitor

Usage: iena <command> [options]

Commands:
  discover   Listen for a while and list the IENA streams seen
  receive    Ingest one stream and serve live charts over HTTP
  send       Publish a synthetic stream for testing
  ifaces     List network interfaces usable for multicast
  scans      List or delete stored discovery scans
  version    Show version information
  help       Show this help message

Common Flags:
  --config <file>      JSON configuration file (flags override it)
  --group <list>       Comma-separated multicast groups (empty: unicast)
  --port <n>           UDP port (default: 5001)
  --iface <addr>       Local IPv4 address of the interface to use
  --xidml <file>       XidML parameter description
  --params <n>         Parameter count when no XidML file is given
  --pcap <file>        Replay a capture instead of opening a socket
  -v                   Verbose logging

Examples:
  # Find streams on the default group
  iena discover --params 3

  # Pick a stream interactively and start the live view
  iena discover --params 3 --receive

  # Receive a known stream described by XidML
  iena receive --xidml stream.xidml --key 0x0A01 --vars alt,speed

  # Publish a test stream of 5 parameters at 20 Hz
  iena send --params 5 --rate 20 --xidml sim.xidml`)
}
