package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/banshee-data/iena-monitor/internal/iena"
	"github.com/banshee-data/iena-monitor/internal/iena/network"
	"github.com/banshee-data/iena-monitor/internal/iena/store"
)

func handleIfaces(args []string) error {
	fs := flag.NewFlagSet("ifaces", flag.ContinueOnError)
	all := fs.Bool("all", false, "Include interfaces that cannot carry multicast")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return printInterfaces(os.Stdout, network.SystemInterfaces{}, *all)
}

// printInterfaces lists interfaces with their IPv4 addresses. Only usable
// multicast interfaces are shown unless all is set.
func printInterfaces(out io.Writer, p network.InterfaceProvider, all bool) error {
	infos, err := network.ListInterfaces(p)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%-5s  %-12s  %-32s  %s\n", "INDEX", "NAME", "IPV4", "FLAGS")
	shown := 0
	for _, info := range infos {
		usable := info.Up && info.Multicast && !info.Loopback && len(info.IPv4) > 0
		if !usable && !all {
			continue
		}
		addrs := make([]string, len(info.IPv4))
		for i, a := range info.IPv4 {
			addrs[i] = a.String()
		}
		var flags []string
		if info.Up {
			flags = append(flags, "up")
		}
		if info.Multicast {
			flags = append(flags, "multicast")
		}
		if info.Loopback {
			flags = append(flags, "loopback")
		}
		fmt.Fprintf(out, "%-5d  %-12s  %-32s  %s\n", info.Index, info.Name, strings.Join(addrs, ","), strings.Join(flags, ","))
		shown++
	}
	if shown == 0 {
		fmt.Fprintln(out, "No multicast-capable interfaces; joins will use the OS default")
	}
	return nil
}

func handleScans(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("scans", flag.ContinueOnError)
	dbPath := fs.String("db", "", "SQLite database holding discovery history (required)")
	limit := fs.Int("limit", 10, "Number of scans to list")
	show := fs.String("id", "", "Show the streams of one scan")
	del := fs.String("delete", "", "Delete one scan")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dbPath == "" {
		return fmt.Errorf("--db is required")
	}
	st, err := store.Open(*dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	switch {
	case *del != "":
		if err := st.DeleteScan(ctx, *del); err != nil {
			return err
		}
		fmt.Printf("Deleted scan %s\n", *del)
		return nil
	case *show != "":
		return printScanStreams(ctx, os.Stdout, st, *show)
	default:
		return printScans(ctx, os.Stdout, st, *limit)
	}
}

func printScans(ctx context.Context, out io.Writer, st *store.Store, limit int) error {
	scans, err := st.RecentScans(ctx, limit)
	if err != nil {
		return err
	}
	if len(scans) == 0 {
		fmt.Fprintln(out, "No scans recorded")
		return nil
	}
	fmt.Fprintf(out, "%-36s  %-19s  %8s  %-24s  %5s  %7s\n", "ID", "STARTED", "DURATION", "GROUPS", "PORT", "STREAMS")
	for _, s := range scans {
		groups := strings.Join(s.Groups, ",")
		if groups == "" {
			groups = "(unicast)"
		}
		fmt.Fprintf(out, "%-36s  %-19s  %8s  %-24s  %5d  %7d\n",
			s.ID, s.StartedAt.Local().Format(time.DateTime), s.Duration, groups, s.Port, s.StreamCount)
	}
	return nil
}

func printScanStreams(ctx context.Context, out io.Writer, st *store.Store, id string) error {
	streams, err := st.ScanStreams(ctx, id)
	if err != nil {
		return err
	}
	if len(streams) == 0 {
		fmt.Fprintf(out, "Scan %s has no streams\n", id)
		return nil
	}
	fmt.Fprintf(out, "%-8s  %-16s  %-16s  %8s  %9s  %6s\n", "KEY", "SOURCE", "GROUP", "PACKETS", "RATE (Hz)", "N2")
	for _, s := range streams {
		group := s.Group
		if group == "" {
			group = "-"
		}
		fmt.Fprintf(out, "%-8s  %-16s  %-16s  %8d  %9.1f  %6d\n",
			iena.FormatKey(s.Key), s.Source, group, s.Count, s.Rate, s.DeclaredParams)
	}
	return nil
}
