package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/banshee-data/iena-monitor/internal/config"
	"github.com/banshee-data/iena-monitor/internal/iena"
	"github.com/banshee-data/iena-monitor/internal/iena/discovery"
	"github.com/banshee-data/iena-monitor/internal/iena/network"
	"github.com/banshee-data/iena-monitor/internal/iena/store"
	"github.com/banshee-data/iena-monitor/internal/metrics"
	"github.com/banshee-data/iena-monitor/internal/monitoring"
	"github.com/banshee-data/iena-monitor/internal/timeutil"
)

var errNoStreams = errors.New("no IENA streams found")

// openTransport opens the replay file when one is given, otherwise the
// configured multicast socket.
func openTransport(cfg *config.Config, common *commonFlags) (network.Transport, error) {
	if common.pcap != "" {
		return network.OpenPCAP(network.PCAPConfig{
			Path:     common.pcap,
			Port:     cfg.GetPort(),
			Realtime: common.realtime,
			Speed:    common.speed,
		})
	}
	return network.Open(network.MulticastConfig{
		Groups:    cfg.GetGroups(),
		Port:      cfg.GetPort(),
		Interface: cfg.GetInterface(),
	})
}

func handleDiscover(ctx context.Context, args []string) error {
	var common commonFlags
	fs := newFlagSet("discover", &common)
	addReplayFlags(fs, &common)
	receive := fs.Bool("receive", false, "Select a stream after the scan and start receiving it")
	cfg, err := loadConfig(fs, &common, args)
	if err != nil {
		return err
	}
	metrics.Register()

	result, err := runDiscover(ctx, cfg, &common, os.Stdout)
	if err != nil {
		return err
	}
	if !*receive {
		return nil
	}

	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	rec, err := selectStream(os.Stdin, os.Stdout, result.Sorted(), interactive)
	if err != nil {
		return err
	}
	key := iena.FormatKey(rec.Key)
	cfg.Key = &key
	monitoring.Logf("receiving stream %s", rec.Identity)
	return runReceive(ctx, cfg, &common, timeutil.RealClock{})
}

// runDiscover scans, prints the streams found and records the scan when a
// database is configured.
func runDiscover(ctx context.Context, cfg *config.Config, common *commonFlags, out io.Writer) (discovery.Result, error) {
	names, _, err := parameters(cfg)
	if err != nil {
		return nil, err
	}
	t, err := openTransport(cfg, common)
	if err != nil {
		return nil, err
	}
	defer t.Close()

	started := time.Now()
	monitoring.Logf("scanning for %s (%d parameters per packet)", cfg.GetScanDuration(), len(names))
	result, err := discovery.Discover(ctx, t, discovery.Options{
		Duration:    cfg.GetScanDuration(),
		ParamCount:  len(names),
		PollTimeout: cfg.GetDiscoveryPoll(),
		Strict:      cfg.GetStrictParamCount(),
	})
	if err != nil {
		return result, err
	}
	printStreams(out, result.Sorted())

	if path := cfg.GetDB(); path != "" {
		st, err := store.Open(path)
		if err != nil {
			return result, err
		}
		defer st.Close()
		scan := store.NewScan(started, cfg.GetScanDuration(), cfg.GetGroups(), cfg.GetPort(), len(names), result)
		id, err := st.RecordScan(ctx, scan)
		if err != nil {
			return result, fmt.Errorf("record scan: %w", err)
		}
		monitoring.Logf("scan %s stored in %s", id, path)
	}
	return result, nil
}

func printStreams(out io.Writer, records []discovery.Record) {
	if len(records) == 0 {
		fmt.Fprintln(out, "No IENA streams found")
		return
	}
	fmt.Fprintf(out, "%-3s  %-8s  %-16s  %-16s  %8s  %9s  %6s\n", "#", "KEY", "SOURCE", "GROUP", "PACKETS", "RATE (Hz)", "N2")
	for i, r := range records {
		group := "-"
		if r.Group.IsValid() {
			group = r.Group.String()
		}
		fmt.Fprintf(out, "%-3d  %-8s  %-16s  %-16s  %8d  %9.1f  %6d\n",
			i+1, iena.FormatKey(r.Key), r.Source, group, r.Count, r.Rate(), r.DeclaredParams)
	}
}

// selectStream picks the stream to receive. A single stream is chosen
// without asking. Several streams need an interactive prompt.
func selectStream(in io.Reader, out io.Writer, records []discovery.Record, interactive bool) (discovery.Record, error) {
	switch {
	case len(records) == 0:
		return discovery.Record{}, errNoStreams
	case len(records) == 1:
		return records[0], nil
	case !interactive:
		return discovery.Record{}, fmt.Errorf("%d streams found; pass --key to choose one", len(records))
	}

	reader := bufio.NewReader(in)
	for {
		fmt.Fprintf(out, "Select stream [1-%d]: ", len(records))
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return discovery.Record{}, fmt.Errorf("failed to read input: %w", err)
		}
		n, convErr := strconv.Atoi(strings.TrimSpace(line))
		if convErr == nil && n >= 1 && n <= len(records) {
			return records[n-1], nil
		}
		fmt.Fprintf(out, "Invalid choice %q\n", strings.TrimSpace(line))
		if err != nil {
			return discovery.Record{}, fmt.Errorf("failed to read input: %w", err)
		}
	}
}
