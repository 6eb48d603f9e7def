package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/banshee-data/iena-monitor/internal/config"
	"github.com/banshee-data/iena-monitor/internal/iena"
	"github.com/banshee-data/iena-monitor/internal/iena/monitor"
	"github.com/banshee-data/iena-monitor/internal/iena/receiver"
	"github.com/banshee-data/iena-monitor/internal/iena/store"
	"github.com/banshee-data/iena-monitor/internal/metrics"
	"github.com/banshee-data/iena-monitor/internal/monitoring"
	"github.com/banshee-data/iena-monitor/internal/timeutil"
)

func handleReceive(ctx context.Context, args []string) error {
	var common commonFlags
	fs := newFlagSet("receive", &common)
	addReplayFlags(fs, &common)
	cfg, err := loadConfig(fs, &common, args)
	if err != nil {
		return err
	}
	metrics.Register()
	return runReceive(ctx, cfg, &common, timeutil.RealClock{})
}

// runReceive ingests the configured stream until ctx is cancelled or the
// transport fails. A finished replay keeps the web UI up until ctx ends.
// clock stamps samples and paces the statistics log.
func runReceive(ctx context.Context, cfg *config.Config, common *commonFlags, clock timeutil.Clock) error {
	names, doc, err := parameters(cfg)
	if err != nil {
		return err
	}
	selected, err := config.ResolveParameters(names, cfg.GetVars())
	if err != nil {
		return err
	}
	key, hasKey := cfg.GetKey()
	if !hasKey && doc != nil && doc.HasKey {
		key, hasKey = doc.Key, true
	}

	rcv, err := receiver.New(receiver.Config{
		FilterKey:   key,
		AnyKey:      !hasKey,
		ParamNames:  names,
		Capacity:    cfg.GetCapacity(),
		PollTimeout: cfg.GetReceiveTimeout(),
		Strict:      cfg.GetStrictParamCount(),
		Clock:       clock,
	})
	if err != nil {
		return err
	}

	t, err := openTransport(cfg, common)
	if err != nil {
		return err
	}
	defer t.Close()

	var st *store.Store
	if path := cfg.GetDB(); path != "" {
		if st, err = store.Open(path); err != nil {
			return err
		}
		defer st.Close()
	}

	if err := rcv.Start(t); err != nil {
		return err
	}
	defer rcv.Stop()
	started := clock.Now()

	keyLabel := "any key"
	if hasKey {
		keyLabel = iena.FormatKey(key)
	}
	monitoring.Logf("receiving %s with %d parameters, plotting %s (session %s)",
		keyLabel, len(names), strings.Join(selected, ", "), rcv.SessionID())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	httpErr := make(chan error, 1)
	httpDone := make(chan struct{})
	if addr := cfg.GetHTTPListen(); addr != "" {
		ws := monitor.NewWebServer(monitor.WebServerConfig{
			Address:  addr,
			Source:   rcv,
			Selected: selected,
			Window:   cfg.GetWindow(),
			Metadata: doc,
			Store:    st,
		})
		go func() {
			defer close(httpDone)
			if err := ws.Start(ctx); err != nil {
				httpErr <- err
			}
		}()
	} else {
		close(httpDone)
	}
	defer func() {
		cancel()
		<-httpDone
	}()

	ticker := clock.NewTicker(cfg.GetLogInterval())
	defer ticker.Stop()

	done := rcv.Done()
	for {
		select {
		case <-ctx.Done():
			monitoring.Logf("stopping after %d packets in %s", rcv.PacketCount(), clock.Since(started).Round(time.Second))
			return nil
		case err := <-httpErr:
			return err
		case <-done:
			done = nil
			err := rcv.Err()
			if err != nil && !errors.Is(err, io.EOF) {
				return fmt.Errorf("receiver: %w", err)
			}
			rcv.Stats().LogStats()
			monitoring.Logf("replay complete after %d packets", rcv.PacketCount())
			if cfg.GetHTTPListen() == "" {
				return nil
			}
		case <-ticker.C():
			rcv.Stats().LogStats()
			if cfg.GetHTTPListen() == "" {
				logLatest(rcv, selected)
			}
		}
	}
}

// logLatest prints the newest selected values when no web UI is running.
func logLatest(rcv *receiver.Receiver, selected []string) {
	values, ts, ok := rcv.Latest()
	if !ok {
		monitoring.Logf("no samples yet")
		return
	}
	parts := make([]string, 0, len(selected))
	for _, name := range selected {
		parts = append(parts, fmt.Sprintf("%s=%g", name, values[name]))
	}
	monitoring.Logf("latest at %s: %s", ts.Format("15:04:05.000"), strings.Join(parts, " "))
}
