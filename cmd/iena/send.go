package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/banshee-data/iena-monitor/internal/config"
	"github.com/banshee-data/iena-monitor/internal/iena"
	"github.com/banshee-data/iena-monitor/internal/iena/network"
	"github.com/banshee-data/iena-monitor/internal/iena/xidml"
	"github.com/banshee-data/iena-monitor/internal/monitoring"
)

const (
	defaultSendKey    = 0x0A01
	defaultSendParams = 3
	simPackage        = "iena-sim"
)

func handleSend(ctx context.Context, args []string) error {
	var common commonFlags
	fs := newFlagSet("send", &common)
	count := fs.Int("count", 0, "Stop after this many packets (0 runs until interrupted)")
	cfg, err := loadConfig(fs, &common, args)
	if err != nil {
		return err
	}
	return runSend(ctx, cfg, *count, nil)
}

// runSend publishes packets whose parameter i is uniform in [0, i+1] at the
// configured rate. The stream description is written to the xidml path when
// one is configured. factory may be nil for real sockets.
func runSend(ctx context.Context, cfg *config.Config, count int, factory network.SocketFactory) error {
	groups := cfg.GetGroups()
	if len(groups) == 0 {
		return fmt.Errorf("%w: send needs a group", config.ErrInvalid)
	}
	n := cfg.GetParamCount()
	if n <= 0 {
		n = defaultSendParams
	}
	key, ok := cfg.GetKey()
	if !ok {
		key = defaultSendKey
	}
	names := generatedNames(n)

	if path := cfg.GetXidML(); path != "" {
		if err := xidml.Save(path, xidml.Generate(simPackage, key, names)); err != nil {
			return err
		}
		monitoring.Logf("wrote stream description to %s", path)
	}

	codec, err := iena.NewCodec(n)
	if err != nil {
		return err
	}
	sender, err := network.OpenSender(network.SenderConfig{
		Group:         groups[0],
		Port:          cfg.GetPort(),
		TTL:           cfg.GetTTL(),
		Interface:     cfg.GetInterface(),
		LogInterval:   cfg.GetLogInterval(),
		SocketFactory: factory,
	})
	if err != nil {
		return err
	}
	defer sender.Close()

	interval := time.Duration(float64(time.Second) / cfg.GetRateHz())
	monitoring.Logf("sending %s with %d parameters to %s every %s",
		iena.FormatKey(key), n, sender.Destination(), interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	progress := time.NewTicker(time.Second)
	defer progress.Stop()

	values := make([]float32, n)
	var seq uint16
	sent := 0
	for count <= 0 || sent < count {
		for i := range values {
			values[i] = rand.Float32() * float32(i+1)
		}
		pkt, err := codec.Encode(key, seq, values, 0)
		if err != nil {
			return err
		}
		if err := sender.Send(pkt); err != nil {
			return err
		}
		seq++
		sent++
		if count > 0 && sent >= count {
			break
		}

	wait:
		for {
			select {
			case <-ctx.Done():
				monitoring.Logf("sent %d packets", sent)
				return nil
			case <-progress.C:
				monitoring.Logf("sent %d packets (last sequence %d)", sent, seq-1)
			case <-ticker.C:
				break wait
			}
		}
	}
	monitoring.Logf("sent %d packets", sent)
	return nil
}
