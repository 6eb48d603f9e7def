package main

import (
	"flag"
	"fmt"

	"github.com/banshee-data/iena-monitor/internal/config"
	"github.com/banshee-data/iena-monitor/internal/iena/xidml"
	"github.com/banshee-data/iena-monitor/internal/monitoring"
)

// commonFlags are shared by the subcommands that touch the network.
type commonFlags struct {
	configPath string
	verbose    bool
	pcap       string
	realtime   bool
	speed      float64
}

// newFlagSet registers the configuration flags on a new FlagSet. Flags are
// declared with their defaults for help output only; values are copied into
// the config when the flag is set explicitly.
func newFlagSet(name string, common *commonFlags) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.StringVar(&common.configPath, "config", "", "JSON configuration file")
	fs.BoolVar(&common.verbose, "v", false, "Verbose logging")

	fs.String("group", config.DefaultGroup, "Comma-separated multicast groups; empty for unicast")
	fs.Int("port", config.DefaultPort, "UDP port")
	fs.String("iface", "", "Local IPv4 address of the interface to join on")
	fs.Int("ttl", config.DefaultTTL, "Multicast TTL for send")
	fs.String("duration", config.DefaultScanDuration.String(), "Discovery scan duration")
	fs.String("poll", config.DefaultDiscoveryPoll.String(), "Discovery receive poll timeout")
	fs.String("key", "", "Stream key, e.g. 0x0A01 (receive: empty accepts any key)")
	fs.Int("params", 0, "Parameter count when no XidML file is given")
	fs.String("vars", "", "Comma-separated parameters to plot")
	fs.String("xidml", "", "XidML parameter description (send: file to write)")
	fs.String("window", config.DefaultWindow.String(), "Plot window")
	fs.Int("capacity", config.DefaultCapacity, "Samples kept per parameter")
	fs.String("timeout", config.DefaultReceiveTimeout.String(), "Receive poll timeout")
	fs.Bool("strict", false, "Reject packets whose declared parameter count differs")
	fs.String("http", config.DefaultHTTPListen, "HTTP listen address; empty disables the web UI")
	fs.String("db", "", "SQLite database for discovery history")
	fs.String("log-interval", config.DefaultLogInterval.String(), "Statistics log interval")
	fs.Float64("rate", config.DefaultRateHz, "Send rate in packets per second")
	return fs
}

// addReplayFlags registers the capture replay flags.
func addReplayFlags(fs *flag.FlagSet, common *commonFlags) {
	fs.StringVar(&common.pcap, "pcap", "", "Replay IENA datagrams from a pcap/pcapng file")
	fs.BoolVar(&common.realtime, "realtime", false, "Pace replay by capture timestamps")
	fs.Float64Var(&common.speed, "speed", 1, "Replay speed multiplier with --realtime")
}

// loadConfig parses args, loads the config file when given and applies the
// explicitly set flags on top.
func loadConfig(fs *flag.FlagSet, common *commonFlags, args []string) (*config.Config, error) {
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	monitoring.SetVerbose(common.verbose)

	cfg := config.Empty()
	if common.configPath != "" {
		loaded, err := config.Load(common.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	applyFlags(cfg, fs)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyFlags copies every explicitly set flag into cfg.
func applyFlags(cfg *config.Config, fs *flag.FlagSet) {
	fs.Visit(func(f *flag.Flag) {
		getter, ok := f.Value.(flag.Getter)
		if !ok {
			return
		}
		switch v := getter.Get().(type) {
		case string:
			applyString(cfg, f.Name, v)
		case int:
			switch f.Name {
			case "port":
				cfg.Port = &v
			case "ttl":
				cfg.TTL = &v
			case "params":
				cfg.ParamCount = &v
			case "capacity":
				cfg.Capacity = &v
			}
		case bool:
			if f.Name == "strict" {
				cfg.StrictParamCount = &v
			}
		case float64:
			if f.Name == "rate" {
				cfg.RateHz = &v
			}
		}
	})
}

func applyString(cfg *config.Config, name, v string) {
	switch name {
	case "group":
		// An explicit empty list means unicast; nil means the default group.
		cfg.Groups = config.SplitList(v)
		if cfg.Groups == nil {
			cfg.Groups = []string{}
		}
	case "iface":
		cfg.Interface = &v
	case "duration":
		cfg.ScanDuration = &v
	case "poll":
		cfg.DiscoveryPoll = &v
	case "key":
		cfg.Key = &v
	case "vars":
		cfg.Vars = config.SplitList(v)
	case "xidml":
		cfg.XidML = &v
	case "window":
		cfg.Window = &v
	case "timeout":
		cfg.ReceiveTimeout = &v
	case "http":
		cfg.HTTPListen = &v
	case "db":
		cfg.DB = &v
	case "log-interval":
		cfg.LogInterval = &v
	}
}

// parameters returns the stream's parameter names and, when a XidML file is
// configured, its document.
func parameters(cfg *config.Config) ([]string, *xidml.Document, error) {
	if path := cfg.GetXidML(); path != "" {
		doc, err := xidml.Load(path)
		if err != nil {
			return nil, nil, err
		}
		return doc.Names(), doc, nil
	}
	n := cfg.GetParamCount()
	if n <= 0 {
		return nil, nil, fmt.Errorf("%w: no parameters: give --xidml or --params", config.ErrInvalid)
	}
	return generatedNames(n), nil, nil
}

// generatedNames names n parameters a..z, or p1..pN past 26.
func generatedNames(n int) []string {
	if n <= 26 {
		return xidml.AlphabetNames(n)
	}
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("p%d", i+1)
	}
	return names
}
