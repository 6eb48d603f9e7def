// Package config loads the monitor's JSON configuration. Every field is
// optional; Get* accessors supply the defaults.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Defaults.
const (
	DefaultGroup          = "239.1.1.1"
	DefaultPort           = 5001
	DefaultTTL            = 1
	DefaultScanDuration   = 5 * time.Second
	DefaultWindow         = 30 * time.Second
	DefaultCapacity       = 10000
	DefaultReceiveTimeout = time.Second
	DefaultDiscoveryPoll  = 500 * time.Millisecond
	DefaultHTTPListen     = ":8090"
	DefaultRateHz         = 10.0
	DefaultLogInterval    = 10 * time.Second
	// DefaultPlotVars is how many parameters are plotted when none are named.
	DefaultPlotVars = 3
)

// ErrInvalid marks configuration errors. They are reported before any
// socket is opened.
var ErrInvalid = errors.New("invalid configuration")

// Config is the root configuration. Pointer fields distinguish "unset"
// from zero values so partial files are safe.
type Config struct {
	// Network
	Groups    []string `json:"groups,omitempty"`
	Port      *int     `json:"port,omitempty"`
	Interface *string  `json:"interface,omitempty"` // local IPv4 address
	TTL       *int     `json:"ttl,omitempty"`

	// Discovery
	ScanDuration  *string `json:"scan_duration,omitempty"` // duration string like "5s"
	DiscoveryPoll *string `json:"discovery_poll,omitempty"`

	// Receiver
	ParamCount       *int     `json:"param_count,omitempty"` // used when no XidML file is given
	Key              *string  `json:"key,omitempty"`         // "0x0A01"
	Vars             []string `json:"vars,omitempty"`
	XidML            *string  `json:"xidml,omitempty"`
	Window           *string  `json:"window,omitempty"`
	Capacity         *int     `json:"capacity,omitempty"`
	ReceiveTimeout   *string  `json:"receive_timeout,omitempty"`
	StrictParamCount *bool    `json:"strict_param_count,omitempty"`

	// Outputs
	HTTPListen  *string `json:"http_listen,omitempty"`
	DB          *string `json:"db,omitempty"`
	LogInterval *string `json:"log_interval,omitempty"`

	// Sender
	RateHz *float64 `json:"rate_hz,omitempty"`
}

// Helper functions to create pointers
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrFloat64(v float64) *float64 { return &v }

// Empty returns a Config with every field unset.
func Empty() *Config {
	return &Config{}
}

// Load reads a Config from a JSON file. The file must have a .json
// extension and be at most 1 MiB.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Empty()
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func invalid(format string, v ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, v...))
}

// Validate checks every set field.
func (c *Config) Validate() error {
	// An explicit empty group list selects unicast/broadcast receive.
	for _, g := range c.Groups {
		addr, err := netip.ParseAddr(strings.TrimSpace(g))
		if err != nil {
			return invalid("group %q: %v", g, err)
		}
		if !addr.Is4() || !addr.IsMulticast() {
			return invalid("group %q is not an IPv4 multicast address", g)
		}
	}
	if c.Port != nil && (*c.Port < 1 || *c.Port > 65535) {
		return invalid("port must be between 1 and 65535, got %d", *c.Port)
	}
	if c.Interface != nil && *c.Interface != "" {
		addr, err := netip.ParseAddr(*c.Interface)
		if err != nil || !addr.Is4() {
			return invalid("interface %q is not an IPv4 address", *c.Interface)
		}
	}
	if c.TTL != nil && (*c.TTL < 0 || *c.TTL > 255) {
		return invalid("ttl must be between 0 and 255, got %d", *c.TTL)
	}
	for name, value := range map[string]*string{
		"scan_duration":   c.ScanDuration,
		"discovery_poll":  c.DiscoveryPoll,
		"window":          c.Window,
		"receive_timeout": c.ReceiveTimeout,
		"log_interval":    c.LogInterval,
	} {
		if value == nil || *value == "" {
			continue
		}
		d, err := time.ParseDuration(*value)
		if err != nil {
			return invalid("%s %q: %v", name, *value, err)
		}
		if d <= 0 {
			return invalid("%s must be positive, got %s", name, *value)
		}
	}
	if c.ParamCount != nil && *c.ParamCount < 0 {
		return invalid("param_count must not be negative, got %d", *c.ParamCount)
	}
	if c.Capacity != nil && *c.Capacity < 1 {
		return invalid("capacity must be at least 1, got %d", *c.Capacity)
	}
	if c.Key != nil && *c.Key != "" {
		if _, err := ParseKey(*c.Key); err != nil {
			return invalid("key: %v", err)
		}
	}
	if c.RateHz != nil && *c.RateHz <= 0 {
		return invalid("rate_hz must be positive, got %g", *c.RateHz)
	}
	seen := make(map[string]bool, len(c.Vars))
	for _, v := range c.Vars {
		if v == "" {
			return invalid("vars contains an empty name")
		}
		if seen[v] {
			return invalid("vars lists %q twice", v)
		}
		seen[v] = true
	}
	return nil
}

// ParseKey parses an IENA key written as 0x-prefixed hex, decimal, or bare
// hex.
func ParseKey(s string) (uint16, error) {
	s = strings.TrimSpace(s)
	if v, err := strconv.ParseUint(s, 0, 16); err == nil {
		return uint16(v), nil
	}
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid IENA key %q", s)
	}
	return uint16(v), nil
}

func durationOr(value *string, def time.Duration) time.Duration {
	if value == nil || *value == "" {
		return def
	}
	d, err := time.ParseDuration(*value)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// GetGroups returns the multicast groups. Unparsable entries are skipped;
// Validate reports them.
func (c *Config) GetGroups() []netip.Addr {
	groups := c.Groups
	if groups == nil {
		groups = []string{DefaultGroup}
	}
	out := make([]netip.Addr, 0, len(groups))
	for _, g := range groups {
		if addr, err := netip.ParseAddr(strings.TrimSpace(g)); err == nil {
			out = append(out, addr)
		}
	}
	return out
}

// GetPort returns the UDP port or the default.
func (c *Config) GetPort() int {
	if c.Port == nil {
		return DefaultPort
	}
	return *c.Port
}

// GetInterface returns the local interface address, or the zero Addr for
// all interfaces.
func (c *Config) GetInterface() netip.Addr {
	if c.Interface == nil || *c.Interface == "" {
		return netip.Addr{}
	}
	addr, err := netip.ParseAddr(*c.Interface)
	if err != nil {
		return netip.Addr{}
	}
	return addr
}

// GetTTL returns the sender TTL or the default.
func (c *Config) GetTTL() int {
	if c.TTL == nil {
		return DefaultTTL
	}
	return *c.TTL
}

// GetScanDuration returns the discovery scan length.
func (c *Config) GetScanDuration() time.Duration {
	return durationOr(c.ScanDuration, DefaultScanDuration)
}

// GetDiscoveryPoll returns the discovery receive timeout.
func (c *Config) GetDiscoveryPoll() time.Duration {
	return durationOr(c.DiscoveryPoll, DefaultDiscoveryPoll)
}

// GetWindow returns the snapshot window.
func (c *Config) GetWindow() time.Duration {
	return durationOr(c.Window, DefaultWindow)
}

// GetReceiveTimeout returns the receiver poll timeout.
func (c *Config) GetReceiveTimeout() time.Duration {
	return durationOr(c.ReceiveTimeout, DefaultReceiveTimeout)
}

// GetLogInterval returns how often statistics are logged.
func (c *Config) GetLogInterval() time.Duration {
	return durationOr(c.LogInterval, DefaultLogInterval)
}

// GetCapacity returns the per-parameter sample capacity.
func (c *Config) GetCapacity() int {
	if c.Capacity == nil {
		return DefaultCapacity
	}
	return *c.Capacity
}

// GetParamCount returns the configured parameter count, 0 if unset.
func (c *Config) GetParamCount() int {
	if c.ParamCount == nil {
		return 0
	}
	return *c.ParamCount
}

// GetKey returns the configured stream key and whether one is set.
func (c *Config) GetKey() (uint16, bool) {
	if c.Key == nil || *c.Key == "" {
		return 0, false
	}
	k, err := ParseKey(*c.Key)
	if err != nil {
		return 0, false
	}
	return k, true
}

// GetVars returns the requested parameter names.
func (c *Config) GetVars() []string {
	return c.Vars
}

// GetXidML returns the metadata file path, empty if unset.
func (c *Config) GetXidML() string {
	if c.XidML == nil {
		return ""
	}
	return *c.XidML
}

// GetHTTPListen returns the monitor listen address.
func (c *Config) GetHTTPListen() string {
	if c.HTTPListen == nil {
		return DefaultHTTPListen
	}
	return *c.HTTPListen
}

// GetDB returns the scan history database path, empty if disabled.
func (c *Config) GetDB() string {
	if c.DB == nil {
		return ""
	}
	return *c.DB
}

// GetStrictParamCount reports whether packets declaring a different
// parameter count are rejected.
func (c *Config) GetStrictParamCount() bool {
	if c.StrictParamCount == nil {
		return false
	}
	return *c.StrictParamCount
}

// GetRateHz returns the sender packet rate.
func (c *Config) GetRateHz() float64 {
	if c.RateHz == nil {
		return DefaultRateHz
	}
	return *c.RateHz
}

// ResolveParameters checks the requested names against the available ones
// and returns the selection. With no request the first DefaultPlotVars
// names are selected.
func ResolveParameters(available, requested []string) ([]string, error) {
	if len(available) == 0 {
		return nil, invalid("no parameters configured")
	}
	if len(requested) == 0 {
		n := min(DefaultPlotVars, len(available))
		return append([]string(nil), available[:n]...), nil
	}
	known := make(map[string]bool, len(available))
	for _, name := range available {
		known[name] = true
	}
	var unknown []string
	for _, name := range requested {
		if !known[name] {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		return nil, invalid("unknown variable(s) %s; available: %s",
			strings.Join(unknown, ", "), strings.Join(available, ", "))
	}
	return append([]string(nil), requested...), nil
}

// SplitList splits a comma-separated flag value, dropping empty entries.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
