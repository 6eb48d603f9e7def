package config

import (
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestEmptyConfigDefaults(t *testing.T) {
	cfg := Empty()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, []netip.Addr{netip.MustParseAddr("239.1.1.1")}, cfg.GetGroups())
	assert.Equal(t, 5001, cfg.GetPort())
	assert.False(t, cfg.GetInterface().IsValid())
	assert.Equal(t, 1, cfg.GetTTL())
	assert.Equal(t, 5*time.Second, cfg.GetScanDuration())
	assert.Equal(t, 500*time.Millisecond, cfg.GetDiscoveryPoll())
	assert.Equal(t, 30*time.Second, cfg.GetWindow())
	assert.Equal(t, time.Second, cfg.GetReceiveTimeout())
	assert.Equal(t, 10*time.Second, cfg.GetLogInterval())
	assert.Equal(t, 10000, cfg.GetCapacity())
	assert.Equal(t, ":8090", cfg.GetHTTPListen())
	assert.Empty(t, cfg.GetDB())
	assert.Empty(t, cfg.GetXidML())
	assert.False(t, cfg.GetStrictParamCount())
	assert.Equal(t, 10.0, cfg.GetRateHz())
	assert.Equal(t, 0, cfg.GetParamCount())
	_, ok := cfg.GetKey()
	assert.False(t, ok)
}

// The shipped defaults file documents every key and must agree with the
// built-in defaults.
func TestDefaultsFileMatchesBuiltins(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "config", "iena.defaults.json"))
	require.NoError(t, err)
	empty := Empty()

	assert.Equal(t, empty.GetGroups(), cfg.GetGroups())
	assert.Equal(t, empty.GetPort(), cfg.GetPort())
	assert.Equal(t, empty.GetScanDuration(), cfg.GetScanDuration())
	assert.Equal(t, empty.GetWindow(), cfg.GetWindow())
	assert.Equal(t, empty.GetCapacity(), cfg.GetCapacity())
	assert.Equal(t, empty.GetReceiveTimeout(), cfg.GetReceiveTimeout())
	assert.Equal(t, empty.GetHTTPListen(), cfg.GetHTTPListen())
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, "iena.json", `{
  "groups": ["239.1.1.1", "239.2.2.2"],
  "port": 6000,
  "interface": "192.168.28.10",
  "ttl": 4,
  "scan_duration": "2s",
  "window": "1m",
  "capacity": 500,
  "key": "0x0A01",
  "vars": ["alt", "speed"],
  "xidml": "stream.xidml",
  "db": "scans.db",
  "strict_param_count": true,
  "rate_hz": 50
}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("239.1.1.1"), netip.MustParseAddr("239.2.2.2")}, cfg.GetGroups())
	assert.Equal(t, 6000, cfg.GetPort())
	assert.Equal(t, netip.MustParseAddr("192.168.28.10"), cfg.GetInterface())
	assert.Equal(t, 4, cfg.GetTTL())
	assert.Equal(t, 2*time.Second, cfg.GetScanDuration())
	assert.Equal(t, time.Minute, cfg.GetWindow())
	assert.Equal(t, 500, cfg.GetCapacity())
	key, ok := cfg.GetKey()
	assert.True(t, ok)
	assert.Equal(t, uint16(0x0A01), key)
	assert.Equal(t, []string{"alt", "speed"}, cfg.GetVars())
	assert.Equal(t, "stream.xidml", cfg.GetXidML())
	assert.Equal(t, "scans.db", cfg.GetDB())
	assert.True(t, cfg.GetStrictParamCount())
	assert.Equal(t, 50.0, cfg.GetRateHz())
	// Unset fields keep defaults.
	assert.Equal(t, time.Second, cfg.GetReceiveTimeout())
}

func TestLoadEmptyGroupsMeansUnicast(t *testing.T) {
	cfg, err := Load(writeConfig(t, "unicast.json", `{"groups": []}`))
	require.NoError(t, err)
	assert.Empty(t, cfg.GetGroups())
}

func TestLoadRejects(t *testing.T) {
	t.Run("extension", func(t *testing.T) {
		_, err := Load(writeConfig(t, "iena.yaml", `{}`))
		assert.ErrorContains(t, err, ".json")
	})
	t.Run("missing", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
		assert.Error(t, err)
	})
	t.Run("too large", func(t *testing.T) {
		_, err := Load(writeConfig(t, "big.json", `{"xidml": "`+strings.Repeat("a", 1<<20)+`"}`))
		assert.ErrorContains(t, err, "too large")
	})
	t.Run("syntax", func(t *testing.T) {
		_, err := Load(writeConfig(t, "bad.json", `{"port": }`))
		assert.Error(t, err)
	})
	t.Run("unknown field", func(t *testing.T) {
		_, err := Load(writeConfig(t, "typo.json", `{"prot": 5001}`))
		assert.Error(t, err)
	})
	t.Run("invalid value", func(t *testing.T) {
		_, err := Load(writeConfig(t, "port.json", `{"port": 0}`))
		assert.ErrorIs(t, err, ErrInvalid)
	})
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{"bad group", Config{Groups: []string{"not-an-ip"}}},
		{"unicast group", Config{Groups: []string{"10.0.0.1"}}},
		{"ipv6 group", Config{Groups: []string{"ff02::1"}}},
		{"port high", Config{Port: ptrInt(70000)}},
		{"interface", Config{Interface: ptrString("eth0")}},
		{"ttl", Config{TTL: ptrInt(256)}},
		{"duration syntax", Config{Window: ptrString("soon")}},
		{"duration zero", Config{ScanDuration: ptrString("0s")}},
		{"negative poll", Config{DiscoveryPoll: ptrString("-1s")}},
		{"capacity", Config{Capacity: ptrInt(0)}},
		{"param count", Config{ParamCount: ptrInt(-1)}},
		{"key", Config{Key: ptrString("0x1FFFF")}},
		{"rate", Config{RateHz: ptrFloat64(0)}},
		{"empty var", Config{Vars: []string{"a", ""}}},
		{"duplicate var", Config{Vars: []string{"a", "a"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, tc.cfg.Validate(), ErrInvalid)
		})
	}

	ok := Config{
		Groups:           []string{"239.1.1.1"},
		Port:             ptrInt(5001),
		Interface:        ptrString(""),
		TTL:              ptrInt(0),
		StrictParamCount: ptrBool(false),
		Key:              ptrString("0A01"),
		ParamCount:       ptrInt(5),
	}
	assert.NoError(t, ok.Validate())
	assert.Equal(t, 5, ok.GetParamCount())
}

func TestParseKey(t *testing.T) {
	for input, want := range map[string]uint16{
		"0x0A01": 0x0A01,
		"0X0b02": 0x0B02,
		"2561":   2561,
		"0A01":   0x0A01,
		" ffff ": 0xFFFF,
	} {
		got, err := ParseKey(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got, input)
	}
	for _, input := range []string{"", "0x10000", "xyz", "-1"} {
		_, err := ParseKey(input)
		assert.Error(t, err, input)
	}
}

func TestResolveParameters(t *testing.T) {
	available := []string{"a", "b", "c", "d"}

	got, err := ResolveParameters(available, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, got)

	got, err = ResolveParameters([]string{"only"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"only"}, got)

	got, err = ResolveParameters(available, []string{"d", "a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"d", "a"}, got)

	_, err = ResolveParameters(available, []string{"a", "x", "y"})
	assert.ErrorIs(t, err, ErrInvalid)
	assert.ErrorContains(t, err, "x, y")

	_, err = ResolveParameters(nil, nil)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, SplitList(" a, b,,c ,"))
	assert.Nil(t, SplitList(""))
}
