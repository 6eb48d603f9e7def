package store

import (
	"context"
	"database/sql"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/iena-monitor/internal/iena/discovery"
	"github.com/banshee-data/iena-monitor/internal/monitoring"
)

func init() {
	monitoring.SetLogger(nil)
}

var epoch = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "scans.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testResult() discovery.Result {
	a := discovery.Identity{Key: 0x0A01, Source: netip.MustParseAddr("10.0.0.1")}
	b := discovery.Identity{Key: 0x0B02, Source: netip.MustParseAddr("10.0.0.2")}
	return discovery.Result{
		b: {Identity: b, Count: 3, FirstSeen: epoch, LastSeen: epoch.Add(2 * time.Second), DeclaredParams: 4},
		a: {Identity: a, Group: netip.MustParseAddr("239.1.1.1"), Count: 5, FirstSeen: epoch, LastSeen: epoch.Add(time.Second), DeclaredParams: 4},
	}
}

func TestOpenAppliesMigrations(t *testing.T) {
	s := openTestStore(t)

	version, dirty, err := s.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)

	// Reopening an up-to-date database is a no-op.
	require.NoError(t, s.MigrateUp())
}

func TestMigrateDown(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.MigrateDown())

	version, _, err := s.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)

	require.NoError(t, s.MigrateUp())
	version, _, err = s.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
}

func TestNewScan(t *testing.T) {
	scan := NewScan(epoch, 5*time.Second, []netip.Addr{netip.MustParseAddr("239.1.1.1")}, 5001, 4, testResult())

	assert.Equal(t, []string{"239.1.1.1"}, scan.Groups)
	require.Len(t, scan.Streams, 2)
	assert.Equal(t, uint16(0x0A01), scan.Streams[0].Key)
	assert.Equal(t, "239.1.1.1", scan.Streams[0].Group)
	assert.InDelta(t, 5.0, scan.Streams[0].Rate, 1e-9)
	assert.Equal(t, "", scan.Streams[1].Group)
	assert.InDelta(t, 1.5, scan.Streams[1].Rate, 1e-9)
}

func TestRecordAndListScans(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := NewScan(epoch, 5*time.Second, []netip.Addr{netip.MustParseAddr("239.1.1.1"), netip.MustParseAddr("239.1.1.2")}, 5001, 4, testResult())
	id1, err := s.RecordScan(ctx, first)
	require.NoError(t, err)
	assert.Len(t, id1, 36)

	second := NewScan(epoch.Add(time.Hour), time.Second, nil, 6000, 2, discovery.Result{})
	second.ID = "manual-id"
	id2, err := s.RecordScan(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, "manual-id", id2)

	scans, err := s.RecentScans(ctx, 10)
	require.NoError(t, err)
	require.Len(t, scans, 2)
	assert.Equal(t, "manual-id", scans[0].ID)
	assert.Zero(t, scans[0].StreamCount)
	assert.Nil(t, scans[0].Groups)
	assert.Equal(t, id1, scans[1].ID)
	assert.Equal(t, 2, scans[1].StreamCount)
	assert.Equal(t, []string{"239.1.1.1", "239.1.1.2"}, scans[1].Groups)
	assert.Equal(t, 5*time.Second, scans[1].Duration)
	assert.True(t, scans[1].StartedAt.Equal(epoch))
	assert.Equal(t, 5001, scans[1].Port)
	assert.Equal(t, 4, scans[1].ParamCount)

	limited, err := s.RecentScans(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	streams, err := s.ScanStreams(ctx, id1)
	require.NoError(t, err)
	require.Len(t, streams, 2)
	assert.Equal(t, uint16(0x0A01), streams[0].Key)
	assert.Equal(t, "10.0.0.1", streams[0].Source)
	assert.Equal(t, 5, streams[0].Count)
	assert.Equal(t, uint16(4), streams[0].DeclaredParams)
	assert.True(t, streams[0].LastSeen.Equal(epoch.Add(time.Second)))
	assert.Equal(t, uint16(0x0B02), streams[1].Key)
}

func TestRecordScanDuplicateIDRollsBack(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	scan := NewScan(epoch, time.Second, nil, 5001, 4, testResult())
	scan.ID = "dup"
	_, err := s.RecordScan(ctx, scan)
	require.NoError(t, err)
	_, err = s.RecordScan(ctx, scan)
	assert.Error(t, err)

	streams, err := s.ScanStreams(ctx, "dup")
	require.NoError(t, err)
	assert.Len(t, streams, 2)
}

func TestDeleteScanCascades(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.RecordScan(ctx, NewScan(epoch, time.Second, nil, 5001, 4, testResult()))
	require.NoError(t, err)
	require.NoError(t, s.DeleteScan(ctx, id))

	streams, err := s.ScanStreams(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, streams)

	assert.ErrorIs(t, s.DeleteScan(ctx, id), sql.ErrNoRows)
}
