// Package store keeps a history of discovery scans in SQLite. Only the
// stream inventory is stored, never samples.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/iena-monitor/internal/iena/discovery"
)

// Store wraps the scan history database.
type Store struct {
	*sql.DB
}

// Open opens or creates the database at path and applies migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection serialises writers on the file.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	s := &Store{db}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Scan is one persisted discovery pass.
type Scan struct {
	ID         string
	StartedAt  time.Time
	Duration   time.Duration
	Groups     []string
	Port       int
	ParamCount int
	// StreamCount is filled by RecentScans.
	StreamCount int
	Streams     []Stream
}

// Stream is one stream found by a scan.
type Stream struct {
	Key            uint16
	Source         string
	Group          string
	Count          int
	Rate           float64
	DeclaredParams uint16
	FirstSeen      time.Time
	LastSeen       time.Time
}

// NewScan builds a Scan from a discovery result, streams sorted by key.
func NewScan(startedAt time.Time, duration time.Duration, groups []netip.Addr, port, paramCount int, result discovery.Result) Scan {
	scan := Scan{
		StartedAt:  startedAt,
		Duration:   duration,
		Port:       port,
		ParamCount: paramCount,
	}
	for _, g := range groups {
		scan.Groups = append(scan.Groups, g.String())
	}
	for _, rec := range result.Sorted() {
		st := Stream{
			Key:            rec.Key,
			Source:         rec.Source.String(),
			Count:          rec.Count,
			Rate:           rec.Rate(),
			DeclaredParams: rec.DeclaredParams,
			FirstSeen:      rec.FirstSeen,
			LastSeen:       rec.LastSeen,
		}
		if rec.Group.IsValid() {
			st.Group = rec.Group.String()
		}
		scan.Streams = append(scan.Streams, st)
	}
	return scan
}

// RecordScan stores scan and its streams in one transaction. An empty ID is
// replaced with a new UUID, which is returned.
func (s *Store) RecordScan(ctx context.Context, scan Scan) (string, error) {
	if scan.ID == "" {
		scan.ID = uuid.NewString()
	}
	tx, err := s.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO scans (scan_id, started_at, duration_ms, groups, port, param_count)
		VALUES (?, ?, ?, ?, ?, ?)`,
		scan.ID, scan.StartedAt.UnixNano(), scan.Duration.Milliseconds(),
		strings.Join(scan.Groups, ","), scan.Port, scan.ParamCount,
	); err != nil {
		return "", fmt.Errorf("insert scan: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO scan_streams
			(scan_id, stream_key, source, group_addr, packet_count, rate, first_seen, last_seen, declared_params)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return "", err
	}
	defer stmt.Close()

	for _, st := range scan.Streams {
		if _, err := stmt.ExecContext(ctx,
			scan.ID, int(st.Key), st.Source, st.Group, st.Count, st.Rate,
			st.FirstSeen.UnixNano(), st.LastSeen.UnixNano(), int(st.DeclaredParams),
		); err != nil {
			return "", fmt.Errorf("insert stream %d from %s: %w", st.Key, st.Source, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return scan.ID, nil
}

// RecentScans returns up to limit scans, newest first, without streams.
func (s *Store) RecentScans(ctx context.Context, limit int) ([]Scan, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.QueryContext(ctx, `
		SELECT s.scan_id, s.started_at, s.duration_ms, s.groups, s.port, s.param_count,
		       (SELECT COUNT(*) FROM scan_streams ss WHERE ss.scan_id = s.scan_id)
		FROM scans s
		ORDER BY s.started_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scans []Scan
	for rows.Next() {
		var (
			sc         Scan
			startedAt  int64
			durationMS int64
			groups     string
		)
		if err := rows.Scan(&sc.ID, &startedAt, &durationMS, &groups, &sc.Port, &sc.ParamCount, &sc.StreamCount); err != nil {
			return nil, err
		}
		sc.StartedAt = time.Unix(0, startedAt)
		sc.Duration = time.Duration(durationMS) * time.Millisecond
		if groups != "" {
			sc.Groups = strings.Split(groups, ",")
		}
		scans = append(scans, sc)
	}
	return scans, rows.Err()
}

// ScanStreams returns the streams recorded for a scan ordered by key and
// source.
func (s *Store) ScanStreams(ctx context.Context, scanID string) ([]Stream, error) {
	rows, err := s.QueryContext(ctx, `
		SELECT stream_key, source, group_addr, packet_count, rate, first_seen, last_seen, declared_params
		FROM scan_streams
		WHERE scan_id = ?
		ORDER BY stream_key, source`, scanID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var streams []Stream
	for rows.Next() {
		var (
			st                  Stream
			key, declared       int
			firstSeen, lastSeen int64
		)
		if err := rows.Scan(&key, &st.Source, &st.Group, &st.Count, &st.Rate, &firstSeen, &lastSeen, &declared); err != nil {
			return nil, err
		}
		st.Key = uint16(key)
		st.DeclaredParams = uint16(declared)
		st.FirstSeen = time.Unix(0, firstSeen)
		st.LastSeen = time.Unix(0, lastSeen)
		streams = append(streams, st)
	}
	return streams, rows.Err()
}

// DeleteScan removes a scan and its streams.
func (s *Store) DeleteScan(ctx context.Context, scanID string) error {
	res, err := s.ExecContext(ctx, `DELETE FROM scans WHERE scan_id = ?`, scanID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("scan %s: %w", scanID, sql.ErrNoRows)
	}
	return nil
}
