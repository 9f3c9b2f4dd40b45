package source

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	_ "modernc.org/sqlite"

	"github.com/featuremill/featuremill/internal/config"
	"github.com/featuremill/featuremill/internal/event"
)

// validTableName guards the table identifier, which cannot be a bind
// parameter.
var validTableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQLiteSource reads events from a local SQLite table with columns
// (id TEXT, ts TEXT, keys TEXT, metrics TEXT, labels TEXT), where ts is
// RFC 3339 and keys/metrics/labels are JSON.
type SQLiteSource struct {
	db    *sql.DB
	table string
}

// NewSQLiteSource opens the database read-only.
func NewSQLiteSource(cfg config.SQLiteConfig) (*SQLiteSource, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite source: path required")
	}
	table := cfg.Table
	if table == "" {
		table = "events"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("sqlite source: invalid table name %q", table)
	}

	db, err := sql.Open("sqlite", cfg.Path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("sqlite source: open %s: %w", cfg.Path, err)
	}
	return &SQLiteSource{db: db, table: table}, nil
}

func (s *SQLiteSource) Name() string { return "sqlite" }

// Load reads every row ordered by timestamp, which keeps replay input sorted
// at the storage layer.
func (s *SQLiteSource) Load(ctx context.Context) ([]*event.Event, error) {
	query := fmt.Sprintf(
		"SELECT id, ts, keys, metrics, COALESCE(labels, '{}') FROM %s ORDER BY ts, id", s.table)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("sqlite source: query: %w", err)
	}
	defer rows.Close()

	var events []*event.Event
	for rows.Next() {
		var id, ts, keysJSON, metricsJSON, labelsJSON string
		if err := rows.Scan(&id, &ts, &keysJSON, &metricsJSON, &labelsJSON); err != nil {
			return nil, fmt.Errorf("sqlite source: scan: %w", err)
		}
		ev, err := decodeRow(id, ts, keysJSON, metricsJSON, labelsJSON)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite source: rows: %w", err)
	}
	return events, nil
}

func decodeRow(id, ts, keysJSON, metricsJSON, labelsJSON string) (*event.Event, error) {
	parsed, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return nil, fmt.Errorf("sqlite source: event %s: bad timestamp %q: %w", id, ts, err)
	}
	ev := &event.Event{ID: id, Timestamp: parsed}
	if err := json.Unmarshal([]byte(keysJSON), &ev.Keys); err != nil {
		return nil, fmt.Errorf("sqlite source: event %s: decode keys: %w", id, err)
	}
	if err := json.Unmarshal([]byte(metricsJSON), &ev.Metrics); err != nil {
		return nil, fmt.Errorf("sqlite source: event %s: decode metrics: %w", id, err)
	}
	if err := json.Unmarshal([]byte(labelsJSON), &ev.Labels); err != nil {
		return nil, fmt.Errorf("sqlite source: event %s: decode labels: %w", id, err)
	}
	return ev, nil
}

// HealthCheck pings the database.
func (s *SQLiteSource) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the database handle.
func (s *SQLiteSource) Close() error {
	return s.db.Close()
}
