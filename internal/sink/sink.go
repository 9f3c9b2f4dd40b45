// Package sink writes resolved feature vectors to downstream consumers as
// JSONL or CSV.
package sink

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/featuremill/featuremill/internal/config"
	"github.com/featuremill/featuremill/internal/event"
)

// Sink consumes per-event results in input order.
type Sink interface {
	// Write appends one result. Failed results are written too, so the
	// output stream accounts for every input event.
	Write(res event.Result) error
	// Close flushes and releases the underlying writer.
	Close() error
}

// New builds the configured sink writing to path.
func New(cfg config.SinkConfig, metrics []string) (Sink, error) {
	f, err := os.Create(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("create sink file: %w", err)
	}
	switch cfg.Type {
	case "jsonl":
		return NewJSONLSink(f), nil
	case "csv":
		return NewCSVSink(f, metrics)
	default:
		f.Close()
		return nil, fmt.Errorf("unknown sink type %s", cfg.Type)
	}
}

// jsonlRecord is the wire form of one result line.
type jsonlRecord struct {
	Index  int                   `json:"index"`
	Vector *event.ResolvedVector `json:"vector,omitempty"`
	Error  string                `json:"error,omitempty"`
}

// JSONLSink writes one JSON object per result.
type JSONLSink struct {
	w   io.WriteCloser
	enc *json.Encoder
}

// NewJSONLSink wraps a writer.
func NewJSONLSink(w io.WriteCloser) *JSONLSink {
	return &JSONLSink{w: w, enc: json.NewEncoder(w)}
}

func (s *JSONLSink) Write(res event.Result) error {
	return s.enc.Encode(jsonlRecord{
		Index:  res.Index,
		Vector: res.Vector,
		Error:  res.MarshalError(),
	})
}

func (s *JSONLSink) Close() error { return s.w.Close() }

// CSVSink writes a fixed-width row per result: event identity columns, then
// value/z-score/level/filled per requested metric, then an error column. The
// metric column order is fixed at construction so every row lines up.
type CSVSink struct {
	f       io.WriteCloser
	w       *csv.Writer
	metrics []string
}

// NewCSVSink wraps a writer and emits the header row.
func NewCSVSink(f io.WriteCloser, metrics []string) (*CSVSink, error) {
	ordered := append([]string(nil), metrics...)
	sort.Strings(ordered)

	s := &CSVSink{f: f, w: csv.NewWriter(f), metrics: ordered}

	header := []string{"index", "event_id", "timestamp"}
	for _, m := range ordered {
		header = append(header, m, m+"_z", m+"_level", m+"_filled")
	}
	header = append(header, "error")
	if err := s.w.Write(header); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	return s, nil
}

func (s *CSVSink) Write(res event.Result) error {
	row := make([]string, 0, 4+4*len(s.metrics))
	row = append(row, strconv.Itoa(res.Index))

	if res.Vector != nil {
		row = append(row, res.Vector.EventID, res.Vector.Timestamp.UTC().Format(time.RFC3339))
		for _, m := range s.metrics {
			f := res.Vector.Features[m]
			row = append(row,
				strconv.FormatFloat(f.Value, 'g', -1, 64),
				strconv.FormatFloat(f.ZScore, 'g', -1, 64),
				f.Level,
				strconv.FormatBool(f.Filled),
			)
		}
	} else {
		row = append(row, "", "")
		for range s.metrics {
			row = append(row, "", "", "", "")
		}
	}
	row = append(row, res.MarshalError())
	return s.w.Write(row)
}

func (s *CSVSink) Close() error {
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		s.f.Close()
		return err
	}
	return s.f.Close()
}
