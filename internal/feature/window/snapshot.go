package window

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/golang/snappy"
)

// snapshotVersion guards against decoding snapshots written by an
// incompatible layout.
const snapshotVersion = 1

type snapshotFile struct {
	Version int                      `json:"version"`
	Window  time.Duration            `json:"window"`
	TakenAt time.Time                `json:"taken_at"`
	Accs    map[string]snapshotEntry `json:"accs"`
}

type snapshotEntry struct {
	Obs      []observation `json:"obs"`
	LastSeen time.Time     `json:"last_seen"`
}

// Snapshot writes the full aggregator state to path, snappy-compressed, so a
// restarted batch job can resume without replaying its input.
func (a *Aggregator) Snapshot(path string) error {
	a.mu.RLock()
	snap := snapshotFile{
		Version: snapshotVersion,
		Window:  a.window,
		TakenAt: time.Now().UTC(),
		Accs:    make(map[string]snapshotEntry, len(a.accs)),
	}
	for k, acc := range a.accs {
		acc.mu.RLock()
		entry := snapshotEntry{
			Obs:      append([]observation(nil), acc.obs...),
			LastSeen: acc.lastSeen,
		}
		acc.mu.RUnlock()
		snap.Accs[k] = entry
	}
	a.mu.RUnlock()

	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, snappy.Encode(nil, raw), 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return os.Rename(tmp, path)
}

// Restore loads aggregator state written by Snapshot. A missing file is not
// an error: the aggregator simply starts fresh.
func Restore(path string, windowDur time.Duration) (*Aggregator, error) {
	compressed, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return New(windowDur), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	raw, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, fmt.Errorf("decompress snapshot: %w", err)
	}

	var snap snapshotFile
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.Version != snapshotVersion {
		return nil, fmt.Errorf("snapshot version %d not supported", snap.Version)
	}
	if snap.Window != windowDur {
		return nil, fmt.Errorf("snapshot window %s does not match configured %s", snap.Window, windowDur)
	}

	a := New(windowDur)
	for k, entry := range snap.Accs {
		acc := &accumulator{
			obs:      entry.Obs,
			lastSeen: entry.LastSeen,
		}
		for _, o := range entry.Obs {
			acc.sum += o.Value
			acc.sumSq += o.Value * o.Value
		}
		a.accs[k] = acc
	}
	return a, nil
}
