package postprocess

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/JakeFAU/harvest-controller/internal/harvest"
)

// Marker identifies the job a crawl directory belongs to. A directory with a
// marker has not been fully post-processed.
type Marker struct {
	JobID          int64     `json:"jobId"`
	HarvestID      int64     `json:"harvestId"`
	StartTimestamp time.Time `json:"startTimestamp"`
	Channel        string    `json:"channel"`
	Snapshot       bool      `json:"snapshot"`
}

// NewMarker describes job started at start.
func NewMarker(job harvest.Job, start time.Time) Marker {
	return Marker{
		JobID:          job.ID(),
		HarvestID:      job.HarvestID,
		StartTimestamp: start,
		Channel:        job.Channel,
		Snapshot:       job.Snapshot,
	}
}

// WriteMarker writes m into dir.
func WriteMarker(dir string, m Marker) error {
	return writeJSON(filepath.Join(dir, MarkerFile), m)
}

// ReadMarker reads the marker of dir. ok is false when dir has none.
func ReadMarker(dir string) (Marker, bool, error) {
	var m Marker
	data, err := os.ReadFile(filepath.Join(dir, MarkerFile)) // #nosec G304 -- dir comes from the server dir listing.
	if errors.Is(err, os.ErrNotExist) {
		return m, false, nil
	}
	if err != nil {
		return m, false, fmt.Errorf("read marker in %s: %w", dir, err)
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, false, fmt.Errorf("parse marker in %s: %w", dir, err)
	}
	return m, true, nil
}

// WriteEntries stores the metadata entries sent with the job so they can be
// documented after the crawl.
func WriteEntries(dir string, entries []harvest.MetadataEntry) error {
	if err := os.MkdirAll(filepath.Join(dir, MetadataDir), 0o750); err != nil {
		return fmt.Errorf("create metadata dir: %w", err)
	}
	if entries == nil {
		entries = []harvest.MetadataEntry{}
	}
	return writeJSON(filepath.Join(dir, MetadataDir, EntriesFile), entries)
}

func readEntries(dir string) ([]harvest.MetadataEntry, error) {
	data, err := os.ReadFile(filepath.Join(dir, MetadataDir, EntriesFile)) // #nosec G304 -- fixed name under the crawl dir.
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read metadata entries: %w", err)
	}
	var entries []harvest.MetadataEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse metadata entries: %w", err)
	}
	return entries, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
