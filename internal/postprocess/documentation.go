package postprocess

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/JakeFAU/harvest-controller/internal/harvest"
)

// Documentation is the harvest metadata file uploaded with the archive files.
type Documentation struct {
	JobID          int64                   `json:"jobId"`
	HarvestID      int64                   `json:"harvestId"`
	Channel        string                  `json:"channel"`
	Snapshot       bool                    `json:"snapshot"`
	StartTimestamp time.Time               `json:"startTimestamp"`
	Generated      time.Time               `json:"generated"`
	Files          []FileRecord            `json:"files"`
	Entries        []harvest.MetadataEntry `json:"entries,omitempty"`
}

// FileRecord describes one archive file.
type FileRecord struct {
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// document writes the harvest documentation for files and returns its path.
func (p *PostProcessor) document(dir string, m Marker, files []string) (string, error) {
	entries, err := readEntries(dir)
	if err != nil {
		return "", err
	}
	doc := Documentation{
		JobID:          m.JobID,
		HarvestID:      m.HarvestID,
		Channel:        m.Channel,
		Snapshot:       m.Snapshot,
		StartTimestamp: m.StartTimestamp,
		Generated:      time.Now().UTC(),
		Files:          make([]FileRecord, 0, len(files)),
		Entries:        entries,
	}
	for _, f := range files {
		digest, size, err := p.hasher.HashFile(f)
		if err != nil {
			return "", err
		}
		doc.Files = append(doc.Files, FileRecord{Name: filepath.Base(f), Size: size, SHA256: digest})
	}

	path := MetadataPath(dir, m.JobID)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", fmt.Errorf("create metadata dir: %w", err)
	}
	if err := writeJSON(path, doc); err != nil {
		return "", err
	}
	return path, nil
}
