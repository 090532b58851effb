package postprocess

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Crawl directory layout.
const (
	MarkerFile   = "harvestInfo.json"
	DoneFile     = "postprocessing.done"
	EntriesFile  = "job-metadata.json"
	ArcsDir      = "arcs"
	WarcsDir     = "warcs"
	MetadataDir  = "metadata"
	ReportsDir   = "reports"
	LogsDir      = "logs"
	HostsReport  = "hosts-report.txt"
	CrawlReport  = "crawl-report.txt"
	CrawlLog     = "crawl.log"
	ProgressLog  = "progress-statistics.log"
	OldJobsDir   = "oldjobs"
	metadataName = "%d-metadata-1.json"
)

// ArchiveFiles lists arcs/*.arc* and warcs/*.warc* under dir. Missing
// subdirectories count as empty.
func ArchiveFiles(dir string) ([]string, error) {
	arcs, err := listMatching(filepath.Join(dir, ArcsDir), ".arc")
	if err != nil {
		return nil, err
	}
	warcs, err := listMatching(filepath.Join(dir, WarcsDir), ".warc")
	if err != nil {
		return nil, err
	}
	return append(arcs, warcs...), nil
}

func listMatching(dir, infix string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	var out []string
	for _, e := range entries {
		if e.Type().IsRegular() && strings.Contains(e.Name(), infix) {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	return out, nil
}

// MetadataPath is the harvest documentation file of jobID inside dir.
func MetadataPath(dir string, jobID int64) string {
	return filepath.Join(dir, MetadataDir, fmt.Sprintf(metadataName, jobID))
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
