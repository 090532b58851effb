// Package postprocess finishes crawl directories: it documents and uploads
// the archive files, reports the terminal job status and moves the directory
// to the old jobs area. Sweep finds directories left behind by an interrupted
// controller and finishes them the same way.
package postprocess

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvest-controller/internal/harvest"
	"github.com/JakeFAU/harvest-controller/internal/hash/sha256"
	"github.com/JakeFAU/harvest-controller/internal/metrics"
	"github.com/JakeFAU/harvest-controller/internal/notify"
	"github.com/JakeFAU/harvest-controller/internal/storage"
)

// ErrInterrupted is the cause recorded for crawls recovered by Sweep.
var ErrInterrupted = errors.New("crawl was interrupted")

const noHostsReport = "No hosts report found"

// Reporter sends job status messages. *harvest.StatusReporter satisfies it.
type Reporter interface {
	Report(ctx context.Context, status harvest.CrawlStatus) error
}

// Hasher digests archive files for the harvest documentation.
type Hasher interface {
	HashFile(path string) (digest string, size int64, err error)
}

// Option configures a PostProcessor.
type Option func(*PostProcessor)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *PostProcessor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithNotifier sets the operator alert sink.
func WithNotifier(n notify.Notifier) Option {
	return func(p *PostProcessor) {
		if n != nil {
			p.notifier = n
		}
	}
}

// WithOldJobsDir overrides where finished crawl directories are moved.
func WithOldJobsDir(dir string) Option {
	return func(p *PostProcessor) {
		if dir != "" {
			p.oldJobsDir = dir
		}
	}
}

// WithHasher replaces the SHA-256 file hasher.
func WithHasher(h Hasher) Option {
	return func(p *PostProcessor) {
		if h != nil {
			p.hasher = h
		}
	}
}

// PostProcessor finishes crawl directories under a server dir.
type PostProcessor struct {
	serverDir  string
	oldJobsDir string
	provider   storage.Provider
	reporter   Reporter
	hasher     Hasher
	notifier   notify.Notifier
	logger     *zap.Logger
}

// New builds a PostProcessor. Finished directories go to serverDir/oldjobs
// unless WithOldJobsDir says otherwise.
func New(serverDir string, provider storage.Provider, reporter Reporter, opts ...Option) *PostProcessor {
	p := &PostProcessor{
		serverDir:  serverDir,
		oldJobsDir: filepath.Join(serverDir, OldJobsDir),
		provider:   provider,
		reporter:   reporter,
		hasher:     sha256.New(),
		notifier:   notify.NoOpNotifier{},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Sweep finishes every crawl directory under the server dir that still has a
// marker. Directories whose post-processing was not completed are processed
// with ErrInterrupted as the cause.
func (p *PostProcessor) Sweep(ctx context.Context) error {
	entries, err := os.ReadDir(p.serverDir)
	if err != nil {
		return fmt.Errorf("list server dir %s: %w", p.serverDir, err)
	}
	oldJobs := filepath.Clean(p.oldJobsDir)
	var errs []error
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(p.serverDir, e.Name())
		if filepath.Clean(dir) == oldJobs {
			continue
		}
		_, ok, err := ReadMarker(dir)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !ok {
			continue
		}
		if exists(filepath.Join(dir, DoneFile)) {
			if err := p.quarantine(dir); err != nil {
				errs = append(errs, err)
			}
			continue
		}

		text := fmt.Sprintf("Found old unprocessed job data in dir '%s'. "+
			"Crawl probably interrupted by shutdown of HarvestController. Processing data.", dir)
		p.logger.Warn(text)
		p.notifier.Notify(ctx, notify.LevelWarning, text, nil)
		metrics.IncSweepRecovered()
		if err := p.PostProcess(ctx, dir, ErrInterrupted); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PostProcess documents, uploads and reports the crawl in dir, then moves dir
// to the old jobs area. cause is the crawl failure, or nil for a clean crawl.
// A directory without a marker is left alone, so a second call is a no-op.
func (p *PostProcessor) PostProcess(ctx context.Context, dir string, cause error) error {
	marker, ok, err := ReadMarker(dir)
	if err != nil {
		return err
	}
	if !ok {
		p.logger.Debug("no marker, nothing to post-process", zap.String("dir", dir))
		return nil
	}
	if exists(filepath.Join(dir, DoneFile)) {
		return p.quarantine(dir)
	}
	log := p.logger.With(zap.Int64("job_id", marker.JobID), zap.String("dir", dir))
	start := time.Now()

	var failures []string
	files, err := ArchiveFiles(dir)
	if err != nil {
		failures = append(failures, err.Error())
	}
	if len(files) == 0 && err == nil {
		text := fmt.Sprintf("No arc or warc files found in crawl directory '%s' for job %d", dir, marker.JobID)
		log.Warn(text)
		p.notifier.Notify(ctx, notify.LevelWarning, text, nil)
	}

	upload := files
	if docPath, derr := p.document(dir, marker, files); derr != nil {
		failures = append(failures, fmt.Sprintf("Could not write harvest documentation: %v", derr))
	} else {
		upload = append(append([]string(nil), files...), docPath)
	}

	failedUploads := 0
	for _, f := range upload {
		if uerr := p.provider.Store(ctx, f); uerr != nil {
			failedUploads++
			text := fmt.Sprintf("Error uploading file '%s' Will be moved to the oldjobs directory '%s': %v",
				f, p.oldJobsDir, uerr)
			log.Warn(text)
			failures = append(failures, text)
		}
	}

	report, reportErr := p.hostsReport(dir)
	status := buildStatus(marker.JobID, cause, report, reportErr, failedUploads, failures)

	var errs []error
	if serr := p.reporter.Report(ctx, status); serr != nil {
		log.Error("could not send final job status", zap.String("status", string(status.Status)), zap.Error(serr))
		errs = append(errs, serr)
	}
	if werr := os.WriteFile(filepath.Join(dir, DoneFile), []byte(time.Now().UTC().Format(time.RFC3339)), 0o600); werr != nil {
		errs = append(errs, fmt.Errorf("write done file: %w", werr))
	}
	if status.Status == harvest.StatusDone {
		p.deleteLogs(dir)
	}
	if qerr := p.quarantine(dir); qerr != nil {
		errs = append(errs, qerr)
	}
	log.Info("post-processing finished",
		zap.String("status", string(status.Status)),
		zap.Int("files", len(upload)),
		zap.Int("failed_uploads", failedUploads),
		zap.Duration("took", time.Since(start)))
	return errors.Join(errs...)
}

func buildStatus(jobID int64, cause error, report *harvest.HarvestReport, reportErr error,
	failedUploads int, failures []string,
) harvest.CrawlStatus {
	status := harvest.CrawlStatus{JobID: jobID, Status: harvest.StatusDone, HarvestReport: report}

	var uploadErrors []string
	if reportErr != nil {
		uploadErrors = append(uploadErrors, noHostsReport)
		failures = append(failures, reportErr.Error())
	}
	if failedUploads > 0 {
		uploadErrors = append(uploadErrors, fmt.Sprintf("%d files failed to upload", failedUploads))
	}
	if len(failures) > 0 && len(uploadErrors) == 0 {
		uploadErrors = append(uploadErrors, "Post-processing errors")
	}

	if cause != nil {
		status.Status = harvest.StatusFailed
		status.HarvestErrors = cause.Error()
		status.HarvestErrorDetails = fmt.Sprintf("%+v", cause)
	}
	if len(uploadErrors) > 0 {
		status.Status = harvest.StatusFailed
		status.UploadErrors = strings.Join(uploadErrors, ", ")
		status.UploadErrorDetails = strings.Join(failures, "\n")
	}
	return status
}

func (p *PostProcessor) hostsReport(dir string) (*harvest.HarvestReport, error) {
	path := filepath.Join(dir, ReportsDir, HostsReport)
	f, err := os.Open(path) // #nosec G304 -- fixed name under the crawl dir.
	if err != nil {
		return nil, fmt.Errorf("open hosts report: %w", err)
	}
	defer f.Close()
	return ParseHostsReport(f)
}

func (p *PostProcessor) deleteLogs(dir string) {
	for _, name := range []string{CrawlLog, ProgressLog} {
		path := filepath.Join(dir, LogsDir, name)
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			p.logger.Warn("could not delete crawl log", zap.String("path", path), zap.Error(err))
		}
	}
}

// quarantine moves dir into the old jobs area and removes its marker. When the
// move fails the marker is removed in place so dir is not processed again.
func (p *PostProcessor) quarantine(dir string) error {
	if err := os.MkdirAll(p.oldJobsDir, 0o750); err != nil {
		return fmt.Errorf("create old jobs dir: %w", err)
	}
	target := filepath.Join(p.oldJobsDir, filepath.Base(dir))
	for i := 1; exists(target); i++ {
		target = filepath.Join(p.oldJobsDir, fmt.Sprintf("%s.%d", filepath.Base(dir), i))
	}

	var moveErr error
	if err := os.Rename(dir, target); err != nil {
		moveErr = fmt.Errorf("move %s to %s: %w", dir, target, err)
		target = dir
	}
	if err := os.Remove(filepath.Join(target, MarkerFile)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return errors.Join(moveErr, fmt.Errorf("remove marker: %w", err))
	}
	if moveErr == nil {
		p.logger.Debug("crawl dir moved to old jobs", zap.String("dir", target))
	}
	return moveErr
}
