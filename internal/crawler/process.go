package crawler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvest-controller/internal/harvest"
	"github.com/JakeFAU/harvest-controller/internal/postprocess"
)

// Process engine defaults.
const (
	DefaultPollInterval  = 5 * time.Second
	DefaultReportTimeout = time.Minute
	outputLog            = "engine-output.log"
)

var (
	// ErrNoCrawlReport is returned when the engine finished without a crawl report.
	ErrNoCrawlReport = errors.New("crawl engine produced no crawl report")
	// ErrNoCommand is returned when no engine command is configured.
	ErrNoCommand = errors.New("crawl engine command is required")
)

// ProcessConfig configures ProcessEngine.
type ProcessConfig struct {
	// Command and Args start the engine. The crawl dir is appended as the
	// last argument.
	Command string
	Args    []string
	// PollInterval is how often the crawl report is looked for.
	PollInterval time.Duration
	// ReportTimeout bounds the wait for the report after the process exits,
	// and for the process to exit after the report appeared.
	ReportTimeout time.Duration
}

// ProcessEngine runs the crawl as a child process and treats the appearance
// of reports/crawl-report.txt as the end of the crawl.
type ProcessEngine struct {
	cfg    ProcessConfig
	logger *zap.Logger
}

// NewProcessEngine builds a ProcessEngine.
func NewProcessEngine(cfg ProcessConfig, logger *zap.Logger) *ProcessEngine {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ReportTimeout <= 0 {
		cfg.ReportTimeout = DefaultReportTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProcessEngine{cfg: cfg, logger: logger}
}

// Run starts the engine on dir and waits for the crawl to finish. A non-zero
// exit, a missing crawl report or ctx ending are errors.
func (e *ProcessEngine) Run(ctx context.Context, dir string, job harvest.Job) error {
	if e.cfg.Command == "" {
		return ErrNoCommand
	}
	log := e.logger.With(zap.Int64("job_id", job.ID()), zap.String("dir", dir))

	logsDir := filepath.Join(dir, postprocess.LogsDir)
	if err := os.MkdirAll(logsDir, 0o750); err != nil {
		return fmt.Errorf("create logs dir: %w", err)
	}
	out, err := os.Create(filepath.Join(logsDir, outputLog)) // #nosec G304 -- fixed name under the crawl dir.
	if err != nil {
		return fmt.Errorf("create engine log: %w", err)
	}
	defer out.Close()

	args := append(append([]string(nil), e.cfg.Args...), dir)
	cmd := exec.CommandContext(ctx, e.cfg.Command, args...) // #nosec G204 -- the command is operator configuration.
	cmd.Dir = dir
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.Env = append(os.Environ(),
		"HARVEST_JOB_ID="+strconv.FormatInt(job.ID(), 10),
		"HARVEST_ID="+strconv.FormatInt(job.HarvestID, 10),
		"HARVEST_CHANNEL="+job.Channel,
		"HARVEST_SEEDS_FILE="+filepath.Join(dir, SeedsFile),
	)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = e.cfg.ReportTimeout

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start crawl engine %s: %w", e.cfg.Command, err)
	}
	log.Info("crawl engine started", zap.String("command", e.cfg.Command), zap.Int("pid", cmd.Process.Pid))

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	report := filepath.Join(dir, postprocess.ReportsDir, postprocess.CrawlReport)
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case err := <-exited:
			if ctx.Err() != nil {
				return fmt.Errorf("crawl engine stopped: %w", ctx.Err())
			}
			if err != nil {
				return fmt.Errorf("crawl engine exited: %w", err)
			}
			return e.awaitReport(ctx, report)
		case <-ticker.C:
			if !fileExists(report) {
				continue
			}
			log.Info("crawl report found, waiting for engine to exit")
			return e.awaitExit(cmd, exited, log)
		}
	}
}

// awaitReport polls for the report after a clean exit.
func (e *ProcessEngine) awaitReport(ctx context.Context, report string) error {
	deadline := time.NewTimer(e.cfg.ReportTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if fileExists(report) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for crawl report: %w", ctx.Err())
		case <-deadline.C:
			return ErrNoCrawlReport
		case <-ticker.C:
		}
	}
}

// awaitExit gives the engine ReportTimeout to exit once the crawl is reported
// finished, then kills it.
func (e *ProcessEngine) awaitExit(cmd *exec.Cmd, exited <-chan error, log *zap.Logger) error {
	select {
	case err := <-exited:
		if err != nil {
			log.Warn("crawl engine exited with error after reporting", zap.Error(err))
		}
	case <-time.After(e.cfg.ReportTimeout):
		log.Warn("crawl engine did not exit after reporting, killing it")
		if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			log.Warn("kill crawl engine", zap.Error(err))
		}
		<-exited
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
