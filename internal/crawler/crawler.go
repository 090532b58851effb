// Package crawler prepares crawl directories and drives the external crawl
// engine that fills them.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvest-controller/internal/clock/system"
	"github.com/JakeFAU/harvest-controller/internal/harvest"
	"github.com/JakeFAU/harvest-controller/internal/postprocess"
)

// Files written by Prepare for the engine.
const (
	SeedsFile = "seeds.txt"
	OrderFile = "order.json"
)

// ErrNoJobID is returned by Prepare for a job without an id.
var ErrNoJobID = errors.New("job has no id")

// Engine runs one crawl in a prepared directory.
type Engine interface {
	Run(ctx context.Context, dir string, job harvest.Job) error
}

// Clock abstracts time for directory naming.
type Clock interface {
	Now() time.Time
}

// Option configures a Crawler.
type Option func(*Crawler)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Crawler) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock replaces the wall clock.
func WithClock(clock Clock) Option {
	return func(c *Crawler) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// Crawler creates one directory per job under the server dir and hands it to
// the engine.
type Crawler struct {
	serverDir string
	engine    Engine
	clock     Clock
	logger    *zap.Logger
}

// New builds a Crawler.
func New(serverDir string, engine Engine, opts ...Option) *Crawler {
	c := &Crawler{
		serverDir: serverDir,
		engine:    engine,
		clock:     system.New(),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Prepare creates <serverDir>/<jobID>_<unixMillis> with the engine inputs,
// the job's metadata entries and the marker that makes the directory
// recoverable.
func (c *Crawler) Prepare(_ context.Context, job harvest.Job, metadata []harvest.MetadataEntry) (string, error) {
	if job.JobID == nil {
		return "", ErrNoJobID
	}
	now := c.clock.Now()
	dir := filepath.Join(c.serverDir, fmt.Sprintf("%d_%d", *job.JobID, now.UnixMilli()))
	if err := os.Mkdir(dir, 0o750); err != nil {
		return "", fmt.Errorf("create crawl dir: %w", err)
	}

	seeds := strings.Join(job.Seeds, "\n")
	if seeds != "" {
		seeds += "\n"
	}
	if err := os.WriteFile(filepath.Join(dir, SeedsFile), []byte(seeds), 0o600); err != nil {
		return "", fmt.Errorf("write seeds: %w", err)
	}
	if len(job.Order) > 0 {
		if err := os.WriteFile(filepath.Join(dir, OrderFile), job.Order, 0o600); err != nil {
			return "", fmt.Errorf("write order: %w", err)
		}
	}
	if err := postprocess.WriteEntries(dir, metadata); err != nil {
		return "", err
	}
	if err := postprocess.WriteMarker(dir, postprocess.NewMarker(job, now)); err != nil {
		return "", err
	}
	c.logger.Info("crawl dir prepared", zap.Int64("job_id", *job.JobID), zap.String("dir", dir), zap.Int("seeds", len(job.Seeds)))
	return dir, nil
}

// Run crawls job in dir.
func (c *Crawler) Run(ctx context.Context, dir string, job harvest.Job) error {
	return c.engine.Run(ctx, dir, job)
}
