package crawler_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/harvest-controller/internal/crawler"
	"github.com/JakeFAU/harvest-controller/internal/harvest"
	"github.com/JakeFAU/harvest-controller/internal/postprocess"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type engineFunc func(ctx context.Context, dir string, job harvest.Job) error

func (f engineFunc) Run(ctx context.Context, dir string, job harvest.Job) error { return f(ctx, dir, job) }

func testJob(id int64) harvest.Job {
	return harvest.Job{
		JobID:     &id,
		HarvestID: 5,
		Status:    harvest.StatusSubmitted,
		Channel:   "FOCUSED",
		Seeds:     []string{"https://example.com/", "https://example.org/"},
		Order:     json.RawMessage(`{"maxBytes":1000}`),
	}
}

func TestPrepareLaysOutCrawlDir(t *testing.T) {
	t.Parallel()

	serverDir := t.TempDir()
	now := time.UnixMilli(1700000000123).UTC()
	c := crawler.New(serverDir, nil, crawler.WithClock(fixedClock{now: now}))

	entries := []harvest.MetadataEntry{{URL: "metadata://aliases", MimeType: "text/plain", Data: "a"}}
	dir, err := c.Prepare(context.Background(), testJob(7), entries)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(serverDir, "7_1700000000123"), dir)

	marker, ok, err := postprocess.ReadMarker(dir)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(7), marker.JobID)
	assert.Equal(t, int64(5), marker.HarvestID)
	assert.True(t, marker.StartTimestamp.Equal(now))

	seeds, err := os.ReadFile(filepath.Join(dir, crawler.SeedsFile))
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/\nhttps://example.org/\n", string(seeds))
	assert.FileExists(t, filepath.Join(dir, crawler.OrderFile))
	assert.FileExists(t, filepath.Join(dir, postprocess.MetadataDir, postprocess.EntriesFile))
}

func TestPrepareRejectsJobWithoutID(t *testing.T) {
	t.Parallel()

	c := crawler.New(t.TempDir(), nil)
	_, err := c.Prepare(context.Background(), harvest.Job{}, nil)
	assert.ErrorIs(t, err, crawler.ErrNoJobID)
}

func TestPrepareFailsWhenDirExists(t *testing.T) {
	t.Parallel()

	serverDir := t.TempDir()
	c := crawler.New(serverDir, nil, crawler.WithClock(fixedClock{now: time.UnixMilli(1)}))
	_, err := c.Prepare(context.Background(), testJob(1), nil)
	require.NoError(t, err)
	_, err = c.Prepare(context.Background(), testJob(1), nil)
	assert.Error(t, err)
}

func TestRunDelegatesToEngine(t *testing.T) {
	t.Parallel()

	var gotDir string
	c := crawler.New(t.TempDir(), engineFunc(func(_ context.Context, dir string, _ harvest.Job) error {
		gotDir = dir
		return nil
	}))
	require.NoError(t, c.Run(context.Background(), "/crawl/7_1", testJob(7)))
	assert.Equal(t, "/crawl/7_1", gotDir)
}
