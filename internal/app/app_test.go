// Package app_test contains unit tests for the app package.
package app_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvest-controller/internal/app"
	"github.com/JakeFAU/harvest-controller/internal/bus"
	"github.com/JakeFAU/harvest-controller/internal/config"
	"github.com/JakeFAU/harvest-controller/internal/notify"
	"github.com/JakeFAU/harvest-controller/internal/scheduler"
	"github.com/JakeFAU/harvest-controller/internal/storage"
)

// testConfig returns defaults switched to in-process drivers.
func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Environment = "TEST"
	cfg.Broker.Driver = "memory"
	cfg.Channels.Host = "localhost"
	cfg.Storage.Driver = "memory"
	return cfg
}

func TestNew_Success(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	a, err := app.New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(a.Close)

	assert.NotNil(t, a.Logger())
	assert.Equal(t, "localhost", a.Hostname())
	assert.Contains(t, a.InstanceID(), "localhost-")
	assert.True(t, a.Bus().Connected())
	assert.NoError(t, a.Ready(context.Background()))
	assert.IsType(t, &notify.LogNotifier{}, a.Notifier())
	assert.Contains(t, a.Namer().ThisHaco().Name, "THIS_HACO")
}

func TestNew_ConfiguredInstanceID(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Controller.ApplicationInstanceID = "haco-01"
	a, err := app.New(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(a.Close)

	assert.Equal(t, "haco-01", a.InstanceID())
}

func TestNew_UnknownBroker(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Broker.Driver = "kafka"
	_, err := app.New(context.Background(), cfg, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown broker driver: kafka")
}

func TestReady_AfterClose(t *testing.T) {
	t.Parallel()

	a, err := app.New(context.Background(), testConfig(t), zap.NewNop())
	require.NoError(t, err)
	a.Close()

	assert.ErrorIs(t, a.Ready(context.Background()), bus.ErrNotConnected)
}

func TestNewStorage(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	testCases := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{name: "memory", mutate: func(*config.Config) {}},
		{
			name: "local",
			mutate: func(c *config.Config) {
				c.Storage.Driver = "local"
				c.Storage.Local.BaseDir = filepath.Join(dir, "archive")
			},
		},
		{
			name: "memory with repository",
			mutate: func(c *config.Config) {
				c.Storage.Repository.Enabled = true
			},
		},
		{
			name: "local on a file",
			mutate: func(c *config.Config) {
				path := filepath.Join(dir, "file")
				require.NoError(t, os.WriteFile(path, nil, 0o600))
				c.Storage.Driver = "local"
				c.Storage.Local.BaseDir = path
			},
			wantErr: "failed to initialize local storage",
		},
		{
			name:    "unknown",
			mutate:  func(c *config.Config) { c.Storage.Driver = "ftp" },
			wantErr: "unknown storage driver: ftp",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig(t)
			tc.mutate(&cfg)
			a, err := app.New(context.Background(), cfg, zap.NewNop())
			require.NoError(t, err)
			defer a.Close()

			provider, err := a.NewStorage(context.Background())
			if tc.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, &storage.BlobProvider{}, provider)
		})
	}
}

func TestNewStorage_RepositoryListens(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Storage.Repository.Enabled = true
	a, err := app.New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer a.Close()

	before := a.Bus().ListenerCount()
	_, err = a.NewStorage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, before+1, a.Bus().ListenerCount())
}

func TestNewSchedulerStores_Memory(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Scheduler.Channels = []scheduler.HarvestChannel{{Name: "FOCUSED", IsDefault: true}}
	a, err := app.New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer a.Close()

	chans, statuses, err := a.NewSchedulerStores(context.Background())
	require.NoError(t, err)
	ch, ok, err := chans.Lookup(context.Background(), "focused")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, ch.IsDefault)
	assert.IsType(t, &scheduler.MemoryStatusStore{}, statuses)
}

func TestNewSchedulerStores_BadDSN(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Scheduler.DB.DSN = "://not-a-dsn"
	a, err := app.New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer a.Close()

	_, _, err = a.NewSchedulerStores(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse postgres dsn")
}
