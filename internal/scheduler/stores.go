package scheduler

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/JakeFAU/harvest-controller/internal/harvest"
)

// HarvestChannel is a named group of jobs that harvesters register for.
type HarvestChannel struct {
	Name      string `mapstructure:"name" json:"name"`
	Snapshot  bool   `mapstructure:"snapshot" json:"snapshot"`
	IsDefault bool   `mapstructure:"is_default" json:"isDefault"`
	Comments  string `mapstructure:"comments" json:"comments,omitempty"`
}

// ChannelStore knows the valid harvest channels.
type ChannelStore interface {
	// Lookup finds a channel by name, ignoring case.
	Lookup(ctx context.Context, name string) (HarvestChannel, bool, error)
	List(ctx context.Context) ([]HarvestChannel, error)
}

// StatusStore keeps the latest status of each job.
type StatusStore interface {
	Record(ctx context.Context, status harvest.CrawlStatus) error
	Latest(ctx context.Context, jobID int64) (harvest.CrawlStatus, bool, error)
}

// MemoryChannelStore is a fixed, in-memory ChannelStore.
type MemoryChannelStore struct {
	channels map[string]HarvestChannel
}

// NewMemoryChannelStore builds a store holding chans.
func NewMemoryChannelStore(chans ...HarvestChannel) *MemoryChannelStore {
	s := &MemoryChannelStore{channels: make(map[string]HarvestChannel, len(chans))}
	for _, c := range chans {
		s.channels[strings.ToUpper(c.Name)] = c
	}
	return s
}

// Lookup implements ChannelStore.
func (s *MemoryChannelStore) Lookup(_ context.Context, name string) (HarvestChannel, bool, error) {
	c, ok := s.channels[strings.ToUpper(name)]
	return c, ok, nil
}

// List implements ChannelStore. Channels are sorted by name.
func (s *MemoryChannelStore) List(context.Context) ([]HarvestChannel, error) {
	out := make([]HarvestChannel, 0, len(s.channels))
	for _, c := range s.channels {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// MemoryStatusStore is an in-memory StatusStore.
type MemoryStatusStore struct {
	mu       sync.RWMutex
	statuses map[int64]harvest.CrawlStatus
}

// NewMemoryStatusStore builds an empty store.
func NewMemoryStatusStore() *MemoryStatusStore {
	return &MemoryStatusStore{statuses: make(map[int64]harvest.CrawlStatus)}
}

// Record implements StatusStore.
func (s *MemoryStatusStore) Record(_ context.Context, status harvest.CrawlStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[status.JobID] = status
	return nil
}

// Latest implements StatusStore.
func (s *MemoryStatusStore) Latest(_ context.Context, jobID int64) (harvest.CrawlStatus, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.statuses[jobID]
	return st, ok, nil
}
