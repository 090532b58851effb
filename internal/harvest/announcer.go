package harvest

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// announcer runs the ready announcement on a fixed schedule.
type announcer struct {
	cron    *cron.Cron
	spec    string
	fn      func()
	logger  *zap.Logger
	mu      sync.Mutex
	started bool
	stopped bool
}

func newAnnouncer(every time.Duration, fn func(), logger *zap.Logger) *announcer {
	return &announcer{
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		spec:   fmt.Sprintf("@every %s", every),
		fn:     fn,
		logger: logger,
	}
}

// start schedules the announcement. Later calls are ignored.
func (a *announcer) start() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started || a.stopped {
		return
	}
	if _, err := a.cron.AddFunc(a.spec, a.fn); err != nil {
		a.logger.Error("schedule ready announcements", zap.String("spec", a.spec), zap.Error(err))
		return
	}
	a.cron.Start()
	a.started = true
	a.logger.Debug("ready announcements scheduled", zap.String("spec", a.spec))
}

// stop ends the schedule without waiting for a running announcement.
func (a *announcer) stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return
	}
	a.stopped = true
	if a.started {
		a.cron.Stop()
	}
}
