// Package scheduler is the scheduler side of the harvester handshake. It
// validates harvest channel registrations, records the job statuses that
// harvesters report and submits jobs to harvest channels.
package scheduler

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvest-controller/internal/bus"
	"github.com/JakeFAU/harvest-controller/internal/channels"
	"github.com/JakeFAU/harvest-controller/internal/harvest"
)

const (
	registrationListenerID = "scheduler-registration"
	statusListenerID       = "scheduler-status"
)

// Bus is the messaging surface the scheduler needs. *bus.Manager satisfies it.
type Bus interface {
	Send(ctx context.Context, msg *bus.Message) error
	SetListener(ctx context.Context, ch channels.Channel, listenerID string, handler bus.Handler) error
	RemoveListener(ctx context.Context, ch channels.Channel, listenerID string) error
}

// Scheduler answers registrations and collects statuses.
type Scheduler struct {
	bus      Bus
	namer    *channels.Namer
	channels ChannelStore
	statuses StatusStore
	logger   *zap.Logger
}

// New builds a Scheduler.
func New(b Bus, namer *channels.Namer, chans ChannelStore, statuses StatusStore, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{bus: b, namer: namer, channels: chans, statuses: statuses, logger: logger}
}

// Start listens for registration requests and status messages.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.bus.SetListener(ctx, s.namer.RegistrationRequest(), registrationListenerID, s.OnRegistrationRequest); err != nil {
		return fmt.Errorf("listen for registrations: %w", err)
	}
	if err := s.bus.SetListener(ctx, s.namer.TheSched(), statusListenerID, s.OnStatus); err != nil {
		return fmt.Errorf("listen for job statuses: %w", err)
	}
	s.logger.Info("scheduler listening",
		zap.String("registrations", s.namer.RegistrationRequest().Name),
		zap.String("statuses", s.namer.TheSched().Name))
	return nil
}

// Stop removes the scheduler's listeners.
func (s *Scheduler) Stop(ctx context.Context) {
	if err := s.bus.RemoveListener(ctx, s.namer.RegistrationRequest(), registrationListenerID); err != nil {
		s.logger.Warn("remove registration listener", zap.Error(err))
	}
	if err := s.bus.RemoveListener(ctx, s.namer.TheSched(), statusListenerID); err != nil {
		s.logger.Warn("remove status listener", zap.Error(err))
	}
}

// OnRegistrationRequest answers whether the requested channel exists, and
// whether it is a snapshot channel.
func (s *Scheduler) OnRegistrationRequest(ctx context.Context, msg *bus.Message) {
	var req harvest.RegistrationRequest
	if err := msg.Decode(&req); err != nil {
		s.logger.Warn("ignoring malformed registration request", zap.Error(err))
		return
	}
	log := s.logger.With(zap.String("channel", req.ChannelName), zap.String("instance", req.ApplicationInstanceID))

	resp := harvest.RegistrationResponse{ChannelName: req.ChannelName}
	c, ok, err := s.channels.Lookup(ctx, req.ChannelName)
	if err != nil {
		log.Error("channel lookup failed, rejecting registration", zap.Error(err))
	}
	if ok {
		resp.IsValid = true
		resp.IsSnapshot = c.Snapshot
	}

	reply, err := bus.NewReply(msg, harvest.TypeRegistrationResponse, resp)
	if err != nil {
		log.Error("cannot answer registration", zap.Error(err))
		return
	}
	if err := s.bus.Send(ctx, reply); err != nil {
		log.Error("send registration response", zap.Error(err))
		return
	}
	log.Info("registration answered", zap.Bool("valid", resp.IsValid), zap.Bool("snapshot", resp.IsSnapshot))
}

// OnStatus records a job status.
func (s *Scheduler) OnStatus(ctx context.Context, msg *bus.Message) {
	if msg.Type != harvest.TypeCrawlStatus {
		s.logger.Debug("ignoring message on scheduler queue", zap.String("type", msg.Type))
		return
	}
	var st harvest.CrawlStatus
	if err := msg.Decode(&st); err != nil {
		s.logger.Warn("ignoring malformed status", zap.Error(err))
		return
	}
	log := s.logger.With(zap.Int64("job_id", st.JobID), zap.String("status", string(st.Status)))
	if err := s.statuses.Record(ctx, st); err != nil {
		log.Error("record job status", zap.Error(err))
		return
	}
	if st.Status == harvest.StatusFailed {
		log.Warn("job failed", zap.String("harvest_errors", st.HarvestErrors), zap.String("upload_errors", st.UploadErrors))
		return
	}
	log.Info("job status recorded")
}

// Submit sends job to the job channel of its harvest channel.
func (s *Scheduler) Submit(ctx context.Context, crawl harvest.DoOneCrawl) error {
	c, ok, err := s.channels.Lookup(ctx, crawl.Job.Channel)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("unknown harvest channel %q: %w", crawl.Job.Channel, bus.ErrArgumentInvalid)
	}
	to, err := s.namer.JobChannel(c.Name, c.Snapshot)
	if err != nil {
		return fmt.Errorf("job channel for %s: %w", c.Name, err)
	}
	if crawl.Job.Status == "" {
		crawl.Job.Status = harvest.StatusSubmitted
	}
	msg, err := bus.NewMessage(harvest.TypeDoOneCrawl, to, s.namer.TheSched(), crawl)
	if err != nil {
		return err
	}
	if err := s.bus.Send(ctx, msg); err != nil {
		return fmt.Errorf("submit job %d: %w", crawl.Job.ID(), err)
	}
	s.logger.Info("job submitted", zap.Int64("job_id", crawl.Job.ID()), zap.String("job_channel", to.Name))
	return nil
}
