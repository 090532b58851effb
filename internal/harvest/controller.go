// Package harvest runs the harvester side of job admission.
//
// A Controller registers its harvest channel with the scheduler, listens on
// the job channel the scheduler assigns, and runs at most one crawl at a time.
// Every admitted job ends in exactly one terminal status, sent by the post
// processor, and interrupted crawls are recovered by a sweep whenever the
// controller returns to idle.
package harvest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvest-controller/internal/bus"
	"github.com/JakeFAU/harvest-controller/internal/channels"
	"github.com/JakeFAU/harvest-controller/internal/metrics"
	"github.com/JakeFAU/harvest-controller/internal/notify"
)

// ShutdownFile in the server dir asks the controller to stop after the current job.
const ShutdownFile = "shutdown.txt"

// DefaultResendPause is the wait after handing a job back to the job channel.
const DefaultResendPause = time.Second

// DefaultSendReadyDelay is the interval between ready announcements.
const DefaultSendReadyDelay = 30 * time.Second

const (
	registrationListenerID = "registration"
	jobListenerID          = "jobs"
)

var (
	// ErrUnknownJob is returned for a job without an id.
	ErrUnknownJob = errors.New("job has no id")
	// ErrShutdownRequested is returned by Start when the shutdown file exists.
	ErrShutdownRequested = errors.New("shutdown requested")
)

// Bus is the messaging surface the controller needs. *bus.Manager satisfies it.
type Bus interface {
	Send(ctx context.Context, msg *bus.Message) error
	Resend(ctx context.Context, msg *bus.Message, to channels.Channel) error
	SetListener(ctx context.Context, ch channels.Channel, listenerID string, handler bus.Handler) error
	RemoveListener(ctx context.Context, ch channels.Channel, listenerID string) error
}

// Crawler prepares crawl directories and runs the crawl engine.
type Crawler interface {
	// Prepare creates the crawl directory for job and writes its marker.
	Prepare(ctx context.Context, job Job, metadata []MetadataEntry) (string, error)
	// Run crawls job in dir and returns when the crawl has ended.
	Run(ctx context.Context, dir string, job Job) error
}

// PostProcessor finishes crawl directories.
type PostProcessor interface {
	PostProcess(ctx context.Context, dir string, cause error) error
	Sweep(ctx context.Context) error
}

// Config holds the controller settings.
type Config struct {
	ServerDir             string
	MinSpaceRequired      uint64
	ChannelName           string
	ApplicationInstanceID string
	Hostname              string
	SendReadyDelay        time.Duration
	ResendPause           time.Duration
}

// State is the admission state of a controller.
type State int

// Controller states.
const (
	StateAwaitingChannelValidation State = iota
	StateIdle
	StateRunning
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateAwaitingChannelValidation:
		return "awaiting_channel_validation"
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// RegistrationState is the outcome of the channel handshake.
type RegistrationState int

// Registration states.
const (
	RegistrationPending RegistrationState = iota
	RegistrationValid
	RegistrationInvalid
)

// Assignment is this harvester's channel registration. It does not change
// once resolved.
type Assignment struct {
	ChannelName           string
	ApplicationInstanceID string
	State                 RegistrationState
	JobChannel            channels.Channel
}

// Snapshot is a point-in-time view of the controller.
type Snapshot struct {
	State        string `json:"state"`
	ChannelName  string `json:"channelName"`
	JobChannel   string `json:"jobChannel,omitempty"`
	Listening    bool   `json:"listening"`
	CurrentJobID int64  `json:"currentJobId,omitempty"`
}

type task struct {
	job      Job
	metadata []MetadataEntry
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithNotifier sets the operator alert sink.
func WithNotifier(n notify.Notifier) Option {
	return func(c *Controller) {
		if n != nil {
			c.notifier = n
		}
	}
}

// WithDiskSpace replaces the free-space probe.
func WithDiskSpace(fn DiskSpace) Option {
	return func(c *Controller) {
		if fn != nil {
			c.diskSpace = fn
		}
	}
}

// Controller admits and runs harvest jobs.
type Controller struct {
	cfg      Config
	bus      Bus
	namer    *channels.Namer
	crawler  Crawler
	post     PostProcessor
	reporter *StatusReporter

	logger    *zap.Logger
	notifier  notify.Notifier
	diskSpace DiskSpace
	announcer *announcer

	mu         sync.Mutex
	state      State
	assignment Assignment
	listening  bool
	currentJob int64
	baseCtx    context.Context

	tasks chan task
	quit  chan struct{}
	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

// NewController builds a controller. Call Start to begin the handshake.
func NewController(
	cfg Config,
	b Bus,
	namer *channels.Namer,
	crawler Crawler,
	post PostProcessor,
	opts ...Option,
) *Controller {
	if cfg.SendReadyDelay <= 0 {
		cfg.SendReadyDelay = DefaultSendReadyDelay
	}
	if cfg.ResendPause <= 0 {
		cfg.ResendPause = DefaultResendPause
	}
	c := &Controller{
		cfg:       cfg,
		bus:       b,
		namer:     namer,
		crawler:   crawler,
		post:      post,
		reporter:  NewStatusReporter(b, namer),
		logger:    zap.NewNop(),
		notifier:  notify.NoOpNotifier{},
		diskSpace: FreeBytes,
		assignment: Assignment{
			ChannelName:           cfg.ChannelName,
			ApplicationInstanceID: cfg.ApplicationInstanceID,
		},
		baseCtx: context.Background(),
		tasks:   make(chan task, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.announcer = newAnnouncer(cfg.SendReadyDelay, c.announceReady, c.logger)
	return c
}

// Start validates the environment, recovers interrupted jobs and asks the
// scheduler to validate the configured channel.
func (c *Controller) Start(ctx context.Context) error {
	if err := c.validate(); err != nil {
		return err
	}
	c.mu.Lock()
	c.baseCtx = context.WithoutCancel(ctx)
	c.mu.Unlock()
	c.setState(StateAwaitingChannelValidation)

	if c.shutdownNowOrContinue(ctx) {
		return ErrShutdownRequested
	}
	if err := c.post.Sweep(ctx); err != nil {
		c.logger.Error("recovery sweep failed", zap.Error(err))
	}

	c.wg.Add(1)
	go c.work()

	if err := c.bus.SetListener(ctx, c.namer.RegistrationResponse(), registrationListenerID, c.onRegistrationResponse); err != nil {
		return fmt.Errorf("listen for registration responses: %w", err)
	}
	msg, err := bus.NewMessage(TypeRegistrationRequest, c.namer.RegistrationRequest(), c.namer.RegistrationResponse(),
		RegistrationRequest{ChannelName: c.cfg.ChannelName, ApplicationInstanceID: c.cfg.ApplicationInstanceID})
	if err != nil {
		return err
	}
	if err := c.bus.Send(ctx, msg); err != nil {
		return fmt.Errorf("send registration request: %w", err)
	}
	c.logger.Info("harvest controller started, awaiting channel validation",
		zap.String("channel", c.cfg.ChannelName),
		zap.String("instance", c.cfg.ApplicationInstanceID))
	return nil
}

func (c *Controller) validate() error {
	info, err := os.Stat(c.cfg.ServerDir)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("server dir %q does not exist: %w", c.cfg.ServerDir, bus.ErrArgumentInvalid)
	}
	if c.cfg.MinSpaceRequired == 0 {
		return fmt.Errorf("min space required must be positive: %w", bus.ErrArgumentInvalid)
	}
	if c.cfg.ChannelName == "" {
		return fmt.Errorf("harvest channel is required: %w", bus.ErrArgumentInvalid)
	}
	return nil
}

// Done is closed once the controller has shut down.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Assignment returns the channel registration.
func (c *Controller) Assignment() Assignment {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.assignment
}

// State returns the current admission state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot returns a view of the controller for status endpoints.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		State:        c.state.String(),
		ChannelName:  c.assignment.ChannelName,
		JobChannel:   c.assignment.JobChannel.Name,
		Listening:    c.listening,
		CurrentJobID: c.currentJob,
	}
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.setStateLocked(s)
	c.mu.Unlock()
}

func (c *Controller) setStateLocked(s State) {
	if c.state == StateShutdown {
		return
	}
	c.state = s
	metrics.SetControllerState(s.String())
}

func (c *Controller) baseContext() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.baseCtx
}

func (c *Controller) onRegistrationResponse(ctx context.Context, msg *bus.Message) {
	var resp RegistrationResponse
	if err := msg.Decode(&resp); err != nil {
		c.logger.Warn("ignoring malformed registration response", zap.Error(err))
		return
	}

	c.mu.Lock()
	if c.assignment.State == RegistrationValid || resp.ChannelName != c.cfg.ChannelName {
		c.mu.Unlock()
		// On a topic every harvester already has its own copy.
		if !msg.To.Topic {
			if err := c.bus.Resend(ctx, msg, msg.To); err != nil {
				c.logger.Warn("resend registration response failed", zap.Error(err))
			}
		}
		c.logger.Debug("registration response not for this harvester", zap.String("channel", resp.ChannelName))
		return
	}

	if !resp.IsValid {
		c.assignment.State = RegistrationInvalid
		c.mu.Unlock()
		text := fmt.Sprintf("Received message stating that channel '%s' is invalid. Will stop. "+
			"Probable cause: the channel is not one of the known harvest channels", resp.ChannelName)
		c.logger.Error(text)
		c.notifier.Notify(ctx, notify.LevelError, text, nil)
		c.Close()
		return
	}

	jobChannel, err := c.namer.JobChannel(resp.ChannelName, resp.IsSnapshot)
	if err != nil {
		c.mu.Unlock()
		c.logger.Error("cannot resolve job channel", zap.String("channel", resp.ChannelName), zap.Error(err))
		return
	}
	c.assignment.State = RegistrationValid
	c.assignment.JobChannel = jobChannel
	c.mu.Unlock()

	c.logger.Info("harvest channel is valid", zap.String("channel", resp.ChannelName), zap.String("job_channel", jobChannel.Name))
	// Jobs already queued arrive as soon as the listener is attached.
	c.setState(StateIdle)
	c.beginListeningIfSpaceAvailable(c.baseContext(), true)
	c.announcer.start()
}

// beginListeningIfSpaceAvailable listens on the job channel when the server
// dir has more free space than required. It reports whether it listens.
// alert controls whether a shortage is reported to operators.
func (c *Controller) beginListeningIfSpaceAvailable(ctx context.Context, alert bool) bool {
	c.mu.Lock()
	if c.state == StateShutdown || c.assignment.State != RegistrationValid {
		c.mu.Unlock()
		return false
	}
	jobChannel := c.assignment.JobChannel
	c.mu.Unlock()

	free, err := c.diskSpace(c.cfg.ServerDir)
	if err != nil {
		c.logger.Error("cannot determine free disk space", zap.String("dir", c.cfg.ServerDir), zap.Error(err))
		return false
	}
	if free <= c.cfg.MinSpaceRequired {
		text := fmt.Sprintf("Not enough available diskspace. Only %d bytes available, %d required. "+
			"Harvester will not accept any jobs until more diskspace is made available", free, c.cfg.MinSpaceRequired)
		c.logger.Warn(text)
		if alert {
			c.notifier.Notify(ctx, notify.LevelWarning, text, nil)
		}
		return false
	}
	if err := c.bus.SetListener(ctx, jobChannel, jobListenerID, c.onJob); err != nil {
		c.logger.Error("listen on job channel failed", zap.String("channel", jobChannel.Name), zap.Error(err))
		return false
	}
	c.mu.Lock()
	// A job admitted meanwhile has already taken the listener down.
	if c.state == StateIdle {
		c.listening = true
	}
	c.mu.Unlock()
	return true
}

func (c *Controller) onJob(ctx context.Context, msg *bus.Message) {
	c.mu.Lock()
	switch c.state {
	case StateRunning:
		jobChannel := c.assignment.JobChannel
		c.mu.Unlock()
		c.logger.Debug("busy, handing job back", zap.String("channel", jobChannel.Name))
		if err := c.bus.Resend(ctx, msg, jobChannel); err != nil {
			c.logger.Error("resend job failed", zap.Error(err))
		}
		select {
		case <-time.After(c.cfg.ResendPause):
		case <-c.quit:
		}
		return
	case StateIdle:
		c.setStateLocked(StateRunning)
		c.mu.Unlock()
	default:
		state, jobChannel := c.state, c.assignment.JobChannel
		c.mu.Unlock()
		if jobChannel.IsZero() {
			jobChannel = msg.To
		}
		c.logger.Warn("job received while not accepting jobs, handing it back",
			zap.String("state", state.String()),
			zap.String("channel", jobChannel.Name))
		if err := c.bus.Resend(ctx, msg, jobChannel); err != nil {
			c.logger.Error("resend job failed", zap.Error(err))
		}
		return
	}

	if !c.admit(ctx, msg) {
		c.setState(StateIdle)
	}
}

// admit validates a job and hands it to the executor. It reports whether the
// job was handed over.
func (c *Controller) admit(ctx context.Context, msg *bus.Message) bool {
	var crawl DoOneCrawl
	if err := msg.Decode(&crawl); err != nil {
		c.logger.Error("dropping malformed job message", zap.String("message", msg.String()), zap.Error(err))
		return false
	}
	job := crawl.Job
	if job.JobID == nil {
		c.logger.Error("dropping job message", zap.String("message", msg.String()), zap.Error(ErrUnknownJob))
		return false
	}
	jobID := *job.JobID
	log := c.logger.With(zap.Int64("job_id", jobID))

	if err := c.reporter.Report(ctx, CrawlStatus{JobID: jobID, Status: StatusStarted}); err != nil {
		log.Error("could not report job start, handing job back", zap.Error(err))
		if rerr := c.bus.Resend(ctx, msg, c.Assignment().JobChannel); rerr != nil {
			log.Error("resend job failed", zap.Error(rerr))
		}
		return false
	}

	if job.Status != StatusSubmitted {
		text := fmt.Sprintf("Message '%s' arrived with status %s for job %d, should have been %s",
			msg.ID(), job.Status, jobID, StatusSubmitted)
		log.Error(text)
		if err := c.reporter.ReportError(ctx, jobID, text, text); err != nil {
			log.Error("could not report rejected job", zap.Error(err))
		}
		return false
	}

	c.mu.Lock()
	c.currentJob = jobID
	c.mu.Unlock()
	select {
	case c.tasks <- task{job: job, metadata: crawl.Metadata}:
		log.Info("job admitted", zap.Int64("harvest_id", job.HarvestID))
		return true
	default:
		// Unreachable while admission is guarded by the running state.
		log.Error("executor busy, handing job back")
		if err := c.bus.Resend(ctx, msg, c.Assignment().JobChannel); err != nil {
			log.Error("resend job failed", zap.Error(err))
		}
		return false
	}
}

// work runs admitted jobs one at a time.
func (c *Controller) work() {
	defer c.wg.Done()
	for {
		select {
		case <-c.quit:
			// A job that already reported STARTED still gets its terminal status.
			select {
			case t := <-c.tasks:
				c.runJob(c.baseContext(), t)
			default:
			}
			return
		case t := <-c.tasks:
			c.runJob(c.baseContext(), t)
		}
	}
}

func (c *Controller) runJob(ctx context.Context, t task) {
	jobID := t.job.ID()
	log := c.logger.With(zap.Int64("job_id", jobID))
	defer c.afterJob(ctx)

	if err := c.harvest(ctx, t); err != nil {
		text := fmt.Sprintf("Error during harvest of job %d", jobID)
		log.Error(text, zap.Error(err))
		c.notifier.Notify(ctx, notify.LevelError, text, err)
	}
}

// harvest runs one job. Post-processing runs exactly once when a crawl
// directory exists; otherwise the job fails without one.
func (c *Controller) harvest(ctx context.Context, t task) error {
	jobID := t.job.ID()
	c.mu.Lock()
	jobChannel := c.assignment.JobChannel
	c.listening = false
	c.mu.Unlock()
	if rerr := c.bus.RemoveListener(ctx, jobChannel, jobListenerID); rerr != nil {
		c.logger.Error("stop listening on job channel failed", zap.Error(rerr))
	}

	dir, err := c.crawler.Prepare(ctx, t.job, t.metadata)
	if err != nil {
		if rerr := c.reporter.ReportError(ctx, jobID, "Could not prepare crawl directory", fmt.Sprintf("%+v", err)); rerr != nil {
			c.logger.Error("could not report failed job", zap.Int64("job_id", jobID), zap.Error(rerr))
		}
		return fmt.Errorf("prepare crawl dir: %w", err)
	}

	crawlErr := c.crawl(ctx, dir, t.job)
	if perr := c.post.PostProcess(ctx, dir, crawlErr); perr != nil {
		return errors.Join(crawlErr, fmt.Errorf("post-process %s: %w", filepath.Base(dir), perr))
	}
	return crawlErr
}

// crawl runs the engine, turning a panic into an error.
func (c *Controller) crawl(ctx context.Context, dir string, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("crawl engine panicked: %v", r)
		}
	}()
	return c.crawler.Run(ctx, dir, job)
}

// afterJob recovers leftovers, honours the shutdown file and returns to idle.
func (c *Controller) afterJob(ctx context.Context) {
	if r := recover(); r != nil {
		text := "Harvest ended with an unexpected failure"
		c.logger.Error(text, zap.Any("panic", r))
		c.notifier.Notify(ctx, notify.LevelError, text, fmt.Errorf("%v", r))
	}
	if err := c.post.Sweep(ctx); err != nil {
		c.logger.Error("recovery sweep failed", zap.Error(err))
	}
	if c.shutdownNowOrContinue(ctx) {
		return
	}
	c.mu.Lock()
	c.currentJob = 0
	c.setStateLocked(StateIdle)
	c.mu.Unlock()
	c.beginListeningIfSpaceAvailable(ctx, true)
}

// shutdownNowOrContinue closes the controller when the shutdown file exists.
func (c *Controller) shutdownNowOrContinue(ctx context.Context) bool {
	path := filepath.Join(c.cfg.ServerDir, ShutdownFile)
	if _, err := os.Stat(path); err != nil {
		return false
	}
	text := fmt.Sprintf("Found shutdown file %s. Harvester %s is shutting down", path, c.cfg.ApplicationInstanceID)
	c.logger.Info(text)
	c.notifier.Notify(ctx, notify.LevelInfo, text, nil)
	c.Close()
	return true
}

func (c *Controller) announceReady() {
	c.mu.Lock()
	state, listening := c.state, c.listening
	ctx := c.baseCtx
	c.mu.Unlock()
	if state != StateIdle {
		return
	}
	if !listening && !c.beginListeningIfSpaceAvailable(ctx, false) {
		return
	}
	msg, err := bus.NewMessage(TypeHarvesterReady, c.namer.HarvesterStatus(), channels.Channel{}, HarvesterReady{
		ApplicationInstanceID: c.cfg.ApplicationInstanceID + " on " + c.cfg.Hostname,
		ChannelName:           c.cfg.ChannelName,
	})
	if err != nil {
		c.logger.Error("build ready message", zap.Error(err))
		return
	}
	if err := c.bus.Send(ctx, msg); err != nil {
		c.logger.Warn("ready announcement failed", zap.Error(err))
	}
}

// Close stops listening and announcing and enters the shutdown state. A
// running crawl is not interrupted. It is idempotent.
func (c *Controller) Close() {
	c.once.Do(func() {
		c.mu.Lock()
		c.setStateLocked(StateShutdown)
		c.listening = false
		jobChannel := c.assignment.JobChannel
		ctx := c.baseCtx
		c.mu.Unlock()

		c.announcer.stop()
		close(c.quit)
		if err := c.bus.RemoveListener(ctx, c.namer.RegistrationResponse(), registrationListenerID); err != nil {
			c.logger.Warn("remove registration listener failed", zap.Error(err))
		}
		if !jobChannel.IsZero() {
			if err := c.bus.RemoveListener(ctx, jobChannel, jobListenerID); err != nil {
				c.logger.Warn("remove job listener failed", zap.Error(err))
			}
		}
		close(c.done)
		c.logger.Info("harvest controller closed")
	})
}

// Wait blocks until the executor has finished its current job after Close.
func (c *Controller) Wait() {
	c.wg.Wait()
}
