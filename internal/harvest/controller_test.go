package harvest_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvest-controller/internal/backoff"
	"github.com/JakeFAU/harvest-controller/internal/bus"
	busmem "github.com/JakeFAU/harvest-controller/internal/bus/memory"
	"github.com/JakeFAU/harvest-controller/internal/channels"
	"github.com/JakeFAU/harvest-controller/internal/crawler"
	"github.com/JakeFAU/harvest-controller/internal/harvest"
	"github.com/JakeFAU/harvest-controller/internal/notify"
	notifymem "github.com/JakeFAU/harvest-controller/internal/notify/memory"
	"github.com/JakeFAU/harvest-controller/internal/postprocess"
	"github.com/JakeFAU/harvest-controller/internal/storage"
	storagemem "github.com/JakeFAU/harvest-controller/internal/storage/memory"
)

const (
	waitFor     = 3 * time.Second
	tick        = 10 * time.Millisecond
	testChannel = "ANY_HIGHPRIORITY_HACO"
	hostsReport = "[#urls] [#bytes] [host]\n4 2048 www.example.com\n"
)

type statusLog struct {
	mu   sync.Mutex
	list []harvest.CrawlStatus
}

func (s *statusLog) handle(_ context.Context, msg *bus.Message) {
	if msg.Type != harvest.TypeCrawlStatus {
		return
	}
	var st harvest.CrawlStatus
	if err := msg.Decode(&st); err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.list = append(s.list, st)
}

func (s *statusLog) all() []harvest.CrawlStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]harvest.CrawlStatus(nil), s.list...)
}

func (s *statusLog) summary() []string {
	var out []string
	for _, st := range s.all() {
		out = append(out, fmt.Sprintf("%s(%d)", st.Status, st.JobID))
	}
	return out
}

type harness struct {
	t         *testing.T
	namer     *channels.Namer
	broker    *busmem.Broker
	bus       *bus.Manager
	alerts    *notifymem.Recorder
	blobs     *storagemem.BlobStore
	statuses  *statusLog
	serverDir string
	cfg       harvest.Config
	opts      []harvest.Option
	// ctrlBus replaces the bus the controller uses when set.
	ctrlBus harvest.Bus
}

// newHarness wires a bus, a scheduler stub answering registrations with
// valid, and a status collector on the scheduler queue.
func newHarness(t *testing.T, valid bool) *harness {
	t.Helper()
	namer, err := channels.NewNamer("test", "", "localhost", 8080)
	require.NoError(t, err)
	broker := busmem.New()
	m := bus.NewManager(broker, bus.WithLogger(zap.NewNop()), bus.WithPolicy(backoff.NoWait(backoff.DefaultMaxTries)))
	t.Cleanup(m.Cleanup)
	ctx := context.Background()
	require.NoError(t, m.Initialize(ctx))

	err = m.SetListener(ctx, namer.RegistrationRequest(), "scheduler", func(ctx context.Context, msg *bus.Message) {
		var req harvest.RegistrationRequest
		if err := msg.Decode(&req); err != nil {
			return
		}
		reply, err := bus.NewReply(msg, harvest.TypeRegistrationResponse,
			harvest.RegistrationResponse{ChannelName: req.ChannelName, IsValid: valid})
		if err != nil {
			return
		}
		_ = m.Send(ctx, reply)
	})
	require.NoError(t, err)

	statuses := &statusLog{}
	require.NoError(t, m.SetListener(ctx, namer.TheSched(), "statuses", statuses.handle))

	serverDir := t.TempDir()
	alerts := notifymem.New()
	return &harness{
		t:         t,
		namer:     namer,
		broker:    broker,
		bus:       m,
		alerts:    alerts,
		blobs:     storagemem.NewBlobStore(),
		statuses:  statuses,
		serverDir: serverDir,
		cfg: harvest.Config{
			ServerDir:             serverDir,
			MinSpaceRequired:      1 << 20,
			ChannelName:           testChannel,
			ApplicationInstanceID: "haco-1",
			Hostname:              "crawler01",
			SendReadyDelay:        time.Hour,
			ResendPause:           tick,
		},
		opts: []harvest.Option{
			harvest.WithLogger(zap.NewNop()),
			harvest.WithNotifier(alerts),
			harvest.WithDiskSpace(func(string) (uint64, error) { return 1 << 40, nil }),
		},
	}
}

func (h *harness) controller(cr harvest.Crawler) *harvest.Controller {
	h.t.Helper()
	post := postprocess.New(h.serverDir,
		storage.NewBlobProvider(h.blobs, "harvests", nil, zap.NewNop()),
		harvest.NewStatusReporter(h.bus, h.namer),
		postprocess.WithNotifier(h.alerts))
	var b harvest.Bus = h.bus
	if h.ctrlBus != nil {
		b = h.ctrlBus
	}
	c := harvest.NewController(h.cfg, b, h.namer, cr, post, h.opts...)
	h.t.Cleanup(func() {
		c.Close()
		c.Wait()
	})
	return c
}

func (h *harness) jobChannel() channels.Channel {
	h.t.Helper()
	ch, err := h.namer.JobChannel(testChannel, false)
	require.NoError(h.t, err)
	return ch
}

func (h *harness) sendJob(id int64, status harvest.JobStatus) *bus.Message {
	h.t.Helper()
	msg, err := bus.NewMessage(harvest.TypeDoOneCrawl, h.jobChannel(), h.namer.TheSched(), harvest.DoOneCrawl{
		Job: harvest.Job{JobID: &id, HarvestID: 1, Status: status, Channel: testChannel, Seeds: []string{"https://www.example.com/"}},
	})
	require.NoError(h.t, err)
	require.NoError(h.t, h.bus.Send(context.Background(), msg))
	return msg
}

// answerRegistrations replaces the scheduler stub. Requests are recorded and
// left unanswered.
func (h *harness) answerRegistrations(requests *atomic.Int32) {
	h.t.Helper()
	require.NoError(h.t, h.bus.SetListener(context.Background(), h.namer.RegistrationRequest(), "scheduler",
		func(context.Context, *bus.Message) { requests.Add(1) }))
}

// publishRegistrationResponse publishes resp on the registration response
// topic, addressed to to.
func (h *harness) publishRegistrationResponse(to channels.Channel, resp harvest.RegistrationResponse) *bus.Message {
	h.t.Helper()
	msg, err := bus.NewMessage(harvest.TypeRegistrationResponse, to, channels.Channel{}, resp)
	require.NoError(h.t, err)
	require.NoError(h.t, h.bus.Resend(context.Background(), msg, h.namer.RegistrationResponse()))
	return msg
}

func publishedWithID(pubs []bus.Publishing, id string) int {
	n := 0
	for _, p := range pubs {
		if p.MessageID == id {
			n++
		}
	}
	return n
}

// gatedBus holds the first removal of the job listener until released.
type gatedBus struct {
	*bus.Manager
	jobChannel string
	gate       chan struct{}
	once       sync.Once
}

func (g *gatedBus) RemoveListener(ctx context.Context, ch channels.Channel, listenerID string) error {
	if ch.Name == g.jobChannel {
		g.once.Do(func() { <-g.gate })
	}
	return g.Manager.RemoveListener(ctx, ch, listenerID)
}

func (h *harness) awaitIdleAndListening(c *harvest.Controller) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		snap := c.Snapshot()
		return snap.State == harvest.StateIdle.String() && snap.Listening
	}, waitFor, tick)
}

// writeCrawlOutput fills dir the way a finished crawl does.
func writeCrawlOutput(dir string) error {
	for path, body := range map[string]string{
		filepath.Join(dir, postprocess.WarcsDir, "7-1.warc.gz"):            "WARC/1.0",
		filepath.Join(dir, postprocess.ReportsDir, postprocess.HostsReport): hostsReport,
	} {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			return err
		}
	}
	return nil
}

type engineFunc func(ctx context.Context, dir string, job harvest.Job) error

func (f engineFunc) Run(ctx context.Context, dir string, job harvest.Job) error { return f(ctx, dir, job) }

// gatedCrawler blocks each crawl until released and tracks concurrency.
type gatedCrawler struct {
	*crawler.Crawler
	gate    chan struct{}
	mu      sync.Mutex
	running int
	maxSeen int
}

func newGatedCrawler(serverDir string) *gatedCrawler {
	g := &gatedCrawler{gate: make(chan struct{})}
	g.Crawler = crawler.New(serverDir, engineFunc(func(_ context.Context, dir string, _ harvest.Job) error {
		g.mu.Lock()
		g.running++
		if g.running > g.maxSeen {
			g.maxSeen = g.running
		}
		g.mu.Unlock()
		defer func() {
			g.mu.Lock()
			g.running--
			g.mu.Unlock()
		}()
		<-g.gate
		return writeCrawlOutput(dir)
	}))
	return g
}

func (g *gatedCrawler) max() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.maxSeen
}

func TestEndToEndRegistrationAndJob(t *testing.T) {
	h := newHarness(t, true)
	cr := crawler.New(h.serverDir, engineFunc(func(_ context.Context, dir string, _ harvest.Job) error {
		return writeCrawlOutput(dir)
	}))
	c := h.controller(cr)

	require.NoError(t, c.Start(context.Background()))
	h.awaitIdleAndListening(c)
	assert.Equal(t, harvest.RegistrationValid, c.Assignment().State)
	assert.Equal(t, h.jobChannel(), c.Assignment().JobChannel)

	h.sendJob(7, harvest.StatusSubmitted)

	require.Eventually(t, func() bool { return len(h.statuses.all()) == 2 }, waitFor, tick)
	assert.Equal(t, []string{"STARTED(7)", "DONE(7)"}, h.statuses.summary())
	done := h.statuses.all()[1]
	require.NotNil(t, done.HarvestReport)
	assert.Equal(t, harvest.DomainStats{ObjectCount: 4, ByteCount: 2048}, done.HarvestReport.Domains["example.com"])

	h.awaitIdleAndListening(c)
	assert.Zero(t, c.Snapshot().CurrentJobID)
	assert.Contains(t, h.blobs.Keys(), "harvests/7-1.warc.gz")
	assert.Contains(t, h.blobs.Keys(), "harvests/7-metadata-1.json")
}

func TestAtMostOneJobRuns(t *testing.T) {
	h := newHarness(t, true)
	cr := newGatedCrawler(h.serverDir)
	c := h.controller(cr)
	require.NoError(t, c.Start(context.Background()))
	h.awaitIdleAndListening(c)

	h.sendJob(1, harvest.StatusSubmitted)
	h.sendJob(2, harvest.StatusSubmitted)

	require.Eventually(t, func() bool { return c.State() == harvest.StateRunning }, waitFor, tick)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, []string{"STARTED(1)"}, h.statuses.summary())
	assert.False(t, c.Snapshot().Listening)

	close(cr.gate)
	require.Eventually(t, func() bool { return len(h.statuses.all()) == 4 }, waitFor, tick)
	assert.Equal(t, []string{"STARTED(1)", "DONE(1)", "STARTED(2)", "DONE(2)"}, h.statuses.summary())
	assert.Equal(t, 1, cr.max())
	h.awaitIdleAndListening(c)
}

func TestInvalidChannelShutsDown(t *testing.T) {
	h := newHarness(t, false)
	c := h.controller(crawler.New(h.serverDir, nil))

	require.NoError(t, c.Start(context.Background()))

	select {
	case <-c.Done():
	case <-time.After(waitFor):
		t.Fatal("controller did not shut down")
	}
	assert.Equal(t, harvest.StateShutdown, c.State())
	assert.Equal(t, harvest.RegistrationInvalid, c.Assignment().State)
	assert.Equal(t, 1, h.alerts.Count(notify.LevelError, "is invalid"))
	assert.Zero(t, h.broker.Consumers(h.namer.RegistrationResponse().Name))
}

func TestNotEnoughDiskSpace(t *testing.T) {
	h := newHarness(t, true)
	h.opts = append(h.opts, harvest.WithDiskSpace(func(string) (uint64, error) { return 1024, nil }))
	c := h.controller(crawler.New(h.serverDir, nil))

	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool { return c.State() == harvest.StateIdle }, waitFor, tick)

	assert.False(t, c.Snapshot().Listening)
	assert.Zero(t, h.broker.Consumers(h.jobChannel().Name))
	assert.Equal(t, 1, h.alerts.Count(notify.LevelWarning, "Not enough available diskspace"))
}

func TestShutdownFileAtStart(t *testing.T) {
	h := newHarness(t, true)
	require.NoError(t, os.WriteFile(filepath.Join(h.serverDir, harvest.ShutdownFile), nil, 0o600))
	c := h.controller(crawler.New(h.serverDir, nil))

	err := c.Start(context.Background())
	require.ErrorIs(t, err, harvest.ErrShutdownRequested)
	assert.Equal(t, harvest.StateShutdown, c.State())
	assert.Equal(t, 1, h.alerts.Count(notify.LevelInfo, "Found shutdown file"))
}

func TestShutdownFileAfterJob(t *testing.T) {
	h := newHarness(t, true)
	cr := crawler.New(h.serverDir, engineFunc(func(_ context.Context, dir string, _ harvest.Job) error {
		if err := os.WriteFile(filepath.Join(h.serverDir, harvest.ShutdownFile), nil, 0o600); err != nil {
			return err
		}
		return writeCrawlOutput(dir)
	}))
	c := h.controller(cr)
	require.NoError(t, c.Start(context.Background()))
	h.awaitIdleAndListening(c)

	h.sendJob(7, harvest.StatusSubmitted)

	select {
	case <-c.Done():
	case <-time.After(waitFor):
		t.Fatal("controller did not shut down")
	}
	c.Wait()
	require.Eventually(t, func() bool { return len(h.statuses.all()) == 2 }, waitFor, tick)
	assert.Equal(t, []string{"STARTED(7)", "DONE(7)"}, h.statuses.summary())
	assert.Zero(t, h.broker.Consumers(h.jobChannel().Name))
}

func TestJobWithWrongStatusFails(t *testing.T) {
	h := newHarness(t, true)
	c := h.controller(crawler.New(h.serverDir, engineFunc(func(context.Context, string, harvest.Job) error {
		t.Error("crawl must not run")
		return nil
	})))
	require.NoError(t, c.Start(context.Background()))
	h.awaitIdleAndListening(c)

	h.sendJob(9, harvest.StatusNew)

	require.Eventually(t, func() bool { return len(h.statuses.all()) == 2 }, waitFor, tick)
	assert.Equal(t, []string{"STARTED(9)", "FAILED(9)"}, h.statuses.summary())
	assert.Contains(t, h.statuses.all()[1].HarvestErrors, "arrived with status NEW for job 9, should have been SUBMITTED")
	h.awaitIdleAndListening(c)
}

func TestCrawlErrorReportsFailure(t *testing.T) {
	h := newHarness(t, true)
	c := h.controller(crawler.New(h.serverDir, engineFunc(func(_ context.Context, dir string, _ harvest.Job) error {
		if err := writeCrawlOutput(dir); err != nil {
			return err
		}
		return errors.New("engine crashed")
	})))
	require.NoError(t, c.Start(context.Background()))
	h.awaitIdleAndListening(c)

	h.sendJob(11, harvest.StatusSubmitted)

	require.Eventually(t, func() bool { return len(h.statuses.all()) == 2 }, waitFor, tick)
	failed := h.statuses.all()[1]
	assert.Equal(t, harvest.StatusFailed, failed.Status)
	assert.Equal(t, "engine crashed", failed.HarvestErrors)
	require.Eventually(t, func() bool {
		return h.alerts.Count(notify.LevelError, "Error during harvest of job 11") == 1
	}, waitFor, tick)
	h.awaitIdleAndListening(c)
}

func TestReadyAnnouncements(t *testing.T) {
	h := newHarness(t, true)
	h.cfg.SendReadyDelay = time.Second
	c := h.controller(crawler.New(h.serverDir, nil))
	require.NoError(t, c.Start(context.Background()))
	h.awaitIdleAndListening(c)

	status := h.namer.HarvesterStatus().Name
	require.Eventually(t, func() bool { return len(h.broker.Sent(status)) > 0 }, waitFor, tick)
	var ready harvest.HarvesterReady
	require.NoError(t, h.broker.Sent(status)[0].Decode(&ready))
	assert.Equal(t, "haco-1 on crawler01", ready.ApplicationInstanceID)
	assert.Equal(t, testChannel, ready.ChannelName)
}

func TestStartValidatesConfig(t *testing.T) {
	h := newHarness(t, true)
	h.cfg.ServerDir = filepath.Join(h.serverDir, "missing")
	c := h.controller(crawler.New(h.serverDir, nil))

	err := c.Start(context.Background())
	assert.ErrorIs(t, err, bus.ErrArgumentInvalid)
}

func TestJobQueuedBeforeStartIsProcessed(t *testing.T) {
	h := newHarness(t, true)
	c := h.controller(crawler.New(h.serverDir, engineFunc(func(_ context.Context, dir string, _ harvest.Job) error {
		return writeCrawlOutput(dir)
	})))
	h.sendJob(3, harvest.StatusSubmitted)
	require.Equal(t, 1, h.broker.Pending(h.jobChannel().Name))

	require.NoError(t, c.Start(context.Background()))

	require.Eventually(t, func() bool { return len(h.statuses.all()) == 2 }, waitFor, tick)
	assert.Equal(t, []string{"STARTED(3)", "DONE(3)"}, h.statuses.summary())
	h.awaitIdleAndListening(c)
	assert.Zero(t, h.broker.Pending(h.jobChannel().Name))
}

func TestJobWhileRunningIsHandedBackWithItsID(t *testing.T) {
	h := newHarness(t, true)
	gate := make(chan struct{})
	release := sync.OnceFunc(func() { close(gate) })
	h.ctrlBus = &gatedBus{Manager: h.bus, jobChannel: h.jobChannel().Name, gate: gate}
	c := h.controller(crawler.New(h.serverDir, engineFunc(func(_ context.Context, dir string, _ harvest.Job) error {
		return writeCrawlOutput(dir)
	})))
	t.Cleanup(release)
	require.NoError(t, c.Start(context.Background()))
	h.awaitIdleAndListening(c)

	h.sendJob(1, harvest.StatusSubmitted)
	require.Eventually(t, func() bool { return c.State() == harvest.StateRunning }, waitFor, tick)
	second := h.sendJob(2, harvest.StatusSubmitted)

	jobs := h.jobChannel().Name
	require.Eventually(t, func() bool {
		return publishedWithID(h.broker.Published(jobs), second.ID()) >= 2
	}, waitFor, tick)
	for _, resent := range h.broker.Sent(jobs) {
		if resent.ID() == second.ID() {
			var crawl harvest.DoOneCrawl
			require.NoError(t, resent.Decode(&crawl))
			assert.Equal(t, int64(2), crawl.Job.ID())
		}
	}
	assert.Equal(t, []string{"STARTED(1)"}, h.statuses.summary())

	release()
	require.Eventually(t, func() bool { return len(h.statuses.all()) == 4 }, waitFor, tick)
	assert.Equal(t, []string{"STARTED(1)", "DONE(1)", "STARTED(2)", "DONE(2)"}, h.statuses.summary())
	h.awaitIdleAndListening(c)
}

func TestRegistrationResponsesForOthersAreHandedOn(t *testing.T) {
	h := newHarness(t, true)
	var requests atomic.Int32
	h.answerRegistrations(&requests)
	c := h.controller(crawler.New(h.serverDir, nil))

	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool { return requests.Load() == 1 }, waitFor, tick)

	// Another harvester's response, addressed to a queue, goes back there unchanged.
	other := h.namer.AnyLowPriorityHaco()
	foreign := h.publishRegistrationResponse(other, harvest.RegistrationResponse{ChannelName: "ANY_LOWPRIORITY_HACO", IsValid: false})
	require.Eventually(t, func() bool {
		return publishedWithID(h.broker.Published(other.Name), foreign.ID()) == 1
	}, waitFor, tick)
	assert.Equal(t, harvest.StateAwaitingChannelValidation, c.State())
	assert.Equal(t, harvest.RegistrationPending, c.Assignment().State)

	// A response on the topic itself is not republished.
	h.publishRegistrationResponse(h.namer.RegistrationResponse(), harvest.RegistrationResponse{ChannelName: "ANY_LOWPRIORITY_HACO"})
	h.publishRegistrationResponse(h.namer.RegistrationResponse(), harvest.RegistrationResponse{ChannelName: testChannel, IsValid: true})
	h.awaitIdleAndListening(c)
	assert.Len(t, h.broker.Published(h.namer.RegistrationResponse().Name), 3)

	// Once valid, a late response for the same channel is handed on and ignored.
	late := h.publishRegistrationResponse(other, harvest.RegistrationResponse{ChannelName: testChannel, IsValid: false})
	require.Eventually(t, func() bool {
		return publishedWithID(h.broker.Published(other.Name), late.ID()) == 1
	}, waitFor, tick)
	assert.Equal(t, harvest.StateIdle, c.State())
	assert.Equal(t, harvest.RegistrationValid, c.Assignment().State)
	assert.Zero(t, h.alerts.Count(notify.LevelError, "is invalid"))
	select {
	case <-c.Done():
		t.Fatal("controller shut down on a response that was not its own")
	default:
	}
}
