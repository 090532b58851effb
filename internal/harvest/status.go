package harvest

import (
	"context"
	"fmt"

	"github.com/JakeFAU/harvest-controller/internal/bus"
	"github.com/JakeFAU/harvest-controller/internal/channels"
	"github.com/JakeFAU/harvest-controller/internal/metrics"
)

// StatusReporter sends crawl status messages to the scheduler.
type StatusReporter struct {
	sender  bus.Sender
	to      channels.Channel
	replyTo channels.Channel
}

// NewStatusReporter reports to the scheduler queue, with replies going to this harvester.
func NewStatusReporter(sender bus.Sender, namer *channels.Namer) *StatusReporter {
	return &StatusReporter{sender: sender, to: namer.TheSched(), replyTo: namer.ThisHaco()}
}

// Report sends status.
func (r *StatusReporter) Report(ctx context.Context, status CrawlStatus) error {
	msg, err := bus.NewMessage(TypeCrawlStatus, r.to, r.replyTo, status)
	if err != nil {
		return err
	}
	if err := r.sender.Send(ctx, msg); err != nil {
		return fmt.Errorf("send %s status for job %d: %w", status.Status, status.JobID, err)
	}
	metrics.ObserveJobStatus(string(status.Status))
	return nil
}

// ReportError sends a FAILED status carrying message and details as harvest errors.
func (r *StatusReporter) ReportError(ctx context.Context, jobID int64, message, details string) error {
	return r.Report(ctx, CrawlStatus{
		JobID:               jobID,
		Status:              StatusFailed,
		HarvestErrors:       message,
		HarvestErrorDetails: details,
	})
}
