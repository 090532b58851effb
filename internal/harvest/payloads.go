package harvest

import "encoding/json"

// Message types exchanged between harvesters and the scheduler.
const (
	TypeCrawlStatus          = "CrawlStatusMessage"
	TypeRegistrationRequest  = "HarvesterRegistrationRequest"
	TypeRegistrationResponse = "HarvesterRegistrationResponse"
	TypeDoOneCrawl           = "DoOneCrawlMessage"
	TypeHarvesterReady       = "HarvesterReadyMessage"
)

// JobStatus is the lifecycle status of a harvest job.
type JobStatus string

// Job statuses.
const (
	StatusNew       JobStatus = "NEW"
	StatusSubmitted JobStatus = "SUBMITTED"
	StatusStarted   JobStatus = "STARTED"
	StatusDone      JobStatus = "DONE"
	StatusFailed    JobStatus = "FAILED"
)

// CrawlStatus reports job progress to the scheduler.
type CrawlStatus struct {
	JobID               int64          `json:"jobId"`
	Status              JobStatus      `json:"status"`
	HarvestErrors       string         `json:"harvestErrors,omitempty"`
	HarvestErrorDetails string         `json:"harvestErrorDetails,omitempty"`
	UploadErrors        string         `json:"uploadErrors,omitempty"`
	UploadErrorDetails  string         `json:"uploadErrorDetails,omitempty"`
	HarvestReport       *HarvestReport `json:"harvestReport,omitempty"`
}

// HarvestReport summarizes a finished crawl per domain.
type HarvestReport struct {
	Domains map[string]DomainStats `json:"domains"`
}

// DomainStats are the crawl totals for one domain.
type DomainStats struct {
	ObjectCount int64 `json:"objectCount"`
	ByteCount   int64 `json:"byteCount"`
}

// RegistrationRequest asks the scheduler to validate a harvest channel.
type RegistrationRequest struct {
	ChannelName           string `json:"channelName"`
	ApplicationInstanceID string `json:"applicationInstanceId"`
}

// RegistrationResponse answers a RegistrationRequest.
type RegistrationResponse struct {
	ChannelName string `json:"channelName"`
	IsValid     bool   `json:"isValid"`
	IsSnapshot  bool   `json:"isSnapshot"`
}

// Job is one crawl to perform.
type Job struct {
	// JobID is nil when the scheduler sent a job without an id.
	JobID     *int64          `json:"jobId"`
	HarvestID int64           `json:"harvestId"`
	Status    JobStatus       `json:"status"`
	Channel   string          `json:"channel"`
	Snapshot  bool            `json:"snapshot"`
	Seeds     []string        `json:"seeds"`
	Order     json.RawMessage `json:"order,omitempty"`
}

// ID returns the job id, or 0 when unset.
func (j Job) ID() int64 {
	if j.JobID == nil {
		return 0
	}
	return *j.JobID
}

// MetadataEntry is extra data to archive alongside the crawl.
type MetadataEntry struct {
	URL      string `json:"url"`
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// DoOneCrawl carries a job to a harvester.
type DoOneCrawl struct {
	Job      Job             `json:"job"`
	Metadata []MetadataEntry `json:"metadata,omitempty"`
}

// HarvesterReady announces that a harvester can take a job.
type HarvesterReady struct {
	ApplicationInstanceID string `json:"applicationInstanceId"`
	ChannelName           string `json:"channelName"`
}
