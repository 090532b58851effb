// Package channels names the queues and topics shared by harvesters and the scheduler.
//
// Processes never exchange channel values; they agree on identity purely by name,
// so every name is a deterministic function of the naming inputs. Whether a name
// designates a topic is recoverable from the name alone via TopicMarker.
package channels

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Separator joins the parts of a channel name.
const Separator = "_"

// TopicMarker is contained in every topic name and in no queue name.
const TopicMarker = "_ALL_"

// CommonScope is used for channels not bound to a single replica.
const CommonScope = "COMMON"

// Well-known roles.
const (
	RoleTheSched                      = "THE_SCHED"
	RoleAnyHighPriorityHaco           = "ANY_HIGHPRIORITY_HACO"
	RoleAnyLowPriorityHaco            = "ANY_LOWPRIORITY_HACO"
	RoleThisHaco                      = "THIS_HACO"
	RoleTheRepos                      = "THE_REPOS"
	RoleThisReposClient               = "THIS_REPOS_CLIENT"
	RoleError                         = "ERROR"
	RoleIndexServer                   = "INDEX_SERVER"
	RoleAllBA                         = "ALL_BA"
	RoleAnyBA                         = "ANY_BA"
	RoleTheBAMon                      = "THE_BAMON"
	RoleHarvesterRegistrationRequest  = "HARVESTER_REGISTRATION_REQUEST"
	RoleHarvesterRegistrationResponse = "ALL_HARVESTER_REGISTRATION_RESPONSE"
	RoleHarvesterStatus               = "HARVESTER_STATUS"
)

const (
	jobRolePrefix  = "JOB"
	snapshotSuffix = "SNAPSHOT"
	partialSuffix  = "PARTIAL"
)

// ErrInvalidName is returned for inputs that cannot form a valid channel.
var ErrInvalidName = errors.New("invalid channel name")

// Channel identifies a queue or topic. Values are comparable; two channels are
// equal exactly when name and kind match.
type Channel struct {
	Name  string `json:"name"`
	Topic bool   `json:"topic"`
}

// String returns the channel name.
func (c Channel) String() string {
	return c.Name
}

// IsZero reports whether the channel is unset.
func (c Channel) IsZero() bool {
	return c.Name == ""
}

// IsTopic reports whether name designates a topic.
func IsTopic(name string) bool {
	return strings.Contains(name, TopicMarker)
}

// FromName rebuilds a Channel from its name, recovering the kind from the marker.
func FromName(name string) (Channel, error) {
	if strings.TrimSpace(name) == "" {
		return Channel{}, fmt.Errorf("empty name: %w", ErrInvalidName)
	}
	return Channel{Name: name, Topic: IsTopic(name)}, nil
}

// Spec lists the inputs to Name.
type Spec struct {
	Role           string
	Scope          string
	IncludeHost    bool
	IncludeProcess bool
	Topic          bool
}

// Namer resolves channel names for one process.
type Namer struct {
	environment string
	replica     string
	host        string
	port        int
}

// NewNamer builds a Namer. host and port are used only by roles that carry
// host or process qualifiers.
func NewNamer(environment, replica, host string, port int) (*Namer, error) {
	if strings.TrimSpace(environment) == "" {
		return nil, fmt.Errorf("environment is required: %w", ErrInvalidName)
	}
	if strings.Contains(environment, Separator) {
		return nil, fmt.Errorf("environment %q must not contain %q: %w", environment, Separator, ErrInvalidName)
	}
	if replica == "" {
		replica = CommonScope
	}
	n := &Namer{
		environment: strings.ToUpper(environment),
		replica:     strings.ToUpper(replica),
		host:        sanitizeHost(host),
		port:        port,
	}
	// A bare ALL part would put the topic marker into queue names.
	for _, part := range []string{n.environment, n.replica, n.host} {
		if part == "ALL" {
			return nil, fmt.Errorf("qualifier %q is reserved: %w", part, ErrInvalidName)
		}
	}
	return n, nil
}

// Name returns the deterministic channel name for spec.
func (n *Namer) Name(spec Spec) (string, error) {
	if strings.TrimSpace(spec.Role) == "" {
		return "", fmt.Errorf("role is required: %w", ErrInvalidName)
	}
	scope := spec.Scope
	if scope == "" {
		scope = CommonScope
	}
	parts := []string{n.environment, strings.ToUpper(scope), spec.Role}
	if spec.IncludeHost {
		if n.host == "" {
			return "", fmt.Errorf("role %s needs a host qualifier: %w", spec.Role, ErrInvalidName)
		}
		parts = append(parts, n.host)
		if spec.IncludeProcess {
			parts = append(parts, strconv.Itoa(n.port))
		}
	} else if spec.IncludeProcess {
		return "", fmt.Errorf("process qualifier requires host qualifier: %w", ErrInvalidName)
	}
	name := strings.Join(parts, Separator)
	if spec.Topic != IsTopic(name) {
		return "", fmt.Errorf("name %q does not match topic=%t: %w", name, spec.Topic, ErrInvalidName)
	}
	return name, nil
}

// Channel resolves spec into a Channel.
func (n *Namer) Channel(spec Spec) (Channel, error) {
	name, err := n.Name(spec)
	if err != nil {
		return Channel{}, err
	}
	return Channel{Name: name, Topic: spec.Topic}, nil
}

func (n *Namer) must(spec Spec) Channel {
	ch, err := n.Channel(spec)
	if err != nil {
		// Well-known specs are static; a failure here means the Namer was built
		// without a host, which NewNamer callers control.
		panic(err)
	}
	return ch
}

// TheSched is the scheduler's inbound queue.
func (n *Namer) TheSched() Channel { return n.must(Spec{Role: RoleTheSched}) }

// AnyHighPriorityHaco is the shared high-priority harvester queue.
func (n *Namer) AnyHighPriorityHaco() Channel { return n.must(Spec{Role: RoleAnyHighPriorityHaco}) }

// AnyLowPriorityHaco is the shared low-priority harvester queue.
func (n *Namer) AnyLowPriorityHaco() Channel { return n.must(Spec{Role: RoleAnyLowPriorityHaco}) }

// ThisHaco is this harvester's private queue.
func (n *Namer) ThisHaco() Channel {
	return n.must(Spec{Role: RoleThisHaco, IncludeHost: true, IncludeProcess: true})
}

// TheRepos is the repository's inbound queue.
func (n *Namer) TheRepos() Channel { return n.must(Spec{Role: RoleTheRepos}) }

// ThisReposClient receives repository replies for this process.
func (n *Namer) ThisReposClient() Channel {
	return n.must(Spec{Role: RoleThisReposClient, IncludeHost: true, IncludeProcess: true})
}

// Error collects undeliverable or failed messages.
func (n *Namer) Error() Channel { return n.must(Spec{Role: RoleError}) }

// IndexServer is the index server queue.
func (n *Namer) IndexServer() Channel { return n.must(Spec{Role: RoleIndexServer}) }

// AllBA reaches every bitarchive of this replica.
func (n *Namer) AllBA() Channel {
	return n.must(Spec{Role: RoleAllBA, Scope: n.replica, Topic: true})
}

// AnyBA reaches one bitarchive of this replica.
func (n *Namer) AnyBA() Channel { return n.must(Spec{Role: RoleAnyBA, Scope: n.replica}) }

// TheBAMon is the bitarchive monitor of this replica.
func (n *Namer) TheBAMon() Channel { return n.must(Spec{Role: RoleTheBAMon, Scope: n.replica}) }

// RegistrationRequest carries harvester channel registrations to the scheduler.
func (n *Namer) RegistrationRequest() Channel {
	return n.must(Spec{Role: RoleHarvesterRegistrationRequest})
}

// RegistrationResponse is the topic on which every harvester sees every registration answer.
func (n *Namer) RegistrationResponse() Channel {
	return n.must(Spec{Role: RoleHarvesterRegistrationResponse, Topic: true})
}

// HarvesterStatus carries ready announcements.
func (n *Namer) HarvesterStatus() Channel { return n.must(Spec{Role: RoleHarvesterStatus}) }

// JobChannel is the queue on which jobs for a harvest channel are published.
func (n *Namer) JobChannel(harvestChannel string, snapshot bool) (Channel, error) {
	name := strings.ToUpper(strings.TrimSpace(harvestChannel))
	if name == "" {
		return Channel{}, fmt.Errorf("harvest channel is required: %w", ErrInvalidName)
	}
	suffix := partialSuffix
	if snapshot {
		suffix = snapshotSuffix
	}
	return n.Channel(Spec{Role: strings.Join([]string{jobRolePrefix, name, suffix}, Separator)})
}

// All returns every well-known channel, keyed by role.
func (n *Namer) All() map[string]Channel {
	out := map[string]Channel{
		RoleTheSched:                      n.TheSched(),
		RoleAnyHighPriorityHaco:           n.AnyHighPriorityHaco(),
		RoleAnyLowPriorityHaco:            n.AnyLowPriorityHaco(),
		RoleTheRepos:                      n.TheRepos(),
		RoleError:                         n.Error(),
		RoleIndexServer:                   n.IndexServer(),
		RoleAllBA:                         n.AllBA(),
		RoleAnyBA:                         n.AnyBA(),
		RoleTheBAMon:                      n.TheBAMon(),
		RoleHarvesterRegistrationRequest:  n.RegistrationRequest(),
		RoleHarvesterRegistrationResponse: n.RegistrationResponse(),
		RoleHarvesterStatus:               n.HarvesterStatus(),
	}
	if n.host != "" {
		out[RoleThisHaco] = n.ThisHaco()
		out[RoleThisReposClient] = n.ThisReposClient()
	}
	return out
}

// sanitizeHost keeps host qualifiers from introducing separators or the topic marker.
func sanitizeHost(host string) string {
	host = strings.TrimSpace(host)
	replacer := strings.NewReplacer(Separator, "-", ".", "-")
	return strings.ToUpper(replacer.Replace(host))
}
