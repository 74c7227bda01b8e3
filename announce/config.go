package announce

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/opennet-go/opennetd/htl"
	"github.com/opennet-go/opennetd/location"
	"github.com/opennet-go/opennetd/peernet"
	"github.com/opennet-go/opennetd/routeselect"
	"github.com/opennet-go/opennetd/tempbucket"
)

// Timeouts holds the session's per-phase deadlines. The literal defaults
// come from spec.md §6's configuration section.
type Timeouts struct {
	Admission       time.Duration
	Body            time.Duration
	NoderefRejected time.Duration
	Drain           time.Duration
}

// DefaultTimeouts returns the protocol's literal timeout constants: 5s
// admission, 240s body, 5s noderef-rejected (body-stage only), 30s drain.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Admission:       5 * time.Second,
		Body:            240 * time.Second,
		NoderefRejected: 5 * time.Second,
		Drain:           30 * time.Second,
	}
}

// Config bundles every external collaborator a Session needs. One Config
// is shared across every session a node runs.
type Config struct {
	Transport peernet.Transport
	Peers     peernet.PeerSet
	Policy    routeselect.Policy
	HTLPolicy htl.Policy
	Pool      *tempbucket.Pool
	Timeouts  Timeouts

	// MyLocation returns this node's own current keyspace location.
	MyLocation func() location.Location

	// MyRef returns this node's own compressed, signed noderef.
	MyRef func() []byte

	// Validate parses and cryptographically verifies a raw noderef blob.
	Validate func(raw []byte) (*peernet.ParsedNoderef, error)

	// NotWantedRateLimit and NotWantedBurst bound how fast a session
	// relays downstream NodeNotWanted messages upstream, per SPEC_FULL
	// §4.1's resolution of spec.md's amplification open question.
	NotWantedRateLimit rate.Limit
	NotWantedBurst     int
}

// Callback receives the outcomes of an originator-mode session. It is
// never invoked for a relay-mode session (spec.md §9, "Callback invocation
// count").
type Callback interface {
	AddedNode(p peernet.Peer)
	NodeNotAdded()
	NodeNotWanted()
	NodeFailed(p peernet.PeerID, reason string)
	BogusNoderef(reason string)
	NoMoreNodes()
	Completed()
}

// Inbound carries the admission message that starts a relay-mode session.
type Inbound struct {
	UID           uint64
	HTL           uint16
	NearestLoc    location.Location
	Target        location.Location
	Source        peernet.PeerID
	TransferUID   uint64
	NoderefLength uint32
	PaddedLength  uint32
}
