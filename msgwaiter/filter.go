// Package msgwaiter expresses disjunctions of expected messages, each with
// its own per-alternative timeout, and blocks a caller until one matches or
// every alternative's deadline has elapsed. It is the primitive the
// announcement session uses to wait for a hop's admission and body
// responses without hand-rolling a select statement at every call site.
package msgwaiter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opennet-go/opennetd/annwire"
	"github.com/opennet-go/opennetd/peernet"
)

// ErrPeerDisconnected is returned by Filter.Wait when a peer named by one
// of the filter's patterns disconnects while the wait is outstanding.
var ErrPeerDisconnected = errors.New("msgwaiter: peer disconnected")

// pendingBuffer bounds how many matched-but-unconsumed messages a filter
// will hold before Offer starts silently dropping them. A session only
// ever has one Wait outstanding at a time and drains it promptly, so this
// only needs to absorb a short burst.
const pendingBuffer = 16

// Pattern describes one alternative in a disjunction: a message of MsgType
// from Source carrying UID, expiring after Timeout.
type Pattern struct {
	MsgType annwire.MessageType
	Source  peernet.PeerID
	UID     uint64
	Timeout time.Duration

	// RelativeToCreation anchors the deadline at the owning Filter's
	// construction time rather than at the start of each Wait call. This
	// is how the draining phase enforces a single wall-clock cap across
	// multiple successive Wait calls on the same Filter.
	RelativeToCreation bool
}

func (p Pattern) matches(peer peernet.PeerID, msg annwire.Message) bool {
	return msg.MsgType() == p.MsgType && msg.UID() == p.UID && peer == p.Source
}

func (p Pattern) deadline(created, waitStart time.Time) time.Time {
	if p.RelativeToCreation {
		return created.Add(p.Timeout)
	}
	return waitStart.Add(p.Timeout)
}

// Filter is a disjunction of Patterns awaiting exactly one match.
type Filter struct {
	patterns []Pattern
	created  time.Time

	// waitStart anchors the deadlines of patterns that are not
	// RelativeToCreation: the construction time until the first Wait, then
	// the start of the most recent Wait.
	mu        sync.Mutex
	waitStart time.Time

	msgCh        chan annwire.Message
	disconnectCh chan peernet.PeerID
}

// NewFilter builds a Filter from one or more patterns. The construction
// time is recorded for patterns that set RelativeToCreation.
func NewFilter(patterns ...Pattern) *Filter {
	now := time.Now()
	return &Filter{
		patterns:     patterns,
		created:      now,
		waitStart:    now,
		msgCh:        make(chan annwire.Message, pendingBuffer),
		disconnectCh: make(chan peernet.PeerID, pendingBuffer),
	}
}

// Offer presents an inbound message to the filter. It returns true if the
// message matched one of the filter's patterns and was queued for
// delivery to Wait; the caller (the session's Receiver.Deliver) should
// keep waiting for other filters otherwise. A pattern whose own deadline
// has already elapsed no longer matches, even while sibling alternatives
// in the same disjunction are still live — the NoderefRejected alternative
// in the body-await filter times out at 5s while its sibling patterns run
// out to 240s, and a late NoderefRejected must not be honored just because
// the filter as a whole hasn't given up yet.
func (f *Filter) Offer(peer peernet.PeerID, msg annwire.Message) bool {
	f.mu.Lock()
	waitStart := f.waitStart
	f.mu.Unlock()

	for _, p := range f.patterns {
		if p.matches(peer, msg) && time.Now().Before(p.deadline(f.created, waitStart)) {
			select {
			case f.msgCh <- msg:
			default:
			}
			return true
		}
	}
	return false
}

// Disconnect notifies the filter that peer has disconnected. If peer is
// named as the source of any pattern, an outstanding or future Wait call
// returns ErrPeerDisconnected.
func (f *Filter) Disconnect(peer peernet.PeerID) {
	for _, p := range f.patterns {
		if p.Source == peer {
			select {
			case f.disconnectCh <- peer:
			default:
			}
			return
		}
	}
}

// Wait blocks until a pattern matches, every pattern's deadline elapses, a
// named source disconnects, or ctx is done. A nil message with a nil error
// means every alternative timed out.
func (f *Filter) Wait(ctx context.Context) (annwire.Message, error) {
	f.mu.Lock()
	f.waitStart = time.Now()
	waitStart := f.waitStart
	f.mu.Unlock()

	deadline := f.patterns[0].deadline(f.created, waitStart)
	for _, p := range f.patterns[1:] {
		if d := p.deadline(f.created, waitStart); d.After(deadline) {
			deadline = d
		}
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case msg := <-f.msgCh:
		return msg, nil
	case peer := <-f.disconnectCh:
		return nil, fmt.Errorf("%w: %s", ErrPeerDisconnected, peer)
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
