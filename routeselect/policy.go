// Package routeselect chooses the next hop for an announcement, deferring
// the actual proximity and admission heuristics to the peer set.
package routeselect

import (
	"github.com/opennet-go/opennetd/location"
	"github.com/opennet-go/opennetd/peernet"
)

// Policy selects the next peer to route an announcement to.
type Policy interface {
	// PickNext returns the connected peer, excluding source and every
	// peer in excluded, whose location is closest to target. It returns
	// false if no such peer exists — a legitimate terminal condition
	// that triggers backtracking in the announcement session.
	PickNext(source peernet.PeerID, excluded map[peernet.PeerID]struct{},
		target location.Location, ignoreBackoff bool) (peernet.Peer, bool)
}

// SimplePolicy is a thin reference Policy that delegates directly to a
// peernet.PeerSet's own closest-peer query, applying no additional
// backoff or admission logic of its own. Production peer selection is the
// peer set's concern; this exists for tests and the example daemon.
type SimplePolicy struct {
	Peers peernet.PeerSet
}

var _ Policy = (*SimplePolicy)(nil)

func (p *SimplePolicy) PickNext(source peernet.PeerID, excluded map[peernet.PeerID]struct{},
	target location.Location, ignoreBackoff bool) (peernet.Peer, bool) {

	return p.Peers.Closest(source, excluded, target, ignoreBackoff)
}
