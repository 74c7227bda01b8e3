// Package htl implements the hops-to-live counter used by the opennet
// routing loop and the policy that decrements it hop to hop.
package htl

import (
	"math/rand"
	"sync"
	"time"

	"github.com/opennet-go/opennetd/peernet"
)

// Policy decides how HTL is decremented hop to hop and reports the
// process-wide ceiling on HTL values.
type Policy interface {
	// DecrementHTL returns the HTL to use for the next hop, possibly
	// unchanged. Implementations may refuse to decrement probabilistically
	// when htl is already at the maximum, to make the true network
	// diameter harder to infer from HTL alone.
	DecrementHTL(source peernet.PeerID, htl uint16) uint16

	// MaxHTL returns the process-wide ceiling on HTL values.
	MaxHTL() uint16
}

// DefaultPolicy decrements HTL by one on every hop, except that at the
// maximum HTL it only decrements with probability 1-1/maxHTL, matching the
// "decremented probabilistically near its maximum" behavior documented for
// this routing algorithm: an observer sitting at the first hop cannot
// distinguish "just started" from "one hop in" purely from the HTL value.
type DefaultPolicy struct {
	maxHTL uint16

	mu   sync.Mutex
	rand *rand.Rand
}

// NewDefaultPolicy returns a DefaultPolicy bounded by maxHTL.
func NewDefaultPolicy(maxHTL uint16) *DefaultPolicy {
	return &DefaultPolicy{
		maxHTL: maxHTL,
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// MaxHTL implements Policy.
func (p *DefaultPolicy) MaxHTL() uint16 {
	return p.maxHTL
}

// DecrementHTL implements Policy.
func (p *DefaultPolicy) DecrementHTL(_ peernet.PeerID, htl uint16) uint16 {
	if htl > p.maxHTL {
		htl = p.maxHTL
	}
	if htl == 0 {
		return 0
	}
	if htl == p.maxHTL && p.maxHTL > 0 {
		p.mu.Lock()
		skip := p.rand.Intn(int(p.maxHTL)) == 0
		p.mu.Unlock()
		if skip {
			return htl
		}
	}
	return htl - 1
}
