// Command opennetd is a minimal reference wiring of the announcement
// engine: it loads configuration, stands up logging and the tempbucket
// pool, and originates one opennet announcement toward a random location
// using an in-memory loopback network of demo peers. A real deployment
// supplies its own peernet.Transport and peernet.PeerSet backed by actual
// connections; this exists to exercise the wiring end to end the way the
// teacher's own cmd/lnd/main.go exercises the full daemon.
package main

import (
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/opennet-go/opennetd/announce"
	"github.com/opennet-go/opennetd/config"
	"github.com/opennet-go/opennetd/htl"
	"github.com/opennet-go/opennetd/location"
	"github.com/opennet-go/opennetd/oplog"
	"github.com/opennet-go/opennetd/peernet"
	"github.com/opennet-go/opennetd/tempbucket"
	"golang.org/x/time/rate"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	backend := oplog.NewBackend(os.Stdout)
	initLogging(backend, cfg.DebugLevel)

	net := newDemoNetwork()
	self := net.addNode("self", location.Location(rand.Float64()), cfg.TempBucketConfig())
	net.addNode("peer-a", location.Location(rand.Float64()), tempbucket.DefaultConfig())
	net.addNode("peer-b", location.Location(rand.Float64()), tempbucket.DefaultConfig())
	defer self.pool.Close()

	// Override the demo node's defaults with whatever this daemon's own
	// configuration specifies.
	self.cfg.HTLPolicy = htl.NewDefaultPolicy(cfg.MaxHTL)
	self.cfg.Timeouts = announce.Timeouts{
		Admission:       cfg.AdmissionTimeout,
		Body:            cfg.BodyTimeout,
		NoderefRejected: cfg.NoderefRejectTimeout,
		Drain:           cfg.DrainTimeout,
	}
	self.cfg.NotWantedRateLimit = rate.Limit(cfg.NotWantedRateLimit)
	self.cfg.NotWantedBurst = cfg.NotWantedBurst

	done := make(chan struct{})
	cb := &loggingCallback{done: done}

	target := location.Location(rand.Float64())
	sess := announce.NewOriginator(self.cfg, net.nextUID(), target, cb, nil)
	sess.Run()

	select {
	case <-done:
	case <-time.After(cfg.BodyTimeout + cfg.DrainTimeout):
	}

	return nil
}

// loggingCallback prints each callback event as it fires, standing in for
// whatever the surrounding node does with a completed or failed
// announcement (updating its peer table, retrying, alerting an operator).
type loggingCallback struct {
	done chan struct{}
}

var _ announce.Callback = (*loggingCallback)(nil)

func (c *loggingCallback) AddedNode(p peernet.Peer) {
	fmt.Println("announcement: added node", p.ID())
}

func (c *loggingCallback) NodeNotAdded() {
	fmt.Println("announcement: reply rejected by local peer set")
}

func (c *loggingCallback) NodeNotWanted() {
	fmt.Println("announcement: downstream reported NodeNotWanted")
}

func (c *loggingCallback) NodeFailed(p peernet.PeerID, reason string) {
	fmt.Println("announcement: failed at", p, "reason:", reason)
}

func (c *loggingCallback) BogusNoderef(reason string) {
	fmt.Println("announcement: bogus noderef:", reason)
}

func (c *loggingCallback) NoMoreNodes() {
	fmt.Println("announcement: no more routable peers")
}

func (c *loggingCallback) Completed() {
	fmt.Println("announcement: session completed")
	close(c.done)
}
