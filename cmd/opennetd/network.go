package main

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/opennet-go/opennetd/announce"
	"github.com/opennet-go/opennetd/annwire"
	"github.com/opennet-go/opennetd/bytecounter"
	"github.com/opennet-go/opennetd/htl"
	"github.com/opennet-go/opennetd/location"
	"github.com/opennet-go/opennetd/peernet"
	"github.com/opennet-go/opennetd/routeselect"
	"github.com/opennet-go/opennetd/tempbucket"
)

// demoNetwork is an in-process loopback network standing in for the real
// connection layer, so this binary can exercise a full announcement
// exchange without any actual sockets. Each demoNode owns its own
// announce.Config, tempbucket.Pool, and peer set, the way independent
// processes would; demoNetwork only plays the part of the wire between
// them.
type demoNetwork struct {
	mu    sync.Mutex
	nodes map[peernet.PeerID]*demoNode
}

func newDemoNetwork() *demoNetwork {
	return &demoNetwork{nodes: make(map[peernet.PeerID]*demoNode)}
}

func (n *demoNetwork) node(id peernet.PeerID) (*demoNode, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	nd, ok := n.nodes[id]
	return nd, ok
}

const (
	defaultDemoMaxHTL         = 18
	defaultDemoNotWantedRate  = 5.0
	defaultDemoNotWantedBurst = 10
)

// addNode constructs a fully wired node at loc and registers it under id,
// staging its tempbucket pool with poolCfg.
func (n *demoNetwork) addNode(id peernet.PeerID, loc location.Location,
	poolCfg tempbucket.Config) *demoNode {

	nd := &demoNode{
		id:  id,
		loc: loc,
		net: n,
		ref: []byte("noderef:" + string(id)),
	}
	nd.peers = &demoPeerSet{self: nd}
	nd.transport = newDemoTransport(nd)
	nd.pool = tempbucket.NewPool(poolCfg)

	nd.cfg = announce.Config{
		Transport: nd.transport,
		Peers:     nd.peers,
		Policy:    &routeselect.SimplePolicy{Peers: nd.peers},
		HTLPolicy: htl.NewDefaultPolicy(defaultDemoMaxHTL),
		Pool:      nd.pool,
		Timeouts:  announce.DefaultTimeouts(),

		MyLocation: nd.location,
		MyRef:      nd.ownRef,
		Validate:   nd.validate,

		NotWantedRateLimit: defaultDemoNotWantedRate,
		NotWantedBurst:     defaultDemoNotWantedBurst,
	}

	n.mu.Lock()
	n.nodes[id] = nd
	n.mu.Unlock()
	return nd
}

// nextUID mints a session uid via crypto/rand, never math/rand, matching
// the demux key requirement for both locally-initiated sessions and the
// transport's registry lookups.
func (n *demoNetwork) nextUID() uint64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(fmt.Sprintf("demoNetwork: reading random uid: %v", err))
	}
	return binary.BigEndian.Uint64(buf[:])
}

// demoNode is one participant in the loopback network. Every peer other
// than itself is known and reachable, standing in for a fully connected
// mesh so the routing policy always has somewhere to send an
// announcement.
type demoNode struct {
	id  peernet.PeerID
	loc location.Location
	ref []byte

	net       *demoNetwork
	peers     *demoPeerSet
	transport *demoTransport
	pool      *tempbucket.Pool
	cfg       announce.Config
}

func (nd *demoNode) location() location.Location { return nd.loc }
func (nd *demoNode) ownRef() []byte              { return nd.ref }

// validate treats a demo noderef blob as self-describing: the payload is
// literally "noderef:<peer id>". A production validator would instead
// parse and cryptographically check a signed, compressed reference.
func (nd *demoNode) validate(raw []byte) (*peernet.ParsedNoderef, error) {
	id := peernet.PeerID(raw[len("noderef:"):])
	if other, ok := nd.net.node(id); ok {
		return &peernet.ParsedNoderef{PeerID: id, Loc: other.loc, Raw: raw}, nil
	}
	return &peernet.ParsedNoderef{PeerID: id, Raw: raw}, nil
}

// demoPeer is the demoPeerSet's view of one already-added peer.
type demoPeer struct {
	id  peernet.PeerID
	loc location.Location
}

func (p *demoPeer) ID() peernet.PeerID          { return p.id }
func (p *demoPeer) Location() location.Location { return p.loc }
func (p *demoPeer) Connected() bool             { return true }

var _ peernet.Peer = (*demoPeer)(nil)
var _ peernet.PeerSet = (*demoPeerSet)(nil)
var _ peernet.Transport = (*demoTransport)(nil)

// demoPeerSet accepts every offered noderef and treats every other node in
// the network as reachable, picking whichever is closest to the target by
// keyspace distance.
type demoPeerSet struct {
	self *demoNode

	mu    sync.Mutex
	added []*demoPeer
}

func (ps *demoPeerSet) Closest(source peernet.PeerID, excluded map[peernet.PeerID]struct{},
	target location.Location, ignoreBackoff bool) (peernet.Peer, bool) {

	ps.self.net.mu.Lock()
	defer ps.self.net.mu.Unlock()

	var (
		best     *demoNode
		bestDist float64
	)
	for id, nd := range ps.self.net.nodes {
		if id == ps.self.id || id == source {
			continue
		}
		if _, skip := excluded[id]; skip {
			continue
		}
		dist := nd.loc.Distance(target)
		if best == nil || dist < bestDist {
			best, bestDist = nd, dist
		}
	}
	if best == nil {
		return nil, false
	}
	return &demoPeer{id: best.id, loc: best.loc}, true
}

func (ps *demoPeerSet) AddNewOpennetNode(ref *peernet.ParsedNoderef) (peernet.Peer, bool) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	p := &demoPeer{id: ref.PeerID, loc: ref.Loc}
	ps.added = append(ps.added, p)
	return p, true
}

// bulkTransferKey scopes a transfer uid to the node that issued it, since
// each node's noderef.Sender allocates transfer uids independently and two
// different sources can legitimately reuse the same number.
type bulkTransferKey struct {
	from        peernet.PeerID
	transferUID uint64
}

// demoTransport implements peernet.Transport over the loopback network.
// Inbound messages route straight to whatever Receiver is registered for
// their uid on the destination node; an AnnouncementRequest for a uid with
// no registered Receiver spins up a fresh relay Session, playing the part
// of the surrounding node's own inbound connection dispatcher.
type demoTransport struct {
	node *demoNode

	mu       sync.Mutex
	inboxes  map[uint64]peernet.Receiver
	bulkData map[bulkTransferKey][]byte
}

func newDemoTransport(nd *demoNode) *demoTransport {
	return &demoTransport{
		node:     nd,
		inboxes:  make(map[uint64]peernet.Receiver),
		bulkData: make(map[bulkTransferKey][]byte),
	}
}

func (t *demoTransport) RegisterSession(uid uint64, recv peernet.Receiver) {
	t.mu.Lock()
	t.inboxes[uid] = recv
	t.mu.Unlock()
}

func (t *demoTransport) UnregisterSession(uid uint64) {
	t.mu.Lock()
	delete(t.inboxes, uid)
	t.mu.Unlock()
}

// SendAsync delivers msg to peer's transport on a short delay, mimicking
// real network latency just enough that the receiving session's goroutine
// has installed its next wait before a fast reply can arrive and be
// dropped as unmatched.
func (t *demoTransport) SendAsync(ctx context.Context, peer peernet.PeerID, msg annwire.Message,
	counter *bytecounter.Counter) error {

	dest, ok := t.node.net.node(peer)
	if !ok {
		return peernet.ErrNotConnected
	}
	counter.AddSent(1)

	go func() {
		time.Sleep(2 * time.Millisecond)
		dest.transport.deliver(t.node.id, msg)
	}()
	return nil
}

func (t *demoTransport) deliver(from peernet.PeerID, msg annwire.Message) {
	t.mu.Lock()
	recv, ok := t.inboxes[msg.UID()]
	t.mu.Unlock()

	if ok {
		recv.Deliver(from, msg)
		return
	}

	req, isReq := msg.(*annwire.AnnouncementRequest)
	if !isReq {
		return
	}

	sess := announce.NewRelay(t.node.cfg, announce.Inbound{
		UID:           req.UIDField,
		HTL:           req.HTL,
		NearestLoc:    location.Location(req.NearestLocation),
		Target:        location.Location(req.TargetLocation),
		Source:        from,
		TransferUID:   req.TransferUID,
		NoderefLength: req.NoderefLength,
		PaddedLength:  req.PaddedLength,
	})
	sess.Run()
}

func (t *demoTransport) SendBulk(ctx context.Context, peer peernet.PeerID, transferUID uint64,
	r io.Reader, counter *bytecounter.Counter) error {

	dest, ok := t.node.net.node(peer)
	if !ok {
		return peernet.ErrNotConnected
	}

	buf, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	counter.AddSent(len(buf))

	dest.transport.mu.Lock()
	dest.transport.bulkData[bulkTransferKey{from: t.node.id, transferUID: transferUID}] = buf
	dest.transport.mu.Unlock()
	return nil
}

func (t *demoTransport) ReceiveBulk(ctx context.Context, peer peernet.PeerID, transferUID uint64,
	w io.Writer, counter *bytecounter.Counter) error {

	key := bulkTransferKey{from: peer, transferUID: transferUID}

	deadline := time.Now().Add(2 * time.Second)
	for {
		t.mu.Lock()
		buf, ok := t.bulkData[key]
		if ok {
			delete(t.bulkData, key)
		}
		t.mu.Unlock()

		if ok {
			if _, err := w.Write(buf); err != nil {
				return err
			}
			counter.AddReceived(len(buf))
			return nil
		}
		if time.Now().After(deadline) {
			return io.ErrUnexpectedEOF
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}
