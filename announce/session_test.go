package announce

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/opennet-go/opennetd/annwire"
	"github.com/opennet-go/opennetd/bytecounter"
	"github.com/opennet-go/opennetd/htl"
	"github.com/opennet-go/opennetd/location"
	"github.com/opennet-go/opennetd/peernet"
	"github.com/opennet-go/opennetd/tempbucket"
	"github.com/stretchr/testify/require"
)

// --- test doubles -----------------------------------------------------

type fakePeer struct {
	id  peernet.PeerID
	loc location.Location
}

func (p *fakePeer) ID() peernet.PeerID          { return p.id }
func (p *fakePeer) Location() location.Location { return p.loc }
func (p *fakePeer) Connected() bool             { return true }

// fakePolicy returns its configured picks in order, then reports no route.
type fakePolicy struct {
	mu    sync.Mutex
	picks []peernet.Peer
	idx   int
}

func (p *fakePolicy) PickNext(peernet.PeerID, map[peernet.PeerID]struct{},
	location.Location, bool) (peernet.Peer, bool) {

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.idx >= len(p.picks) {
		return nil, false
	}
	picked := p.picks[p.idx]
	p.idx++
	return picked, true
}

type fakePeerSet struct {
	mu     sync.Mutex
	accept bool
	added  []*peernet.ParsedNoderef
}

func (s *fakePeerSet) Closest(peernet.PeerID, map[peernet.PeerID]struct{},
	location.Location, bool) (peernet.Peer, bool) {
	return nil, false
}

func (s *fakePeerSet) AddNewOpennetNode(ref *peernet.ParsedNoderef) (peernet.Peer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.added = append(s.added, ref)
	if !s.accept {
		return nil, false
	}
	return &fakePeer{id: ref.PeerID, loc: ref.Loc}, true
}

type fakeCallback struct {
	mu          sync.Mutex
	added       []peernet.Peer
	notAdded    int
	notWanted   int
	noMoreNodes int
	failed      []string
	bogus       []string
	completed   chan struct{}
}

func newFakeCallback() *fakeCallback {
	return &fakeCallback{completed: make(chan struct{}, 1)}
}

func (c *fakeCallback) AddedNode(p peernet.Peer) {
	c.mu.Lock()
	c.added = append(c.added, p)
	c.mu.Unlock()
}
func (c *fakeCallback) NodeNotAdded() {
	c.mu.Lock()
	c.notAdded++
	c.mu.Unlock()
}
func (c *fakeCallback) NodeNotWanted() {
	c.mu.Lock()
	c.notWanted++
	c.mu.Unlock()
}
func (c *fakeCallback) NodeFailed(_ peernet.PeerID, reason string) {
	c.mu.Lock()
	c.failed = append(c.failed, reason)
	c.mu.Unlock()
}
func (c *fakeCallback) BogusNoderef(reason string) {
	c.mu.Lock()
	c.bogus = append(c.bogus, reason)
	c.mu.Unlock()
}
func (c *fakeCallback) NoMoreNodes() {
	c.mu.Lock()
	c.noMoreNodes++
	c.mu.Unlock()
}
func (c *fakeCallback) Completed() {
	select {
	case c.completed <- struct{}{}:
	default:
	}
}

func (c *fakeCallback) waitCompleted(t *testing.T) {
	t.Helper()
	select {
	case <-c.completed:
	case <-time.After(2 * time.Second):
		t.Fatal("callback.Completed never fired")
	}
}

type sentMsg struct {
	peer peernet.PeerID
	msg  annwire.Message
}

// spyTransport is a single session's view of the transport: it records
// every outbound message and lets the test hand-deliver inbound ones to
// whichever Receiver the session registered.
type spyTransport struct {
	mu   sync.Mutex
	sent []sentMsg
	bulk map[uint64][]byte
	recv peernet.Receiver

	sendAsyncErr error
}

func newSpyTransport() *spyTransport {
	return &spyTransport{bulk: make(map[uint64][]byte)}
}

func (t *spyTransport) SendAsync(_ context.Context, peer peernet.PeerID, msg annwire.Message,
	_ *bytecounter.Counter) error {

	if t.sendAsyncErr != nil {
		return t.sendAsyncErr
	}
	t.mu.Lock()
	t.sent = append(t.sent, sentMsg{peer, msg})
	t.mu.Unlock()
	return nil
}

func (t *spyTransport) SendBulk(_ context.Context, _ peernet.PeerID, transferUID uint64,
	r io.Reader, counter *bytecounter.Counter) error {

	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	counter.AddSent(len(data))
	t.mu.Lock()
	t.bulk[transferUID] = data
	t.mu.Unlock()
	return nil
}

func (t *spyTransport) ReceiveBulk(_ context.Context, _ peernet.PeerID, transferUID uint64,
	w io.Writer, counter *bytecounter.Counter) error {

	t.mu.Lock()
	data := t.bulk[transferUID]
	t.mu.Unlock()
	n, err := w.Write(data)
	counter.AddReceived(n)
	return err
}

func (t *spyTransport) RegisterSession(_ uint64, recv peernet.Receiver) {
	t.mu.Lock()
	t.recv = recv
	t.mu.Unlock()
}

func (t *spyTransport) UnregisterSession(uint64) {}

func (t *spyTransport) deliver(peer peernet.PeerID, msg annwire.Message) {
	t.mu.Lock()
	r := t.recv
	t.mu.Unlock()
	r.Deliver(peer, msg)
}

func (t *spyTransport) sentTo(peer peernet.PeerID) []annwire.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []annwire.Message
	for _, s := range t.sent {
		if s.peer == peer {
			out = append(out, s.msg)
		}
	}
	return out
}

func echoValidate(raw []byte) (*peernet.ParsedNoderef, error) {
	return &peernet.ParsedNoderef{PeerID: peernet.PeerID(raw), Loc: 0.5, Raw: raw}, nil
}

func testTimeouts() Timeouts {
	return Timeouts{
		Admission:       50 * time.Millisecond,
		Body:            50 * time.Millisecond,
		NoderefRejected: 20 * time.Millisecond,
		Drain:           50 * time.Millisecond,
	}
}

func baseConfig(transport peernet.Transport, policy *fakePolicy, peers *fakePeerSet,
	maxHTL uint16, myRef []byte) Config {

	return Config{
		Transport:          transport,
		Peers:              peers,
		Policy:             policy,
		HTLPolicy:          htl.NewDefaultPolicy(maxHTL),
		Pool:               tempbucket.NewPool(tempbucket.DefaultConfig()),
		Timeouts:           testTimeouts(),
		MyLocation:         func() location.Location { return 0.5 },
		MyRef:              func() []byte { return myRef },
		Validate:           echoValidate,
		NotWantedRateLimit: rate.Inf,
		NotWantedBurst:     100,
	}
}

// --- tests --------------------------------------------------------------

func TestOriginatorNoRouteReportsNoMoreNodes(t *testing.T) {
	transport := newSpyTransport()
	policy := &fakePolicy{} // no picks at all
	peers := &fakePeerSet{}
	cfg := baseConfig(transport, policy, peers, 5, []byte("A"))
	cb := newFakeCallback()

	s := NewOriginator(cfg, 1, 0.9, cb, nil)
	s.Run()

	cb.waitCompleted(t)
	require.Equal(t, 1, cb.noMoreNodes)
}

func TestOriginatorHTLZeroCompletesImmediately(t *testing.T) {
	transport := newSpyTransport()
	policy := &fakePolicy{picks: []peernet.Peer{&fakePeer{id: "B", loc: 0.4}}}
	peers := &fakePeerSet{}
	cfg := baseConfig(transport, policy, peers, 0, []byte("A"))
	cb := newFakeCallback()

	s := NewOriginator(cfg, 1, 0.9, cb, nil)
	s.Run()

	cb.waitCompleted(t)
	require.Equal(t, 0, cb.noMoreNodes)
	require.Empty(t, transport.sent)
}

func TestPinnedPeerFailsWithoutConsultingPolicy(t *testing.T) {
	transport := newSpyTransport()
	policy := &fakePolicy{picks: []peernet.Peer{&fakePeer{id: "should-not-be-used", loc: 0.1}}}
	peers := &fakePeerSet{}
	cfg := baseConfig(transport, policy, peers, 5, []byte("A"))
	cb := newFakeCallback()

	pinned := peernet.PeerID("B")
	s := NewOriginator(cfg, 1, 0.9, cb, &pinned)
	s.Run()

	// First (only) attempt goes to the pinned peer, never the policy.
	require.Eventually(t, func() bool {
		return len(transport.sentTo("B")) > 0
	}, time.Second, 5*time.Millisecond)

	// Reject the loop so the session revisits RouteSelect; the pinned
	// peer is now in routed_to and must not be retried.
	req := transport.sentTo("B")[0].(*annwire.AnnouncementRequest)
	transport.deliver("B", &annwire.RejectedLoop{UIDField: req.UIDField})

	cb.waitCompleted(t)
	require.Equal(t, 1, cb.noMoreNodes)
	require.Equal(t, 0, policy.idx)
}

func TestApplyHTLResetRuleResetsOnCloserHop(t *testing.T) {
	transport := newSpyTransport()
	cfg := baseConfig(transport, &fakePolicy{}, &fakePeerSet{}, 10, []byte("B"))
	cfg.MyLocation = func() location.Location { return 0.5 }

	s := NewRelay(cfg, Inbound{UID: 1, HTL: 3, NearestLoc: 0.9, Target: 0.5, Source: "A"})

	// This hop (0.5) sits exactly on the target, strictly closer than the
	// inbound nearest point of reference (0.9), so HTL resets to the
	// policy maximum regardless of the inbound HTL of 3.
	s.applyHTLResetRule()

	require.Equal(t, cfg.HTLPolicy.MaxHTL(), s.htl)
	require.Equal(t, location.Location(0.5), s.nearestLoc)
}

func TestApplyHTLResetRuleDecrementsWhenNotCloser(t *testing.T) {
	transport := newSpyTransport()
	cfg := baseConfig(transport, &fakePolicy{}, &fakePeerSet{}, 10, []byte("B"))
	cfg.MyLocation = func() location.Location { return 0.95 }

	s := NewRelay(cfg, Inbound{UID: 2, HTL: 3, NearestLoc: 0.9, Target: 0.5, Source: "A"})

	// This hop (0.95) is farther from the target than the inbound nearest
	// point of reference (0.9), so HTL only decrements per the relay
	// policy instead of resetting, and nearestLoc is left unchanged.
	s.applyHTLResetRule()

	require.Equal(t, uint16(2), s.htl)
	require.Equal(t, location.Location(0.9), s.nearestLoc)
}

// recordingPolicy captures the excluded set passed to each PickNext call,
// so a test can assert a rejected hop is excluded from the next attempt.
type recordingPolicy struct {
	mu       sync.Mutex
	picks    []peernet.Peer
	idx      int
	excluded []map[peernet.PeerID]struct{}
}

func (p *recordingPolicy) PickNext(_ peernet.PeerID, excluded map[peernet.PeerID]struct{},
	_ location.Location, _ bool) (peernet.Peer, bool) {

	p.mu.Lock()
	defer p.mu.Unlock()
	snapshot := make(map[peernet.PeerID]struct{}, len(excluded))
	for id := range excluded {
		snapshot[id] = struct{}{}
	}
	p.excluded = append(p.excluded, snapshot)

	if p.idx >= len(p.picks) {
		return nil, false
	}
	picked := p.picks[p.idx]
	p.idx++
	return picked, true
}

// TestPolicyDrivenLoopRejectionExcludesRoutedPeer drives the general
// (non-pinned) loop-rejection path: the policy offers a peer, that peer
// rejects the request as a loop, and the session must consult the policy
// again while excluding the rejected peer, eventually giving up once the
// policy has nothing left to offer.
func TestPolicyDrivenLoopRejectionExcludesRoutedPeer(t *testing.T) {
	transport := newSpyTransport()
	policy := &recordingPolicy{picks: []peernet.Peer{
		&fakePeer{id: "C", loc: 0.7},
		&fakePeer{id: "D", loc: 0.8},
	}}
	peers := &fakePeerSet{}
	cfg := baseConfig(transport, &fakePolicy{}, peers, 5, []byte("A"))
	cfg.Policy = policy
	cb := newFakeCallback()

	s := NewOriginator(cfg, 1, 0.9, cb, nil)
	s.Run()

	require.Eventually(t, func() bool {
		return len(transport.sentTo("C")) > 0
	}, time.Second, 5*time.Millisecond)
	reqC := transport.sentTo("C")[0].(*annwire.AnnouncementRequest)
	transport.deliver("C", &annwire.RejectedLoop{UIDField: reqC.UIDField})

	require.Eventually(t, func() bool {
		return len(transport.sentTo("D")) > 0
	}, time.Second, 5*time.Millisecond)
	reqD := transport.sentTo("D")[0].(*annwire.AnnouncementRequest)
	transport.deliver("D", &annwire.RejectedLoop{UIDField: reqD.UIDField})

	cb.waitCompleted(t)
	require.Equal(t, 1, cb.noMoreNodes)

	require.Len(t, policy.excluded, 3)
	require.NotContains(t, policy.excluded[0], peernet.PeerID("C"))
	require.Contains(t, policy.excluded[1], peernet.PeerID("C"))
	require.Contains(t, policy.excluded[2], peernet.PeerID("C"))
	require.Contains(t, policy.excluded[2], peernet.PeerID("D"))
}

// TestDrainHonorsAbsoluteDeadline drives spec.md §4.1 step 7's late-reply
// draining: a reply arriving comfortably inside the drain window is still
// relayed upstream, but the session stops listening once the drain
// deadline it armed at the start of draining has elapsed.
func TestDrainHonorsAbsoluteDeadline(t *testing.T) {
	transport := newSpyTransport()
	peers := &fakePeerSet{accept: true}
	cfg := baseConfig(transport, &fakePolicy{
		picks: []peernet.Peer{&fakePeer{id: "C", loc: 0.85}},
	}, peers, 5, []byte("B"))
	cfg.Timeouts.Drain = 60 * time.Millisecond

	in := Inbound{
		UID: 55, HTL: 3, NearestLoc: 0.1, Target: 0.9, Source: "A",
		TransferUID: 11, NoderefLength: 1, PaddedLength: 1,
	}
	transport.bulk[11] = []byte("A")
	s := NewRelay(cfg, in)
	s.Run()

	require.Eventually(t, func() bool {
		return len(transport.sentTo("C")) > 0
	}, time.Second, 5*time.Millisecond)
	req := transport.sentTo("C")[0].(*annwire.AnnouncementRequest)
	transport.deliver("C", &annwire.Accepted{UIDField: req.UIDField})

	time.Sleep(10 * time.Millisecond)
	transport.deliver("C", &annwire.AnnounceCompleted{UIDField: 55})

	require.Eventually(t, func() bool {
		for _, m := range transport.sentTo("A") {
			if m.MsgType() == annwire.MsgAnnounceCompleted {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	// Well inside the 60ms drain window: relayed upstream.
	transport.bulk[12] = []byte("late-ref")
	transport.deliver("C", &annwire.AnnounceReply{
		UIDField: 55, TransferUID: 12, NoderefLength: 8, PaddedLength: 8,
	})
	require.Eventually(t, func() bool {
		for _, m := range transport.sentTo("A") {
			if m.MsgType() == annwire.MsgAnnounceReply {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	// Well past the drain deadline: the session has stopped listening and
	// this must never reach upstream.
	time.Sleep(90 * time.Millisecond)
	transport.bulk[13] = []byte("too-late")
	transport.deliver("C", &annwire.AnnounceReply{
		UIDField: 55, TransferUID: 13, NoderefLength: 8, PaddedLength: 8,
	})

	time.Sleep(50 * time.Millisecond)
	count := 0
	for _, m := range transport.sentTo("A") {
		if m.MsgType() == annwire.MsgAnnounceReply {
			count++
		}
	}
	require.Equal(t, 1, count)
}

func TestAwaitBodyFatalTimeoutSurfacesLocalOverloadUpstream(t *testing.T) {
	transport := newSpyTransport()
	peers := &fakePeerSet{accept: true}
	cfg := baseConfig(transport, &fakePolicy{
		picks: []peernet.Peer{&fakePeer{id: "C", loc: 0.85}},
	}, peers, 5, []byte("B"))

	in := Inbound{
		UID: 42, HTL: 3, NearestLoc: 0.1, Target: 0.9, Source: "A",
		TransferUID: 7, NoderefLength: 1, PaddedLength: 1,
	}
	transport.bulk[7] = []byte("A")
	s := NewRelay(cfg, in)
	s.Run()

	require.Eventually(t, func() bool {
		return len(transport.sentTo("C")) > 0
	}, time.Second, 5*time.Millisecond)

	req := transport.sentTo("C")[0].(*annwire.AnnouncementRequest)
	transport.deliver("C", &annwire.Accepted{UIDField: req.UIDField})

	// C admits the body stage but never answers it; the fatal-timeout
	// branch must fire and surface a local RejectedOverload upstream.
	require.Eventually(t, func() bool {
		for _, m := range transport.sentTo("A") {
			if ro, ok := m.(*annwire.RejectedOverload); ok && ro.IsLocal {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNodeNotWantedRelayIsRateLimited(t *testing.T) {
	transport := newSpyTransport()
	peers := &fakePeerSet{accept: true}
	cfg := baseConfig(transport, &fakePolicy{picks: []peernet.Peer{
		&fakePeer{id: "C", loc: 0.85},
	}}, peers, 5, []byte("B"))
	cfg.NotWantedRateLimit = rate.Every(time.Hour)
	cfg.NotWantedBurst = 1

	in := Inbound{
		UID: 9, HTL: 3, NearestLoc: 0.1, Target: 0.9, Source: "A",
		TransferUID: 3, NoderefLength: 1, PaddedLength: 1,
	}
	transport.bulk[3] = []byte("A")
	s := NewRelay(cfg, in)
	s.Run()

	require.Eventually(t, func() bool {
		return len(transport.sentTo("C")) > 0
	}, time.Second, 5*time.Millisecond)

	req := transport.sentTo("C")[0].(*annwire.AnnouncementRequest)
	transport.deliver("C", &annwire.Accepted{UIDField: req.UIDField})
	time.Sleep(20 * time.Millisecond) // let the session drain into AwaitBody

	notWanted := &annwire.NodeNotWanted{UIDField: 9}
	transport.deliver("C", notWanted)
	transport.deliver("C", notWanted)

	require.Eventually(t, func() bool {
		count := 0
		for _, m := range transport.sentTo("A") {
			if m.MsgType() == annwire.MsgNodeNotWanted {
				count++
			}
		}
		return count == 1
	}, time.Second, 5*time.Millisecond)
}

// --- two-hop integration -------------------------------------------------

// bulkKey scopes a transfer uid to the node that issued it: each node's
// noderef.Sender allocates transfer uids independently, so two different
// source nodes can legitimately hand out the same uid concurrently.
type bulkKey struct {
	from        peernet.PeerID
	transferUID uint64
}

// simNetwork wires several nodes' transports together so a message sent by
// one is delivered to whichever session the destination node currently has
// registered under that uid, mirroring how a real Transport demultiplexes
// by uid rather than by a stored peer back-reference.
type simNetwork struct {
	mu      sync.Mutex
	inboxes map[peernet.PeerID]map[uint64]peernet.Receiver
	bulk    map[bulkKey][]byte

	// onAdmission stands in for the node-level dispatcher that spins up a
	// fresh relay Session the first time an AnnouncementRequest arrives
	// for a uid nothing is registered under yet.
	onAdmission map[peernet.PeerID]func(from peernet.PeerID, req *annwire.AnnouncementRequest)
}

func newSimNetwork() *simNetwork {
	return &simNetwork{
		inboxes:     make(map[peernet.PeerID]map[uint64]peernet.Receiver),
		bulk:        make(map[bulkKey][]byte),
		onAdmission: make(map[peernet.PeerID]func(peernet.PeerID, *annwire.AnnouncementRequest)),
	}
}

func (n *simNetwork) transportFor(node peernet.PeerID) *simTransport {
	return &simTransport{net: n, node: node}
}

type simTransport struct {
	net  *simNetwork
	node peernet.PeerID
}

var errSimNotConnected = errors.New("simTransport: peer not connected")

func (t *simTransport) SendAsync(_ context.Context, peer peernet.PeerID, msg annwire.Message,
	_ *bytecounter.Counter) error {

	t.net.mu.Lock()
	recv, ok := t.net.inboxes[peer][msg.UID()]
	hook := t.net.onAdmission[peer]
	t.net.mu.Unlock()

	if !ok {
		req, isReq := msg.(*annwire.AnnouncementRequest)
		if !isReq || hook == nil {
			return errSimNotConnected
		}
		go func() {
			time.Sleep(2 * time.Millisecond)
			hook(t.node, req)
		}()
		return nil
	}
	go func() {
		time.Sleep(2 * time.Millisecond)
		recv.Deliver(t.node, msg)
	}()
	return nil
}

func (t *simTransport) SendBulk(_ context.Context, _ peernet.PeerID, transferUID uint64,
	r io.Reader, counter *bytecounter.Counter) error {

	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	counter.AddSent(len(data))
	t.net.mu.Lock()
	t.net.bulk[bulkKey{from: t.node, transferUID: transferUID}] = data
	t.net.mu.Unlock()
	return nil
}

func (t *simTransport) ReceiveBulk(_ context.Context, peer peernet.PeerID, transferUID uint64,
	w io.Writer, counter *bytecounter.Counter) error {

	t.net.mu.Lock()
	data := t.net.bulk[bulkKey{from: peer, transferUID: transferUID}]
	t.net.mu.Unlock()
	n, err := w.Write(data)
	counter.AddReceived(n)
	return err
}

func (t *simTransport) RegisterSession(uid uint64, recv peernet.Receiver) {
	t.net.mu.Lock()
	if t.net.inboxes[t.node] == nil {
		t.net.inboxes[t.node] = make(map[uint64]peernet.Receiver)
	}
	t.net.inboxes[t.node][uid] = recv
	t.net.mu.Unlock()
}

func (t *simTransport) UnregisterSession(uid uint64) {
	t.net.mu.Lock()
	delete(t.net.inboxes[t.node], uid)
	t.net.mu.Unlock()
}

// TestTwoHopReplyAddsNode drives spec.md's canonical two-hop scenario: A
// originates toward a target B is closer to; B admits A's noderef, replies
// with its own noderef before it even finishes its own routing, and A
// ends up adding B to its peer set from that reply.
func TestTwoHopReplyAddsNode(t *testing.T) {
	net := newSimNetwork()

	peersA := &fakePeerSet{accept: true}
	peersB := &fakePeerSet{accept: true}

	cfgA := baseConfig(net.transportFor("A"), &fakePolicy{
		picks: []peernet.Peer{&fakePeer{id: "B", loc: 0.6}},
	}, peersA, 5, []byte("A"))
	cfgA.MyLocation = func() location.Location { return 0.1 }

	cfgB := baseConfig(net.transportFor("B"), &fakePolicy{}, peersB, 5, []byte("B"))
	cfgB.MyLocation = func() location.Location { return 0.6 }

	cbA := newFakeCallback()

	// B's relay session is constructed the moment A's
	// AnnouncementRequest arrives, standing in for a node's inbound
	// dispatcher.
	net.onAdmission["B"] = func(from peernet.PeerID, req *annwire.AnnouncementRequest) {
		in := Inbound{
			UID:           req.UID(),
			HTL:           req.HTL,
			NearestLoc:    location.Location(req.NearestLocation),
			Target:        location.Location(req.TargetLocation),
			Source:        from,
			TransferUID:   req.TransferUID,
			NoderefLength: req.NoderefLength,
			PaddedLength:  req.PaddedLength,
		}
		NewRelay(cfgB, in).Run()
	}

	sessionA := NewOriginator(cfgA, 100, 0.61, cbA, nil)
	sessionA.Run()

	cbA.waitCompleted(t)

	require.Len(t, cbA.added, 1)
	require.Equal(t, peernet.PeerID("B"), cbA.added[0].ID())
	require.Len(t, peersB.added, 1)
	require.Equal(t, peernet.PeerID("A"), peersB.added[0].PeerID)
}
