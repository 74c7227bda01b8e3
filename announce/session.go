// Package announce implements the announcement session state machine: the
// per-uid goroutine that routes one opennet noderef announcement across
// the network, whether it originated locally or arrived from an upstream
// peer to be relayed further. Its shape follows lnd/discovery/syncer.go's
// GossipSyncer — an atomic state field driving a single owning goroutine
// through a run loop, with inbound messages fed in from the outside via a
// narrow Receiver interface rather than the goroutine polling anything.
package announce

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/davecgh/go-spew/spew"
	"golang.org/x/time/rate"

	"github.com/opennet-go/opennetd/annwire"
	"github.com/opennet-go/opennetd/bytecounter"
	"github.com/opennet-go/opennetd/location"
	"github.com/opennet-go/opennetd/msgwaiter"
	"github.com/opennet-go/opennetd/noderef"
	"github.com/opennet-go/opennetd/peernet"
)

// state values for Session.state. Named sessionState purely for log
// readability; the field itself is a bare uint32 so it can live in an
// atomic.Uint32.
type sessionState uint32

const (
	stateRouteSelect sessionState = iota
	stateAwaitAdmit
	stateAwaitBody
	stateDraining
	stateCompleted
	stateFailed
)

func (s sessionState) String() string {
	switch s {
	case stateRouteSelect:
		return "RouteSelect"
	case stateAwaitAdmit:
		return "AwaitAdmit"
	case stateAwaitBody:
		return "AwaitBody"
	case stateDraining:
		return "Draining"
	case stateCompleted:
		return "Completed"
	case stateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Session drives one announcement uid's routing from either an inbound
// admission (relay mode) or a local origination (originator mode) through
// to completion. Every field below this point is confined to the single
// goroutine run starts, except where noted; cross-goroutine communication
// happens only through curFilter and the atomic state field.
type Session struct {
	cfg Config
	uid uint64

	state atomic.Uint32

	htl        uint16
	nearestLoc location.Location
	target     location.Location
	routedTo   map[peernet.PeerID]struct{}

	alreadyForwarded  bool
	next              peernet.PeerID
	pendingTransferID uint64

	isRelay bool
	source  peernet.PeerID

	inboundTransferUID uint64
	inboundNoderefLen  uint32
	inboundPaddedLen   uint32

	callback Callback
	onlyPeer *peernet.PeerID

	counter  *bytecounter.Counter
	sender   *noderef.Sender
	receiver *noderef.Receiver

	notWantedLimiter *rate.Limiter

	mu        sync.Mutex
	curFilter *msgwaiter.Filter
}

var _ peernet.Receiver = (*Session)(nil)

// NewOriginator builds a Session for a locally-initiated announcement of
// this node's own noderef toward target. uid must be unique among this
// node's currently live sessions; callers typically draw it from a random
// source.
func NewOriginator(cfg Config, uid uint64, target location.Location,
	callback Callback, onlyPeer *peernet.PeerID) *Session {

	s := newSession(cfg, uid)
	s.target = target
	s.nearestLoc = cfg.MyLocation()
	s.htl = cfg.HTLPolicy.MaxHTL()
	s.callback = callback
	s.onlyPeer = onlyPeer

	cfg.Transport.RegisterSession(uid, s)
	return s
}

// NewRelay builds a Session for an announcement admitted from an upstream
// peer, described by in.
func NewRelay(cfg Config, in Inbound) *Session {
	s := newSession(cfg, in.UID)
	s.htl = in.HTL
	s.nearestLoc = in.NearestLoc
	s.target = in.Target
	s.isRelay = true
	s.source = in.Source
	s.inboundTransferUID = in.TransferUID
	s.inboundNoderefLen = in.NoderefLength
	s.inboundPaddedLen = in.PaddedLength

	cfg.Transport.RegisterSession(in.UID, s)
	return s
}

func newSession(cfg Config, uid uint64) *Session {
	return &Session{
		cfg:              cfg,
		uid:              uid,
		routedTo:         make(map[peernet.PeerID]struct{}),
		counter:          bytecounter.New(),
		sender:           noderef.NewSender(cfg.Transport),
		receiver:         noderef.NewReceiver(cfg.Transport, cfg.Pool),
		notWantedLimiter: rate.NewLimiter(cfg.NotWantedRateLimit, cfg.NotWantedBurst),
	}
}

// UID returns the session's announcement uid.
func (s *Session) UID() uint64 { return s.uid }

// Counter returns the session's byte accounting, per spec.md §4.6: one
// counter instance per session, shared across every hop it drives.
func (s *Session) Counter() *bytecounter.Counter { return s.counter }

// Run starts the session's owning goroutine. It must be called exactly
// once.
func (s *Session) Run() {
	go s.run()
}

func (s *Session) setState(st sessionState) {
	s.state.Store(uint32(st))
}

// Deliver implements peernet.Receiver, handing an inbound message to
// whichever Filter the session's goroutine is currently blocked on. A
// message that matches nothing outstanding is logged and dropped; this is
// routine (a reply arriving after its filter's deadline already elapsed),
// not an error.
func (s *Session) Deliver(peer peernet.PeerID, msg annwire.Message) {
	s.mu.Lock()
	f := s.curFilter
	s.mu.Unlock()

	if f == nil || !f.Offer(peer, msg) {
		log.Tracef("uid=%d: unmatched message from %s, type=%s: %s",
			s.uid, peer, msg.MsgType(), spew.Sdump(msg))
	}
}

// Disconnected implements peernet.Receiver.
func (s *Session) Disconnected(peer peernet.PeerID) {
	s.mu.Lock()
	f := s.curFilter
	s.mu.Unlock()

	if f != nil {
		f.Disconnect(peer)
	}
}

// wait installs a fresh Filter as the session's current one and blocks on
// it. Every AwaitAdmit/AwaitBody attempt calls this once, building a new
// Filter each time so per-attempt timeouts reset;
// draining installs its Filter once up front and calls Filter.Wait
// directly in a loop instead, since its patterns are RelativeToCreation.
func (s *Session) wait(ctx context.Context, patterns ...msgwaiter.Pattern) (annwire.Message, error) {
	f := msgwaiter.NewFilter(patterns...)
	s.mu.Lock()
	s.curFilter = f
	s.mu.Unlock()
	return f.Wait(ctx)
}

func (s *Session) sendAsync(peer peernet.PeerID, msg annwire.Message) error {
	return s.cfg.Transport.SendAsync(context.Background(), peer, msg, s.counter)
}

// run is the session's entire lifecycle: one pass of admission-inbound
// handling and the HTL reset rule, then a loop over the routing/await
// states until a terminal state is reached. A panic anywhere in the loop
// is treated as a silent termination rather than crashing the node.
func (s *Session) run() {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("uid=%d: session panic, terminating silently: %v", s.uid, r)
			s.setState(stateFailed)
			s.finishTerminal()
		}
	}()

	if s.isRelay {
		if !s.handleAdmissionInbound() {
			return
		}
	}
	s.applyHTLResetRule()

	for {
		switch sessionState(s.state.Load()) {
		case stateRouteSelect:
			if !s.routeSelect() {
				return
			}
		case stateAwaitAdmit:
			if !s.awaitAdmit() {
				return
			}
		case stateAwaitBody:
			if !s.awaitBody() {
				return
			}
		case stateDraining:
			s.drain()
			return
		default:
			return
		}
	}
}

// handleAdmissionInbound implements spec.md §4.1 step 1: admit the
// upstream request, pull its noderef, and offer it to the peer set before
// this session ever picks its own next hop. Returning false means the
// session already reached a terminal state and run must stop.
func (s *Session) handleAdmissionInbound() bool {
	if err := s.sendAsync(s.source, &annwire.Accepted{UIDField: s.uid}); err != nil {
		s.terminateSilently()
		return false
	}

	raw, err := s.receiver.Receive(context.Background(), s.source,
		s.inboundTransferUID, s.inboundPaddedLen, s.inboundNoderefLen, s.counter)
	if err != nil {
		s.sendAsync(s.source, &annwire.NoderefRejected{
			UIDField: s.uid, Code: annwire.RejectInvalid,
		})
		s.terminateSilently()
		return false
	}

	parsed, verr := s.cfg.Validate(raw)
	if verr != nil {
		s.sendAsync(s.source, &annwire.NoderefRejected{
			UIDField: s.uid, Code: annwire.RejectInvalid,
		})
		s.terminateSilently()
		return false
	}

	if _, added := s.cfg.Peers.AddNewOpennetNode(parsed); added {
		if err := s.relayOwnRef(context.Background()); err != nil {
			s.terminateSilently()
			return false
		}
	} else {
		s.sendAsync(s.source, &annwire.NodeNotWanted{UIDField: s.uid})
	}

	return true
}

// relayOwnRef sends this node's own noderef upstream as the session's
// first AnnounceReply, offering ourselves as a candidate the same way any
// later hop's reply will be.
func (s *Session) relayOwnRef(ctx context.Context) error {
	myRef := s.cfg.MyRef()

	transferUID, err := s.sender.Start(ctx, s.source, s.uid, bytes.NewReader(myRef), s.counter)
	if err != nil {
		return err
	}
	reply := &annwire.AnnounceReply{
		UIDField:      s.uid,
		TransferUID:   transferUID,
		NoderefLength: uint32(len(myRef)),
		PaddedLength:  uint32(len(myRef)),
	}
	if err := s.sendAsync(s.source, reply); err != nil {
		if ferr := s.sender.Finish(ctx, s.source, transferUID); ferr != nil {
			log.Debugf("uid=%d: reclaiming aborted transfer to %s: %v", s.uid, s.source, ferr)
		}
		return err
	}
	return s.sender.Finish(ctx, s.source, transferUID)
}

// applyHTLResetRule implements spec.md §4.1 step 2: if this hop is
// strictly closer to the target than any hop seen so far, its HTL resets
// to the maximum and it becomes the new nearest point of reference.
// Otherwise, in relay mode, HTL decrements per the configured policy.
func (s *Session) applyHTLResetRule() {
	myLoc := s.cfg.MyLocation()
	if myLoc.Distance(s.target) < s.nearestLoc.Distance(s.target) {
		s.nearestLoc = myLoc
		s.htl = s.cfg.HTLPolicy.MaxHTL()
		return
	}
	if s.isRelay {
		s.htl = s.cfg.HTLPolicy.DecrementHTL(s.source, s.htl)
	}
}

// routeSelect implements spec.md §4.1 step 3: pick the next hop (bypassing
// the policy entirely in pinned-peer mode), decrement HTL for every pass
// beyond the first, start the noderef transfer, and send the request.
func (s *Session) routeSelect() bool {
	if s.htl == 0 {
		if s.isRelay {
			s.sendAsync(s.source, &annwire.AnnounceCompleted{UIDField: s.uid})
		}
		s.setState(stateCompleted)
		s.finishTerminal()
		return false
	}

	next, ok := s.pickNext()
	if !ok {
		if s.isRelay {
			s.sendAsync(s.source, &annwire.RouteNotFound{UIDField: s.uid, HTL: s.htl})
		}
		if s.callback != nil {
			s.callback.NoMoreNodes()
		}
		s.setState(stateFailed)
		s.finishTerminal()
		return false
	}

	if s.alreadyForwarded {
		s.htl = s.cfg.HTLPolicy.DecrementHTL(s.source, s.htl)
	}

	s.routedTo[next] = struct{}{}

	transferUID, err := s.sender.Start(context.Background(), next, s.uid,
		bytes.NewReader(s.cfg.MyRef()), s.counter)
	if err != nil {
		// Start itself only allocates a transfer uid and kicks off the
		// background stream; today it never fails, so this is a
		// genuinely unexpected condition rather than a routine
		// disconnect worth retrying quietly.
		log.Errorf("uid=%d: unexpected error starting request transfer to %s: %v",
			s.uid, next, err)
		return true
	}

	myRefLen := uint32(len(s.cfg.MyRef()))
	req := &annwire.AnnouncementRequest{
		UIDField:        s.uid,
		HTL:             s.htl,
		NearestLocation: float64(s.nearestLoc),
		TargetLocation:  float64(s.target),
		TransferUID:     transferUID,
		NoderefLength:   myRefLen,
		PaddedLength:    myRefLen,
	}
	if err := s.sendAsync(next, req); err != nil {
		if ferr := s.sender.Finish(context.Background(), next, transferUID); ferr != nil {
			log.Debugf("uid=%d: reclaiming aborted transfer to %s: %v", s.uid, next, ferr)
		}
		return true
	}

	s.alreadyForwarded = true
	s.next = next
	s.pendingTransferID = transferUID
	s.setState(stateAwaitAdmit)
	return true
}

// pickNext implements the only_peer bypass of §4.1.4: a pinned session
// tries its one designated peer exactly once and never consults the
// routing policy.
func (s *Session) pickNext() (peernet.PeerID, bool) {
	if s.onlyPeer != nil {
		if _, tried := s.routedTo[*s.onlyPeer]; tried {
			return "", false
		}
		return *s.onlyPeer, true
	}

	peer, ok := s.cfg.Policy.PickNext(s.source, s.routedTo, s.target, false)
	if !ok {
		return "", false
	}
	return peer.ID(), true
}

// awaitAdmit implements spec.md §4.1 step 4: wait for the next hop to
// accept or reject the request. Anything other than Accepted, including a
// timeout or the peer disconnecting, sends the session back to RouteSelect
// to try another peer.
func (s *Session) awaitAdmit() bool {
	patterns := []msgwaiter.Pattern{
		{MsgType: annwire.MsgAccepted, Source: s.next, UID: s.uid, Timeout: s.cfg.Timeouts.Admission},
		{MsgType: annwire.MsgRejectedLoop, Source: s.next, UID: s.uid, Timeout: s.cfg.Timeouts.Admission},
		{MsgType: annwire.MsgRejectedOverload, Source: s.next, UID: s.uid, Timeout: s.cfg.Timeouts.Admission},
		{MsgType: annwire.MsgOpennetDisabled, Source: s.next, UID: s.uid, Timeout: s.cfg.Timeouts.Admission},
	}

	msg, err := s.wait(context.Background(), patterns...)
	if err != nil {
		if isDisconnect(err) {
			s.setState(stateRouteSelect)
			return true
		}
		s.terminateSilently()
		return false
	}
	if msg == nil {
		s.setState(stateRouteSelect)
		return true
	}

	if msg.MsgType() != annwire.MsgAccepted {
		s.setState(stateRouteSelect)
		return true
	}

	// Step 5: finish sending the body now that the hop admitted it.
	if err := s.sender.Finish(context.Background(), s.next, s.pendingTransferID); err != nil {
		s.setState(stateRouteSelect)
		return true
	}
	s.setState(stateAwaitBody)
	return true
}

// awaitBody implements spec.md §4.1 step 6: wait out the routing hop's
// body-stage outcomes. AnnounceReply and NodeNotWanted are non-terminal
// and loop back into a fresh AwaitBody wait; everything else ends this
// hop's involvement one way or another.
func (s *Session) awaitBody() bool {
	patterns := []msgwaiter.Pattern{
		{MsgType: annwire.MsgAnnounceCompleted, Source: s.next, UID: s.uid, Timeout: s.cfg.Timeouts.Body},
		{MsgType: annwire.MsgRouteNotFound, Source: s.next, UID: s.uid, Timeout: s.cfg.Timeouts.Body},
		{MsgType: annwire.MsgRejectedOverload, Source: s.next, UID: s.uid, Timeout: s.cfg.Timeouts.Body},
		{MsgType: annwire.MsgAnnounceReply, Source: s.next, UID: s.uid, Timeout: s.cfg.Timeouts.Body},
		{MsgType: annwire.MsgOpennetDisabled, Source: s.next, UID: s.uid, Timeout: s.cfg.Timeouts.Body},
		{MsgType: annwire.MsgNodeNotWanted, Source: s.next, UID: s.uid, Timeout: s.cfg.Timeouts.Body},
		{MsgType: annwire.MsgNoderefRejected, Source: s.next, UID: s.uid, Timeout: s.cfg.Timeouts.NoderefRejected},
	}

	msg, err := s.wait(context.Background(), patterns...)
	if err != nil {
		if isDisconnect(err) {
			return s.awaitBodyFatal()
		}
		s.terminateSilently()
		return false
	}
	if msg == nil {
		return s.awaitBodyFatal()
	}

	switch m := msg.(type) {
	case *annwire.NoderefRejected:
		log.Debugf("uid=%d: peer %s rejected our noderef: %s", s.uid, s.next, m.Code)
		s.setState(stateRouteSelect)
	case *annwire.RouteNotFound:
		if m.HTL < s.htl {
			s.htl = m.HTL
		}
		s.setState(stateRouteSelect)
	case *annwire.RejectedOverload:
		s.setState(stateRouteSelect)
	case *annwire.OpennetDisabled:
		s.setState(stateRouteSelect)
	case *annwire.AnnounceReply:
		if terminate := s.handleAnnounceReply(context.Background(), m); terminate {
			s.setState(stateFailed)
			s.finishTerminal()
			return false
		}
		s.setState(stateAwaitBody)
	case *annwire.NodeNotWanted:
		s.handleNodeNotWanted()
		s.setState(stateAwaitBody)
	case *annwire.AnnounceCompleted:
		if s.isRelay {
			s.sendAsync(s.source, &annwire.AnnounceCompleted{UIDField: s.uid})
		}
		s.setState(stateDraining)
	default:
		log.Warnf("uid=%d: unexpected message type %T in AwaitBody", s.uid, msg)
		s.setState(stateAwaitBody)
	}
	return true
}

// awaitBodyFatal implements the fatal-timeout branch of §4.1 step 6: no
// message at all, or the hop we're waiting on vanished. This is treated as
// a local overload rather than a routing rejection, since the peer already
// accepted the body and cannot be retried within this session.
func (s *Session) awaitBodyFatal() bool {
	if s.isRelay {
		s.sendAsync(s.source, &annwire.RejectedOverload{UIDField: s.uid, IsLocal: true})
	}
	if s.callback != nil {
		s.callback.NodeFailed(s.next, "body stage timed out")
	}
	s.setState(stateFailed)
	s.finishTerminal()
	return false
}

// handleAnnounceReply implements the reply-relay rules in spec.md §4.1.2:
// pull the reply's noderef, validate it through the external verifier, and
// only then either forward it upstream (relay mode) or offer it to the
// local peer set (originator mode). An invalid reply is dropped in either
// mode, never relayed. Returns true if the session must terminate as a
// result (an upstream transport failure while relaying).
func (s *Session) handleAnnounceReply(ctx context.Context, reply *annwire.AnnounceReply) bool {
	raw, err := s.receiver.Receive(ctx, s.next, reply.TransferUID,
		reply.PaddedLength, reply.NoderefLength, s.counter)
	if err != nil {
		if s.callback != nil {
			s.callback.BogusNoderef(err.Error())
		}
		return false
	}

	parsed, verr := s.cfg.Validate(raw)
	if verr != nil {
		if s.callback != nil {
			s.callback.BogusNoderef(verr.Error())
		}
		return false
	}

	if s.isRelay {
		transferUID, err := s.sender.Start(ctx, s.source, s.uid, bytes.NewReader(raw), s.counter)
		if err != nil {
			log.Errorf("uid=%d: unexpected error starting relayed reply transfer to %s: %v",
				s.uid, s.source, err)
			return true
		}
		out := &annwire.AnnounceReply{
			UIDField:      s.uid,
			TransferUID:   transferUID,
			NoderefLength: reply.NoderefLength,
			PaddedLength:  reply.PaddedLength,
		}
		if err := s.sendAsync(s.source, out); err != nil {
			if ferr := s.sender.Finish(ctx, s.source, transferUID); ferr != nil {
				log.Debugf("uid=%d: reclaiming aborted transfer to %s: %v", s.uid, s.source, ferr)
			}
			return true
		}
		if err := s.sender.Finish(ctx, s.source, transferUID); err != nil {
			return true
		}
		return false
	}

	if p, added := s.cfg.Peers.AddNewOpennetNode(parsed); added {
		if s.callback != nil {
			s.callback.AddedNode(p)
		}
	} else if s.callback != nil {
		s.callback.NodeNotAdded()
	}
	return false
}

// handleNodeNotWanted implements the amplification-bounded relay
// described in SPEC_FULL.md's resolution of spec.md §9's open question:
// the signal still propagates upstream hop by hop, but each session rate
// limits how often it forwards one.
func (s *Session) handleNodeNotWanted() {
	if s.callback != nil {
		s.callback.NodeNotWanted()
	}
	if !s.isRelay {
		return
	}
	if s.notWantedLimiter.Allow() {
		s.sendAsync(s.source, &annwire.NodeNotWanted{UIDField: s.uid})
	} else {
		log.Debugf("uid=%d: NodeNotWanted relay suppressed by rate limit", s.uid)
	}
}

// drain implements spec.md §4.1 step 7: after AnnounceCompleted, keep
// accepting late AnnounceReply/NodeNotWanted traffic from the same hop
// under a single absolute deadline anchored at the moment draining began,
// rather than resetting on each message the way AwaitBody does.
func (s *Session) drain() {
	patterns := []msgwaiter.Pattern{
		{MsgType: annwire.MsgAnnounceReply, Source: s.next, UID: s.uid,
			Timeout: s.cfg.Timeouts.Drain, RelativeToCreation: true},
		{MsgType: annwire.MsgNodeNotWanted, Source: s.next, UID: s.uid,
			Timeout: s.cfg.Timeouts.Drain, RelativeToCreation: true},
	}
	f := msgwaiter.NewFilter(patterns...)
	s.mu.Lock()
	s.curFilter = f
	s.mu.Unlock()

	ctx := context.Background()
drainLoop:
	for {
		msg, err := f.Wait(ctx)
		if err != nil || msg == nil {
			break
		}
		switch m := msg.(type) {
		case *annwire.AnnounceReply:
			if terminate := s.handleAnnounceReply(ctx, m); terminate {
				break drainLoop
			}
		case *annwire.NodeNotWanted:
			s.handleNodeNotWanted()
		}
	}

	s.setState(stateCompleted)
	s.finishTerminal()
}

func (s *Session) terminateSilently() {
	s.setState(stateFailed)
	s.finishTerminal()
}

// finishTerminal unregisters the session from the transport and, in
// originator mode only, invokes the callback's terminal Completed hook
// exactly once, regardless of which state led here.
func (s *Session) finishTerminal() {
	s.cfg.Transport.UnregisterSession(s.uid)
	log.Debugf("uid=%d: session terminated in state %s", s.uid, sessionState(s.state.Load()))
	if !s.isRelay && s.callback != nil {
		s.callback.Completed()
	}
}

func isDisconnect(err error) bool {
	return errors.Is(err, msgwaiter.ErrPeerDisconnected)
}
