// Package peernet declares the collaborator interfaces the announcement
// engine consumes from the surrounding node: the peer database, the
// proximity metric provider, and the unreliable message transport. The
// concrete implementations of these interfaces (connection management,
// backoff heuristics, wire framing) live outside this module's scope; this
// package only fixes the seams.
package peernet

import (
	"context"
	"io"

	"github.com/opennet-go/opennetd/annwire"
	"github.com/opennet-go/opennetd/bytecounter"
	"github.com/opennet-go/opennetd/location"
)

// PeerID identifies a connected peer. It is a thin newtype rather than a
// pointer to the peer struct itself, so packages that only need to name a
// peer (msgwaiter patterns, routed-to sets) don't need to import whatever
// heavyweight type the real peer database uses.
type PeerID string

// Peer is a weak reference to a peer owned by the external peer set: its
// identity, current location, and connectedness.
type Peer interface {
	ID() PeerID
	Location() location.Location
	Connected() bool
}

// ParsedNoderef is the structured form of a noderef, produced by the
// external validator. Its fields beyond identity are opaque to this
// module; the peer set and callback layers are the only consumers of its
// content.
type ParsedNoderef struct {
	PeerID PeerID
	Loc    location.Location
	Raw    []byte
}

// PeerSet is the external peer database and proximity metric provider.
type PeerSet interface {
	// Closest returns the connected peer closest to target, excluding
	// source and any peer in excluded. Returning false is a legitimate
	// terminal condition that triggers backtracking in the caller.
	Closest(source PeerID, excluded map[PeerID]struct{},
		target location.Location, ignoreBackoff bool) (Peer, bool)

	// AddNewOpennetNode offers a validated, parsed noderef to the peer
	// set. Returns the resulting Peer and true on acceptance.
	AddNewOpennetNode(ref *ParsedNoderef) (Peer, bool)
}

// ErrNotConnected is returned by Transport.SendAsync when the destination
// peer is not currently connected.
var ErrNotConnected = &notConnectedError{}

type notConnectedError struct{}

func (*notConnectedError) Error() string { return "peernet: not connected" }

// Transport is the unreliable message transport this module consumes. It
// is responsible for framing, per-hop demultiplexing by uid, and
// delivering disconnect notifications to any in-flight wait.
type Transport interface {
	// SendAsync enqueues msg for delivery to peer, byte-counting it
	// through counter. It returns ErrNotConnected if peer is not
	// currently connected; it does not block on network I/O.
	SendAsync(ctx context.Context, peer PeerID, msg annwire.Message,
		counter *bytecounter.Counter) error

	// SendBulk streams r to peer as the body of the noderef transfer
	// identified by transferUID, byte-counting it through counter. It
	// blocks until the stream is fully drained or the transport fails.
	SendBulk(ctx context.Context, peer PeerID, transferUID uint64,
		r io.Reader, counter *bytecounter.Counter) error

	// ReceiveBulk copies the noderef transfer body identified by
	// transferUID from peer into w, byte-counting it through counter. It
	// blocks until the transport signals end of transfer or fails.
	ReceiveBulk(ctx context.Context, peer PeerID, transferUID uint64,
		w io.Writer, counter *bytecounter.Counter) error

	// RegisterSession installs recv as the destination for every inbound
	// message carrying uid, until UnregisterSession is called. Messages
	// are always demultiplexed by uid, never by a back-pointer stored on
	// the peer object, so a session and a peer never hold references to
	// each other.
	RegisterSession(uid uint64, recv Receiver)

	// UnregisterSession removes the uid registration installed by
	// RegisterSession.
	UnregisterSession(uid uint64)
}

// Receiver is the sink a registered session uses to observe inbound
// messages and disconnect notifications for its uid.
type Receiver interface {
	// Deliver hands an inbound message from peer to the session.
	Deliver(peer PeerID, msg annwire.Message)

	// Disconnected notifies the session that peer has disconnected.
	Disconnected(peer PeerID)
}
