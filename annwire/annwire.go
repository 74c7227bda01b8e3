// Package annwire defines the wire messages exchanged between hops during
// opennet announcement routing, along with their binary encoding. The
// message shapes mirror the field-level protocol in spec.md §6.
package annwire

import (
	"bytes"
	"io"
)

// MessageType uniquely identifies a message's wire encoding.
type MessageType uint16

const (
	MsgAnnouncementRequest MessageType = iota + 1
	MsgAccepted
	MsgRejectedLoop
	MsgRejectedOverload
	MsgOpennetDisabled
	MsgAnnounceReply
	MsgAnnounceCompleted
	MsgRouteNotFound
	MsgNodeNotWanted
	MsgNoderefRejected
)

// String returns a human readable name for the message type, used in log
// lines and debug dumps.
func (t MessageType) String() string {
	switch t {
	case MsgAnnouncementRequest:
		return "AnnouncementRequest"
	case MsgAccepted:
		return "Accepted"
	case MsgRejectedLoop:
		return "RejectedLoop"
	case MsgRejectedOverload:
		return "RejectedOverload"
	case MsgOpennetDisabled:
		return "OpennetDisabled"
	case MsgAnnounceReply:
		return "AnnounceReply"
	case MsgAnnounceCompleted:
		return "AnnounceCompleted"
	case MsgRouteNotFound:
		return "RouteNotFound"
	case MsgNodeNotWanted:
		return "NodeNotWanted"
	case MsgNoderefRejected:
		return "NoderefRejected"
	default:
		return "Unknown"
	}
}

// Message is implemented by every message exchanged during announcement
// routing. Every message carries a uid, used by the transport to demux
// inbound traffic to the right session.
type Message interface {
	// MsgType returns the wire type identifying this message.
	MsgType() MessageType

	// UID returns the session uid this message belongs to.
	UID() uint64

	// Encode serializes the message, uid first, to w. The type tag is not
	// written; the transport is responsible for framing it.
	Encode(w *bytes.Buffer) error

	// Decode deserializes the message body from r.
	Decode(r io.Reader) error
}

// RejectCode enumerates the reasons a downstream peer may reject an
// uploaded noderef during the body stage.
type RejectCode uint8

const (
	RejectInvalid RejectCode = iota
	RejectShortly
	RejectTimeoutTransfer
)

func (c RejectCode) String() string {
	switch c {
	case RejectInvalid:
		return "invalid"
	case RejectShortly:
		return "shortly"
	case RejectTimeoutTransfer:
		return "timeout_transfer"
	default:
		return "unknown"
	}
}
