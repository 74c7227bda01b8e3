package annwire

import (
	"bytes"
	"io"
)

// AnnouncementRequest opens a hop: it carries the routing frontier's
// current HTL and nearest-so-far location, the ultimate target, and the
// header for the noderef bulk transfer that immediately follows it.
type AnnouncementRequest struct {
	UIDField        uint64
	HTL             uint16
	NearestLocation float64
	TargetLocation  float64
	TransferUID     uint64
	NoderefLength   uint32
	PaddedLength    uint32
}

var _ Message = (*AnnouncementRequest)(nil)

func (m *AnnouncementRequest) MsgType() MessageType { return MsgAnnouncementRequest }
func (m *AnnouncementRequest) UID() uint64           { return m.UIDField }

func (m *AnnouncementRequest) Encode(w *bytes.Buffer) error {
	return WriteElements(w,
		m.UIDField, m.HTL, m.NearestLocation, m.TargetLocation,
		m.TransferUID, m.NoderefLength, m.PaddedLength,
	)
}

func (m *AnnouncementRequest) Decode(r io.Reader) error {
	return ReadElements(r,
		&m.UIDField, &m.HTL, &m.NearestLocation, &m.TargetLocation,
		&m.TransferUID, &m.NoderefLength, &m.PaddedLength,
	)
}

// Accepted is sent by a hop admitting an AnnouncementRequest into its body
// stage.
type Accepted struct {
	UIDField uint64
}

var _ Message = (*Accepted)(nil)

func (m *Accepted) MsgType() MessageType { return MsgAccepted }
func (m *Accepted) UID() uint64          { return m.UIDField }
func (m *Accepted) Encode(w *bytes.Buffer) error {
	return WriteElement(w, m.UIDField)
}
func (m *Accepted) Decode(r io.Reader) error {
	return ReadElement(r, &m.UIDField)
}

// RejectedLoop is sent when the receiving hop has already seen this uid.
type RejectedLoop struct {
	UIDField uint64
}

var _ Message = (*RejectedLoop)(nil)

func (m *RejectedLoop) MsgType() MessageType { return MsgRejectedLoop }
func (m *RejectedLoop) UID() uint64          { return m.UIDField }
func (m *RejectedLoop) Encode(w *bytes.Buffer) error {
	return WriteElement(w, m.UIDField)
}
func (m *RejectedLoop) Decode(r io.Reader) error {
	return ReadElement(r, &m.UIDField)
}

// RejectedOverload is sent when the receiving hop is too busy to accept the
// announcement, or (IsLocal true) surfaced locally after a fatal body-stage
// timeout.
type RejectedOverload struct {
	UIDField uint64
	IsLocal  bool
}

var _ Message = (*RejectedOverload)(nil)

func (m *RejectedOverload) MsgType() MessageType { return MsgRejectedOverload }
func (m *RejectedOverload) UID() uint64          { return m.UIDField }
func (m *RejectedOverload) Encode(w *bytes.Buffer) error {
	var isLocal uint8
	if m.IsLocal {
		isLocal = 1
	}
	return WriteElements(w, m.UIDField, isLocal)
}
func (m *RejectedOverload) Decode(r io.Reader) error {
	var isLocal uint8
	if err := ReadElements(r, &m.UIDField, &isLocal); err != nil {
		return err
	}
	m.IsLocal = isLocal != 0
	return nil
}

// OpennetDisabled is sent when the receiving hop does not participate in
// opennet at all.
type OpennetDisabled struct {
	UIDField uint64
}

var _ Message = (*OpennetDisabled)(nil)

func (m *OpennetDisabled) MsgType() MessageType { return MsgOpennetDisabled }
func (m *OpennetDisabled) UID() uint64          { return m.UIDField }
func (m *OpennetDisabled) Encode(w *bytes.Buffer) error {
	return WriteElement(w, m.UIDField)
}
func (m *OpennetDisabled) Decode(r io.Reader) error {
	return ReadElement(r, &m.UIDField)
}

// AnnounceReply carries the header for a reply noderef bulk transfer. Zero
// or more of these may be sent per session, one per node encountered along
// the path.
type AnnounceReply struct {
	UIDField      uint64
	TransferUID   uint64
	NoderefLength uint32
	PaddedLength  uint32
}

var _ Message = (*AnnounceReply)(nil)

func (m *AnnounceReply) MsgType() MessageType { return MsgAnnounceReply }
func (m *AnnounceReply) UID() uint64          { return m.UIDField }
func (m *AnnounceReply) Encode(w *bytes.Buffer) error {
	return WriteElements(w, m.UIDField, m.TransferUID, m.NoderefLength, m.PaddedLength)
}
func (m *AnnounceReply) Decode(r io.Reader) error {
	return ReadElements(r, &m.UIDField, &m.TransferUID, &m.NoderefLength, &m.PaddedLength)
}

// AnnounceCompleted signals that the sending hop's own routing has run its
// course; no more AnnounceReply messages will follow except during the
// bounded drain window.
type AnnounceCompleted struct {
	UIDField uint64
}

var _ Message = (*AnnounceCompleted)(nil)

func (m *AnnounceCompleted) MsgType() MessageType { return MsgAnnounceCompleted }
func (m *AnnounceCompleted) UID() uint64          { return m.UIDField }
func (m *AnnounceCompleted) Encode(w *bytes.Buffer) error {
	return WriteElement(w, m.UIDField)
}
func (m *AnnounceCompleted) Decode(r io.Reader) error {
	return ReadElement(r, &m.UIDField)
}

// RouteNotFound is sent when the sending hop exhausted its routing options;
// HTL reports how far it managed to get so the caller can backtrack within
// the remaining hop budget.
type RouteNotFound struct {
	UIDField uint64
	HTL      uint16
}

var _ Message = (*RouteNotFound)(nil)

func (m *RouteNotFound) MsgType() MessageType { return MsgRouteNotFound }
func (m *RouteNotFound) UID() uint64          { return m.UIDField }
func (m *RouteNotFound) Encode(w *bytes.Buffer) error {
	return WriteElements(w, m.UIDField, m.HTL)
}
func (m *RouteNotFound) Decode(r io.Reader) error {
	return ReadElements(r, &m.UIDField, &m.HTL)
}

// NodeNotWanted is sent when the receiving hop already knows the offered
// noderef and declines to add it, but continues routing the announcement
// regardless.
type NodeNotWanted struct {
	UIDField uint64
}

var _ Message = (*NodeNotWanted)(nil)

func (m *NodeNotWanted) MsgType() MessageType { return MsgNodeNotWanted }
func (m *NodeNotWanted) UID() uint64          { return m.UIDField }
func (m *NodeNotWanted) Encode(w *bytes.Buffer) error {
	return WriteElement(w, m.UIDField)
}
func (m *NodeNotWanted) Decode(r io.Reader) error {
	return ReadElement(r, &m.UIDField)
}

// NoderefRejected is sent when the uploaded noderef itself could not be
// used, distinct from routing-level rejections.
type NoderefRejected struct {
	UIDField uint64
	Code     RejectCode
}

var _ Message = (*NoderefRejected)(nil)

func (m *NoderefRejected) MsgType() MessageType { return MsgNoderefRejected }
func (m *NoderefRejected) UID() uint64          { return m.UIDField }
func (m *NoderefRejected) Encode(w *bytes.Buffer) error {
	return WriteElements(w, m.UIDField, uint8(m.Code))
}
func (m *NoderefRejected) Decode(r io.Reader) error {
	var code uint8
	if err := ReadElements(r, &m.UIDField, &code); err != nil {
		return err
	}
	m.Code = RejectCode(code)
	return nil
}
