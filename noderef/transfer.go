// Package noderef implements the two-step bulk transfer primitive
// announcement hops use to exchange opaque, padded noderef blobs: a
// sender starts the body stream and later blocks until it drains, while a
// receiver pulls a bounded number of bytes into a pool-backed staging
// buffer and hands back only the unpadded content.
package noderef

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/opennet-go/opennetd/bytecounter"
	"github.com/opennet-go/opennetd/peernet"
	"github.com/opennet-go/opennetd/tempbucket"
)

// ErrUnknownTransfer is returned by Finish when called with a transfer uid
// Start never issued, or one already finished.
var ErrUnknownTransfer = errors.New("noderef: unknown transfer")

// ErrInvalidLengths is returned by Receive when refLen exceeds paddedLen.
var ErrInvalidLengths = errors.New("noderef: noderef length exceeds padded length")

// Sender drives the outbound half of the bulk transfer primitive: it
// allocates a transfer uid, starts streaming the payload to the transport
// in the background, and lets the caller block on completion separately
// from issuing the header message that carries the transfer uid.
type Sender struct {
	transport peernet.Transport

	nextTransferUID uint64

	mu      sync.Mutex
	pending map[uint64]chan error
}

// NewSender builds a Sender backed by transport.
func NewSender(transport peernet.Transport) *Sender {
	return &Sender{
		transport: transport,
		pending:   make(map[uint64]chan error),
	}
}

// Start allocates a transfer uid for the announcement identified by uid,
// begins streaming payload to peer in the background, and returns the
// transfer uid immediately so the caller can embed it in the header
// message it sends over annwire before the body finishes draining.
func (s *Sender) Start(ctx context.Context, peer peernet.PeerID, uid uint64,
	payload io.Reader, counter *bytecounter.Counter) (uint64, error) {

	transferUID := atomic.AddUint64(&s.nextTransferUID, 1)
	done := make(chan error, 1)

	s.mu.Lock()
	s.pending[transferUID] = done
	s.mu.Unlock()

	go func() {
		done <- s.transport.SendBulk(ctx, peer, transferUID, payload, counter)
	}()

	return transferUID, nil
}

// Finish blocks until the transfer started under transferUID has fully
// drained, returning any transport error encountered.
func (s *Sender) Finish(ctx context.Context, peer peernet.PeerID, transferUID uint64) error {
	s.mu.Lock()
	done, ok := s.pending[transferUID]
	if ok {
		delete(s.pending, transferUID)
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownTransfer, transferUID)
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receiver implements the inbound half: given a transfer header's
// {transfer_uid, padded_length, noderef_length}, it stages the incoming
// bytes through a tempbucket.Pool buffer and returns the unpadded content.
type Receiver struct {
	transport peernet.Transport
	pool      *tempbucket.Pool
}

// NewReceiver builds a Receiver backed by transport, staging transfers
// through pool.
func NewReceiver(transport peernet.Transport, pool *tempbucket.Pool) *Receiver {
	return &Receiver{transport: transport, pool: pool}
}

// Receive pulls paddedLen bytes of transfer transferUID from peer into a
// pool-backed staging buffer, then returns the first refLen bytes;
// padding beyond refLen is discarded and never returned to the caller.
func (r *Receiver) Receive(ctx context.Context, peer peernet.PeerID, transferUID uint64,
	paddedLen, refLen uint32, counter *bytecounter.Counter) ([]byte, error) {

	if refLen > paddedLen {
		return nil, ErrInvalidLengths
	}

	bucket, err := r.pool.Make(int64(paddedLen))
	if err != nil {
		return nil, fmt.Errorf("noderef: staging buffer: %w", err)
	}
	defer bucket.Free()

	w, err := bucket.Writer()
	if err != nil {
		return nil, fmt.Errorf("noderef: staging buffer writer: %w", err)
	}

	if err := r.transport.ReceiveBulk(ctx, peer, transferUID, w, counter); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	reader, err := bucket.Reader()
	if err != nil {
		return nil, fmt.Errorf("noderef: staging buffer reader: %w", err)
	}
	defer reader.Close()

	out := make([]byte, refLen)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, fmt.Errorf("noderef: short read: %w", err)
	}
	return out, nil
}
