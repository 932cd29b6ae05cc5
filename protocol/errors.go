package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrCorruptUpdate is returned when an encoded update cannot be decoded.
	ErrCorruptUpdate = errors.New("corrupt update")

	// ErrTransferFailure is returned when a transfer did not complete. It is
	// the only error the retry policy retries.
	ErrTransferFailure = errors.New("transfer failure")

	// ErrShapeMismatch is returned when weights with different tensor shapes
	// are combined.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrUnknownAlgorithm is returned for an unrecognized aggregator tag.
	ErrUnknownAlgorithm = errors.New("unknown algorithm")

	// ErrUnknownModelTag is returned for an unrecognized model tag.
	ErrUnknownModelTag = errors.New("unknown model tag")

	// ErrReceiveHandlerFault marks any unexpected fault while processing an
	// inbound transfer.
	ErrReceiveHandlerFault = errors.New("receive handler fault")

	ErrInvalidSettings = errors.New("invalid settings")

	// ErrNotIdle is returned when an epoch is started while the previous one
	// is still in progress.
	ErrNotIdle = errors.New("lifecycle not idle")

	ErrClosed = errors.New("closed")
)

// ShapeMismatchError names the update whose structure differs from the local
// weights. It matches ErrShapeMismatch.
type ShapeMismatchError struct {
	Sender PeerID
	Epoch  Epoch
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("%s: update from peer %s for epoch %s", ErrShapeMismatch, e.Sender, e.Epoch)
}

func (e *ShapeMismatchError) Unwrap() error {
	return ErrShapeMismatch
}
