package rudp

import "errors"

// Programmer errors surfaced synchronously from the user-facing API.
// Transient remote errors are never returned; they are logged and dropped
// so one misbehaving peer cannot take the endpoint down.
var (
	// ErrInvalidDeliveryMethod is returned when SendMessage is given an
	// unknown delivery method.
	ErrInvalidDeliveryMethod = errors.New("invalid delivery method")

	// ErrInvalidChannel is returned when the sequence channel is outside
	// the configured range.
	ErrInvalidChannel = errors.New("invalid sequence channel")

	// ErrMessageAlreadySent is returned when a message is passed to
	// SendMessage twice. A message is recycled after its last transmission
	// completes, so re-sending would corrupt pooled memory.
	ErrMessageAlreadySent = errors.New("message was already sent")

	// ErrNotConnected is returned when sending on a connection that is not
	// in a connected state.
	ErrNotConnected = errors.New("connection is not connected")

	// ErrNotPendingApproval is returned from Approve or Deny when the
	// connection is not waiting for an approval decision.
	ErrNotPendingApproval = errors.New("connection is not pending approval")

	// ErrMessageTooLarge is returned when a message exceeds what the
	// fragment count field can express.
	ErrMessageTooLarge = errors.New("message too large to fragment")

	// ErrPeerClosed is returned for operations on a peer that has been
	// shut down.
	ErrPeerClosed = errors.New("peer is closed")
)
