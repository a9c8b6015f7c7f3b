package rudp

import (
	"encoding/binary"
	"fmt"
)

// DeliveryMethod selects the reliability and ordering semantics for an
// outgoing message.
type DeliveryMethod byte

const (
	// Unreliable messages may be lost, duplicated or reordered.
	Unreliable DeliveryMethod = iota
	// UnreliableSequenced messages may be lost; late and duplicate
	// messages are dropped so only the newest is ever delivered.
	UnreliableSequenced
	// ReliableUnordered messages always arrive, in any order.
	ReliableUnordered
	// ReliableSequenced messages always arrive unless a newer message on
	// the same channel has already been delivered.
	ReliableSequenced
	// ReliableOrdered messages always arrive, exactly once, in the order
	// they were sent.
	ReliableOrdered
)

// String returns a human-readable representation of the delivery method.
func (m DeliveryMethod) String() string {
	switch m {
	case Unreliable:
		return "Unreliable"
	case UnreliableSequenced:
		return "UnreliableSequenced"
	case ReliableUnordered:
		return "ReliableUnordered"
	case ReliableSequenced:
		return "ReliableSequenced"
	case ReliableOrdered:
		return "ReliableOrdered"
	default:
		return "Unknown"
	}
}

// maxSequenceChannels is the number of orthogonal sequence channels each
// sequenced or ordered delivery method carries on the wire. The wire type
// ranges below are laid out around this constant, so it is fixed even when
// Config.ChannelsPerDeliveryMethod restricts the usable count.
const maxSequenceChannels = 32

// wireType is the single-byte on-wire message type. It encodes the delivery
// method and, for sequenced and ordered methods, the sequence channel.
//
// Layout:
//
//	0        Library (internal protocol messages)
//	1        UserUnreliable
//	2..33    UserSequenced + channel
//	34       UserReliableUnordered
//	35..66   UserReliableSequenced + channel
//	67..98   UserReliableOrdered + channel
type wireType byte

const (
	wireLibrary                  wireType = 0
	wireUserUnreliable           wireType = 1
	wireUserSequencedBase        wireType = 2
	wireUserReliableUnordered    wireType = wireUserSequencedBase + maxSequenceChannels // 34
	wireUserReliableSequenceBase wireType = wireUserReliableUnordered + 1               // 35
	wireUserReliableOrderedBase  wireType = wireUserReliableSequenceBase + maxSequenceChannels // 67
	wireTypeCount                         = int(wireUserReliableOrderedBase) + maxSequenceChannels // 99
)

// wireTypeFor maps a delivery method and channel to the on-wire type byte.
// Unreliable and ReliableUnordered have no channels; the argument is
// ignored for them beyond range validation.
func wireTypeFor(method DeliveryMethod, channel int) (wireType, error) {
	if channel < 0 || channel >= maxSequenceChannels {
		return 0, fmt.Errorf("%w: %d", ErrInvalidChannel, channel)
	}
	switch method {
	case Unreliable:
		return wireUserUnreliable, nil
	case UnreliableSequenced:
		return wireUserSequencedBase + wireType(channel), nil
	case ReliableUnordered:
		return wireUserReliableUnordered, nil
	case ReliableSequenced:
		return wireUserReliableSequenceBase + wireType(channel), nil
	case ReliableOrdered:
		return wireUserReliableOrderedBase + wireType(channel), nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrInvalidDeliveryMethod, method)
	}
}

// isReliable reports whether messages of this type are retransmitted until
// acknowledged.
func (t wireType) isReliable() bool {
	return t >= wireUserReliableUnordered
}

// isOrdered reports whether receivers withhold early messages of this type
// until the sequence gap fills.
func (t wireType) isOrdered() bool {
	return t >= wireUserReliableOrderedBase && int(t) < wireTypeCount
}

// isSequenced reports whether receivers drop messages of this type that are
// older than the newest already seen.
func (t wireType) isSequenced() bool {
	return (t >= wireUserSequencedBase && t < wireUserReliableUnordered) ||
		(t >= wireUserReliableSequenceBase && t < wireUserReliableOrderedBase)
}

// deliveryMethod recovers the delivery method from the wire type.
func (t wireType) deliveryMethod() DeliveryMethod {
	switch {
	case t == wireUserUnreliable:
		return Unreliable
	case t >= wireUserReliableOrderedBase && int(t) < wireTypeCount:
		return ReliableOrdered
	case t >= wireUserReliableSequenceBase:
		return ReliableSequenced
	case t == wireUserReliableUnordered:
		return ReliableUnordered
	case t >= wireUserSequencedBase:
		return UnreliableSequenced
	default:
		return Unreliable
	}
}

// channel recovers the sequence channel from the wire type. Types without
// channels report 0.
func (t wireType) channel() int {
	switch {
	case t >= wireUserReliableOrderedBase && int(t) < wireTypeCount:
		return int(t - wireUserReliableOrderedBase)
	case t >= wireUserReliableSequenceBase && t < wireUserReliableOrderedBase:
		return int(t - wireUserReliableSequenceBase)
	case t >= wireUserSequencedBase && t < wireUserReliableUnordered:
		return int(t - wireUserSequencedBase)
	default:
		return 0
	}
}

// libraryType tags internal protocol messages. It is carried as the first
// payload byte of a wireLibrary message.
type libraryType byte

const (
	// libNone marks an application data message; never serialized.
	libNone libraryType = iota
	libConnect
	libConnectResponse
	libConnectionEstablished
	libDisconnect
	libPing
	libPong
	libAcknowledge
	libKeepAlive
)

// String returns a human-readable representation of the library type.
func (l libraryType) String() string {
	switch l {
	case libNone:
		return "None"
	case libConnect:
		return "Connect"
	case libConnectResponse:
		return "ConnectResponse"
	case libConnectionEstablished:
		return "ConnectionEstablished"
	case libDisconnect:
		return "Disconnect"
	case libPing:
		return "Ping"
	case libPong:
		return "Pong"
	case libAcknowledge:
		return "Acknowledge"
	case libKeepAlive:
		return "KeepAlive"
	default:
		return "Unknown"
	}
}

// Wire framing constants. A UDP datagram carries one or more messages, each
// prefixed by a 5-byte header; fragmented messages insert a 6-byte fragment
// header between the message header and the payload.
const (
	// messageHeaderSize is type (1) + sequence number (2) + bit length (2).
	messageHeaderSize = 5
	// fragmentHeaderSize is group (2) + total count (2) + index (2).
	fragmentHeaderSize = 6
	// fragmentFlagBit is reserved in the bit-length field to mark a
	// fragmented message, leaving 15 bits for the payload bit length.
	fragmentFlagBit = 0x8000
	// maxMessageBitLength is the largest payload bit length the 15 usable
	// bits of the header can express.
	maxMessageBitLength = fragmentFlagBit - 1
	// ackEntrySize is one run-length entry in an Acknowledge payload:
	// wire type (1) + sequence number (2).
	ackEntrySize = 3
	// minAckMessageSize is the smallest useful Acknowledge message:
	// header (5) + library type (1) + one entry (3). The send pipeline
	// piggybacks acks whenever at least this much MTU remains.
	minAckMessageSize = messageHeaderSize + 1 + ackEntrySize
)

// writeMessageHeader encodes a message header at buf[off:] and returns the
// new offset. Sequence number and bit length are little-endian; bit 15 of
// the length field is the fragment indicator.
func writeMessageHeader(buf []byte, off int, t wireType, seq uint16, bitLength int, fragment bool) int {
	buf[off] = byte(t)
	binary.LittleEndian.PutUint16(buf[off+1:], seq)
	lenField := uint16(bitLength)
	if fragment {
		lenField |= fragmentFlagBit
	}
	binary.LittleEndian.PutUint16(buf[off+3:], lenField)
	return off + messageHeaderSize
}

// writeFragmentHeader encodes a fragment header at buf[off:] and returns the
// new offset.
func writeFragmentHeader(buf []byte, off int, group, total, index uint16) int {
	binary.LittleEndian.PutUint16(buf[off:], group)
	binary.LittleEndian.PutUint16(buf[off+2:], total)
	binary.LittleEndian.PutUint16(buf[off+4:], index)
	return off + fragmentHeaderSize
}

// bytesForBits returns the number of whole bytes needed to hold bits.
func bytesForBits(bits int) int {
	return (bits + 7) / 8
}
