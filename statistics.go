package rudp

import (
	"fmt"
	"sync/atomic"
)

// Statistics accumulates per-connection counters. Counters are atomic so
// application threads can read them while the network goroutine writes.
type Statistics struct {
	packetsSent     atomic.Uint64
	packetsReceived atomic.Uint64

	messagesSent     atomic.Uint64
	messagesReceived atomic.Uint64

	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64

	messagesResent    atomic.Uint64
	duplicateMessages atomic.Uint64
	droppedMessages   atomic.Uint64
	dispatchFailures  atomic.Uint64
}

// PacketsSent returns the number of UDP datagrams emitted.
func (s *Statistics) PacketsSent() uint64 { return s.packetsSent.Load() }

// PacketsReceived returns the number of UDP datagrams dispatched into the
// connection.
func (s *Statistics) PacketsReceived() uint64 { return s.packetsReceived.Load() }

// MessagesSent returns the number of messages written to the wire,
// retransmissions included.
func (s *Statistics) MessagesSent() uint64 { return s.messagesSent.Load() }

// MessagesReceived returns the number of messages parsed from inbound
// datagrams.
func (s *Statistics) MessagesReceived() uint64 { return s.messagesReceived.Load() }

// BytesSent returns the total datagram bytes emitted.
func (s *Statistics) BytesSent() uint64 { return s.bytesSent.Load() }

// BytesReceived returns the total datagram bytes received.
func (s *Statistics) BytesReceived() uint64 { return s.bytesReceived.Load() }

// MessagesResent returns how many reliable transmissions were repeated.
func (s *Statistics) MessagesResent() uint64 { return s.messagesResent.Load() }

// DuplicateMessages returns how many inbound messages were rejected as
// duplicates.
func (s *Statistics) DuplicateMessages() uint64 { return s.duplicateMessages.Load() }

// DroppedMessages returns how many inbound messages were dropped for
// reasons other than duplication, such as stale sequenced messages.
func (s *Statistics) DroppedMessages() uint64 { return s.droppedMessages.Load() }

// DispatchFailures returns how many inbound messages caused a recovered
// panic during handling.
func (s *Statistics) DispatchFailures() uint64 { return s.dispatchFailures.Load() }

// String summarizes the counters for logs and debugging.
func (s *Statistics) String() string {
	return fmt.Sprintf("sent %d msgs / %d bytes in %d packets, received %d msgs / %d bytes in %d packets, %d resent, %d duplicates",
		s.MessagesSent(), s.BytesSent(), s.PacketsSent(),
		s.MessagesReceived(), s.BytesReceived(), s.PacketsReceived(),
		s.MessagesResent(), s.DuplicateMessages())
}
