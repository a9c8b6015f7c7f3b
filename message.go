package rudp

import (
	"net"
	"sync/atomic"
)

// OutgoingMessage is an application message queued for transmission. It is
// obtained from the peer's message pool via CreateMessage, filled with
// Write calls, and handed to Connection.SendMessage exactly once. After the
// final transmission completes (immediately for unreliable methods, on
// acknowledgement for reliable ones) the message is returned to its pool.
//
// Design decisions:
//   - unfinishedSendings is an atomic refcount because fragments share the
//     backing buffer across several sending records and the last decrement
//     can race between the network goroutine and user-thread error paths
//   - a nil pool means the message is free-standing and simply garbage
//     collected when the refcount hits zero
type OutgoingMessage struct {
	data      []byte
	bitLength int

	// libType tags internal protocol messages; libNone for user data.
	libType libraryType

	// wasSent flips when the message enters SendMessage; a second send is
	// a programmer error.
	wasSent bool

	// unfinishedSendings counts sending records that still reference this
	// message. It reaches zero exactly once, at which point the message is
	// recycled.
	unfinishedSendings atomic.Int32

	pool *messagePool
}

// Write appends p to the message payload.
func (m *OutgoingMessage) Write(p []byte) (int, error) {
	m.data = append(m.data, p...)
	m.bitLength += len(p) * 8
	return len(p), nil
}

// WriteByte appends a single byte to the message payload.
func (m *OutgoingMessage) WriteByte(b byte) error {
	m.data = append(m.data, b)
	m.bitLength += 8
	return nil
}

// Bytes returns the message payload. The slice is owned by the message and
// must not be retained past SendMessage.
func (m *OutgoingMessage) Bytes() []byte {
	return m.data
}

// Len returns the payload length in bytes.
func (m *OutgoingMessage) Len() int {
	return bytesForBits(m.bitLength)
}

// reset prepares a pooled message for reuse.
func (m *OutgoingMessage) reset() {
	m.data = m.data[:0]
	m.bitLength = 0
	m.libType = libNone
	m.wasSent = false
	m.unfinishedSendings.Store(0)
}

// decrementUnfinished drops one outstanding sending and recycles the
// message when the last one finishes.
func (m *OutgoingMessage) decrementUnfinished() {
	if m.unfinishedSendings.Add(-1) == 0 && m.pool != nil {
		m.pool.recycle(m)
	}
}

// fragmentationState tracks a partially reassembled inbound message.
type fragmentationState struct {
	totalCount    int
	fragmentSize  int
	received      []bool
	receivedCount int
}

// IncomingMessage is a message received from the remote peer, either
// complete or mid-reassembly. Complete messages are handed to the
// application through the peer's event channel.
type IncomingMessage struct {
	data      []byte
	bitLength int

	wtype  wireType
	seq    uint16
	sender net.Addr

	// Fragment header fields, valid when isFragment is set.
	isFragment bool
	fragGroup  uint16
	fragIndex  int
	fragTotal  int

	// frag is non-nil while fragments are still outstanding.
	frag *fragmentationState
}

// Bytes returns the message payload.
func (m *IncomingMessage) Bytes() []byte {
	return m.data[:bytesForBits(m.bitLength)]
}

// Len returns the payload length in bytes.
func (m *IncomingMessage) Len() int {
	return bytesForBits(m.bitLength)
}

// DeliveryMethod returns the method the sender used for this message.
func (m *IncomingMessage) DeliveryMethod() DeliveryMethod {
	return m.wtype.deliveryMethod()
}

// Channel returns the sequence channel the sender used for this message.
func (m *IncomingMessage) Channel() int {
	return m.wtype.channel()
}

// Sender returns the remote endpoint the message arrived from.
func (m *IncomingMessage) Sender() net.Addr {
	return m.sender
}

// ensureCapacity grows the payload buffer to hold at least n bytes.
func (m *IncomingMessage) ensureCapacity(n int) {
	if cap(m.data) < n {
		grown := make([]byte, n)
		copy(grown, m.data)
		m.data = grown[:len(m.data)]
	}
	if len(m.data) < n {
		m.data = m.data[:n]
	}
}
