package rudp

import "sync/atomic"

// receivedBitWords sizes the received-bit vector: one bit per 16-bit
// sequence number, allocated lazily per channel on first reliable receive.
const receivedBitWords = 1 << 16 / 64

// reliableVerdict classifies an inbound reliable message against the
// channel's acceptance window.
type reliableVerdict int

const (
	// acceptInOrder means the message matched the expected sequence
	// number exactly and may have unblocked withheld successors.
	acceptInOrder reliableVerdict = iota
	// acceptEarly means the message is ahead of the expected sequence
	// number but inside the window; unordered channels release it at
	// once, ordered channels withhold it until the gap fills.
	acceptEarly
	// rejectDuplicate means the message was already received, or lies
	// behind the window.
	rejectDuplicate
)

// channelState holds the sliding-window bookkeeping for one
// (delivery method, sequence channel) pair.
//
// nextSendSeq is advanced from SendMessage on application threads, so it is
// atomic. Everything else is touched only by the network goroutine.
type channelState struct {
	nextSendSeq atomic.Uint32

	// lastReceivedSequenced starts at 0xFFFF so the first sequenced
	// message (sequence 0) relates as strictly ahead.
	lastReceivedSequenced uint16

	nextExpected uint16

	// receivedBits marks sequence numbers accepted ahead of nextExpected,
	// indexed by the absolute 16-bit sequence number. Bits are cleared as
	// the window advances past them.
	receivedBits []uint64

	// withheld buffers ordered messages received early, sorted by their
	// distance ahead of nextExpected.
	withheld []*IncomingMessage
}

func newChannelState() *channelState {
	cs := &channelState{}
	cs.lastReceivedSequenced = 0xFFFF
	return cs
}

// stampOutgoing allocates the next send sequence number for the channel.
// Safe to call from any goroutine.
func (cs *channelState) stampOutgoing() uint16 {
	return uint16(cs.nextSendSeq.Add(1) - 1)
}

// onReceiveSequenced accepts seq only when it is strictly ahead of the
// newest sequence number already delivered on this channel.
func (cs *channelState) onReceiveSequenced(seq uint16) bool {
	if !seqAhead(seq, cs.lastReceivedSequenced) {
		return false
	}
	cs.lastReceivedSequenced = seq
	return true
}

func (cs *channelState) bit(seq uint16) bool {
	if cs.receivedBits == nil {
		return false
	}
	return cs.receivedBits[seq>>6]&(1<<(seq&63)) != 0
}

func (cs *channelState) setBit(seq uint16) {
	if cs.receivedBits == nil {
		cs.receivedBits = make([]uint64, receivedBitWords)
	}
	cs.receivedBits[seq>>6] |= 1 << (seq & 63)
}

func (cs *channelState) clearBit(seq uint16) {
	if cs.receivedBits != nil {
		cs.receivedBits[seq>>6] &^= 1 << (seq & 63)
	}
}

// onReceiveReliable runs the reliable acceptance window for one inbound
// message. released receives every message that becomes deliverable to the
// application, in delivery order; for unordered channels an early accept is
// released immediately, for ordered channels it is withheld until its gap
// fills.
func (cs *channelState) onReceiveReliable(msg *IncomingMessage, ordered bool) (verdict reliableVerdict, released []*IncomingMessage) {
	d := relateSeq(msg.seq, cs.nextExpected)

	switch {
	case d == 0:
		// Expected message. Release it, then drain everything
		// consecutive that arrived early.
		released = append(released, msg)
		cs.nextExpected++
		released = cs.drain(released, ordered)
		return acceptInOrder, released

	case d > seqWindowSize:
		// Behind the window: already delivered.
		return rejectDuplicate, nil

	default:
		if cs.bit(msg.seq) {
			return rejectDuplicate, nil
		}
		cs.setBit(msg.seq)
		if !ordered {
			// Unordered channels deliver immediately; the bit keeps
			// the window advancing when the gap fills.
			return acceptEarly, []*IncomingMessage{msg}
		}
		cs.withholdOrdered(msg)
		return acceptEarly, nil
	}
}

// drain advances nextExpected over every consecutively received sequence
// number, appending withheld messages (ordered channels) to released.
func (cs *channelState) drain(released []*IncomingMessage, ordered bool) []*IncomingMessage {
	for cs.bit(cs.nextExpected) {
		cs.clearBit(cs.nextExpected)
		if ordered {
			// The head of the withheld list is always the message for
			// the bit being drained; withholdOrdered keeps it sorted.
			released = append(released, cs.withheld[0])
			cs.withheld[0] = nil
			cs.withheld = cs.withheld[1:]
		}
		cs.nextExpected++
	}
	return released
}

// withholdOrdered inserts msg into the withheld list, kept sorted by
// distance ahead of nextExpected so drain can pop from the front.
func (cs *channelState) withholdOrdered(msg *IncomingMessage) {
	d := relateSeq(msg.seq, cs.nextExpected)
	i := len(cs.withheld)
	for i > 0 && relateSeq(cs.withheld[i-1].seq, cs.nextExpected) > d {
		i--
	}
	cs.withheld = append(cs.withheld, nil)
	copy(cs.withheld[i+1:], cs.withheld[i:])
	cs.withheld[i] = msg
}
