package rudp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func inbound(seq uint16) *IncomingMessage {
	return &IncomingMessage{wtype: wireUserReliableOrderedBase, seq: seq, sender: testEndpoint}
}

func releasedSeqs(msgs []*IncomingMessage) []uint16 {
	var out []uint16
	for _, m := range msgs {
		out = append(out, m.seq)
	}
	return out
}

func TestStampOutgoingWraps(t *testing.T) {
	cs := newChannelState()
	cs.nextSendSeq.Store(65535)
	assert.Equal(t, uint16(65535), cs.stampOutgoing())
	assert.Equal(t, uint16(0), cs.stampOutgoing(), "wraps to zero")
	assert.Equal(t, uint16(1), cs.stampOutgoing())
}

// TestSequencedDropsOlder replays the delivery order 1,4,2,5,3: the channel
// accepts 1, 4, 5 and rejects 2 and 3 as older than the newest seen.
func TestSequencedDropsOlder(t *testing.T) {
	cs := newChannelState()
	results := make(map[uint16]bool)
	for _, seq := range []uint16{1, 4, 2, 5, 3} {
		results[seq] = cs.onReceiveSequenced(seq)
	}
	assert.True(t, results[1])
	assert.True(t, results[4])
	assert.True(t, results[5])
	assert.False(t, results[2])
	assert.False(t, results[3])
}

func TestSequencedFirstMessageZero(t *testing.T) {
	cs := newChannelState()
	assert.True(t, cs.onReceiveSequenced(0), "sequence 0 accepted on a fresh channel")
	assert.False(t, cs.onReceiveSequenced(0), "duplicate rejected")
}

func TestReliableOrderedInOrder(t *testing.T) {
	cs := newChannelState()
	for seq := uint16(0); seq < 5; seq++ {
		verdict, released := cs.onReceiveReliable(inbound(seq), true)
		assert.Equal(t, acceptInOrder, verdict)
		require.Equal(t, []uint16{seq}, releasedSeqs(released))
	}
}

// TestReliableOrderedReverse delivers 5,4,3,2,1 (with 0 first to anchor the
// window) and expects everything released in ascending order once the gap
// fills.
func TestReliableOrderedReverse(t *testing.T) {
	cs := newChannelState()

	verdict, released := cs.onReceiveReliable(inbound(0), true)
	require.Equal(t, acceptInOrder, verdict)
	require.Equal(t, []uint16{0}, releasedSeqs(released))

	for _, seq := range []uint16{5, 4, 3, 2} {
		verdict, released = cs.onReceiveReliable(inbound(seq), true)
		assert.Equal(t, acceptEarly, verdict, "seq %d withheld", seq)
		assert.Empty(t, released)
	}

	verdict, released = cs.onReceiveReliable(inbound(1), true)
	require.Equal(t, acceptInOrder, verdict)
	assert.Equal(t, []uint16{1, 2, 3, 4, 5}, releasedSeqs(released), "withheld drain in order")
}

func TestReliableOrderedDuplicates(t *testing.T) {
	cs := newChannelState()

	_, _ = cs.onReceiveReliable(inbound(0), true)
	verdict, _ := cs.onReceiveReliable(inbound(0), true)
	assert.Equal(t, rejectDuplicate, verdict, "behind the window")

	verdict, _ = cs.onReceiveReliable(inbound(3), true)
	require.Equal(t, acceptEarly, verdict)
	verdict, _ = cs.onReceiveReliable(inbound(3), true)
	assert.Equal(t, rejectDuplicate, verdict, "withheld duplicate")
}

func TestReliableUnorderedEarlyRelease(t *testing.T) {
	cs := newChannelState()

	verdict, released := cs.onReceiveReliable(inbound(2), false)
	assert.Equal(t, acceptEarly, verdict)
	require.Equal(t, []uint16{2}, releasedSeqs(released), "unordered releases immediately")

	verdict, released = cs.onReceiveReliable(inbound(0), false)
	require.Equal(t, acceptInOrder, verdict)
	assert.Equal(t, []uint16{0}, releasedSeqs(released))

	// 1 closes the gap; 2 was already released so the window just advances
	// past it.
	verdict, released = cs.onReceiveReliable(inbound(1), false)
	require.Equal(t, acceptInOrder, verdict)
	assert.Equal(t, []uint16{1}, releasedSeqs(released))
	assert.Equal(t, uint16(3), cs.nextExpected, "window advanced over the early bit")

	verdict, _ = cs.onReceiveReliable(inbound(2), false)
	assert.Equal(t, rejectDuplicate, verdict, "replay of drained early message")
}

// TestReliableOrderedWrap sends across the 65535 -> 0 boundary.
func TestReliableOrderedWrap(t *testing.T) {
	cs := newChannelState()
	cs.nextExpected = 65535

	verdict, released := cs.onReceiveReliable(inbound(65535), true)
	require.Equal(t, acceptInOrder, verdict)
	assert.Equal(t, []uint16{65535}, releasedSeqs(released))
	assert.Equal(t, uint16(0), cs.nextExpected)

	verdict, released = cs.onReceiveReliable(inbound(0), true)
	require.Equal(t, acceptInOrder, verdict)
	assert.Equal(t, []uint16{0}, releasedSeqs(released))
}

func TestReliableOrderedWrapWithheld(t *testing.T) {
	cs := newChannelState()
	cs.nextExpected = 65534

	// 0 and 65535 arrive ahead of 65534, straddling the wrap.
	verdict, _ := cs.onReceiveReliable(inbound(0), true)
	require.Equal(t, acceptEarly, verdict)
	verdict, _ = cs.onReceiveReliable(inbound(65535), true)
	require.Equal(t, acceptEarly, verdict)

	verdict, released := cs.onReceiveReliable(inbound(65534), true)
	require.Equal(t, acceptInOrder, verdict)
	assert.Equal(t, []uint16{65534, 65535, 0}, releasedSeqs(released), "drain order respects the wrap")
}

func TestReliableBehindWindowRejected(t *testing.T) {
	cs := newChannelState()
	cs.nextExpected = 100

	verdict, _ := cs.onReceiveReliable(inbound(99), true)
	assert.Equal(t, rejectDuplicate, verdict)
	verdict, _ = cs.onReceiveReliable(inbound(100+seqWindowSize+1), true)
	assert.Equal(t, rejectDuplicate, verdict, "more than half the space ahead reads as behind")
}
