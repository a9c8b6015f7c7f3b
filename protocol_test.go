package rudp

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sendUser queues one user message on an engine.
func sendUser(t *testing.T, e *engineConn, payload []byte, method DeliveryMethod, channel int) {
	t.Helper()
	msg := e.conn.CreateMessage(len(payload))
	_, _ = msg.Write(payload)
	require.NoError(t, e.conn.SendMessage(msg, method, channel))
}

// touch keeps both sides' timeout clocks quiet during long simulated
// exchanges.
func (p *enginePair) touch() {
	p.a.conn.lastHeardFrom = p.a.clk.Now()
	p.b.conn.lastHeardFrom = p.b.clk.Now()
}

// TestReliableOrderedLossyDelivery drops every other datagram in both
// directions; five reliable-ordered messages still arrive exactly once, in
// order.
func TestReliableOrderedLossyDelivery(t *testing.T) {
	p := newEnginePair(t, nil)

	want := [][]byte{
		[]byte("message one"),
		[]byte("message two"),
		[]byte("message three"),
		[]byte("message four"),
		[]byte("message five"),
	}
	for _, w := range want {
		sendUser(t, p.a, w, ReliableOrdered, 0)
	}

	dropCounter := 0
	for round := 0; round < 120; round++ {
		p.tick()
		p.touch()
		p.deliverAToB(func(i int) bool {
			dropCounter++
			return dropCounter%2 == 0 // 50% loss
		})
		p.deliverBToA(nil) // acks flow freely
	}

	got := p.b.drainData(t)
	require.Len(t, got, 5, "all messages delivered despite loss")
	for i, w := range want {
		assert.Equal(t, w, got[i], "delivery order preserved at index %d", i)
	}
	assert.Empty(t, p.a.conn.unacked, "every transmission eventually acked")
}

// TestReliableOrderedReorderedDelivery delivers the datagrams of one burst
// in reverse: the receiver withholds and releases everything in order.
func TestReliableOrderedReorderedDelivery(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UseMessageCoalescing = false // one message per datagram so we can reorder them
	p := newEnginePair(t, cfg)

	for i := byte(1); i <= 5; i++ {
		sendUser(t, p.a, []byte{i}, ReliableOrdered, 0)
	}
	p.tick()
	packets := p.a.sender.take()
	require.Len(t, packets, 5)
	for i := len(packets) - 1; i >= 0; i-- {
		p.b.inject(packets[i])
	}

	got := p.b.drainData(t)
	require.Len(t, got, 5)
	for i := 0; i < 5; i++ {
		assert.Equal(t, []byte{byte(i + 1)}, got[i])
	}
}

// TestReliableDuplicateSuppressed replays an entire datagram; the payload
// is released only once and the duplicate is still acked.
func TestReliableDuplicateSuppressed(t *testing.T) {
	p := newEnginePair(t, nil)

	sendUser(t, p.a, []byte("once only"), ReliableOrdered, 0)
	p.tick()
	packets := p.a.sender.take()
	require.Len(t, packets, 1)

	p.b.inject(packets[0])
	p.b.inject(packets[0])

	got := p.b.drainData(t)
	require.Len(t, got, 1)
	assert.Equal(t, []byte("once only"), got[0])
	assert.Equal(t, uint64(1), p.b.conn.stats.DuplicateMessages())
	assert.Len(t, p.b.conn.pendingAcks, 2, "both copies acked")
}

// TestSequenceNumberWrap sends across the 65535 boundary on a reliable
// ordered channel; both messages arrive in order.
func TestSequenceNumberWrap(t *testing.T) {
	p := newEnginePair(t, nil)

	wt, err := wireTypeFor(ReliableOrdered, 0)
	require.NoError(t, err)
	p.a.conn.getChannel(wt).nextSendSeq.Store(65535)
	p.b.conn.getChannel(wt).nextExpected = 65535

	sendUser(t, p.a, []byte("before wrap"), ReliableOrdered, 0)
	sendUser(t, p.a, []byte("after wrap"), ReliableOrdered, 0)
	p.exchange(3)

	got := p.b.drainData(t)
	require.Len(t, got, 2)
	assert.Equal(t, []byte("before wrap"), got[0])
	assert.Equal(t, []byte("after wrap"), got[1])
}

// TestFragmentationRoundTrip sends a 4000-byte reliable-ordered message
// through the default 1408-byte MTU: three fragments, reassembled
// byte-for-byte, surviving the loss of one fragment.
func TestFragmentationRoundTrip(t *testing.T) {
	p := newEnginePair(t, nil)

	payload := make([]byte, 4000)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	sendUser(t, p.a, payload, ReliableOrdered, 0)

	p.tick()
	packets := p.a.sender.take()
	require.Len(t, packets, 3, "three fragments for 4000 bytes")

	// Fragment #1 is lost once.
	p.b.inject(packets[0])
	p.b.inject(packets[2])
	assert.Empty(t, p.b.drainData(t), "incomplete message withheld")
	assert.Equal(t, 1, p.b.conn.asm.pendingGroups())

	for round := 0; round < 60; round++ {
		p.tick()
		p.touch()
		p.deliverAToB(nil)
		p.deliverBToA(nil)
		if got := p.b.drainData(t); len(got) > 0 {
			require.Len(t, got, 1)
			assert.True(t, bytes.Equal(payload, got[0]), "byte-for-byte reassembly")
			return
		}
	}
	t.Fatal("fragmented message never completed")
}

// TestUnreliableSequencedDropping delivers sequenced datagrams as
// 1,4,2,5,3: the receiver accepts 1, 4, 5 and drops 2 and 3.
func TestUnreliableSequencedDropping(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UseMessageCoalescing = false
	p := newEnginePair(t, cfg)

	for i := byte(1); i <= 5; i++ {
		sendUser(t, p.a, []byte{i}, UnreliableSequenced, 2)
	}
	p.tick()
	packets := p.a.sender.take()
	require.Len(t, packets, 5)

	for _, idx := range []int{0, 3, 1, 4, 2} {
		p.b.inject(packets[idx])
	}

	got := p.b.drainData(t)
	require.Len(t, got, 3)
	assert.Equal(t, []byte{1}, got[0])
	assert.Equal(t, []byte{4}, got[1])
	assert.Equal(t, []byte{5}, got[2])
	assert.Equal(t, uint64(2), p.b.conn.stats.DroppedMessages())
}

// TestDisconnectPropagates covers both ends of a graceful goodbye.
func TestDisconnectPropagates(t *testing.T) {
	p := newEnginePair(t, nil)

	p.a.conn.Disconnect("bye")
	p.tick()
	p.deliverAToB(nil)

	assert.Equal(t, StatusDisconnected, p.a.conn.Status())
	assert.Equal(t, StatusDisconnected, p.b.conn.Status())

	statuses := p.b.drainStatus(t)
	require.NotEmpty(t, statuses)
	assert.Equal(t, "bye", statuses[len(statuses)-1].Reason)
}

// TestLostAckTriggersHarmlessResend: the data arrives but its ack is lost;
// the sender retransmits, the receiver drops the duplicate and acks again,
// and the second ack finds nothing left to clear.
func TestLostAckTriggersHarmlessResend(t *testing.T) {
	p := newEnginePair(t, nil)

	sendUser(t, p.a, []byte("ack me"), ReliableUnordered, 0)
	p.tick()
	p.deliverAToB(nil)
	require.Len(t, p.b.drainData(t), 1)

	// Lose the receiver's ack.
	p.tick()
	p.b.sender.take()
	require.Len(t, p.a.conn.unacked, 1, "still awaiting ack")

	// Let the resend fire and the second ack come home.
	for round := 0; round < 30 && len(p.a.conn.unacked) > 0; round++ {
		p.tick()
		p.touch()
		p.deliverAToB(nil)
		p.deliverBToA(nil)
	}

	assert.Empty(t, p.a.conn.unacked, "second ack clears the retransmission")
	assert.Empty(t, p.b.drainData(t), "duplicate not released again")
	assert.GreaterOrEqual(t, p.a.conn.stats.MessagesResent(), uint64(1))
	assert.GreaterOrEqual(t, p.b.conn.stats.DuplicateMessages(), uint64(1))
}

// TestUnfinishedSendingsReachZeroOnce tracks the refcount across a
// fragmented reliable send: the message recycles exactly when the last
// fragment is acked.
func TestUnfinishedSendingsReachZeroOnce(t *testing.T) {
	p := newEnginePair(t, nil)

	payload := make([]byte, 3000)
	msg := p.a.conn.CreateMessage(len(payload))
	_, _ = msg.Write(payload)
	require.NoError(t, p.a.conn.SendMessage(msg, ReliableOrdered, 1))
	require.Equal(t, int32(3), msg.unfinishedSendings.Load(), "one sending per fragment")

	for round := 0; round < 30 && msg.unfinishedSendings.Load() > 0; round++ {
		p.tick()
		p.touch()
		p.deliverAToB(nil)
		p.deliverBToA(nil)
	}

	assert.Equal(t, int32(0), msg.unfinishedSendings.Load())
	require.Len(t, p.b.drainData(t), 1, "reassembled message delivered once")
}
