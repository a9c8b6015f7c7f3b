package rudp

import (
	"net"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

// stubSender captures packets the engine emits instead of touching a
// socket. Tests inspect, drop or replay them.
type stubSender struct {
	packets [][]byte
	reset   bool
	err     error
}

func (s *stubSender) sendPacket(data []byte, to net.Addr) (bool, error) {
	cp := make([]byte, len(data))
	copy(cp, data)
	s.packets = append(s.packets, cp)
	return s.reset, s.err
}

// take returns captured packets and clears the capture buffer.
func (s *stubSender) take() [][]byte {
	pkts := s.packets
	s.packets = nil
	return pkts
}

// testEndpoint is a fixed fake remote address for engine-level tests.
var testEndpoint = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 14242}

// engineConn bundles one protocol engine with its capture sender, mock
// clock and event queue, with no peer or socket behind it.
type engineConn struct {
	conn   *Connection
	sender *stubSender
	clk    *clock.Mock
	events chan Event
}

// newEngineConn builds a connection driven directly by tests. The clock
// starts at a fixed non-zero instant.
func newEngineConn(t *testing.T, cfg *Config) *engineConn {
	t.Helper()
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config invalid: %v", err)
	}
	clk := clock.NewMock()
	clk.Set(time.Unix(1_700_000_000, 0))
	sender := &stubSender{}
	events := make(chan Event, 1024)
	conn := newConnection(nil, cfg, clk, sender, newMessagePool(), events, testEndpoint, 0x1122334455667788)
	return &engineConn{conn: conn, sender: sender, clk: clk, events: events}
}

// forceConnected skips the handshake for tests that exercise the data
// plane only.
func (e *engineConn) forceConnected() {
	e.conn.internalStatus = StatusConnected
	e.conn.visibleStatus.Store(int32(StatusConnected))
	e.conn.nextPing = e.clk.Now().Add(e.conn.cfg.PingInterval)
	e.conn.lastHeardFrom = e.clk.Now()
}

// heartbeat advances the mock clock by the configured interval and runs one
// heartbeat.
func (e *engineConn) heartbeat() {
	e.clk.Add(e.conn.cfg.HeartbeatInterval)
	buf := make([]byte, e.conn.cfg.MaximumTransmissionUnit)
	e.conn.heartbeat(e.clk.Now(), buf)
}

// inject parses a raw datagram and dispatches its messages into the engine.
func (e *engineConn) inject(datagram []byte) {
	for _, msg := range parseDatagram(datagram, testEndpoint) {
		e.conn.receivedMessage(msg, e.clk.Now())
	}
}

// drainData pops every EventData currently queued and returns the payloads.
func (e *engineConn) drainData(t *testing.T) [][]byte {
	t.Helper()
	var out [][]byte
	for {
		select {
		case ev := <-e.events:
			if ev.Type == EventData {
				out = append(out, ev.Msg.Bytes())
			}
		default:
			return out
		}
	}
}

// drainStatus pops every EventStatusChanged currently queued.
func (e *engineConn) drainStatus(t *testing.T) []Event {
	t.Helper()
	var out []Event
	for {
		select {
		case ev := <-e.events:
			if ev.Type == EventStatusChanged {
				out = append(out, ev)
			}
		default:
			return out
		}
	}
}

// enginePair wires two engines back to back; the deliver helpers move
// captured packets from one side into the other, optionally dropping by
// packet index.
type enginePair struct {
	a, b *engineConn
}

// newEnginePair returns two engines sharing one mock timeline, already
// marked connected.
func newEnginePair(t *testing.T, cfg *Config) *enginePair {
	t.Helper()
	a := newEngineConn(t, cfg)
	b := newEngineConn(t, cfg)
	b.clk.Set(a.clk.Now())
	a.forceConnected()
	b.forceConnected()
	return &enginePair{a: a, b: b}
}

// tick advances both clocks in step and heartbeats both engines.
func (p *enginePair) tick() {
	p.a.heartbeat()
	p.b.clk.Set(p.a.clk.Now())
	buf := make([]byte, p.b.conn.cfg.MaximumTransmissionUnit)
	p.b.conn.heartbeat(p.b.clk.Now(), buf)
}

// deliverAToB moves every captured packet from a into b. keep decides per
// packet index whether it survives; nil keeps everything.
func (p *enginePair) deliverAToB(keep func(i int) bool) {
	for i, pkt := range p.a.sender.take() {
		if keep != nil && !keep(i) {
			continue
		}
		p.b.inject(pkt)
	}
}

// deliverBToA is the mirror of deliverAToB.
func (p *enginePair) deliverBToA(keep func(i int) bool) {
	for i, pkt := range p.b.sender.take() {
		if keep != nil && !keep(i) {
			continue
		}
		p.a.inject(pkt)
	}
}

// exchange runs n rounds of tick plus full bidirectional delivery.
func (p *enginePair) exchange(n int) {
	for i := 0; i < n; i++ {
		p.tick()
		p.deliverAToB(nil)
		p.deliverBToA(nil)
	}
}

// buildDataMessage encodes a single-message datagram for inject.
func buildDataMessage(t wireType, seq uint16, payload []byte) []byte {
	buf := make([]byte, messageHeaderSize+len(payload))
	off := writeMessageHeader(buf, 0, t, seq, len(payload)*8, false)
	copy(buf[off:], payload)
	return buf
}

// buildLibraryMessage encodes a single library message datagram.
func buildLibraryMessage(lt libraryType, body []byte) []byte {
	buf := make([]byte, messageHeaderSize+1+len(body))
	off := writeMessageHeader(buf, 0, wireLibrary, 0, (1+len(body))*8, false)
	buf[off] = byte(lt)
	copy(buf[off+1:], body)
	return buf
}
