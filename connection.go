package rudp

import (
	"encoding/binary"
	"fmt"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"
)

// ConnectionStatus is the lifecycle state of a connection.
type ConnectionStatus int32

const (
	// StatusNone is the state before any handshake traffic.
	StatusNone ConnectionStatus = iota
	// StatusInitiatedConnect means we sent Connect and await ConnectResponse.
	StatusInitiatedConnect
	// StatusRespondedConnect means we answered an inbound Connect and await
	// ConnectionEstablished.
	StatusRespondedConnect
	// StatusConnecting is the visible status covering both handshake sides.
	StatusConnecting
	// StatusConnected means the handshake completed; data flows.
	StatusConnected
	// StatusDisconnecting means a goodbye is queued but not yet on the wire.
	StatusDisconnecting
	// StatusDisconnected is terminal; the connection is evicted.
	StatusDisconnected
)

// String returns a human-readable representation of the status.
func (s ConnectionStatus) String() string {
	switch s {
	case StatusNone:
		return "None"
	case StatusInitiatedConnect:
		return "InitiatedConnect"
	case StatusRespondedConnect:
		return "RespondedConnect"
	case StatusConnecting:
		return "Connecting"
	case StatusConnected:
		return "Connected"
	case StatusDisconnecting:
		return "Disconnecting"
	case StatusDisconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// visible maps an internal status to the one reported to the application.
// The handshake substates all read as Connecting.
func (s ConnectionStatus) visible() ConnectionStatus {
	switch s {
	case StatusInitiatedConnect, StatusRespondedConnect:
		return StatusConnecting
	default:
		return s
	}
}

// Fixed disconnect reasons for connection-fatal conditions.
const (
	reasonTimedOut         = "Connection timed out"
	reasonHandshakeFailed  = "Failed to complete handshake"
	reasonConnectionReset  = "Connection was reset by remote host"
	reasonPeerShuttingDown = "Peer is shutting down"
)

// packetSender is the socket collaborator. sendPacket emits one datagram of
// at most MTU bytes; reset reports an OS-level connection reset indication
// for the destination, which is connection-fatal.
type packetSender interface {
	sendPacket(data []byte, to net.Addr) (reset bool, err error)
}

// Connection is the per-remote-endpoint protocol engine: handshake state,
// per-channel sequencing windows, the retransmission set, fragment
// reassembly, ack bookkeeping and throttling all live here.
//
// Threading: the owning peer's network goroutine drives heartbeat and
// inbound dispatch and exclusively owns the channel receive state, the
// unacked set, the assembler and the ack queue. Application threads are
// limited to SendMessage (which only stamps sequence numbers and appends to
// the unsent queue), the read-only accessors, and the command-style
// operations (Disconnect, Approve, Deny) which hop onto the network
// goroutine.
type Connection struct {
	peer   *Peer
	cfg    *Config
	clock  clock.Clock
	sender packetSender
	pool   *messagePool
	events chan<- Event

	remoteAddr net.Addr
	remoteUID  uint64
	localUID   uint64

	internalStatus   ConnectionStatus
	visibleStatus    atomic.Int32
	pendingApproval  bool
	disconnectReason string

	connectionInitiator  bool
	connectInitiatedAt   time.Time
	lastHandshakeAttempt time.Time
	handshakeAttempts    int

	lastHeardFrom  time.Time
	lastSentPacket time.Time

	unsent      sendQueue
	unsentBytes atomic.Int64
	unacked     map[ackKey]*sendingRecord

	// pendingAcks queues outbound acknowledgements packed as
	// type | seq<<16; the wire encoding is 3 bytes per entry.
	pendingAcks   []uint32
	nextForcedAck time.Time

	asm           *assembler
	nextFragGroup atomic.Uint32

	channels   [wireTypeCount]*channelState
	channelsMu sync.Mutex

	srtt      time.Duration
	rttVar    time.Duration
	sentPings [256]time.Time
	pingNr    byte
	nextPing  time.Time

	throttleDebt   float64
	lastHeartbeat  time.Time
	heartbeatCount int

	stats Statistics
	tag   atomic.Value
}

func newConnection(peer *Peer, cfg *Config, clk clock.Clock, sender packetSender, pool *messagePool, events chan<- Event, remote net.Addr, localUID uint64) *Connection {
	c := &Connection{
		peer:       peer,
		cfg:        cfg,
		clock:      clk,
		sender:     sender,
		pool:       pool,
		events:     events,
		remoteAddr: remote,
		localUID:   localUID,
		unacked:    make(map[ackKey]*sendingRecord),
		asm:        newAssembler(),
	}
	c.visibleStatus.Store(int32(StatusNone))
	c.lastHeardFrom = clk.Now()
	return c
}

// getChannel returns the state for a wire type, allocating it on first use.
// Allocation is guarded because SendMessage on an application thread and the
// network goroutine can both reach an unallocated channel.
func (c *Connection) getChannel(t wireType) *channelState {
	c.channelsMu.Lock()
	cs := c.channels[t]
	if cs == nil {
		cs = newChannelState()
		c.channels[t] = cs
	}
	c.channelsMu.Unlock()
	return cs
}

// --- Read-only accessors -------------------------------------------------

// Status returns the application-visible connection status.
func (c *Connection) Status() ConnectionStatus {
	return ConnectionStatus(c.visibleStatus.Load())
}

// RemoteAddr returns the remote endpoint.
func (c *Connection) RemoteAddr() net.Addr {
	return c.remoteAddr
}

// RemoteUID returns the remote peer's 64-bit unique identifier, zero until
// the handshake has delivered it.
func (c *Connection) RemoteUID() uint64 {
	return atomic.LoadUint64(&c.remoteUID)
}

// Statistics returns the connection's counters.
func (c *Connection) Statistics() *Statistics {
	return &c.stats
}

// UnsentBytes returns the number of encoded bytes waiting in the send queue.
func (c *Connection) UnsentBytes() int {
	return int(c.unsentBytes.Load())
}

// AverageRoundTripTime returns the smoothed RTT estimate.
func (c *Connection) AverageRoundTripTime() time.Duration {
	return c.srtt
}

// Tag returns the application tag previously stored with SetTag.
func (c *Connection) Tag() any {
	return c.tag.Load()
}

// SetTag attaches an arbitrary application value to the connection.
func (c *Connection) SetTag(v any) {
	c.tag.Store(v)
}

// CreateMessage returns a pooled outgoing message with the given initial
// payload capacity.
func (c *Connection) CreateMessage(initialCapacity int) *OutgoingMessage {
	return c.pool.get(initialCapacity)
}

// --- Sending -------------------------------------------------------------

// SendMessage queues msg for delivery with the given method and sequence
// channel. The message must come from CreateMessage and must not have been
// sent before; ownership passes to the connection.
//
// Safe to call from any goroutine.
func (c *Connection) SendMessage(msg *OutgoingMessage, method DeliveryMethod, channel int) error {
	if channel < 0 || channel >= c.cfg.ChannelsPerDeliveryMethod {
		return fmt.Errorf("%w: %d (configured maximum %d)", ErrInvalidChannel, channel, c.cfg.ChannelsPerDeliveryMethod-1)
	}
	wt, err := wireTypeFor(method, channel)
	if err != nil {
		return err
	}
	switch c.Status() {
	case StatusDisconnecting, StatusDisconnected, StatusNone:
		return ErrNotConnected
	}
	if msg.wasSent {
		return ErrMessageAlreadySent
	}
	msg.wasSent = true

	cs := c.getChannel(wt)
	if msg.Len() <= c.cfg.maxUnfragmentedSize() {
		msg.unfinishedSendings.Store(1)
		c.enqueueRecord(newSendingRecord(msg, wt, cs.stampOutgoing()))
		return nil
	}

	fragSize := c.cfg.fragmentSize()
	total := (msg.Len() + fragSize - 1) / fragSize
	if total > 0xFFFF {
		return fmt.Errorf("%w: %d bytes would need %d fragments", ErrMessageTooLarge, msg.Len(), total)
	}
	group := c.allocFragmentGroup()
	msg.unfinishedSendings.Store(int32(total))
	for i := 0; i < total; i++ {
		rec := newSendingRecord(msg, wt, cs.stampOutgoing())
		rec.fragGroup = group
		rec.fragIndex = i
		rec.fragTotal = total
		c.enqueueRecord(rec)
	}
	log.Debug().
		Int("bytes", msg.Len()).
		Int("fragments", total).
		Uint16("group", group).
		Str("method", method.String()).
		Msg("fragmented outgoing message")
	return nil
}

func (c *Connection) enqueueRecord(rec *sendingRecord) {
	c.unsentBytes.Add(int64(rec.encodedSize(c.cfg.fragmentSize())))
	c.unsent.pushBack(rec)
}

// allocFragmentGroup hands out monotonic per-connection fragment group ids,
// skipping 0 which marks "not fragmented".
func (c *Connection) allocFragmentGroup() uint16 {
	g := uint16(c.nextFragGroup.Add(1))
	if g == 0 {
		g = uint16(c.nextFragGroup.Add(1))
	}
	return g
}

// sendLibrary queues an internal protocol message. The library subtype is
// the first payload byte.
func (c *Connection) sendLibrary(lt libraryType, payload []byte) {
	msg := c.pool.get(1 + len(payload))
	msg.libType = lt
	msg.wasSent = true
	_ = msg.WriteByte(byte(lt))
	_, _ = msg.Write(payload)
	msg.unfinishedSendings.Store(1)
	c.enqueueRecord(newSendingRecord(msg, wireLibrary, 0))
}

// --- User commands -------------------------------------------------------

// Disconnect requests a graceful shutdown: a goodbye message with the given
// reason is flushed to the remote before the connection finalizes.
// Idempotent; safe to call from any goroutine.
func (c *Connection) Disconnect(reason string) {
	c.runOnNetworkThread(func() { c.executeDisconnect(reason) })
}

// Approve accepts a connection held in the approval window and resumes the
// handshake. Safe to call from any goroutine.
func (c *Connection) Approve() error {
	errCh := make(chan error, 1)
	c.runOnNetworkThread(func() {
		if !c.pendingApproval {
			errCh <- ErrNotPendingApproval
			return
		}
		c.pendingApproval = false
		c.sendConnectResponse(c.clock.Now())
		errCh <- nil
	})
	return <-errCh
}

// Deny rejects a connection held in the approval window, sending the reason
// to the remote. Safe to call from any goroutine.
func (c *Connection) Deny(reason string) error {
	errCh := make(chan error, 1)
	c.runOnNetworkThread(func() {
		if !c.pendingApproval {
			errCh <- ErrNotPendingApproval
			return
		}
		c.pendingApproval = false
		// The denial still says goodbye so the remote learns the reason
		// instead of timing out its handshake.
		c.disconnectReason = reason
		c.sendLibrary(libDisconnect, appendString(nil, reason))
		c.setStatus(StatusDisconnecting, reason)
		errCh <- nil
	})
	return <-errCh
}

// runOnNetworkThread funnels state mutations onto the network goroutine.
// Without an owning peer (engine-level tests) the callback runs inline.
func (c *Connection) runOnNetworkThread(f func()) {
	if c.peer == nil {
		f()
		return
	}
	c.peer.runCommand(f)
}

// executeDisconnect runs on the network goroutine.
func (c *Connection) executeDisconnect(reason string) {
	switch c.internalStatus {
	case StatusDisconnecting, StatusDisconnected:
		return
	case StatusNone, StatusInitiatedConnect, StatusRespondedConnect:
		// No established session to say goodbye on.
		c.disconnected(reason)
		return
	}

	c.setStatus(StatusDisconnecting, reason)
	c.disconnectReason = reason

	// Zero the throttle debt so the goodbye goes out on the very next
	// heartbeat, and give every unacked send one last immediate shot.
	c.throttleDebt = 0
	for key, rec := range c.unacked {
		delete(c.unacked, key)
		c.unsent.pushFront(rec)
		c.unsentBytes.Add(int64(rec.encodedSize(c.cfg.fragmentSize())))
	}

	payload := make([]byte, 0, len(reason)+2)
	payload = appendString(payload, reason)
	c.sendLibrary(libDisconnect, payload)
}

// finishDisconnect completes Disconnecting -> Disconnected once the goodbye
// has been written to the wire.
func (c *Connection) finishDisconnect() {
	if c.internalStatus != StatusDisconnecting {
		return
	}
	c.disconnected(c.disconnectReason)
}

// disconnected moves the connection to its terminal state, releasing every
// queued message exactly once and surfacing the reason to the application.
func (c *Connection) disconnected(reason string) {
	if c.internalStatus == StatusDisconnected {
		return
	}
	log.Info().
		Str("remote", c.remoteAddr.String()).
		Str("reason", reason).
		Msg("connection closed")

	for rec := c.unsent.popFront(); rec != nil; rec = c.unsent.popFront() {
		rec.msg.decrementUnfinished()
	}
	for key, rec := range c.unacked {
		delete(c.unacked, key)
		rec.msg.decrementUnfinished()
	}
	c.pendingAcks = nil
	c.nextForcedAck = time.Time{}
	c.unsentBytes.Store(0)

	c.disconnectReason = reason
	c.setStatus(StatusDisconnected, reason)
	if c.peer != nil {
		c.peer.removeConnection(c)
	}
}

// setStatus updates the internal status and, when the visible status
// changes, posts a status event.
func (c *Connection) setStatus(s ConnectionStatus, reason string) {
	c.internalStatus = s
	vis := s.visible()
	if ConnectionStatus(c.visibleStatus.Swap(int32(vis))) == vis {
		return
	}
	log.Debug().
		Str("remote", c.remoteAddr.String()).
		Str("status", vis.String()).
		Str("reason", reason).
		Msg("connection status changed")
	c.postEvent(Event{Type: EventStatusChanged, Conn: c, Status: vis, Reason: reason})
}

func (c *Connection) postEvent(ev Event) {
	if c.events == nil {
		return
	}
	select {
	case c.events <- ev:
	default:
		c.stats.droppedMessages.Add(1)
		log.Warn().
			Str("remote", c.remoteAddr.String()).
			Int("type", int(ev.Type)).
			Msg("inbound queue full, event dropped")
	}
}

// --- Handshake -----------------------------------------------------------

// startHandshake begins the active side of the handshake. Runs on the
// network goroutine.
func (c *Connection) startHandshake(now time.Time) {
	c.connectionInitiator = true
	c.connectInitiatedAt = now
	c.setStatus(StatusInitiatedConnect, "")
	c.sendConnect(now)
}

func (c *Connection) sendConnect(now time.Time) {
	var payload [8]byte
	binary.LittleEndian.PutUint64(payload[:], c.localUID)
	c.sendLibrary(libConnect, payload[:])
	c.lastHandshakeAttempt = now
	c.handshakeAttempts++
}

func (c *Connection) sendConnectResponse(now time.Time) {
	var payload [8]byte
	binary.LittleEndian.PutUint64(payload[:], c.localUID)
	c.sendLibrary(libConnectResponse, payload[:])
	c.lastHandshakeAttempt = now
	c.handshakeAttempts++
}

// acceptInbound initializes the passive side after an inbound Connect.
// Runs on the network goroutine.
func (c *Connection) acceptInbound(remoteUID uint64, now time.Time) {
	atomic.StoreUint64(&c.remoteUID, remoteUID)
	c.connectInitiatedAt = now
	c.setStatus(StatusRespondedConnect, "")
	if c.cfg.RequireApproval {
		c.pendingApproval = true
		c.postEvent(Event{Type: EventConnectionApproval, Conn: c})
		return
	}
	c.sendConnectResponse(now)
}

// --- Inbound dispatch ----------------------------------------------------

// receivedMessage dispatches one parsed inbound message. Runs on the
// network goroutine. Panics during handling are contained so a malformed
// peer cannot take the whole endpoint down.
func (c *Connection) receivedMessage(msg *IncomingMessage, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			c.stats.dispatchFailures.Add(1)
			log.Error().
				Str("remote", c.remoteAddr.String()).
				Interface("panic", r).
				Msg("recovered panic during message dispatch")
		}
	}()

	c.lastHeardFrom = now
	c.stats.messagesReceived.Add(1)

	if msg.wtype == wireLibrary {
		c.receivedLibraryMessage(msg, now)
		return
	}
	c.receivedUserMessage(msg)
}

func (c *Connection) receivedUserMessage(msg *IncomingMessage) {
	if c.internalStatus != StatusConnected && c.internalStatus != StatusDisconnecting {
		log.Debug().
			Str("remote", c.remoteAddr.String()).
			Str("status", c.internalStatus.String()).
			Msg("data message before connection established, dropped")
		c.stats.droppedMessages.Add(1)
		return
	}

	wt := msg.wtype
	if wt.isReliable() {
		// Every received reliable message is acked, accepted or not, so
		// the sender can clear its retransmission slot.
		c.queueAck(wt, msg.seq)
	}

	switch {
	case wt == wireUserUnreliable:
		c.releaseOrReassemble(msg)

	case wt.isSequenced():
		if !c.getChannel(wt).onReceiveSequenced(msg.seq) {
			c.stats.droppedMessages.Add(1)
			return
		}
		c.releaseOrReassemble(msg)

	default:
		// ReliableUnordered and ReliableOrdered run the acceptance window.
		verdict, released := c.getChannel(wt).onReceiveReliable(msg, wt.isOrdered())
		if verdict == rejectDuplicate {
			c.stats.duplicateMessages.Add(1)
			return
		}
		for _, m := range released {
			c.releaseOrReassemble(m)
		}
	}
}

// releaseOrReassemble hands a complete message to the application, feeding
// fragments through the assembler first.
func (c *Connection) releaseOrReassemble(msg *IncomingMessage) {
	if !msg.isFragment {
		c.postEvent(Event{Type: EventData, Conn: c, Msg: msg})
		return
	}
	res, complete := c.asm.insert(msg.fragGroup, msg.fragTotal, msg.fragIndex, c.cfg.fragmentSize(), msg.Bytes(), msg)
	switch res {
	case fragmentCompleted:
		c.postEvent(Event{Type: EventData, Conn: c, Msg: complete})
	case fragmentDuplicate:
		c.stats.duplicateMessages.Add(1)
	case fragmentInvalid:
		c.stats.droppedMessages.Add(1)
		log.Warn().
			Str("remote", c.remoteAddr.String()).
			Uint16("group", msg.fragGroup).
			Int("index", msg.fragIndex).
			Int("total", msg.fragTotal).
			Msg("invalid fragment dropped")
	}
}

// --- Library messages ----------------------------------------------------

func (c *Connection) receivedLibraryMessage(msg *IncomingMessage, now time.Time) {
	payload := msg.Bytes()
	if len(payload) < 1 {
		log.Warn().Str("remote", c.remoteAddr.String()).Msg("empty library message")
		return
	}
	lt := libraryType(payload[0])
	body := payload[1:]

	switch lt {
	case libConnect:
		c.handleDuplicateConnect(body, now)
	case libConnectResponse:
		c.handleConnectResponse(body, now)
	case libConnectionEstablished:
		c.handleConnectionEstablished()
	case libDisconnect:
		c.handleRemoteDisconnect(body)
	case libPing:
		c.handlePing(body, now)
	case libPong:
		c.handlePong(body, now)
	case libAcknowledge:
		c.handleAcknowledge(body)
	case libKeepAlive:
		// Nothing to do; lastHeardFrom was already refreshed.
	default:
		log.Warn().
			Str("remote", c.remoteAddr.String()).
			Uint8("type", byte(lt)).
			Msg("unknown library message type")
	}
}

// handleDuplicateConnect answers a retransmitted Connect: our response was
// lost, so repeat it.
func (c *Connection) handleDuplicateConnect(body []byte, now time.Time) {
	if len(body) >= 8 {
		atomic.StoreUint64(&c.remoteUID, binary.LittleEndian.Uint64(body))
	}
	switch c.internalStatus {
	case StatusRespondedConnect:
		if !c.pendingApproval {
			c.sendConnectResponse(now)
		}
	case StatusConnected:
		c.sendLibrary(libConnectionEstablished, nil)
	default:
		log.Debug().
			Str("status", c.internalStatus.String()).
			Msg("ignoring Connect in current state")
	}
}

func (c *Connection) handleConnectResponse(body []byte, now time.Time) {
	if len(body) < 8 {
		log.Warn().Str("remote", c.remoteAddr.String()).Msg("malformed ConnectResponse")
		return
	}
	atomic.StoreUint64(&c.remoteUID, binary.LittleEndian.Uint64(body))

	switch c.internalStatus {
	case StatusInitiatedConnect:
		c.sendLibrary(libConnectionEstablished, nil)
		c.nextPing = now.Add(c.cfg.PingInterval)
		c.setStatus(StatusConnected, "")
	case StatusConnected:
		// Our ConnectionEstablished was lost; repeat it.
		c.sendLibrary(libConnectionEstablished, nil)
	default:
		log.Debug().
			Str("status", c.internalStatus.String()).
			Msg("ignoring ConnectResponse in current state")
	}
}

func (c *Connection) handleConnectionEstablished() {
	if c.internalStatus != StatusRespondedConnect {
		return
	}
	c.nextPing = c.lastHeardFrom.Add(c.cfg.PingInterval)
	c.setStatus(StatusConnected, "")
}

func (c *Connection) handleRemoteDisconnect(body []byte) {
	reason, ok := readString(body)
	if !ok {
		reason = "Disconnected by remote host"
	}
	c.disconnected(reason)
}

func (c *Connection) handlePing(body []byte, now time.Time) {
	if len(body) < 1 {
		log.Warn().Str("remote", c.remoteAddr.String()).Msg("malformed ping")
		return
	}
	var reply [9]byte
	reply[0] = body[0]
	binary.LittleEndian.PutUint64(reply[1:], math.Float64bits(localTimeSeconds(now)))
	c.sendLibrary(libPong, reply[:])
}

func (c *Connection) handlePong(body []byte, now time.Time) {
	if len(body) < 9 {
		log.Warn().Str("remote", c.remoteAddr.String()).Msg("malformed pong")
		return
	}
	id := body[0]
	sentAt := c.sentPings[id]
	if sentAt.IsZero() {
		log.Debug().Uint8("ping", id).Msg("pong for unknown ping, dropped")
		return
	}
	c.sentPings[id] = time.Time{}
	rtt := now.Sub(sentAt)
	c.updateRoundTripTime(rtt)
	log.Debug().
		Uint8("ping", id).
		Dur("rtt", rtt).
		Float64("remoteTime", math.Float64frombits(binary.LittleEndian.Uint64(body[1:]))).
		Msg("pong received")
}

// handleAcknowledge clears acknowledged transmissions. Each 3-byte entry is
// the acked message's wire type followed by its little-endian sequence
// number. Entries for transmissions no longer tracked (a repeated ack after
// a resend, for instance) are ignored.
func (c *Connection) handleAcknowledge(body []byte) {
	if len(body)%ackEntrySize != 0 {
		log.Warn().
			Str("remote", c.remoteAddr.String()).
			Int("len", len(body)).
			Msg("acknowledge payload not a multiple of entry size")
	}
	for off := 0; off+ackEntrySize <= len(body); off += ackEntrySize {
		key := ackKey{
			wtype: wireType(body[off]),
			seq:   binary.LittleEndian.Uint16(body[off+1:]),
		}
		rec, ok := c.unacked[key]
		if !ok {
			continue
		}
		delete(c.unacked, key)
		rec.msg.decrementUnfinished()
	}
}

// queueAck schedules an acknowledgement for a received reliable message.
// The first pending ack arms the forced-ack deadline so a quiet connection
// still acks within MaxAckDelayTime.
func (c *Connection) queueAck(t wireType, seq uint16) {
	c.pendingAcks = append(c.pendingAcks, uint32(t)|uint32(seq)<<16)
	if c.nextForcedAck.IsZero() {
		c.nextForcedAck = c.clock.Now().Add(c.cfg.MaxAckDelayTime)
	}
}

// --- RTT -----------------------------------------------------------------

// updateRoundTripTime folds a new sample into the smoothed estimate the
// resend deadlines are derived from.
func (c *Connection) updateRoundTripTime(sample time.Duration) {
	if c.srtt == 0 {
		c.srtt = sample
		c.rttVar = sample / 2
		return
	}
	diff := c.srtt - sample
	if diff < 0 {
		diff = -diff
	}
	c.rttVar = (3*c.rttVar + diff) / 4
	c.srtt = (7*c.srtt + sample) / 8
}

func (c *Connection) sendPing(now time.Time) {
	c.pingNr++
	c.sentPings[c.pingNr] = now
	c.sendLibrary(libPing, []byte{c.pingNr})
}

// --- small helpers -------------------------------------------------------

// appendString appends a uvarint length prefix and UTF-8 bytes.
func appendString(dst []byte, s string) []byte {
	var tmp [binary.MaxVarintLen32]byte
	n := binary.PutUvarint(tmp[:], uint64(len(s)))
	dst = append(dst, tmp[:n]...)
	return append(dst, s...)
}

// readString parses a uvarint length-prefixed UTF-8 string.
func readString(b []byte) (string, bool) {
	l, n := binary.Uvarint(b)
	if n <= 0 || int(l) > len(b)-n {
		return "", false
	}
	return string(b[n : n+int(l)]), true
}

// localTimeSeconds expresses a wall-clock instant as seconds for the pong
// payload.
func localTimeSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
