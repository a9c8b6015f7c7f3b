package rudp

import (
	"encoding/binary"
	"time"

	"github.com/rs/zerolog/log"
)

// greaterHeartbeatPeriod spaces the less frequent timer work: every third
// heartbeat handles keepalive, handshake retries and the resend scan, while
// every heartbeat runs throttle accounting and the send pipeline.
const greaterHeartbeatPeriod = 3

// heartbeat drives the connection once. Runs on the network goroutine; buf
// is the peer's shared send buffer, MTU bytes long.
func (c *Connection) heartbeat(now time.Time, buf []byte) {
	elapsed := time.Duration(0)
	if !c.lastHeartbeat.IsZero() {
		elapsed = now.Sub(c.lastHeartbeat)
	}
	c.lastHeartbeat = now

	c.heartbeatCount++
	if c.heartbeatCount%greaterHeartbeatPeriod == 0 {
		c.greaterHeartbeat(now)
	}
	if c.internalStatus == StatusDisconnected {
		return
	}

	c.decayThrottle(elapsed)
	c.runSendPipeline(now, buf)
}

// greaterHeartbeat performs keepalive/timeout checks, handshake retries and
// the retransmission scan.
func (c *Connection) greaterHeartbeat(now time.Time) {
	switch c.internalStatus {
	case StatusConnected, StatusDisconnecting:
		if now.Sub(c.lastHeardFrom) > c.cfg.ConnectionTimeout {
			c.disconnected(reasonTimedOut)
			return
		}
	case StatusInitiatedConnect, StatusRespondedConnect:
		c.heartbeatHandshake(now)
		return
	default:
		return
	}

	if c.internalStatus == StatusConnected {
		if now.After(c.nextPing) {
			c.sendPing(now)
			c.nextPing = now.Add(c.cfg.PingInterval)
		} else if now.Sub(c.lastSentPacket) > c.cfg.ConnectionTimeout/3 {
			// Quiet channel between pings; let the remote know we live.
			c.sendLibrary(libKeepAlive, nil)
		}
	}

	// Retransmission scan: an expired unacked send moves back to the front
	// of the unsent queue. It rejoins the unacked set, with a longer
	// deadline, when the pipeline writes it to the wire again.
	for key, rec := range c.unacked {
		if now.After(rec.nextResend) {
			delete(c.unacked, key)
			c.unsent.pushFront(rec)
			c.unsentBytes.Add(int64(rec.encodedSize(c.cfg.fragmentSize())))
			c.stats.messagesResent.Add(1)
			log.Debug().
				Str("remote", c.remoteAddr.String()).
				Uint8("type", byte(rec.wtype)).
				Uint16("seq", rec.seq).
				Int("numSent", rec.numSent).
				Msg("scheduling retransmission")
		}
	}
}

// heartbeatHandshake retransmits the active handshake message until the
// remote answers or the attempt budget runs out.
func (c *Connection) heartbeatHandshake(now time.Time) {
	if c.pendingApproval {
		// Waiting on the application; the remote keeps retrying Connect.
		return
	}
	if now.Sub(c.lastHandshakeAttempt) < c.cfg.HandshakeAttemptDelay {
		return
	}
	if c.handshakeAttempts >= c.cfg.HandshakeMaxAttempts {
		c.disconnected(reasonHandshakeFailed)
		return
	}
	if c.internalStatus == StatusInitiatedConnect {
		c.sendConnect(now)
	} else {
		c.sendConnectResponse(now)
	}
	log.Debug().
		Str("remote", c.remoteAddr.String()).
		Int("attempt", c.handshakeAttempts).
		Msg("handshake retry")
}

// decayThrottle earns back throttle debt at the configured rate. A rate of
// zero disables throttling entirely.
func (c *Connection) decayThrottle(elapsed time.Duration) {
	if c.cfg.ThrottleBytesPerSecond <= 0 {
		c.throttleDebt = 0
		return
	}
	c.throttleDebt -= elapsed.Seconds() * c.cfg.ThrottleBytesPerSecond
	if c.throttleDebt < 0 {
		c.throttleDebt = 0
	}
}

// throttleOpen reports whether the pipeline may keep sending. The check
// happens before each message is added, so the packet that pushes debt over
// the peak still goes out.
func (c *Connection) throttleOpen() bool {
	return c.cfg.ThrottleBytesPerSecond <= 0 || c.throttleDebt < c.cfg.ThrottlePeakBytes
}

// runSendPipeline drains the unsent queue into MTU-sized datagrams,
// coalescing messages when enabled and piggybacking pending acks into
// leftover space.
func (c *Connection) runSendPipeline(now time.Time, buf []byte) {
	mtu := c.cfg.MaximumTransmissionUnit
	fragSize := c.cfg.fragmentSize()
	ptr := 0

	for c.internalStatus != StatusDisconnected && c.throttleOpen() {
		rec := c.unsent.popFront()
		if rec == nil {
			break
		}

		size := rec.encodedSize(fragSize)
		if ptr > 0 && ptr+size > mtu {
			c.flush(buf, &ptr, now)
			if !c.throttleOpen() {
				// Over the peak mid-drain; the record waits its turn.
				c.unsent.pushFront(rec)
				return
			}
		}

		ptr = rec.encode(buf, ptr, fragSize)
		c.unsentBytes.Add(-int64(size))
		c.stats.messagesSent.Add(1)

		if rec.wtype == wireLibrary && rec.msg.libType == libDisconnect {
			// The goodbye is the last thing this connection ever sends.
			c.flush(buf, &ptr, now)
			rec.msg.decrementUnfinished()
			c.finishDisconnect()
			return
		}

		rec.numSent++
		if rec.wtype.isReliable() {
			rec.setNextResend(now, c.srtt)
			c.unacked[ackKey{rec.wtype, rec.seq}] = rec
		} else {
			rec.msg.decrementUnfinished()
		}

		if len(c.pendingAcks) > 0 && mtu-ptr >= minAckMessageSize {
			ptr = c.appendAckMessage(buf, ptr, mtu)
		}
		if !c.cfg.UseMessageCoalescing {
			c.flush(buf, &ptr, now)
		}
	}
	if ptr > 0 {
		c.flush(buf, &ptr, now)
	}

	// A lightly loaded connection still acks within MaxAckDelayTime.
	if !c.nextForcedAck.IsZero() && now.After(c.nextForcedAck) && len(c.pendingAcks) > 0 {
		ptr = c.appendAckMessage(buf, 0, mtu)
		c.flush(buf, &ptr, now)
	}
}

// appendAckMessage encodes a library Acknowledge at buf[ptr:], consuming as
// many pending acks as the remaining MTU allows, and returns the new offset.
// Draining the queue clears the forced-ack deadline.
func (c *Connection) appendAckMessage(buf []byte, ptr, mtu int) int {
	space := mtu - ptr - messageHeaderSize - 1
	n := space / ackEntrySize
	if n > len(c.pendingAcks) {
		n = len(c.pendingAcks)
	}
	if n <= 0 {
		return ptr
	}

	ptr = writeMessageHeader(buf, ptr, wireLibrary, 0, (1+n*ackEntrySize)*8, false)
	buf[ptr] = byte(libAcknowledge)
	ptr++
	for _, packed := range c.pendingAcks[:n] {
		buf[ptr] = byte(packed)
		binary.LittleEndian.PutUint16(buf[ptr+1:], uint16(packed>>16))
		ptr += ackEntrySize
	}
	c.pendingAcks = c.pendingAcks[n:]
	if len(c.pendingAcks) == 0 {
		c.pendingAcks = nil
		c.nextForcedAck = time.Time{}
	}
	c.stats.messagesSent.Add(1)
	return ptr
}

// flush emits the assembled datagram and, when throttling is enabled, charges
// its size to the throttle debt. A reset indication from the socket is
// connection-fatal.
func (c *Connection) flush(buf []byte, ptr *int, now time.Time) {
	if *ptr == 0 {
		return
	}
	reset, err := c.sender.sendPacket(buf[:*ptr], c.remoteAddr)
	c.stats.packetsSent.Add(1)
	c.stats.bytesSent.Add(uint64(*ptr))
	if c.cfg.ThrottleBytesPerSecond > 0 {
		c.throttleDebt += float64(*ptr)
	}
	c.lastSentPacket = now
	if err != nil {
		log.Warn().
			Err(err).
			Str("remote", c.remoteAddr.String()).
			Msg("send failed")
	}
	*ptr = 0
	if reset {
		c.disconnected(reasonConnectionReset)
	}
}
