// Package rudp layers reliability and ordering over UDP, turning
// best-effort datagrams into a bidirectional message channel between two
// endpoints. It targets interactive low-latency applications (games,
// telemetry) where TCP's head-of-line blocking is unacceptable but a choice
// among delivery semantics is still wanted.
//
// Each message is sent with one of five delivery methods — Unreliable,
// UnreliableSequenced, ReliableUnordered, ReliableSequenced or
// ReliableOrdered — on one of up to 32 independent sequence channels per
// method. Sequencing, retransmission, duplicate suppression, fragmentation
// and reassembly, handshake, keepalive and bandwidth throttling are all
// handled per connection by a heartbeat-driven engine.
//
// Architecture:
//   - A Peer owns the UDP socket and a single network goroutine that
//     performs all heartbeat work and inbound dispatch; per-connection
//     protocol state therefore needs no locks
//   - Application threads interact through SendMessage, the pooled message
//     constructors, and the peer's event channel
//   - Sequence numbers are 16 bits with wrapping comparison; the reliable
//     acceptance window is half the sequence space
//   - Outgoing bandwidth is shaped by a token-bucket style debt counter
//     decayed each heartbeat
package rudp
