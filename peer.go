package rudp

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog/log"
)

// Peer is one endpoint of the protocol: it owns the UDP socket, the message
// pool, the application event queue, and every connection keyed by remote
// endpoint. A single network goroutine performs all heartbeat work and all
// inbound dispatch, so per-connection protocol state never needs locking.
type Peer struct {
	cfg        *Config
	clk        clock.Clock
	uid        uint64
	instanceID uuid.UUID

	socket net.PacketConn

	connMu      sync.RWMutex
	connections map[string]*Connection

	pool   *messagePool
	events chan Event

	commands chan func()
	incoming chan inboundPacket

	sendBuf []byte

	started bool
	done    chan struct{}
	closing sync.Once
	wg      sync.WaitGroup
}

// inboundPacket is one datagram handed from the read loop to the network
// goroutine.
type inboundPacket struct {
	data []byte
	from net.Addr
}

// NewPeer creates a peer with the given configuration. Pass nil for
// defaults. The peer does nothing until Start.
func NewPeer(cfg *Config) (*Peer, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	uid, err := generatePeerUID()
	if err != nil {
		return nil, err
	}
	return &Peer{
		cfg:         cfg,
		clk:         clock.New(),
		uid:         uid,
		instanceID:  uuid.New(),
		connections: make(map[string]*Connection),
		pool:        newMessagePool(),
		events:      make(chan Event, cfg.InboundQueueCapacity),
		commands:    make(chan func(), 64),
		incoming:    make(chan inboundPacket, 256),
		sendBuf:     make([]byte, cfg.MaximumTransmissionUnit),
		done:        make(chan struct{}),
	}, nil
}

// generatePeerUID draws the 64-bit endpoint identifier carried in handshake
// messages. Random so two endpoints behind the same NAT stay tellable apart.
func generatePeerUID() (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("generate peer uid: %w", err)
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

// Start binds the configured local address and launches the socket read
// loop and the network goroutine.
func (p *Peer) Start() error {
	socket, err := net.ListenPacket("udp", p.cfg.LocalAddress)
	if err != nil {
		return fmt.Errorf("listen %s: %w", p.cfg.LocalAddress, err)
	}
	p.startWithSocket(socket)
	return nil
}

// startWithSocket lets tests substitute an in-memory socket.
func (p *Peer) startWithSocket(socket net.PacketConn) {
	p.socket = socket
	p.started = true

	log.Info().
		Str("addr", socket.LocalAddr().String()).
		Str("instance", p.instanceID.String()).
		Uint64("uid", p.uid).
		Msg("peer started")

	p.wg.Add(2)
	go p.readLoop()
	go p.networkLoop()
}

// UID returns the peer's 64-bit unique identifier.
func (p *Peer) UID() uint64 {
	return p.uid
}

// LocalAddr returns the bound socket address.
func (p *Peer) LocalAddr() net.Addr {
	if p.socket == nil {
		return nil
	}
	return p.socket.LocalAddr()
}

// Events returns the application-facing inbound queue: data messages,
// status changes and approval requests.
func (p *Peer) Events() <-chan Event {
	return p.events
}

// CreateMessage returns a pooled outgoing message.
func (p *Peer) CreateMessage(initialCapacity int) *OutgoingMessage {
	return p.pool.get(initialCapacity)
}

// ConnectionCount returns the number of live connections.
func (p *Peer) ConnectionCount() int {
	p.connMu.RLock()
	defer p.connMu.RUnlock()
	return len(p.connections)
}

// GetConnection returns the connection for a remote endpoint, or nil.
func (p *Peer) GetConnection(remote net.Addr) *Connection {
	p.connMu.RLock()
	defer p.connMu.RUnlock()
	return p.connections[remote.String()]
}

// Connect initiates an outbound handshake to the remote address. The
// returned connection reports StatusConnecting until the handshake
// completes; watch the event queue for the transition.
func (p *Peer) Connect(remote string) (*Connection, error) {
	if !p.started {
		return nil, fmt.Errorf("connect %s: peer not started", remote)
	}
	select {
	case <-p.done:
		return nil, ErrPeerClosed
	default:
	}
	addr, err := net.ResolveUDPAddr("udp", remote)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", remote, err)
	}

	p.connMu.Lock()
	if existing, ok := p.connections[addr.String()]; ok {
		p.connMu.Unlock()
		return existing, nil
	}
	conn := newConnection(p, p.cfg, p.clk, p, p.pool, p.events, addr, p.uid)
	p.connections[addr.String()] = conn
	p.connMu.Unlock()

	started := make(chan struct{})
	p.runCommand(func() {
		conn.startHandshake(p.clk.Now())
		close(started)
	})
	select {
	case <-started:
	case <-p.done:
	}
	return conn, nil
}

// Shutdown disconnects every connection with the given reason, flushes the
// goodbyes, and releases the socket.
func (p *Peer) Shutdown(reason string) error {
	if !p.started {
		return ErrPeerClosed
	}
	var result error
	p.closing.Do(func() {
		if reason == "" {
			reason = reasonPeerShuttingDown
		}

		flushed := make(chan struct{})
		p.runCommand(func() {
			now := p.clk.Now()
			for _, c := range p.snapshotConnections() {
				c.executeDisconnect(reason)
				c.heartbeat(now, p.sendBuf)
			}
			close(flushed)
		})
		select {
		case <-flushed:
		case <-time.After(time.Second):
			result = multierror.Append(result, errors.New("shutdown flush timed out"))
		}

		close(p.done)
		if err := p.socket.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close socket: %w", err))
		}
		p.wg.Wait()
		close(p.events)
		log.Info().Str("instance", p.instanceID.String()).Msg("peer stopped")
	})
	return result
}

// runCommand hops a callback onto the network goroutine.
func (p *Peer) runCommand(f func()) {
	select {
	case p.commands <- f:
	case <-p.done:
	}
}

func (p *Peer) snapshotConnections() []*Connection {
	p.connMu.RLock()
	defer p.connMu.RUnlock()
	conns := make([]*Connection, 0, len(p.connections))
	for _, c := range p.connections {
		conns = append(conns, c)
	}
	return conns
}

// removeConnection evicts a disconnected connection. Called from the
// network goroutine via Connection.disconnected.
func (p *Peer) removeConnection(c *Connection) {
	p.connMu.Lock()
	delete(p.connections, c.remoteAddr.String())
	p.connMu.Unlock()
}

// sendPacket implements packetSender over the UDP socket. An ICMP-derived
// reset from the OS maps to the reset indication the engine treats as
// connection-fatal.
func (p *Peer) sendPacket(data []byte, to net.Addr) (bool, error) {
	_, err := p.socket.WriteTo(data, to)
	if err == nil {
		return false, nil
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true, err
	}
	return false, err
}

// readLoop pulls datagrams off the socket and hands them to the network
// goroutine. Runs until the socket closes.
func (p *Peer) readLoop() {
	defer p.wg.Done()
	buf := make([]byte, p.cfg.MaximumTransmissionUnit+64)
	for {
		n, from, err := p.socket.ReadFrom(buf)
		if err != nil {
			select {
			case <-p.done:
			default:
				log.Warn().Err(err).Msg("socket read failed")
			}
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case p.incoming <- inboundPacket{data: data, from: from}:
		case <-p.done:
			return
		}
	}
}

// networkLoop is the single driver goroutine: heartbeat ticks, inbound
// dispatch and user commands all interleave here, never concurrently.
func (p *Peer) networkLoop() {
	defer p.wg.Done()
	ticker := p.clk.Ticker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case cmd := <-p.commands:
			cmd()
		case pkt := <-p.incoming:
			p.dispatchPacket(pkt)
		case <-ticker.C:
			now := p.clk.Now()
			for _, c := range p.snapshotConnections() {
				c.heartbeat(now, p.sendBuf)
			}
		}
	}
}

// dispatchPacket parses one datagram and routes its messages into the
// owning connection, creating one for a fresh inbound handshake.
func (p *Peer) dispatchPacket(pkt inboundPacket) {
	msgs := parseDatagram(pkt.data, pkt.from)
	if len(msgs) == 0 {
		return
	}
	now := p.clk.Now()

	conn := p.GetConnection(pkt.from)
	if conn != nil {
		conn.stats.packetsReceived.Add(1)
		conn.stats.bytesReceived.Add(uint64(len(pkt.data)))
	}

	for _, msg := range msgs {
		if conn == nil {
			conn = p.handleUnconnectedMessage(msg, pkt.from, now)
			continue
		}
		conn.receivedMessage(msg, now)
	}
}

// handleUnconnectedMessage accepts a handshake from an unknown endpoint.
// Everything except a library Connect is dropped.
func (p *Peer) handleUnconnectedMessage(msg *IncomingMessage, from net.Addr, now time.Time) *Connection {
	payload := msg.Bytes()
	if msg.wtype != wireLibrary || len(payload) < 9 || libraryType(payload[0]) != libConnect {
		log.Debug().
			Str("from", from.String()).
			Uint8("type", byte(msg.wtype)).
			Msg("message from unconnected endpoint dropped")
		return nil
	}
	if !p.cfg.AcceptIncomingConnections {
		log.Debug().Str("from", from.String()).Msg("inbound connect refused by configuration")
		return nil
	}

	conn := newConnection(p, p.cfg, p.clk, p, p.pool, p.events, from, p.uid)
	p.connMu.Lock()
	p.connections[from.String()] = conn
	p.connMu.Unlock()

	remoteUID := binary.LittleEndian.Uint64(payload[1:])
	conn.acceptInbound(remoteUID, now)
	log.Info().
		Str("from", from.String()).
		Uint64("remoteUID", remoteUID).
		Bool("pendingApproval", conn.pendingApproval).
		Msg("inbound connection")
	return conn
}

// parseDatagram splits a datagram into its messages. A malformed header
// aborts the remainder of the datagram; everything parsed so far is kept.
func parseDatagram(data []byte, from net.Addr) []*IncomingMessage {
	var msgs []*IncomingMessage
	off := 0
	for off+messageHeaderSize <= len(data) {
		t := wireType(data[off])
		if int(t) >= wireTypeCount {
			log.Warn().
				Str("from", from.String()).
				Uint8("type", byte(t)).
				Msg("unknown wire type, rest of datagram dropped")
			break
		}
		seq := binary.LittleEndian.Uint16(data[off+1:])
		lenField := binary.LittleEndian.Uint16(data[off+3:])
		off += messageHeaderSize

		isFragment := lenField&fragmentFlagBit != 0
		bitLength := int(lenField &^ fragmentFlagBit)

		msg := &IncomingMessage{
			wtype:      t,
			seq:        seq,
			sender:     from,
			bitLength:  bitLength,
			isFragment: isFragment,
		}
		if isFragment {
			if off+fragmentHeaderSize > len(data) {
				log.Warn().Str("from", from.String()).Msg("truncated fragment header")
				break
			}
			msg.fragGroup = binary.LittleEndian.Uint16(data[off:])
			msg.fragTotal = int(binary.LittleEndian.Uint16(data[off+2:]))
			msg.fragIndex = int(binary.LittleEndian.Uint16(data[off+4:]))
			off += fragmentHeaderSize
		}

		n := bytesForBits(bitLength)
		if off+n > len(data) {
			log.Warn().
				Str("from", from.String()).
				Int("need", n).
				Int("have", len(data)-off).
				Msg("truncated message payload")
			break
		}
		msg.data = make([]byte, n)
		copy(msg.data, data[off:off+n])
		off += n

		msgs = append(msgs, msg)
	}
	return msgs
}
