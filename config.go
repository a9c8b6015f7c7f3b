package rudp

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable the peer and its connections recognize.
// Validate fills zero-valued address, numeric and duration options from
// DefaultConfig; boolean options and ThrottleBytesPerSecond keep the value
// they have. LoadConfig starts from DefaultConfig, so a partial YAML file
// only needs the options it wants to change.
type Config struct {
	// LocalAddress is the UDP address the peer binds, e.g. ":14242".
	LocalAddress string `yaml:"local_address"`

	// MaximumTransmissionUnit is the UDP payload budget per datagram.
	MaximumTransmissionUnit int `yaml:"maximum_transmission_unit"`

	// ThrottleBytesPerSecond limits outgoing bandwidth per connection.
	// 0 means unlimited.
	ThrottleBytesPerSecond float64 `yaml:"throttle_bytes_per_second"`

	// ThrottlePeakBytes is the debt threshold that halts sending within a
	// single heartbeat.
	ThrottlePeakBytes float64 `yaml:"throttle_peak_bytes"`

	// UseMessageCoalescing packs multiple messages into one datagram.
	UseMessageCoalescing bool `yaml:"use_message_coalescing"`

	// HandshakeAttemptDelay is the gap between handshake retransmissions.
	HandshakeAttemptDelay time.Duration `yaml:"handshake_attempt_delay"`

	// HandshakeMaxAttempts gives up the handshake after this many tries.
	HandshakeMaxAttempts int `yaml:"handshake_max_attempts"`

	// MaxAckDelayTime bounds how long a pending ack may wait for a packet
	// to piggyback on before one is forced out.
	MaxAckDelayTime time.Duration `yaml:"max_ack_delay_time"`

	// ChannelsPerDeliveryMethod restricts how many sequence channels
	// SendMessage accepts per method; at most 32, which is what the wire
	// format carries.
	ChannelsPerDeliveryMethod int `yaml:"net_channels_per_delivery_method"`

	// PingInterval is how often an established connection measures RTT.
	// Pings double as keepalives.
	PingInterval time.Duration `yaml:"ping_interval"`

	// ConnectionTimeout disconnects a peer not heard from for this long.
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`

	// HeartbeatInterval is the cadence of the per-connection driver.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// AcceptIncomingConnections allows inbound Connect handshakes.
	AcceptIncomingConnections bool `yaml:"accept_incoming_connections"`

	// RequireApproval holds inbound connections until the application
	// calls Approve or Deny.
	RequireApproval bool `yaml:"require_approval"`

	// InboundQueueCapacity sizes the application event channel.
	InboundQueueCapacity int `yaml:"inbound_queue_capacity"`
}

// DefaultConfig returns the configuration used when no file is supplied.
func DefaultConfig() *Config {
	return &Config{
		LocalAddress:              ":0",
		MaximumTransmissionUnit:   1408,
		ThrottleBytesPerSecond:    0,
		ThrottlePeakBytes:         8192,
		UseMessageCoalescing:      true,
		HandshakeAttemptDelay:     2500 * time.Millisecond,
		HandshakeMaxAttempts:      5,
		MaxAckDelayTime:           10 * time.Millisecond,
		ChannelsPerDeliveryMethod: maxSequenceChannels,
		PingInterval:              6 * time.Second,
		ConnectionTimeout:         25 * time.Second,
		HeartbeatInterval:         50 * time.Millisecond,
		AcceptIncomingConnections: true,
		RequireApproval:           false,
		InboundQueueCapacity:      512,
	}
}

// LoadConfig reads a YAML configuration file, applying defaults for any
// option the file omits.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate fills unset options from defaults and rejects values the wire
// format or the engine cannot honor.
func (c *Config) Validate() error {
	def := DefaultConfig()
	if c.LocalAddress == "" {
		c.LocalAddress = def.LocalAddress
	}
	if c.MaximumTransmissionUnit == 0 {
		c.MaximumTransmissionUnit = def.MaximumTransmissionUnit
	}
	if c.HandshakeAttemptDelay == 0 {
		c.HandshakeAttemptDelay = def.HandshakeAttemptDelay
	}
	if c.HandshakeMaxAttempts == 0 {
		c.HandshakeMaxAttempts = def.HandshakeMaxAttempts
	}
	if c.MaxAckDelayTime == 0 {
		c.MaxAckDelayTime = def.MaxAckDelayTime
	}
	if c.ChannelsPerDeliveryMethod == 0 {
		c.ChannelsPerDeliveryMethod = def.ChannelsPerDeliveryMethod
	}
	if c.PingInterval == 0 {
		c.PingInterval = def.PingInterval
	}
	if c.ConnectionTimeout == 0 {
		c.ConnectionTimeout = def.ConnectionTimeout
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.InboundQueueCapacity == 0 {
		c.InboundQueueCapacity = def.InboundQueueCapacity
	}
	if c.ThrottlePeakBytes == 0 {
		c.ThrottlePeakBytes = def.ThrottlePeakBytes
	}

	minMTU := messageHeaderSize + fragmentHeaderSize + 1
	if c.MaximumTransmissionUnit < minMTU {
		return fmt.Errorf("maximum_transmission_unit %d below minimum %d", c.MaximumTransmissionUnit, minMTU)
	}
	// The header's bit-length field has 15 usable bits, so a single
	// message payload tops out at 4095 bytes.
	maxMTU := maxMessageBitLength/8 + messageHeaderSize
	if c.MaximumTransmissionUnit > maxMTU {
		return fmt.Errorf("maximum_transmission_unit %d above maximum %d", c.MaximumTransmissionUnit, maxMTU)
	}
	if c.ChannelsPerDeliveryMethod < 1 || c.ChannelsPerDeliveryMethod > maxSequenceChannels {
		return fmt.Errorf("net_channels_per_delivery_method %d outside 1..%d", c.ChannelsPerDeliveryMethod, maxSequenceChannels)
	}
	if c.ThrottleBytesPerSecond < 0 {
		return fmt.Errorf("throttle_bytes_per_second must not be negative")
	}
	return nil
}

// fragmentSize returns the payload bytes each fragment carries.
func (c *Config) fragmentSize() int {
	return c.MaximumTransmissionUnit - messageHeaderSize - fragmentHeaderSize
}

// maxUnfragmentedSize returns the largest payload sent without splitting.
func (c *Config) maxUnfragmentedSize() int {
	return c.MaximumTransmissionUnit - messageHeaderSize
}
