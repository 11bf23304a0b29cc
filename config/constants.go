package config

import (
	"runtime"
	"time"
)

// Endpoint parameter keys.
const (
	KeyAppID          = "app.id"
	KeyTimeout        = "timeout"
	KeyHeaderSize     = "msgheader"
	KeyBuffer         = "buffer"
	KeyByteOrder      = "byte.order"
	KeyNetProtocol    = "net.protocol"
	KeyProtocolMode   = "protocol.mode"
	KeyWSPath         = "ws.path"
	KeyIOThreads      = "io.threads"
	KeyAccepts        = "accepts"
	KeyMaxSockets     = "max.sockets"
	KeyIPLimit        = "ip.limit.num"
	KeyChannelSize    = "consumers.channel.size"
	KeyLoggerDelay    = "logger.delay"
	KeyOrderedReceive = "msg.receive.ordered.queue.open"
	KeyCodec          = "codec"
	KeyWeight         = "weight"
	KeyVersion        = "version"
	KeyConstraint     = "version.constraint"
	KeyClassifier     = "classifier"
	KeyEnabled        = "enabled"
	KeyInterface      = "interface"
	KeyRegistryTTL    = "registry.ttl"
	KeyTLSCert        = "tls.cert"
	KeyTLSKey         = "tls.key"
	KeyTLSInsecure    = "tls.insecure"

	KeyHeartbeatOpen    = "heartbeat.open"
	KeyHeartbeatPeriod  = "heartbeat.period"
	KeyHeartbeatTimeout = "heartbeat.timeout"
	KeyAckTimeout       = "ack.timeout"
	KeyAckPeriod        = "ack.period"
)

// Net protocols.
const (
	ProtocolTCP = "TCP"
	ProtocolKCP = "KCP"
	ProtocolUDP = "UDP"
	ProtocolWS  = "WS"
)

// ModeBitactor is the only protocol mode; it restricts header sizes to 2 or 4.
const ModeBitactor = "BITACTOR"

// ProtocolVersion is advertised in every handshake.
const ProtocolVersion = "1.2.0"

// Defaults, all durations in milliseconds on the wire.
const (
	DefaultTimeout          = 10 * time.Second
	DefaultHeartbeatOpen    = true
	DefaultHeartbeatPeriod  = 10 * time.Second
	DefaultHeartbeatTimeout = 60 * time.Second
	DefaultAckTimeout       = 10 * time.Second
	DefaultAckPeriod        = 5 * time.Second
	DefaultHeaderSize       = 2
	DefaultBuffer           = 8192
	DefaultWSPath           = "/ws"
	DefaultAppID            = "server"
	DefaultRegistryTTL      = 10
)

var (
	// RunThreads caps the number of channels per pool.
	RunThreads = runtime.NumCPU() + 1

	// DefaultIOThreads sizes worker pools that back channel I/O dispatch.
	DefaultIOThreads = min(runtime.NumCPU()*2+1, 32)
)
