package message

import (
	"encoding/json"
	"strconv"
	"time"
)

// Handshake system keys.
const (
	SysVersion          = "version"
	SysHeartbeatOpen    = "heartbeat.open"
	SysHeartbeatPeriod  = "heartbeat.period"
	SysHeartbeatTimeout = "heartbeat.timeout"
	SysCodec            = "codec"
	SysGroupAndID       = "group.id"
)

// HandshakeData is the HANDSHAKE payload. System holds protocol parameters the client
// must honor; Custom holds whatever the server's binders add.
type HandshakeData struct {
	System map[string]string `json:"system"`
	Custom map[string]string `json:"custom"`
}

func NewHandshakeData() *HandshakeData {
	return &HandshakeData{System: map[string]string{}, Custom: map[string]string{}}
}

// ParseHandshake decodes a HANDSHAKE payload.
func ParseHandshake(data []byte) (*HandshakeData, error) {
	hd := NewHandshakeData()
	if err := json.Unmarshal(data, hd); err != nil {
		return nil, err
	}
	if hd.System == nil {
		hd.System = map[string]string{}
	}
	if hd.Custom == nil {
		hd.Custom = map[string]string{}
	}
	return hd, nil
}

func (h *HandshakeData) Marshal() ([]byte, error) {
	return json.Marshal(h)
}

func (h *HandshakeData) SetSystem(key, value string) { h.System[key] = value }

func (h *HandshakeData) SetCustom(key, value string) { h.Custom[key] = value }

func (h *HandshakeData) SystemBool(key string, def bool) bool {
	b, err := strconv.ParseBool(h.System[key])
	if err != nil {
		return def
	}
	return b
}

// SystemDuration reads a millisecond value.
func (h *HandshakeData) SystemDuration(key string, def time.Duration) time.Duration {
	ms, err := strconv.ParseInt(h.System[key], 10, 64)
	if err != nil || ms < 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

// SetSystemDuration writes d as milliseconds.
func (h *HandshakeData) SetSystemDuration(key string, d time.Duration) {
	h.System[key] = strconv.FormatInt(d.Milliseconds(), 10)
}
