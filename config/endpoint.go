// Package config holds the endpoint descriptor, the single configuration surface of
// chanrpc. An endpoint is written as a URL:
//
//	tcp://127.0.0.1:9000/game?app.id=1&heartbeat.period=5000&msgheader=4
//
// The scheme is informational (the transport is chosen by net.protocol), the path is
// the group, and the query string carries typed parameters read through getters with
// defaults. Durations are integer milliseconds.
package config

import (
	"encoding/binary"
	"errors"
	"fmt"
	"maps"
	"net"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalidHeaderSize = errors.New("config: header size must be 2 or 4")
	ErrInvalidBuffer     = errors.New("config: buffer must be positive")
	ErrInvalidProtocol   = errors.New("config: unknown net protocol")
	ErrInvalidMode       = errors.New("config: unknown protocol mode")
	ErrInvalidByteOrder  = errors.New("config: byte order must be big or little")
)

// Endpoint describes one side of a connection: where it listens or dials, which group
// and instance it belongs to, and its protocol parameters. Endpoints are immutable;
// With returns a modified copy.
type Endpoint struct {
	Scheme string
	Host   string
	Port   int
	Group  string
	params map[string]string
}

// New builds an endpoint from its parts. params may be nil.
func New(host string, port int, group string, params map[string]string) *Endpoint {
	ep := &Endpoint{Scheme: "tcp", Host: host, Port: port, Group: group, params: map[string]string{}}
	maps.Copy(ep.params, params)
	return ep
}

// Parse reads an endpoint from its URL form.
func Parse(raw string) (*Endpoint, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("config: parse endpoint %q: %w", raw, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("config: endpoint %q has no host", raw)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		return nil, fmt.Errorf("config: endpoint %q: %w", raw, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("config: endpoint %q: bad port: %w", raw, err)
	}
	ep := &Endpoint{
		Scheme: u.Scheme,
		Host:   host,
		Port:   port,
		Group:  strings.Trim(u.Path, "/"),
		params: map[string]string{},
	}
	for k, v := range u.Query() {
		if len(v) > 0 {
			ep.params[k] = v[len(v)-1]
		}
	}
	return ep, nil
}

// MustParse is Parse for literals; it panics on error.
func MustParse(raw string) *Endpoint {
	ep, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return ep
}

// Address returns host:port.
func (e *Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// AppID returns the instance id inside the group.
func (e *Endpoint) AppID() string {
	return e.String(KeyAppID, DefaultAppID)
}

// GroupAndID identifies one instance: group + "-" + app id.
func (e *Endpoint) GroupAndID() string {
	return e.Group + "-" + e.AppID()
}

// Param returns a raw parameter.
func (e *Endpoint) Param(key string) (string, bool) {
	v, ok := e.params[key]
	return v, ok
}

// Params returns a copy of all parameters.
func (e *Endpoint) Params() map[string]string {
	return maps.Clone(e.params)
}

// With returns a copy with key set to value.
func (e *Endpoint) With(key, value string) *Endpoint {
	cp := *e
	cp.params = maps.Clone(e.params)
	if cp.params == nil {
		cp.params = map[string]string{}
	}
	cp.params[key] = value
	return &cp
}

// WithAddress returns a copy pointing at addr (host:port).
func (e *Endpoint) WithAddress(addr string) (*Endpoint, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, err
	}
	cp := *e
	cp.params = maps.Clone(e.params)
	cp.Host, cp.Port = host, port
	return &cp, nil
}

func (e *Endpoint) String(key, def string) string {
	if v, ok := e.params[key]; ok && v != "" {
		return v
	}
	return def
}

func (e *Endpoint) Int(key string, def int) int {
	v, ok := e.params[key]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

func (e *Endpoint) Int64(key string, def int64) int64 {
	v, ok := e.params[key]
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return def
	}
	return n
}

func (e *Endpoint) Bool(key string, def bool) bool {
	v, ok := e.params[key]
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return b
}

// Duration reads a millisecond parameter.
func (e *Endpoint) Duration(key string, def time.Duration) time.Duration {
	ms := e.Int64(key, -1)
	if ms < 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

// ByteOrder returns the configured byte order, big-endian unless "little".
func (e *Endpoint) ByteOrder() binary.ByteOrder {
	if strings.EqualFold(e.String(KeyByteOrder, "big"), "little") {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

// NetProtocol returns the upper-cased transport name.
func (e *Endpoint) NetProtocol() string {
	return strings.ToUpper(e.String(KeyNetProtocol, ProtocolTCP))
}

// HeaderSize returns the frame length width.
func (e *Endpoint) HeaderSize() int {
	return e.Int(KeyHeaderSize, DefaultHeaderSize)
}

// Buffer returns the maximum frame body size.
func (e *Endpoint) Buffer() int {
	return e.Int(KeyBuffer, DefaultBuffer)
}

// Interfaces lists the API ids the endpoint exports, from the comma separated
// "interface" parameter.
func (e *Endpoint) Interfaces() []string {
	raw := e.String(KeyInterface, "")
	if raw == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate fails fast on settings the protocol cannot honor.
func (e *Endpoint) Validate() error {
	switch strings.ToUpper(e.String(KeyProtocolMode, ModeBitactor)) {
	case ModeBitactor:
		if hs := e.HeaderSize(); hs != 2 && hs != 4 {
			return fmt.Errorf("%w: got %d", ErrInvalidHeaderSize, hs)
		}
	default:
		return fmt.Errorf("%w: %s", ErrInvalidMode, e.String(KeyProtocolMode, ""))
	}
	if e.Buffer() <= 0 {
		return ErrInvalidBuffer
	}
	if hs := e.HeaderSize(); hs < 8 && uint64(e.Buffer()) > 1<<(8*hs)-1 {
		return fmt.Errorf("%w: %d does not fit a %d byte length", ErrInvalidBuffer, e.Buffer(), hs)
	}
	switch e.NetProtocol() {
	case ProtocolTCP, ProtocolKCP, ProtocolUDP, ProtocolWS:
	default:
		return fmt.Errorf("%w: %s", ErrInvalidProtocol, e.NetProtocol())
	}
	switch strings.ToLower(e.String(KeyByteOrder, "big")) {
	case "big", "little":
	default:
		return ErrInvalidByteOrder
	}
	return nil
}

// URL renders the endpoint in its URL form with sorted parameters.
func (e *Endpoint) URL() string {
	q := url.Values{}
	for _, k := range slices.Sorted(maps.Keys(e.params)) {
		q.Set(k, e.params[k])
	}
	u := url.URL{Scheme: e.Scheme, Host: e.Address(), Path: "/" + e.Group, RawQuery: q.Encode()}
	if u.Scheme == "" {
		u.Scheme = "tcp"
	}
	return u.String()
}

// Match reports whether a provider endpoint can serve a consumer endpoint: same group,
// provider enabled, and equal version and classifier where "*" or an empty value on
// either side matches anything.
func Match(consumer, provider *Endpoint) bool {
	if consumer == nil || provider == nil {
		return false
	}
	if consumer.Group != provider.Group {
		return false
	}
	if !provider.Bool(KeyEnabled, true) {
		return false
	}
	return wildEqual(consumer.String(KeyVersion, ""), provider.String(KeyVersion, "")) &&
		wildEqual(consumer.String(KeyClassifier, ""), provider.String(KeyClassifier, ""))
}

// Compatible reports whether an existing connection to cur can keep serving next, i.e.
// both describe the same instance at the same address and still match.
func Compatible(next, cur *Endpoint) bool {
	if next == nil || cur == nil {
		return false
	}
	return next.Address() == cur.Address() &&
		next.NetProtocol() == cur.NetProtocol() &&
		next.GroupAndID() == cur.GroupAndID() &&
		Match(cur, next)
}

func wildEqual(a, b string) bool {
	if a == "" || b == "" || a == "*" || b == "*" {
		return true
	}
	return a == b
}
