// Package rpc correlates requests and responses over channels.
//
// A Provider serves registered Services on an accepting server. A Consumer routes
// calls to the providers of one group through a pool.Manager, short-circuiting to
// local services when this process hosts the group itself. Each method has a Mode:
//
//	ModeSync       caller waits for the response or the timeout
//	ModeAsync      caller gets a Future; the callback runs on the callback pool
//	ModeNoWait     request only, the provider never answers
//	ModeBroadcast  request to every active instance of the group, plus at most one
//	               local invocation, never answered
package rpc

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"chanrpc/channel"
	"chanrpc/codec"
	"chanrpc/config"
	"chanrpc/message"
)

type Mode uint8

const (
	ModeSync Mode = iota
	ModeAsync
	ModeNoWait
	ModeBroadcast
)

func (m Mode) String() string {
	switch m {
	case ModeSync:
		return "sync"
	case ModeAsync:
		return "async"
	case ModeNoWait:
		return "nowait"
	case ModeBroadcast:
		return "broadcast"
	}
	return fmt.Sprintf("Mode(%d)", uint8(m))
}

// Replies reports whether a provider answers calls of this mode.
func (m Mode) Replies() bool { return m == ModeSync || m == ModeAsync }

// Handler runs one method on serialized arguments and returns the serialized value.
type Handler func(ctx context.Context, args []byte) ([]byte, error)

type method struct {
	name       string
	mode       Mode
	paramTypes []string
	fn         Handler
}

// Service is the dispatch table of one API.
type Service struct {
	api     string
	mu      sync.RWMutex
	methods map[string]*method
}

func NewService(api string) *Service {
	return &Service{api: api, methods: map[string]*method{}}
}

func (s *Service) API() string { return s.api }

// Handle registers a raw handler.
func (s *Service) Handle(name string, mode Mode, fn Handler, paramTypes ...string) *Service {
	s.mu.Lock()
	s.methods[name] = &method{name: name, mode: mode, paramTypes: paramTypes, fn: fn}
	s.mu.Unlock()
	return s
}

// SetMode changes the mode of a registered method.
func (s *Service) SetMode(name string, mode Mode) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.methods[name]
	if ok {
		m.mode = mode
	}
	return ok
}

func (s *Service) method(name string) (*method, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.methods[name]
	return m, ok
}

// Methods returns the registered method names, sorted.
func (s *Service) Methods() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.methods))
	for name := range s.methods {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Register adds a typed method to s. Arguments and return values travel as JSON.
func Register[A, R any](s *Service, name string, mode Mode, fn func(ctx context.Context, args A) (R, error)) {
	s.Handle(name, mode, func(ctx context.Context, raw []byte) ([]byte, error) {
		var args A
		if len(raw) > 0 {
			if err := codec.Values.Decode(raw, &args); err != nil {
				return nil, &Error{Kind: message.KindSerialization, Msg: "decode args", Err: err}
			}
		}
		reply, err := fn(ctx, args)
		if err != nil {
			return nil, err
		}
		return encodeValue(reply)
	}, reflect.TypeFor[A]().String())
}

func encodeValue(v any) ([]byte, error) {
	data, err := codec.Values.Encode(v)
	if err != nil {
		return nil, &Error{Kind: message.KindSerialization, Msg: "encode value", Err: err}
	}
	return data, nil
}

func (s *Service) invoke(ctx context.Context, req *message.Request) (res message.Result) {
	m, ok := s.method(req.Invocation.Method)
	if !ok {
		return message.ErrorResult(message.KindBusiness, fmt.Sprintf("unknown method %s.%s", s.api, req.Invocation.Method))
	}
	defer func() {
		if r := recover(); r != nil {
			res = message.ErrorResult(message.KindBusiness, fmt.Sprintf("panic in %s: %v", req, r))
		}
	}()
	value, err := m.fn(ctx, req.Invocation.Args)
	if err != nil {
		return resultOf(err)
	}
	return message.Result{Value: value}
}

// ServiceRegistry holds the services hosted by this process and names the instance
// they run as. Consumers consult it for local short-circuits.
type ServiceRegistry struct {
	group      string
	groupAndID string

	mu       sync.RWMutex
	services map[string]*Service
}

// NewServiceRegistry creates a registry for the instance ep describes. A nil ep
// makes a registry for a process that hosts nothing.
func NewServiceRegistry(ep *config.Endpoint) *ServiceRegistry {
	r := &ServiceRegistry{services: map[string]*Service{}}
	if ep != nil {
		r.group = ep.Group
		r.groupAndID = ep.GroupAndID()
	}
	return r
}

func (r *ServiceRegistry) Group() string      { return r.group }
func (r *ServiceRegistry) GroupAndID() string { return r.groupAndID }

func (r *ServiceRegistry) Add(s *Service) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.services[s.api]; ok {
		return fmt.Errorf("rpc: service %s already registered", s.api)
	}
	r.services[s.api] = s
	return nil
}

func (r *ServiceRegistry) Lookup(api string) (*Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.services[api]
	return s, ok
}

// APIs returns the hosted API names, sorted.
func (r *ServiceRegistry) APIs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.services))
	for api := range r.services {
		out = append(out, api)
	}
	sort.Strings(out)
	return out
}

// HasLocal reports whether api of group is hosted here.
func (r *ServiceRegistry) HasLocal(group, api string) bool {
	if !r.IsLocalGroup(group) {
		return false
	}
	_, ok := r.Lookup(api)
	return ok
}

func (r *ServiceRegistry) IsLocalGroup(group string) bool {
	return r.group != "" && r.group == group
}

func (r *ServiceRegistry) IsLocalInstance(groupAndID string) bool {
	return r.groupAndID != "" && r.groupAndID == groupAndID
}

// Mode returns the mode api.name is registered with, ModeSync when unknown.
func (r *ServiceRegistry) Mode(api, name string) Mode {
	s, ok := r.Lookup(api)
	if !ok {
		return ModeSync
	}
	if m, ok := s.method(name); ok {
		return m.mode
	}
	return ModeSync
}

// Invoke resolves the service by API and runs the method.
func (r *ServiceRegistry) Invoke(ctx context.Context, req *message.Request) message.Result {
	s, ok := r.Lookup(req.API)
	if !ok {
		return message.ErrorResult(message.KindBusiness, "unknown api "+req.API)
	}
	return s.invoke(ctx, req)
}

type channelKey struct{}

// ChannelFrom returns the channel a provider-side call arrived on, nil for local calls.
func ChannelFrom(ctx context.Context) *channel.Channel {
	ch, _ := ctx.Value(channelKey{}).(*channel.Channel)
	return ch
}
