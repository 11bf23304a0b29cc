// Package registry publishes provider endpoints and tells consumers which endpoints
// serve a group. Entries are endpoint descriptors in URL form (config.Endpoint.URL).
package registry

import (
	"context"

	"chanrpc/config"
)

// Listener receives the complete current endpoint list of a group after every change.
type Listener interface {
	Notify(group string, eps []*config.Endpoint)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(group string, eps []*config.Endpoint)

func (f ListenerFunc) Notify(group string, eps []*config.Endpoint) { f(group, eps) }

type Registry interface {
	Register(ctx context.Context, ep *config.Endpoint) error
	Deregister(ctx context.Context, ep *config.Endpoint) error
	Discover(ctx context.Context, group string) ([]*config.Endpoint, error)
	// Subscribe notifies l with the current list right away and again on every change
	// until the registry is closed.
	Subscribe(ctx context.Context, group string, l Listener) error
	Close() error
}

// parseAll decodes descriptor URLs of one group, skipping malformed entries and
// entries of other groups.
func parseAll(group string, urls []string, skip func(raw string, err error)) []*config.Endpoint {
	out := make([]*config.Endpoint, 0, len(urls))
	for _, raw := range urls {
		ep, err := config.Parse(raw)
		if err != nil {
			skip(raw, err)
			continue
		}
		if group != "" && ep.Group != group {
			continue
		}
		out = append(out, ep)
	}
	return out
}
