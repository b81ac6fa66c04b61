package routing

import (
	"sort"

	"github.com/ai-gateway/chat-gateway/internal/provider"
)

// Router maps backend kinds to providers.
type Router struct {
	providers map[provider.Kind]provider.Provider
	order     []provider.Kind
	defaultP  provider.Provider
}

func New() *Router {
	return &Router{providers: make(map[provider.Kind]provider.Provider)}
}

// Register associates a backend kind with a provider implementation. The
// first registered provider is the default.
func (r *Router) Register(kind provider.Kind, p provider.Provider) {
	if _, ok := r.providers[kind]; !ok {
		r.order = append(r.order, kind)
	}
	r.providers[kind] = p
	if r.defaultP == nil {
		r.defaultP = p
	}
}

// ProviderFor returns the provider for a kind or the default provider.
func (r *Router) ProviderFor(kind provider.Kind) provider.Provider {
	if p, ok := r.providers[kind]; ok {
		return p
	}
	return r.defaultP
}

// StreamerFor returns the provider for kind when it can stream.
func (r *Router) StreamerFor(kind provider.Kind) (provider.Streamer, bool) {
	s, ok := r.ProviderFor(kind).(provider.Streamer)
	return s, ok
}

// Lister is a provider that can enumerate its models.
type Lister struct {
	Name   string
	Lister provider.ModelLister
}

// Listers returns the registered providers that list models, in
// registration order.
func (r *Router) Listers() []Lister {
	var out []Lister
	for _, k := range r.order {
		p := r.providers[k]
		if l, ok := p.(provider.ModelLister); ok {
			out = append(out, Lister{Name: p.Name(), Lister: l})
		}
	}
	return out
}

// Names returns the sorted provider names.
func (r *Router) Names() []string {
	names := make([]string, 0, len(r.providers))
	for _, p := range r.providers {
		names = append(names, p.Name())
	}
	sort.Strings(names)
	return names
}
