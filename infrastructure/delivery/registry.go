package delivery

import (
	"sort"
	"strings"
	"sync"

	domainDelivery "github.com/AzielCF/az-publisher/publishing/domain/delivery"
)

// Registry maps platform names to adapters. Platform names are case
// insensitive.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]domainDelivery.Adapter
}

func NewRegistry(adapters ...domainDelivery.Adapter) *Registry {
	r := &Registry{adapters: make(map[string]domainDelivery.Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

func (r *Registry) Register(a domainDelivery.Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[strings.ToLower(a.Platform())] = a
}

func (r *Registry) Get(platform string) (domainDelivery.Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[strings.ToLower(platform)]
	return a, ok
}

func (r *Registry) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		res = append(res, name)
	}
	sort.Strings(res)
	return res
}
