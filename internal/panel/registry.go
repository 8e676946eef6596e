package panel

import (
	"sync"

	"vpn-shop-bot/internal/store"
)

// Registry выдаёт адаптер панели по host_code (fallback — host_name).
// Адаптеры кешируются: cookie-сессия живёт в адаптере.
type Registry struct {
	store *store.Store

	mu      sync.Mutex
	clients map[string]*Client
}

func NewRegistry(s *store.Store) *Registry {
	return &Registry{store: s, clients: make(map[string]*Client)}
}

// Resolve возвращает адаптер для host_code или host_name.
func (r *Registry) Resolve(codeOrName string) (*Client, error) {
	host, err := r.store.ResolveHost(codeOrName)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[host.HostCode]; ok {
		return c, nil
	}
	c := NewClient(*host, r.store.GlobalDomain())
	r.clients[host.HostCode] = c
	return c, nil
}

// Invalidate сбрасывает закешированный адаптер (смена кредов хоста).
func (r *Registry) Invalidate(hostCode string) {
	r.mu.Lock()
	delete(r.clients, hostCode)
	r.mu.Unlock()
}
