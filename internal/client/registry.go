package client

import (
	"context"
	"errors"
	"sync"
)

var ErrNotFound = errors.New("client not found")

// Registry resuelve metadata de clientes por client_id.
type Registry interface {
	Resolve(ctx context.Context, clientID string) (*Client, error)
}

// StaticRegistry es un registro en memoria cargado desde configuración.
// Seguro para lecturas concurrentes.
type StaticRegistry struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

func NewStaticRegistry(clients ...*Client) *StaticRegistry {
	r := &StaticRegistry{clients: make(map[string]*Client, len(clients))}
	for _, c := range clients {
		r.clients[c.ClientID] = c
	}
	return r
}

// Register agrega o reemplaza un cliente.
func (r *StaticRegistry) Register(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.ClientID] = c
}

// Resolve devuelve una copia de la metadata (inmutable por request).
func (r *StaticRegistry) Resolve(_ context.Context, clientID string) (*Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[clientID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}
