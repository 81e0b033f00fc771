// Package memory implementa el backend in-process sobre go-cache.
// Pensado para desarrollo y tests; el CAS serializa con un mutex global
// (el costo es irrelevante a esta escala).
package memory

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/dropDatabas3/johngrant/internal/storage"
)

type Mem struct {
	mu sync.Mutex
	c  *gocache.Cache
}

// New crea un backend en memoria. Los registros con expiración reciben
// una gracia de retención para que el sweeper pueda listarlos antes de
// que go-cache los desaloje.
func New() *Mem {
	return &Mem{c: gocache.New(gocache.NoExpiration, 5*time.Minute)}
}

const retentionGrace = 24 * time.Hour

func (m *Mem) Get(_ context.Context, id string) (*storage.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.get(id)
}

// get asume mu tomado.
func (m *Mem) get(id string) (*storage.Record, error) {
	v, ok := m.c.Get(id)
	if !ok {
		return nil, storage.ErrNotFound
	}
	rec := v.(storage.Record)
	cp := rec
	cp.Data = append([]byte(nil), rec.Data...)
	return &cp, nil
}

func (m *Mem) Put(_ context.Context, rec *storage.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.set(rec)
	return nil
}

func (m *Mem) Create(_ context.Context, rec *storage.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.c.Get(rec.ID); ok {
		return storage.ErrConflict
	}
	m.set(rec)
	return nil
}

func (m *Mem) CompareAndSwap(_ context.Context, id string, expectedVersion int64, rec *storage.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, err := m.get(id)
	if err != nil {
		return err
	}
	if cur.Version != expectedVersion {
		return storage.ErrConflict
	}
	cp := *rec
	cp.ID = id
	cp.Version = expectedVersion + 1
	m.set(&cp)
	return nil
}

func (m *Mem) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.c.Delete(id)
	return nil
}

func (m *Mem) ListExpiredBefore(_ context.Context, t time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, item := range m.c.Items() {
		rec, ok := item.Object.(storage.Record)
		if !ok {
			continue
		}
		if !rec.ExpiresAt.IsZero() && rec.ExpiresAt.Before(t) {
			out = append(out, id)
		}
	}
	return out, nil
}

func (m *Mem) Close() error { return nil }

// set asume mu tomado. Guarda por valor (copia defensiva de Data).
func (m *Mem) set(rec *storage.Record) {
	cp := *rec
	cp.Data = append([]byte(nil), rec.Data...)
	ttl := gocache.NoExpiration
	if !rec.ExpiresAt.IsZero() {
		ttl = time.Until(rec.ExpiresAt) + retentionGrace
	}
	m.c.Set(rec.ID, cp, ttl)
}
