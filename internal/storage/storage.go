// Package storage define el contrato de persistencia del engine y sus
// backends (memory, redis, postgres).
//
// El backend es el único recurso mutable compartido entre requests.
// CompareAndSwap con contador de versión es el ancla de concurrencia:
// linealizabilidad por registro, sin ordering entre registros distintos.
package storage

import (
	"context"
	"time"
)

// Record es la unidad de persistencia: blob versionado con expiración.
type Record struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"` // "grant" | "idx" | "ciba" | "ticket" | "rptidx"
	Version   int64     `json:"version"`
	Data      []byte    `json:"data"`
	ExpiresAt time.Time `json:"expires_at"` // zero => no expira
}

// Errores del backend.
var (
	ErrNotFound = errNotFound{}
	ErrConflict = errConflict{}
)

type errNotFound struct{}

func (errNotFound) Error() string { return "storage: record not found" }

type errConflict struct{}

func (errConflict) Error() string { return "storage: version conflict" }

// Backend es el colaborador de persistencia.
//
// Put escribe incondicionalmente (crea o pisa) con la versión provista.
// Create escribe solo si el ID no existe; si ya existe devuelve
// ErrConflict sin tocar el registro — es el análogo de CompareAndSwap
// para el primer write, cuando la ausencia del registro es significado.
// CompareAndSwap reemplaza el registro solo si la versión actual coincide
// con expectedVersion; la nueva versión es expectedVersion+1. Dos callers
// compitiendo por el mismo registro: exactamente uno gana, el otro
// observa ErrConflict.
type Backend interface {
	Get(ctx context.Context, id string) (*Record, error)
	Put(ctx context.Context, rec *Record) error
	Create(ctx context.Context, rec *Record) error
	CompareAndSwap(ctx context.Context, id string, expectedVersion int64, rec *Record) error
	Delete(ctx context.Context, id string) error

	// ListExpiredBefore devuelve IDs de registros con ExpiresAt < t.
	ListExpiredBefore(ctx context.Context, t time.Time) ([]string, error)

	Close() error
}
