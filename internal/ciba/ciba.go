// Package ciba implementa el flow backchannel (CIBA): el cliente inicia
// la autenticación sin interacción en su propio dispositivo y obtiene
// los tokens por poll, ping o push según su modo registrado.
package ciba

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dropDatabas3/johngrant/internal/client"
	"github.com/dropDatabas3/johngrant/internal/storage"
)

// Status es el estado del request backchannel.
type Status string

const (
	// StatusPending espera la decisión del usuario en su dispositivo.
	StatusPending Status = "pending"
	// StatusAuthenticated fue aprobado; los tokens aún no se entregaron.
	StatusAuthenticated Status = "authenticated"
	// StatusDenied fue rechazado por el usuario.
	StatusDenied Status = "denied"
	// StatusDelivered ya entregó sus tokens (entrega única).
	StatusDelivered Status = "delivered"
)

// Request es el registro de un backchannel authentication request.
// El auth_req_id emitido al cliente es opaco; acá se guarda su hash no:
// el id ES el auth_req_id porque nunca viaja en un canal inseguro
// distinto del token endpoint (mismo trust que un code, vida corta).
type Request struct {
	ID       string                 `json:"id"` // auth_req_id
	GrantID  string                 `json:"grant_id"`
	ClientID string                 `json:"client_id"`
	Mode     client.BackchannelMode `json:"mode"`

	// IntervalSec es el intervalo mínimo entre polls, en segundos.
	IntervalSec int64 `json:"interval_sec"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	LastPoll  time.Time `json:"last_poll,omitempty"`

	Status Status `json:"status"`

	BindingMessage    string `json:"binding_message,omitempty"`
	NotificationToken string `json:"notification_token,omitempty"`

	Version int64 `json:"-"`
}

// Expired reporta si el request venció.
func (r *Request) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Interval devuelve el intervalo de poll como Duration.
func (r *Request) Interval() time.Duration {
	return time.Duration(r.IntervalSec) * time.Second
}

const requestPrefix = "ciba:"

// requestStore serializa requests CIBA sobre el backend compartido.
type requestStore struct {
	b storage.Backend
}

func (s *requestStore) create(ctx context.Context, r *Request) error {
	rec, err := encodeRequest(r)
	if err != nil {
		return err
	}
	rec.Version = 1
	if err := s.b.Put(ctx, rec); err != nil {
		return err
	}
	r.Version = 1
	return nil
}

func (s *requestStore) get(ctx context.Context, id string) (*Request, error) {
	rec, err := s.b.Get(ctx, requestPrefix+id)
	if err != nil {
		return nil, err
	}
	return decodeRequest(rec)
}

// update aplica CAS: el contador de versión serializa polls concurrentes
// y garantiza la entrega única de tokens.
func (s *requestStore) update(ctx context.Context, r *Request, expectedVersion int64) error {
	rec, err := encodeRequest(r)
	if err != nil {
		return err
	}
	if err := s.b.CompareAndSwap(ctx, rec.ID, expectedVersion, rec); err != nil {
		return err
	}
	r.Version = expectedVersion + 1
	return nil
}

func encodeRequest(r *Request) (*storage.Record, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return &storage.Record{
		ID:        requestPrefix + r.ID,
		Kind:      "ciba",
		Version:   r.Version,
		Data:      data,
		ExpiresAt: r.ExpiresAt,
	}, nil
}

func decodeRequest(rec *storage.Record) (*Request, error) {
	var r Request
	if err := json.Unmarshal(rec.Data, &r); err != nil {
		return nil, fmt.Errorf("ciba: corrupt record %s: %w", rec.ID, err)
	}
	r.Version = rec.Version
	return &r, nil
}
