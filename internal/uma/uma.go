// Package uma implementa el flow de permission tickets y RPTs: el
// resource server registra permisos pendientes, el requesting party
// presenta el ticket (más claims) y la política decide. Los RPTs de un
// mismo par {requesting party, owner} se fusionan, nunca se bifurcan.
package uma

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dropDatabas3/johngrant/internal/oauth2"
	"github.com/dropDatabas3/johngrant/internal/storage"
)

// TicketState es el estado del permission ticket.
type TicketState string

const (
	StatePending     TicketState = "pending"
	StateNeedsClaims TicketState = "needs_claims"
	StateGranted     TicketState = "granted"
	StateDenied      TicketState = "denied"
)

// Permission es un par recurso/scopes solicitado.
type Permission struct {
	ResourceID string   `json:"resource_id"`
	Scopes     []string `json:"scopes"`
}

// PermissionTicket es el registro de un permiso pendiente de decisión.
// El valor del ticket es su id (vida corta, mismo trust que un code).
type PermissionTicket struct {
	ID          string       `json:"id"`
	Owner       string       `json:"owner"`     // resource owner
	ClientID    string       `json:"client_id"` // resource server que lo registró
	Permissions []Permission `json:"permissions"`

	State          TicketState    `json:"state"`
	RequiredClaims []string       `json:"required_claims,omitempty"`
	Claims         map[string]any `json:"claims,omitempty"` // acumulados entre rondas

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`

	Version int64 `json:"-"`
}

// Expired reporta si el ticket venció.
func (t *PermissionTicket) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

const (
	ticketPrefix = "ticket:"
	pairPrefix   = "rptpair:"
)

// pairKey identifica el RPT acumulativo de un {requesting party, owner}.
func pairKey(requestingParty, owner string) string {
	return pairPrefix + requestingParty + "|" + owner
}

// ticketStore serializa tickets sobre el backend compartido.
type ticketStore struct {
	b storage.Backend
}

func (s *ticketStore) create(ctx context.Context, t *PermissionTicket) error {
	rec, err := encodeTicket(t)
	if err != nil {
		return err
	}
	rec.Version = 1
	if err := s.b.Put(ctx, rec); err != nil {
		return err
	}
	t.Version = 1
	return nil
}

func (s *ticketStore) get(ctx context.Context, id string) (*PermissionTicket, error) {
	rec, err := s.b.Get(ctx, ticketPrefix+id)
	if err != nil {
		return nil, err
	}
	return decodeTicket(rec)
}

func (s *ticketStore) update(ctx context.Context, t *PermissionTicket, expectedVersion int64) error {
	rec, err := encodeTicket(t)
	if err != nil {
		return err
	}
	if err := s.b.CompareAndSwap(ctx, rec.ID, expectedVersion, rec); err != nil {
		return err
	}
	t.Version = expectedVersion + 1
	return nil
}

func encodeTicket(t *PermissionTicket) (*storage.Record, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	return &storage.Record{
		ID:        ticketPrefix + t.ID,
		Kind:      "ticket",
		Version:   t.Version,
		Data:      data,
		ExpiresAt: t.ExpiresAt,
	}, nil
}

func decodeTicket(rec *storage.Record) (*PermissionTicket, error) {
	var t PermissionTicket
	if err := json.Unmarshal(rec.Data, &t); err != nil {
		return nil, fmt.Errorf("uma: corrupt record %s: %w", rec.ID, err)
	}
	t.Version = rec.Version
	return &t, nil
}

// mergePermissions une dos sets de permisos por recurso (unión de scopes).
func mergePermissions(a, b []Permission) []Permission {
	byRes := make(map[string]int, len(a))
	out := make([]Permission, 0, len(a)+len(b))
	for _, p := range a {
		byRes[p.ResourceID] = len(out)
		out = append(out, Permission{ResourceID: p.ResourceID, Scopes: append([]string(nil), p.Scopes...)})
	}
	for _, p := range b {
		if i, ok := byRes[p.ResourceID]; ok {
			out[i].Scopes = oauth2.UnionScopes(out[i].Scopes, p.Scopes)
			continue
		}
		byRes[p.ResourceID] = len(out)
		out = append(out, Permission{ResourceID: p.ResourceID, Scopes: append([]string(nil), p.Scopes...)})
	}
	return out
}

// scopeUnion aplana los scopes de un set de permisos.
func scopeUnion(perms []Permission) []string {
	var all []string
	for _, p := range perms {
		all = oauth2.UnionScopes(all, p.Scopes)
	}
	return all
}
