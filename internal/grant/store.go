package grant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dropDatabas3/johngrant/internal/oauth2"
	"github.com/dropDatabas3/johngrant/internal/storage"
	"github.com/dropDatabas3/johngrant/internal/token"
)

const (
	grantPrefix = "grant:"
	indexPrefix = "idx:"
)

// Store es el Grant State Store: serializa grants sobre el backend y
// mantiene el índice hash(valor emitido) → grant id, de modo que code,
// access token y refresh token resuelvan todos al mismo grant.
type Store struct {
	b storage.Backend
}

func NewStore(b storage.Backend) *Store {
	return &Store{b: b}
}

// Create persiste un grant nuevo (versión 1) e indexa su code si tiene.
func (s *Store) Create(ctx context.Context, g *Grant) error {
	rec, err := encodeGrant(g)
	if err != nil {
		return err
	}
	rec.Version = 1
	if err := s.b.Put(ctx, rec); err != nil {
		return err
	}
	g.Version = 1
	if g.Code != nil {
		return s.Index(ctx, g.Code.Hash, g.ID, g.ExpiresAt)
	}
	return nil
}

// Get carga un grant por id.
func (s *Store) Get(ctx context.Context, id string) (*Grant, error) {
	rec, err := s.b.Get(ctx, grantPrefix+id)
	if err != nil {
		return nil, err
	}
	return decodeGrant(rec)
}

// FindByAnyTokenOrCode resuelve cualquier valor emitido (code, access,
// refresh, RPT) a su grant via el índice de hashes.
func (s *Store) FindByAnyTokenOrCode(ctx context.Context, value string) (*Grant, error) {
	hash := token.SHA256Base64URL(value)
	rec, err := s.b.Get(ctx, indexPrefix+hash)
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, string(rec.Data))
}

// Update reemplaza el grant solo si la versión coincide (CAS).
// ErrConflict del backend se mapea a invalid_grant en el engine.
func (s *Store) Update(ctx context.Context, g *Grant, expectedVersion int64) error {
	rec, err := encodeGrant(g)
	if err != nil {
		return err
	}
	if err := s.b.CompareAndSwap(ctx, rec.ID, expectedVersion, rec); err != nil {
		return err
	}
	g.Version = expectedVersion + 1
	return nil
}

// Index registra hash(valor) → grantID con la expiración dada.
func (s *Store) Index(ctx context.Context, hash, grantID string, exp time.Time) error {
	return s.b.Put(ctx, &storage.Record{
		ID:        indexPrefix + hash,
		Kind:      "idx",
		Version:   1,
		Data:      []byte(grantID),
		ExpiresAt: exp,
	})
}

// Revoke marca el grant y todos sus tokens como revocados.
// Reintenta el CAS un puñado de veces: revocar debe ganarle a
// cualquier carrera de emisión en curso.
func (s *Store) Revoke(ctx context.Context, grantID string) error {
	for attempt := 0; attempt < 5; attempt++ {
		g, err := s.Get(ctx, grantID)
		if err != nil {
			return err
		}
		if g.Revoked {
			return nil
		}
		g.Revoked = true
		g.RevokeTokens()
		err = s.Update(ctx, g, g.Version)
		if err == nil {
			return nil
		}
		if !errors.Is(err, storage.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("revoke %s: too many conflicts", grantID)
}

// PurgeExpired elimina registros vencidos (grants, índices y demás).
// Para grants, borra también los índices de sus artefactos.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	ids, err := s.b.ListExpiredBefore(ctx, now)
	if err != nil {
		return 0, err
	}
	purged := 0
	for _, id := range ids {
		if len(id) > len(grantPrefix) && id[:len(grantPrefix)] == grantPrefix {
			if rec, err := s.b.Get(ctx, id); err == nil {
				if g, err := decodeGrant(rec); err == nil {
					s.dropIndexes(ctx, g)
				}
			}
		}
		if err := s.b.Delete(ctx, id); err != nil {
			return purged, err
		}
		purged++
	}
	return purged, nil
}

func (s *Store) dropIndexes(ctx context.Context, g *Grant) {
	if g.Code != nil {
		_ = s.b.Delete(ctx, indexPrefix+g.Code.Hash)
	}
	for i := range g.Tokens {
		_ = s.b.Delete(ctx, indexPrefix+g.Tokens[i].Hash)
	}
}

func encodeGrant(g *Grant) (*storage.Record, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return nil, err
	}
	return &storage.Record{
		ID:        grantPrefix + g.ID,
		Kind:      "grant",
		Version:   g.Version,
		Data:      data,
		ExpiresAt: g.ExpiresAt,
	}, nil
}

func decodeGrant(rec *storage.Record) (*Grant, error) {
	var g Grant
	if err := json.Unmarshal(rec.Data, &g); err != nil {
		return nil, fmt.Errorf("grant: corrupt record %s: %w", rec.ID, err)
	}
	g.Version = rec.Version
	return &g, nil
}

// GrantTypeLabel es el label de métricas para un grant type.
func GrantTypeLabel(gt oauth2.GrantType) string {
	switch gt {
	case oauth2.GrantCIBA:
		return "ciba"
	case oauth2.GrantUMATicket:
		return "uma_ticket"
	default:
		return string(gt)
	}
}
