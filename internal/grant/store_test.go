package grant

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dropDatabas3/johngrant/internal/oauth2"
	"github.com/dropDatabas3/johngrant/internal/storage"
	"github.com/dropDatabas3/johngrant/internal/storage/memory"
	"github.com/dropDatabas3/johngrant/internal/token"
)

func newTestStore() *Store {
	return NewStore(memory.New())
}

func testGrant(code string) *Grant {
	now := time.Now().UTC()
	g := &Grant{
		ID:        "g-1",
		Type:      oauth2.GrantAuthorizationCode,
		ClientID:  "cli",
		Subject:   "user-1",
		Scopes:    []string{"openid"},
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}
	if code != "" {
		g.Code = &CodeInfo{
			Hash:        token.SHA256Base64URL(code),
			RedirectURI: "https://app.test/cb",
			ExpiresAt:   now.Add(5 * time.Minute),
		}
	}
	return g
}

func TestCreateAndResolveByCode(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	g := testGrant("the-code")
	if err := s.Create(ctx, g); err != nil {
		t.Fatalf("create: %v", err)
	}
	if g.Version != 1 {
		t.Fatalf("version = %d", g.Version)
	}

	got, err := s.FindByAnyTokenOrCode(ctx, "the-code")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.ID != g.ID {
		t.Fatalf("resolved %q", got.ID)
	}

	if _, err := s.FindByAnyTokenOrCode(ctx, "unknown"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestUpdateCAS(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	g := testGrant("c")
	if err := s.Create(ctx, g); err != nil {
		t.Fatalf("create: %v", err)
	}

	g.Scopes = []string{"openid", "profile"}
	if err := s.Update(ctx, g, 1); err != nil {
		t.Fatalf("update: %v", err)
	}
	if g.Version != 2 {
		t.Fatalf("version = %d", g.Version)
	}

	// versión vieja: pierde el CAS
	if err := s.Update(ctx, g, 1); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestRevokeMarksEverything(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	g := testGrant("c")
	g.Tokens = []token.IssuedToken{
		{ID: "t1", Kind: oauth2.KindAccess, Hash: "h1", ExpiresAt: g.ExpiresAt},
		{ID: "t2", Kind: oauth2.KindRefresh, Hash: "h2", ExpiresAt: g.ExpiresAt},
	}
	if err := s.Create(ctx, g); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Revoke(ctx, g.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	got, err := s.Get(ctx, g.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Revoked {
		t.Fatal("grant should be revoked")
	}
	for i := range got.Tokens {
		if !got.Tokens[i].Revoked {
			t.Fatalf("token %s not revoked", got.Tokens[i].ID)
		}
	}

	// idempotente
	if err := s.Revoke(ctx, g.ID); err != nil {
		t.Fatalf("second revoke: %v", err)
	}
}

func TestPurgeExpiredDropsIndexes(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	g := testGrant("old-code")
	g.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	g.Code.ExpiresAt = g.ExpiresAt
	if err := s.Create(ctx, g); err != nil {
		t.Fatalf("create: %v", err)
	}

	n, err := s.PurgeExpired(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n == 0 {
		t.Fatal("expected at least one purged record")
	}
	if _, err := s.Get(ctx, g.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("grant should be gone, got %v", err)
	}
	if _, err := s.FindByAnyTokenOrCode(ctx, "old-code"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("code index should be gone, got %v", err)
	}
}
