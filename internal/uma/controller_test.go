package uma

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/johngrant/internal/client"
	"github.com/dropDatabas3/johngrant/internal/crypto"
	"github.com/dropDatabas3/johngrant/internal/grant"
	"github.com/dropDatabas3/johngrant/internal/oauth2"
	"github.com/dropDatabas3/johngrant/internal/storage"
	"github.com/dropDatabas3/johngrant/internal/storage/memory"
	"github.com/dropDatabas3/johngrant/internal/token"
)

type umaFixture struct {
	ctrl    *Controller
	factory *token.Factory
	grants  *grant.Store
	now     *time.Time
}

func newUMAFixture(t *testing.T, policy PolicyHook) *umaFixture {
	return newUMAFixtureOn(t, policy, memory.New())
}

func newUMAFixtureOn(t *testing.T, policy PolicyHook, backend storage.Backend) *umaFixture {
	t.Helper()
	now := time.Now().UTC()

	ks := crypto.NewKeystore()
	require.NoError(t, ks.EnsureBootstrap(crypto.AlgEdDSA))
	factory := token.NewFactory(token.Deps{
		Issuer: "https://auth.test",
		Keys:   ks,
		Now:    func() time.Time { return now },
	})

	registry := client.NewStaticRegistry(&client.Client{
		ClientID:   "rs",
		Type:       client.TypePublic,
		AuthMethod: client.AuthNone,
		GrantTypes: []oauth2.GrantType{oauth2.GrantUMATicket},
		Scopes:     []string{"read", "write", "share"},
	})

	grants := grant.NewStore(backend)
	ctrl := NewController(Deps{
		Backend: backend,
		Clients: registry,
		Grants:  grants,
		Factory: factory,
		Policy:  policy,
		Now:     func() time.Time { return now },
	})
	return &umaFixture{ctrl: ctrl, factory: factory, grants: grants, now: &now}
}

func (f *umaFixture) register(t *testing.T, perms ...Permission) string {
	t.Helper()
	ticket, err := f.ctrl.RegisterPermission(context.Background(), RegisterRequest{
		ClientID:    "rs",
		Owner:       "alice",
		Permissions: perms,
	})
	require.NoError(t, err)
	return ticket
}

func (f *umaFixture) requestRPT(ticket string, claims map[string]any) (*RPTResponse, error) {
	return f.ctrl.RequestRPT(context.Background(), RPTRequest{
		ClientID:        "rs",
		Ticket:          ticket,
		RequestingParty: "bob",
		Claims:          claims,
	})
}

func TestGrantedMintsRPT(t *testing.T) {
	f := newUMAFixture(t, AllowAll)
	ticket := f.register(t, Permission{ResourceID: "doc-1", Scopes: []string{"read"}})

	resp, err := f.requestRPT(ticket, nil)
	require.NoError(t, err)
	require.False(t, resp.NeedsClaims)
	require.NotEmpty(t, resp.RPT)

	claims, err := f.factory.Validate(resp.RPT, "rs")
	require.NoError(t, err)
	require.Equal(t, oauth2.KindRPT, claims.Kind)
	require.Equal(t, "bob", claims.Subject)
	require.Contains(t, claims.Scopes, "read")

	// un ticket resuelto no se re-presenta
	_, err = f.requestRPT(ticket, nil)
	require.ErrorIs(t, err, oauth2.ErrInvalidGrant)
}

// Dos concesiones del mismo par {requesting party, owner} terminan en
// un único RPT con la unión de scopes; el anterior queda revocado.
func TestRPTMergeUnionsScopes(t *testing.T) {
	f := newUMAFixture(t, AllowAll)

	t1 := f.register(t, Permission{ResourceID: "doc-1", Scopes: []string{"read"}})
	first, err := f.requestRPT(t1, nil)
	require.NoError(t, err)

	t2 := f.register(t, Permission{ResourceID: "doc-1", Scopes: []string{"write"}})
	second, err := f.requestRPT(t2, nil)
	require.NoError(t, err)

	claims, err := f.factory.Validate(second.RPT, "rs")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"read", "write"}, claims.Scopes)

	// mismo grant subyacente, RPT viejo revocado
	g, err := f.grants.FindByAnyTokenOrCode(context.Background(), second.RPT)
	require.NoError(t, err)
	oldRef := g.TokenByHash(token.SHA256Base64URL(first.RPT))
	require.NotNil(t, oldRef)
	require.True(t, oldRef.Revoked, "merge must revoke the prior RPT")
}

func TestRPTMergeAcrossResources(t *testing.T) {
	f := newUMAFixture(t, AllowAll)

	t1 := f.register(t, Permission{ResourceID: "doc-1", Scopes: []string{"read"}})
	_, err := f.requestRPT(t1, nil)
	require.NoError(t, err)

	t2 := f.register(t, Permission{ResourceID: "doc-2", Scopes: []string{"share"}})
	resp, err := f.requestRPT(t2, nil)
	require.NoError(t, err)

	claims, err := f.factory.Validate(resp.RPT, "rs")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"read", "share"}, claims.Scopes)

	perms := decodePermissions(claims.Raw["permissions"])
	require.Len(t, perms, 2)
}

// La política pide claims: el ticket pasa a needs_claims y una segunda
// presentación con los claims acumulados concede.
func TestNeedsClaimsRoundTrip(t *testing.T) {
	policy := PolicyFunc(func(_ context.Context, req EvaluationRequest) (*Evaluation, error) {
		if _, ok := req.Claims["email"]; !ok {
			return &Evaluation{
				Decision:       DecisionNeedsClaims,
				RequiredClaims: []string{"email"},
				RedirectURI:    "https://auth.test/claims",
			}, nil
		}
		return &Evaluation{Decision: DecisionGranted, Granted: req.Permissions}, nil
	})
	f := newUMAFixture(t, policy)
	ticket := f.register(t, Permission{ResourceID: "doc-1", Scopes: []string{"read"}})

	resp, err := f.requestRPT(ticket, nil)
	require.NoError(t, err)
	require.True(t, resp.NeedsClaims)
	require.Equal(t, ticket, resp.Ticket)
	require.Equal(t, []string{"email"}, resp.RequiredClaims)
	require.Equal(t, "https://auth.test/claims", resp.RedirectURI)

	granted, err := f.requestRPT(ticket, map[string]any{"email": "bob@test"})
	require.NoError(t, err)
	require.False(t, granted.NeedsClaims)
	require.NotEmpty(t, granted.RPT)
}

func TestDeniedTicket(t *testing.T) {
	policy := PolicyFunc(func(_ context.Context, _ EvaluationRequest) (*Evaluation, error) {
		return &Evaluation{Decision: DecisionDenied}, nil
	})
	f := newUMAFixture(t, policy)
	ticket := f.register(t, Permission{ResourceID: "doc-1", Scopes: []string{"read"}})

	_, err := f.requestRPT(ticket, nil)
	require.ErrorIs(t, err, oauth2.ErrRequestDenied)

	// re-presentar un ticket denegado sigue denegado
	_, err = f.requestRPT(ticket, nil)
	require.ErrorIs(t, err, oauth2.ErrRequestDenied)
}

func TestTicketExpiry(t *testing.T) {
	f := newUMAFixture(t, AllowAll)
	ticket := f.register(t, Permission{ResourceID: "doc-1", Scopes: []string{"read"}})

	*f.now = f.now.Add(10 * time.Minute)
	_, err := f.requestRPT(ticket, nil)
	require.ErrorIs(t, err, oauth2.ErrInvalidGrant)
}

// firstMintRaceBackend hace que los primeros n lookups del índice de
// par no vean el registro, reproduciendo dos primeras concesiones del
// mismo par corriendo en paralelo: ambas entran por la vía mint.
type firstMintRaceBackend struct {
	storage.Backend
	mu     sync.Mutex
	misses int
}

func (b *firstMintRaceBackend) Get(ctx context.Context, id string) (*storage.Record, error) {
	if strings.HasPrefix(id, "rptpair:") {
		b.mu.Lock()
		if b.misses > 0 {
			b.misses--
			b.mu.Unlock()
			return nil, storage.ErrNotFound
		}
		b.mu.Unlock()
	}
	return b.Backend.Get(ctx, id)
}

// Dos primeras concesiones del mismo par que no se ven entre sí:
// exactamente una publica el registro del par, la otra pierde el
// create condicional y converge por merge — el RPT final lleva la
// unión de ambos scopes y el RPT del mint ganador queda revocado.
func TestConcurrentFirstMintsConvergeToUnion(t *testing.T) {
	backend := &firstMintRaceBackend{Backend: memory.New(), misses: 2}
	f := newUMAFixtureOn(t, AllowAll, backend)

	t1 := f.register(t, Permission{ResourceID: "doc-1", Scopes: []string{"read"}})
	t2 := f.register(t, Permission{ResourceID: "doc-1", Scopes: []string{"write"}})

	first, err := f.requestRPT(t1, nil)
	require.NoError(t, err)
	second, err := f.requestRPT(t2, nil)
	require.NoError(t, err)

	claims, err := f.factory.Validate(second.RPT, "rs")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"read", "write"}, claims.Scopes,
		"final RPT scope set must be the union of concurrently granted scopes")

	// ambos valores resuelven al mismo grant del par
	g, err := f.grants.FindByAnyTokenOrCode(context.Background(), second.RPT)
	require.NoError(t, err)
	oldRef := g.TokenByHash(token.SHA256Base64URL(first.RPT))
	require.NotNil(t, oldRef, "first RPT must live on the surviving pair grant")
	require.True(t, oldRef.Revoked, "merge must revoke the prior RPT")
}

func TestRegisterValidations(t *testing.T) {
	f := newUMAFixture(t, AllowAll)

	_, err := f.ctrl.RegisterPermission(context.Background(), RegisterRequest{
		ClientID: "rs",
		Owner:    "alice",
	})
	require.ErrorIs(t, err, oauth2.ErrInvalidRequest)

	_, err = f.ctrl.RegisterPermission(context.Background(), RegisterRequest{
		ClientID:    "rs",
		Owner:       "alice",
		Permissions: []Permission{{ResourceID: "", Scopes: []string{"read"}}},
	})
	require.ErrorIs(t, err, oauth2.ErrInvalidRequest)
}
