package grant

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/johngrant/internal/client"
	"github.com/dropDatabas3/johngrant/internal/crypto"
	"github.com/dropDatabas3/johngrant/internal/oauth2"
	"github.com/dropDatabas3/johngrant/internal/token"
)

const m2mSecret = "s3cret-m2m"

type stubSubjects struct{}

func (stubSubjects) Authenticate(_ context.Context, username, password string) (string, error) {
	if username == "ana" && password == "pw" {
		return "user-ana", nil
	}
	return "", errors.New("bad credentials")
}

type engineFixture struct {
	engine *Engine
	store  *Store
	now    *time.Time
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	now := time.Now().UTC()

	ks := crypto.NewKeystore()
	require.NoError(t, ks.EnsureBootstrap(crypto.AlgEdDSA))
	factory := token.NewFactory(token.Deps{
		Issuer: "https://auth.test",
		Keys:   ks,
		Now:    func() time.Time { return now },
	})

	hash, err := client.HashSecret(client.DefaultSecretParams, m2mSecret)
	require.NoError(t, err)

	registry := client.NewStaticRegistry(
		&client.Client{
			ClientID:     "web",
			Type:         client.TypePublic,
			AuthMethod:   client.AuthNone,
			GrantTypes:   []oauth2.GrantType{oauth2.GrantAuthorizationCode, oauth2.GrantRefreshToken},
			RedirectURIs: []string{"https://app.test/cb"},
			Scopes:       []string{"openid", "profile", "email", "offline_access"},
			RequirePKCE:  true,
		},
		&client.Client{
			ClientID:   "m2m",
			Type:       client.TypeConfidential,
			AuthMethod: client.AuthSecretPost,
			SecretHash: hash,
			GrantTypes: []oauth2.GrantType{
				oauth2.GrantClientCredentials,
				oauth2.GrantPassword,
				oauth2.GrantRefreshToken,
			},
			Scopes: []string{"svc.read", "svc.write", "openid", "offline_access"},
		},
	)

	store := newTestStore()
	engine := NewEngine(Deps{
		Store:    store,
		Clients:  registry,
		Factory:  factory,
		Subjects: stubSubjects{},
		Now:      func() time.Time { return now },
	})
	return &engineFixture{engine: engine, store: store, now: &now}
}

func (f *engineFixture) newCode(t *testing.T, scopes []string) string {
	t.Helper()
	code, err := f.engine.CreateAuthorizationCode(context.Background(), AuthorizeRequest{
		ClientID:            "web",
		Subject:             "user-1",
		Scopes:              scopes,
		RedirectURI:         "https://app.test/cb",
		CodeChallenge:       rfcChallenge,
		CodeChallengeMethod: PKCES256,
		Nonce:               "n-1",
	})
	require.NoError(t, err)
	return code
}

func exchange(f *engineFixture, code, verifier string) (*TokenResponse, error) {
	return f.engine.ExchangeAuthorizationCode(context.Background(), AuthCodeRequest{
		ClientID:     "web",
		Code:         code,
		RedirectURI:  "https://app.test/cb",
		CodeVerifier: verifier,
	})
}

func TestAuthorizationCodeFlow(t *testing.T) {
	f := newEngineFixture(t)
	code := f.newCode(t, []string{"openid", "profile", "offline_access"})

	resp, err := exchange(f, code, rfcVerifier)
	require.NoError(t, err)
	require.NotEmpty(t, resp.AccessToken)
	require.NotEmpty(t, resp.IDToken, "openid scope should mint an ID token")
	require.NotEmpty(t, resp.RefreshToken, "offline_access should mint a refresh token")
	require.Equal(t, "Bearer", resp.TokenType)

	intro := f.engine.Introspect(context.Background(), resp.AccessToken)
	require.True(t, intro.Active)
	require.Equal(t, "web", intro.ClientID)
	require.Equal(t, "user-1", intro.Subject)
	require.Equal(t, oauth2.KindAccess, intro.TokenUse)
}

func TestAuthCodeWithoutOfflineScope(t *testing.T) {
	f := newEngineFixture(t)
	code := f.newCode(t, []string{"profile"})

	resp, err := exchange(f, code, rfcVerifier)
	require.NoError(t, err)
	require.Empty(t, resp.IDToken)
	require.Empty(t, resp.RefreshToken)
}

// El replay de un code consumido revoca todos los tokens del grant.
func TestAuthCodeReplayRevokesGrant(t *testing.T) {
	f := newEngineFixture(t)
	code := f.newCode(t, []string{"openid"})

	resp, err := exchange(f, code, rfcVerifier)
	require.NoError(t, err)

	_, err = exchange(f, code, rfcVerifier)
	require.ErrorIs(t, err, oauth2.ErrInvalidGrant)

	intro := f.engine.Introspect(context.Background(), resp.AccessToken)
	require.False(t, intro.Active, "replay must revoke previously issued tokens")
}

func TestAuthCodeRejections(t *testing.T) {
	f := newEngineFixture(t)

	t.Run("pkce mismatch", func(t *testing.T) {
		code := f.newCode(t, []string{"openid"})
		_, err := exchange(f, code, "wrong-verifier-wrong-verifier-wrong-verifier")
		require.ErrorIs(t, err, oauth2.ErrInvalidGrant)
	})

	t.Run("missing verifier", func(t *testing.T) {
		code := f.newCode(t, []string{"openid"})
		_, err := exchange(f, code, "")
		require.ErrorIs(t, err, oauth2.ErrInvalidRequest)
	})

	t.Run("redirect mismatch", func(t *testing.T) {
		code := f.newCode(t, []string{"openid"})
		_, err := f.engine.ExchangeAuthorizationCode(context.Background(), AuthCodeRequest{
			ClientID:     "web",
			Code:         code,
			RedirectURI:  "https://evil.test/cb",
			CodeVerifier: rfcVerifier,
		})
		require.ErrorIs(t, err, oauth2.ErrInvalidRequest)
	})

	t.Run("expired code", func(t *testing.T) {
		code := f.newCode(t, []string{"openid"})
		*f.now = f.now.Add(10 * time.Minute)
		_, err := exchange(f, code, rfcVerifier)
		require.ErrorIs(t, err, oauth2.ErrInvalidGrant)
	})

	t.Run("unknown code", func(t *testing.T) {
		_, err := exchange(f, "never-issued", rfcVerifier)
		require.ErrorIs(t, err, oauth2.ErrInvalidGrant)
	})
}

func TestRequirePKCE(t *testing.T) {
	f := newEngineFixture(t)
	_, err := f.engine.CreateAuthorizationCode(context.Background(), AuthorizeRequest{
		ClientID:    "web",
		Subject:     "user-1",
		Scopes:      []string{"openid"},
		RedirectURI: "https://app.test/cb",
	})
	require.ErrorIs(t, err, oauth2.ErrInvalidRequest)
}

// Rotación: el refresh viejo y el nuevo nunca son válidos a la vez, y
// reusar el viejo revoca el grant entero.
func TestRefreshRotationAndReuse(t *testing.T) {
	f := newEngineFixture(t)
	code := f.newCode(t, []string{"openid", "offline_access"})
	first, err := exchange(f, code, rfcVerifier)
	require.NoError(t, err)

	second, err := f.engine.ExchangeRefreshToken(context.Background(), RefreshRequest{
		ClientID:     "web",
		RefreshToken: first.RefreshToken,
	})
	require.NoError(t, err)
	require.NotEmpty(t, second.RefreshToken)
	require.NotEqual(t, first.RefreshToken, second.RefreshToken)

	// el refresh rotado ya no sirve
	_, err = f.engine.ExchangeRefreshToken(context.Background(), RefreshRequest{
		ClientID:     "web",
		RefreshToken: first.RefreshToken,
	})
	require.ErrorIs(t, err, oauth2.ErrInvalidGrant)

	// y su reuso revocó todo, incluido el refresh nuevo
	_, err = f.engine.ExchangeRefreshToken(context.Background(), RefreshRequest{
		ClientID:     "web",
		RefreshToken: second.RefreshToken,
	})
	require.ErrorIs(t, err, oauth2.ErrInvalidGrant)
}

// El scope del grant nunca se amplía a través de refresh.
func TestRefreshScopeNarrowing(t *testing.T) {
	f := newEngineFixture(t)
	code := f.newCode(t, []string{"openid", "profile", "offline_access"})
	first, err := exchange(f, code, rfcVerifier)
	require.NoError(t, err)

	narrowed, err := f.engine.ExchangeRefreshToken(context.Background(), RefreshRequest{
		ClientID:     "web",
		RefreshToken: first.RefreshToken,
		Scope:        "profile",
	})
	require.NoError(t, err)
	require.Equal(t, "profile", narrowed.Scope)

	// pedir de vuelta lo recortado ya no es subset
	_, err = f.engine.ExchangeRefreshToken(context.Background(), RefreshRequest{
		ClientID:     "web",
		RefreshToken: narrowed.RefreshToken,
		Scope:        "openid profile",
	})
	require.ErrorIs(t, err, oauth2.ErrInvalidScope)
}

func TestClientCredentials(t *testing.T) {
	f := newEngineFixture(t)

	resp, err := f.engine.ExchangeClientCredentials(context.Background(), ClientCredentialsRequest{
		ClientID:     "m2m",
		ClientSecret: m2mSecret,
		Scope:        "svc.read",
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.AccessToken)
	require.Empty(t, resp.RefreshToken)
	require.Equal(t, "svc.read", resp.Scope)

	_, err = f.engine.ExchangeClientCredentials(context.Background(), ClientCredentialsRequest{
		ClientID:     "m2m",
		ClientSecret: m2mSecret,
		Scope:        "svc.admin",
	})
	require.ErrorIs(t, err, oauth2.ErrInvalidScope)

	_, err = f.engine.ExchangeClientCredentials(context.Background(), ClientCredentialsRequest{
		ClientID:     "m2m",
		ClientSecret: "wrong",
	})
	require.ErrorIs(t, err, oauth2.ErrInvalidClient)

	// un cliente público no puede usar client_credentials
	_, err = f.engine.ExchangeClientCredentials(context.Background(), ClientCredentialsRequest{
		ClientID: "web",
	})
	require.ErrorIs(t, err, oauth2.ErrUnauthorizedClient)
}

func TestPasswordGrant(t *testing.T) {
	f := newEngineFixture(t)

	resp, err := f.engine.ExchangePassword(context.Background(), PasswordRequest{
		ClientID:     "m2m",
		ClientSecret: m2mSecret,
		Username:     "ana",
		Password:     "pw",
		Scope:        "openid svc.read offline_access",
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.AccessToken)
	require.NotEmpty(t, resp.IDToken)
	require.NotEmpty(t, resp.RefreshToken)

	intro := f.engine.Introspect(context.Background(), resp.AccessToken)
	require.Equal(t, "user-ana", intro.Subject)

	_, err = f.engine.ExchangePassword(context.Background(), PasswordRequest{
		ClientID:     "m2m",
		ClientSecret: m2mSecret,
		Username:     "ana",
		Password:     "nope",
	})
	require.ErrorIs(t, err, oauth2.ErrInvalidGrant)
}

func TestRevocation(t *testing.T) {
	f := newEngineFixture(t)
	code := f.newCode(t, []string{"openid", "offline_access"})
	resp, err := exchange(f, code, rfcVerifier)
	require.NoError(t, err)

	// revocar el refresh invalida la autorización completa
	require.NoError(t, f.engine.Revoke(context.Background(), resp.RefreshToken))
	intro := f.engine.Introspect(context.Background(), resp.AccessToken)
	require.False(t, intro.Active)

	// token desconocido: éxito silencioso
	require.NoError(t, f.engine.Revoke(context.Background(), "unknown-token"))
}

func TestIntrospectUnknown(t *testing.T) {
	f := newEngineFixture(t)
	intro := f.engine.Introspect(context.Background(), "nope")
	require.False(t, intro.Active)
	require.Empty(t, intro.ClientID)
}

// Dos intercambios del mismo code compitiendo: exactamente uno gana.
func TestConcurrentCodeExchangeSingleWinner(t *testing.T) {
	f := newEngineFixture(t)
	code := f.newCode(t, []string{"openid"})

	const workers = 4
	var wg sync.WaitGroup
	results := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = exchange(f, code, rfcVerifier)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		if err == nil {
			wins++
		} else {
			require.ErrorIs(t, err, oauth2.ErrInvalidGrant)
		}
	}
	require.Equal(t, 1, wins, "exactly one exchange must win")
}

// La rotación compitiendo consigo misma: varios canjes simultáneos del
// mismo refresh token pasan por el mismo write CAS del grant, así que
// exactamente uno rota; los demás observan el conflicto o la marca de
// reuso y reciben invalid_grant.
func TestConcurrentRefreshSingleWinner(t *testing.T) {
	f := newEngineFixture(t)
	code := f.newCode(t, []string{"openid", "offline_access"})
	first, err := exchange(f, code, rfcVerifier)
	require.NoError(t, err)

	const workers = 4
	var wg sync.WaitGroup
	results := make([]error, workers)
	tokens := make([]*TokenResponse, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], results[i] = f.engine.ExchangeRefreshToken(context.Background(), RefreshRequest{
				ClientID:     "web",
				RefreshToken: first.RefreshToken,
			})
		}(i)
	}
	wg.Wait()

	wins := 0
	var winner *TokenResponse
	for i, err := range results {
		if err == nil {
			wins++
			winner = tokens[i]
		} else {
			require.ErrorIs(t, err, oauth2.ErrInvalidGrant)
		}
	}
	require.Equal(t, 1, wins, "exactly one refresh must rotate")
	require.NotEmpty(t, winner.RefreshToken)
	require.NotEqual(t, first.RefreshToken, winner.RefreshToken, "winner carries a rotated refresh token")
}
