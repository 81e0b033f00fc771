package grant

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/dropDatabas3/johngrant/internal/client"
	"github.com/dropDatabas3/johngrant/internal/metrics"
	"github.com/dropDatabas3/johngrant/internal/oauth2"
	"github.com/dropDatabas3/johngrant/internal/observability/logger"
	"github.com/dropDatabas3/johngrant/internal/storage"
	"github.com/dropDatabas3/johngrant/internal/token"
	"github.com/dropDatabas3/johngrant/internal/validation"
)

// SubjectAuthenticator valida credenciales de resource owner para el
// password grant. Colaborador externo al engine.
type SubjectAuthenticator interface {
	Authenticate(ctx context.Context, username, password string) (subject string, err error)
}

// TokenResponse es la respuesta del token endpoint.
type TokenResponse struct {
	AccessToken  string `json:"access_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// Deps contiene las dependencias del engine.
type Deps struct {
	Store   *Store
	Clients client.Registry
	Factory *token.Factory

	// CodeTTL es la vida del authorization code (default 5m).
	CodeTTL time.Duration
	// GrantTTL es el horizonte de vida del grant (default 30 días,
	// alineado al refresh token).
	GrantTTL time.Duration

	// DisableRefreshRotation deja el refresh token estable entre
	// intercambios. Por defecto se rota (old y new nunca coexisten).
	DisableRefreshRotation bool

	// Subjects habilita el password grant; nil lo deshabilita.
	Subjects SubjectAuthenticator

	// Now permite inyectar el reloj en tests.
	Now func() time.Time
}

// Engine aplica las reglas de emisión por grant type y los invariantes
// de un solo uso / expiración / revocación. Sin estado mutable propio:
// todo lo compartido vive en el Store.
type Engine struct {
	store   *Store
	clients client.Registry
	factory *token.Factory

	codeTTL  time.Duration
	grantTTL time.Duration
	rotate   bool
	subjects SubjectAuthenticator

	now func() time.Time
}

func NewEngine(d Deps) *Engine {
	e := &Engine{
		store:    d.Store,
		clients:  d.Clients,
		factory:  d.Factory,
		codeTTL:  d.CodeTTL,
		grantTTL: d.GrantTTL,
		rotate:   !d.DisableRefreshRotation,
		subjects: d.Subjects,
		now:      d.Now,
	}
	if e.codeTTL <= 0 {
		e.codeTTL = 5 * time.Minute
	}
	if e.grantTTL <= 0 {
		e.grantTTL = 30 * 24 * time.Hour
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	return e
}

// Store expone el state store (lo comparten los controllers CIBA/UMA).
func (e *Engine) Store() *Store { return e.store }

// ─────────────────────────────────────────────────────────────
// authorization_code
// ─────────────────────────────────────────────────────────────

// AuthorizeRequest crea un grant de tipo authorization_code una vez que
// el authorization endpoint autenticó al subject.
type AuthorizeRequest struct {
	ClientID    string
	Subject     string
	Scopes      []string
	RedirectURI string

	CodeChallenge       string
	CodeChallengeMethod string // default "plain" si hay challenge

	Nonce    string
	ACR      string
	AMR      []string
	AuthTime time.Time
}

// CreateAuthorizationCode valida el request contra la metadata del
// cliente y persiste el grant en estado issued. Devuelve el code.
func (e *Engine) CreateAuthorizationCode(ctx context.Context, req AuthorizeRequest) (string, error) {
	log := logger.From(ctx).With(logger.Layer("engine"), logger.Op("grant.authorize"))

	if req.ClientID == "" || req.Subject == "" || req.RedirectURI == "" {
		return "", oauth2.ErrInvalidRequest
	}
	c, err := e.clients.Resolve(ctx, req.ClientID)
	if err != nil {
		log.Warn("client not found", logger.ClientID(req.ClientID), logger.Err(err))
		return "", oauth2.ErrInvalidClient.WithCause(err)
	}
	if !c.AllowsGrant(oauth2.GrantAuthorizationCode) {
		return "", oauth2.ErrUnauthorizedClient
	}
	if !c.AllowsRedirect(req.RedirectURI) {
		return "", oauth2.ErrInvalidRequest.WithDetail("redirect_uri not registered")
	}
	for _, s := range req.Scopes {
		if !validation.ValidScopeName(s) {
			return "", oauth2.ErrInvalidScope.WithDetail(s)
		}
	}

	method := req.CodeChallengeMethod
	if req.CodeChallenge != "" && method == "" {
		method = PKCEPlain
	}
	if req.CodeChallenge != "" && !ValidChallengeMethod(method) {
		return "", oauth2.ErrInvalidRequest.WithDetail("unknown code_challenge_method")
	}
	if c.RequirePKCE && req.CodeChallenge == "" {
		return "", oauth2.ErrInvalidRequest.WithDetail("code_challenge required")
	}

	code, err := token.GenerateOpaque(32)
	if err != nil {
		return "", oauth2.ErrServerError.WithCause(err)
	}

	now := e.now()
	authTime := req.AuthTime
	if authTime.IsZero() {
		authTime = now
	}
	g := &Grant{
		ID:        uuid.NewString(),
		Type:      oauth2.GrantAuthorizationCode,
		ClientID:  c.ClientID,
		Subject:   req.Subject,
		Scopes:    append([]string(nil), req.Scopes...),
		ACR:       req.ACR,
		AMR:       append([]string(nil), req.AMR...),
		AuthTime:  authTime,
		CreatedAt: now,
		ExpiresAt: now.Add(e.grantTTL),
		Code: &CodeInfo{
			Hash:            token.SHA256Base64URL(code),
			RedirectURI:     req.RedirectURI,
			Challenge:       req.CodeChallenge,
			ChallengeMethod: method,
			Nonce:           req.Nonce,
			ExpiresAt:       now.Add(e.codeTTL),
		},
	}
	if err := e.store.Create(ctx, g); err != nil {
		log.Error("failed to persist grant", logger.Err(err))
		return "", oauth2.ErrServerError.WithCause(err)
	}

	log.Info("authorization code issued",
		logger.GrantID(g.ID), logger.ClientID(c.ClientID), logger.Subject(req.Subject))
	return code, nil
}

// AuthCodeRequest es el intercambio grant_type=authorization_code.
type AuthCodeRequest struct {
	ClientID     string
	ClientSecret string
	Code         string
	RedirectURI  string
	CodeVerifier string
}

// ExchangeAuthorizationCode consume el code (un solo uso) y emite
// access + ID token (+ refresh si el scope incluye offline_access).
// Un reintento sobre un code consumido revoca todos los tokens del
// grant (defensa contra replay de codes filtrados).
func (e *Engine) ExchangeAuthorizationCode(ctx context.Context, req AuthCodeRequest) (*TokenResponse, error) {
	log := logger.From(ctx).With(logger.Layer("engine"), logger.Op("grant.authcode"))
	now := e.now()

	if req.Code == "" || req.RedirectURI == "" || req.ClientID == "" {
		return nil, e.fail(oauth2.GrantAuthorizationCode, oauth2.ErrInvalidRequest)
	}
	c, err := e.authenticateClient(ctx, req.ClientID, req.ClientSecret, oauth2.GrantAuthorizationCode)
	if err != nil {
		return nil, e.fail(oauth2.GrantAuthorizationCode, err)
	}

	g, err := e.store.FindByAnyTokenOrCode(ctx, req.Code)
	if err != nil {
		log.Warn("authorization code not found")
		return nil, e.fail(oauth2.GrantAuthorizationCode, oauth2.ErrInvalidGrant)
	}
	if g.Code == nil || g.ClientID != c.ClientID || g.Revoked {
		return nil, e.fail(oauth2.GrantAuthorizationCode, oauth2.ErrInvalidGrant)
	}
	if g.Code.Consumed {
		// replay: el code ya fue canjeado; se invalida todo el grant
		log.Warn("authorization code replay detected", logger.GrantID(g.ID))
		_ = e.store.Revoke(ctx, g.ID)
		return nil, e.fail(oauth2.GrantAuthorizationCode, oauth2.ErrInvalidGrant)
	}
	if !now.Before(g.Code.ExpiresAt) {
		return nil, e.fail(oauth2.GrantAuthorizationCode, oauth2.ErrInvalidGrant)
	}
	if g.Code.RedirectURI != req.RedirectURI {
		return nil, e.fail(oauth2.GrantAuthorizationCode, oauth2.ErrInvalidRequest.WithDetail("redirect_uri mismatch"))
	}
	if g.Code.Challenge != "" {
		if req.CodeVerifier == "" {
			return nil, e.fail(oauth2.GrantAuthorizationCode, oauth2.ErrInvalidRequest.WithDetail("code_verifier required"))
		}
		if !VerifyCodeChallenge(g.Code.ChallengeMethod, req.CodeVerifier, g.Code.Challenge) {
			log.Warn("PKCE verification failed", logger.GrantID(g.ID))
			return nil, e.fail(oauth2.GrantAuthorizationCode, oauth2.ErrInvalidGrant)
		}
	}

	resp, minted, err := e.mintTokens(g, c, g.Scopes, mintOpts{
		withID:      oauth2.HasScope(g.Scopes, oauth2.ScopeOpenID),
		withRefresh: oauth2.HasScope(g.Scopes, oauth2.ScopeOffline),
		nonce:       g.Code.Nonce,
	})
	if err != nil {
		return nil, e.fail(oauth2.GrantAuthorizationCode, err)
	}

	g.Code.Consumed = true
	g.Tokens = append(g.Tokens, minted...)
	if err := e.store.Update(ctx, g, g.Version); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			// carrera: otro intercambio del mismo code ganó el CAS
			metrics.CASConflicts.Inc()
			return nil, e.fail(oauth2.GrantAuthorizationCode, oauth2.ErrInvalidGrant)
		}
		return nil, e.fail(oauth2.GrantAuthorizationCode, oauth2.ErrServerError.WithCause(err))
	}
	e.indexMinted(ctx, g, minted)

	log.Info("authorization_code exchanged", logger.GrantID(g.ID), logger.ClientID(c.ClientID))
	metrics.Exchanges.WithLabelValues("authorization_code", "ok").Inc()
	return resp, nil
}

// ─────────────────────────────────────────────────────────────
// refresh_token
// ─────────────────────────────────────────────────────────────

// RefreshRequest es el intercambio grant_type=refresh_token.
type RefreshRequest struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	Scope        string // opcional: subset del scope del grant
}

// ExchangeRefreshToken valida y rota el refresh token. Con rotación
// habilitada el viejo y el nuevo nunca son válidos a la vez (un solo
// write CAS). El reuso de un refresh ya rotado revoca el grant entero.
func (e *Engine) ExchangeRefreshToken(ctx context.Context, req RefreshRequest) (*TokenResponse, error) {
	log := logger.From(ctx).With(logger.Layer("engine"), logger.Op("grant.refresh"))
	now := e.now()

	if req.ClientID == "" || req.RefreshToken == "" {
		return nil, e.fail(oauth2.GrantRefreshToken, oauth2.ErrInvalidRequest)
	}
	c, err := e.authenticateClient(ctx, req.ClientID, req.ClientSecret, oauth2.GrantRefreshToken)
	if err != nil {
		return nil, e.fail(oauth2.GrantRefreshToken, err)
	}

	g, err := e.store.FindByAnyTokenOrCode(ctx, req.RefreshToken)
	if err != nil {
		log.Warn("refresh token not found")
		return nil, e.fail(oauth2.GrantRefreshToken, oauth2.ErrInvalidGrant)
	}
	ref := g.TokenByHash(token.SHA256Base64URL(req.RefreshToken))
	if ref == nil || ref.Kind != oauth2.KindRefresh || g.ClientID != c.ClientID {
		return nil, e.fail(oauth2.GrantRefreshToken, oauth2.ErrInvalidGrant)
	}
	if !g.Usable(now) {
		return nil, e.fail(oauth2.GrantRefreshToken, oauth2.ErrInvalidGrant)
	}
	if ref.Revoked {
		// reuso de un refresh rotado: alguien tiene un token robado
		log.Warn("rotated refresh token reused; revoking grant", logger.GrantID(g.ID))
		_ = e.store.Revoke(ctx, g.ID)
		return nil, e.fail(oauth2.GrantRefreshToken, oauth2.ErrInvalidGrant)
	}
	if !now.Before(ref.ExpiresAt) {
		return nil, e.fail(oauth2.GrantRefreshToken, oauth2.ErrInvalidGrant)
	}

	// scope solicitado debe ser subset del scope del grant (nunca se amplía)
	effScopes := g.Scopes
	if req.Scope != "" {
		requested := oauth2.ParseScopes(req.Scope)
		if !oauth2.ScopesSubset(requested, g.Scopes) {
			return nil, e.fail(oauth2.GrantRefreshToken, oauth2.ErrInvalidScope)
		}
		effScopes = requested
	}

	resp, minted, err := e.mintTokens(g, c, effScopes, mintOpts{
		withID:      oauth2.HasScope(effScopes, oauth2.ScopeOpenID),
		withRefresh: e.rotate,
		amrOverride: []string{"refresh"},
	})
	if err != nil {
		return nil, e.fail(oauth2.GrantRefreshToken, err)
	}
	if e.rotate {
		ref.Revoked = true
	} else {
		resp.RefreshToken = ""
	}

	g.Scopes = effScopes
	g.Tokens = append(g.Tokens, minted...)
	if err := e.store.Update(ctx, g, g.Version); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			metrics.CASConflicts.Inc()
			return nil, e.fail(oauth2.GrantRefreshToken, oauth2.ErrInvalidGrant)
		}
		return nil, e.fail(oauth2.GrantRefreshToken, oauth2.ErrServerError.WithCause(err))
	}
	e.indexMinted(ctx, g, minted)

	log.Info("refresh_token exchanged", logger.GrantID(g.ID), logger.ClientID(c.ClientID))
	metrics.Exchanges.WithLabelValues("refresh_token", "ok").Inc()
	return resp, nil
}

// ─────────────────────────────────────────────────────────────
// client_credentials / password (emisión sin estado previo)
// ─────────────────────────────────────────────────────────────

// ClientCredentialsRequest es el intercambio M2M.
type ClientCredentialsRequest struct {
	ClientID     string
	ClientSecret string
	Scope        string
}

// ExchangeClientCredentials emite tokens para el cliente mismo: el
// grant se crea y finaliza en un paso. Sin refresh token salvo que el
// cliente lo tenga explícitamente permitido y pida offline_access.
func (e *Engine) ExchangeClientCredentials(ctx context.Context, req ClientCredentialsRequest) (*TokenResponse, error) {
	log := logger.From(ctx).With(logger.Layer("engine"), logger.Op("grant.clientcreds"))

	if req.ClientID == "" {
		return nil, e.fail(oauth2.GrantClientCredentials, oauth2.ErrInvalidRequest)
	}
	c, err := e.authenticateClient(ctx, req.ClientID, req.ClientSecret, oauth2.GrantClientCredentials)
	if err != nil {
		return nil, e.fail(oauth2.GrantClientCredentials, err)
	}
	if c.Type != client.TypeConfidential {
		return nil, e.fail(oauth2.GrantClientCredentials, oauth2.ErrUnauthorizedClient.WithDetail("client_credentials requires a confidential client"))
	}

	scopes, err := e.resolveScopes(req.Scope, c)
	if err != nil {
		return nil, e.fail(oauth2.GrantClientCredentials, err)
	}

	withRefresh := c.AllowsGrant(oauth2.GrantRefreshToken) && oauth2.HasScope(scopes, oauth2.ScopeOffline)
	resp, err := e.createAndFinalize(ctx, c, oauth2.GrantClientCredentials, c.ClientID, scopes, mintOpts{
		withRefresh: withRefresh,
		amrOverride: []string{"client"},
	})
	if err != nil {
		return nil, e.fail(oauth2.GrantClientCredentials, err)
	}

	log.Info("client_credentials token issued", logger.ClientID(c.ClientID))
	metrics.Exchanges.WithLabelValues("client_credentials", "ok").Inc()
	return resp, nil
}

// PasswordRequest es el intercambio grant_type=password.
type PasswordRequest struct {
	ClientID     string
	ClientSecret string
	Username     string
	Password     string
	Scope        string
}

// ExchangePassword autentica al resource owner via el colaborador
// configurado y emite en un paso, como client_credentials.
func (e *Engine) ExchangePassword(ctx context.Context, req PasswordRequest) (*TokenResponse, error) {
	log := logger.From(ctx).With(logger.Layer("engine"), logger.Op("grant.password"))

	if req.ClientID == "" || req.Username == "" || req.Password == "" {
		return nil, e.fail(oauth2.GrantPassword, oauth2.ErrInvalidRequest)
	}
	c, err := e.authenticateClient(ctx, req.ClientID, req.ClientSecret, oauth2.GrantPassword)
	if err != nil {
		return nil, e.fail(oauth2.GrantPassword, err)
	}
	if e.subjects == nil {
		return nil, e.fail(oauth2.GrantPassword, oauth2.ErrUnauthorizedClient.WithDetail("password grant not configured"))
	}
	subject, err := e.subjects.Authenticate(ctx, req.Username, req.Password)
	if err != nil {
		log.Warn("resource owner authentication failed", logger.ClientID(c.ClientID))
		return nil, e.fail(oauth2.GrantPassword, oauth2.ErrInvalidGrant.WithCause(err))
	}

	scopes, err := e.resolveScopes(req.Scope, c)
	if err != nil {
		return nil, e.fail(oauth2.GrantPassword, err)
	}

	resp, err := e.createAndFinalize(ctx, c, oauth2.GrantPassword, subject, scopes, mintOpts{
		withID:      oauth2.HasScope(scopes, oauth2.ScopeOpenID),
		withRefresh: oauth2.HasScope(scopes, oauth2.ScopeOffline),
		amrOverride: []string{"pwd"},
	})
	if err != nil {
		return nil, e.fail(oauth2.GrantPassword, err)
	}

	log.Info("password grant exchanged", logger.ClientID(c.ClientID), logger.Subject(subject))
	metrics.Exchanges.WithLabelValues("password", "ok").Inc()
	return resp, nil
}

// ─────────────────────────────────────────────────────────────
// finalización para flows asincrónicos (CIBA)
// ─────────────────────────────────────────────────────────────

// FinalizeGrant emite los tokens de un grant ya autenticado por un
// controller externo (CIBA). El one-shot del flow lo garantiza el
// controller sobre su propio registro; acá solo se exige que el grant
// siga usable.
func (e *Engine) FinalizeGrant(ctx context.Context, grantID string) (*TokenResponse, error) {
	log := logger.From(ctx).With(logger.Layer("engine"), logger.Op("grant.finalize"))
	now := e.now()

	g, err := e.store.Get(ctx, grantID)
	if err != nil {
		return nil, oauth2.ErrInvalidGrant.WithCause(err)
	}
	if !g.Usable(now) {
		return nil, oauth2.ErrInvalidGrant
	}
	c, err := e.clients.Resolve(ctx, g.ClientID)
	if err != nil {
		return nil, oauth2.ErrInvalidClient.WithCause(err)
	}

	resp, minted, err := e.mintTokens(g, c, g.Scopes, mintOpts{
		withID:      oauth2.HasScope(g.Scopes, oauth2.ScopeOpenID),
		withRefresh: oauth2.HasScope(g.Scopes, oauth2.ScopeOffline),
	})
	if err != nil {
		return nil, err
	}
	g.Tokens = append(g.Tokens, minted...)
	if err := e.store.Update(ctx, g, g.Version); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			metrics.CASConflicts.Inc()
			return nil, oauth2.ErrInvalidGrant
		}
		return nil, oauth2.ErrServerError.WithCause(err)
	}
	e.indexMinted(ctx, g, minted)

	log.Info("grant finalized", logger.GrantID(g.ID), logger.GrantType(GrantTypeLabel(g.Type)))
	return resp, nil
}

// ─────────────────────────────────────────────────────────────
// introspección / revocación
// ─────────────────────────────────────────────────────────────

// Introspection es el resultado read-only de inspeccionar un token.
type Introspection struct {
	Active    bool             `json:"active"`
	Scope     string           `json:"scope,omitempty"`
	ClientID  string           `json:"client_id,omitempty"`
	Subject   string           `json:"sub,omitempty"`
	Audience  string           `json:"aud,omitempty"`
	TokenUse  oauth2.TokenKind `json:"token_use,omitempty"`
	ExpiresAt int64            `json:"exp,omitempty"`
	IssuedAt  int64            `json:"iat,omitempty"`
	JTI       string           `json:"jti,omitempty"`
}

// Introspect nunca falla por token desconocido: responde active=false.
// Lectura pura; la revocación es una operación explícita aparte.
func (e *Engine) Introspect(ctx context.Context, value string) *Introspection {
	now := e.now()
	g, err := e.store.FindByAnyTokenOrCode(ctx, value)
	if err != nil {
		return &Introspection{Active: false}
	}
	ref := g.TokenByHash(token.SHA256Base64URL(value))
	if ref == nil {
		// era un code u otro artefacto no-token
		return &Introspection{Active: false}
	}
	return &Introspection{
		Active:    g.Usable(now) && ref.Active(now),
		Scope:     oauth2.JoinScopes(ref.Scopes),
		ClientID:  g.ClientID,
		Subject:   g.Subject,
		Audience:  ref.Audience,
		TokenUse:  ref.Kind,
		ExpiresAt: ref.ExpiresAt.Unix(),
		IssuedAt:  ref.IssuedAt.Unix(),
		JTI:       ref.ID,
	}
}

// Revoke revoca el grant dueño del valor presentado (RFC 7009: revocar
// cualquier token invalida la autorización completa). Token desconocido
// es éxito silencioso.
func (e *Engine) Revoke(ctx context.Context, value string) error {
	g, err := e.store.FindByAnyTokenOrCode(ctx, value)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return oauth2.ErrServerError.WithCause(err)
	}
	if err := e.store.Revoke(ctx, g.ID); err != nil {
		return oauth2.ErrServerError.WithCause(err)
	}
	logger.From(ctx).Info("grant revoked",
		logger.Layer("engine"), logger.GrantID(g.ID), logger.ClientID(g.ClientID))
	return nil
}

// ─────────────────────────────────────────────────────────────
// helpers
// ─────────────────────────────────────────────────────────────

// authenticateClient resuelve y autentica al cliente, y verifica que el
// grant type esté permitido.
func (e *Engine) authenticateClient(ctx context.Context, clientID, secret string, gt oauth2.GrantType) (*client.Client, error) {
	c, err := e.clients.Resolve(ctx, clientID)
	if err != nil {
		return nil, oauth2.ErrInvalidClient.WithCause(err)
	}
	if !c.Authenticate(secret) {
		return nil, oauth2.ErrInvalidClient
	}
	if !c.AllowsGrant(gt) {
		return nil, oauth2.ErrUnauthorizedClient
	}
	return c, nil
}

// resolveScopes valida el scope pedido contra los del cliente;
// vacío usa los scopes registrados del cliente.
func (e *Engine) resolveScopes(scope string, c *client.Client) ([]string, error) {
	if scope == "" {
		return append([]string(nil), c.Scopes...), nil
	}
	requested := oauth2.ParseScopes(scope)
	if !oauth2.ScopesSubset(requested, c.Scopes) {
		return nil, oauth2.ErrInvalidScope
	}
	return requested, nil
}

type mintOpts struct {
	withID      bool
	withRefresh bool
	nonce       string
	amrOverride []string
}

// mintTokens emite el set de tokens de un intercambio y devuelve la
// respuesta más las back-references para adjuntar al grant. No persiste.
func (e *Engine) mintTokens(g *Grant, c *client.Client, scopes []string, opts mintOpts) (*TokenResponse, []token.IssuedToken, error) {
	amr := g.AMR
	if len(opts.amrOverride) > 0 {
		amr = opts.amrOverride
	}

	access, accessRec, err := e.factory.Issue(token.IssueSpec{
		GrantID:  g.ID,
		Kind:     oauth2.KindAccess,
		Subject:  g.Subject,
		ClientID: c.ClientID,
		Audience: c.ClientID,
		Scopes:   scopes,
		Alg:      c.TokenAlg,
		TTL:      c.AccessTokenTTL,
		ACR:      g.ACR,
		AMR:      amr,
		Extra:    g.Extra,
	})
	if err != nil {
		return nil, nil, err
	}
	minted := []token.IssuedToken{*accessRec}
	metrics.TokensIssued.WithLabelValues(string(oauth2.KindAccess)).Inc()

	resp := &TokenResponse{
		AccessToken: access,
		TokenType:   "Bearer",
		ExpiresIn:   int64(accessRec.ExpiresAt.Sub(e.now()).Seconds()),
		Scope:       oauth2.JoinScopes(scopes),
	}

	if opts.withRefresh {
		refresh, refreshRec, err := e.factory.Issue(token.IssueSpec{
			GrantID:  g.ID,
			Kind:     oauth2.KindRefresh,
			Subject:  g.Subject,
			ClientID: c.ClientID,
			Audience: c.ClientID,
			Scopes:   scopes,
			TTL:      c.RefreshTokenTTL,
		})
		if err != nil {
			return nil, nil, err
		}
		minted = append(minted, *refreshRec)
		resp.RefreshToken = refresh
		metrics.TokensIssued.WithLabelValues(string(oauth2.KindRefresh)).Inc()
	}

	if opts.withID {
		idToken, idRec, err := e.factory.Issue(token.IssueSpec{
			GrantID:     g.ID,
			Kind:        oauth2.KindID,
			Subject:     g.Subject,
			ClientID:    c.ClientID,
			Audience:    c.ClientID,
			Alg:         c.TokenAlg,
			TTL:         c.IDTokenTTL,
			Nonce:       opts.nonce,
			ACR:         g.ACR,
			AMR:         amr,
			AuthTime:    g.AuthTime,
			AccessToken: access,
		})
		if err != nil {
			return nil, nil, err
		}
		minted = append(minted, *idRec)
		resp.IDToken = idToken
		metrics.TokensIssued.WithLabelValues(string(oauth2.KindID)).Inc()
	}

	return resp, minted, nil
}

// createAndFinalize crea un grant efímero y lo persiste ya con sus
// tokens adjuntos (un solo write).
func (e *Engine) createAndFinalize(ctx context.Context, c *client.Client, gt oauth2.GrantType, subject string, scopes []string, opts mintOpts) (*TokenResponse, error) {
	now := e.now()
	g := &Grant{
		ID:        uuid.NewString(),
		Type:      gt,
		ClientID:  c.ClientID,
		Subject:   subject,
		Scopes:    scopes,
		AuthTime:  now,
		CreatedAt: now,
		ExpiresAt: now.Add(e.grantTTL),
	}
	resp, minted, err := e.mintTokens(g, c, scopes, opts)
	if err != nil {
		return nil, err
	}
	g.Tokens = minted
	if err := e.store.Create(ctx, g); err != nil {
		return nil, oauth2.ErrServerError.WithCause(err)
	}
	e.indexMinted(ctx, g, minted)
	return resp, nil
}

// indexMinted registra los hashes de tokens recién emitidos. Best
// effort: un índice perdido solo degrada la introspección por valor.
func (e *Engine) indexMinted(ctx context.Context, g *Grant, minted []token.IssuedToken) {
	for i := range minted {
		_ = e.store.Index(ctx, minted[i].Hash, g.ID, g.ExpiresAt)
	}
}

// fail registra el resultado en métricas y devuelve el error tal cual.
func (e *Engine) fail(gt oauth2.GrantType, err error) error {
	code := "error"
	var oe *oauth2.Error
	if errors.As(err, &oe) {
		code = oe.Code
	}
	metrics.Exchanges.WithLabelValues(GrantTypeLabel(gt), code).Inc()
	return err
}
