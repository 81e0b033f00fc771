package uma

import (
	"context"
	"errors"
	"time"

	"github.com/dropDatabas3/johngrant/internal/client"
	"github.com/dropDatabas3/johngrant/internal/grant"
	"github.com/dropDatabas3/johngrant/internal/metrics"
	"github.com/dropDatabas3/johngrant/internal/oauth2"
	"github.com/dropDatabas3/johngrant/internal/observability/logger"
	"github.com/dropDatabas3/johngrant/internal/storage"
	"github.com/dropDatabas3/johngrant/internal/token"
	"github.com/dropDatabas3/johngrant/internal/validation"
	"github.com/google/uuid"
)

// Deps contiene las dependencias del controller.
type Deps struct {
	Backend storage.Backend
	Clients client.Registry
	Grants  *grant.Store
	Factory *token.Factory
	Policy  PolicyHook

	// TicketTTL es la vida de un permission ticket (default 5m).
	TicketTTL time.Duration
	// RPTTTL por emisión; cero usa el default de la factory.
	RPTTTL time.Duration
	// GrantTTL es la vida del grant del par (default 30d).
	GrantTTL time.Duration

	Now func() time.Time
}

// Controller orquesta permission tickets y emisión/merge de RPTs.
type Controller struct {
	tickets ticketStore
	backend storage.Backend
	clients client.Registry
	grants  *grant.Store
	factory *token.Factory
	policy  PolicyHook

	ticketTTL time.Duration
	rptTTL    time.Duration
	grantTTL  time.Duration
	now       func() time.Time
}

func NewController(d Deps) *Controller {
	c := &Controller{
		tickets:   ticketStore{b: d.Backend},
		backend:   d.Backend,
		clients:   d.Clients,
		grants:    d.Grants,
		factory:   d.Factory,
		policy:    d.Policy,
		ticketTTL: d.TicketTTL,
		rptTTL:    d.RPTTTL,
		grantTTL:  d.GrantTTL,
		now:       d.Now,
	}
	if c.policy == nil {
		c.policy = AllowAll
	}
	if c.ticketTTL <= 0 {
		c.ticketTTL = 5 * time.Minute
	}
	if c.grantTTL <= 0 {
		c.grantTTL = 30 * 24 * time.Hour
	}
	if c.now == nil {
		c.now = func() time.Time { return time.Now().UTC() }
	}
	return c
}

// RegisterRequest es el POST del resource server al permission endpoint.
type RegisterRequest struct {
	ClientID     string
	ClientSecret string
	Owner        string
	Permissions  []Permission
}

// RegisterPermission crea un ticket en estado pending y devuelve su valor.
func (ct *Controller) RegisterPermission(ctx context.Context, req RegisterRequest) (string, error) {
	log := logger.From(ctx).With(logger.Layer("uma"), logger.Op("uma.register"))
	now := ct.now()

	if req.ClientID == "" || req.Owner == "" || len(req.Permissions) == 0 {
		return "", oauth2.ErrInvalidRequest.WithDetail("owner and at least one permission required")
	}
	c, err := ct.clients.Resolve(ctx, req.ClientID)
	if err != nil {
		return "", oauth2.ErrInvalidClient.WithCause(err)
	}
	if !c.Authenticate(req.ClientSecret) {
		return "", oauth2.ErrInvalidClient
	}
	for _, p := range req.Permissions {
		if p.ResourceID == "" || len(p.Scopes) == 0 {
			return "", oauth2.ErrInvalidRequest.WithDetail("each permission needs a resource id and scopes")
		}
		for _, s := range p.Scopes {
			if !validation.ValidScopeName(s) {
				return "", oauth2.ErrInvalidScope.WithDetail("malformed scope name: " + s)
			}
		}
	}

	value, err := token.GenerateOpaque(32)
	if err != nil {
		return "", oauth2.ErrServerError.WithCause(err)
	}
	t := &PermissionTicket{
		ID:          value,
		Owner:       req.Owner,
		ClientID:    c.ClientID,
		Permissions: req.Permissions,
		State:       StatePending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ct.ticketTTL),
	}
	if err := ct.tickets.create(ctx, t); err != nil {
		return "", oauth2.ErrServerError.WithCause(err)
	}

	log.Info("permission ticket registered",
		logger.TicketID(t.ID), logger.ClientID(c.ClientID), logger.Subject(req.Owner))
	return value, nil
}

// RPTRequest es el intercambio grant_type uma-ticket en el token endpoint.
type RPTRequest struct {
	ClientID     string
	ClientSecret string
	Ticket       string

	// RequestingParty identifica a quien pide acceso (sub del claim
	// token ya validado por el caller, o el propio cliente).
	RequestingParty string

	// Claims presentados en esta ronda; se acumulan en el ticket.
	Claims map[string]any
}

// RPTResponse es el resultado de un requestRpt que no terminó en error.
type RPTResponse struct {
	// Granted
	RPT       string `json:"access_token,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	ExpiresIn int64  `json:"expires_in,omitempty"`

	// NeedsClaims: el ticket (mismo valor) debe re-presentarse con más claims.
	NeedsClaims    bool     `json:"-"`
	Ticket         string   `json:"ticket,omitempty"`
	RedirectURI    string   `json:"redirect_user,omitempty"`
	RequiredClaims []string `json:"required_claims,omitempty"`
}

// RequestRPT evalúa la política sobre el ticket + claims y, si concede,
// mintea o fusiona el RPT del par {requesting party, owner}. El merge
// corre bajo CAS con reintento: dos tickets del mismo par resueltos a la
// vez terminan con la unión de ambos sets de scopes.
func (ct *Controller) RequestRPT(ctx context.Context, req RPTRequest) (*RPTResponse, error) {
	log := logger.From(ctx).With(logger.Layer("uma"), logger.Op("uma.rpt"))
	now := ct.now()

	if req.Ticket == "" || req.RequestingParty == "" {
		return nil, oauth2.ErrInvalidRequest.WithDetail("ticket and requesting party required")
	}
	c, err := ct.clients.Resolve(ctx, req.ClientID)
	if err != nil {
		return nil, oauth2.ErrInvalidClient.WithCause(err)
	}
	if !c.Authenticate(req.ClientSecret) {
		return nil, oauth2.ErrInvalidClient
	}
	if !c.AllowsGrant(oauth2.GrantUMATicket) {
		return nil, oauth2.ErrUnauthorizedClient
	}

	t, err := ct.tickets.get(ctx, req.Ticket)
	if err != nil {
		return nil, oauth2.ErrInvalidGrant.WithDetail("unknown ticket")
	}
	if t.Expired(now) {
		return nil, oauth2.ErrInvalidGrant.WithDetail("ticket expired")
	}
	switch t.State {
	case StateDenied:
		return nil, oauth2.ErrRequestDenied
	case StateGranted:
		// un ticket concedido no se re-presenta
		return nil, oauth2.ErrInvalidGrant.WithDetail("ticket already resolved")
	}

	// acumular claims de esta ronda sobre los de rondas anteriores
	if len(req.Claims) > 0 {
		if t.Claims == nil {
			t.Claims = make(map[string]any, len(req.Claims))
		}
		for k, v := range req.Claims {
			t.Claims[k] = v
		}
	}

	eval, err := ct.policy.Evaluate(ctx, EvaluationRequest{
		RequestingParty: req.RequestingParty,
		Owner:           t.Owner,
		Permissions:     t.Permissions,
		Claims:          t.Claims,
	})
	if err != nil {
		return nil, oauth2.ErrServerError.WithCause(err)
	}

	switch eval.Decision {
	case DecisionDenied:
		t.State = StateDenied
		if err := ct.tickets.update(ctx, t, t.Version); err != nil && !errors.Is(err, storage.ErrConflict) {
			return nil, oauth2.ErrServerError.WithCause(err)
		}
		metrics.UmaDecisions.WithLabelValues("denied").Inc()
		log.Info("policy denied", logger.TicketID(t.ID))
		return nil, oauth2.ErrRequestDenied

	case DecisionNeedsClaims:
		t.State = StateNeedsClaims
		t.RequiredClaims = eval.RequiredClaims
		if err := ct.tickets.update(ctx, t, t.Version); err != nil && !errors.Is(err, storage.ErrConflict) {
			return nil, oauth2.ErrServerError.WithCause(err)
		}
		metrics.UmaDecisions.WithLabelValues("needs_claims").Inc()
		log.Info("policy needs claims", logger.TicketID(t.ID))
		return &RPTResponse{
			NeedsClaims:    true,
			Ticket:         t.ID,
			RedirectURI:    eval.RedirectURI,
			RequiredClaims: eval.RequiredClaims,
		}, nil
	}

	// granted: la transición del ticket por CAS es la barrera one-shot
	granted := eval.Granted
	if len(granted) == 0 {
		granted = t.Permissions
	}
	t.State = StateGranted
	if err := ct.tickets.update(ctx, t, t.Version); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			metrics.CASConflicts.Inc()
			return nil, oauth2.ErrInvalidGrant
		}
		return nil, oauth2.ErrServerError.WithCause(err)
	}

	value, exp, err := ct.mintOrMerge(ctx, c, req.RequestingParty, t.Owner, granted)
	if err != nil {
		return nil, err
	}
	metrics.UmaDecisions.WithLabelValues("granted").Inc()
	log.Info("rpt issued", logger.TicketID(t.ID), logger.Subject(req.RequestingParty))
	return &RPTResponse{
		RPT:       value,
		TokenType: "Bearer",
		ExpiresIn: int64(exp.Sub(now).Seconds()),
	}, nil
}

// mintOrMerge emite el RPT del par. Si ya existe un grant vigente, sus
// permisos se unen con los recién concedidos, el RPT anterior se revoca
// y se re-emite con expiry fresco, todo en un write CAS; un conflicto
// recarga y reintenta para no perder un permiso concedido en paralelo.
func (ct *Controller) mintOrMerge(ctx context.Context, c *client.Client, requestingParty, owner string, granted []Permission) (string, time.Time, error) {
	key := pairKey(requestingParty, owner)

	for attempt := 0; attempt < 5; attempt++ {
		rec, err := ct.backend.Get(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			value, exp, err := ct.mintNew(ctx, c, requestingParty, owner, granted, key)
			if errors.Is(err, storage.ErrConflict) {
				// otro mint ganó el registro del par entre el Get y el
				// create; unir por la vía merge para no perder scopes
				metrics.CASConflicts.Inc()
				continue
			}
			return value, exp, err
		}
		if err != nil {
			return "", time.Time{}, oauth2.ErrServerError.WithCause(err)
		}

		g, err := ct.grants.Get(ctx, string(rec.Data))
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				// el grant del par fue purgado; arrancar de cero
				_ = ct.backend.Delete(ctx, key)
				continue
			}
			return "", time.Time{}, oauth2.ErrServerError.WithCause(err)
		}
		if !g.Usable(ct.now()) {
			_ = ct.backend.Delete(ctx, key)
			continue
		}

		value, exp, err := ct.reissue(ctx, c, g, granted)
		if err == nil {
			return value, exp, nil
		}
		if errors.Is(err, storage.ErrConflict) {
			metrics.CASConflicts.Inc()
			continue
		}
		return "", time.Time{}, err
	}
	return "", time.Time{}, oauth2.ErrServerError.WithDetail("rpt merge did not converge")
}

// mintNew crea el grant del par y su primer RPT. El registro del par se
// escribe con create-si-ausente: si dos primeras concesiones corren en
// paralelo, exactamente una lo crea y la otra recibe ErrConflict, revoca
// su grant huérfano y reintenta por la vía merge.
func (ct *Controller) mintNew(ctx context.Context, c *client.Client, requestingParty, owner string, granted []Permission, key string) (string, time.Time, error) {
	now := ct.now()
	g := &grant.Grant{
		ID:        uuid.NewString(),
		Type:      oauth2.GrantUMATicket,
		ClientID:  c.ClientID,
		Subject:   requestingParty,
		Scopes:    scopeUnion(granted),
		CreatedAt: now,
		ExpiresAt: now.Add(ct.grantTTL),
		Extra: map[string]any{
			"permissions": granted,
			"owner":       owner,
		},
	}
	value, rec, err := ct.issueRPT(g, c)
	if err != nil {
		return "", time.Time{}, err
	}
	g.Tokens = []token.IssuedToken{*rec}
	if err := ct.grants.Create(ctx, g); err != nil {
		return "", time.Time{}, oauth2.ErrServerError.WithCause(err)
	}
	_ = ct.grants.Index(ctx, rec.Hash, g.ID, g.ExpiresAt)

	if err := ct.backend.Create(ctx, &storage.Record{
		ID:        key,
		Kind:      "rptpair",
		Version:   1,
		Data:      []byte(g.ID),
		ExpiresAt: g.ExpiresAt,
	}); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			// el par ya apunta a otro grant: el nuestro nunca se publicó
			_ = ct.grants.Revoke(ctx, g.ID)
			return "", time.Time{}, storage.ErrConflict
		}
		return "", time.Time{}, oauth2.ErrServerError.WithCause(err)
	}
	metrics.TokensIssued.WithLabelValues(string(oauth2.KindRPT)).Inc()
	return value, rec.ExpiresAt, nil
}

// reissue une permisos en el grant existente y rota su RPT.
func (ct *Controller) reissue(ctx context.Context, c *client.Client, g *grant.Grant, granted []Permission) (string, time.Time, error) {
	prior := decodePermissions(g.Extra["permissions"])
	merged := mergePermissions(prior, granted)

	g.Scopes = scopeUnion(merged)
	if g.Extra == nil {
		g.Extra = map[string]any{}
	}
	g.Extra["permissions"] = merged

	// el RPT anterior deja de valer en el mismo write que emite el nuevo
	for i := range g.Tokens {
		if g.Tokens[i].Kind == oauth2.KindRPT {
			g.Tokens[i].Revoked = true
		}
	}
	value, rec, err := ct.issueRPT(g, c)
	if err != nil {
		return "", time.Time{}, err
	}
	g.Tokens = append(g.Tokens, *rec)

	if err := ct.grants.Update(ctx, g, g.Version); err != nil {
		return "", time.Time{}, err
	}
	_ = ct.grants.Index(ctx, rec.Hash, g.ID, g.ExpiresAt)

	metrics.TokensIssued.WithLabelValues(string(oauth2.KindRPT)).Inc()
	return value, rec.ExpiresAt, nil
}

func (ct *Controller) issueRPT(g *grant.Grant, c *client.Client) (string, *token.IssuedToken, error) {
	value, rec, err := ct.factory.Issue(token.IssueSpec{
		GrantID:  g.ID,
		Kind:     oauth2.KindRPT,
		Subject:  g.Subject,
		ClientID: c.ClientID,
		Audience: c.ClientID,
		Scopes:   g.Scopes,
		Alg:      c.TokenAlg,
		TTL:      ct.rptTTL,
		Extra:    g.Extra,
	})
	if err != nil {
		return "", nil, err
	}
	return value, rec, nil
}

// decodePermissions tolera tanto el tipo nativo como el round-trip JSON.
func decodePermissions(v any) []Permission {
	switch p := v.(type) {
	case []Permission:
		return p
	case []any:
		out := make([]Permission, 0, len(p))
		for _, e := range p {
			m, ok := e.(map[string]any)
			if !ok {
				continue
			}
			perm := Permission{}
			if rid, ok := m["resource_id"].(string); ok {
				perm.ResourceID = rid
			}
			if raw, ok := m["scopes"].([]any); ok {
				for _, s := range raw {
					if str, ok := s.(string); ok {
						perm.Scopes = append(perm.Scopes, str)
					}
				}
			}
			out = append(out, perm)
		}
		return out
	default:
		return nil
	}
}
