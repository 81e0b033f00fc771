package ciba

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/dropDatabas3/johngrant/internal/audit"
	"github.com/dropDatabas3/johngrant/internal/client"
	"github.com/dropDatabas3/johngrant/internal/crypto"
	"github.com/dropDatabas3/johngrant/internal/grant"
	"github.com/dropDatabas3/johngrant/internal/metrics"
	"github.com/dropDatabas3/johngrant/internal/oauth2"
	"github.com/dropDatabas3/johngrant/internal/observability/logger"
	"github.com/dropDatabas3/johngrant/internal/storage"
	"github.com/dropDatabas3/johngrant/internal/token"
	"github.com/dropDatabas3/johngrant/internal/util"
)

// Deps contiene las dependencias del controller.
type Deps struct {
	Backend  storage.Backend
	Clients  client.Registry
	Engine   *grant.Engine
	Notifier Notifier

	// Box, si está presente, cifra el client_notification_token en
	// reposo: es un bearer ajeno y no debe quedar en claro en el backend.
	Box *crypto.SecretBox

	// DefaultInterval entre polls (default 5s).
	DefaultInterval time.Duration
	// MaxLifetime acota el requested_expiry del cliente (default 10m).
	MaxLifetime time.Duration
	// GrantTTL es la vida del grant subyacente (default 30d).
	GrantTTL time.Duration

	Now func() time.Time
}

// Controller orquesta el ciclo de vida de requests backchannel. El
// estado compartido vive en el backend bajo el mismo régimen CAS que
// los grants; no hay locks propios.
type Controller struct {
	store    requestStore
	clients  client.Registry
	engine   *grant.Engine
	notifier Notifier
	box      *crypto.SecretBox

	interval time.Duration
	maxLife  time.Duration
	grantTTL time.Duration
	now      func() time.Time
}

func NewController(d Deps) *Controller {
	c := &Controller{
		store:    requestStore{b: d.Backend},
		clients:  d.Clients,
		engine:   d.Engine,
		notifier: d.Notifier,
		box:      d.Box,
		interval: d.DefaultInterval,
		maxLife:  d.MaxLifetime,
		grantTTL: d.GrantTTL,
		now:      d.Now,
	}
	if c.interval <= 0 {
		c.interval = 5 * time.Second
	}
	if c.maxLife <= 0 {
		c.maxLife = 10 * time.Minute
	}
	if c.grantTTL <= 0 {
		c.grantTTL = 30 * 24 * time.Hour
	}
	if c.now == nil {
		c.now = func() time.Time { return time.Now().UTC() }
	}
	return c
}

// CreateRequest es el POST al backchannel authentication endpoint.
type CreateRequest struct {
	ClientID     string
	ClientSecret string

	// LoginHint identifica al usuario a autenticar. Se usa directo como
	// subject: la resolución hint→cuenta es del authentication device.
	LoginHint string

	Scope           string
	BindingMessage  string
	RequestedExpiry time.Duration // 0 = máximo del servidor

	// ClientNotificationToken es obligatorio para ping y push: el
	// servidor lo presenta como bearer en el callback.
	ClientNotificationToken string
}

// CreateResponse es la respuesta del backchannel authentication endpoint.
type CreateResponse struct {
	AuthReqID string `json:"auth_req_id"`
	ExpiresIn int64  `json:"expires_in"`
	Interval  int64  `json:"interval,omitempty"`
}

// Create valida e inicia un backchannel authentication request. El
// grant subyacente queda creado pero sin tokens hasta la aprobación.
func (ct *Controller) Create(ctx context.Context, req CreateRequest) (*CreateResponse, error) {
	log := logger.From(ctx).With(logger.Layer("ciba"), logger.Op("ciba.create"))
	now := ct.now()

	if req.ClientID == "" || req.LoginHint == "" {
		return nil, oauth2.ErrInvalidRequest.WithDetail("login_hint required")
	}
	c, err := ct.clients.Resolve(ctx, req.ClientID)
	if err != nil {
		return nil, oauth2.ErrInvalidClient.WithCause(err)
	}
	if !c.Authenticate(req.ClientSecret) {
		return nil, oauth2.ErrInvalidClient
	}
	if !c.AllowsGrant(oauth2.GrantCIBA) {
		return nil, oauth2.ErrUnauthorizedClient
	}
	if c.Backchannel == "" {
		return nil, oauth2.ErrInvalidRequest.WithDetail("client has no backchannel delivery mode")
	}
	if (c.Backchannel == client.ModePing || c.Backchannel == client.ModePush) && req.ClientNotificationToken == "" {
		return nil, oauth2.ErrInvalidRequest.WithDetail("client_notification_token required")
	}

	scopes := oauth2.ParseScopes(req.Scope)
	if len(scopes) > 0 && !oauth2.ScopesSubset(scopes, c.Scopes) {
		return nil, oauth2.ErrInvalidScope
	}
	if len(scopes) == 0 {
		scopes = append([]string(nil), c.Scopes...)
	}

	// la vida efectiva nunca excede el máximo del servidor
	life := ct.maxLife
	if req.RequestedExpiry > 0 && req.RequestedExpiry < life {
		life = req.RequestedExpiry
	}

	g := &grant.Grant{
		ID:        uuid.NewString(),
		Type:      oauth2.GrantCIBA,
		ClientID:  c.ClientID,
		Subject:   req.LoginHint,
		Scopes:    scopes,
		CreatedAt: now,
		ExpiresAt: now.Add(ct.grantTTL),
	}
	if err := ct.engine.Store().Create(ctx, g); err != nil {
		return nil, oauth2.ErrServerError.WithCause(err)
	}

	authReqID, err := token.GenerateOpaque(32)
	if err != nil {
		return nil, oauth2.ErrServerError.WithCause(err)
	}
	notifToken, err := ct.sealToken(req.ClientNotificationToken)
	if err != nil {
		return nil, oauth2.ErrServerError.WithCause(err)
	}
	r := &Request{
		ID:                authReqID,
		GrantID:           g.ID,
		ClientID:          c.ClientID,
		Mode:              c.Backchannel,
		IntervalSec:       int64(ct.interval / time.Second),
		CreatedAt:         now,
		ExpiresAt:         now.Add(life),
		Status:            StatusPending,
		BindingMessage:    req.BindingMessage,
		NotificationToken: notifToken,
	}
	if err := ct.store.create(ctx, r); err != nil {
		return nil, oauth2.ErrServerError.WithCause(err)
	}

	log.Info("backchannel request created",
		logger.AuthReqID(authReqID), logger.ClientID(c.ClientID), logger.Subject(util.MaskEmail(req.LoginHint)))
	audit.Log(ctx, audit.CIBAStarted,
		logger.AuthReqID(authReqID), logger.ClientID(c.ClientID), logger.GrantID(g.ID),
		logger.String("mode", string(c.Backchannel)))
	resp := &CreateResponse{
		AuthReqID: authReqID,
		ExpiresIn: int64(life / time.Second),
	}
	if c.Backchannel != client.ModePush {
		resp.Interval = r.IntervalSec
	}
	return resp, nil
}

// Poll atiende grant_type CIBA en el token endpoint. Cada poll, incluso
// uno penalizado con slow_down, actualiza la marca de último poll: un
// cliente que martilla el endpoint nunca sale de slow_down.
func (ct *Controller) Poll(ctx context.Context, clientID, clientSecret, authReqID string) (*grant.TokenResponse, error) {
	log := logger.From(ctx).With(logger.Layer("ciba"), logger.Op("ciba.poll"), logger.AuthReqID(authReqID))
	now := ct.now()

	if authReqID == "" {
		return nil, ct.outcome("invalid", oauth2.ErrInvalidRequest.WithDetail("auth_req_id required"))
	}
	c, err := ct.clients.Resolve(ctx, clientID)
	if err != nil {
		return nil, ct.outcome("invalid", oauth2.ErrInvalidClient.WithCause(err))
	}
	if !c.Authenticate(clientSecret) {
		return nil, ct.outcome("invalid", oauth2.ErrInvalidClient)
	}
	if !c.AllowsGrant(oauth2.GrantCIBA) {
		return nil, ct.outcome("invalid", oauth2.ErrUnauthorizedClient)
	}

	r, err := ct.store.get(ctx, authReqID)
	if err != nil || r.ClientID != c.ClientID {
		return nil, ct.outcome("invalid", oauth2.ErrInvalidGrant)
	}
	if r.Mode == client.ModePush {
		return nil, ct.outcome("invalid", oauth2.ErrInvalidRequest.WithDetail("push clients receive tokens via callback"))
	}
	if r.Expired(now) {
		return nil, ct.outcome("expired", oauth2.ErrExpiredToken)
	}

	switch r.Status {
	case StatusDelivered:
		// entrega única: el auth_req_id ya fue canjeado
		return nil, ct.outcome("invalid", oauth2.ErrInvalidGrant)
	case StatusDenied:
		return nil, ct.outcome("denied", oauth2.ErrAccessDenied)
	}

	throttled := !r.LastPoll.IsZero() && now.Sub(r.LastPoll) < r.Interval()
	r.LastPoll = now
	if throttled {
		if err := ct.store.update(ctx, r, r.Version); err != nil && !errors.Is(err, storage.ErrConflict) {
			return nil, oauth2.ErrServerError.WithCause(err)
		}
		return nil, ct.outcome("slow_down", oauth2.ErrSlowDown)
	}

	if r.Status == StatusPending {
		if err := ct.store.update(ctx, r, r.Version); err != nil && !errors.Is(err, storage.ErrConflict) {
			return nil, oauth2.ErrServerError.WithCause(err)
		}
		return nil, ct.outcome("pending", oauth2.ErrAuthorizationPending)
	}

	// autenticado: la transición a delivered por CAS es la barrera de
	// entrega única frente a polls concurrentes
	r.Status = StatusDelivered
	if err := ct.store.update(ctx, r, r.Version); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			metrics.CASConflicts.Inc()
			return nil, ct.outcome("invalid", oauth2.ErrInvalidGrant)
		}
		return nil, oauth2.ErrServerError.WithCause(err)
	}
	resp, err := ct.engine.FinalizeGrant(ctx, r.GrantID)
	if err != nil {
		return nil, ct.outcome("invalid", err)
	}
	log.Info("backchannel tokens delivered", logger.ClientID(c.ClientID), logger.GrantID(r.GrantID))
	metrics.CibaPolls.WithLabelValues("tokens").Inc()
	return resp, nil
}

// MarkAuthenticated registra la aprobación del usuario. Según el modo:
// poll espera el próximo poll, ping notifica al cliente, push finaliza
// y entrega los tokens en el callback.
func (ct *Controller) MarkAuthenticated(ctx context.Context, authReqID string) error {
	log := logger.From(ctx).With(logger.Layer("ciba"), logger.Op("ciba.approve"), logger.AuthReqID(authReqID))
	now := ct.now()

	r, err := ct.store.get(ctx, authReqID)
	if err != nil {
		return oauth2.ErrInvalidGrant.WithCause(err)
	}
	if r.Expired(now) {
		return oauth2.ErrExpiredToken
	}
	if r.Status != StatusPending {
		return oauth2.ErrInvalidGrant.WithDetail("request already resolved")
	}

	if r.Mode == client.ModePush {
		// push: un solo CAS pending→delivered; los tokens salen por callback
		r.Status = StatusDelivered
		if err := ct.store.update(ctx, r, r.Version); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				metrics.CASConflicts.Inc()
				return oauth2.ErrInvalidGrant
			}
			return oauth2.ErrServerError.WithCause(err)
		}
		resp, err := ct.engine.FinalizeGrant(ctx, r.GrantID)
		if err != nil {
			return err
		}
		if err := ct.deliverPush(ctx, r, resp); err != nil {
			log.Warn("push delivery failed", logger.Err(err))
			return oauth2.ErrServerError.WithCause(err)
		}
		log.Info("tokens pushed to client callback", logger.ClientID(r.ClientID))
		audit.Log(ctx, audit.CIBAApproved, logger.AuthReqID(r.ID), logger.ClientID(r.ClientID), logger.GrantID(r.GrantID))
		return nil
	}

	r.Status = StatusAuthenticated
	if err := ct.store.update(ctx, r, r.Version); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			metrics.CASConflicts.Inc()
			return oauth2.ErrInvalidGrant
		}
		return oauth2.ErrServerError.WithCause(err)
	}

	if r.Mode == client.ModePing {
		if err := ct.notifyPing(ctx, r); err != nil {
			// el cliente igual puede descubrir el resultado por poll
			log.Warn("ping notification failed", logger.Err(err))
		}
	}
	log.Info("backchannel request approved", logger.ClientID(r.ClientID))
	audit.Log(ctx, audit.CIBAApproved, logger.AuthReqID(r.ID), logger.ClientID(r.ClientID), logger.GrantID(r.GrantID))
	return nil
}

// MarkDenied registra el rechazo del usuario.
func (ct *Controller) MarkDenied(ctx context.Context, authReqID string) error {
	log := logger.From(ctx).With(logger.Layer("ciba"), logger.Op("ciba.deny"), logger.AuthReqID(authReqID))
	now := ct.now()

	r, err := ct.store.get(ctx, authReqID)
	if err != nil {
		return oauth2.ErrInvalidGrant.WithCause(err)
	}
	if r.Expired(now) {
		return oauth2.ErrExpiredToken
	}
	if r.Status != StatusPending {
		return oauth2.ErrInvalidGrant.WithDetail("request already resolved")
	}

	r.Status = StatusDenied
	if err := ct.store.update(ctx, r, r.Version); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			metrics.CASConflicts.Inc()
			return oauth2.ErrInvalidGrant
		}
		return oauth2.ErrServerError.WithCause(err)
	}
	_ = ct.engine.Store().Revoke(ctx, r.GrantID)

	switch r.Mode {
	case client.ModePing:
		if err := ct.notifyPing(ctx, r); err != nil {
			log.Warn("ping notification failed", logger.Err(err))
		}
	case client.ModePush:
		if err := ct.notifyPushError(ctx, r, "access_denied", "the user denied the request"); err != nil {
			log.Warn("push error notification failed", logger.Err(err))
		}
	}
	log.Info("backchannel request denied", logger.ClientID(r.ClientID))
	audit.Log(ctx, audit.CIBADenied, logger.AuthReqID(r.ID), logger.ClientID(r.ClientID), logger.GrantID(r.GrantID))
	return nil
}

func (ct *Controller) deliverPush(ctx context.Context, r *Request, resp *grant.TokenResponse) error {
	endpoint, bearer, err := ct.callbackTarget(ctx, r)
	if err != nil {
		return err
	}
	return ct.notifier.Push(ctx, endpoint, bearer, r.ID, resp)
}

func (ct *Controller) notifyPing(ctx context.Context, r *Request) error {
	endpoint, bearer, err := ct.callbackTarget(ctx, r)
	if err != nil {
		return err
	}
	return ct.notifier.Ping(ctx, endpoint, bearer, r.ID)
}

func (ct *Controller) notifyPushError(ctx context.Context, r *Request, code, desc string) error {
	endpoint, bearer, err := ct.callbackTarget(ctx, r)
	if err != nil {
		return err
	}
	return ct.notifier.PushError(ctx, endpoint, bearer, r.ID, code, desc)
}

// sealToken cifra el notification token en reposo cuando hay SecretBox.
func (ct *Controller) sealToken(tok string) (string, error) {
	if ct.box == nil || tok == "" {
		return tok, nil
	}
	return ct.box.Encrypt(tok)
}

func (ct *Controller) openToken(tok string) (string, error) {
	if ct.box == nil || tok == "" {
		return tok, nil
	}
	return ct.box.Decrypt(tok)
}

func (ct *Controller) callbackTarget(ctx context.Context, r *Request) (endpoint, bearer string, err error) {
	c, err := ct.clients.Resolve(ctx, r.ClientID)
	if err != nil {
		return "", "", err
	}
	if c.BackchannelEndpoint == "" {
		return "", "", errors.New("ciba: client has no backchannel endpoint")
	}
	bearer, err = ct.openToken(r.NotificationToken)
	if err != nil {
		return "", "", err
	}
	return c.BackchannelEndpoint, bearer, nil
}

// outcome registra el resultado del poll en métricas y devuelve el error.
func (ct *Controller) outcome(label string, err error) error {
	metrics.CibaPolls.WithLabelValues(label).Inc()
	return err
}
