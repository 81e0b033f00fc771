package ciba

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/johngrant/internal/client"
	"github.com/dropDatabas3/johngrant/internal/crypto"
	"github.com/dropDatabas3/johngrant/internal/grant"
	"github.com/dropDatabas3/johngrant/internal/oauth2"
	"github.com/dropDatabas3/johngrant/internal/storage/memory"
	"github.com/dropDatabas3/johngrant/internal/token"
)

// fakeNotifier registra las notificaciones entregadas.
type fakeNotifier struct {
	mu     sync.Mutex
	pings  []string
	pushes []*grant.TokenResponse
	errs   []string
}

func (n *fakeNotifier) Ping(_ context.Context, _, _, authReqID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pings = append(n.pings, authReqID)
	return nil
}

func (n *fakeNotifier) Push(_ context.Context, _, _, _ string, tokens *grant.TokenResponse) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pushes = append(n.pushes, tokens)
	return nil
}

func (n *fakeNotifier) PushError(_ context.Context, _, _, _, code, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errs = append(n.errs, code)
	return nil
}

type cibaFixture struct {
	ctrl     *Controller
	notifier *fakeNotifier
	now      *time.Time
}

func newCIBAFixture(t *testing.T, mode client.BackchannelMode) *cibaFixture {
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
		ClientID:   "device",
		Type:       client.TypePublic,
		AuthMethod: client.AuthNone,
		GrantTypes: []oauth2.GrantType{oauth2.GrantCIBA},
		Scopes:     []string{"openid", "profile"},
		Backchannel:         mode,
		BackchannelEndpoint: "https://device.test/cb",
	})

	backend := memory.New()
	store := grant.NewStore(backend)
	engine := grant.NewEngine(grant.Deps{
		Store:   store,
		Clients: registry,
		Factory: factory,
		Now:     func() time.Time { return now },
	})

	notifier := &fakeNotifier{}
	ctrl := NewController(Deps{
		Backend:         backend,
		Clients:         registry,
		Engine:          engine,
		Notifier:        notifier,
		DefaultInterval: 5 * time.Second,
		MaxLifetime:     10 * time.Minute,
		Now:             func() time.Time { return now },
	})
	return &cibaFixture{ctrl: ctrl, notifier: notifier, now: &now}
}

func (f *cibaFixture) create(t *testing.T, req CreateRequest) *CreateResponse {
	t.Helper()
	if req.ClientID == "" {
		req.ClientID = "device"
	}
	if req.LoginHint == "" {
		req.LoginHint = "user-1"
	}
	resp, err := f.ctrl.Create(context.Background(), req)
	require.NoError(t, err)
	return resp
}

func (f *cibaFixture) poll(authReqID string) (*grant.TokenResponse, error) {
	return f.ctrl.Poll(context.Background(), "device", "", authReqID)
}

// Línea de tiempo completa del modo poll, incluida la regla de que un
// poll penalizado con slow_down también corre la marca de último poll.
func TestPollTimeline(t *testing.T) {
	f := newCIBAFixture(t, client.ModePoll)
	resp := f.create(t, CreateRequest{Scope: "openid profile"})
	require.Equal(t, int64(5), resp.Interval)

	// t=0: primer poll, pendiente
	_, err := f.poll(resp.AuthReqID)
	require.ErrorIs(t, err, oauth2.ErrAuthorizationPending)

	// t=2: dentro del intervalo → slow_down (y corre la marca a t=2)
	*f.now = f.now.Add(2 * time.Second)
	_, err = f.poll(resp.AuthReqID)
	require.ErrorIs(t, err, oauth2.ErrSlowDown)

	// t=3: el usuario aprueba en su dispositivo
	*f.now = f.now.Add(1 * time.Second)
	require.NoError(t, f.ctrl.MarkAuthenticated(context.Background(), resp.AuthReqID))

	// t=6: 4s desde el último poll (t=2) → sigue penalizado
	*f.now = f.now.Add(3 * time.Second)
	_, err = f.poll(resp.AuthReqID)
	require.ErrorIs(t, err, oauth2.ErrSlowDown)

	// t=12: intervalo respetado → tokens
	*f.now = f.now.Add(6 * time.Second)
	tokens, err := f.poll(resp.AuthReqID)
	require.NoError(t, err)
	require.NotEmpty(t, tokens.AccessToken)
	require.NotEmpty(t, tokens.IDToken)

	// t=18: entrega única, el auth_req_id ya no vale
	*f.now = f.now.Add(6 * time.Second)
	_, err = f.poll(resp.AuthReqID)
	require.ErrorIs(t, err, oauth2.ErrInvalidGrant)
}

func TestPollDenied(t *testing.T) {
	f := newCIBAFixture(t, client.ModePoll)
	resp := f.create(t, CreateRequest{})

	require.NoError(t, f.ctrl.MarkDenied(context.Background(), resp.AuthReqID))

	*f.now = f.now.Add(6 * time.Second)
	_, err := f.poll(resp.AuthReqID)
	require.ErrorIs(t, err, oauth2.ErrAccessDenied)
}

func TestExpiryIsMinOfRequestedAndServerMax(t *testing.T) {
	f := newCIBAFixture(t, client.ModePoll)

	short := f.create(t, CreateRequest{RequestedExpiry: 30 * time.Second})
	require.Equal(t, int64(30), short.ExpiresIn)

	long := f.create(t, CreateRequest{RequestedExpiry: time.Hour})
	require.Equal(t, int64(600), long.ExpiresIn, "server max caps the requested expiry")
}

func TestPollExpired(t *testing.T) {
	f := newCIBAFixture(t, client.ModePoll)
	resp := f.create(t, CreateRequest{RequestedExpiry: 30 * time.Second})

	*f.now = f.now.Add(time.Minute)
	_, err := f.poll(resp.AuthReqID)
	require.ErrorIs(t, err, oauth2.ErrExpiredToken)

	// un request vencido tampoco puede aprobarse
	err = f.ctrl.MarkAuthenticated(context.Background(), resp.AuthReqID)
	require.ErrorIs(t, err, oauth2.ErrExpiredToken)
}

func TestPingNotifiesThenDelivers(t *testing.T) {
	f := newCIBAFixture(t, client.ModePing)
	resp := f.create(t, CreateRequest{ClientNotificationToken: "bearer-1"})

	require.NoError(t, f.ctrl.MarkAuthenticated(context.Background(), resp.AuthReqID))
	require.Len(t, f.notifier.pings, 1)
	require.Equal(t, resp.AuthReqID, f.notifier.pings[0])

	tokens, err := f.poll(resp.AuthReqID)
	require.NoError(t, err)
	require.NotEmpty(t, tokens.AccessToken)
}

func TestPushDeliversViaCallback(t *testing.T) {
	f := newCIBAFixture(t, client.ModePush)
	resp := f.create(t, CreateRequest{ClientNotificationToken: "bearer-1"})
	require.Zero(t, resp.Interval, "push clients get no poll interval")

	// push: el token endpoint rechaza polls de este request
	_, err := f.poll(resp.AuthReqID)
	require.ErrorIs(t, err, oauth2.ErrInvalidRequest)

	require.NoError(t, f.ctrl.MarkAuthenticated(context.Background(), resp.AuthReqID))
	require.Len(t, f.notifier.pushes, 1)
	require.NotEmpty(t, f.notifier.pushes[0].AccessToken)

	// la aprobación es one-shot
	err = f.ctrl.MarkAuthenticated(context.Background(), resp.AuthReqID)
	require.ErrorIs(t, err, oauth2.ErrInvalidGrant)
}

func TestPushDeniedNotifiesError(t *testing.T) {
	f := newCIBAFixture(t, client.ModePush)
	resp := f.create(t, CreateRequest{ClientNotificationToken: "bearer-1"})

	require.NoError(t, f.ctrl.MarkDenied(context.Background(), resp.AuthReqID))
	require.Len(t, f.notifier.errs, 1)
	require.Equal(t, "access_denied", f.notifier.errs[0])
}

func TestCreateValidations(t *testing.T) {
	f := newCIBAFixture(t, client.ModePing)

	// ping/push sin client_notification_token
	_, err := f.ctrl.Create(context.Background(), CreateRequest{
		ClientID:  "device",
		LoginHint: "user-1",
	})
	require.ErrorIs(t, err, oauth2.ErrInvalidRequest)

	// scope fuera de los registrados
	_, err = f.ctrl.Create(context.Background(), CreateRequest{
		ClientID:                "device",
		LoginHint:               "user-1",
		Scope:                   "admin",
		ClientNotificationToken: "b",
	})
	require.ErrorIs(t, err, oauth2.ErrInvalidScope)

	// cliente desconocido
	_, err = f.ctrl.Create(context.Background(), CreateRequest{
		ClientID:  "ghost",
		LoginHint: "user-1",
	})
	require.ErrorIs(t, err, oauth2.ErrInvalidClient)
}
