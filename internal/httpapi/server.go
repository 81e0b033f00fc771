// Package httpapi expone el engine por HTTP: token endpoint con todos
// los grant types, introspección, revocación, backchannel CIBA,
// permission endpoint UMA, JWKS y métricas.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dropDatabas3/johngrant/internal/ciba"
	"github.com/dropDatabas3/johngrant/internal/client"
	"github.com/dropDatabas3/johngrant/internal/crypto"
	"github.com/dropDatabas3/johngrant/internal/grant"
	"github.com/dropDatabas3/johngrant/internal/rate"
	"github.com/dropDatabas3/johngrant/internal/uma"
)

// Deps contiene las dependencias del server.
type Deps struct {
	Engine  *grant.Engine
	CIBA    *ciba.Controller
	UMA     *uma.Controller
	Keys    *crypto.Keystore
	Clients client.Registry

	// Limiter protege los endpoints de emisión. Nil = sin límite.
	Limiter rate.Limiter
}

// Server es el facade HTTP. Stateless: todo vive en las dependencias.
type Server struct {
	engine  *grant.Engine
	ciba    *ciba.Controller
	uma     *uma.Controller
	keys    *crypto.Keystore
	clients client.Registry
	limiter rate.Limiter
}

func NewServer(d Deps) *Server {
	return &Server{
		engine:  d.Engine,
		ciba:    d.CIBA,
		uma:     d.UMA,
		keys:    d.Keys,
		clients: d.Clients,
		limiter: d.Limiter,
	}
}

// Router arma el árbol de rutas con los middlewares base.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(withRequestID)
	r.Use(withLogging)
	r.Use(withSecurityHeaders)

	r.Post("/oauth2/authorize/grant", s.handleAuthorize)

	// sólo los endpoints de emisión pasan por el limiter
	r.Group(func(g chi.Router) {
		g.Use(withRateLimit(s.limiter))
		g.Post("/oauth2/token", s.handleToken)
		g.Post("/oauth2/bc-authorize", s.handleBackchannelAuthorize)
	})

	r.Post("/oauth2/introspect", s.handleIntrospect)
	r.Post("/oauth2/revoke", s.handleRevoke)

	// callback del authentication device (aprueba o rechaza)
	r.Post("/backchannel/{authReqID}/complete", func(w http.ResponseWriter, req *http.Request) {
		s.handleBackchannelComplete(w, req, chi.URLParam(req, "authReqID"))
	})

	r.Post("/uma/permission", s.handlePermission)

	r.Get("/.well-known/jwks.json", s.handleJWKS)
	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// Start levanta el listener y apaga prolijo cuando el contexto cae.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
