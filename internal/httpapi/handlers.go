package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/dropDatabas3/johngrant/internal/audit"
	"github.com/dropDatabas3/johngrant/internal/ciba"
	"github.com/dropDatabas3/johngrant/internal/client"
	"github.com/dropDatabas3/johngrant/internal/grant"
	"github.com/dropDatabas3/johngrant/internal/oauth2"
	"github.com/dropDatabas3/johngrant/internal/observability/logger"
	"github.com/dropDatabas3/johngrant/internal/uma"
)

// handleAuthorize atiende POST /oauth2/authorize/grant: el front de
// login (que ya autenticó al subject) pide un authorization code.
// No es el authorization endpoint del browser; la UI vive afuera.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ClientID            string   `json:"client_id"`
		Subject             string   `json:"subject"`
		Scopes              []string `json:"scopes"`
		RedirectURI         string   `json:"redirect_uri"`
		CodeChallenge       string   `json:"code_challenge"`
		CodeChallengeMethod string   `json:"code_challenge_method"`
		Nonce               string   `json:"nonce"`
		ACR                 string   `json:"acr"`
		AMR                 []string `json:"amr"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&body); err != nil {
		writeError(w, r, oauth2.ErrInvalidRequest.WithDetail("invalid JSON body"))
		return
	}
	code, err := s.engine.CreateAuthorizationCode(r.Context(), grant.AuthorizeRequest{
		ClientID:            body.ClientID,
		Subject:             body.Subject,
		Scopes:              body.Scopes,
		RedirectURI:         body.RedirectURI,
		CodeChallenge:       body.CodeChallenge,
		CodeChallengeMethod: body.CodeChallengeMethod,
		Nonce:               body.Nonce,
		ACR:                 body.ACR,
		AMR:                 body.AMR,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeTokenJSON(w, http.StatusCreated, map[string]string{"code": code})
}

// handleIntrospect atiende POST /oauth2/introspect (RFC 7662).
// Lectura pura: nunca muta estado ni falla por token desconocido.
func (s *Server) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	if err := r.ParseForm(); err != nil {
		writeError(w, r, oauth2.ErrInvalidRequest.WithDetail("invalid form data"))
		return
	}
	clientID, clientSecret := clientAuth(r)
	if _, err := s.authClient(r, clientID, clientSecret); err != nil {
		writeError(w, r, err)
		return
	}
	token := strings.TrimSpace(r.PostForm.Get("token"))
	if token == "" {
		writeError(w, r, oauth2.ErrInvalidRequest.WithDetail("token required"))
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Introspect(r.Context(), token))
}

// handleRevoke atiende POST /oauth2/revoke (RFC 7009). Token
// desconocido responde 200 igual: revocar algo inexistente es éxito.
func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	if err := r.ParseForm(); err != nil {
		writeError(w, r, oauth2.ErrInvalidRequest.WithDetail("invalid form data"))
		return
	}
	clientID, clientSecret := clientAuth(r)
	if _, err := s.authClient(r, clientID, clientSecret); err != nil {
		writeError(w, r, err)
		return
	}
	token := strings.TrimSpace(r.PostForm.Get("token"))
	if token == "" {
		writeError(w, r, oauth2.ErrInvalidRequest.WithDetail("token required"))
		return
	}
	if err := s.engine.Revoke(r.Context(), token); err != nil {
		writeError(w, r, err)
		return
	}
	audit.Log(r.Context(), audit.TokenRevoked, logger.ClientID(clientID))
	w.WriteHeader(http.StatusOK)
}

// handleBackchannelAuthorize atiende POST /oauth2/bc-authorize.
func (s *Server) handleBackchannelAuthorize(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	if err := r.ParseForm(); err != nil {
		writeError(w, r, oauth2.ErrInvalidRequest.WithDetail("invalid form data"))
		return
	}
	clientID, clientSecret := clientAuth(r)

	var requestedExpiry time.Duration
	if v := strings.TrimSpace(r.PostForm.Get("requested_expiry")); v != "" {
		secs, err := parseSeconds(v)
		if err != nil {
			writeError(w, r, oauth2.ErrInvalidRequest.WithDetail("requested_expiry must be a positive integer"))
			return
		}
		requestedExpiry = secs
	}

	resp, err := s.ciba.Create(r.Context(), ciba.CreateRequest{
		ClientID:                clientID,
		ClientSecret:            clientSecret,
		LoginHint:               strings.TrimSpace(r.PostForm.Get("login_hint")),
		Scope:                   strings.TrimSpace(r.PostForm.Get("scope")),
		BindingMessage:          strings.TrimSpace(r.PostForm.Get("binding_message")),
		RequestedExpiry:         requestedExpiry,
		ClientNotificationToken: strings.TrimSpace(r.PostForm.Get("client_notification_token")),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeTokenJSON(w, http.StatusOK, resp)
}

// handleBackchannelComplete atiende el callback del authentication
// device: POST /backchannel/{authReqID}/complete con {"action": ...}.
func (s *Server) handleBackchannelComplete(w http.ResponseWriter, r *http.Request, authReqID string) {
	var body struct {
		Action string `json:"action"` // approve | deny
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&body); err != nil {
		writeError(w, r, oauth2.ErrInvalidRequest.WithDetail("invalid JSON body"))
		return
	}

	var err error
	switch body.Action {
	case "approve":
		err = s.ciba.MarkAuthenticated(r.Context(), authReqID)
	case "deny":
		err = s.ciba.MarkDenied(r.Context(), authReqID)
	default:
		writeError(w, r, oauth2.ErrInvalidRequest.WithDetail("action must be approve or deny"))
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handlePermission atiende el permission endpoint UMA: el resource
// server registra los permisos que le faltan al requesting party.
func (s *Server) handlePermission(w http.ResponseWriter, r *http.Request) {
	clientID, clientSecret := clientAuth(r)

	var body struct {
		Owner       string           `json:"owner"`
		Permissions []uma.Permission `json:"permissions"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&body); err != nil {
		writeError(w, r, oauth2.ErrInvalidRequest.WithDetail("invalid JSON body"))
		return
	}

	ticket, err := s.uma.RegisterPermission(r.Context(), uma.RegisterRequest{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Owner:        body.Owner,
		Permissions:  body.Permissions,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	audit.Log(r.Context(), audit.UMATicketIssued, logger.ClientID(clientID), logger.String("owner", body.Owner))
	writeJSON(w, http.StatusCreated, map[string]string{"ticket": ticket})
}

// handleJWKS publica las claves de verificación vigentes (activas y en
// retiro); las retiradas no se publican.
func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	data, err := s.keys.JWKSJSON()
	if err != nil {
		writeError(w, r, oauth2.ErrServerError.WithCause(err))
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "public, max-age=60")
	_, _ = w.Write(data)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// authClient autentica al cliente para endpoints auxiliares
// (introspección / revocación).
func (s *Server) authClient(r *http.Request, clientID, clientSecret string) (*client.Client, error) {
	c, err := s.clients.Resolve(r.Context(), clientID)
	if err != nil {
		return nil, oauth2.ErrInvalidClient.WithCause(err)
	}
	if !c.Authenticate(clientSecret) {
		logger.From(r.Context()).Warn("client authentication failed", logger.ClientID(clientID))
		return nil, oauth2.ErrInvalidClient
	}
	return c, nil
}

// parseClaimToken decodifica un claim_token base64url(JSON). Formatos
// no decodificables se ignoran: la política pedirá lo que falte.
func parseClaimToken(raw string) map[string]any {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	data, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		if data, err = base64.StdEncoding.DecodeString(raw); err != nil {
			return nil
		}
	}
	var claims map[string]any
	if err := json.Unmarshal(data, &claims); err != nil {
		return nil
	}
	return claims
}

func parseSeconds(v string) (time.Duration, error) {
	n, err := time.ParseDuration(v + "s")
	if err != nil || n <= 0 {
		return 0, oauth2.ErrInvalidRequest
	}
	return n, nil
}
