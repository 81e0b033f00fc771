package httpapi

import (
	"net/http"
	"strings"

	"github.com/dropDatabas3/johngrant/internal/audit"
	"github.com/dropDatabas3/johngrant/internal/grant"
	"github.com/dropDatabas3/johngrant/internal/oauth2"
	"github.com/dropDatabas3/johngrant/internal/observability/logger"
	"github.com/dropDatabas3/johngrant/internal/uma"
)

// clientAuth extrae las credenciales del cliente: Basic primero
// (client_secret_basic), después el form (client_secret_post / none).
func clientAuth(r *http.Request) (id, secret string) {
	if u, p, ok := r.BasicAuth(); ok {
		return u, p
	}
	return strings.TrimSpace(r.PostForm.Get("client_id")),
		strings.TrimSpace(r.PostForm.Get("client_secret"))
}

// handleToken atiende POST /oauth2/token y despacha por grant_type.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.From(ctx).With(logger.Layer("http"), logger.Op("oauth.token"))

	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	if err := r.ParseForm(); err != nil {
		log.Warn("failed to parse form", logger.Err(err))
		writeError(w, r, oauth2.ErrInvalidRequest.WithDetail("invalid form data"))
		return
	}

	grantType := strings.TrimSpace(r.PostForm.Get("grant_type"))
	clientID, clientSecret := clientAuth(r)

	var resp *grant.TokenResponse
	var err error

	switch oauth2.GrantType(grantType) {
	case oauth2.GrantAuthorizationCode:
		resp, err = s.engine.ExchangeAuthorizationCode(ctx, grant.AuthCodeRequest{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Code:         strings.TrimSpace(r.PostForm.Get("code")),
			RedirectURI:  strings.TrimSpace(r.PostForm.Get("redirect_uri")),
			CodeVerifier: strings.TrimSpace(r.PostForm.Get("code_verifier")),
		})

	case oauth2.GrantRefreshToken:
		resp, err = s.engine.ExchangeRefreshToken(ctx, grant.RefreshRequest{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RefreshToken: strings.TrimSpace(r.PostForm.Get("refresh_token")),
			Scope:        strings.TrimSpace(r.PostForm.Get("scope")),
		})

	case oauth2.GrantClientCredentials:
		resp, err = s.engine.ExchangeClientCredentials(ctx, grant.ClientCredentialsRequest{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Scope:        strings.TrimSpace(r.PostForm.Get("scope")),
		})

	case oauth2.GrantPassword:
		resp, err = s.engine.ExchangePassword(ctx, grant.PasswordRequest{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Username:     strings.TrimSpace(r.PostForm.Get("username")),
			Password:     r.PostForm.Get("password"),
			Scope:        strings.TrimSpace(r.PostForm.Get("scope")),
		})

	case oauth2.GrantCIBA:
		resp, err = s.ciba.Poll(ctx, clientID, clientSecret,
			strings.TrimSpace(r.PostForm.Get("auth_req_id")))

	case oauth2.GrantUMATicket:
		s.handleUMAGrant(w, r, clientID, clientSecret)
		return

	default:
		writeJSON(w, http.StatusBadRequest, &oauth2.Error{
			Code:        "unsupported_grant_type",
			Description: "grant type not supported",
		})
		return
	}

	if err != nil {
		writeError(w, r, err)
		return
	}
	audit.Log(ctx, audit.TokenGranted, logger.ClientID(clientID), logger.GrantType(grantType))
	writeTokenJSON(w, http.StatusOK, resp)
}

// handleUMAGrant procesa grant_type uma-ticket: puede terminar en RPT,
// en need_info (faltan claims) o en request_denied.
func (s *Server) handleUMAGrant(w http.ResponseWriter, r *http.Request, clientID, clientSecret string) {
	ctx := r.Context()

	requestingParty := strings.TrimSpace(r.PostForm.Get("requesting_party"))
	if requestingParty == "" {
		// sin claim token el requesting party es el cliente mismo
		requestingParty = clientID
	}

	resp, err := s.uma.RequestRPT(ctx, uma.RPTRequest{
		ClientID:        clientID,
		ClientSecret:    clientSecret,
		Ticket:          strings.TrimSpace(r.PostForm.Get("ticket")),
		RequestingParty: requestingParty,
		Claims:          parseClaimToken(r.PostForm.Get("claim_token")),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if resp.NeedsClaims {
		// need_info: el cliente re-presenta el mismo ticket con más claims
		writeJSON(w, http.StatusForbidden, map[string]any{
			"error":           "need_info",
			"ticket":          resp.Ticket,
			"redirect_user":   resp.RedirectURI,
			"required_claims": resp.RequiredClaims,
		})
		return
	}
	audit.Log(ctx, audit.UMARPTIssued, logger.ClientID(clientID), logger.Subject(requestingParty))
	writeTokenJSON(w, http.StatusOK, resp)
}
