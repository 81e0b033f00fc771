// Package grant implementa el ciclo de vida de authorization grants:
// el modelo, el state store versionado (CAS) y el engine que aplica las
// reglas de emisión por grant type.
package grant

import (
	"time"

	"github.com/dropDatabas3/johngrant/internal/oauth2"
	"github.com/dropDatabas3/johngrant/internal/token"
)

// CodeInfo es el authorization code de un grant (un solo uso).
type CodeInfo struct {
	Hash            string    `json:"hash"` // sha256-b64url del code emitido
	RedirectURI     string    `json:"redirect_uri"`
	Challenge       string    `json:"challenge,omitempty"`
	ChallengeMethod string    `json:"challenge_method,omitempty"` // "plain" | "S256"
	Nonce           string    `json:"nonce,omitempty"`
	ExpiresAt       time.Time `json:"expires_at"`
	Consumed        bool      `json:"consumed"`
}

// Grant es la entidad central: autoriza la emisión de tokens para un
// cliente/subject/scopes. Todos los identificadores emitidos (code,
// access, refresh) resuelven a este registro.
type Grant struct {
	ID       string           `json:"id"`
	Type     oauth2.GrantType `json:"type"`
	ClientID string           `json:"client_id"`
	Subject  string           `json:"subject"`

	Scopes   []string  `json:"scopes"`
	ACR      string    `json:"acr,omitempty"`
	AMR      []string  `json:"amr,omitempty"`
	AuthTime time.Time `json:"auth_time,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`

	Revoked bool      `json:"revoked"`
	Code    *CodeInfo `json:"code,omitempty"`

	// Tokens emitidos bajo este grant (back-references).
	Tokens []token.IssuedToken `json:"tokens,omitempty"`

	// Extra se propaga a los claims de todos los tokens del grant
	// (ej: "permissions" de un RPT UMA).
	Extra map[string]any `json:"extra,omitempty"`

	// Version es el contador CAS; vive en el storage record.
	Version int64 `json:"-"`
}

// Expired reporta si el grant ya venció a la hora dada.
func (g *Grant) Expired(now time.Time) bool {
	return !g.ExpiresAt.IsZero() && !now.Before(g.ExpiresAt)
}

// Usable reporta si el grant admite emisión de tokens.
func (g *Grant) Usable(now time.Time) bool {
	return !g.Revoked && !g.Expired(now)
}

// TokenByHash localiza la back-reference de un token por su hash.
func (g *Grant) TokenByHash(hash string) *token.IssuedToken {
	for i := range g.Tokens {
		if g.Tokens[i].Hash == hash {
			return &g.Tokens[i]
		}
	}
	return nil
}

// TokenByID localiza la back-reference por jti.
func (g *Grant) TokenByID(jti string) *token.IssuedToken {
	for i := range g.Tokens {
		if g.Tokens[i].ID == jti {
			return &g.Tokens[i]
		}
	}
	return nil
}

// RevokeTokens marca todas las back-references como revocadas.
func (g *Grant) RevokeTokens() {
	for i := range g.Tokens {
		g.Tokens[i].Revoked = true
	}
}
