// Package token implementa la Token Factory: arma claims, firma con la
// clave activa del keystore y valida tokens en introspección.
package token

import (
	"time"

	"github.com/dropDatabas3/johngrant/internal/crypto"
	"github.com/dropDatabas3/johngrant/internal/oauth2"
)

// IssuedToken es el registro de un token emitido bajo un grant.
// El grant es su único dueño: muere con él.
type IssuedToken struct {
	ID       string           `json:"id"` // jti
	GrantID  string           `json:"grant_id"`
	Kind     oauth2.TokenKind `json:"kind"`
	Hash     string           `json:"hash"` // sha256-b64url del valor emitido
	Audience string           `json:"audience"`
	Scopes   []string         `json:"scopes"`

	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`

	Alg crypto.Alg `json:"alg,omitempty"` // vacío para refresh opacos
	KID string     `json:"kid,omitempty"`

	Revoked bool `json:"revoked,omitempty"`
}

// Active reporta si el token sigue vigente a la hora dada.
func (t *IssuedToken) Active(now time.Time) bool {
	return !t.Revoked && now.Before(t.ExpiresAt)
}

// IssueSpec describe el token a emitir. El engine arma el spec desde el
// grant; la factory no conoce grants.
type IssueSpec struct {
	GrantID  string
	Kind     oauth2.TokenKind
	Subject  string
	ClientID string
	Audience string
	Scopes   []string

	// Alg es la preferencia del cliente; vacío usa el default del servidor.
	Alg crypto.Alg

	// TTL cero usa el default por kind.
	TTL time.Duration

	// Claims de ID token.
	Nonce    string
	ACR      string
	AuthTime time.Time
	AMR      []string
	// AccessToken permite calcular at_hash en ID tokens.
	AccessToken string

	// Extra se mergea al claim set (ej: "permissions" de un RPT).
	Extra map[string]any
}

// Claims es el resultado de validar un token estructurado.
type Claims struct {
	ID       string // jti
	GrantID  string
	Subject  string
	ClientID string
	Audience string
	Scopes   []string
	Kind     oauth2.TokenKind

	IssuedAt  time.Time
	ExpiresAt time.Time

	KID   string
	Nonce string
	ACR   string

	// Raw expone el claim set completo para claims no estándar.
	Raw map[string]any
}
