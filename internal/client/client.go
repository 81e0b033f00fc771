// Package client define la metadata de clientes OAuth y el registro
// que la resuelve. La metadata es inmutable por request.
package client

import (
	"time"

	"github.com/dropDatabas3/johngrant/internal/crypto"
	"github.com/dropDatabas3/johngrant/internal/oauth2"
)

// Type distingue clientes confidenciales de públicos.
type Type string

const (
	TypeConfidential Type = "confidential"
	TypePublic       Type = "public"
)

// AuthMethod es el método de autenticación registrado del cliente.
type AuthMethod string

const (
	AuthSecretBasic AuthMethod = "client_secret_basic"
	AuthSecretPost  AuthMethod = "client_secret_post"
	AuthNone        AuthMethod = "none" // público + PKCE
)

// BackchannelMode es el modo de entrega CIBA registrado.
type BackchannelMode string

const (
	ModePoll BackchannelMode = "poll"
	ModePing BackchannelMode = "ping"
	ModePush BackchannelMode = "push"
)

// Client es la metadata resuelta por el registro.
type Client struct {
	ClientID   string
	Name       string
	Type       Type
	AuthMethod AuthMethod

	// SecretHash es el PHC argon2id del client secret (nunca el secreto plano).
	SecretHash string

	GrantTypes   []oauth2.GrantType
	RedirectURIs []string
	Scopes       []string

	RequirePKCE bool

	// TokenAlg es la preferencia de firma; vacío = default del servidor.
	TokenAlg crypto.Alg

	// TTLs por cliente; cero = default del servidor.
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	IDTokenTTL      time.Duration

	// CIBA
	Backchannel         BackchannelMode
	BackchannelEndpoint string // callback para ping/push
}

// AllowsGrant reporta si el grant type está permitido para el cliente.
// Sin grant types configurados no se permite nada (deny by default).
func (c *Client) AllowsGrant(gt oauth2.GrantType) bool {
	for _, g := range c.GrantTypes {
		if g == gt {
			return true
		}
	}
	return false
}

// AllowsRedirect exige match exacto contra las URIs registradas.
func (c *Client) AllowsRedirect(uri string) bool {
	for _, u := range c.RedirectURIs {
		if u == uri {
			return true
		}
	}
	return false
}

// Authenticate valida las credenciales presentadas según el método
// registrado. Para AuthNone no hay secreto (la prueba es PKCE).
func (c *Client) Authenticate(secret string) bool {
	switch c.AuthMethod {
	case AuthNone:
		return secret == ""
	case AuthSecretBasic, AuthSecretPost:
		if c.SecretHash == "" {
			return false
		}
		return VerifySecret(secret, c.SecretHash)
	default:
		return false
	}
}
