// Package oauth2 contiene el vocabulario compartido del protocolo:
// grant types, token kinds y la taxonomía única de errores.
//
// Todos los componentes (engine, ciba, uma, token) referencian estos tipos;
// no hay definiciones duplicadas por módulo.
package oauth2

// GrantType identifica el tipo de authorization grant.
type GrantType string

const (
	GrantAuthorizationCode GrantType = "authorization_code"
	GrantImplicit          GrantType = "implicit"
	GrantClientCredentials GrantType = "client_credentials"
	GrantPassword          GrantType = "password"
	GrantRefreshToken      GrantType = "refresh_token"
	GrantCIBA              GrantType = "urn:openid:params:grant-type:ciba"
	GrantUMATicket         GrantType = "urn:ietf:params:oauth:grant-type:uma-ticket"
)

// Valid reporta si gt es uno de los grant types conocidos.
func (gt GrantType) Valid() bool {
	switch gt {
	case GrantAuthorizationCode, GrantImplicit, GrantClientCredentials,
		GrantPassword, GrantRefreshToken, GrantCIBA, GrantUMATicket:
		return true
	}
	return false
}

// TokenKind identifica la clase de token emitido bajo un grant.
type TokenKind string

const (
	KindAccess  TokenKind = "access_token"
	KindRefresh TokenKind = "refresh_token"
	KindID      TokenKind = "id_token"
	KindRPT     TokenKind = "rpt"
)

// Scopes con semántica especial en emisión.
const (
	ScopeOpenID  = "openid"
	ScopeOffline = "offline_access"
)
