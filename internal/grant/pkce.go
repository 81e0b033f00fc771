package grant

import (
	"crypto/subtle"

	"github.com/dropDatabas3/johngrant/internal/token"
)

// Métodos PKCE soportados (RFC 7636).
const (
	PKCEPlain = "plain"
	PKCES256  = "S256"
)

// ValidChallengeMethod reporta si el método declarado es conocido.
func ValidChallengeMethod(m string) bool {
	return m == PKCEPlain || m == PKCES256
}

// VerifyCodeChallenge chequea el code_verifier contra el challenge
// almacenado según el método declarado:
//   - plain: comparación directa
//   - S256:  base64url-no-pad(SHA-256(verifier)) == challenge
//
// Comparación en tiempo constante en ambos casos.
func VerifyCodeChallenge(method, verifier, challenge string) bool {
	if verifier == "" || challenge == "" {
		return false
	}
	var derived string
	switch method {
	case PKCEPlain:
		derived = verifier
	case PKCES256:
		derived = token.SHA256Base64URL(verifier)
	default:
		return false
	}
	return subtle.ConstantTimeCompare([]byte(derived), []byte(challenge)) == 1
}
