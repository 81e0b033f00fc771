package token

import (
	"errors"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"

	"github.com/dropDatabas3/johngrant/internal/crypto"
	"github.com/dropDatabas3/johngrant/internal/oauth2"
)

// Validate verifica firma, expiración y audiencia de un token
// estructurado. Lectura pura: la revocación es una operación aparte.
// expectedAudience vacío omite el chequeo de audiencia.
func (f *Factory) Validate(tokenValue, expectedAudience string) (*Claims, error) {
	parsed, err := jwtv5.Parse(tokenValue, f.keyfunc(),
		jwtv5.WithValidMethods([]string{string(crypto.AlgEdDSA), string(crypto.AlgES256)}),
		jwtv5.WithIssuer(f.iss),
		jwtv5.WithTimeFunc(f.now),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwtv5.ErrTokenExpired):
			return nil, oauth2.ErrTokenExpired.WithCause(err)
		case errors.Is(err, crypto.ErrKIDNotFound):
			return nil, oauth2.ErrKeyUnavailable.WithCause(err)
		default:
			return nil, oauth2.ErrTokenInvalidSignature.WithCause(err)
		}
	}

	mc, ok := parsed.Claims.(jwtv5.MapClaims)
	if !ok || !parsed.Valid {
		return nil, oauth2.ErrTokenInvalidSignature
	}

	aud := claimString(mc, "aud")
	if expectedAudience != "" && aud != expectedAudience {
		return nil, oauth2.ErrAudienceMismatch.WithDetail(aud)
	}

	kid, _ := parsed.Header["kid"].(string)
	c := &Claims{
		ID:       claimString(mc, "jti"),
		GrantID:  claimString(mc, "gid"),
		Subject:  claimString(mc, "sub"),
		ClientID: claimString(mc, "client_id"),
		Audience: aud,
		Scopes:   oauth2.ParseScopes(claimString(mc, "scope")),
		Kind:     oauth2.TokenKind(claimString(mc, "token_use")),
		KID:      kid,
		Nonce:    claimString(mc, "nonce"),
		ACR:      claimString(mc, "acr"),
		Raw:      map[string]any(mc),
	}
	if v, ok := mc["exp"].(float64); ok {
		c.ExpiresAt = time.Unix(int64(v), 0).UTC()
	}
	if v, ok := mc["iat"].(float64); ok {
		c.IssuedAt = time.Unix(int64(v), 0).UTC()
	}
	return c, nil
}

func claimString(mc jwtv5.MapClaims, key string) string {
	v, _ := mc[key].(string)
	return v
}
