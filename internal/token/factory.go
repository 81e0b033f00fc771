package token

import (
	"errors"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/dropDatabas3/johngrant/internal/crypto"
	"github.com/dropDatabas3/johngrant/internal/oauth2"
)

// Deps contiene las dependencias de la factory.
type Deps struct {
	Issuer     string // "iss"
	Keys       *crypto.Keystore
	DefaultAlg crypto.Alg

	AccessTTL  time.Duration
	RefreshTTL time.Duration
	IDTTL      time.Duration
	RPTTTL     time.Duration

	// Now permite inyectar el reloj en tests.
	Now func() time.Time
}

// Factory emite y valida tokens usando la clave activa del keystore.
type Factory struct {
	iss        string
	keys       *crypto.Keystore
	defaultAlg crypto.Alg

	accessTTL  time.Duration
	refreshTTL time.Duration
	idTTL      time.Duration
	rptTTL     time.Duration

	now func() time.Time
}

func NewFactory(d Deps) *Factory {
	f := &Factory{
		iss:        d.Issuer,
		keys:       d.Keys,
		defaultAlg: d.DefaultAlg,
		accessTTL:  d.AccessTTL,
		refreshTTL: d.RefreshTTL,
		idTTL:      d.IDTTL,
		rptTTL:     d.RPTTTL,
		now:        d.Now,
	}
	if f.defaultAlg == "" {
		f.defaultAlg = crypto.AlgEdDSA
	}
	if f.accessTTL <= 0 {
		f.accessTTL = 15 * time.Minute
	}
	if f.refreshTTL <= 0 {
		f.refreshTTL = 30 * 24 * time.Hour
	}
	if f.idTTL <= 0 {
		f.idTTL = f.accessTTL
	}
	if f.rptTTL <= 0 {
		f.rptTTL = time.Hour
	}
	if f.now == nil {
		f.now = func() time.Time { return time.Now().UTC() }
	}
	return f
}

// Issue emite el token descripto por el spec y devuelve el valor junto
// con su registro. Refresh tokens son opacos; el resto JWS firmados con
// la clave activa del algoritmo elegido (el kid viaja en el header para
// que la verificación resuelva la clave histórica exacta tras rotación).
func (f *Factory) Issue(spec IssueSpec) (string, *IssuedToken, error) {
	now := f.now()
	ttl := spec.TTL
	if ttl <= 0 {
		ttl = f.defaultTTL(spec.Kind)
	}
	exp := now.Add(ttl)

	rec := &IssuedToken{
		ID:        uuid.NewString(),
		GrantID:   spec.GrantID,
		Kind:      spec.Kind,
		Audience:  spec.Audience,
		Scopes:    append([]string(nil), spec.Scopes...),
		IssuedAt:  now,
		ExpiresAt: exp,
	}

	if spec.Kind == oauth2.KindRefresh {
		value, err := GenerateOpaque(32)
		if err != nil {
			return "", nil, err
		}
		rec.Hash = SHA256Base64URL(value)
		return value, rec, nil
	}

	alg := spec.Alg
	if alg == "" {
		alg = f.defaultAlg
	}
	if !alg.Valid() {
		return "", nil, oauth2.ErrUnsupportedAlgorithm.WithDetail(string(alg))
	}
	method := signingMethod(alg)

	key, err := f.keys.Active(alg)
	if err != nil {
		return "", nil, oauth2.ErrKeyUnavailable.WithCause(err)
	}

	claims := f.buildClaims(spec, now, exp, rec.ID)
	tk := jwtv5.NewWithClaims(method, claims)
	tk.Header["kid"] = key.KID
	tk.Header["typ"] = "JWT"

	signed, err := tk.SignedString(key.Private)
	if err != nil {
		return "", nil, oauth2.ErrServerError.WithCause(err)
	}

	rec.Hash = SHA256Base64URL(signed)
	rec.Alg = alg
	rec.KID = key.KID
	return signed, rec, nil
}

// buildClaims arma claims estándar + específicos del kind + extras.
func (f *Factory) buildClaims(spec IssueSpec, now, exp time.Time, jti string) jwtv5.MapClaims {
	claims := jwtv5.MapClaims{
		"iss":       f.iss,
		"sub":       spec.Subject,
		"aud":       spec.Audience,
		"iat":       now.Unix(),
		"nbf":       now.Unix(),
		"exp":       exp.Unix(),
		"jti":       jti,
		"client_id": spec.ClientID,
		"gid":       spec.GrantID,
		"token_use": string(spec.Kind),
	}
	if len(spec.Scopes) > 0 {
		claims["scope"] = oauth2.JoinScopes(spec.Scopes)
	}
	if spec.ACR != "" {
		claims["acr"] = spec.ACR
	}
	if len(spec.AMR) > 0 {
		claims["amr"] = spec.AMR
	}

	if spec.Kind == oauth2.KindID {
		if spec.Nonce != "" {
			claims["nonce"] = spec.Nonce
		}
		if !spec.AuthTime.IsZero() {
			claims["auth_time"] = spec.AuthTime.Unix()
		}
		if spec.AccessToken != "" {
			claims["at_hash"] = ATHash(spec.AccessToken)
		}
		claims["azp"] = spec.ClientID
	}

	for k, v := range spec.Extra {
		claims[k] = v
	}
	return claims
}

func (f *Factory) defaultTTL(kind oauth2.TokenKind) time.Duration {
	switch kind {
	case oauth2.KindRefresh:
		return f.refreshTTL
	case oauth2.KindID:
		return f.idTTL
	case oauth2.KindRPT:
		return f.rptTTL
	default:
		return f.accessTTL
	}
}

func signingMethod(alg crypto.Alg) jwtv5.SigningMethod {
	switch alg {
	case crypto.AlgES256:
		return jwtv5.SigningMethodES256
	default:
		return jwtv5.SigningMethodEdDSA
	}
}

// keyfunc resuelve la pubkey estrictamente por kid: nunca la "actual".
func (f *Factory) keyfunc() jwtv5.Keyfunc {
	return func(t *jwtv5.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("kid_missing")
		}
		return f.keys.PublicKeyByKID(kid)
	}
}
