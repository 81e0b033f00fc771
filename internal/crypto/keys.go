// Package crypto implementa el adapter de claves y primitivas:
// keystore rotativo (active/retiring/retired), JWKS y cifrado
// simétrico para secretos en reposo.
package crypto

import (
	stdcrypto "crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Alg identifica el algoritmo de firma de un key set.
type Alg string

const (
	AlgEdDSA Alg = "EdDSA"
	AlgES256 Alg = "ES256"
)

// Valid reporta si el algoritmo está soportado por el servidor.
func (a Alg) Valid() bool {
	return a == AlgEdDSA || a == AlgES256
}

// KeyStatus es el estado de una clave dentro del set rotativo.
type KeyStatus string

const (
	// KeyActive firma tokens nuevos.
	KeyActive KeyStatus = "active"
	// KeyRetiring ya no firma pero sigue publicada para verificación
	// (ventana de gracia tras rotación).
	KeyRetiring KeyStatus = "retiring"
	// KeyRetired salió del JWKS; los tokens firmados con ella fallan
	// con key_unavailable.
	KeyRetired KeyStatus = "retired"
)

// SigningKey es una clave de firma con su material y metadata.
type SigningKey struct {
	KID       string
	Alg       Alg
	Status    KeyStatus
	NotBefore time.Time

	Private stdcrypto.Signer    // ed25519.PrivateKey | *ecdsa.PrivateKey
	Public  stdcrypto.PublicKey // derivada; se copia al JWKS
}

// GenerateSigningKey genera una clave nueva para el algoritmo dado.
func GenerateSigningKey(alg Alg) (*SigningKey, error) {
	now := time.Now().UTC()
	kid := newKID(alg, now)

	switch alg {
	case AlgEdDSA:
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		return &SigningKey{
			KID: kid, Alg: alg, Status: KeyActive, NotBefore: now,
			Private: priv, Public: pub,
		}, nil
	case AlgES256:
		priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, err
		}
		return &SigningKey{
			KID: kid, Alg: alg, Status: KeyActive, NotBefore: now,
			Private: priv, Public: &priv.PublicKey,
		}, nil
	default:
		return nil, fmt.Errorf("generate: unsupported alg %q", alg)
	}
}

// newKID arma un KID único legible: <alg>-<ts>-<rand corto>.
func newKID(alg Alg, now time.Time) string {
	short := uuid.NewString()[:8]
	return fmt.Sprintf("%s-%s-%s", algPrefix(alg), now.Format("20060102T150405Z"), short)
}

func algPrefix(alg Alg) string {
	switch alg {
	case AlgEdDSA:
		return "ed"
	case AlgES256:
		return "ec"
	default:
		return "k"
	}
}
