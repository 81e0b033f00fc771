package crypto

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
)

// ----- JWKS (serialización, solo claves públicas) -----

type jwk struct {
	Kty string `json:"kty"` // "OKP" | "EC"
	Crv string `json:"crv"` // "Ed25519" | "P-256"
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	Use string `json:"use"` // "sig"
	X   string `json:"x"`
	Y   string `json:"y,omitempty"` // solo EC
}

type jwksDoc struct {
	Keys []jwk `json:"keys"`
}

func buildJWKS(keys []*SigningKey) ([]byte, error) {
	doc := jwksDoc{Keys: make([]jwk, 0, len(keys))}
	for _, k := range keys {
		entry, err := toJWK(k)
		if err != nil {
			return nil, err
		}
		doc.Keys = append(doc.Keys, entry)
	}
	// orden estable por kid para que el documento sea determinista
	sort.Slice(doc.Keys, func(i, j int) bool { return doc.Keys[i].Kid < doc.Keys[j].Kid })
	return json.Marshal(doc)
}

func toJWK(k *SigningKey) (jwk, error) {
	switch pub := k.Public.(type) {
	case ed25519.PublicKey:
		return jwk{
			Kty: "OKP", Crv: "Ed25519", Kid: k.KID, Alg: string(k.Alg), Use: "sig",
			X: base64.RawURLEncoding.EncodeToString(pub),
		}, nil
	case *ecdsa.PublicKey:
		byteLen := (pub.Curve.Params().BitSize + 7) / 8
		x := pub.X.FillBytes(make([]byte, byteLen))
		y := pub.Y.FillBytes(make([]byte, byteLen))
		return jwk{
			Kty: "EC", Crv: "P-256", Kid: k.KID, Alg: string(k.Alg), Use: "sig",
			X: base64.RawURLEncoding.EncodeToString(x),
			Y: base64.RawURLEncoding.EncodeToString(y),
		}, nil
	default:
		return jwk{}, fmt.Errorf("jwks: unsupported public key type %T", k.Public)
	}
}
