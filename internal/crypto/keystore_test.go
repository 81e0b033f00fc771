package crypto

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestBootstrapAndActive(t *testing.T) {
	ks := NewKeystore()
	if err := ks.EnsureBootstrap(AlgEdDSA, AlgES256); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	for _, alg := range []Alg{AlgEdDSA, AlgES256} {
		key, err := ks.Active(alg)
		if err != nil {
			t.Fatalf("active %s: %v", alg, err)
		}
		if key.Status != KeyActive {
			t.Fatalf("status = %q", key.Status)
		}
		if _, err := ks.PublicKeyByKID(key.KID); err != nil {
			t.Fatalf("public key: %v", err)
		}
	}
}

func TestRotateTransitions(t *testing.T) {
	ks := NewKeystore()
	if err := ks.EnsureBootstrap(AlgEdDSA); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	first, _ := ks.Active(AlgEdDSA)

	second, err := ks.Rotate(AlgEdDSA)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if second.KID == first.KID {
		t.Fatal("rotation did not mint a new key")
	}
	// la anterior sigue verificando mientras está retiring
	if _, err := ks.PublicKeyByKID(first.KID); err != nil {
		t.Fatalf("retiring key should resolve: %v", err)
	}

	if _, err := ks.Rotate(AlgEdDSA); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	// segunda rotación: la primera queda retired y fuera de verificación
	if _, err := ks.PublicKeyByKID(first.KID); !errors.Is(err, ErrKIDNotFound) {
		t.Fatalf("expected kid_not_found, got %v", err)
	}
}

func TestJWKSPublishesActiveAndRetiring(t *testing.T) {
	ks := NewKeystore()
	if err := ks.EnsureBootstrap(AlgEdDSA); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	first, _ := ks.Active(AlgEdDSA)
	second, err := ks.Rotate(AlgEdDSA)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}

	data, err := ks.JWKSJSON()
	if err != nil {
		t.Fatalf("jwks: %v", err)
	}
	var doc struct {
		Keys []struct {
			KID string `json:"kid"`
		} `json:"keys"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("unmarshal jwks: %v", err)
	}
	kids := map[string]bool{}
	for _, k := range doc.Keys {
		kids[k.KID] = true
	}
	if !kids[first.KID] || !kids[second.KID] {
		t.Fatalf("jwks should carry active+retiring kids, got %v", kids)
	}
}

func TestActiveMissing(t *testing.T) {
	ks := NewKeystore()
	if _, err := ks.Active(AlgEdDSA); !errors.Is(err, ErrNoActiveKey) {
		t.Fatalf("expected no_active_signing_key, got %v", err)
	}
}
