package crypto

import (
	stdcrypto "crypto"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

var (
	ErrNoActiveKey = errors.New("no_active_signing_key")
	ErrKIDNotFound = errors.New("kid_not_found")
)

// Keystore mantiene el set rotativo de claves de firma.
// Lecturas concurrentes sin sincronización externa (RWMutex interno);
// la rotación la dispara un proceso externo (CLI/admin).
type Keystore struct {
	mu          sync.RWMutex
	keys        map[string]*SigningKey // por KID; incluye retiradas
	activeByAlg map[Alg]string

	sf        singleflight.Group
	lastJWKS  []byte
	jwksUntil time.Time
	jwksTTL   time.Duration
}

// NewKeystore crea un keystore vacío.
func NewKeystore() *Keystore {
	return &Keystore{
		keys:        make(map[string]*SigningKey),
		activeByAlg: make(map[Alg]string),
		jwksTTL:     15 * time.Second,
	}
}

// EnsureBootstrap genera una clave activa para cada algoritmo que no tenga.
func (k *Keystore) EnsureBootstrap(algs ...Alg) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, alg := range algs {
		if _, ok := k.activeByAlg[alg]; ok {
			continue
		}
		key, err := GenerateSigningKey(alg)
		if err != nil {
			return err
		}
		k.keys[key.KID] = key
		k.activeByAlg[alg] = key.KID
	}
	k.lastJWKS = nil
	return nil
}

// Add incorpora una clave ya generada (seed/import). Si está activa,
// desplaza la activa previa a retiring.
func (k *Keystore) Add(key *SigningKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[key.KID] = key
	if key.Status == KeyActive {
		if prev, ok := k.activeByAlg[key.Alg]; ok && prev != key.KID {
			k.keys[prev].Status = KeyRetiring
		}
		k.activeByAlg[key.Alg] = key.KID
	}
	k.lastJWKS = nil
}

// Active devuelve la clave activa para el algoritmo.
func (k *Keystore) Active(alg Alg) (*SigningKey, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	kid, ok := k.activeByAlg[alg]
	if !ok {
		return nil, ErrNoActiveKey
	}
	return k.keys[kid], nil
}

// PublicKeyByKID resuelve la pubkey exacta por KID (active o retiring).
// Las claves retired ya no verifican: el token queda key_unavailable.
func (k *Keystore) PublicKeyByKID(kid string) (stdcrypto.PublicKey, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	key, ok := k.keys[kid]
	if !ok || key.Status == KeyRetired {
		return nil, ErrKIDNotFound
	}
	return key.Public, nil
}

// AlgByKID devuelve el algoritmo registrado para un KID publicado.
func (k *Keystore) AlgByKID(kid string) (Alg, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	key, ok := k.keys[kid]
	if !ok || key.Status == KeyRetired {
		return "", ErrKIDNotFound
	}
	return key.Alg, nil
}

// Rotate genera una clave nueva para alg: la activa pasa a retiring
// y la retiring previa a retired (sale del JWKS).
func (k *Keystore) Rotate(alg Alg) (*SigningKey, error) {
	if !alg.Valid() {
		return nil, ErrNoActiveKey
	}
	next, err := GenerateSigningKey(alg)
	if err != nil {
		return nil, err
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	for _, key := range k.keys {
		if key.Alg != alg {
			continue
		}
		switch key.Status {
		case KeyRetiring:
			key.Status = KeyRetired
		case KeyActive:
			key.Status = KeyRetiring
		}
	}
	k.keys[next.KID] = next
	k.activeByAlg[alg] = next.KID
	k.lastJWKS = nil
	return next, nil
}

// JWKSJSON devuelve el documento JWKS público (active + retiring).
// Cache corto + singleflight para colapsar refreshes concurrentes.
func (k *Keystore) JWKSJSON() ([]byte, error) {
	k.mu.RLock()
	if time.Now().Before(k.jwksUntil) && len(k.lastJWKS) > 0 {
		j := k.lastJWKS
		k.mu.RUnlock()
		return j, nil
	}
	k.mu.RUnlock()

	v, err, _ := k.sf.Do("jwks", func() (any, error) {
		k.mu.Lock()
		defer k.mu.Unlock()
		if time.Now().Before(k.jwksUntil) && len(k.lastJWKS) > 0 {
			return k.lastJWKS, nil
		}
		pub := make([]*SigningKey, 0, len(k.keys))
		for _, key := range k.keys {
			if key.Status == KeyActive || key.Status == KeyRetiring {
				pub = append(pub, key)
			}
		}
		j, err := buildJWKS(pub)
		if err != nil {
			return nil, err
		}
		k.lastJWKS = j
		k.jwksUntil = time.Now().Add(k.jwksTTL)
		return j, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}
