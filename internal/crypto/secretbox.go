package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	nonceSizeGCM      = 12  // AES-GCM nonce recomendado (96 bits)
	requiredKeyLength = 32  // 32 bytes => AES-256
	sep               = "|" // nonce|ciphertext (ambos en base64)
)

var ErrCiphertextInvalid = errors.New("secretbox: invalid ciphertext")

// SecretBox cifra/descifra secretos en reposo (client secrets,
// material de claves exportado). Se construye explícitamente con la
// clave maestra; sin estado global.
type SecretBox struct {
	key []byte
}

// NewSecretBox crea un SecretBox a partir de la master key en base64.
// Generar una con: openssl rand -base64 32
func NewSecretBox(keyB64 string) (*SecretBox, error) {
	k, err := base64.StdEncoding.DecodeString(strings.TrimSpace(keyB64))
	if err != nil {
		return nil, fmt.Errorf("secretbox: decode master key: %w", err)
	}
	if len(k) != requiredKeyLength {
		return nil, fmt.Errorf("secretbox: master key must be %d bytes, got %d", requiredKeyLength, len(k))
	}
	key := make([]byte, len(k))
	copy(key, k)
	return &SecretBox{key: key}, nil
}

// Encrypt cifra plainText y devuelve base64(nonce)|base64(ciphertext).
func (s *SecretBox) Encrypt(plainText string) (string, error) {
	aesgcm, err := s.gcm()
	if err != nil {
		return "", err
	}
	nonce := make([]byte, nonceSizeGCM)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("secretbox: nonce: %w", err)
	}
	ct := aesgcm.Seal(nil, nonce, []byte(plainText), nil)
	return base64.StdEncoding.EncodeToString(nonce) + sep + base64.StdEncoding.EncodeToString(ct), nil
}

// Decrypt revierte Encrypt. Cualquier alteración del ciphertext falla.
func (s *SecretBox) Decrypt(cipherText string) (string, error) {
	parts := strings.SplitN(cipherText, sep, 2)
	if len(parts) != 2 {
		return "", ErrCiphertextInvalid
	}
	nonce, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil || len(nonce) != nonceSizeGCM {
		return "", ErrCiphertextInvalid
	}
	ct, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", ErrCiphertextInvalid
	}
	aesgcm, err := s.gcm()
	if err != nil {
		return "", err
	}
	pt, err := aesgcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", ErrCiphertextInvalid
	}
	return string(pt), nil
}

func (s *SecretBox) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, fmt.Errorf("secretbox: aes.NewCipher: %w", err)
	}
	return cipher.NewGCM(block)
}
