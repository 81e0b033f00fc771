package client

import (
	"strings"
	"testing"
)

func TestSecretRoundTrip(t *testing.T) {
	phc, err := HashSecret(DefaultSecretParams, "correct horse battery")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !strings.HasPrefix(phc, "$argon2id$v=19$") {
		t.Fatalf("unexpected PHC prefix: %q", phc)
	}
	if !VerifySecret("correct horse battery", phc) {
		t.Fatal("valid secret should verify")
	}
	if VerifySecret("wrong", phc) {
		t.Fatal("wrong secret should not verify")
	}
}

func TestVerifySecretMalformed(t *testing.T) {
	for _, phc := range []string{
		"",
		"plain-text",
		"$argon2id$v=19$m=65536,t=3,p=1$onlysalt",
		"$argon2i$v=19$m=65536,t=3,p=1$c2FsdA$ZGs",
	} {
		if VerifySecret("x", phc) {
			t.Fatalf("malformed PHC should not verify: %q", phc)
		}
	}
}

func TestHashSecretEmpty(t *testing.T) {
	if _, err := HashSecret(DefaultSecretParams, ""); err == nil {
		t.Fatal("empty secret must be rejected")
	}
}

func TestClientAuthenticate(t *testing.T) {
	phc, err := HashSecret(DefaultSecretParams, "shh")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	conf := &Client{ClientID: "c1", AuthMethod: AuthSecretBasic, SecretHash: phc}
	if !conf.Authenticate("shh") {
		t.Fatal("confidential client with right secret should pass")
	}
	if conf.Authenticate("nope") {
		t.Fatal("wrong secret should fail")
	}

	pub := &Client{ClientID: "c2", AuthMethod: AuthNone}
	if !pub.Authenticate("") {
		t.Fatal("public client without secret should pass")
	}
	if pub.Authenticate("unexpected") {
		t.Fatal("public client presenting a secret should fail")
	}
}
