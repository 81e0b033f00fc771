package grant

import "testing"

// Vector de RFC 7636 apéndice B.
const (
	rfcVerifier  = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	rfcChallenge = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
)

func TestVerifyCodeChallengeS256(t *testing.T) {
	if !VerifyCodeChallenge(PKCES256, rfcVerifier, rfcChallenge) {
		t.Fatal("RFC 7636 vector should verify")
	}
	if VerifyCodeChallenge(PKCES256, rfcVerifier+"x", rfcChallenge) {
		t.Fatal("tampered verifier should fail")
	}
}

func TestVerifyCodeChallengePlain(t *testing.T) {
	if !VerifyCodeChallenge(PKCEPlain, "abc123", "abc123") {
		t.Fatal("plain comparison should verify")
	}
	if VerifyCodeChallenge(PKCEPlain, "abc123", "other") {
		t.Fatal("plain mismatch should fail")
	}
}

func TestVerifyCodeChallengeEdges(t *testing.T) {
	if VerifyCodeChallenge("S512", "v", "c") {
		t.Fatal("unknown method should fail")
	}
	if VerifyCodeChallenge(PKCES256, "", rfcChallenge) {
		t.Fatal("empty verifier should fail")
	}
	if !ValidChallengeMethod(PKCEPlain) || !ValidChallengeMethod(PKCES256) {
		t.Fatal("known methods should validate")
	}
	if ValidChallengeMethod("s256") {
		t.Fatal("method is case sensitive")
	}
}
