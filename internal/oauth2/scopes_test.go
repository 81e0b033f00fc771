package oauth2

import (
	"reflect"
	"testing"
)

func TestParseScopesDedupes(t *testing.T) {
	got := ParseScopes("openid  profile openid email")
	want := []string{"openid", "profile", "email"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
	if ParseScopes("   ") != nil {
		t.Fatal("blank input should yield nil")
	}
}

func TestScopesSubset(t *testing.T) {
	granted := []string{"openid", "profile", "email"}
	if !ScopesSubset([]string{"profile"}, granted) {
		t.Fatal("subset should hold")
	}
	if !ScopesSubset(nil, granted) {
		t.Fatal("empty requested is a trivial subset")
	}
	if ScopesSubset([]string{"admin"}, granted) {
		t.Fatal("admin is not granted")
	}
}

func TestUnionScopesSorted(t *testing.T) {
	got := UnionScopes([]string{"read", "write"}, []string{"delete", "read"})
	want := []string{"delete", "read", "write"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestHasScope(t *testing.T) {
	if !HasScope([]string{"openid", "profile"}, "openid") {
		t.Fatal("expected openid present")
	}
	if HasScope(nil, "openid") {
		t.Fatal("nil scopes have nothing")
	}
}
