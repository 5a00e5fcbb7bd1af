package auth

import (
	"crypto/sha256"
	"encoding/base64"
	"regexp"
	"testing"
)

var unreserved = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

func TestGenerateVerifier(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		v, err := GenerateVerifier()
		if err != nil {
			t.Fatalf("GenerateVerifier: %v", err)
		}
		if len(v) != 43 || !unreserved.MatchString(v) {
			t.Fatalf("verifier %q: want 43 url-safe characters", v)
		}
		if seen[v] {
			t.Fatalf("verifier repeated: %q", v)
		}
		seen[v] = true
	}
}

func TestGenerateState(t *testing.T) {
	a, err := GenerateState()
	if err != nil {
		t.Fatalf("GenerateState: %v", err)
	}
	b, _ := GenerateState()
	if len(a) != 22 || !unreserved.MatchString(a) {
		t.Fatalf("state %q: want 22 url-safe characters", a)
	}
	if a == b {
		t.Fatal("state repeated")
	}
}

func TestDeriveChallenge(t *testing.T) {
	const verifier = "dBjftJeZ4CVP-mJ92K9qpbhT6fpbl3cw_FVQT3LjGq0"
	if got := DeriveChallenge(verifier); got != "UgvQEB0DvcbmZHtr1C5itJJOWvkG2H6mrp40QeVeyPY" {
		t.Fatalf("challenge: got %q", got)
	}

	for i := 0; i < 20; i++ {
		v, _ := GenerateVerifier()
		sum := sha256.Sum256([]byte(v))
		want := base64.RawURLEncoding.EncodeToString(sum[:])
		if got := DeriveChallenge(v); got != want || DeriveChallenge(v) != got {
			t.Fatalf("challenge for %q: got %q want %q", v, got, want)
		}
	}
}

func TestValidateNextURLIsLocal(t *testing.T) {
	tests := map[string]string{
		"":                     "",
		"/trips":               "/trips",
		"/trips/7?tab=photos":  "/trips/7?tab=photos",
		"//evil.example":       "",
		"https://evil.example": "",
		"trips":                "",
		"/\\evil.example":      "",
		"/trips\r\nSet-Cookie": "",
	}
	for in, want := range tests {
		if got := ValidateNextURLIsLocal(in); got != want {
			t.Errorf("ValidateNextURLIsLocal(%q) = %q, want %q", in, got, want)
		}
	}
}
