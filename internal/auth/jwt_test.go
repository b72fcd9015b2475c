package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestIssuerRoundTrip(t *testing.T) {
	iss, err := NewIssuer(testSecret, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	iss.now = func() time.Time { return now }

	token, err := iss.Issue("admin@example.com", true)
	if err != nil {
		t.Fatal(err)
	}
	claims, err := iss.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Username != "admin@example.com" || !claims.Admin {
		t.Fatalf("claims = %+v", claims)
	}
	if !claims.IssuedAt.Equal(now) || !claims.ExpiresAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("times = %v / %v", claims.IssuedAt, claims.ExpiresAt)
	}
}

func TestIssuerRejects(t *testing.T) {
	iss, _ := NewIssuer(testSecret, time.Minute)
	token, _ := iss.Issue("u", false)

	if _, err := iss.Verify(""); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("empty: %v", err)
	}
	if _, err := iss.Verify("garbage"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("garbage: %v", err)
	}

	other, _ := NewIssuer(strings.Repeat("x", 32), time.Minute)
	if _, err := other.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("wrong secret: %v", err)
	}

	later := time.Now().Add(2 * time.Minute)
	iss.now = func() time.Time { return later }
	if _, err := iss.Verify(token); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expired: %v", err)
	}
}

func TestIssuerRejectsOtherAlgorithms(t *testing.T) {
	iss, _ := NewIssuer(testSecret, time.Minute)
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute))},
		Username:         "mallory",
		Admin:            true,
	}
	hs512, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := iss.Verify(hs512); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("HS512 accepted: %v", err)
	}

	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if _, err := iss.Verify(none); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("alg=none accepted: %v", err)
	}
}

func TestIssuerRequiresExpiry(t *testing.T) {
	iss, _ := NewIssuer(testSecret, time.Minute)
	forever, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, tokenClaims{Username: "u"}).SignedString([]byte(testSecret))
	if _, err := iss.Verify(forever); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("token without exp: %v", err)
	}
}

func TestNewIssuerShortSecret(t *testing.T) {
	if _, err := NewIssuer("short", time.Hour); err == nil {
		t.Fatal("short secret accepted")
	}
}
