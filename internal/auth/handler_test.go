package auth

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newAuthServer(t *testing.T) (*httptest.Server, *Service) {
	t.Helper()
	svc := newTestService(t)
	srv := httptest.NewServer(NewRouter(NewHandler(svc, zap.NewNop())))
	t.Cleanup(srv.Close)
	return srv, svc
}

func TestLoginEndpoint(t *testing.T) {
	srv, _ := newAuthServer(t)

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/login", nil)
	req.SetBasicAuth("admin@example.com", "s3cret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || len(body) == 0 {
		t.Fatalf("status = %d, body = %q", resp.StatusCode, body)
	}

	resp, err = http.Post(srv.URL+"/login", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no credentials: status = %d", resp.StatusCode)
	}
}

func TestClientAgainstHandler(t *testing.T) {
	srv, svc := newAuthServer(t)
	client := NewClient(srv.URL+"/", time.Second)
	ctx := context.Background()

	token, err := client.Login(ctx, "admin@example.com", "s3cret")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	claims, err := client.Validate(ctx, token)
	if err != nil || !claims.Admin || claims.Username != "admin@example.com" {
		t.Fatalf("claims = %+v, err = %v", claims, err)
	}

	if _, err := client.Login(ctx, "admin@example.com", "nope"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("bad password: %v", err)
	}
	if _, err := client.Validate(ctx, ""); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("empty token: %v", err)
	}
	if _, err := client.Validate(ctx, "garbage"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("garbage token: %v", err)
	}

	svc.issuer.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	if _, err := client.Validate(ctx, token); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expired token: %v", err)
	}
}

func TestClientServiceDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, time.Second)
	_, err := client.Validate(context.Background(), "t")
	if err == nil || errors.Is(err, ErrInvalidToken) {
		t.Fatalf("upstream failure should not be an auth error: %v", err)
	}
}

func TestBearerToken(t *testing.T) {
	cases := map[string]string{
		"Bearer abc":   "abc",
		"bearer  abc ": "abc",
		"Basic abc":    "",
		"Bearer":       "",
		"":             "",
	}
	for in, want := range cases {
		if got := BearerToken(in); got != want {
			t.Errorf("BearerToken(%q) = %q, want %q", in, got, want)
		}
	}
}
