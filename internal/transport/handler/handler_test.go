package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/trunov/mp3hub/internal/auth"
	"github.com/trunov/mp3hub/internal/blob"
	"github.com/trunov/mp3hub/internal/broker"
	"github.com/trunov/mp3hub/internal/config"
	"github.com/trunov/mp3hub/internal/entities"
	"github.com/trunov/mp3hub/internal/queue"
	"github.com/trunov/mp3hub/internal/transport/handler"
	"github.com/trunov/mp3hub/internal/transport/router"
	use_case "github.com/trunov/mp3hub/internal/use-case"
)

type fakeAuth struct{}

func (fakeAuth) Login(_ context.Context, email, password string) (string, error) {
	if email == "admin@example.com" && password == "s3cret" {
		return "admin-token", nil
	}
	if email == "down@example.com" {
		return "", errors.New("dial tcp: connection refused")
	}
	return "", auth.ErrInvalidCredentials
}

func (fakeAuth) Validate(_ context.Context, token string) (entities.Claims, error) {
	switch token {
	case "":
		return entities.Claims{}, auth.ErrMissingToken
	case "admin-token":
		return entities.Claims{Username: "admin@example.com", Admin: true}, nil
	case "user-token":
		return entities.Claims{Username: "user@example.com"}, nil
	case "old-token":
		return entities.Claims{}, auth.ErrExpiredToken
	case "down-token":
		return entities.Claims{}, errors.New("auth service: dial tcp: connection refused")
	default:
		return entities.Claims{}, auth.ErrInvalidToken
	}
}

type gateway struct {
	srv    *httptest.Server
	broker *broker.Memory
	videos *blob.Memory
	mp3s   *blob.Memory
}

func newGateway(t *testing.T) *gateway {
	t.Helper()
	b := broker.NewMemory("")
	if err := b.Declare(context.Background(), "video", "mp3"); err != nil {
		t.Fatal(err)
	}
	g := &gateway{broker: b, videos: blob.NewMemory(), mp3s: blob.NewMemory()}

	cfg := config.NewConfig()
	cfg.Upload.MaxRequestBodyMB = 1
	cfg.Upload.MaxMultipartMemoryMB = 1

	uc := use_case.New(g.videos, g.mp3s, queue.NewProducer(b, "video", "mp3"), zap.NewNop())
	h := handler.New(uc, fakeAuth{}, cfg, zap.NewNop())
	g.srv = httptest.NewServer(router.NewRouter(h))
	t.Cleanup(g.srv.Close)
	return g
}

func multipartBody(t *testing.T, files map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, content := range files {
		fw, err := mw.CreateFormFile("file", name)
		if err != nil {
			t.Fatal(err)
		}
		_, _ = fw.Write([]byte(content))
	}
	_ = mw.Close()
	return &buf, mw.FormDataContentType()
}

func (g *gateway) do(t *testing.T, method, path, token string, body io.Reader, contentType string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, g.srv.URL+path, body)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (g *gateway) upload(t *testing.T, token string, files map[string]string) *http.Response {
	t.Helper()
	body, ct := multipartBody(t, files)
	return g.do(t, http.MethodPost, "/upload", token, body, ct)
}

func TestUploadQueuesJob(t *testing.T) {
	g := newGateway(t)

	resp := g.upload(t, "admin-token", map[string]string{"video.mp4": "frames"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out handler.UploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}

	msgs := g.broker.Messages("video")
	if len(msgs) != 1 || string(msgs[0]) != `{"video_fid":"`+out.VideoFID+`"}` {
		t.Fatalf("video queue = %q", msgs)
	}
	if data, err := g.videos.Get(context.Background(), out.VideoFID); err != nil || string(data) != "frames" {
		t.Fatalf("video blob = %q, %v", data, err)
	}
}

func TestUploadStatusCodes(t *testing.T) {
	cases := []struct {
		name  string
		token string
		files map[string]string
		want  int
	}{
		{"no token", "", map[string]string{"a.mp4": "x"}, http.StatusUnauthorized},
		{"bad token", "forged", map[string]string{"a.mp4": "x"}, http.StatusUnauthorized},
		{"expired token", "old-token", map[string]string{"a.mp4": "x"}, http.StatusUnauthorized},
		{"not admin", "user-token", map[string]string{"a.mp4": "x"}, http.StatusUnauthorized},
		{"auth service down", "down-token", map[string]string{"a.mp4": "x"}, http.StatusInternalServerError},
		{"no files", "admin-token", map[string]string{}, http.StatusBadRequest},
		{"empty file", "admin-token", map[string]string{"a.mp4": ""}, http.StatusBadRequest},
		{"two files", "admin-token", map[string]string{"a.mp4": "x", "b.mp4": "y"}, http.StatusBadRequest},
		{"too large", "admin-token", map[string]string{"a.mp4": strings.Repeat("x", (1<<20)+4096)}, http.StatusRequestEntityTooLarge},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			g := newGateway(t)
			resp := g.upload(t, c.token, c.files)
			if resp.StatusCode != c.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, c.want)
			}
			if g.videos.Len() != 0 || len(g.broker.Messages("video")) != 0 {
				t.Fatal("failed upload left side effects")
			}
		})
	}
}

func TestUploadNotMultipart(t *testing.T) {
	g := newGateway(t)
	resp := g.do(t, http.MethodPost, "/upload", "admin-token", strings.NewReader("raw"), "application/octet-stream")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestUploadBrokerFailure(t *testing.T) {
	g := newGateway(t)
	g.broker.PublishHook = func(string, []byte) error { return errors.New("connection lost") }

	resp := g.upload(t, "admin-token", map[string]string{"video.mp4": "frames"})
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var apiErr handler.APIError
	_ = json.NewDecoder(resp.Body).Decode(&apiErr)
	if strings.Contains(apiErr.Error, "connection lost") {
		t.Fatalf("internal detail leaked: %q", apiErr.Error)
	}
}

func TestDownload(t *testing.T) {
	g := newGateway(t)
	audio := []byte("ID3\x04\x00\x00\x00\x00\x00\x00audio")
	fid, _ := g.mp3s.Put(context.Background(), audio, "audio/mpeg")

	resp := g.do(t, http.MethodGet, "/download?fid="+fid, "admin-token", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Equal(body, audio) {
		t.Fatalf("body = %q", body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "audio/mpeg" {
		t.Fatalf("content type = %q", ct)
	}
	if cd := resp.Header.Get("Content-Disposition"); cd != `attachment; filename="`+fid+`.mp3"` {
		t.Fatalf("content disposition = %q", cd)
	}
}

func TestDownloadStatusCodes(t *testing.T) {
	g := newGateway(t)
	fid, _ := g.mp3s.Put(context.Background(), []byte("ID3"), "audio/mpeg")

	cases := []struct {
		name, path, token string
		want              int
	}{
		{"missing fid", "/download", "admin-token", http.StatusBadRequest},
		{"unknown fid", "/download?fid=nope", "admin-token", http.StatusNotFound},
		{"no token", "/download?fid=" + fid, "", http.StatusUnauthorized},
		{"not admin", "/download?fid=" + fid, "user-token", http.StatusUnauthorized},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			resp := g.do(t, http.MethodGet, c.path, c.token, nil, "")
			if resp.StatusCode != c.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, c.want)
			}
		})
	}
}

func TestLogin(t *testing.T) {
	g := newGateway(t)

	login := func(email, password string) *http.Response {
		req, _ := http.NewRequest(http.MethodPost, g.srv.URL+"/login", nil)
		if email != "" {
			req.SetBasicAuth(email, password)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	resp := login("admin@example.com", "s3cret")
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "admin-token" {
		t.Fatalf("status = %d, body = %q", resp.StatusCode, body)
	}
	if resp := login("admin@example.com", "wrong"); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong password: %d", resp.StatusCode)
	}
	if resp := login("", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no credentials: %d", resp.StatusCode)
	}
	if resp := login("down@example.com", "x"); resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("auth down: %d", resp.StatusCode)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	g := newGateway(t)
	if resp := g.do(t, http.MethodGet, "/healthz", "", nil, ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %d", resp.StatusCode)
	}
	g.upload(t, "user-token", map[string]string{"a.mp4": "x"})
	resp := g.do(t, http.MethodGet, "/metrics", "", nil, "")
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `mp3hub_gateway_uploads_total{status="401"}`) {
		t.Fatal("upload counter missing from /metrics")
	}
}
