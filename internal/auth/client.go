package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/trunov/mp3hub/internal/entities"
)

// Client calls a remote auth service over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) Login(ctx context.Context, email, password string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/login", nil)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(email, password)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("auth service: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("auth service: read login response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return strings.TrimSpace(string(body)), nil
	case http.StatusUnauthorized:
		return "", ErrInvalidCredentials
	default:
		return "", fmt.Errorf("auth service: login returned %d", resp.StatusCode)
	}
}

func (c *Client) Validate(ctx context.Context, token string) (entities.Claims, error) {
	if token == "" {
		return entities.Claims{}, ErrMissingToken
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/validate", nil)
	if err != nil {
		return entities.Claims{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return entities.Claims{}, fmt.Errorf("auth service: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var claims entities.Claims
		if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil {
			return entities.Claims{}, fmt.Errorf("auth service: decode claims: %w", err)
		}
		return claims, nil
	case http.StatusUnauthorized:
		var body errorBody
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return entities.Claims{}, errForReason(body.Reason)
	default:
		return entities.Claims{}, fmt.Errorf("auth service: validate returned %d", resp.StatusCode)
	}
}
