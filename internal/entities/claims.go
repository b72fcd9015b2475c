package entities

import "time"

// Claims is what the auth service vouches for after validating a token.
type Claims struct {
	Username  string    `json:"username"`
	Admin     bool      `json:"admin"`
	IssuedAt  time.Time `json:"iat"`
	ExpiresAt time.Time `json:"exp"`
}
