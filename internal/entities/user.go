package entities

import "time"

type User struct {
	ID               int64     `json:"id"`
	Email            string    `json:"email"`
	PasswordHash     string    `json:"-"`
	Admin            bool      `json:"admin"`
	CreatedTimestamp time.Time `json:"created_timestamp"`
}
