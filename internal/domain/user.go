package domain

import "time"

// User represents a developer account.
type User struct {
	ID           string
	Email        string
	PasswordHash []byte
	CreatedAt    time.Time
}

// APIToken is an opaque capability token for the management API.
type APIToken struct {
	Token     string
	UserID    string
	Name      string
	CreatedAt time.Time
}
