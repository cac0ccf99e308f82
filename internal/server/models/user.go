package models

import "time"

// User is a registry account allowed to request bearer tokens.
type User struct {
	ID           string
	Username     string
	PasswordHash []byte
	CreatedAt    time.Time
}
