package domain

import "time"

// TokenRecord is one token/user pair as written to, and replayed from, a journal.
type TokenRecord struct {
	Token     string
	UserID    string
	CreatedAt time.Time
}
