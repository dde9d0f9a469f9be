package custody

import "time"

// User is the identity behind a request. ID is the depositor identity used
// as the ledger owner.
type User struct {
	ID        string    `json:"id"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (u *User) expired(now time.Time) bool {
	return !u.ExpiresAt.IsZero() && now.After(u.ExpiresAt)
}
