package recovery

import (
	"errors"
	"time"
)

// Timing of the recovery flow: a code is usable for CodeTTL after
// issuance, a successful verification opens a reactivation window of
// WindowTTL, and a new code cannot be requested within ResendCooldown
// of the previous request.
const (
	CodeTTL        = 10 * time.Minute
	WindowTTL      = 30 * time.Minute
	ResendCooldown = 60 * time.Second
)

var (
	// ErrCodeMismatch means the presented code does not match the
	// latest outstanding attempt
	ErrCodeMismatch = errors.New("recovery code does not match")
	// ErrCodeExpired means the code was correct but presented too late
	ErrCodeExpired = errors.New("recovery code has expired")
)

// Attempt is one issued recovery code. Only the sha256 digest of the
// code is stored. Issuing a new code invalidates all outstanding
// unverified attempts, so at most one attempt is ever live.
type Attempt struct {
	ID              uint       `json:"id" gorm:"primaryKey"`
	CustomerID      string     `json:"customerId" gorm:"index"`
	CodeHash        string     `json:"-"`
	IssuedAt        time.Time  `json:"issuedAt"`
	ExpiresAt       time.Time  `json:"expiresAt"`
	VerifiedAt      *time.Time `json:"verifiedAt"`
	WindowExpiresAt *time.Time `json:"windowExpiresAt"`
	Invalidated     bool       `json:"invalidated"`
}
