// Package session implements the session registry: durable fingerprint-backed
// session records, in-memory membership, per-connection token issuance, and
// inactivity expiry.
//
// A session exists persistently iff a fingerprint record exists. An active
// session additionally has an in-memory membership map; membership and tokens
// are never persisted and do not survive restarts.
package session

import (
	"crypto/subtle"
	"errors"
	"time"
)

// Sentinel errors for session operations.
var (
	// ErrInvalidPassphrase is returned when a join presents a fingerprint
	// that does not byte-match the stored record.
	ErrInvalidPassphrase = errors.New("invalid passphrase")

	// ErrSessionNotFound is returned when a session record is missing.
	ErrSessionNotFound = errors.New("session not found")
)

// Session is the durable session record.
//
// The fingerprint is a zero-knowledge proof of passphrase knowledge computed
// client-side; the server stores it on first join and requires byte-equal
// fingerprints on subsequent joins. The server never interprets it.
type Session struct {
	SessionID       string    `gorm:"primaryKey;size:255" json:"session_id"`
	FingerprintIV   []byte    `gorm:"not null" json:"-"`
	FingerprintData []byte    `gorm:"not null" json:"-"`
	CreatedAt       time.Time `json:"created_at"`
	LastActivity    time.Time `gorm:"index" json:"last_activity"`
}

// TableName returns the table name for Session.
func (Session) TableName() string {
	return "sessions"
}

// Fingerprint is the client-computed proof of passphrase possession.
type Fingerprint struct {
	IV   []byte `json:"iv"`
	Data []byte `json:"data"`
}

// Equal reports whether two fingerprints are byte-equal.
// Comparison is constant-time over both halves.
func (f Fingerprint) Equal(other Fingerprint) bool {
	if len(f.IV) != len(other.IV) || len(f.Data) != len(other.Data) {
		return false
	}
	ivEq := subtle.ConstantTimeCompare(f.IV, other.IV)
	dataEq := subtle.ConstantTimeCompare(f.Data, other.Data)
	return ivEq&dataEq == 1
}

// Valid reports whether the fingerprint carries both halves.
func (f Fingerprint) Valid() bool {
	return len(f.IV) > 0 && len(f.Data) > 0
}

// Client is a session member. Lifetime is bound to the connection: clients
// are dropped on disconnect, leave, or session expiry.
type Client struct {
	ClientID   string `json:"id"`
	ClientName string `json:"name"`
}
