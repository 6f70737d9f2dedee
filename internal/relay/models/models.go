// Package models defines the relay's persistence records. All payload fields
// are opaque ciphertext; the relay can route and store them but never read
// them.
package models

import "time"

// Principal is one (user, device) enrollment known to the relay. Salt lets a
// fresh device re-derive its keys; Verifier is a hash of the auth subkey and
// is compared in constant time at login.
type Principal struct {
	ID        string
	CompanyID string
	UserID    string
	DeviceID  string
	Role      string
	Salt      []byte
	Verifier  []byte
	CreatedAt time.Time
}

// RefreshToken is a server-stored, single-use refresh credential.
type RefreshToken struct {
	PrincipalID string
	Token       string
	Expires     time.Time
}

// Delta is one stored sync unit. ServerSeq is the relay-assigned, strictly
// increasing pull cursor within a company.
type Delta struct {
	ServerSeq   int64
	DeltaID     string
	CompanyID   string
	PrincipalID string
	Timestamp   time.Time
	Ciphertext  []byte
	Nonce       []byte
	Hash        []byte
	CreatedAt   time.Time
}
