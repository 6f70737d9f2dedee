// Package api defines the JSON wire contract between clients and the relay.
//
// The relay is a dumb pipe: every payload here is either routing metadata or
// opaque ciphertext. Nothing in this package can represent a decrypted
// ledger record, and the relay never imports a package that can.
package api

import "time"

// Routes, all under the /api/v1 prefix.
const (
	RouteRegister = "/api/v1/register"
	RouteSalt     = "/api/v1/salt"
	RouteLogin    = "/api/v1/login"
	RouteRefresh  = "/api/v1/refresh"
	RouteDeltas   = "/api/v1/deltas"
	RouteAck      = "/api/v1/deltas/ack"
	RoutePresign  = "/api/v1/attachments/presign"
)

// RegisterRequest enrolls a principal with the relay. Salt is stored so the
// principal can re-derive their keys on a fresh device; Verifier is a hash
// of the auth subkey, never the subkey itself.
type RegisterRequest struct {
	CompanyID   string `json:"company_id"`
	PrincipalID string `json:"principal_id"`
	UserID      string `json:"user_id"`
	DeviceID    string `json:"device_id"`
	Role        string `json:"role"`
	Salt        []byte `json:"salt"`
	Verifier    []byte `json:"verifier"`
}

// SaltRequest asks for a principal's stored KDF salt so a fresh device can
// re-derive its keys. The relay answers with a random salt for unknown
// principals to avoid leaking existence.
type SaltRequest struct {
	PrincipalID string `json:"principal_id"`
}

// SaltResponse carries the KDF salt.
type SaltResponse struct {
	Salt []byte `json:"salt"`
}

// LoginRequest authenticates by presenting the verifier.
type LoginRequest struct {
	PrincipalID string `json:"principal_id"`
	Verifier    []byte `json:"verifier"`
}

// RefreshRequest exchanges a refresh token for a new token pair.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// TokenResponse carries a fresh access/refresh pair.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Delta is one opaque sync unit in transit.
type Delta struct {
	ID          string    `json:"id"`
	PrincipalID string    `json:"principal_id"`
	Timestamp   time.Time `json:"timestamp"`
	Ciphertext  []byte    `json:"ciphertext"`
	Nonce       []byte    `json:"nonce"`
	Hash        []byte    `json:"hash"`
}

// PushRequest uploads a batch of deltas.
type PushRequest struct {
	Deltas []Delta `json:"deltas"`
}

// RejectedDelta names a delta the relay refused and why.
type RejectedDelta struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// PushResponse reports per-delta outcomes. A delta the relay has already
// seen counts as accepted, so retries after a lost response are safe.
type PushResponse struct {
	Accepted []string        `json:"accepted"`
	Rejected []RejectedDelta `json:"rejected,omitempty"`
}

// ServerDelta is a stored delta plus its relay-assigned sequence number.
type ServerDelta struct {
	Delta
	ServerSeq int64 `json:"server_seq"`
}

// PullResponse returns deltas after the requested sequence. NextSince is the
// cursor for the following page; More signals that a further page exists.
type PullResponse struct {
	Deltas     []ServerDelta `json:"deltas"`
	NextSince  int64         `json:"next_since"`
	More       bool          `json:"more"`
	ServerTime time.Time     `json:"server_time"`
}

// AckRequest confirms that this device has durably applied the deltas.
type AckRequest struct {
	DeltaIDs []string `json:"delta_ids"`
}

// PresignRequest asks for a presigned attachment URL. Method is "PUT" for
// upload or "GET" for download.
type PresignRequest struct {
	Key    string `json:"key,omitempty"`
	Method string `json:"method"`
}

// PresignResponse carries the presigned URL for a client-side encrypted
// attachment blob.
type PresignResponse struct {
	Key       string    `json:"key"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string `json:"error"`
}
