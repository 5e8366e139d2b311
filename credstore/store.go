// Package credstore defines the persistence contract for the session
// manager's credentials and provides in-memory and encrypted file-backed
// implementations. The session manager is the only writer; the medium behind
// the contract is deliberately opaque to it.
package credstore

// Logical keys the session manager persists. KeyLegacyToken mirrors the
// access token under its pre-rename key so older consumers keep working.
const (
	KeyAccessToken  = "access_token"
	KeyRefreshToken = "refresh_token"
	KeyUser         = "user"
	KeyLegacyToken  = "token"
)

// Store is the minimal key/value contract the session manager requires.
// Values are opaque strings. A ttlDays of zero means no expiry. Reads are
// atomic per key; no cross-key ordering is guaranteed by the store itself.
type Store interface {
	Set(key, value string, ttlDays int) error
	Get(key string) (string, bool)
	Remove(key string) error
	Clear() error
}
