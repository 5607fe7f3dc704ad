// Package session tracks ephemeral per-login session records with TTL-based
// expiry, a per-user index for bulk invalidation, and the access-token
// blacklist consulted on every authenticated request.
//
// A session record and its user-index pointer are always written in one
// transactional pipeline so a revoked session can never leak as live. The
// reverse is tolerated: an index pointer to an already-expired record is not
// an error, only a miss.
package session
