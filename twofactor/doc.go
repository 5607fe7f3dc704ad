// Package twofactor implements the TOTP second-factor lifecycle and
// single-use recovery codes.
//
// Per-user state machine: NONE -> PENDING_SETUP -> ENABLED -> NONE. Setup
// material (the candidate secret and provisional recovery-code hashes) lives
// under a short TTL and commits only after the user proves possession of the
// secret; disabling, or cancelling a pending setup, returns to NONE.
// Malformed or expired pending data reads as "no setup in progress", never
// as a failure.
package twofactor
