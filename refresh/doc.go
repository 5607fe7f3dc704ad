// Package refresh stores durable refresh-token records and implements the
// rotation protocol with replay detection and family-wide revocation.
//
// Every issued refresh token is persisted as a record keyed by the token's
// sha256 hash (never the raw token), grouped into a token family descending
// from one login. Rotation marks the presented record revoked and the caller
// issues a replacement under the same family. Any anomaly (record missing,
// already revoked, or past expiry) revokes the entire family, bounding the
// blast radius of a stolen refresh token to at most one reuse.
//
// Records outlive revocation: a revoked record is kept until natural expiry
// plus a grace window so a replayed token is recognized as "revoked"
// (definitive replay) instead of merely "missing".
package refresh
