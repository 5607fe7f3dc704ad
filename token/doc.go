// Package token signs and verifies the compact, expiring, tamper-evident
// tokens used by the authentication core. Two independent HS256 signing
// domains (access, refresh) carry typed claims; a short-lived pending-2FA
// type rides the access domain with a distinct type tag so it can never be
// accepted where a real access token is expected.
//
// Verify never returns an error: a bad signature, expired token, wrong
// domain, or wrong type tag all yield nil, and callers treat nil as
// "unauthenticated" without learning which check failed.
package token
