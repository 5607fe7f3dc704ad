// Package authcore is the authentication and session-security core of a
// marketplace backend: credential hashing, dual-domain token issuance with
// rotation and replay detection, session tracking, brute-force lockout,
// TOTP second factor with recovery codes, and email-verification and
// password-reset token lifecycles.
//
// The root package exposes the [Service] orchestrator, built through
// [Builder], plus the error taxonomy and the [UserRepository] integration
// interface. Each support component lives in its own subpackage and is
// usable on its own; the Service is their sole composer and the only caller
// of the user repository.
//
// All mutable state lives in Redis. The relational user store, outbound
// email delivery, and the transport layer are integration points supplied
// by the caller.
package authcore
