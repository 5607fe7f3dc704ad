// Package verification implements the single-use, TTL-bound token
// lifecycles behind email verification and password reset. The two issuers
// share one shape: a {token hash -> payload} record and a {user -> hash}
// pointer written together under the same TTL, so at most one token per
// user is ever active and issuing a new one silently invalidates the old.
//
// The reset issuer additionally rate-limits issuance per email (rolling
// window), independent of the single-active-token rule.
package verification
