// Package password provides one-way credential hashing for the authentication
// core: slow argon2id digests for user passwords, and fast sha256 digests for
// high-entropy tokens whose at-rest storage does not need brute-force
// resistance (refresh tokens, verification tokens, recovery codes).
//
// # Architecture boundaries
//
// password performs no I/O and holds no state beyond its tuning parameters.
// It must not import any other authcore package.
package password
