// Package auth holds the credential primitives of the fleet: Argon2id
// hashing for operator tokens, HS256 JWTs for device sessions and
// provisioning claims, and public-key fingerprints that identify devices.
//
// A device identity is the SHA-256 fingerprint of its public key. Claims
// pin the fingerprint they may enrol; session tokens carry the fingerprint
// they were issued under so the identity store can refuse revoked keys.
package auth
