package token

import "errors"

// Sentinel errors returned by the signer and verifier.
// Callers should use errors.Is for comparison.
var (
	// ErrTokenExpired is returned when a token's exp claim is in the past.
	ErrTokenExpired = errors.New("token: expired")

	// ErrTokenInvalid is returned when a token cannot be parsed or its
	// signature does not verify. Kept deliberately unspecific — the HTTP
	// layer must not leak verification detail to the caller.
	ErrTokenInvalid = errors.New("token: invalid")

	// ErrMissingIssuer is returned when a token carries no iss claim, which
	// makes the public key lookup impossible.
	ErrMissingIssuer = errors.New("token: missing iss claim")

	// ErrKeyNotFound is returned when no public key file matches the
	// issuer in the configured keys directory.
	ErrKeyNotFound = errors.New("token: no public key for issuer")

	// ErrNoEnvelope is returned when a verified token has no env claim.
	ErrNoEnvelope = errors.New("token: missing env claim")
)
