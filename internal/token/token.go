// Package token implements the envelope signing protocol: an envelope is
// carried as the env claim of a compact RS256 JWS whose issuer is the
// sending agent's logical name. Verification locates the issuer's public
// key in a configured directory, so key distribution stays a deploy-time
// concern — there is no rotation protocol.
package token

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ansa-io/ansa/internal/a2a"
)

// tokenTTL bounds how long a signed envelope stays presentable. Each
// retransmit attempt re-signs, so a short window does not fight the
// retry protocol.
const tokenTTL = 5 * time.Minute

// Claims are the JWT claims carried by every signed envelope.
type Claims struct {
	jwt.RegisteredClaims

	// Env is the transported envelope. A token without it is rejected.
	Env *a2a.Envelope `json:"env,omitempty"`
}

// Signer signs envelopes with one agent's RSA private key.
// Issuer is the agent's logical name — the verifier resolves public keys
// by logical name only, never by the broker-assigned opaque id.
type Signer struct {
	privateKey *rsa.PrivateKey
	issuer     string
	audience   string
}

// NewSignerFromFile loads a PKCS#1 or PKCS#8 PEM private key from disk.
// A missing or unparsable key is a startup-fatal condition for an agent.
func NewSignerFromFile(privateKeyPath, issuer, audience string) (*Signer, error) {
	raw, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("token: reading private key file: %w", err)
	}
	key, err := parsePrivateKey(raw)
	if err != nil {
		return nil, err
	}
	return NewSigner(key, issuer, audience), nil
}

// NewSigner builds a Signer from an in-memory key. Used directly in tests
// with generated ephemeral keys.
func NewSigner(key *rsa.PrivateKey, issuer, audience string) *Signer {
	return &Signer{privateKey: key, issuer: issuer, audience: audience}
}

// Issuer returns the logical name this signer stamps as iss.
func (s *Signer) Issuer() string { return s.issuer }

// Sign wraps the envelope in a fresh RS256 token. Each call produces a new
// iat/exp window, so retransmits never present a stale token.
func (s *Signer) Sign(env *a2a.Envelope) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{s.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
			ID:        uuid.NewString(),
		},
		Env: env,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.privateKey)
	if err != nil {
		return "", fmt.Errorf("token: signing envelope: %w", err)
	}
	return signed, nil
}

// Verifier validates signed envelopes against per-issuer public keys found
// in KeysDir. Keys are loaded lazily on first use and cached — key files
// are placed at deploy time and never change while the process runs.
type Verifier struct {
	// KeysDir is the directory searched for issuer public keys.
	KeysDir string

	// Audience, when non-empty, is enforced against the aud claim.
	Audience string

	mu   sync.RWMutex
	keys map[string]*rsa.PublicKey // issuer → cached public key
}

// NewVerifier creates a Verifier over the given public keys directory.
// audience may be empty to skip aud enforcement. Agents pass the broker id
// as well: the broker forwards tokens unchanged, so their audience is
// always the broker id.
func NewVerifier(keysDir, audience string) *Verifier {
	return &Verifier{
		KeysDir:  keysDir,
		Audience: audience,
		keys:     make(map[string]*rsa.PublicKey),
	}
}

// Verify checks the token signature, expiry and (if configured) audience,
// and returns the env claim. The issuer is read from the unverified token
// first — it indexes the public key the real verification runs under.
func (v *Verifier) Verify(tokenString string) (*a2a.Envelope, error) {
	issuer, err := peekIssuer(tokenString)
	if err != nil {
		return nil, err
	}

	key, err := v.publicKey(issuer)
	if err != nil {
		return nil, err
	}

	opts := []jwt.ParserOption{jwt.WithExpirationRequired(), jwt.WithIssuer(issuer)}
	if v.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.Audience))
	}

	parsed, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(t *jwt.Token) (any, error) {
			// Reject anything but RSA methods: prevents alg:none and
			// HMAC key-confusion attacks.
			if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("token: unexpected signing method: %v", t.Header["alg"])
			}
			return key, nil
		},
		opts...,
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.Env == nil {
		return nil, ErrNoEnvelope
	}
	return claims.Env, nil
}

// peekIssuer reads the iss claim without verifying the signature.
func peekIssuer(tokenString string) (string, error) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, &claims); err != nil {
		return "", ErrTokenInvalid
	}
	if claims.Issuer == "" {
		return "", ErrMissingIssuer
	}
	return claims.Issuer, nil
}

// publicKey returns the cached key for issuer, loading it from disk on
// first use. Candidate filenames are tried in priority order; the first
// existing file wins.
func (v *Verifier) publicKey(issuer string) (*rsa.PublicKey, error) {
	v.mu.RLock()
	key, ok := v.keys[issuer]
	v.mu.RUnlock()
	if ok {
		return key, nil
	}

	candidates := []string{
		filepath.Join(v.KeysDir, issuer+"_public.pem"),
		filepath.Join(v.KeysDir, issuer+".pub.pem"),
		filepath.Join(v.KeysDir, issuer+".pem"),
	}

	var raw []byte
	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err == nil {
			raw = data
			break
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("token: reading public key %s: %w", path, err)
		}
	}
	if raw == nil {
		return nil, fmt.Errorf("%w %q in %s", ErrKeyNotFound, issuer, v.KeysDir)
	}

	key, err := parsePublicKey(raw)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	v.keys[issuer] = key
	v.mu.Unlock()
	return key, nil
}

// parsePrivateKey decodes a PEM RSA private key in PKCS#1 or PKCS#8 format.
func parsePrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("token: failed to decode private key PEM block")
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("token: parsing PKCS#1 private key: %w", err)
		}
		return key, nil
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("token: parsing PKCS#8 private key: %w", err)
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("token: PKCS#8 key is not an RSA key")
		}
		return rsaKey, nil
	default:
		return nil, fmt.Errorf("token: unsupported private key PEM type: %s", block.Type)
	}
}

// parsePublicKey decodes a PEM PKIX RSA public key.
func parsePublicKey(pemBytes []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("token: failed to decode public key PEM block")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("token: parsing public key: %w", err)
	}
	rsaKey, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("token: public key is not an RSA key")
	}
	return rsaKey, nil
}

// MarshalPublicKeyPEM encodes an RSA public key in PKIX PEM format.
// Deployment scripts use it to publish an agent's key into a broker's
// public keys directory.
func MarshalPublicKeyPEM(key *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return nil, fmt.Errorf("token: marshaling public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}
