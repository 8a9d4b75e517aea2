// Package server implements credential signing and verification for the
// trollbox handshake. Tokens are HMAC-SHA256 signed JSON documents carried as
// unpadded base64url in the WebSocket upgrade request.
package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// CredentialExpiry is the window during which signed credentials stay valid.
const CredentialExpiry = 6 * time.Hour

// Credentials carries the identity claims asserted by the token issuer.
// The field order is a frozen wire contract: the signature is computed over
// the JSON serialization of this struct, so reordering or renaming fields
// invalidates every previously issued token.
type Credentials struct {
	Timestamp uint64 `json:"timestamp"`
	Username  string `json:"username"`
	UID       uint32 `json:"uid"`
	Role      string `json:"role"`
}

// SignedCredentials pairs identity claims with their lowercase-hex
// HMAC-SHA256 signature. Immutable once constructed.
type SignedCredentials struct {
	Credentials Credentials `json:"credentials"`
	Signature   string      `json:"signature"`
}

var (
	// ErrMalformedToken reports a token that could not be decoded at all
	// (bad base64, bad UTF-8, bad JSON). Distinct from a signature failure
	// and checked before any HMAC work.
	ErrMalformedToken = errors.New("credential token is not decodable")

	// ErrMissingToken reports an upgrade request without a token value.
	ErrMissingToken = errors.New("credential token missing from request")

	// ErrExpiredCredentials reports credentials older than CredentialExpiry.
	ErrExpiredCredentials = errors.New("credentials have expired")

	// ErrBadSignature reports a signature that does not match the claims.
	ErrBadSignature = errors.New("credential signature mismatch")
)

// TokenVerifier validates signed credentials against a process-wide secret.
// The secret is injected at construction; the verifier itself is stateless
// and safe for concurrent use.
type TokenVerifier struct {
	secret []byte
}

// NewTokenVerifier creates a verifier bound to the given shared secret.
func NewTokenVerifier(secret string) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret)}
}

// Sign computes the lowercase-hex HMAC-SHA256 signature over the canonical
// JSON serialization of the credentials. Signing is deterministic: the same
// credentials and secret always produce the same signature.
func (v *TokenVerifier) Sign(creds Credentials) string {
	payload, err := json.Marshal(creds)
	if err != nil {
		// Credentials contains only scalar fields; Marshal cannot fail.
		panic(fmt.Sprintf("marshal credentials: %v", err))
	}
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks the expiry window and the signature of signed credentials.
// The window is inclusive: credentials issued exactly CredentialExpiry ago
// are still valid. Returns nil on success.
func (v *TokenVerifier) Verify(sc SignedCredentials, now time.Time) error {
	age := now.Unix() - int64(sc.Credentials.Timestamp)
	if age > int64(CredentialExpiry/time.Second) {
		return ErrExpiredCredentials
	}
	expected := v.Sign(sc.Credentials)
	if !hmac.Equal([]byte(expected), []byte(sc.Signature)) {
		return ErrBadSignature
	}
	return nil
}

// MintToken signs the credentials and returns them in the wire token
// encoding. Used by the development token endpoint and by tests.
func (v *TokenVerifier) MintToken(creds Credentials) string {
	sc := SignedCredentials{Credentials: creds, Signature: v.Sign(creds)}
	return EncodeToken(sc)
}

// EncodeToken serializes signed credentials into the wire token format:
// unpadded base64url over the JSON document.
func EncodeToken(sc SignedCredentials) string {
	payload, err := json.Marshal(sc)
	if err != nil {
		panic(fmt.Sprintf("marshal signed credentials: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(payload)
}

// DecodeToken parses a wire token back into signed credentials. Every
// decode failure maps to ErrMalformedToken so callers can distinguish
// unparseable tokens from signature or expiry failures.
func DecodeToken(token string) (SignedCredentials, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return SignedCredentials{}, fmt.Errorf("%w: invalid base64url: %v", ErrMalformedToken, err)
	}
	if !utf8.Valid(raw) {
		return SignedCredentials{}, fmt.Errorf("%w: payload is not valid UTF-8", ErrMalformedToken)
	}
	var sc SignedCredentials
	if err := json.Unmarshal(raw, &sc); err != nil {
		return SignedCredentials{}, fmt.Errorf("%w: invalid JSON: %v", ErrMalformedToken, err)
	}
	return sc, nil
}

// TokenFromQuery extracts the credential token from the upgrade request's
// raw query component. By protocol convention the token is the substring
// after the final '=' in the query, e.g. "/ws?token=<value>". A missing
// query or a query without '=' is an ErrMissingToken.
func TokenFromQuery(rawQuery string) (string, error) {
	if rawQuery == "" {
		return "", fmt.Errorf("%w: no query component", ErrMissingToken)
	}
	idx := strings.LastIndex(rawQuery, "=")
	if idx < 0 {
		return "", fmt.Errorf("%w: no '=' delimiter in query", ErrMissingToken)
	}
	return rawQuery[idx+1:], nil
}
