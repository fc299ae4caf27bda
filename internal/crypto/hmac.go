// Package crypto implements the HMAC-SHA256 request signing used by the
// Phemex REST and stream APIs.
package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Signer holds the API credentials and produces per-request signatures.
// There is no session-level token for REST calls: every request carries its
// own signature over the endpoint path, the canonical query string, and a
// short-lived expiry timestamp.
type Signer struct {
	Key    string
	secret []byte
}

// NewSigner creates a Signer for the given API key and secret.
func NewSigner(key, secret string) *Signer {
	return &Signer{Key: key, secret: []byte(secret)}
}

// SignRequest returns the hex signature for a REST call:
// HMAC-SHA256(secret, path + query + expiry). The query string must be in
// its canonical (unescaped-comma) form; expiry is a Unix second supplied by
// the caller so signatures are deterministic under test.
func (s *Signer) SignRequest(path, query string, expiry int64) string {
	return s.sign(fmt.Sprintf("%s%s%d", path, query, expiry))
}

// SignStreamAuth returns the hex signature for the one-time stream
// authentication handshake: HMAC-SHA256(secret, apiKey + expiry).
func (s *Signer) SignStreamAuth(expiry int64) string {
	return s.sign(fmt.Sprintf("%s%d", s.Key, expiry))
}

func (s *Signer) sign(message string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// String returns a redacted representation suitable for logging.
func (s *Signer) String() string {
	redact := func(v string) string {
		if len(v) <= 4 {
			return "****"
		}
		return v[:4] + "****"
	}
	return fmt.Sprintf("Signer{key=%s}", redact(s.Key))
}
