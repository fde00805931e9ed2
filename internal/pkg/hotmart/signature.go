package hotmart

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

const signaturePrefix = "sha256="

// VerifySignature checks headerSignature against HMAC-SHA256(secret, rawBody).
// rawBody must be the bytes exactly as received; any re-encoding of the JSON
// changes the digest. The "sha256=" prefix is optional and case-sensitive.
// Missing inputs or undecodable signatures yield false.
func VerifySignature(rawBody []byte, headerSignature, secret string) bool {
	sig := strings.TrimSpace(headerSignature)
	if sig == "" || secret == "" {
		return false
	}
	sig = strings.TrimPrefix(sig, signaturePrefix)

	decodedSig, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(rawBody)
	return hmac.Equal(mac.Sum(nil), decodedSig)
}

// Sign returns the "sha256=<hex>" header value for rawBody.
func Sign(rawBody []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(rawBody)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verifier authenticates deliveries with the configured secret.
type Verifier struct {
	cfg Config
}

func NewVerifier(cfg Config) *Verifier {
	if cfg.SignatureHeader == "" {
		cfg.SignatureHeader = DefaultSignatureHeader
	}
	return &Verifier{cfg: cfg}
}

// Verify accepts a delivery when its HMAC header matches the body, or, if a
// hottok is configured, when the hottok header matches.
func (v *Verifier) Verify(rawBody []byte, header func(string) string) bool {
	if v.cfg.Secret != "" && VerifySignature(rawBody, header(v.cfg.SignatureHeader), v.cfg.Secret) {
		return true
	}
	if v.cfg.Hottok != "" {
		got := strings.TrimSpace(header(HottokHeader))
		return got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(v.cfg.Hottok)) == 1
	}
	return false
}
