package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// SignatureHeader carries the HMAC of a webhook body
const SignatureHeader = "X-Atlasprobe-Signature"

const signaturePrefix = "sha256="

// SignPayload returns the HMAC-SHA256 of payload as "sha256=<hex>"
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature produced by SignPayload.
// The "sha256=" prefix is optional.
func VerifySignature(payload []byte, signature, secret string) bool {
	if signature == "" {
		return false
	}
	if !strings.HasPrefix(signature, signaturePrefix) {
		signature = signaturePrefix + signature
	}
	return hmac.Equal([]byte(SignPayload(payload, secret)), []byte(signature))
}

// GenerateRequestID generates a unique request ID
func GenerateRequestID() string {
	return uuid.NewString()
}
