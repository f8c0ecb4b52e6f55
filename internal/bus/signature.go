package bus

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SignatureHeader carries the ingress HMAC.
const SignatureHeader = "X-StarBridge-Signature"

const signaturePrefix = "sha256="

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks sig against body in constant time. The optional
// "sha256=" prefix is accepted.
func VerifySignature(secret, body []byte, sig string) bool {
	sig = strings.TrimSpace(sig)
	sig = strings.TrimPrefix(sig, signaturePrefix)
	if sig == "" {
		return false
	}
	got, err := hex.DecodeString(strings.ToLower(sig))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}
