package ingest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const signaturePrefix = "sha256="

// VerifySignature checks header against the HMAC-SHA256 of body keyed by secret.
// The header has the form "sha256=<hex>". An empty secret rejects everything.
func VerifySignature(secret string, body []byte, header string) error {
	if secret == "" {
		return ErrSignatureInvalid
	}
	hexSig, ok := strings.CutPrefix(header, signaturePrefix)
	if !ok {
		return ErrSignatureInvalid
	}
	got, err := hex.DecodeString(hexSig)
	if err != nil {
		return ErrSignatureInvalid
	}
	if !hmac.Equal(got, Sign(secret, body)) {
		return ErrSignatureInvalid
	}
	return nil
}

// Sign returns the raw HMAC-SHA256 of body.
func Sign(secret string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}

// SignatureHeader formats the header value a code host would send for body.
func SignatureHeader(secret string, body []byte) string {
	return signaturePrefix + hex.EncodeToString(Sign(secret, body))
}
