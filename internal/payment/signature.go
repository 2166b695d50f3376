package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const signatureVersion = "v1"

// ComputeSignature returns the hex HMAC-SHA256 of "{timestamp}.{rawBody}".
func ComputeSignature(rawBody []byte, timestamp, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'.'})
	mac.Write(rawBody)
	return hex.EncodeToString(mac.Sum(nil))
}

// FormatSignatureHeader builds a svix-signature header value for the payload.
func FormatSignatureHeader(rawBody []byte, timestamp, secret string) string {
	return signatureVersion + "=" + ComputeSignature(rawBody, timestamp, secret)
}

// VerifySignature checks signatureHeader, a comma separated list of
// version=hexsignature pairs, against the payload. Only v1 entries are
// considered. Any missing input fails verification.
func VerifySignature(rawBody []byte, timestamp, signatureHeader, secret string) bool {
	if strings.TrimSpace(signatureHeader) == "" || strings.TrimSpace(timestamp) == "" || secret == "" {
		return false
	}

	candidates := parseSignatureHeader(signatureHeader)
	if len(candidates) == 0 {
		return false
	}

	expected := []byte(ComputeSignature(rawBody, timestamp, secret))
	for _, candidate := range candidates {
		if hmac.Equal(expected, []byte(strings.ToLower(candidate))) {
			return true
		}
	}
	return false
}

func parseSignatureHeader(header string) []string {
	var out []string
	for _, pair := range strings.Split(header, ",") {
		version, signature, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || strings.TrimSpace(version) != signatureVersion {
			continue
		}
		signature = strings.TrimSpace(signature)
		if signature != "" {
			out = append(out, signature)
		}
	}
	return out
}
