package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// verifyWebhookSignature checks the X-Notion-Signature header: an HMAC-SHA256
// of the raw body keyed with the subscription's verification token, in the
// form "sha256=<hex>".
func verifyWebhookSignature(secret, signature string, body []byte) *authError {
	if strings.TrimSpace(signature) == "" {
		return &authError{status: 401, code: "unauthorized", message: "missing webhook signature"}
	}
	provided := strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(strings.ToLower(provided)), []byte(expected)) {
		return &authError{status: 401, code: "unauthorized", message: "webhook signature mismatch"}
	}
	return nil
}

// authorizeAdmin checks the bearer token guarding the read/ops passthrough
// endpoints.
func authorizeAdmin(authHeader, adminToken string) *authError {
	if adminToken == "" {
		return &authError{status: 403, code: "forbidden", message: "admin endpoints are disabled"}
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return &authError{status: 401, code: "unauthorized", message: "missing or invalid bearer token"}
	}
	provided := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if subtle.ConstantTimeCompare([]byte(provided), []byte(adminToken)) != 1 {
		return &authError{status: 403, code: "forbidden", message: "invalid admin token"}
	}
	return nil
}
