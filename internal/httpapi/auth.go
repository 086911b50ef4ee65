package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"
)

// authError carries an HTTP status alongside a machine-readable code so
// handlers can emit a consistent error envelope.
type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string { return e.message }

// verifyWebhookHMAC checks the commerce platform's webhook signature. The
// signature is a base64-encoded HMAC-SHA256 of the raw request body keyed by
// the shared webhook secret.
func verifyWebhookHMAC(r *http.Request, body []byte, secret string) *authError {
	if secret == "" {
		return &authError{status: http.StatusInternalServerError, code: "not_configured", message: "webhook secret is not configured"}
	}
	provided := strings.TrimSpace(r.Header.Get("X-Webhook-Hmac-Sha256"))
	if provided == "" {
		return &authError{status: http.StatusUnauthorized, code: "missing_signature", message: "missing X-Webhook-Hmac-Sha256 header"}
	}
	decoded, err := base64.StdEncoding.DecodeString(provided)
	if err != nil {
		return &authError{status: http.StatusUnauthorized, code: "invalid_signature", message: "signature is not valid base64"}
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(decoded, mac.Sum(nil)) {
		return &authError{status: http.StatusUnauthorized, code: "invalid_signature", message: "webhook signature mismatch"}
	}
	return nil
}

// authorizeAdmin checks the bearer token on admin endpoints.
func authorizeAdmin(r *http.Request, token string) *authError {
	if token == "" {
		return &authError{status: http.StatusInternalServerError, code: "not_configured", message: "admin token is not configured"}
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return &authError{status: http.StatusUnauthorized, code: "missing_token", message: "missing Authorization header"}
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return &authError{status: http.StatusUnauthorized, code: "invalid_token", message: "Authorization header must use Bearer scheme"}
	}
	provided := strings.TrimSpace(header[len(prefix):])
	if subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
		return &authError{status: http.StatusUnauthorized, code: "invalid_token", message: "admin token mismatch"}
	}
	return nil
}
