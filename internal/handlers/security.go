package handlers

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
)

// SignatureHeader carries hex(HMAC-SHA256(body, secret)) on internal calls.
const SignatureHeader = "X-Assistant-Signature"

const maxBodyBytes = 1 << 20

// Sign returns the signature an internal caller must send for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// RequireSignature admits only requests whose body is signed with secret.
// An empty secret closes the route entirely.
func RequireSignature(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				http.NotFound(w, r)
				return
			}
			sig := r.Header.Get(SignatureHeader)
			if sig == "" {
				writeJSON(w, http.StatusUnauthorized, message{Msg: "Missing signature"})
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
			if err != nil {
				writeJSON(w, http.StatusBadRequest, message{Msg: "Unreadable body"})
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body)) // restore for the handler

			if !hmac.Equal([]byte(sig), []byte(Sign(secret, body))) {
				writeJSON(w, http.StatusUnauthorized, message{Msg: "Invalid signature"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
