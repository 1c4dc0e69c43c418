package gateway

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
)

// SecretHeader carries the shared secret on HTTP requests
const SecretHeader = "X-Otaku-Secret"

const (
	challengeBytes  = 32
	maxAuthAttempts = 3
)

// AuthHandler checks callers against the gateway's shared secret. HTTP
// callers present the secret itself; websocket clients prove they hold it
// by signing a random challenge.
type AuthHandler struct {
	secret []byte
}

func NewAuthHandler(sharedSecret string) *AuthHandler {
	return &AuthHandler{secret: []byte(sharedSecret)}
}

// GenerateChallenge returns a fresh random challenge, hex encoded
func (a *AuthHandler) GenerateChallenge() (string, error) {
	buf := make([]byte, challengeBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate challenge: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Sign returns the hex HMAC-SHA256 of challenge under secret
func Sign(secret, challenge string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(challenge))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature is Sign(secret, challenge)
func (a *AuthHandler) VerifySignature(challenge, signature string) bool {
	return equal(Sign(string(a.secret), challenge), signature)
}

// CheckRequest accepts the secret in SecretHeader or as a bearer token
func (a *AuthHandler) CheckRequest(r *http.Request) bool {
	provided := r.Header.Get(SecretHeader)
	if provided == "" {
		if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
			provided = token
		}
	}
	return provided != "" && equal(provided, string(a.secret))
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// HandleAuthResponse checks a client's answer to its pending challenge and
// updates the client's auth state. The caller holds the registry lock.
func (a *AuthHandler) HandleAuthResponse(client *Client, signature string) AuthResult {
	if client.Challenge == "" {
		return authFailure("No challenge found")
	}

	if !a.VerifySignature(client.Challenge, signature) {
		client.AuthAttempts++
		if client.AuthAttempts >= maxAuthAttempts {
			return authFailure("Too many failed attempts")
		}
		return authFailure("Invalid signature")
	}

	client.Authenticated = true
	client.State = StateAuthenticated
	client.AuthAttempts = 0
	client.Challenge = ""
	return AuthResult{Event: "auth.success", Success: true}
}

func authFailure(msg string) AuthResult {
	return AuthResult{Event: "auth.failure", Message: msg}
}
