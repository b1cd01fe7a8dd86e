// ABOUTME: Handshake authentication for WebSocket upgrade requests
// ABOUTME: Extracts the JWT from the Authorization header or token query parameter

package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"
)

// Handshake errors
var (
	ErrMissingToken  = errors.New("missing bearer token")
	ErrInvalidHeader = errors.New("invalid authorization header format")
)

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// ExtractToken returns the bearer token carried by r. The Authorization
// header wins over the token query parameter.
func ExtractToken(r *http.Request) (string, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		token, errMsg := extractBearerToken(header)
		if errMsg != "" {
			return "", ErrInvalidHeader
		}
		return token, nil
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}
	return "", ErrMissingToken
}

// Authenticate verifies the token on r and returns the resulting identity.
func Authenticate(r *http.Request, verifier TokenVerifier) (*AuthContext, error) {
	token, err := ExtractToken(r)
	if err != nil {
		return nil, err
	}
	principalID, err := verifier.Verify(token)
	if err != nil {
		return nil, err
	}
	return &AuthContext{PrincipalID: principalID, AuthenticatedAt: time.Now()}, nil
}
