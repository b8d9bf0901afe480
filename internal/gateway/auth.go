package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/devangk003/hivecodex-sub000/pkg/proto"
)

// ErrUnauthorized indicates a missing or unverifiable identity token.
var ErrUnauthorized = errors.New("unauthorized")

// identityFromRequest extracts the authenticated user from the
// handshake. Browsers cannot set headers on websocket upgrades, so the
// token is accepted from either the Authorization header or the token
// query parameter.
func identityFromRequest(r *http.Request, secret string) (proto.User, error) {
	token := r.URL.Query().Get("token")
	if auth := r.Header.Get("Authorization"); auth != "" {
		token = strings.TrimPrefix(auth, "Bearer ")
	}
	if token == "" {
		return proto.User{}, fmt.Errorf("%w: no token", ErrUnauthorized)
	}
	return parseIdentity(token, secret)
}

// parseIdentity verifies an HS256 identity token minted by the account
// service and returns the user it names. The sync core trusts the
// shared secret; it performs no credential checks of its own.
func parseIdentity(token, secret string) (proto.User, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil || !parsed.Valid {
		return proto.User{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return proto.User{}, fmt.Errorf("%w: unexpected claims shape", ErrUnauthorized)
	}
	userID, _ := claims["userId"].(string)
	displayName, _ := claims["displayName"].(string)
	if userID == "" {
		return proto.User{}, fmt.Errorf("%w: token names no user", ErrUnauthorized)
	}
	return proto.User{ID: userID, DisplayName: displayName}, nil
}
