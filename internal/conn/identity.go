package conn

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/golang-jwt/jwt/v5"
)

var identityRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]{0,127}$`)

// ValidIdentity reports whether id is an acceptable user identity.
func ValidIdentity(id string) bool {
	return identityRe.MatchString(id)
}

// claimKeys are checked in order when the identity comes from the token.
var claimKeys = []string{"sub", "userId", "user_id", "id"}

// IdentityFromToken reads the user id out of a JWT without verifying its
// signature. The server verifies; the client only needs to know who it is.
func IdentityFromToken(token string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	for _, k := range claimKeys {
		switch v := claims[k].(type) {
		case string:
			if v != "" {
				return v, nil
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), nil
		}
	}
	return "", fmt.Errorf("token has no user id claim")
}
