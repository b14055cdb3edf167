package push

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

var ErrNoRiderClaim = errors.New("token carries no rider identity")

// RiderFromToken reads the rider id out of an auth-provider token. The
// signature is not checked here; the push server and API verify it.
func RiderFromToken(token string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("parse rider token: %w", err)
	}
	for _, key := range []string{"rider_id", "passenger_id", "user_id", "sub"} {
		if v, ok := claims[key].(string); ok && v != "" {
			return v, nil
		}
	}
	return "", ErrNoRiderClaim
}
