package ingress

import (
	"strings"

	"github.com/golang-jwt/jwt/v4"

	"github.com/example/ridedispatch/internal/apperr"
)

// Identity is what a validated bearer token resolves to: the user's
// opaque identity and their claimed role (spec §4.G "extracting the
// user identity").
type Identity struct {
	UserID string
	Role   string // "rider", "driver" or "admin"
}

// Authenticator validates a bearer token and extracts an Identity
// (spec §4.G). claims must carry "sub" (user id) and "role".
type Authenticator struct {
	secret []byte
}

func NewAuthenticator(accessTokenSecret string) *Authenticator {
	return &Authenticator{secret: []byte(accessTokenSecret)}
}

// Authenticate parses "Bearer <jwt>" out of header and validates the
// token's signature and expiry.
func (a *Authenticator) Authenticate(header string) (Identity, error) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return Identity{}, apperr.New(apperr.AuthFailed, "ingress.Authenticate", nil)
	}
	raw := strings.TrimSpace(parts[1])

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, apperr.New(apperr.AuthFailed, "ingress.Authenticate", nil)
		}
		return a.secret, nil
	})
	if err != nil {
		return Identity{}, apperr.New(apperr.AuthFailed, "ingress.Authenticate", err)
	}

	sub, _ := claims["sub"].(string)
	role, _ := claims["role"].(string)
	if sub == "" {
		return Identity{}, apperr.New(apperr.AuthFailed, "ingress.Authenticate", nil)
	}
	return Identity{UserID: sub, Role: role}, nil
}
