package httpapi

import (
	"errors"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"gudangku/backend/internal/domain"
)

const tokenIssuer = "gudangku"

// TokenVerifier checks HS256 bearer tokens minted by the account service.
// Tokens carry the user id as subject plus the role and shop memberships.
type TokenVerifier struct {
	secret []byte
}

type gudangClaims struct {
	jwtlib.RegisteredClaims
	Role  string   `json:"role"`
	Shops []string `json:"shops,omitempty"`
}

func NewTokenVerifier(secret string) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret)}
}

func (v *TokenVerifier) ParseToken(tokenStr string) (domain.Actor, error) {
	claims := &gudangClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return v.secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256"}), jwtlib.WithIssuer(tokenIssuer))
	if err != nil || !token.Valid {
		return domain.Actor{}, errors.New("invalid or expired token")
	}
	sub, err := claims.GetSubject()
	if err != nil || strings.TrimSpace(sub) == "" {
		return domain.Actor{}, errors.New("invalid token subject")
	}
	if !knownRole(claims.Role) {
		return domain.Actor{}, errors.New("invalid token role")
	}
	return domain.Actor{UserID: sub, Role: claims.Role, ShopIDs: claims.Shops}, nil
}

// Sign mints a token for actor. Used by tests and local tooling.
func (v *TokenVerifier) Sign(actor domain.Actor, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := gudangClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   actor.UserID,
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(ttl)),
			Issuer:    tokenIssuer,
		},
		Role:  actor.Role,
		Shops: actor.ShopIDs,
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

func knownRole(role string) bool {
	switch role {
	case domain.RoleAdmin, domain.RoleOwner, domain.RoleStaff:
		return true
	}
	return false
}
