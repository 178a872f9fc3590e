package util

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"escrowflow/internal/model"
)

// ActorClaims 身份由外部签发，这里只读取 sub 和 role
type ActorClaims struct {
	Role model.Role `json:"role"`
	jwt.RegisteredClaims
}

// GenerateJWT creates a token for the given actor.
func GenerateJWT(actor model.Actor, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := ActorClaims{
		Role: actor.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ParseJWT validates token and extracts the actor.
func ParseJWT(tokenStr, secret string) (model.Actor, error) {
	var claims ActorClaims
	token, err := jwt.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return model.Actor{}, err
	}
	if !token.Valid {
		return model.Actor{}, jwt.ErrTokenInvalidClaims
	}
	if claims.Subject == "" {
		return model.Actor{}, errors.New("token without subject")
	}
	if !claims.Role.Valid() {
		return model.Actor{}, errors.New("token with unknown role")
	}
	return model.Actor{ID: claims.Subject, Role: claims.Role}, nil
}

func ExtractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}

	parts := strings.Split(auth, " ")
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}

	return parts[1]
}
