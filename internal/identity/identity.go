package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"chatcore/internal/store"
	sentinal_errors "chatcore/pkg/errors"
)

// Principal is what the Identity Gate resolves a bearer token to.
type Principal struct {
	UserID   uuid.UUID
	Username string
}

// Verifier verifies the bearer token presented at the connection handshake.
// Failure conditions (missing token, bad signature/expiry, unknown user) are
// distinct internally but collapsed to a single opaque error at the
// boundary, per §4.1: the client never learns which one occurred.
type Verifier interface {
	Verify(ctx context.Context, token string) (Principal, error)
}

// accessClaims mirrors the claims minted by the external auth collaborator;
// this gate only ever parses them, it never issues them.
type accessClaims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

type JWTVerifier struct {
	secret []byte
	store  store.Store
}

func NewJWTVerifier(secret string, s store.Store) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), store: s}
}

func (v *JWTVerifier) Verify(ctx context.Context, token string) (Principal, error) {
	if token == "" {
		return Principal{}, fmt.Errorf("%w: missing token", sentinal_errors.ErrUnauthorized)
	}
	claims := &accessClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, sentinal_errors.ErrUnauthorized
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return Principal{}, fmt.Errorf("%w: invalid signature or expiry", sentinal_errors.ErrUnauthorized)
	}
	userID, err := uuid.Parse(claims.UserID)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: malformed user id claim", sentinal_errors.ErrUnauthorized)
	}
	u, err := v.store.FindUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sentinal_errors.ErrNotFound) {
			return Principal{}, fmt.Errorf("%w: user not found", sentinal_errors.ErrUnauthorized)
		}
		return Principal{}, fmt.Errorf("%w: user lookup failed", sentinal_errors.ErrUnauthorized)
	}
	return Principal{UserID: u.ID, Username: u.Username}, nil
}
