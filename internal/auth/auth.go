package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrUnauthorized = errors.New("unauthorized")

type contextKey string

const identityContextKey contextKey = "identity"

// Identity is the caller as described by a verified access token.
type Identity struct {
	UserID    uuid.UUID
	Email     string
	FirstName string
	LastName  string
	Picture   string
}

// Claims accepts the user id either as user_id or as the standard subject.
type Claims struct {
	UserID    string `json:"user_id,omitempty"`
	Email     string `json:"email,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Picture   string `json:"picture,omitempty"`
	jwt.RegisteredClaims
}

// Verifier checks HS256 access tokens signed with a shared secret.
type Verifier struct {
	secret []byte
	parser *jwt.Parser
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{
		secret: []byte(secret),
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()),
	}
}

func (v *Verifier) Verify(tokenString string) (Identity, error) {
	var claims Claims
	token, err := v.parser.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("invalid token: %v: %w", err, ErrUnauthorized)
	}
	if !token.Valid {
		return Identity{}, fmt.Errorf("invalid token: %w", ErrUnauthorized)
	}

	raw := claims.UserID
	if raw == "" {
		raw = claims.Subject
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return Identity{}, fmt.Errorf("invalid user id in token claims: %w", ErrUnauthorized)
	}
	return Identity{
		UserID:    id,
		Email:     claims.Email,
		FirstName: claims.FirstName,
		LastName:  claims.LastName,
		Picture:   claims.Picture,
	}, nil
}

// Authenticate verifies the bearer token of r. Browsers cannot set headers
// on websocket upgrades, so the token query parameter is accepted too.
func (v *Verifier) Authenticate(r *http.Request) (Identity, error) {
	token, err := TokenFromRequest(r)
	if err != nil {
		return Identity{}, err
	}
	return v.Verify(token)
}

func TokenFromRequest(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
			return "", fmt.Errorf("invalid authorization header format: %w", ErrUnauthorized)
		}
		return strings.TrimSpace(parts[1]), nil
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t, nil
	}
	return "", fmt.Errorf("authorization header required: %w", ErrUnauthorized)
}

// Issue signs an access token for id that expires after ttl.
func (v *Verifier) Issue(id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:    id.UserID.String(),
		Email:     id.Email,
		FirstName: id.FirstName,
		LastName:  id.LastName,
		Picture:   id.Picture,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}
	return s, nil
}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityContextKey).(Identity)
	return id, ok
}
