// Package auth resolves bearer credentials into public users.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/Chat/internal/domain"
	"github.com/golang-jwt/jwt/v5"
)

const (
	issuer          = "chat"
	DefaultTokenTTL = 24 * time.Hour
)

// Claims is the token payload. Tmp marks a guest account.
type Claims struct {
	Name string `json:"name"`
	Tmp  bool   `json:"tmp"`
	jwt.RegisteredClaims
}

// JWTIssuer signs and verifies HS256 tokens.
type JWTIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewJWTIssuer(secret string, ttl time.Duration) (*JWTIssuer, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is empty")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &JWTIssuer{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// IssueGuest creates a guest user and a token for it.
func (i *JWTIssuer) IssueGuest(username string) (string, domain.PublicUser, error) {
	user, err := domain.NewGuest(username)
	if err != nil {
		return "", domain.PublicUser{}, err
	}
	token, err := i.Issue(user)
	if err != nil {
		return "", domain.PublicUser{}, err
	}
	return token, user, nil
}

func (i *JWTIssuer) Issue(user domain.PublicUser) (string, error) {
	now := i.now()
	claims := &Claims{
		Name: user.Username,
		Tmp:  user.IsGuest(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(user.ID),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// ResolveIdentity verifies credential and rebuilds the user from its
// claims. Every failure wraps domain.ErrUnauthenticated.
func (i *JWTIssuer) ResolveIdentity(_ context.Context, credential string) (domain.PublicUser, error) {
	if credential == "" {
		return domain.PublicUser{}, fmt.Errorf("%w: missing credential", domain.ErrUnauthenticated)
	}
	token, err := jwt.ParseWithClaims(credential, &Claims{}, func(t *jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(i.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return domain.PublicUser{}, fmt.Errorf("%w: %v", domain.ErrUnauthenticated, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return domain.PublicUser{}, fmt.Errorf("%w: %v", domain.ErrUnauthenticated, jwt.ErrSignatureInvalid)
	}
	tier := domain.TierPermanent
	if claims.Tmp {
		tier = domain.TierGuest
	}
	user, err := domain.NewPublicUser(domain.UserID(claims.Subject), claims.Name, tier)
	if err != nil {
		return domain.PublicUser{}, fmt.Errorf("%w: %v", domain.ErrUnauthenticated, err)
	}
	return user, nil
}
