// Package auth issues and verifies registry bearer tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dmitrijs2005/pkgkeeper/internal/common"
)

// Claims are the registry token claims: the standard ones plus the granted
// access list.
type Claims struct {
	jwt.RegisteredClaims
	Access []Access `json:"access"`
}

type TokenRequest struct {
	Username string
	Password string
	Service  string
	Scopes   []string
}

// TokenResponse is the body of the token endpoint. Token and AccessToken
// carry the same value for older and newer clients.
type TokenResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	IssuedAt    string `json:"issued_at"`
}

type TokenIssuer struct {
	secret  []byte
	issuer  string
	service string
	ttl     time.Duration
	auth    *Authenticator
	now     func() time.Time
}

func NewTokenIssuer(secret []byte, issuer, service string, ttl time.Duration, a *Authenticator) *TokenIssuer {
	return &TokenIssuer{secret: secret, issuer: issuer, service: service, ttl: ttl, auth: a, now: time.Now}
}

// Issue validates the credentials and mints a token whose access claim
// mirrors the requested scopes.
func (i *TokenIssuer) Issue(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	if req.Service != "" && req.Service != i.service {
		return nil, common.InvalidInput(fmt.Sprintf("unknown service %q", req.Service))
	}
	access, err := ParseScopes(req.Scopes)
	if err != nil {
		return nil, err
	}
	u, err := i.auth.Authenticate(ctx, req.Username, req.Password)
	if err != nil {
		return nil, err
	}

	now := i.now()
	token, err := i.sign(u.Username, access, now)
	if err != nil {
		return nil, err
	}
	return &TokenResponse{
		Token:       token,
		AccessToken: token,
		ExpiresIn:   int(i.ttl / time.Second),
		IssuedAt:    now.UTC().Format(time.RFC3339),
	}, nil
}

func (i *TokenIssuer) sign(subject string, access []Access, now time.Time) (string, error) {
	if access == nil {
		access = []Access{}
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{i.service},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
		Access: access,
	})
	return token.SignedString(i.secret)
}

// Parse verifies signature, expiry, issuer and audience and returns the
// claims.
func (i *TokenIssuer) Parse(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithAudience(i.service),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: token expired", common.ErrInvalidToken)
		}
		return nil, fmt.Errorf("%w: %v", common.ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, common.ErrInvalidToken
	}
	return claims, nil
}

// Allows reports whether the claims grant action on the named repository.
func (c *Claims) Allows(name, action string) bool {
	for _, a := range c.Access {
		if a.Type != "repository" || a.Name != name {
			continue
		}
		for _, act := range a.Actions {
			if act == action || act == "*" {
				return true
			}
		}
	}
	return false
}
