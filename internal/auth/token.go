// Package auth issues and validates the bearer tokens entities/relationships/
// query routes require, grounded on the platform gateway's JWT middleware.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jnarwell/trellis/internal/kernelerr"
)

// Claims carries tenant/actor/role context through a signed token. Typ
// distinguishes an access token from a refresh token so one can never be
// used in place of the other.
type Claims struct {
	TenantID    string   `json:"tenant_id"`
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	Typ         string   `json:"typ"`
	jwt.RegisteredClaims
}

// Issuer signs and validates Claims with a single HMAC secret.
type Issuer struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// NewIssuer constructs an Issuer. accessTTL/refreshTTL of zero fall back to
// 15 minutes / 30 days.
func NewIssuer(secret string, accessTTL, refreshTTL time.Duration) *Issuer {
	if accessTTL <= 0 {
		accessTTL = 15 * time.Minute
	}
	if refreshTTL <= 0 {
		refreshTTL = 30 * 24 * time.Hour
	}
	return &Issuer{secret: []byte(secret), accessTTL: accessTTL, refreshTTL: refreshTTL}
}

// TokenPair is the response body for login and refresh.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Issue mints a fresh access/refresh pair for the given identity.
func (i *Issuer) Issue(tenantID, actorID string, roles, permissions []string) (*TokenPair, error) {
	access, err := i.sign(tenantID, actorID, roles, permissions, "access", i.accessTTL)
	if err != nil {
		return nil, err
	}
	refresh, err := i.sign(tenantID, actorID, roles, permissions, "refresh", i.refreshTTL)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(i.accessTTL.Seconds()),
	}, nil
}

func (i *Issuer) sign(tenantID, actorID string, roles, permissions []string, typ string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		TenantID:    tenantID,
		ActorID:     actorID,
		Roles:       roles,
		Permissions: permissions,
		Typ:         typ,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "trellis",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secret)
}

// ParseAccess validates an access-token string, rejecting a refresh token
// presented in its place.
func (i *Issuer) ParseAccess(tokenString string) (*Claims, error) {
	return i.parse(tokenString, "access")
}

// Refresh validates a refresh-token string and mints a new pair, rejecting an
// access token presented in its place.
func (i *Issuer) Refresh(tokenString string) (*TokenPair, error) {
	claims, err := i.parse(tokenString, "refresh")
	if err != nil {
		return nil, err
	}
	return i.Issue(claims.TenantID, claims.ActorID, claims.Roles, claims.Permissions)
}

func (i *Issuer) parse(tokenString, wantTyp string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return i.secret, nil
	})
	if err != nil {
		return nil, kernelerr.New(kernelerr.PermissionDenied, "invalid or expired token")
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, kernelerr.New(kernelerr.PermissionDenied, "invalid token")
	}
	if claims.Typ != wantTyp {
		return nil, kernelerr.New(kernelerr.PermissionDenied, fmt.Sprintf("expected a %s token", wantTyp))
	}
	return claims, nil
}
