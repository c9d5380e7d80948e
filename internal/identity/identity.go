// Package identity verifies the bearer tokens issued by the identity
// provider and mints tokens for operators and tests.
package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Role is the caller's role claim.
type Role string

const (
	RolePlatformAdmin Role = "platform_admin"
	RoleAgent         Role = "agent"
	RoleClubAdmin     Role = "club_admin"
	RoleSeller        Role = "seller"
	RoleSubscriber    Role = "subscriber"
)

// ErrInvalidToken is returned for any token that fails verification.
var ErrInvalidToken = errors.New("invalid identity token")

// Claims are the authorization claims carried by a token.  ClubID scopes
// club admins and sellers to their club.
type Claims struct {
	Role   Role   `json:"role"`
	ClubID string `json:"club_id,omitempty"`
}

// Identity is a verified caller.
type Identity struct {
	SubjectID string `json:"sub"`
	Email     string `json:"email,omitempty"`
	Claims    Claims `json:"claims"`
}

// CanAccessClub reports whether the caller may act on clubID.
func (id *Identity) CanAccessClub(clubID string) bool {
	switch id.Claims.Role {
	case RolePlatformAdmin:
		return true
	case RoleClubAdmin, RoleSeller:
		return id.Claims.ClubID != "" && id.Claims.ClubID == clubID
	}
	return false
}

type tokenClaims struct {
	Email  string `json:"email,omitempty"`
	Role   Role   `json:"role"`
	ClubID string `json:"club_id,omitempty"`
	jwt.RegisteredClaims
}

// Verifier checks HS256 tokens signed with a shared secret.
type Verifier struct {
	secret []byte
	issuer string
}

// NewVerifier returns a Verifier.  An empty issuer accepts any issuer.
func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer}
}

// VerifyIdentity parses and validates raw and returns the caller.  Tokens
// must be HS256, unexpired, and carry a subject and a role.
func (v *Verifier) VerifyIdentity(raw string) (*Identity, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	var claims tokenClaims
	tok, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil || !tok.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" || claims.Role == "" {
		return nil, fmt.Errorf("%w: missing subject or role", ErrInvalidToken)
	}
	return &Identity{
		SubjectID: claims.Subject,
		Email:     claims.Email,
		Claims:    Claims{Role: claims.Role, ClubID: claims.ClubID},
	}, nil
}

// AccessToken is a signed token and its expiry.
type AccessToken struct {
	Token string    `json:"token"`
	Exp   time.Time `json:"expires_at"`
}

// Issue signs an HS256 token for id valid for ttl.
func Issue(secret, issuer string, id Identity, ttl time.Duration) (AccessToken, error) {
	now := time.Now().UTC()
	exp := now.Add(ttl)
	claims := tokenClaims{
		Email:  id.Email,
		Role:   id.Claims.Role,
		ClubID: id.Claims.ClubID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.SubjectID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return AccessToken{}, err
	}
	return AccessToken{Token: signed, Exp: exp}, nil
}
