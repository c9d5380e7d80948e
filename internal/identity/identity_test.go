package identity

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

func TestIssueAndVerify(t *testing.T) {
	in := Identity{SubjectID: "u-1", Email: "admin@brann.no", Claims: Claims{Role: RoleClubAdmin, ClubID: "club-1"}}
	tok, err := Issue(secret, "clublicense", in, time.Hour)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), tok.Exp, 5*time.Second)

	got, err := NewVerifier(secret, "clublicense").VerifyIdentity(tok.Token)
	require.NoError(t, err)
	assert.Equal(t, &in, got)
	assert.True(t, got.CanAccessClub("club-1"))
	assert.False(t, got.CanAccessClub("club-2"))
}

func TestVerifyRejects(t *testing.T) {
	good := Identity{SubjectID: "u-1", Claims: Claims{Role: RoleSeller, ClubID: "club-1"}}

	expired, err := Issue(secret, "", good, -time.Minute)
	require.NoError(t, err)
	wrongKey, err := Issue("other", "", good, time.Hour)
	require.NoError(t, err)
	wrongIssuer, err := Issue(secret, "someone-else", good, time.Hour)
	require.NoError(t, err)
	noRole, err := Issue(secret, "", Identity{SubjectID: "u-1"}, time.Hour)
	require.NoError(t, err)
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "u-1", "role": "platform_admin", "exp": time.Now().Add(time.Hour).Unix()}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "u-1", "role": "seller"}).SignedString([]byte(secret))
	require.NoError(t, err)

	v := NewVerifier(secret, "")
	for name, raw := range map[string]string{
		"expired":   expired.Token,
		"wrong key": wrongKey.Token,
		"no role":   noRole.Token,
		"alg none":  none,
		"no exp":    noExp,
		"garbage":   "not.a.token",
	} {
		_, err := v.VerifyIdentity(raw)
		assert.ErrorIs(t, err, ErrInvalidToken, name)
	}

	_, err = NewVerifier(secret, "clublicense").VerifyIdentity(wrongIssuer.Token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestCanAccessClub(t *testing.T) {
	admin := Identity{Claims: Claims{Role: RolePlatformAdmin}}
	agent := Identity{Claims: Claims{Role: RoleAgent, ClubID: "club-1"}}
	seller := Identity{Claims: Claims{Role: RoleSeller}}

	assert.True(t, admin.CanAccessClub("any"))
	assert.False(t, agent.CanAccessClub("club-1"))
	assert.False(t, seller.CanAccessClub(""))
}
