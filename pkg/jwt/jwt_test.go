package jwt

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJWTManager(t *testing.T) {
	secret := "test-secret-key-for-testing-purposes"
	accessExpiry := 15 * time.Minute

	manager := NewJWTManager(secret, accessExpiry)

	assert.NotNil(t, manager)
	assert.Equal(t, secret, manager.secretKey)
	assert.Equal(t, accessExpiry, manager.accessTokenDuration)
}

func TestGenerateAccessToken(t *testing.T) {
	manager := NewJWTManager("test-secret", 15*time.Minute)

	token, err := manager.GenerateAccessToken("alice", "Alice")

	assert.NoError(t, err)
	assert.NotEmpty(t, token)
}

func TestGenerateAccessToken_RequiresPeerID(t *testing.T) {
	manager := NewJWTManager("test-secret", 15*time.Minute)

	token, err := manager.GenerateAccessToken("", "")

	assert.Error(t, err)
	assert.Empty(t, token)
}

func TestValidateToken_ValidToken(t *testing.T) {
	manager := NewJWTManager("test-secret", 15*time.Minute)

	token, err := manager.GenerateAccessToken("alice", "Alice")
	require.NoError(t, err)

	claims, err := manager.ValidateToken(token)

	require.NoError(t, err)
	assert.Equal(t, "alice", claims.PeerID)
	assert.Equal(t, "Alice", claims.DisplayName)
	assert.Equal(t, "peercall-relay", claims.Issuer)
	assert.Equal(t, "alice", claims.Subject)
	assert.Contains(t, []string(claims.Audience), "peercall-signaling")
	assert.NotEmpty(t, claims.ID)
	assert.True(t, claims.ExpiresAt.After(claims.IssuedAt.Time))
}

func TestValidateToken_ExpiredToken(t *testing.T) {
	manager := NewJWTManager("test-secret", 1*time.Nanosecond)

	token, err := manager.GenerateAccessToken("alice", "")
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)

	claims, err := manager.ValidateToken(token)

	assert.Error(t, err)
	assert.Nil(t, claims)
	assert.Contains(t, err.Error(), "expired")
}

func TestValidateToken_InvalidToken(t *testing.T) {
	manager := NewJWTManager("test-secret", 15*time.Minute)

	claims, err := manager.ValidateToken("invalid.token.here")

	assert.Error(t, err)
	assert.Nil(t, claims)
}

func TestValidateToken_WrongSecret(t *testing.T) {
	manager1 := NewJWTManager("secret-1", 15*time.Minute)
	token, err := manager1.GenerateAccessToken("alice", "")
	require.NoError(t, err)

	manager2 := NewJWTManager("secret-2", 15*time.Minute)
	claims, err := manager2.ValidateToken(token)

	assert.Error(t, err)
	assert.Nil(t, claims)
}

func TestValidateToken_WrongAudience(t *testing.T) {
	claims := &Claims{
		PeerID: "alice",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
			Issuer:    "peercall-relay",
			Audience:  jwt.ClaimStrings{"someone-else"},
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	parsed, err := NewJWTManager("test-secret", time.Minute).ValidateToken(token)

	assert.Error(t, err)
	assert.Nil(t, parsed)
}

func TestValidateToken_MissingPeerID(t *testing.T) {
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
			Issuer:    "peercall-relay",
			Audience:  jwt.ClaimStrings{"peercall-signaling"},
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	parsed, err := NewJWTManager("test-secret", time.Minute).ValidateToken(token)

	assert.Error(t, err)
	assert.Nil(t, parsed)
}

func TestExtractPeerID(t *testing.T) {
	manager := NewJWTManager("test-secret", 15*time.Minute)

	token, err := manager.GenerateAccessToken("bob", "")
	require.NoError(t, err)

	peerID, err := ExtractPeerID(token)
	assert.NoError(t, err)
	assert.Equal(t, "bob", peerID)
}

func TestIsTokenExpired(t *testing.T) {
	manager := NewJWTManager("test-secret", 1*time.Nanosecond)

	token, err := manager.GenerateAccessToken("alice", "")
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)

	assert.True(t, IsTokenExpired(token))
	assert.True(t, IsTokenExpired("garbage"))
}
