package models

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserIssueAPIKey(t *testing.T) {
	u := &User{}

	key, err := u.IssueAPIKey()
	require.NoError(t, err)
	require.NotEmpty(t, key)

	assert.True(t, strings.HasPrefix(key, "spk_"))
	assert.NotEmpty(t, u.APIKeyHash)
	assert.NotEmpty(t, u.APIKeyPrefix)
	assert.NotNil(t, u.APIKeyCreatedAt)
	assert.True(t, u.HasActiveAPIKey())
	assert.Equal(t, HashAPIKey(key), u.APIKeyHash)

	// Rotation invalidates the old hash.
	second, err := u.IssueAPIKey()
	require.NoError(t, err)
	assert.NotEqual(t, key, second)
	assert.Equal(t, HashAPIKey(second), u.APIKeyHash)
}

func TestUserRevokeAPIKey(t *testing.T) {
	u := &User{}
	_, err := u.IssueAPIKey()
	require.NoError(t, err)

	u.RevokeAPIKey()

	assert.False(t, u.HasActiveAPIKey())
	assert.Equal(t, "", u.APIKeyHash)
	assert.NotNil(t, u.APIKeyRevokedAt)
}

func TestCreateUserValidation(t *testing.T) {
	u, err := CreateUser("Jess Doe", "jess@example.com", "secret123")
	require.NoError(t, err)
	assert.Equal(t, ROLE_USER, u.Role)
	assert.Equal(t, STATUS_ACTIVE, u.Status)
	assert.True(t, u.CheckPassword("secret123"))
	assert.False(t, u.CheckPassword("wrong"))

	_, err = CreateUser("Jess Doe", "not-an-email", "secret123")
	assert.Error(t, err)

	_, err = CreateUser("Jess Doe", "jess@example.com", "short")
	assert.Error(t, err)
}
