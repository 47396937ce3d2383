package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBearerValidator_AcceptsKnownToken(t *testing.T) {
	hash := HashToken("secret-token")
	v, err := NewBearerValidator([]string{hash})
	require.NoError(t, err)
	assert.True(t, v.Validate("secret-token"))
	assert.False(t, v.Validate("wrong-token"))
}

func TestBearerValidator_EmptyConfigRejectsEverything(t *testing.T) {
	v, err := NewBearerValidator(nil)
	require.NoError(t, err)
	assert.False(t, v.Validate("anything"))
}

func TestJWTManager_IssueAndValidateRoundTrip(t *testing.T) {
	m := NewJWTManager([]byte("test-secret"), "fsmdb-admin", time.Hour)
	token, err := m.Issue("operator-1")
	require.NoError(t, err)

	claims, err := m.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "operator-1", claims.Subject)
}

func TestJWTManager_RejectsWrongIssuerSecret(t *testing.T) {
	a := NewJWTManager([]byte("secret-a"), "fsmdb-admin", time.Hour)
	b := NewJWTManager([]byte("secret-b"), "fsmdb-admin", time.Hour)
	token, err := a.Issue("operator-1")
	require.NoError(t, err)
	_, err = b.Validate(token)
	assert.Error(t, err)
}
