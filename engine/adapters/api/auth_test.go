package api

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTRoundTrip(t *testing.T) {
	a := NewAuthenticator("test-secret", time.Hour, true)
	token, err := a.IssueToken("alice", RoleOperator)
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	p, err := a.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, "alice", p.Subject)
	assert.Equal(t, RoleOperator, p.Role)
	assert.Equal(t, "jwt", p.Method)
}

func TestExpiredTokenRejected(t *testing.T) {
	a := NewAuthenticator("test-secret", -time.Minute, true)
	// Bypass the constructor's TTL floor by issuing directly with a dead TTL.
	a.ttl = -time.Minute
	token, err := a.IssueToken("bob", RoleViewer)
	require.NoError(t, err)
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	_, err = a.Authenticate(r)
	assert.Error(t, err)
}

func TestTamperedTokenRejected(t *testing.T) {
	a := NewAuthenticator("test-secret", time.Hour, true)
	other := NewAuthenticator("other-secret", time.Hour, true)
	token, err := other.IssueToken("mallory", RoleAdmin)
	require.NoError(t, err)
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	_, err = a.Authenticate(r)
	assert.Error(t, err)
}

func TestMissingCredentials(t *testing.T) {
	a := NewAuthenticator("s", time.Hour, true)
	r := httptest.NewRequest("GET", "/", nil)
	_, err := a.Authenticate(r)
	assert.Error(t, err)
}

func TestDisabledAuthGrantsAdmin(t *testing.T) {
	a := NewAuthenticator("", time.Hour, false)
	r := httptest.NewRequest("GET", "/", nil)
	p, err := a.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, p.Role)
	assert.Equal(t, "anonymous", p.Method)
}

func TestAPIKeyLifecycle(t *testing.T) {
	a := NewAuthenticator("s", time.Hour, true)
	presented, err := a.CreateAPIKey(RoleViewer)
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-API-Key", presented)
	p, err := a.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, RoleViewer, p.Role)
	assert.Equal(t, "api_key", p.Method)

	// Wrong secret with a valid key ID fails.
	idPart, _, _ := strings.Cut(presented, ".")
	r2 := httptest.NewRequest("GET", "/", nil)
	r2.Header.Set("X-API-Key", idPart+".wrong-secret")
	_, err = a.Authenticate(r2)
	assert.Error(t, err)

	// Revocation invalidates the key.
	id, err := uuid.Parse(idPart)
	require.NoError(t, err)
	require.True(t, a.RevokeAPIKey(id))
	_, err = a.Authenticate(r)
	assert.Error(t, err)
}

func TestRoleHierarchy(t *testing.T) {
	assert.True(t, RoleAdmin.Allows(RoleOperator))
	assert.True(t, RoleAdmin.Allows(RoleGuest))
	assert.True(t, RoleOperator.Allows(RoleViewer))
	assert.False(t, RoleViewer.Allows(RoleOperator))
	assert.False(t, RoleGuest.Allows(RoleViewer))
}

func TestPermissionCatalog(t *testing.T) {
	assert.True(t, HasPermission(RoleAdmin, PermDataDelete))
	assert.True(t, HasPermission(RoleOperator, PermRobotMotion))
	assert.False(t, HasPermission(RoleOperator, PermSystemAdmin))
	assert.True(t, HasPermission(RoleViewer, PermDataRead))
	assert.False(t, HasPermission(RoleViewer, PermDataWrite))
	assert.False(t, HasPermission(RoleGuest, PermSystemMonitor))
}

func TestUnknownRoleRejectedAtIssue(t *testing.T) {
	a := NewAuthenticator("s", time.Hour, true)
	_, err := a.IssueToken("x", Role("superuser"))
	assert.Error(t, err)
	_, err = a.CreateAPIKey(Role("root"))
	assert.Error(t, err)
}
