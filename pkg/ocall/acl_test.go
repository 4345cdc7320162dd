package ocall

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilACLPermitsEverything(t *testing.T) {
	var acl *ACL
	assert.True(t, acl.Permits("example.com", 443))
}

func TestEmptyACLPermitsEverything(t *testing.T) {
	acl, err := NewACL(nil, nil)
	require.NoError(t, err)
	assert.True(t, acl.Permits("example.com", 443))
}

func TestDenyRules(t *testing.T) {
	acl, err := NewACL(nil, []string{"10.0.0.1:*", "*:25"})
	require.NoError(t, err)

	assert.False(t, acl.Permits("10.0.0.1", 80))
	assert.False(t, acl.Permits("mail.example.com", 25))
	assert.True(t, acl.Permits("example.com", 443))
}

func TestAllowRules(t *testing.T) {
	acl, err := NewACL([]string{"api.example.com:443"}, nil)
	require.NoError(t, err)

	assert.True(t, acl.Permits("api.example.com", 443))
	assert.False(t, acl.Permits("api.example.com", 80))
	assert.False(t, acl.Permits("other.example.com", 443))
}

func TestDenyBeatsAllow(t *testing.T) {
	acl, err := NewACL([]string{"*:443"}, []string{"internal.example.com:*"})
	require.NoError(t, err)

	assert.True(t, acl.Permits("example.com", 443))
	assert.False(t, acl.Permits("internal.example.com", 443))
}

func TestHostMatchingIsCaseInsensitive(t *testing.T) {
	acl, err := NewACL(nil, []string{"Example.COM:443"})
	require.NoError(t, err)
	assert.False(t, acl.Permits("example.com", 443))
}

func TestInvalidRules(t *testing.T) {
	_, err := NewACL([]string{"no-port"}, nil)
	assert.Error(t, err)

	_, err = NewACL([]string{"host:99999"}, nil)
	assert.Error(t, err)

	_, err = NewACL(nil, []string{":443"})
	assert.Error(t, err)
}
