package relay

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePolicy(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadPolicy(t *testing.T) {
	path := writePolicy(t, `
namespaces:
  - name: stream
    max_members: 5000
    allow_gifts: true
  - name: announcements
    allow_chat: false
    allow_reactions: false
`)

	p, err := LoadPolicy(path)
	require.NoError(t, err)
	require.Len(t, p.Namespaces, 2)
	require.NotNil(t, p.Namespaces[0].MaxMembers)
	assert.Equal(t, 5000, *p.Namespaces[0].MaxMembers)
	// Unset fields stay nil so defaults apply.
	assert.Nil(t, p.Namespaces[0].AllowChat)
}

func TestLoadPolicyErrors(t *testing.T) {
	_, err := LoadPolicy(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadPolicy(writePolicy(t, "namespaces: [broken"))
	assert.Error(t, err)
}

func TestPolicyResolve(t *testing.T) {
	defaults := channelPolicy{
		MaxMembers:     10000,
		AllowChat:      true,
		AllowReactions: true,
		AllowGifts:     true,
	}

	noChat := false
	max := 50
	p := &Policy{Namespaces: []NamespacePolicy{
		{Name: "announcements", AllowChat: &noChat, MaxMembers: &max},
	}}

	resolved := p.resolve("announcements:global", defaults)
	assert.False(t, resolved.AllowChat)
	assert.Equal(t, 50, resolved.MaxMembers)
	// Untouched fields keep the defaults.
	assert.True(t, resolved.AllowReactions)

	// Channels outside any configured namespace get pure defaults.
	assert.Equal(t, defaults, p.resolve("stream:1", defaults))

	// A nil policy resolves to defaults everywhere.
	var none *Policy
	assert.Equal(t, defaults, none.resolve("announcements:global", defaults))
}

func TestChannelNamespace(t *testing.T) {
	assert.Equal(t, "stream", channelNamespace("stream:42"))
	assert.Equal(t, "global", channelNamespace("global"))
	assert.Equal(t, "a", channelNamespace("a:b:c"))
	assert.Equal(t, "", channelNamespace(":odd"))
}
