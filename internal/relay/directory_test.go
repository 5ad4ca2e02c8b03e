package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirectoryJoinLeave(t *testing.T) {
	d := newDirectory()

	assert.Equal(t, 1, d.join("stream:1", "c1"))
	assert.Equal(t, 2, d.join("stream:1", "c2"))
	// Joining twice does not grow the member set.
	assert.Equal(t, 2, d.join("stream:1", "c1"))

	assert.ElementsMatch(t, []string{"c1", "c2"}, d.membersOf("stream:1"))
	assert.Equal(t, 2, d.count("stream:1"))

	assert.Equal(t, 1, d.leave("stream:1", "c1"))
	assert.Equal(t, 0, d.leave("stream:1", "c2"))

	// The empty channel is gone, not lingering with zero members.
	assert.Nil(t, d.membersOf("stream:1"))
	assert.Empty(t, d.list())
}

func TestDirectoryLeaveUnknown(t *testing.T) {
	d := newDirectory()

	assert.Equal(t, 0, d.leave("stream:1", "c1"))

	d.join("stream:1", "c1")
	assert.Equal(t, 1, d.leave("stream:1", "ghost"))
}

func TestDirectoryListSorted(t *testing.T) {
	d := newDirectory()
	d.join("stream:2", "c1")
	d.join("global", "c2")
	d.join("stream:1", "c3")

	assert.Equal(t, []string{"global", "stream:1", "stream:2"}, d.list())
}

func TestRegistryLifecycle(t *testing.T) {
	reg := newRegistry()
	client := &Client{ID: "c1", auth: &UserInfo{ID: "u1", Avatar: "a.png"}}

	conn := reg.add(client)
	assert.Equal(t, "u1", conn.userID)
	assert.False(t, conn.joined())

	require.NoError(t, reg.setIdentity("c1", "alice"))
	got, ok := reg.get("c1")
	require.True(t, ok)
	assert.Equal(t, "alice", got.username)
	assert.Equal(t, &UserInfo{ID: "u1", Username: "alice", Avatar: "a.png"}, got.userInfo())

	removed, ok := reg.remove("c1")
	require.True(t, ok)
	assert.Equal(t, "c1", removed.id)
	assert.Equal(t, 0, reg.size())

	_, ok = reg.remove("c1")
	assert.False(t, ok)
}

func TestRegistrySetIdentity(t *testing.T) {
	reg := newRegistry()
	reg.add(&Client{ID: "c1"})

	assert.ErrorIs(t, reg.setIdentity("c1", ""), ErrEmptyUsername)
	// Unknown IDs are silently ignored; the disconnect already won.
	assert.NoError(t, reg.setIdentity("ghost", "alice"))
}
