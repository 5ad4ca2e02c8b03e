package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clipcast/internal/config"
	"clipcast/pkg/logger"
)

// fakeConn satisfies Conn without a network. The pumps are not started in
// these tests; frames are read straight off the client send buffer.
type fakeConn struct{}

func (fakeConn) ReadMessage() (int, []byte, error) { return 0, nil, errors.New("closed") }
func (fakeConn) WriteMessage(int, []byte) error    { return nil }
func (fakeConn) SetReadLimit(int64)                {}
func (fakeConn) SetReadDeadline(time.Time) error   { return nil }
func (fakeConn) SetWriteDeadline(time.Time) error  { return nil }
func (fakeConn) SetPongHandler(func(string) error) {}
func (fakeConn) Close() error                      { return nil }

type fakeWallet struct {
	mu     sync.Mutex
	err    error
	debits []int64
}

func (w *fakeWallet) Debit(_ context.Context, _ string, amount int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.debits = append(w.debits, amount)
	return nil
}

type fakeModeration struct {
	banned   bool
	timedOut bool
	err      error
}

func (m *fakeModeration) IsBanned(context.Context, string, string) (bool, error) {
	return m.banned, m.err
}

func (m *fakeModeration) IsTimedOut(context.Context, string, string) (bool, error) {
	return m.timedOut, m.err
}

type fakeHistory struct {
	mu     sync.Mutex
	frames []*Frame
}

func (h *fakeHistory) Append(_ context.Context, _ string, frame *Frame) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames = append(h.frames, frame)
	return nil
}

func (h *fakeHistory) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.frames)
}

func testConfig() config.RelayConfig {
	return config.RelayConfig{
		ChannelScoped:    true,
		MaxMessageLength: 500,
		SendBuffer:       16,
		HistoryLimit:     100,
	}
}

func newTestRelay(t *testing.T, opts Options) *Relay {
	t.Helper()
	if opts.Config.SendBuffer == 0 {
		opts.Config = testConfig()
	}
	if opts.Logger == nil {
		opts.Logger = logger.New("error", "text")
	}

	r, err := New(opts)
	require.NoError(t, err)

	go r.Run()
	t.Cleanup(r.Close)
	return r
}

// connect registers a client and consumes its welcome frame.
func connect(t *testing.T, r *Relay, auth *UserInfo) *Client {
	t.Helper()
	c := r.NewClient(fakeConn{}, auth)
	r.Register(c)

	welcome := recvFrame(t, c)
	require.Equal(t, EventWelcome, welcome.Kind)
	require.Equal(t, c.ID, welcome.ConnectionID)
	return c
}

func deliver(t *testing.T, r *Relay, c *Client, ev Event) {
	t.Helper()
	deliverGift(t, r, c, ev, nil)
}

func deliverGift(t *testing.T, r *Relay, c *Client, ev Event, gift *Gift) {
	t.Helper()
	select {
	case r.inbound <- clientEvent{client: c, event: ev, gift: gift}:
	case <-time.After(time.Second):
		t.Fatal("relay loop did not accept event")
	}
}

func recvFrame(t *testing.T, c *Client) Frame {
	t.Helper()
	select {
	case data := <-c.send:
		var f Frame
		require.NoError(t, json.Unmarshal(data, &f))
		return f
	case <-time.After(time.Second):
		t.Fatal("expected a frame, got none")
		return Frame{}
	}
}

func assertNoFrame(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data := <-c.send:
		t.Fatalf("expected no frame, got %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

// join delivers a join event and consumes the joiner's presence frame.
func join(t *testing.T, r *Relay, c *Client, channel, username string) {
	t.Helper()
	deliver(t, r, c, Event{Kind: EventJoin, Channel: channel, Username: username})

	presence := recvFrame(t, c)
	require.Equal(t, EventPresence, presence.Kind)
	require.NotNil(t, presence.Presence)
}

func TestJoinBroadcastsPresence(t *testing.T) {
	r := newTestRelay(t, Options{})

	alice := connect(t, r, nil)
	join(t, r, alice, "stream:1", "alice")

	bob := connect(t, r, nil)
	deliver(t, r, bob, Event{Kind: EventJoin, Channel: "stream:1", Username: "bob"})

	// Existing member sees the announcement, then the refreshed roster.
	system := recvFrame(t, alice)
	require.Equal(t, EventSystem, system.Kind)
	assert.Equal(t, "bob joined", system.Content)

	presence := recvFrame(t, alice)
	require.Equal(t, EventPresence, presence.Kind)
	assert.Equal(t, 2, presence.Presence.ViewerCount)
	assert.ElementsMatch(t, []string{"alice", "bob"}, presence.Presence.OnlineUsers)

	// The joiner gets the roster but not its own announcement.
	bobPresence := recvFrame(t, bob)
	require.Equal(t, EventPresence, bobPresence.Kind)
	assert.Equal(t, 2, bobPresence.Presence.ViewerCount)
	assertNoFrame(t, bob)
}

func TestJoinIsIdempotent(t *testing.T) {
	r := newTestRelay(t, Options{})

	alice := connect(t, r, nil)
	join(t, r, alice, "stream:1", "alice")
	join(t, r, alice, "stream:1", "alice")

	channels := r.Channels()
	require.Len(t, channels, 1)
	assert.Equal(t, 1, channels[0].Members)
}

func TestRejoinSwitchesChannel(t *testing.T) {
	r := newTestRelay(t, Options{})

	alice := connect(t, r, nil)
	join(t, r, alice, "stream:1", "alice")
	join(t, r, alice, "stream:2", "alice")

	channels := r.Channels()
	require.Len(t, channels, 1)
	assert.Equal(t, "stream:2", channels[0].Name)
	assert.Equal(t, 1, channels[0].Members)
}

func TestChatReachesMembersOnly(t *testing.T) {
	hist := &fakeHistory{}
	r := newTestRelay(t, Options{History: hist})

	alice := connect(t, r, nil)
	join(t, r, alice, "stream:1", "alice")
	bob := connect(t, r, nil)
	deliver(t, r, bob, Event{Kind: EventJoin, Channel: "stream:1", Username: "bob"})
	recvFrame(t, alice) // bob joined
	recvFrame(t, alice) // presence
	recvFrame(t, bob)   // presence

	outsider := connect(t, r, nil)
	join(t, r, outsider, "stream:2", "carol")

	deliver(t, r, alice, Event{Kind: EventChat, Content: "hello"})

	frame := recvFrame(t, bob)
	require.Equal(t, EventChat, frame.Kind)
	assert.Equal(t, "hello", frame.Content)
	require.NotNil(t, frame.Sender)
	assert.Equal(t, "alice", frame.Sender.Username)

	// No echo to the sender by default, and nothing across channels.
	assertNoFrame(t, alice)
	assertNoFrame(t, outsider)

	require.Eventually(t, func() bool { return hist.count() == 1 },
		time.Second, 10*time.Millisecond)
}

func TestChatEchoPolicy(t *testing.T) {
	cfg := testConfig()
	cfg.EchoToSender = true
	r := newTestRelay(t, Options{Config: cfg})

	alice := connect(t, r, nil)
	join(t, r, alice, "stream:1", "alice")

	deliver(t, r, alice, Event{Kind: EventChat, Content: "talking to myself"})

	frame := recvFrame(t, alice)
	require.Equal(t, EventChat, frame.Kind)
	assert.Equal(t, "talking to myself", frame.Content)
}

func TestJoinRequiresIdentityToken(t *testing.T) {
	cfg := testConfig()
	cfg.RequireIdentityToken = true
	r := newTestRelay(t, Options{Config: cfg})

	anon := connect(t, r, nil)
	deliver(t, r, anon, Event{Kind: EventJoin, Channel: "stream:1", Username: "alice"})

	frame := recvFrame(t, anon)
	require.Equal(t, EventError, frame.Kind)
	assert.Equal(t, 401, frame.Code)
	assert.Equal(t, ErrAuthRequired.Error(), frame.Error)
	assert.Empty(t, r.Channels())
}

func TestJoinTokenUsernameWins(t *testing.T) {
	cfg := testConfig()
	cfg.RequireIdentityToken = true
	r := newTestRelay(t, Options{Config: cfg})

	alice := connect(t, r, &UserInfo{ID: "u1", Username: "alice"})
	deliver(t, r, alice, Event{Kind: EventJoin, Channel: "stream:1", Username: "impostor"})

	// The verified token identity beats the client-claimed name.
	presence := recvFrame(t, alice)
	require.Equal(t, EventPresence, presence.Kind)
	assert.Equal(t, []string{"alice"}, presence.Presence.OnlineUsers)
}

func TestChatBeforeJoinRejected(t *testing.T) {
	r := newTestRelay(t, Options{})

	alice := connect(t, r, nil)
	deliver(t, r, alice, Event{Kind: EventChat, Content: "hello"})

	frame := recvFrame(t, alice)
	require.Equal(t, EventError, frame.Kind)
	assert.Equal(t, 403, frame.Code)
	assert.Equal(t, ErrNotJoined.Error(), frame.Error)
}

func TestChatTooLongRejected(t *testing.T) {
	cfg := testConfig()
	cfg.MaxMessageLength = 5
	r := newTestRelay(t, Options{Config: cfg})

	alice := connect(t, r, nil)
	join(t, r, alice, "stream:1", "alice")

	deliver(t, r, alice, Event{Kind: EventChat, Content: "way too long"})

	frame := recvFrame(t, alice)
	require.Equal(t, EventError, frame.Kind)
	assert.Equal(t, 400, frame.Code)
}

func TestReactionFanout(t *testing.T) {
	r := newTestRelay(t, Options{})

	alice := connect(t, r, nil)
	join(t, r, alice, "stream:1", "alice")
	bob := connect(t, r, nil)
	deliver(t, r, bob, Event{Kind: EventJoin, Channel: "stream:1", Username: "bob"})
	recvFrame(t, alice)
	recvFrame(t, alice)
	recvFrame(t, bob)

	deliver(t, r, alice, Event{Kind: EventReaction, Emoji: "🔥"})

	frame := recvFrame(t, bob)
	require.Equal(t, EventReaction, frame.Kind)
	assert.Equal(t, "🔥", frame.Emoji)
	assertNoFrame(t, alice)
}

func TestReactionDisabledByPolicy(t *testing.T) {
	r := newTestRelay(t, Options{})
	allow := false
	r.policy = &Policy{Namespaces: []NamespacePolicy{
		{Name: "stream", AllowReactions: &allow},
	}}

	alice := connect(t, r, nil)
	join(t, r, alice, "stream:1", "alice")

	deliver(t, r, alice, Event{Kind: EventReaction, Emoji: "🔥"})

	// Dropped silently, no error frame either.
	assertNoFrame(t, alice)
}

func TestChatDisabledByPolicy(t *testing.T) {
	r := newTestRelay(t, Options{})
	allow := false
	r.policy = &Policy{Namespaces: []NamespacePolicy{
		{Name: "announcements", AllowChat: &allow},
	}}

	alice := connect(t, r, nil)
	join(t, r, alice, "announcements:global", "alice")

	deliver(t, r, alice, Event{Kind: EventChat, Content: "hello"})

	frame := recvFrame(t, alice)
	require.Equal(t, EventError, frame.Kind)
	assert.Equal(t, 403, frame.Code)
	assert.Equal(t, ErrChatDisabled.Error(), frame.Error)
}

func TestEchoEnabledByPolicy(t *testing.T) {
	r := newTestRelay(t, Options{})
	echo := true
	r.policy = &Policy{Namespaces: []NamespacePolicy{
		{Name: "stream", Echo: &echo},
	}}

	alice := connect(t, r, nil)
	join(t, r, alice, "stream:1", "alice")

	// The namespace override turns echo on even though the global flag is off.
	deliver(t, r, alice, Event{Kind: EventChat, Content: "hi"})
	frame := recvFrame(t, alice)
	require.Equal(t, EventChat, frame.Kind)
	assert.Equal(t, "hi", frame.Content)
}

func TestGiftBroadcastIncludesSender(t *testing.T) {
	hist := &fakeHistory{}
	r := newTestRelay(t, Options{History: hist})

	alice := connect(t, r, &UserInfo{ID: "u1", Username: "alice"})
	join(t, r, alice, "stream:1", "alice")
	bob := connect(t, r, nil)
	deliver(t, r, bob, Event{Kind: EventJoin, Channel: "stream:1", Username: "bob"})
	recvFrame(t, alice)
	recvFrame(t, alice)
	recvFrame(t, bob)

	gift := Gift{ID: "rose", Name: "Rose", Emoji: "🌹", Coins: 10}
	deliverGift(t, r, alice, Event{Kind: EventGift, GiftID: "rose", ReceiverID: "host1"}, &gift)

	for _, c := range []*Client{alice, bob} {
		frame := recvFrame(t, c)
		require.Equal(t, EventGift, frame.Kind)
		require.NotNil(t, frame.Gift)
		assert.Equal(t, "rose", frame.Gift.GiftID)
		assert.Equal(t, int64(10), frame.Gift.Coins)
		assert.Equal(t, "host1", frame.Gift.ReceiverID)
	}

	require.Eventually(t, func() bool { return hist.count() == 1 },
		time.Second, 10*time.Millisecond)
}

func TestLeaveEvictsEmptyChannel(t *testing.T) {
	r := newTestRelay(t, Options{})

	alice := connect(t, r, nil)
	join(t, r, alice, "stream:1", "alice")

	deliver(t, r, alice, Event{Kind: EventLeave})

	require.Eventually(t, func() bool { return len(r.Channels()) == 0 },
		time.Second, 10*time.Millisecond)
	// Still connected, just not in any channel.
	assert.Equal(t, 1, r.Stats().Connections)
}

func TestForceDisconnectCleansUp(t *testing.T) {
	r := newTestRelay(t, Options{})

	alice := connect(t, r, nil)
	join(t, r, alice, "stream:1", "alice")
	bob := connect(t, r, nil)
	deliver(t, r, bob, Event{Kind: EventJoin, Channel: "stream:1", Username: "bob"})
	recvFrame(t, alice)
	recvFrame(t, alice)
	recvFrame(t, bob)

	require.True(t, r.ForceDisconnect(bob.ID))

	// Remaining member sees the shrunken roster.
	presence := recvFrame(t, alice)
	require.Equal(t, EventPresence, presence.Kind)
	assert.Equal(t, 1, presence.Presence.ViewerCount)

	require.Eventually(t, func() bool { return r.Stats().Connections == 1 },
		time.Second, 10*time.Millisecond)
	assert.False(t, r.ForceDisconnect(bob.ID))
}

func TestDisconnectUserEvictsAllSessions(t *testing.T) {
	r := newTestRelay(t, Options{})

	phone := connect(t, r, &UserInfo{ID: "u1", Username: "alice"})
	join(t, r, phone, "stream:1", "alice")
	laptop := connect(t, r, &UserInfo{ID: "u1", Username: "alice"})
	deliver(t, r, laptop, Event{Kind: EventJoin, Channel: "stream:1", Username: "alice"})
	recvFrame(t, phone)
	recvFrame(t, phone)
	recvFrame(t, laptop)

	require.Equal(t, 2, r.DisconnectUser("stream:1", "u1"))

	require.Eventually(t, func() bool { return r.Stats().Connections == 0 },
		time.Second, 10*time.Millisecond)
}

func TestGlobalChannelScoping(t *testing.T) {
	cfg := testConfig()
	cfg.ChannelScoped = false
	r := newTestRelay(t, Options{Config: cfg})

	alice := connect(t, r, nil)
	join(t, r, alice, "stream:1", "alice")
	bob := connect(t, r, nil)
	deliver(t, r, bob, Event{Kind: EventJoin, Channel: "stream:99", Username: "bob"})
	recvFrame(t, alice)
	recvFrame(t, alice)
	recvFrame(t, bob)

	// Different requested channels, same room.
	deliver(t, r, alice, Event{Kind: EventChat, Content: "hello"})
	frame := recvFrame(t, bob)
	assert.Equal(t, GlobalChannel, frame.Channel)

	channels := r.Channels()
	require.Len(t, channels, 1)
	assert.Equal(t, GlobalChannel, channels[0].Name)
	assert.Equal(t, 2, channels[0].Members)
}

func TestChannelFullRejected(t *testing.T) {
	r := newTestRelay(t, Options{})
	max := 1
	r.policy = &Policy{Namespaces: []NamespacePolicy{
		{Name: "stream", MaxMembers: &max},
	}}

	alice := connect(t, r, nil)
	join(t, r, alice, "stream:1", "alice")

	bob := connect(t, r, nil)
	deliver(t, r, bob, Event{Kind: EventJoin, Channel: "stream:1", Username: "bob"})

	frame := recvFrame(t, bob)
	require.Equal(t, EventError, frame.Kind)
	assert.Equal(t, 429, frame.Code)
	assertNoFrame(t, alice)
}

func TestPublishSystemReachesChannel(t *testing.T) {
	r := newTestRelay(t, Options{})

	alice := connect(t, r, nil)
	join(t, r, alice, "stream:1", "alice")

	require.NoError(t, r.PublishSystem("stream:1", "maintenance in 5 minutes", nil))

	frame := recvFrame(t, alice)
	require.Equal(t, EventSystem, frame.Kind)
	assert.Equal(t, "maintenance in 5 minutes", frame.Content)
}

func TestSlowMemberIsDropped(t *testing.T) {
	cfg := testConfig()
	cfg.SendBuffer = 2
	r := newTestRelay(t, Options{Config: cfg})

	alice := connect(t, r, nil)
	join(t, r, alice, "stream:1", "alice")
	bob := connect(t, r, nil)
	deliver(t, r, bob, Event{Kind: EventJoin, Channel: "stream:1", Username: "bob"})
	recvFrame(t, alice)
	recvFrame(t, alice)
	recvFrame(t, bob)

	// Bob stops draining; two chats fill his buffer, the third overflows
	// it and gets him evicted. Alice is unaffected.
	deliver(t, r, alice, Event{Kind: EventChat, Content: "one"})
	deliver(t, r, alice, Event{Kind: EventChat, Content: "two"})
	deliver(t, r, alice, Event{Kind: EventChat, Content: "three"})

	require.Eventually(t, func() bool { return r.Stats().Connections == 1 },
		time.Second, 10*time.Millisecond)
	assert.Positive(t, r.Stats().FramesDropped)

	presence := r.Presence("stream:1")
	assert.Equal(t, 1, presence.ViewerCount)
	assert.Equal(t, []string{"alice"}, presence.OnlineUsers)
}

func TestPresenceSnapshot(t *testing.T) {
	r := newTestRelay(t, Options{})

	alice := connect(t, r, nil)
	join(t, r, alice, "stream:1", "alice")

	presence := r.Presence("stream:1")
	assert.Equal(t, 1, presence.ViewerCount)
	assert.Equal(t, []string{"alice"}, presence.OnlineUsers)

	empty := r.Presence("stream:404")
	assert.Equal(t, 0, empty.ViewerCount)
	assert.Empty(t, empty.OnlineUsers)
}
