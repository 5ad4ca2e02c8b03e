// Package relay implements the channel presence and broadcast relay: it
// tracks live connections, maps them to channels, and fans chat, reaction,
// gift, and presence events out to channel members.
package relay

import (
	"context"
	"sync"
	"sync/atomic"

	"clipcast/internal/config"
	"clipcast/pkg/logger"
)

// Wallet debits a user's coin balance before a gift may broadcast. A debit
// error means the gift is rejected and nothing is fanned out.
type Wallet interface {
	Debit(ctx context.Context, userID string, amount int64) error
}

// GiftCatalog resolves gift IDs to their catalog entries.
type GiftCatalog interface {
	Lookup(id string) (Gift, bool)
}

// History persists broadcast chat and gift frames off the hot path.
type History interface {
	Append(ctx context.Context, channel string, frame *Frame) error
}

// Moderation answers ban and timeout checks before join and publish.
type Moderation interface {
	IsBanned(ctx context.Context, channel, userID string) (bool, error)
	IsTimedOut(ctx context.Context, channel, userID string) (bool, error)
}

// Options wires the relay to its collaborators. Any collaborator may be nil,
// which disables the corresponding check or side effect.
type Options struct {
	Config     config.RelayConfig
	Logger     *logger.Logger
	Wallet     Wallet
	Gifts      GiftCatalog
	History    History
	Moderation Moderation
}

type clientEvent struct {
	client *Client
	event  Event
	gift   *Gift // resolved and debited before the event enters the loop
}

type publishReq struct {
	channel string
	frame   *Frame
}

// Relay owns the connection registry and channel directory. All state
// mutation happens on the Run loop, one event at a time; the mutex exists so
// HTTP handlers can take consistent read snapshots.
type Relay struct {
	cfg    config.RelayConfig
	log    *logger.Logger
	policy *Policy

	registry  *registry
	directory *directory

	wallet     Wallet
	gifts      GiftCatalog
	history    History
	moderation Moderation

	register   chan *Client
	unregister chan *Client
	inbound    chan clientEvent
	publish    chan publishReq
	evict      chan string

	framesSent    atomic.Int64
	framesDropped atomic.Int64

	mu     sync.RWMutex
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a relay. The policy file, when configured, is loaded eagerly so
// a broken file fails startup instead of silently applying defaults.
func New(opts Options) (*Relay, error) {
	var policy *Policy
	if opts.Config.PolicyPath != "" {
		p, err := LoadPolicy(opts.Config.PolicyPath)
		if err != nil {
			return nil, err
		}
		policy = p
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Relay{
		cfg:        opts.Config,
		log:        opts.Logger,
		policy:     policy,
		registry:   newRegistry(),
		directory:  newDirectory(),
		wallet:     opts.Wallet,
		gifts:      opts.Gifts,
		history:    opts.History,
		moderation: opts.Moderation,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan clientEvent, 256),
		publish:    make(chan publishReq, 64),
		evict:      make(chan string, 64),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Run drives the relay loop. Each event is processed to completion before
// the next one, so registry and directory mutations never interleave.
func (r *Relay) Run() {
	r.wg.Add(1)
	defer r.wg.Done()

	for {
		select {
		case client := <-r.register:
			r.handleRegister(client)

		case client := <-r.unregister:
			r.disconnect(client.ID, "transport closed")

		case ev := <-r.inbound:
			r.handleEvent(ev)

		case req := <-r.publish:
			r.fanout(req.channel, req.frame, "")

		case connID := <-r.evict:
			r.disconnect(connID, "force disconnect")

		case <-r.ctx.Done():
			return
		}
	}
}

// Close stops the loop and tears down every remaining connection.
func (r *Relay) Close() {
	r.cancel()
	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, conn := range r.registry.conns {
		conn.client.close()
	}
}

func (r *Relay) handleRegister(client *Client) {
	r.mu.Lock()
	r.registry.add(client)
	total := r.registry.size()
	r.mu.Unlock()

	r.log.Info("client connected", "conn_id", client.ID, "total_connections", total)

	welcome := newFrame(EventWelcome, "")
	welcome.ConnectionID = client.ID
	client.trySend(welcome.encode())
}

// disconnect runs the single cleanup path used for transport closes and
// moderation force-disconnects alike. Unknown IDs are no-ops.
func (r *Relay) disconnect(connID, reason string) {
	r.mu.Lock()
	conn, ok := r.registry.remove(connID)
	if !ok {
		r.mu.Unlock()
		return
	}

	var channel string
	var remaining int
	if conn.joined() {
		channel = conn.channel
		remaining = r.directory.leave(channel, conn.id)
	}
	total := r.registry.size()
	r.mu.Unlock()

	conn.client.close()

	r.log.Info("client disconnected",
		"conn_id", connID,
		"username", conn.username,
		"reason", reason,
		"total_connections", total)

	if channel != "" && remaining > 0 {
		r.broadcastPresence(channel)
	}
}

func (r *Relay) channelPolicyFor(channel string) channelPolicy {
	defaults := channelPolicy{
		MaxMembers:     10000,
		AllowChat:      true,
		AllowReactions: true,
		AllowGifts:     true,
		Echo:           r.cfg.EchoToSender,
	}
	return r.policy.resolve(channel, defaults)
}

// channelOf reports the channel a connection is currently joined to, empty
// if none. Safe to call from connection goroutines.
func (r *Relay) channelOf(connID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if conn, ok := r.registry.get(connID); ok {
		return conn.channel
	}
	return ""
}

// Stats is the monitoring snapshot served by the metrics endpoint.
type Stats struct {
	Connections   int   `json:"connections"`
	Channels      int   `json:"channels"`
	FramesSent    int64 `json:"frames_sent"`
	FramesDropped int64 `json:"frames_dropped"`
}

func (r *Relay) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{
		Connections:   r.registry.size(),
		Channels:      len(r.directory.channels),
		FramesSent:    r.framesSent.Load(),
		FramesDropped: r.framesDropped.Load(),
	}
}

// ChannelInfo summarizes one active channel for the REST surface.
type ChannelInfo struct {
	Name    string `json:"name"`
	Members int    `json:"members"`
}

func (r *Relay) Channels() []ChannelInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ChannelInfo, 0, len(r.directory.channels))
	for _, name := range r.directory.list() {
		infos = append(infos, ChannelInfo{Name: name, Members: r.directory.count(name)})
	}
	return infos
}

// Presence returns the current member list and count for a channel. Unknown
// channels yield an empty update, never an error.
func (r *Relay) Presence(channel string) PresenceUpdate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.presenceLocked(channel)
}

func (r *Relay) presenceLocked(channel string) PresenceUpdate {
	members := r.directory.membersOf(channel)
	users := make([]string, 0, len(members))
	for _, id := range members {
		if conn, ok := r.registry.get(id); ok && conn.username != "" {
			users = append(users, conn.username)
		}
	}
	return PresenceUpdate{OnlineUsers: users, ViewerCount: len(members)}
}

// PublishSystem broadcasts a system frame to a channel on behalf of the REST
// surface. Delivery is handed to the loop to keep ordering with client events.
func (r *Relay) PublishSystem(channel, content string, sender *UserInfo) error {
	if !r.cfg.ChannelScoped {
		channel = GlobalChannel
	}

	frame := newFrame(EventSystem, channel)
	frame.Content = content
	frame.Sender = sender

	select {
	case r.publish <- publishReq{channel: channel, frame: frame}:
		return nil
	case <-r.ctx.Done():
		return r.ctx.Err()
	}
}

// ForceDisconnect schedules the moderation disconnect hook for a connection.
// It reports whether the connection was known at the time of the call.
func (r *Relay) ForceDisconnect(connID string) bool {
	r.mu.RLock()
	_, known := r.registry.get(connID)
	r.mu.RUnlock()
	if !known {
		return false
	}

	select {
	case r.evict <- connID:
	case <-r.ctx.Done():
	}
	return known
}

// DisconnectUser evicts every connection of a user from a channel and
// returns how many were scheduled. Used after a ban.
func (r *Relay) DisconnectUser(channel, userID string) int {
	r.mu.RLock()
	var ids []string
	for _, id := range r.directory.membersOf(channel) {
		if conn, ok := r.registry.get(id); ok && conn.userID == userID {
			ids = append(ids, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range ids {
		select {
		case r.evict <- id:
		case <-r.ctx.Done():
			return 0
		}
	}
	return len(ids)
}
