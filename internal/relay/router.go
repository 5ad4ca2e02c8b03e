package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	ErrNotJoined    = errors.New("not joined to a channel")
	ErrAuthRequired = errors.New("authentication required")
	ErrChannelFull  = errors.New("channel is full")
	ErrChatDisabled = errors.New("chat disabled on this channel")
	ErrUnknownGift  = errors.New("unknown gift")
	ErrBanned       = errors.New("banned from channel")
	ErrTimedOut     = errors.New("timed out on channel")
	ErrTooLong      = errors.New("message too long")
)

// handleEvent routes one validated inbound event. The per-connection state
// machine is: no identity and no channel after register, joined after a
// successful join, gone after disconnect. chat/reaction/gift are only legal
// while joined; violations are answered to the sender and never broadcast.
func (r *Relay) handleEvent(ev clientEvent) {
	r.mu.RLock()
	conn, ok := r.registry.get(ev.client.ID)
	r.mu.RUnlock()
	if !ok {
		// Already unregistered; the event lost the disconnect race.
		return
	}

	switch ev.event.Kind {
	case EventJoin:
		r.handleJoin(conn, ev.event)
	case EventChat:
		r.handleChat(conn, ev.event)
	case EventReaction:
		r.handleReaction(conn, ev.event)
	case EventGift:
		r.handleGift(conn, ev.event, ev.gift)
	case EventLeave:
		r.handleLeave(conn)
	}
}

// handleJoin admits a connection to a channel. Re-joining is last-join-wins:
// the previous membership is dropped first and no error is raised.
func (r *Relay) handleJoin(conn *connection, ev Event) {
	channel := ev.Channel
	if !r.cfg.ChannelScoped {
		channel = GlobalChannel
	}

	username := ev.Username
	if r.cfg.RequireIdentityToken {
		auth := conn.client.auth
		if auth == nil {
			conn.client.sendError(http.StatusUnauthorized, ErrAuthRequired.Error())
			return
		}
		if auth.Username != "" {
			username = auth.Username
		}
	}

	policy := r.channelPolicyFor(channel)

	r.mu.Lock()
	if conn.channel != channel && r.directory.count(channel) >= policy.MaxMembers {
		r.mu.Unlock()
		conn.client.sendError(http.StatusTooManyRequests, ErrChannelFull.Error())
		return
	}

	previous := ""
	if conn.joined() && conn.channel != channel {
		previous = conn.channel
		r.directory.leave(previous, conn.id)
	}

	if err := r.registry.setIdentity(conn.id, username); err != nil {
		r.mu.Unlock()
		conn.client.sendError(http.StatusBadRequest, err.Error())
		return
	}

	count := r.directory.join(channel, conn.id)
	conn.channel = channel
	conn.joinedAt = time.Now()
	r.mu.Unlock()

	r.log.Info("client joined channel",
		"conn_id", conn.id,
		"username", username,
		"channel", channel,
		"members", count)

	if previous != "" {
		r.broadcastPresence(previous)
	}

	joined := newFrame(EventSystem, channel)
	joined.Content = fmt.Sprintf("%s joined", username)
	joined.Sender = conn.userInfo()
	r.fanout(channel, joined, conn.id)

	r.broadcastPresence(channel)
}

func (r *Relay) handleLeave(conn *connection) {
	r.mu.Lock()
	if !conn.joined() {
		r.mu.Unlock()
		return
	}
	channel := conn.channel
	conn.channel = ""
	remaining := r.directory.leave(channel, conn.id)
	r.mu.Unlock()

	if remaining > 0 {
		r.broadcastPresence(channel)
	}
}

func (r *Relay) handleChat(conn *connection, ev Event) {
	if !conn.joined() {
		conn.client.sendError(http.StatusForbidden, ErrNotJoined.Error())
		return
	}
	if len(ev.Content) > r.cfg.MaxMessageLength {
		conn.client.sendError(http.StatusBadRequest, ErrTooLong.Error())
		return
	}

	policy := r.channelPolicyFor(conn.channel)
	if !policy.AllowChat {
		conn.client.sendError(http.StatusForbidden, ErrChatDisabled.Error())
		return
	}

	frame := newFrame(EventChat, conn.channel)
	frame.Sender = conn.userInfo()
	frame.Content = ev.Content

	exclude := conn.id
	if policy.Echo {
		exclude = ""
	}
	r.fanout(conn.channel, frame, exclude)

	if r.history != nil {
		go r.appendHistory(conn.channel, frame)
	}
}

func (r *Relay) handleReaction(conn *connection, ev Event) {
	if !conn.joined() {
		conn.client.sendError(http.StatusForbidden, ErrNotJoined.Error())
		return
	}

	policy := r.channelPolicyFor(conn.channel)
	if !policy.AllowReactions {
		// Reactions are ephemeral; a disabled channel just drops them.
		return
	}

	frame := newFrame(EventReaction, conn.channel)
	frame.Sender = conn.userInfo()
	frame.Emoji = ev.Emoji

	exclude := conn.id
	if policy.Echo {
		exclude = ""
	}
	r.fanout(conn.channel, frame, exclude)
}

// handleGift broadcasts a gift whose wallet debit already succeeded during
// preflight. Every member receives it, the sender included; if the sender
// left between debit and dispatch the frame is dropped (at-most-once, the
// debit stands).
func (r *Relay) handleGift(conn *connection, ev Event, gift *Gift) {
	if !conn.joined() || gift == nil {
		r.log.Warn("gift arrived without membership, dropping",
			"conn_id", conn.id, "gift_id", ev.GiftID)
		return
	}

	frame := newFrame(EventGift, conn.channel)
	frame.Sender = conn.userInfo()
	frame.Gift = &GiftBroadcast{
		GiftID:     gift.ID,
		Name:       gift.Name,
		Emoji:      gift.Emoji,
		Coins:      gift.Coins,
		ReceiverID: ev.ReceiverID,
	}

	r.fanout(conn.channel, frame, "")

	if r.history != nil {
		go r.appendHistory(conn.channel, frame)
	}
}

func (r *Relay) appendHistory(channel string, frame *Frame) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.history.Append(ctx, channel, frame); err != nil {
		r.log.Error("failed to persist frame", "channel", channel, "error", err)
	}
}
