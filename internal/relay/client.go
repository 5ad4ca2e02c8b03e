package relay

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"clipcast/internal/wallet"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = 54 * time.Second
	minFrameSize = 4096

	// frameOverhead is headroom for the JSON envelope around chat content.
	frameOverhead = 512

	collaboratorTimeout = 5 * time.Second
)

// Conn is the transport handle the relay needs from a connection. It is
// satisfied by *websocket.Conn and by in-memory fakes in tests.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	Close() error
}

// Client is one live transport session. The relay loop owns its registry
// entry; the read and write pumps run on their own goroutines.
type Client struct {
	ID    string
	relay *Relay
	conn  Conn
	auth  *UserInfo // verified token identity, nil for anonymous connections
	send  chan []byte

	closeMu sync.RWMutex
	closed  bool
}

// NewClient wraps an accepted transport connection. The client is inert
// until Register is called and the pumps are started.
func (r *Relay) NewClient(conn Conn, auth *UserInfo) *Client {
	return &Client{
		ID:    uuid.NewString(),
		relay: r,
		conn:  conn,
		auth:  auth,
		send:  make(chan []byte, r.cfg.SendBuffer),
	}
}

// Register hands the client to the relay loop.
func (r *Relay) Register(client *Client) {
	select {
	case r.register <- client:
	case <-r.ctx.Done():
	}
}

// trySend queues an outbound frame without blocking. It reports false when
// the buffer is full or the client is already closed; the caller decides
// whether that warrants cleanup.
func (c *Client) trySend(data []byte) bool {
	c.closeMu.RLock()
	defer c.closeMu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.closeMu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.closeMu.Unlock()
	c.conn.Close()
}

func (c *Client) sendError(code int, msg string) {
	frame := newFrame(EventError, "")
	frame.Error = msg
	frame.Code = code
	c.trySend(frame.encode())
}

// ReadPump reads events off the transport in arrival order, validates them,
// runs collaborator preflight, and hands them to the relay loop. Any
// transport error is an implicit disconnect.
func (c *Client) ReadPump() {
	defer func() {
		select {
		case c.relay.unregister <- c:
		case <-c.relay.ctx.Done():
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.readLimit())
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.relay.log.Error("websocket read failed", "conn_id", c.ID, "error", err)
			}
			return
		}

		ev, err := DecodeEvent(data)
		if err != nil {
			// Protocol errors are answered to the sender only.
			c.sendError(http.StatusBadRequest, err.Error())
			continue
		}

		ce := clientEvent{client: c, event: ev}
		if !c.preflight(&ce) {
			continue
		}

		select {
		case c.relay.inbound <- ce:
		case <-c.relay.ctx.Done():
			return
		}
	}
}

// readLimit sizes the transport frame cap so a chat at the configured
// maximum length always fits inside its JSON envelope. Oversized frames must
// fail the length check in the router, not the transport read.
func (c *Client) readLimit() int64 {
	if n := c.relay.cfg.MaxMessageLength + frameOverhead; n > minFrameSize {
		return int64(n)
	}
	return minFrameSize
}

// preflight runs the collaborator calls an event depends on, so the relay
// loop itself never blocks on I/O. A rejected event is answered to the
// sender and never enters the loop.
func (c *Client) preflight(ce *clientEvent) bool {
	r := c.relay

	switch ce.event.Kind {
	case EventJoin:
		channel := ce.event.Channel
		if !r.cfg.ChannelScoped {
			channel = GlobalChannel
		}
		return c.checkBanned(channel)

	case EventChat:
		return c.checkTimedOut(r.channelOf(c.ID))

	case EventGift:
		return c.preflightGift(ce)
	}

	return true
}

func (c *Client) preflightGift(ce *clientEvent) bool {
	r := c.relay

	channel := r.channelOf(c.ID)
	if channel == "" {
		c.sendError(http.StatusForbidden, ErrNotJoined.Error())
		return false
	}
	if c.auth == nil || c.auth.ID == "" {
		// No verified identity means no wallet to debit from.
		c.sendError(http.StatusUnauthorized, ErrAuthRequired.Error())
		return false
	}
	if !r.channelPolicyFor(channel).AllowGifts {
		c.sendError(http.StatusForbidden, "gifts disabled on this channel")
		return false
	}
	if !c.checkTimedOut(channel) {
		return false
	}

	if r.gifts == nil {
		c.sendError(http.StatusNotFound, ErrUnknownGift.Error())
		return false
	}
	gift, ok := r.gifts.Lookup(ce.event.GiftID)
	if !ok {
		c.sendError(http.StatusNotFound, ErrUnknownGift.Error())
		return false
	}

	if r.wallet != nil {
		ctx, cancel := context.WithTimeout(r.ctx, collaboratorTimeout)
		err := r.wallet.Debit(ctx, c.auth.ID, gift.Coins)
		cancel()
		if err != nil {
			if errors.Is(err, wallet.ErrInsufficientFunds) {
				c.sendError(http.StatusPaymentRequired, err.Error())
			} else {
				r.relayCollaboratorError("wallet debit", err, c)
			}
			return false
		}
	}

	ce.gift = &gift
	return true
}

func (c *Client) checkBanned(channel string) bool {
	r := c.relay
	if r.moderation == nil || c.auth == nil || c.auth.ID == "" {
		return true
	}

	ctx, cancel := context.WithTimeout(r.ctx, collaboratorTimeout)
	banned, err := r.moderation.IsBanned(ctx, channel, c.auth.ID)
	cancel()
	if err != nil {
		r.relayCollaboratorError("ban check", err, c)
		return false
	}
	if banned {
		c.sendError(http.StatusForbidden, ErrBanned.Error())
		return false
	}
	return true
}

func (c *Client) checkTimedOut(channel string) bool {
	r := c.relay
	if channel == "" || r.moderation == nil || c.auth == nil || c.auth.ID == "" {
		return true
	}

	ctx, cancel := context.WithTimeout(r.ctx, collaboratorTimeout)
	timedOut, err := r.moderation.IsTimedOut(ctx, channel, c.auth.ID)
	cancel()
	if err != nil {
		r.relayCollaboratorError("timeout check", err, c)
		return false
	}
	if timedOut {
		c.sendError(http.StatusForbidden, ErrTimedOut.Error())
		return false
	}
	return true
}

func (r *Relay) relayCollaboratorError(op string, err error, c *Client) {
	r.log.Error("collaborator call failed", "op", op, "conn_id", c.ID, "error", err)
	c.sendError(http.StatusInternalServerError, op+" failed")
}

// WritePump drains the send buffer to the transport and keeps the
// connection alive with pings. It exits when the buffer is closed or a
// write fails; either way the read side notices and unwinds.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

			// Drain whatever queued up meanwhile, one frame per message so
			// clients never have to split a batch.
			n := len(c.send)
			for i := 0; i < n; i++ {
				data, ok := <-c.send
				if !ok {
					c.conn.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
