package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"

	"clipcast/internal/config"
	"clipcast/internal/history"
	"clipcast/internal/middleware"
	"clipcast/internal/moderation"
	"clipcast/internal/profile"
	"clipcast/internal/relay"
	"clipcast/pkg/logger"
	"clipcast/pkg/response"
)

type RelayHandler struct {
	relay      *relay.Relay
	history    *history.Store
	moderation *moderation.Store
	profiles   *profile.Service
	logger     *logger.Logger
	validate   *validator.Validate
	upgrader   websocket.Upgrader
}

func NewRelayHandler(
	rly *relay.Relay,
	hist *history.Store,
	mod *moderation.Store,
	profiles *profile.Service,
	cfg config.CORSConfig,
	log *logger.Logger,
	validate *validator.Validate,
) *RelayHandler {
	return &RelayHandler{
		relay:      rly,
		history:    hist,
		moderation: mod,
		profiles:   profiles,
		logger:     log,
		validate:   validate,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
	}
}

// originChecker builds the handshake origin check from the CORS allow list.
// Requests without an Origin header (non-browser clients) are accepted.
func originChecker(allowed []string) func(*http.Request) bool {
	allowAll := false
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		if origin == "*" {
			allowAll = true
		}
		set[origin] = struct{}{}
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || allowAll {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// HandleWebSocket upgrades the connection and starts the relay pumps. A valid
// token yields a verified identity; anonymous connections stay unauthenticated
// until their first join names a username.
func (h *RelayHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	auth := h.resolveIdentity(w, r)
	if auth == nil && middleware.GetUserID(r.Context()) != "" {
		// resolveIdentity already wrote the rejection.
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err, "remote_ip", middleware.GetRealIP(r))
		return
	}

	client := h.relay.NewClient(conn, auth)
	h.relay.Register(client)

	go client.WritePump()
	go client.ReadPump()
}

// resolveIdentity loads the profile behind a verified token. Banned accounts
// are rejected before the upgrade; a missing profile row falls back to the
// token claims so a stale directory does not lock users out.
func (h *RelayHandler) resolveIdentity(w http.ResponseWriter, r *http.Request) *relay.UserInfo {
	claims, ok := middleware.GetUserClaims(r.Context())
	if !ok {
		return nil
	}

	p, err := h.profiles.Resolve(r.Context(), claims.UserID)
	if errors.Is(err, profile.ErrNotFound) {
		return &relay.UserInfo{ID: claims.UserID, Username: claims.Username}
	}
	if err != nil {
		h.logger.Error("profile lookup failed", "user_id", claims.UserID, "error", err)
		return &relay.UserInfo{ID: claims.UserID, Username: claims.Username}
	}

	if p.IsBanned {
		response.Error(w, "Account suspended", http.StatusForbidden)
		return nil
	}

	username := p.Username
	if p.DisplayName != "" {
		username = p.DisplayName
	}
	return &relay.UserInfo{ID: p.ID, Username: username, Avatar: p.Avatar}
}

func (h *RelayHandler) HandleListChannels(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, map[string]any{"channels": h.relay.Channels()})
}

func (h *RelayHandler) HandleGetPresence(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")
	if channel == "" {
		response.Error(w, "Channel is required", http.StatusBadRequest)
		return
	}
	response.JSON(w, h.relay.Presence(channel))
}

func (h *RelayHandler) HandleGetHistory(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")
	if channel == "" {
		response.Error(w, "Channel is required", http.StatusBadRequest)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, _ = strconv.Atoi(raw)
	}

	frames, err := h.history.Recent(r.Context(), channel, limit)
	if err != nil {
		h.logger.Error("history read failed", "channel", channel, "error", err)
		response.Error(w, "Failed to load history", http.StatusInternalServerError)
		return
	}

	response.JSON(w, map[string]any{
		"channel": channel,
		"frames":  frames,
		"count":   len(frames),
	})
}

type broadcastRequest struct {
	Content string `json:"content" validate:"required,max=500"`
}

// HandleBroadcast publishes a system announcement to a channel on behalf of
// the authenticated caller.
func (h *RelayHandler) HandleBroadcast(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")

	var req broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.ValidationError(w, err)
		return
	}

	var sender *relay.UserInfo
	if claims, ok := middleware.GetUserClaims(r.Context()); ok {
		sender = &relay.UserInfo{ID: claims.UserID, Username: claims.Username}
	}

	if err := h.relay.PublishSystem(channel, req.Content, sender); err != nil {
		response.Error(w, "Relay unavailable", http.StatusServiceUnavailable)
		return
	}

	response.JSONWithStatus(w, http.StatusAccepted, map[string]any{"status": "queued", "channel": channel})
}

func (h *RelayHandler) HandleForceDisconnect(w http.ResponseWriter, r *http.Request) {
	connID := chi.URLParam(r, "connID")

	if !h.relay.ForceDisconnect(connID) {
		response.Error(w, "Connection not found", http.StatusNotFound)
		return
	}

	h.logger.Info("force disconnect requested",
		"conn_id", connID,
		"by", middleware.GetUserID(r.Context()))
	response.JSONWithStatus(w, http.StatusAccepted, map[string]any{"status": "disconnecting", "connection_id": connID})
}

type moderationRequest struct {
	Reason          string `json:"reason" validate:"max=200"`
	DurationSeconds int    `json:"duration_seconds" validate:"min=0,max=86400"`
}

func (h *RelayHandler) HandleBanUser(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")
	userID := chi.URLParam(r, "userID")

	var req moderationRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		if err := h.validate.Struct(req); err != nil {
			response.ValidationError(w, err)
			return
		}
	}

	by := middleware.GetUserID(r.Context())
	if err := h.moderation.Ban(r.Context(), channel, userID, req.Reason, by); err != nil {
		h.logger.Error("ban failed", "channel", channel, "user_id", userID, "error", err)
		response.Error(w, "Failed to ban user", http.StatusInternalServerError)
		return
	}

	evicted := h.relay.DisconnectUser(channel, userID)
	response.JSON(w, map[string]any{
		"status":  "banned",
		"channel": channel,
		"user_id": userID,
		"evicted": evicted,
	})
}

func (h *RelayHandler) HandleUnbanUser(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")
	userID := chi.URLParam(r, "userID")

	if err := h.moderation.Unban(r.Context(), channel, userID); err != nil {
		h.logger.Error("unban failed", "channel", channel, "user_id", userID, "error", err)
		response.Error(w, "Failed to unban user", http.StatusInternalServerError)
		return
	}

	response.JSON(w, map[string]any{"status": "unbanned", "channel": channel, "user_id": userID})
}

func (h *RelayHandler) HandleTimeoutUser(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")
	userID := chi.URLParam(r, "userID")

	var req moderationRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		if err := h.validate.Struct(req); err != nil {
			response.ValidationError(w, err)
			return
		}
	}

	by := middleware.GetUserID(r.Context())
	d := time.Duration(req.DurationSeconds) * time.Second
	if err := h.moderation.Timeout(r.Context(), channel, userID, req.Reason, by, d); err != nil {
		h.logger.Error("timeout failed", "channel", channel, "user_id", userID, "error", err)
		response.Error(w, "Failed to time out user", http.StatusInternalServerError)
		return
	}

	response.JSON(w, map[string]any{"status": "timed_out", "channel": channel, "user_id": userID})
}
