package http

import (
	"io"
	"net/http"
	"strconv"

	"github.com/dkeye/Chat/internal/adapters/auth"
	"github.com/dkeye/Chat/internal/adapters/httperr"
	"github.com/dkeye/Chat/internal/app"
	"github.com/dkeye/Chat/internal/core"
	"github.com/dkeye/Chat/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const maxSendBody = 64 * 1024

type OnlineRequest struct {
	Name string `json:"name"`
}

type OnlineResponse struct {
	Token string            `json:"token"`
	User  domain.PublicUser `json:"user"`
}

type handlers struct {
	deps Deps
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "rooms": len(h.deps.Chat.Rooms())})
}

// online issues a guest token and keeps it in the cookie session too.
func (h *handlers) online(c *gin.Context) {
	var req OnlineRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid name"})
		return
	}
	token, user, err := h.deps.Issuer.IssueGuest(req.Name)
	if err != nil {
		httperr.Abort(c, err)
		return
	}
	if err := auth.Remember(c, token); err != nil {
		log.Warn().Err(err).Str("module", "adapters.http").Msg("save session")
	}
	log.Info().Str("module", "adapters.http").Str("user", string(user.ID)).Msg("guest online")
	c.JSON(http.StatusOK, OnlineResponse{Token: token, User: user})
}

func (h *handlers) rooms(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rooms": h.deps.Chat.Rooms()})
}

func (h *handlers) members(c *gin.Context) {
	room, err := domain.ParseRoomID(c.Param("room"))
	if err != nil {
		httperr.Abort(c, err)
		return
	}
	members, err := h.deps.Chat.Members(room)
	if err != nil {
		httperr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"members": members, "online_users": len(members)})
}

func (h *handlers) history(c *gin.Context) {
	room, err := domain.ParseRoomID(c.Param("room"))
	if err != nil {
		httperr.Abort(c, err)
		return
	}
	user, _ := auth.CurrentUser(c)
	if err := h.deps.Chat.Authorize(c.Request.Context(), user, room); err != nil {
		httperr.Abort(c, err)
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit < 1 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
	}
	envs, err := h.deps.Chat.History(c.Request.Context(), room, limit)
	if err != nil {
		httperr.Abort(c, err)
		return
	}
	writeEnvelopes(c, envs)
}

// send publishes one client message to room and returns the envelope.
func (h *handlers) send(c *gin.Context) {
	room, err := domain.ParseRoomID(c.Param("room"))
	if err != nil {
		httperr.Abort(c, err)
		return
	}
	user, _ := auth.CurrentUser(c)
	if l := h.deps.Limiter; l != nil && !l.Allow(user.ID) {
		httperr.Abort(c, httperr.ErrRateLimited)
		return
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxSendBody))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "bad_payload"})
		return
	}
	in, err := core.DecodeInbound(body)
	if err != nil {
		httperr.Abort(c, err)
		return
	}
	if in.Sender != nil && in.Sender.ID != user.ID {
		httperr.Abort(c, app.ErrSenderMismatch)
		return
	}
	env, err := h.deps.Chat.Publish(c.Request.Context(), room, in, user)
	if err != nil {
		httperr.Abort(c, err)
		return
	}
	data, err := core.Encode(env)
	if err != nil {
		httperr.Abort(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", data)
}

func writeEnvelopes(c *gin.Context, envs []core.Envelope) {
	buf := []byte{'['}
	for i, env := range envs {
		data, err := core.Encode(env)
		if err != nil {
			httperr.Abort(c, err)
			return
		}
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, data...)
	}
	buf = append(buf, ']')
	c.Data(http.StatusOK, "application/json", buf)
}
