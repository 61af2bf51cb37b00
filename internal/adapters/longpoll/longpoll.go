// Package longpoll streams room envelopes over a held HTTP response.
package longpoll

import (
	"net/http"
	"strconv"
	"time"

	"github.com/dkeye/Chat/internal/adapters/auth"
	"github.com/dkeye/Chat/internal/adapters/httperr"
	"github.com/dkeye/Chat/internal/app"
	"github.com/dkeye/Chat/internal/core"
	"github.com/dkeye/Chat/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const (
	DefaultListen = 30 * time.Second
	DefaultMax    = 5 * time.Minute
)

type Options struct {
	DefaultListen time.Duration
	MaxListen     time.Duration
}

type Handler struct {
	presence *app.Presence
	chat     *app.ChatService
	opts     Options
	now      func() time.Time
}

func NewHandler(chat *app.ChatService, presence *app.Presence, opts Options) *Handler {
	if opts.DefaultListen <= 0 {
		opts.DefaultListen = DefaultListen
	}
	if opts.MaxListen <= 0 {
		opts.MaxListen = DefaultMax
	}
	if opts.DefaultListen > opts.MaxListen {
		opts.DefaultListen = opts.MaxListen
	}
	return &Handler{presence: presence, chat: chat, opts: opts, now: time.Now}
}

// Listen serves GET /r/:room?listen_seconds=N.
func (h *Handler) Listen(c *gin.Context) {
	room, err := domain.ParseRoomID(c.Param("room"))
	if err != nil {
		httperr.Abort(c, err)
		return
	}
	user, ok := auth.CurrentUser(c)
	if !ok {
		httperr.Abort(c, domain.ErrUnauthenticated)
		return
	}
	listen, ok := h.listenFor(c.Query("listen_seconds"))
	if !ok {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_listen_seconds"})
		return
	}

	a, err := h.presence.Attach(c.Request.Context(), room, user)
	if err != nil {
		httperr.Abort(c, err)
		return
	}
	sid := string(a.Session.ID())
	log.Debug().Str("module", "longpoll").Str("room", string(room)).Str("sid", sid).Bool("first_join", a.FirstJoin).Dur("listen", listen).Msg("listen")

	sw := writerFor(c.Request)
	c.Header("Content-Type", sw.ContentType())
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	if err := h.writeIntro(c, sw, room, a); err != nil {
		log.Warn().Err(err).Str("module", "longpoll").Str("sid", sid).Msg("write backlog")
		h.presence.Forget(a)
		return
	}
	c.Writer.Flush()

	timer := time.NewTimer(listen)
	defer timer.Stop()
	for {
		select {
		case env := <-a.Session.Outbound():
			if err := sw.WriteEnvelope(c.Writer, env); err != nil {
				log.Warn().Err(err).Str("module", "longpoll").Str("sid", sid).Msg("write envelope")
				h.presence.Forget(a)
				return
			}
			c.Writer.Flush()
		case <-timer.C:
			_ = sw.WriteEnd(c.Writer)
			c.Writer.Flush()
			h.presence.Detach(a)
			return
		case <-a.Superseded:
			_ = sw.WriteEnd(c.Writer)
			c.Writer.Flush()
			return
		case <-a.Session.Done():
			log.Info().Err(a.Session.Err()).Str("module", "longpoll").Str("sid", sid).Msg("session closed")
			_ = sw.WriteEnd(c.Writer)
			c.Writer.Flush()
			h.presence.Forget(a)
			return
		case <-c.Request.Context().Done():
			log.Info().Str("module", "longpoll").Str("sid", sid).Msg("client went away")
			h.presence.Forget(a)
			return
		}
	}
}

// writeIntro sends what a first listen needs before live traffic: the
// online summary for this client only, then the room backlog.
func (h *Handler) writeIntro(c *gin.Context, sw streamWriter, room domain.RoomID, a *app.Attachment) error {
	if !a.FirstJoin {
		return nil
	}
	members, err := h.chat.Members(room)
	if err != nil {
		return err
	}
	online, err := core.NewEnvelope(0, core.TypeSystem, core.SystemMessage{Content: "People Online", OnlineUsers: len(members)}, nil, h.now(), nil)
	if err != nil {
		return err
	}
	if err := sw.WriteEnvelope(c.Writer, online); err != nil {
		return err
	}
	for _, env := range a.Backlog {
		if err := sw.WriteEnvelope(c.Writer, env); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) listenFor(raw string) (time.Duration, bool) {
	if raw == "" {
		return h.opts.DefaultListen, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, false
	}
	d := time.Duration(n) * time.Second
	if d > h.opts.MaxListen {
		d = h.opts.MaxListen
	}
	return d, true
}
