package http

import (
	"time"

	"github.com/dkeye/Chat/internal/adapters/auth"
	"github.com/dkeye/Chat/internal/adapters/longpoll"
	"github.com/dkeye/Chat/internal/adapters/signal"
	"github.com/dkeye/Chat/internal/app"
	"github.com/dkeye/Chat/internal/config"
	"github.com/dkeye/Chat/internal/core"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const sessionName = "ChatSessions"

// Deps are the services the routes are wired to.
type Deps struct {
	Chat     *app.ChatService
	Presence *app.Presence
	Issuer   *auth.JWTIssuer
	// Resolver defaults to Issuer.
	Resolver core.IdentityResolver
	Limiter  *signal.RateLimiter
}

// RequestLogger logs one line per request through zerolog.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info().
			Str("module", "adapters.http").
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	}
}

func SetupRouter(cfg *config.Config, d Deps) *gin.Engine {
	switch cfg.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(RequestLogger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	store.Options(sessions.Options{Path: "/", MaxAge: int(cfg.Auth.TokenTTL.Seconds()), HttpOnly: true})
	r.Use(sessions.Sessions(sessionName, store))

	h := &handlers{deps: d}
	ws := signal.NewSignalWSController(d.Chat, signal.Options{
		ReadLimit:    cfg.WS.ReadLimit,
		PingPeriod:   cfg.WS.PingPeriod,
		WriteTimeout: cfg.WS.WriteTimeout,
		Limiter:      d.Limiter,
	})
	lp := longpoll.NewHandler(d.Chat, d.Presence, longpoll.Options{
		DefaultListen: cfg.LongPoll.DefaultListen,
		MaxListen:     cfg.LongPoll.MaxListen,
	})

	r.GET("/health", h.health)
	r.POST("/online", h.online)

	resolver := d.Resolver
	if resolver == nil {
		resolver = d.Issuer
	}
	authed := r.Group("/", auth.Required(resolver))

	api := authed.Group("/api")
	api.GET("/rooms", h.rooms)
	api.GET("/rooms/:room/members", h.members)
	api.GET("/rooms/:room/history", h.history)

	authed.POST("/r/:room", h.send)
	authed.GET("/r/:room", lp.Listen)
	authed.GET("/ws/room/:room", ws.HandleRoom)

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")
	return r
}
