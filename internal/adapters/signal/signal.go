// Package signal is the WebSocket transport of room sessions.
package signal

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/Chat/internal/adapters/auth"
	"github.com/dkeye/Chat/internal/adapters/httperr"
	"github.com/dkeye/Chat/internal/app"
	"github.com/dkeye/Chat/internal/core"
	"github.com/dkeye/Chat/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var ErrConnClosed = errors.New("connection closed")

const (
	DefaultReadLimit    = 64 * 1024
	DefaultPingPeriod   = 30 * time.Second
	DefaultWriteTimeout = 5 * time.Second
	controlQueueSize    = 8
)

type Options struct {
	ReadLimit    int64
	PingPeriod   time.Duration
	WriteTimeout time.Duration
	// Limiter is optional.
	Limiter *RateLimiter
}

type SignalWSController struct {
	chat *app.ChatService
	opts Options
}

func NewSignalWSController(chat *app.ChatService, opts Options) *SignalWSController {
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = DefaultReadLimit
	}
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = DefaultPingPeriod
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	return &SignalWSController{chat: chat, opts: opts}
}

// WsSignalConn pairs a socket with its room session. Room envelopes come
// from the session queue, replies meant for this client only go through
// send.
type WsSignalConn struct {
	conn *websocket.Conn
	sess *core.Session
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleRoom serves GET /ws/room/:room. Identity and access are checked
// before the upgrade so failures are plain HTTP errors.
func (ctl *SignalWSController) HandleRoom(c *gin.Context) {
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

	sess, backlog, err := ctl.chat.Join(c.Request.Context(), room, user)
	if err != nil {
		httperr.Abort(c, err)
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Str("sid", string(sess.ID())).Msg("ws upgrade")
		ctl.chat.Leave(sess)
		return
	}
	log.Info().Str("module", "signal").Str("sid", string(sess.ID())).Str("room", string(room)).Str("user", string(user.ID)).Msg("new WS connection")

	conn := &WsSignalConn{
		conn: ws,
		sess: sess,
		send: make(chan []byte, controlQueueSize),
	}
	go ctl.writePump(conn, backlog)
	go ctl.readPump(conn)
}
