package signal

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/dkeye/Chat/internal/app"
	"github.com/dkeye/Chat/internal/core"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// writePump owns every write to the socket: backlog first, then the
// session queue, control replies and pings.
func (ctl *SignalWSController) writePump(c *WsSignalConn, backlog []core.Envelope) {
	ticker := time.NewTicker(ctl.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()
	sid := string(c.sess.ID())

	for _, env := range backlog {
		if err := ctl.writeEnvelope(c, env); err != nil {
			log.Error().Err(err).Str("module", "signal").Str("sid", sid).Msg("writePump backlog")
			ctl.chat.Leave(c.sess)
			return
		}
	}

	for {
		select {
		case env := <-c.sess.Outbound():
			if err := ctl.writeEnvelope(c, env); err != nil {
				log.Error().Err(err).Str("module", "signal").Str("sid", sid).Msg("writePump write error")
				ctl.chat.Leave(c.sess)
				return
			}
		case data := <-c.send:
			if err := ctl.write(c, websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Str("sid", sid).Msg("writePump write error")
				ctl.chat.Leave(c.sess)
				return
			}
		case <-ticker.C:
			if err := ctl.write(c, websocket.PingMessage, nil); err != nil {
				log.Warn().Err(err).Str("module", "signal").Str("sid", sid).Msg("writePump ping")
				ctl.chat.Leave(c.sess)
				return
			}
		case <-c.sess.Done():
			ctl.writeClose(c)
			return
		}
	}
}

func (ctl *SignalWSController) readPump(c *WsSignalConn) {
	sid := string(c.sess.ID())
	defer func() {
		log.Info().Str("module", "signal").Str("sid", sid).Msg("readPump closing")
		ctl.chat.Leave(c.sess)
	}()

	pongWait := ctl.opts.PingPeriod * 2
	c.conn.SetReadLimit(ctl.opts.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Str("module", "signal").Str("sid", sid).Msg("readPump read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if !ctl.handleFrame(c, data) {
			return
		}
	}
}

// handleFrame reports whether the read loop should go on.
func (ctl *SignalWSController) handleFrame(c *WsSignalConn, data []byte) bool {
	var peek struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &peek); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(c.sess.ID())).Msg("bad json")
		ctl.sendError(c, "bad_payload")
		return true
	}

	switch peek.Type {
	case "ping":
		ctl.handlePing(c)
		return true
	case "leave":
		ctl.handleLeave(c)
		return false
	}

	user := c.sess.User()
	if l := ctl.opts.Limiter; l != nil && !l.Allow(user.ID) {
		ctl.sendError(c, "rate_limited")
		return true
	}
	in, err := core.DecodeInbound(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(c.sess.ID())).Msg("dropped frame")
		ctl.sendError(c, "bad_payload")
		return true
	}
	env, err := ctl.chat.PublishFrom(c.sess, in)
	switch {
	case errors.Is(err, app.ErrSenderMismatch):
		log.Warn().Str("module", "signal").Str("sid", string(c.sess.ID())).Str("user", string(user.ID)).Msg("sender mismatch")
		ctl.sendError(c, "sender_mismatch")
		return true
	case err != nil:
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(c.sess.ID())).Msg("publish")
		return false
	}
	log.Debug().Str("module", "signal").Str("sid", string(c.sess.ID())).Uint64("seq", env.Seq()).Msg("published")
	return true
}

func (ctl *SignalWSController) writeEnvelope(c *WsSignalConn, env core.Envelope) error {
	data, err := core.Encode(env)
	if err != nil {
		return err
	}
	return ctl.write(c, websocket.TextMessage, data)
}

func (ctl *SignalWSController) write(c *WsSignalConn, messageType int, data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.opts.WriteTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(messageType, data)
}

// writeClose tells the client why the session ended.
func (ctl *SignalWSController) writeClose(c *WsSignalConn) {
	code, text := websocket.CloseNormalClosure, "bye"
	switch err := c.sess.Err(); {
	case errors.Is(err, core.ErrBackpressure):
		code, text = websocket.CloseTryAgainLater, "too slow"
	case errors.Is(err, app.ErrServerShutdown):
		code, text = websocket.CloseGoingAway, "server shutting down"
	case err != nil:
		code, text = websocket.ClosePolicyViolation, err.Error()
	}
	msg := websocket.FormatCloseMessage(code, text)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(ctl.opts.WriteTimeout))
}

func (ctl *SignalWSController) sendJSON(c *WsSignalConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	if err := c.TrySend(b); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(c.sess.ID())).Msg("control reply dropped")
	}
}

func (ctl *SignalWSController) sendError(c *WsSignalConn, code string) {
	ctl.sendJSON(c, map[string]any{
		"type":  "error",
		"error": code,
	})
}
