package signal

import "github.com/rs/zerolog/log"

func (ctl *SignalWSController) handlePing(
	conn *WsSignalConn,
) {
	resp := struct {
		Type string `json:"type"`
	}{
		Type: "pong",
	}
	ctl.sendJSON(conn, resp)
}

// handleLeave closes the session; writePump sends the close frame.
func (ctl *SignalWSController) handleLeave(
	conn *WsSignalConn,
) {
	log.Info().Str("module", "signal").Str("sid", string(conn.sess.ID())).Msg("leave requested")
	ctl.chat.Leave(conn.sess)
}
