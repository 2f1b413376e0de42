package signal

import "github.com/dkeye/callcore/internal/domain"

func (ctl *SignalWSController) handlePing(conn *WsSignalConn) {
	ctl.sendJSON(conn, domain.Envelope{Type: domain.MsgPong})
}

func (ctl *SignalWSController) sendError(conn *WsSignalConn, code, msg string) {
	env, err := domain.NewEnvelope(domain.MsgError, "", "", "", "", domain.ErrorPayload{Code: code, Message: msg})
	if err != nil {
		return
	}
	ctl.sendJSON(conn, env)
}
