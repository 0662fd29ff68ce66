package webui

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/laynepenney/codi-sub005/internal/debuglog"
)

type decisionPayload struct {
	RequestID string `json:"requestId"`
	Result    string `json:"result"`
}

func (srv *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}
	defer ws.CloseNow()

	ctx := r.Context()
	outCh := make(chan wsEnvelope, 256)

	srv.clientsMu.Lock()
	srv.clients[outCh] = struct{}{}
	srv.clientsMu.Unlock()
	defer func() {
		srv.clientsMu.Lock()
		delete(srv.clients, outCh)
		srv.clientsMu.Unlock()
	}()

	readErrCh := make(chan error, 1)
	go srv.readDecisions(ctx, ws, readErrCh)

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-readErrCh:
			if err != nil {
				debuglog.LogKV("webui", "client read ended", "error", err)
			}
			return
		case env, ok := <-outCh:
			if !ok {
				return
			}
			data, err := json.Marshal(env)
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			err = ws.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// readDecisions reads permission_decision messages from a connected
// browser and resolves the matching pending request. It runs for the
// lifetime of the connection; a closed socket ends the loop.
func (srv *Server) readDecisions(ctx context.Context, ws *websocket.Conn, done chan<- error) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			done <- err
			return
		}
		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		if env.Type != "permission_decision" {
			continue
		}
		raw, err := json.Marshal(env.Data)
		if err != nil {
			continue
		}
		var dec decisionPayload
		if err := json.Unmarshal(raw, &dec); err != nil {
			continue
		}

		srv.pendingMu.Lock()
		pd, ok := srv.pending[dec.RequestID]
		srv.pendingMu.Unlock()
		if !ok {
			continue
		}
		pd.resolve(confirmationResultOf(dec.Result))
	}
}
