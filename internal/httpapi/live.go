package httpapi

import (
	"net/http"
	"strings"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// handleOperationsLive streams ledger entries to a websocket client as they
// are recorded. Browsers cannot set an Authorization header on websocket
// upgrades, so a token query parameter is accepted as an alternative.
func (s *Server) handleOperationsLive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}
	if !s.liveAuthorized(r) {
		writeError(w, r, http.StatusUnauthorized, "invalid_token", "admin token required")
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Printf("httpapi: websocket accept failed: %v", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	records, cancel := s.store.Subscribe()
	defer cancel()

	// CloseRead discards client frames and cancels the context when the
	// peer goes away.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case record, ok := <-records:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "store closed")
				return
			}
			if err := wsjson.Write(ctx, conn, record); err != nil {
				return
			}
		}
	}
}

func (s *Server) liveAuthorized(r *http.Request) bool {
	if s.cfg.AdminToken == "" {
		return false
	}
	if authorizeAdmin(r, s.cfg.AdminToken) == nil {
		return true
	}
	return strings.TrimSpace(r.URL.Query().Get("token")) == s.cfg.AdminToken
}
