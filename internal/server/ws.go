package server

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/tradervault/workspace-core/internal/interfaces"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type wsMessage struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// handleWS streams workspace change events to one client: the user's profile
// document plus the accounts joined at connect time. A changed joined set
// means the client reconnects; no resubscription happens on an open socket.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	uid := r.URL.Query().Get("uid")
	if uid == "" {
		writeError(w, http.StatusBadRequest, "uid is required")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	profileCh, cancelProfile := s.feed.WatchProfile(uid)
	defer cancelProfile()

	var accountCh <-chan interfaces.Event
	cancelAccounts := func() {}
	if joined, err := s.accounts.ListAccountsForUser(r.Context(), uid); err == nil && len(joined) > 0 {
		ids := make([]string, 0, len(joined))
		for _, a := range joined {
			ids = append(ids, a.ID)
		}
		if len(ids) > interfaces.BatchLimit {
			ids = ids[:interfaces.BatchLimit]
		}
		accountCh, cancelAccounts = s.feed.WatchAccounts(ids)
	}
	defer cancelAccounts()

	// discard client frames, detect disconnect
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-profileCh:
			if !ok {
				return
			}
			if !s.writeEvent(conn, uid, ev) {
				return
			}
		case ev, ok := <-accountCh:
			if !ok {
				accountCh = nil
				continue
			}
			if !s.writeEvent(conn, uid, ev) {
				return
			}
		}
	}
}

func (s *Server) writeEvent(conn *websocket.Conn, uid string, ev interfaces.Event) bool {
	msg := wsMessage{Type: string(ev.Kind)}
	switch {
	case ev.Profile != nil:
		msg.Data = ev.Profile
	case ev.Account != nil:
		msg.Data = ev.Account
	}
	if err := conn.WriteJSON(msg); err != nil {
		s.log.Debug().Err(err).Str("uid", uid).Msg("websocket write failed, dropping client")
		return false
	}
	return true
}
