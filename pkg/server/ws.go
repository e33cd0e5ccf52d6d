package server

import (
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/chatstream-io/chatstream/pkg/chaterrors"
	"github.com/chatstream-io/chatstream/pkg/chatstore"
	"github.com/chatstream-io/chatstream/pkg/frames"
	"github.com/chatstream-io/chatstream/pkg/streams"
)

// handleWS attaches a websocket observer to the conversation's live
// stream, delivering one frame line per text message. Observers are
// read-only; prompts still go through POST.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	chatID := strings.TrimSpace(r.URL.Query().Get("chatId"))
	if chatID == "" {
		chaterrors.New(chaterrors.KindBadRequest, "api", "missing chatId").WriteJSON(w)
		return
	}
	user, cerr := s.authenticate(r)
	if cerr != nil {
		cerr.WriteJSON(w)
		return
	}
	conv, err := s.store.GetByID(r.Context(), chatID)
	if err != nil {
		chaterrors.New(chaterrors.KindNotFound, "chat", "conversation not found").WriteJSON(w)
		return
	}
	if conv.Visibility == chatstore.VisibilityPrivate && conv.OwnerID != user.ID {
		chaterrors.New(chaterrors.KindForbidden, "chat", "not your conversation").WriteJSON(w)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	recent, err := s.registry.MostRecent(r.Context(), chatID)
	if err != nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"no streams recorded"}`))
		return
	}
	stream, err := s.resumeBroker().ResumableStream(r.Context(), recent, streams.EmptyStream)
	if err != nil || stream == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"stream is not live"}`))
		return
	}
	defer func() { _ = stream.Close() }()

	// Drain client frames so ping/pong and close are processed; any
	// read error tears the observer down.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	go func() {
		<-done
		_ = stream.Close()
	}()

	sc := frames.NewScanner(stream)
	for {
		line, err := sc.NextRaw()
		if err == io.EOF {
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended"))
			return
		}
		if err != nil {
			s.logger.Warn().Err(err).Str("stream_id", recent).Msg("observer stream read failed")
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, line); err != nil {
			return
		}
	}
}
