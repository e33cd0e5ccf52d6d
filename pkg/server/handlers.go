package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chatstream-io/chatstream/pkg/chaterrors"
	"github.com/chatstream-io/chatstream/pkg/chatstore"
	"github.com/chatstream-io/chatstream/pkg/frames"
	"github.com/chatstream-io/chatstream/pkg/streams"
)

type postChatRequest struct {
	ID         string          `json:"id"`
	Message    incomingMessage `json:"message"`
	Visibility string          `json:"selectedVisibilityType"`
}

type incomingMessage struct {
	ID    string           `json:"id"`
	Role  string           `json:"role"`
	Parts []chatstore.Part `json:"parts"`
}

func (m incomingMessage) text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == "text" {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":    "ok",
		"resumable": s.hasSubstrate(),
	})
}

func (s *Server) handlePostChat(w http.ResponseWriter, r *http.Request) {
	var req postChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		chaterrors.New(chaterrors.KindBadRequest, "api", "invalid request body").WriteJSON(w)
		return
	}
	if strings.TrimSpace(req.ID) == "" {
		chaterrors.New(chaterrors.KindBadRequest, "api", "missing conversation id").WriteJSON(w)
		return
	}
	prompt := req.Message.text()
	if strings.TrimSpace(prompt) == "" {
		chaterrors.New(chaterrors.KindBadRequest, "api", "missing prompt").WriteJSON(w)
		return
	}

	user, cerr := s.authenticate(r)
	if cerr != nil {
		cerr.WriteJSON(w)
		return
	}

	if cerr := s.checkQuota(r.Context(), user.ID, user.Type); cerr != nil {
		cerr.WriteJSON(w)
		return
	}

	// Ownership is settled before anything is written; a forbidden
	// request must leave no trace in the store.
	conv, err := s.store.GetByID(r.Context(), req.ID)
	switch {
	case err == chatstore.ErrNotFound:
		visibility := chatstore.VisibilityPrivate
		if req.Visibility == string(chatstore.VisibilityPublic) {
			visibility = chatstore.VisibilityPublic
		}
		created := chatstore.Conversation{
			ID:         req.ID,
			OwnerID:    user.ID,
			Title:      titleFromPrompt(prompt),
			Visibility: visibility,
			CreatedAt:  time.Now(),
		}
		if err := s.store.Create(r.Context(), created); err != nil {
			s.logger.Error().Err(err).Str("conv_id", req.ID).Msg("create conversation")
			chaterrors.New(chaterrors.KindBadRequest, "chat", "failed to create conversation").WriteJSON(w)
			return
		}
		conv = &created
	case err != nil:
		s.logger.Error().Err(err).Str("conv_id", req.ID).Msg("load conversation")
		chaterrors.New(chaterrors.KindBadRequest, "chat", "failed to load conversation").WriteJSON(w)
		return
	case conv.OwnerID != user.ID:
		chaterrors.New(chaterrors.KindForbidden, "chat", "not your conversation").WriteJSON(w)
		return
	}

	userMsg := chatstore.Message{
		ID:             req.Message.ID,
		ConversationID: conv.ID,
		Role:           chatstore.RoleUser,
		Parts:          req.Message.Parts,
		CreatedAt:      time.Now(),
	}
	if strings.TrimSpace(userMsg.ID) == "" {
		userMsg.ID = uuid.NewString()
	}
	if err := s.store.AppendMany(r.Context(), []chatstore.Message{userMsg}); err != nil {
		s.logger.Error().Err(err).Str("conv_id", conv.ID).Msg("persist user message")
		chaterrors.New(chaterrors.KindBadRequest, "chat", "failed to persist message").WriteJSON(w)
		return
	}

	// The stream id is durably recorded before generation starts so a
	// reconnect that races the producer still finds it.
	streamID, err := s.registry.Create(r.Context(), conv.ID)
	if err != nil {
		s.logger.Error().Err(err).Str("conv_id", conv.ID).Msg("record stream id")
		chaterrors.New(chaterrors.KindUpstreamFailure, "stream", "failed to record stream").WriteJSON(w)
		return
	}

	factory := streams.StreamFactory(s.asm.Factory(conv.ID, promptWithHints(prompt, r)))

	stream, err := s.resumeBroker().ResumableStream(r.Context(), streamID, factory)
	if err != nil {
		s.logger.Error().Err(err).Str("stream_id", streamID).Msg("resumable stream")
		chaterrors.New(chaterrors.KindUpstreamFailure, "stream", "failed to open stream").WriteJSON(w)
		return
	}
	if stream == nil {
		// No substrate; serve the generation directly without
		// resumption. The wall-clock ceiling still applies, matching
		// the broker-driven path.
		genCtx, cancel := context.WithTimeout(r.Context(), s.cfg.Limits.GenerationTimeout())
		defer cancel()
		stream, err = factory(genCtx)
		if err != nil {
			// The stream still opens; the rejection travels in-band so
			// every consumer sees the same terminal error frame.
			s.logger.Warn().Err(err).Str("stream_id", streamID).Msg("upstream rejected generation")
			s.writeStreamHeaders(w)
			_, _ = w.Write(frames.MustEncode(frames.Error("failed to start generation")))
			return
		}
	}
	s.streamResponse(w, r, stream)
}

func (s *Server) checkQuota(ctx context.Context, userID, userType string) *chaterrors.ChatError {
	max, ok := s.cfg.Limits.DailyMessageQuota[userType]
	if !ok || max <= 0 {
		return nil
	}
	count, err := s.store.CountUserMessagesSince(ctx, userID, time.Now().Add(-24*time.Hour))
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("quota check failed")
		return nil
	}
	if count >= max {
		return chaterrors.New(chaterrors.KindRateLimit, "chat", "daily message limit reached")
	}
	return nil
}

// handleGetChat resumes the most recent stream of a conversation,
// rendering whichever outcome the resolver decides.
func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request) {
	if !s.hasSubstrate() {
		w.WriteHeader(http.StatusNoContent)
		return
	}
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

	decision := s.resolveResume(r.Context(), chatID, user.ID)
	switch decision.kind {
	case resumeOff:
		w.WriteHeader(http.StatusNoContent)
	case resumeDenied:
		decision.err.WriteJSON(w)
	case resumeLive:
		s.streamResponse(w, r, decision.stream)
	case resumeReplay:
		s.writeReplay(w, decision.message)
	default:
		w.WriteHeader(http.StatusOK)
	}
}

// writeReplay emits the single data frame instructing the client to
// append the already-persisted message.
func (s *Server) writeReplay(w http.ResponseWriter, msg chatstore.Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error().Err(err).Str("conv_id", msg.ConversationID).Msg("marshal replay message")
		w.WriteHeader(http.StatusOK)
		return
	}
	line := frames.MustEncode(frames.Data([]any{map[string]any{
		"type":    "append-message",
		"message": string(payload),
	}}))
	s.writeStreamHeaders(w)
	_, _ = w.Write(line)
}

func (s *Server) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if id == "" {
		chaterrors.New(chaterrors.KindBadRequest, "api", "missing id").WriteJSON(w)
		return
	}
	user, cerr := s.authenticate(r)
	if cerr != nil {
		cerr.WriteJSON(w)
		return
	}
	conv, err := s.store.GetByID(r.Context(), id)
	if err == chatstore.ErrNotFound {
		chaterrors.New(chaterrors.KindNotFound, "chat", "conversation not found").WriteJSON(w)
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("conv_id", id).Msg("load conversation")
		chaterrors.New(chaterrors.KindNotFound, "chat", "conversation not found").WriteJSON(w)
		return
	}
	if conv.OwnerID != user.ID {
		chaterrors.New(chaterrors.KindForbidden, "chat", "not your conversation").WriteJSON(w)
		return
	}
	deleted, err := s.store.Delete(r.Context(), id)
	if err != nil {
		s.logger.Error().Err(err).Str("conv_id", id).Msg("delete conversation")
		chaterrors.New(chaterrors.KindNotFound, "chat", "failed to delete conversation").WriteJSON(w)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(deleted)
}

func (s *Server) writeStreamHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Chat-Stream", "v1")
}

// streamResponse copies frames to the client, flushing per read so
// deltas arrive as they are produced. Closing happens via the request
// context so a vanished client unblocks the copy loop; the producer
// itself is unaffected.
func (s *Server) streamResponse(w http.ResponseWriter, r *http.Request, stream io.ReadCloser) {
	stop := context.AfterFunc(r.Context(), func() { _ = stream.Close() })
	defer stop()
	defer func() { _ = stream.Close() }()

	s.writeStreamHeaders(w)
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 4096)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}
