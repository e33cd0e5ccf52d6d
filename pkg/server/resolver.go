package server

import (
	"context"
	"io"
	"time"

	"github.com/chatstream-io/chatstream/pkg/chaterrors"
	"github.com/chatstream-io/chatstream/pkg/chatstore"
	"github.com/chatstream-io/chatstream/pkg/streams"
)

// resumeKind is the closed set of reconnect outcomes.
type resumeKind int

const (
	// resumeOff: no durable substrate; 204, the client should stop polling.
	resumeOff resumeKind = iota
	// resumeDenied: validation, auth or lookup failed; carries the error.
	resumeDenied
	// resumeLive: the generation is still producing; forward its stream.
	resumeLive
	// resumeReplay: the stream finished moments ago; replay the
	// persisted assistant message.
	resumeReplay
	// resumeEmpty: nothing meaningful to resume; 200 with no body.
	resumeEmpty
)

type resumeDecision struct {
	kind    resumeKind
	err     *chaterrors.ChatError
	stream  io.ReadCloser
	message chatstore.Message
}

func resumeError(err *chaterrors.ChatError) resumeDecision {
	return resumeDecision{kind: resumeDenied, err: err}
}

// resolveResume walks the reconnect precedence for one conversation.
// The order is load-bearing: liveness is probed before staleness, so
// a slow-but-alive generation is never mistaken for a stale one.
func (s *Server) resolveResume(ctx context.Context, chatID, userID string) resumeDecision {
	if !s.hasSubstrate() {
		return resumeDecision{kind: resumeOff}
	}

	conv, err := s.store.GetByID(ctx, chatID)
	if err != nil {
		if err != chatstore.ErrNotFound {
			s.logger.Error().Err(err).Str("conv_id", chatID).Msg("load conversation")
		}
		return resumeError(chaterrors.New(chaterrors.KindNotFound, "chat", "conversation not found"))
	}
	if conv.Visibility == chatstore.VisibilityPrivate && conv.OwnerID != userID {
		return resumeError(chaterrors.New(chaterrors.KindForbidden, "chat", "not your conversation"))
	}

	recent, err := s.registry.MostRecent(ctx, chatID)
	if err != nil {
		if err != streams.ErrNoStreams {
			s.logger.Error().Err(err).Str("conv_id", chatID).Msg("list streams")
		}
		return resumeError(chaterrors.New(chaterrors.KindNotFound, "stream", "no streams recorded"))
	}

	// The no-op factory probes without risking a second generation.
	stream, err := s.resumeBroker().ResumableStream(ctx, recent, streams.EmptyStream)
	if err != nil {
		s.logger.Error().Err(err).Str("stream_id", recent).Msg("probe stream")
		return resumeError(chaterrors.New(chaterrors.KindUpstreamFailure, "stream", "failed to probe stream"))
	}
	if stream != nil {
		return resumeDecision{kind: resumeLive, stream: stream}
	}

	// Stream already finished. Replay the last assistant message only
	// if it is fresh enough to have been the one the client lost.
	msgs, err := s.store.GetAllByConversation(ctx, chatID)
	if err != nil {
		s.logger.Error().Err(err).Str("conv_id", chatID).Msg("load messages")
		return resumeDecision{kind: resumeEmpty}
	}
	msg, ok := replayCandidate(msgs, time.Now(), s.cfg.Limits.ResumeStaleness())
	if !ok {
		return resumeDecision{kind: resumeEmpty}
	}
	return resumeDecision{kind: resumeReplay, message: msg}
}

// replayCandidate picks the message a finished-stream reconnect should
// replay: the conversation's last message, assistant-authored, no older
// than the staleness window.
func replayCandidate(msgs []chatstore.Message, now time.Time, staleness time.Duration) (chatstore.Message, bool) {
	if len(msgs) == 0 {
		return chatstore.Message{}, false
	}
	last := msgs[len(msgs)-1]
	if last.Role != chatstore.RoleAssistant {
		return chatstore.Message{}, false
	}
	if now.Sub(last.CreatedAt) > staleness {
		return chatstore.Message{}, false
	}
	return last, true
}
