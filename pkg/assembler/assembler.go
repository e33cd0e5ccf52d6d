package assembler

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/tiktoken-go/tokenizer"

	"github.com/chatstream-io/chatstream/pkg/chatstore"
	"github.com/chatstream-io/chatstream/pkg/frames"
)

const persistTimeout = 5 * time.Second

// Assembler turns raw upstream text chunks into a framed assistant
// response and persists the finished message.
type Assembler struct {
	source   TokenSource
	messages chatstore.MessageStore
	model    string

	codecOnce sync.Once
	codec     tokenizer.Codec
}

type Config struct {
	Source   TokenSource
	Messages chatstore.MessageStore
	Model    string
}

func New(cfg Config) (*Assembler, error) {
	if cfg.Source == nil {
		return nil, errors.New("assembler: nil token source")
	}
	if cfg.Messages == nil {
		return nil, errors.New("assembler: nil message store")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("assembler: empty model")
	}
	return &Assembler{source: cfg.Source, messages: cfg.Messages, model: cfg.Model}, nil
}

// Factory produces the generation stream for one turn. The returned
// function opens the upstream connection when invoked; a connection
// failure surfaces as the factory's error so the caller can decide
// how to report it. Everything after a successful open is expressed
// in-band as frames.
//
// Frame order for a successful generation:
//
//	f:{"messageId":...} 0:... 0:... e:{...} d:{finishReason:"stop",usage}
//
// The assistant message is persisted exactly once, after the finish
// frames are emitted. A mid-stream upstream failure emits a single
// error frame instead and persists nothing.
func (a *Assembler) Factory(conversationID, prompt string) func(ctx context.Context) (io.ReadCloser, error) {
	return func(ctx context.Context) (io.ReadCloser, error) {
		body, err := a.source.Stream(ctx, prompt, a.model)
		if err != nil {
			return nil, err
		}

		messageID := uuid.NewString()
		pr, pw := io.Pipe()
		go a.run(ctx, conversationID, messageID, prompt, body, pw)
		return pr, nil
	}
}

func (a *Assembler) run(ctx context.Context, conversationID, messageID, prompt string, body io.ReadCloser, pw *io.PipeWriter) {
	logger := log.With().
		Str("component", "assembler").
		Str("conv_id", conversationID).
		Str("message_id", messageID).
		Logger()

	defer func() { _ = body.Close() }()

	emit := func(f frames.Frame) bool {
		line, err := frames.Encode(f)
		if err != nil {
			logger.Error().Err(err).Msg("encode frame")
			_ = pw.CloseWithError(err)
			return false
		}
		if _, err := pw.Write(line); err != nil {
			// Reader went away; the producer owns the upstream body,
			// so just stop writing.
			return false
		}
		return true
	}

	if !emit(frames.StartStep{MessageID: messageID}) {
		return
	}

	var text strings.Builder
	buf := make([]byte, 4096)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			chunk := string(buf[:n])
			if _, werr := pw.Write(frames.WrapText(chunk)); werr != nil {
				return
			}
			if !frames.IsFrameLine(chunk) {
				text.WriteString(chunk)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			logger.Warn().Err(err).Msg("upstream read failed mid-stream")
			emit(frames.Error("generation interrupted"))
			_ = pw.Close()
			return
		}
	}

	usage := a.estimateUsage(prompt, text.String())
	if !emit(frames.FinishStep{IsContinued: false, FinishReason: "stop", Usage: usage}) {
		return
	}
	if !emit(frames.FinishMessage{FinishReason: "stop", Usage: usage}) {
		return
	}
	_ = pw.Close()

	// Persist after the terminal frame so a reconnecting client that
	// sees the stored message is guaranteed the stream has ended. The
	// detached context keeps a canceled subscriber from losing the row.
	persistCtx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	msg := chatstore.Message{
		ID:             messageID,
		ConversationID: conversationID,
		Role:           chatstore.RoleAssistant,
		Parts:          []chatstore.Part{chatstore.TextPart(text.String())},
		CreatedAt:      time.Now(),
	}
	if err := a.messages.AppendMany(persistCtx, []chatstore.Message{msg}); err != nil {
		logger.Error().Err(err).Msg("persist assistant message")
		return
	}
	logger.Debug().Int("chars", text.Len()).Msg("assistant message persisted")
}

// estimateUsage counts tokens with the cl100k_base codec. Estimation
// is best effort; a tokenizer failure yields nil usage rather than a
// failed generation.
func (a *Assembler) estimateUsage(prompt, completion string) *frames.Usage {
	a.codecOnce.Do(func() {
		codec, err := tokenizer.Get(tokenizer.Cl100kBase)
		if err != nil {
			log.Warn().Err(err).Msg("tokenizer unavailable, skipping usage estimation")
			return
		}
		a.codec = codec
	})
	if a.codec == nil {
		return nil
	}
	promptIDs, _, err := a.codec.Encode(prompt)
	if err != nil {
		return nil
	}
	completionIDs, _, err := a.codec.Encode(completion)
	if err != nil {
		return nil
	}
	return &frames.Usage{PromptTokens: len(promptIDs), CompletionTokens: len(completionIDs)}
}
