// Package frames implements the line-oriented stream protocol spoken
// between the server and chat clients. Every event in a generation is
// one frame: a single-character tag, a colon, a JSON payload and a
// trailing newline. Consumers process frames strictly in arrival
// order; one write always carries exactly one frame.
package frames

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Tag is the one-character discriminator at the start of each frame.
type Tag byte

const (
	TagTextDelta          Tag = '0'
	TagData               Tag = '2'
	TagError              Tag = '3'
	TagMessageAnnotations Tag = '8'
	TagToolCall           Tag = '9'
	TagToolResult         Tag = 'a'
	TagToolCallStart      Tag = 'b'
	TagToolCallDelta      Tag = 'c'
	TagFinishMessage      Tag = 'd'
	TagFinishStep         Tag = 'e'
	TagStartStep          Tag = 'f'
	TagReasoning          Tag = 'g'
	TagSource             Tag = 'h'
	TagRedactedReasoning  Tag = 'i'
	TagReasoningSignature Tag = 'j'
	TagFile               Tag = 'k'
)

// ErrCorruptFrame marks decode failures: unknown tags, missing
// separators, or payloads that do not parse under the tag's shape.
var ErrCorruptFrame = errors.New("corrupt frame")

// Frame is the closed union of protocol events. Exactly one concrete
// type exists per tag; Encode switches exhaustively over them so an
// unhandled event kind is a compile-time hole, not a silent drop.
type Frame interface {
	Tag() Tag
}

// Usage carries token counters attached to finish frames.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
}

// TextDelta is one chunk of assistant-visible text.
type TextDelta string

// Data carries out-of-band structured values, e.g. the append-message
// instruction emitted when a resume replays a persisted message.
type Data []any

// Error carries a human-readable failure description. It is always
// the final frame of a failed generation.
type Error string

// MessageAnnotations carries client-side message metadata.
type MessageAnnotations []any

type ToolCall struct {
	ToolName string         `json:"toolName"`
	Args     map[string]any `json:"args"`
}

type ToolResult struct {
	Response any `json:"response"`
}

type ToolCallStart struct {
	ToolCallID string `json:"toolCallId"`
	ToolName   string `json:"toolName"`
}

type ToolCallDelta struct {
	ToolCallID    string `json:"toolCallId"`
	ArgsTextDelta string `json:"argsTextDelta"`
}

type FinishMessage struct {
	FinishReason string `json:"finishReason"`
	Usage        *Usage `json:"usage,omitempty"`
}

type FinishStep struct {
	IsContinued  bool   `json:"isContinued"`
	FinishReason string `json:"finishReason"`
	Usage        *Usage `json:"usage,omitempty"`
}

type StartStep struct {
	MessageID string `json:"messageId"`
}

// Reasoning is a chunk of model reasoning text.
type Reasoning string

// Source references external material the model drew on.
type Source map[string]any

type RedactedReasoning struct {
	Data string `json:"data"`
}

type ReasoningSignature struct {
	Signature string `json:"signature"`
}

type File struct {
	Data     string `json:"data"`
	MimeType string `json:"mimeType"`
}

func (TextDelta) Tag() Tag          { return TagTextDelta }
func (Data) Tag() Tag               { return TagData }
func (Error) Tag() Tag              { return TagError }
func (MessageAnnotations) Tag() Tag { return TagMessageAnnotations }
func (ToolCall) Tag() Tag           { return TagToolCall }
func (ToolResult) Tag() Tag         { return TagToolResult }
func (ToolCallStart) Tag() Tag      { return TagToolCallStart }
func (ToolCallDelta) Tag() Tag      { return TagToolCallDelta }
func (FinishMessage) Tag() Tag      { return TagFinishMessage }
func (FinishStep) Tag() Tag         { return TagFinishStep }
func (StartStep) Tag() Tag          { return TagStartStep }
func (Reasoning) Tag() Tag          { return TagReasoning }
func (Source) Tag() Tag             { return TagSource }
func (RedactedReasoning) Tag() Tag  { return TagRedactedReasoning }
func (ReasoningSignature) Tag() Tag { return TagReasoningSignature }
func (File) Tag() Tag               { return TagFile }

// ValidTag reports whether t belongs to the fixed frame alphabet.
func ValidTag(t Tag) bool {
	switch t {
	case TagTextDelta, TagData, TagError, TagMessageAnnotations,
		TagToolCall, TagToolResult, TagToolCallStart, TagToolCallDelta,
		TagFinishMessage, TagFinishStep, TagStartStep, TagReasoning,
		TagSource, TagRedactedReasoning, TagReasoningSignature, TagFile:
		return true
	}
	return false
}

// Terminal reports whether f ends a generation. No frame other than
// error/finish_message may follow a finish_message frame.
func Terminal(f Frame) bool {
	switch f.(type) {
	case FinishMessage, Error:
		return true
	}
	return false
}

// Encode serializes a frame as `tag:payload\n`.
func Encode(f Frame) ([]byte, error) {
	var payload any
	switch v := f.(type) {
	case TextDelta:
		payload = string(v)
	case Data:
		payload = []any(v)
	case Error:
		payload = string(v)
	case MessageAnnotations:
		payload = []any(v)
	case ToolCall:
		payload = v
	case ToolResult:
		payload = v
	case ToolCallStart:
		payload = v
	case ToolCallDelta:
		payload = v
	case FinishMessage:
		payload = v
	case FinishStep:
		payload = v
	case StartStep:
		payload = v
	case Reasoning:
		payload = string(v)
	case Source:
		payload = map[string]any(v)
	case RedactedReasoning:
		payload = v
	case ReasoningSignature:
		payload = v
	case File:
		payload = v
	default:
		return nil, errors.Errorf("encode: unknown frame type %T", f)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "encode frame payload")
	}
	out := make([]byte, 0, len(body)+3)
	out = append(out, byte(f.Tag()), ':')
	out = append(out, body...)
	out = append(out, '\n')
	return out, nil
}

// MustEncode is Encode for frames built from static values, where a
// marshal failure indicates a programming error.
func MustEncode(f Frame) []byte {
	b, err := Encode(f)
	if err != nil {
		panic(err)
	}
	return b
}

// Decode parses one frame line. The trailing newline is optional; the
// caller is responsible for handing in complete lines (see Scanner).
func Decode(line []byte) (Frame, error) {
	if n := len(line); n > 0 && line[n-1] == '\n' {
		line = line[:n-1]
	}
	if len(line) < 2 || line[1] != ':' {
		return nil, errors.WithMessage(ErrCorruptFrame, "missing tag separator")
	}
	tag := Tag(line[0])
	body := line[2:]
	if !ValidTag(tag) {
		return nil, errors.WithMessagef(ErrCorruptFrame, "unknown tag %q", string(tag))
	}

	unmarshal := func(dst any) error {
		if err := json.Unmarshal(body, dst); err != nil {
			return errors.WithMessagef(ErrCorruptFrame, "tag %q: %v", string(tag), err)
		}
		return nil
	}

	switch tag {
	case TagTextDelta:
		var s string
		if err := unmarshal(&s); err != nil {
			return nil, err
		}
		return TextDelta(s), nil
	case TagData:
		var v []any
		if err := unmarshal(&v); err != nil {
			return nil, err
		}
		return Data(v), nil
	case TagError:
		var s string
		if err := unmarshal(&s); err != nil {
			return nil, err
		}
		return Error(s), nil
	case TagMessageAnnotations:
		var v []any
		if err := unmarshal(&v); err != nil {
			return nil, err
		}
		return MessageAnnotations(v), nil
	case TagToolCall:
		var v ToolCall
		if err := unmarshal(&v); err != nil {
			return nil, err
		}
		return v, nil
	case TagToolResult:
		var v ToolResult
		if err := unmarshal(&v); err != nil {
			return nil, err
		}
		return v, nil
	case TagToolCallStart:
		var v ToolCallStart
		if err := unmarshal(&v); err != nil {
			return nil, err
		}
		return v, nil
	case TagToolCallDelta:
		var v ToolCallDelta
		if err := unmarshal(&v); err != nil {
			return nil, err
		}
		return v, nil
	case TagFinishMessage:
		var v FinishMessage
		if err := unmarshal(&v); err != nil {
			return nil, err
		}
		return v, nil
	case TagFinishStep:
		var v FinishStep
		if err := unmarshal(&v); err != nil {
			return nil, err
		}
		return v, nil
	case TagStartStep:
		var v StartStep
		if err := unmarshal(&v); err != nil {
			return nil, err
		}
		return v, nil
	case TagReasoning:
		var s string
		if err := unmarshal(&s); err != nil {
			return nil, err
		}
		return Reasoning(s), nil
	case TagSource:
		var v map[string]any
		if err := unmarshal(&v); err != nil {
			return nil, err
		}
		return Source(v), nil
	case TagRedactedReasoning:
		var v RedactedReasoning
		if err := unmarshal(&v); err != nil {
			return nil, err
		}
		return v, nil
	case TagReasoningSignature:
		var v ReasoningSignature
		if err := unmarshal(&v); err != nil {
			return nil, err
		}
		return v, nil
	case TagFile:
		var v File
		if err := unmarshal(&v); err != nil {
			return nil, err
		}
		return v, nil
	}
	return nil, errors.WithMessagef(ErrCorruptFrame, "unknown tag %q", string(tag))
}

// IsFrameLine reports whether s already starts with a tag from the
// frame alphabet followed by the separator.
func IsFrameLine(s string) bool {
	return len(s) >= 2 && s[1] == ':' && ValidTag(Tag(s[0]))
}

// WrapText encodes raw upstream text as a text-delta frame, unless it
// is already a framed line, in which case it passes through unchanged
// apart from newline termination. This keeps re-emitted framed input
// from being double-encoded.
func WrapText(s string) []byte {
	if IsFrameLine(s) {
		if len(s) == 0 || s[len(s)-1] != '\n' {
			return append([]byte(s), '\n')
		}
		return []byte(s)
	}
	return MustEncode(TextDelta(s))
}
