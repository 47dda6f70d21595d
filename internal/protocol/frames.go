// Package protocol defines the JSON frames carried over the chat socket.
// Every frame has a discriminant field "mt" identifying its kind and a
// payload structure defined below. The catalog is shared between the
// transport (decoding) and the dispatcher (encoding).
package protocol

import (
	"encoding/json"
	"fmt"

	apperrors "github.com/vakta-ai/chatcore/internal/errors"
)

// MT identifies the kind of frame being sent over the chat socket.
type MT string

const (
	// MTMessageUpload carries a user message to the assistant (outbound).
	// Payload: Upload
	MTMessageUpload MT = "message_upload"

	// MTBotPartial carries one step of a streamed assistant reply.
	// Sub-fields distinguish stream start, partial delta and stream stop.
	// Payload: BotPartial
	MTBotPartial MT = "chat_message_bot_partial"

	// MTUploadConfirm carries a fully-formed assistant message in one step
	// (non-streamed replies). Payload: UploadConfirm
	MTUploadConfirm MT = "message_upload_confirm"

	// MTThinkingIndicator signals that the assistant is composing a reply.
	// This is ephemeral status, not part of the message log.
	// Payload: ThinkingIndicator
	MTThinkingIndicator MT = "thinking_indicator"

	// MTError carries a non-fatal backend error. Payload: ErrorFrame
	MTError MT = "error"
)

// Frame is implemented by all typed frames in the catalog.
type Frame interface {
	// Kind returns the mt discriminant of the frame.
	Kind() MT
}

// Upload is the outbound user-message frame.
type Upload struct {
	MT               MT     `json:"mt"`
	Message          string `json:"message"`
	UserID           string `json:"userId"`
	ChatID           string `json:"chatId"`
	DocumentID       string `json:"documentId,omitempty"`
	Timezone         string `json:"timezone"`
	SelectedLanguage string `json:"selectedLanguage"`
	UseWebSearch     bool   `json:"useWebSearch"`
}

// Kind implements Frame.
func (f Upload) Kind() MT { return MTMessageUpload }

// BotPartial is one step of a streamed assistant reply.
//
// The correlation token MessageID ties all steps of one reply together:
// the frame with IsStart set opens the stream, frames carrying Delta
// extend it, and the frame with IsFinal set closes it (optionally with
// final metadata such as Citation). A frame may be both start and final
// for single-chunk replies.
type BotPartial struct {
	MT        MT     `json:"mt"`
	MessageID string `json:"messageId"`
	Delta     string `json:"delta,omitempty"`
	IsStart   bool   `json:"isStart,omitempty"`
	IsFinal   bool   `json:"isFinal,omitempty"`
	Citation  string `json:"citation,omitempty"`
}

// Kind implements Frame.
func (f BotPartial) Kind() MT { return MTBotPartial }

// UploadConfirm is a fully-formed assistant message delivered in one step.
type UploadConfirm struct {
	MT        MT     `json:"mt"`
	MessageID string `json:"messageId"`
	Message   string `json:"message"`
	Citation  string `json:"citation,omitempty"`
	CreatedAt string `json:"createdAt,omitempty"` // RFC3339
}

// Kind implements Frame.
func (f UploadConfirm) Kind() MT { return MTUploadConfirm }

// ThinkingIndicator signals composing status. Active false clears it.
type ThinkingIndicator struct {
	MT     MT   `json:"mt"`
	Active bool `json:"active"`
}

// Kind implements Frame.
func (f ThinkingIndicator) Kind() MT { return MTThinkingIndicator }

// ErrorFrame carries a non-fatal backend error. It never appends a
// message to the log; the controller surfaces it as an ephemeral notice.
type ErrorFrame struct {
	MT      MT     `json:"mt"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Kind implements Frame.
func (f ErrorFrame) Kind() MT { return MTError }

// Encode serializes a frame to its wire representation.
func Encode(f Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.Kind(), err)
	}
	return data, nil
}

// Decode parses raw socket data into a typed frame.
//
// Malformed JSON and payloads that don't match their declared kind fail
// with protocol.invalid; an unrecognized mt fails with protocol.unknown.
// Callers log and drop such frames rather than treating them as fatal:
// an unexpected frame must never take the connection down.
func Decode(data []byte) (Frame, error) {
	var head struct {
		MT MT `json:"mt"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeProtocolInvalid, "malformed frame", err)
	}

	switch head.MT {
	case MTMessageUpload:
		var f Upload
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeProtocolInvalid, "malformed message_upload", err)
		}
		return f, nil
	case MTBotPartial:
		var f BotPartial
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeProtocolInvalid, "malformed chat_message_bot_partial", err)
		}
		if f.MessageID == "" {
			return nil, apperrors.New(apperrors.CodeProtocolInvalid, "chat_message_bot_partial without messageId")
		}
		return f, nil
	case MTUploadConfirm:
		var f UploadConfirm
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeProtocolInvalid, "malformed message_upload_confirm", err)
		}
		return f, nil
	case MTThinkingIndicator:
		var f ThinkingIndicator
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeProtocolInvalid, "malformed thinking_indicator", err)
		}
		return f, nil
	case MTError:
		var f ErrorFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeProtocolInvalid, "malformed error frame", err)
		}
		return f, nil
	case "":
		return nil, apperrors.New(apperrors.CodeProtocolInvalid, "frame missing mt discriminant")
	default:
		return nil, apperrors.New(apperrors.CodeProtocolUnknown,
			fmt.Sprintf("unknown frame kind %q", head.MT))
	}
}
