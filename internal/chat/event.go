package chat

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedEvent is returned when a realtime payload does not identify a message.
var ErrMalformedEvent = errors.New("malformed message event")

type wrappedMessage struct {
	Message *ChatMessage `json:"message"`
}

// NormalizeMessageEvent decodes a realtime payload that carries a message
// either bare or wrapped as {"message": {...}}.
func NormalizeMessageEvent(raw json.RawMessage) (ChatMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ChatMessage{}, ErrMalformedEvent
	}
	var wrapped wrappedMessage
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return ChatMessage{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if wrapped.Message != nil {
		return *wrapped.Message, nil
	}
	var bare ChatMessage
	if err := json.Unmarshal(raw, &bare); err != nil {
		return ChatMessage{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return bare, nil
}

type deletedPayload struct {
	MessageID int64        `json:"messageId"`
	ID        int64        `json:"id"`
	Message   *ChatMessage `json:"message"`
}

// DeletedMessageID extracts the id from a message-deleted payload. The backend
// sends {"messageId": n}; the bare and wrapped message shapes are accepted too.
func DeletedMessageID(raw json.RawMessage) (int64, error) {
	var payload deletedPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	switch {
	case payload.MessageID != 0:
		return payload.MessageID, nil
	case payload.Message != nil && payload.Message.ID != 0:
		return payload.Message.ID, nil
	case payload.ID != 0:
		return payload.ID, nil
	}
	return 0, ErrMalformedEvent
}
