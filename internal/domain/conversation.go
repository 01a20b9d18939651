package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageSchemaVersion is the version written with every persisted message.
// Bump it when the stored shape changes and teach DecodeMessage the old one.
const MessageSchemaVersion = 1

var ErrUnsupportedSchema = errors.New("unsupported message schema version")

// ThreadKey identifies one conversation thread.
type ThreadKey struct {
	UserID   string
	ThreadID string
}

func (k ThreadKey) String() string {
	return k.UserID + "/" + k.ThreadID
}

// Validate reports whether both parts of the key are present.
func (k ThreadKey) Validate() error {
	if strings.TrimSpace(k.UserID) == "" {
		return errors.New("user id is required")
	}
	if strings.TrimSpace(k.ThreadID) == "" {
		return errors.New("thread id is required")
	}
	return nil
}

// ConversationState is the ordered, append-only message log of a thread.
type ConversationState struct {
	Key      ThreadKey
	Messages []Message
}

// NewConversationState returns an empty state for key.
func NewConversationState(key ThreadKey) *ConversationState {
	return &ConversationState{Key: key}
}

// Append adds msg to the end of the log and returns its sequence number.
func (s *ConversationState) Append(msg Message) int {
	s.Messages = append(s.Messages, msg)
	return len(s.Messages) - 1
}

// Last returns the most recent message, if any.
func (s *ConversationState) Last() (Message, bool) {
	if len(s.Messages) == 0 {
		return Message{}, false
	}
	return s.Messages[len(s.Messages)-1], true
}

type storedMessage struct {
	Version int `json:"v"`
	Message
}

// EncodeMessage serializes msg into the versioned checkpoint format.
func EncodeMessage(msg Message) ([]byte, error) {
	b, err := json.Marshal(storedMessage{Version: MessageSchemaVersion, Message: msg})
	if err != nil {
		return nil, fmt.Errorf("domain: encode message: %w", err)
	}
	return b, nil
}

// DecodeMessage parses a checkpointed message, rejecting unknown versions.
func DecodeMessage(raw []byte) (Message, error) {
	var sm storedMessage
	if err := json.Unmarshal(raw, &sm); err != nil {
		return Message{}, fmt.Errorf("domain: decode message: %w", err)
	}
	if sm.Version != MessageSchemaVersion {
		return Message{}, fmt.Errorf("domain: decode message: %w: %d", ErrUnsupportedSchema, sm.Version)
	}
	return sm.Message, nil
}
