package chat

import (
	"encoding/json"

	"github.com/google/uuid"

	"debatechat/internal/models"
)

// CommandKind tags the decoded intent of one inbound frame.
type CommandKind int

const (
	KindInvalid CommandKind = iota
	KindPing
	KindPrompt
	KindRegenerateMessage
	KindChangeTopic
	KindStop
)

// Command is the decoded form of one inbound frame. It is constructed per
// frame and consumed immediately by the dispatcher.
type Command struct {
	Kind      CommandKind
	History   []*models.Message
	TopicID   uuid.UUID
	MessageID uuid.UUID
	Reason    string
}

func invalidCommand(reason string) Command {
	return Command{Kind: KindInvalid, Reason: reason}
}

type frameDTO struct {
	Command          string            `json:"command"`
	PreviousMessages []*models.Message `json:"previous_messages,omitempty"`
	TopicID          *uuid.UUID        `json:"topic_id,omitempty"`
	MessageID        *uuid.UUID        `json:"message_id,omitempty"`
}

// DecodeCommand classifies one inbound text frame into exactly one Command.
// Decoding failures never fail the connection; they map to KindInvalid.
func DecodeCommand(data []byte) Command {
	var frame frameDTO
	if err := json.Unmarshal(data, &frame); err != nil {
		return invalidCommand("invalid message")
	}
	switch frame.Command {
	case "ping":
		return Command{Kind: KindPing}
	case "prompt":
		if len(frame.PreviousMessages) == 0 {
			return invalidCommand("missing properties")
		}
		return Command{Kind: KindPrompt, History: frame.PreviousMessages}
	case "regenerateMessage":
		if frame.MessageID == nil {
			return invalidCommand("missing properties")
		}
		return Command{Kind: KindRegenerateMessage, MessageID: *frame.MessageID}
	case "changeTopic":
		if frame.TopicID == nil {
			return invalidCommand("missing properties")
		}
		return Command{Kind: KindChangeTopic, TopicID: *frame.TopicID}
	case "stop":
		return Command{Kind: KindStop}
	default:
		return invalidCommand("unsupported command")
	}
}
