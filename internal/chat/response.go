package chat

import "debatechat/internal/models"

// Outbound frame types.
const (
	FrameMessages    = "messages"
	FrameChatMessage = "chatMessage"
	FrameError       = "error"
)

// MessagesFrame carries a topic's full message list, sent after a topic change.
type MessagesFrame struct {
	Type     string            `json:"type"`
	Messages []*models.Message `json:"messages"`
}

// ChatMessageFrame carries one streamed completion token.
type ChatMessageFrame struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ErrorFrame reports a recoverable failure to the client.
type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func newMessagesFrame(messages []*models.Message) MessagesFrame {
	if messages == nil {
		messages = []*models.Message{}
	}
	return MessagesFrame{Type: FrameMessages, Messages: messages}
}

func newChatMessageFrame(text string) ChatMessageFrame {
	return ChatMessageFrame{Type: FrameChatMessage, Text: text}
}

func newErrorFrame(message string) ErrorFrame {
	return ErrorFrame{Type: FrameError, Message: message}
}
