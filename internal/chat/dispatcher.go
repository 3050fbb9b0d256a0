package chat

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"debatechat/internal/models"
)

// dispatch routes one decoded command. Every failure inside a handler is
// converted to an error frame; nothing here terminates the connection.
func (s *Session) dispatch(cmd Command) {
	switch cmd.Kind {
	case KindPing:
		s.handlePing()
	case KindPrompt:
		s.handlePrompt(cmd.History)
	case KindRegenerateMessage:
		s.handleRegenerate(cmd.MessageID)
	case KindChangeTopic:
		s.handleChangeTopic(cmd.TopicID)
	case KindStop:
		s.handleStop()
	case KindInvalid:
		s.sendError(cmd.Reason)
	}
}

func (s *Session) handlePing() {
	s.lastPong = time.Now()
	if err := s.conn.WriteControl(websocket.PongMessage, []byte("pong"), time.Now().Add(writeWait)); err != nil {
		log.Printf("chat session write pong: %v", err)
	}
}

func (s *Session) handlePrompt(history []*models.Message) {
	if s.state == StateGenerating {
		s.sendError(ErrGenerationActive.Error())
		return
	}
	if len(history) == 0 {
		s.sendError(ErrEmptyHistory.Error())
		return
	}
	// The topic is implied by the history; verify the session user owns it
	// before any tokens flow.
	if !s.authorizeTopic(history[0].TopicID) {
		return
	}
	s.startGeneration(history)
}

func (s *Session) handleRegenerate(messageID uuid.UUID) {
	if s.state == StateGenerating {
		s.sendError(ErrGenerationActive.Error())
		return
	}
	if s.topicID == uuid.Nil {
		s.sendError("no topic selected")
		return
	}
	if err := s.store.DeleteMessageAndDescendants(s.baseCtx, s.userID, messageID, s.topicID); err != nil {
		s.sendError("delete message failed")
		return
	}
	history, err := s.store.GetMessages(s.baseCtx, s.topicID)
	if err != nil {
		s.sendError("fetch messages failed")
		return
	}
	if len(history) == 0 {
		s.sendError(ErrEmptyHistory.Error())
		return
	}
	s.startGeneration(history)
}

// handleChangeTopic switches the session's current topic after an ownership
// check. It never cancels an in-flight generation; the stream keeps going
// for the topic it was started on.
func (s *Session) handleChangeTopic(topicID uuid.UUID) {
	if !s.authorizeTopic(topicID) {
		return
	}
	messages, err := s.store.GetMessages(s.baseCtx, topicID)
	if err != nil {
		s.sendError("fetch messages failed")
		return
	}
	s.topicID = topicID
	if err := s.sendFrame(newMessagesFrame(messages)); err != nil {
		log.Printf("chat session write messages frame: %v", err)
	}
}

// handleStop requests cancellation of the active generation; a no-op when
// none is running. The state transition back to Connected happens when the
// generation goroutine reports in.
func (s *Session) handleStop() {
	if s.cancelGen != nil {
		s.cancelGen()
	}
}

func (s *Session) authorizeTopic(topicID uuid.UUID) bool {
	if topicID == uuid.Nil {
		s.sendError("missing properties")
		return false
	}
	owns, err := s.store.UserOwnsTopic(s.baseCtx, s.userID, topicID)
	if err != nil {
		s.sendError("verify topic ownership failed")
		return false
	}
	if !owns {
		s.sendError("user does not own topic")
		return false
	}
	return true
}

func errorIsCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}

func errorIsDeadline(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
