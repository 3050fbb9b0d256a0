package chat

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"debatechat/internal/models"
)

// State is the session protocol state.
type State int

const (
	StateConnected State = iota
	StateGenerating
	StateClosing
	StateClosed
)

const writeWait = 10 * time.Second

// Conn is the subset of *websocket.Conn the session drives. Tests substitute
// an in-memory implementation.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteJSON(v any) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetPongHandler(h func(string) error)
	SetPingHandler(h func(string) error)
	Close() error
}

// Config tunes the session protocol.
type Config struct {
	LivenessTimeout time.Duration
	LivenessTick    time.Duration
	StreamTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.LivenessTimeout <= 0 {
		c.LivenessTimeout = 10 * time.Second
	}
	if c.LivenessTick <= 0 {
		c.LivenessTick = time.Second
	}
	if c.StreamTimeout <= 0 {
		c.StreamTimeout = 2 * time.Minute
	}
	return c
}

// StreamContext bounds one completion stream by the configured timeout.
func StreamContext(parent context.Context, cfg Config) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, cfg.withDefaults().StreamTimeout)
}

type genResult struct {
	msg *models.Message
	err error
}

// Session owns one client connection's lifecycle: it decodes inbound frames
// into commands, drives the liveness watchdog, and dispatches commands to
// the orchestrator. All session state is owned by the Run goroutine; the
// read pump and the generation goroutine communicate with it over channels.
type Session struct {
	userID  uuid.UUID
	topicID uuid.UUID

	conn  Conn
	store ConversationStore
	orch  *Orchestrator
	cfg   Config

	state     State
	lastPong  time.Time
	cancelGen context.CancelFunc

	commands chan Command
	pongs    chan struct{}
	genDone  chan genResult
	done     chan struct{}

	baseCtx    context.Context
	baseCancel context.CancelFunc

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// NewSession builds a session for an authenticated user over an upgraded
// connection.
func NewSession(conn Conn, userID uuid.UUID, store ConversationStore, orch *Orchestrator, cfg Config) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		userID:     userID,
		conn:       conn,
		store:      store,
		orch:       orch,
		cfg:        cfg.withDefaults(),
		state:      StateConnected,
		commands:   make(chan Command),
		pongs:      make(chan struct{}, 1),
		genDone:    make(chan genResult, 1),
		done:       make(chan struct{}),
		baseCtx:    ctx,
		baseCancel: cancel,
	}
}

// Run processes the session until the transport closes or the liveness
// window expires. It blocks; the caller owns the connection for its
// duration.
func (s *Session) Run() {
	s.lastPong = time.Now()
	s.conn.SetPongHandler(func(string) error {
		s.notifyPong()
		return nil
	})
	// A transport-level ping is a liveness probe like the JSON ping command.
	s.conn.SetPingHandler(func(string) error {
		s.deliver(Command{Kind: KindPing})
		return nil
	})

	go s.readPump()

	ticker := time.NewTicker(s.cfg.LivenessTick)
	defer ticker.Stop()
	defer s.teardown()

	for {
		select {
		case cmd, ok := <-s.commands:
			if !ok {
				// Transport closed underneath us.
				return
			}
			s.dispatch(cmd)
		case <-s.pongs:
			s.lastPong = time.Now()
		case <-ticker.C:
			if time.Since(s.lastPong) > s.cfg.LivenessTimeout {
				log.Printf("chat session for user %s timed out", s.userID)
				return
			}
		case res := <-s.genDone:
			s.finishGeneration(res)
		}
	}
}

// readPump decodes inbound frames into commands. Invalid frames become
// KindInvalid commands; only a transport error ends the pump.
func (s *Session) readPump() {
	defer close(s.commands)
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd Command
		switch msgType {
		case websocket.TextMessage:
			cmd = DecodeCommand(data)
		case websocket.BinaryMessage:
			cmd = invalidCommand("binary not a valid operation")
		default:
			continue
		}
		if !s.deliver(cmd) {
			return
		}
	}
}

func (s *Session) deliver(cmd Command) bool {
	select {
	case s.commands <- cmd:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) notifyPong() {
	select {
	case s.pongs <- struct{}{}:
	default:
	}
}

func (s *Session) teardown() {
	s.closeOnce.Do(func() {
		s.state = StateClosing
		if s.cancelGen != nil {
			s.cancelGen()
			s.cancelGen = nil
		}
		s.baseCancel()
		close(s.done)
		if err := s.conn.Close(); err != nil {
			log.Printf("chat session close: %v", err)
		}
		s.state = StateClosed
	})
}

func (s *Session) sendFrame(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

func (s *Session) sendError(message string) {
	if err := s.sendFrame(newErrorFrame(message)); err != nil {
		log.Printf("chat session write error frame: %v", err)
	}
}

// startGeneration spawns the orchestrator as a cancellable background task
// owned by the session. New inbound frames keep being processed while it
// streams.
func (s *Session) startGeneration(history []*models.Message) {
	ctx, cancel := context.WithTimeout(s.baseCtx, s.cfg.StreamTimeout)
	s.cancelGen = cancel
	s.state = StateGenerating

	go func() {
		msg, err := s.orch.Generate(ctx, history, func(token string) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return s.sendFrame(newChatMessageFrame(token))
		})
		s.genDone <- genResult{msg: msg, err: err}
	}()
}

func (s *Session) finishGeneration(res genResult) {
	if s.cancelGen != nil {
		s.cancelGen()
		s.cancelGen = nil
	}
	if s.state == StateGenerating {
		s.state = StateConnected
	}
	if res.err == nil {
		return
	}
	switch {
	case errorIsCanceled(res.err):
		// Stopped by the user or by teardown. Partial output already sent
		// stays with the client; nothing was persisted.
	case errorIsDeadline(res.err):
		s.sendError("generation timed out")
	default:
		s.sendError(res.err.Error())
	}
}
