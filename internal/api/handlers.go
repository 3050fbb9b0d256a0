package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"debatechat/internal/auth"
	"debatechat/internal/chat"
	"debatechat/internal/models"
	"debatechat/internal/service/conversation"
	"debatechat/internal/worker"
)

// Handler wires HTTP routes to the conversation store, the completion
// orchestrator, and the websocket chat sessions.
type Handler struct {
	store      *conversation.Store
	auth       *auth.Service
	orch       *chat.Orchestrator
	dispatcher *worker.Dispatcher
	chatCfg    chat.Config
	upgrader   websocket.Upgrader
}

// NewHandler constructs a Handler instance.
func NewHandler(store *conversation.Store, authService *auth.Service, orch *chat.Orchestrator, dispatcher *worker.Dispatcher, chatCfg chat.Config) *Handler {
	return &Handler{
		store:      store,
		auth:       authService,
		orch:       orch,
		dispatcher: dispatcher,
		chatCfg:    chatCfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.POST("/users/register", h.registerUser)
	api.POST("/users/login", h.loginUser)

	authorized := api.Group("")
	authorized.Use(h.auth.Middleware(), h.auth.CSRFMiddleware())
	authorized.POST("/users/logout", h.logoutUser)
	authorized.DELETE("/users", h.deleteUser)
	authorized.POST("/topics", h.createTopic)
	authorized.GET("/topics", h.listTopics)
	authorized.PUT("/topics/:topic_id", h.renameTopic)
	authorized.DELETE("/topics/:topic_id", h.deleteTopic)
	authorized.GET("/topics/:topic_id/messages", h.getTopicMessages)
	authorized.POST("/topics/:topic_id/messages", h.postMessage)
	authorized.POST("/messages/regenerate", h.regenerateMessage)
	authorized.GET("/chat", h.chatWebsocket)
}

func (h *Handler) authorizedUserID(c *gin.Context) (uuid.UUID, bool) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok || userID == uuid.Nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return uuid.Nil, false
	}
	return userID, true
}

func (h *Handler) pathTopicID(c *gin.Context) (uuid.UUID, bool) {
	topicID, err := uuid.Parse(c.Param("topic_id"))
	if err != nil || topicID == uuid.Nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid topic id"})
		return uuid.Nil, false
	}
	return topicID, true
}

// User create&login interface
type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) registerUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.store.RegisterUser(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":         user.ID,
		"email":      user.Email,
		"created_at": user.CreatedAt,
	})
}

func (h *Handler) loginUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.store.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	authToken, err := h.auth.IssueToken(c.Request.Context(), user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	csrfToken, err := h.auth.NewCSRFToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	h.setAuthCookies(c, authToken, csrfToken)
	c.JSON(http.StatusOK, gin.H{
		"id":         user.ID,
		"email":      user.Email,
		"created_at": user.CreatedAt,
		"auth_token": authToken,
	})
}

func (h *Handler) logoutUser(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	h.dispatcher.CancelUser(userID)
	if authToken, ok := auth.AuthTokenFromContext(c); ok {
		_ = h.auth.RevokeToken(c.Request.Context(), authToken)
	}
	h.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

func (h *Handler) deleteUser(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	if err := h.auth.RevokeUserTokens(c.Request.Context(), userID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.dispatcher.CancelUser(userID)
	if err := h.store.DeleteUser(c.Request.Context(), userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

func (h *Handler) createTopic(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	topic, err := h.store.CreateTopic(c.Request.Context(), userID, req.Name)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, topic)
}

func (h *Handler) listTopics(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	topics, err := h.store.ListTopics(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if topics == nil {
		topics = make([]models.Topic, 0)
	}
	c.JSON(http.StatusOK, gin.H{"topics": topics})
}

func (h *Handler) renameTopic(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	topicID, ok := h.pathTopicID(c)
	if !ok {
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := h.store.UpdateTopicName(c.Request.Context(), userID, topicID, req.Name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "topic not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) deleteTopic(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	topicID, ok := h.pathTopicID(c)
	if !ok {
		return
	}
	if err := h.store.DeleteTopic(c.Request.Context(), userID, topicID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "topic not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) getTopicMessages(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	topicID, ok := h.pathTopicID(c)
	if !ok {
		return
	}
	if !h.requireTopicOwner(c, userID, topicID) {
		return
	}
	messages, err := h.store.GetMessages(c.Request.Context(), topicID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if messages == nil {
		messages = make([]*models.Message, 0)
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

// User input interface
type inputRequest struct {
	Content string `json:"content"`
}

// postMessage appends a user message to the topic and streams the assistant
// reply back over SSE. The generation itself runs on the shared worker pool
// so one user cannot monopolize the completion backend.
func (h *Handler) postMessage(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	topicID, ok := h.pathTopicID(c)
	if !ok {
		return
	}
	var req inputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
		return
	}
	if !h.requireTopicOwner(c, userID, topicID) {
		return
	}

	history, err := h.store.GetMessages(c.Request.Context(), topicID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	userMsg := models.NewMessage(topicID, models.RoleUser, req.Content, len(history)+1)
	userMsg, err = h.store.InsertMessage(c.Request.Context(), userMsg)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	history = append(history, userMsg)

	h.streamCompletion(c, userID, userMsg, history)
}

// regenerateRequest names the message to regenerate from.
type regenerateRequest struct {
	TopicID   uuid.UUID `json:"topic_id"`
	MessageID uuid.UUID `json:"message_id"`
}

// regenerateMessage truncates the topic at the given message and streams a
// fresh assistant reply for the remaining history.
func (h *Handler) regenerateMessage(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req regenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.TopicID == uuid.Nil || req.MessageID == uuid.Nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing properties"})
		return
	}
	if err := h.store.DeleteMessageAndDescendants(c.Request.Context(), userID, req.MessageID, req.TopicID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	history, err := h.store.GetMessages(c.Request.Context(), req.TopicID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if len(history) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "history cannot be empty"})
		return
	}

	h.streamCompletion(c, userID, nil, history)
}

// streamCompletion runs one generation on the worker pool and relays its
// tokens to the client as SSE events. The handler goroutine blocks until the
// job reports in, so all response writes stay on this goroutine's terms.
func (h *Handler) streamCompletion(c *gin.Context, userID uuid.UUID, userMsg *models.Message, history []*models.Message) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	sendEvent := newEventWriter(c.Writer, flusher)

	if userMsg != nil {
		if err := sendEvent("ack", gin.H{"message": userMsg}); err != nil {
			return
		}
	}

	streamCtx, cancel := chat.StreamContext(c.Request.Context(), h.chatCfg)
	defer cancel()

	type generated struct {
		msg *models.Message
		err error
	}
	done := make(chan generated, 1)
	job := worker.Job{
		UserID: userID,
		Run: func() {
			msg, err := h.orch.Generate(streamCtx, history, func(token string) error {
				return sendEvent("stream", gin.H{"content": token})
			})
			done <- generated{msg: msg, err: err}
		},
	}
	if err := h.dispatcher.Submit(job); err != nil {
		if errors.Is(err, worker.ErrDispatcherBusy) {
			_ = sendEvent("error", gin.H{"message": "server is busy, please retry"})
		} else {
			_ = sendEvent("error", gin.H{"message": err.Error()})
		}
		return
	}

	res := <-done
	if res.err != nil {
		_ = sendEvent("error", gin.H{"message": res.err.Error()})
		return
	}
	_ = sendEvent("done", gin.H{"message": res.msg})
}

func newEventWriter(w http.ResponseWriter, flusher http.Flusher) func(event string, payload any) error {
	return func(event string, payload any) error {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if event != "" {
			if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
}

// chatWebsocket upgrades the connection and hands it to a chat session. The
// session blocks this handler until the client disconnects or times out.
func (h *Handler) chatWebsocket(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		return
	}
	session := chat.NewSession(conn, userID, h.store, h.orch, h.chatCfg)
	session.Run()
}

func (h *Handler) requireTopicOwner(c *gin.Context, userID, topicID uuid.UUID) bool {
	owns, err := h.store.UserOwnsTopic(c.Request.Context(), userID, topicID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return false
	}
	if !owns {
		c.JSON(http.StatusNotFound, gin.H{"error": "topic not found"})
		return false
	}
	return true
}

func (h *Handler) setAuthCookies(c *gin.Context, authToken, csrfToken string) {
	ttl := int(h.auth.TokenTTL().Seconds())
	if ttl <= 0 {
		ttl = 3600
	}
	secure := gin.Mode() == gin.ReleaseMode
	setCookie(c, &http.Cookie{
		Name:     h.auth.AuthCookieName(),
		Value:    authToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	setCookie(c, &http.Cookie{
		Name:     h.auth.CSRFCookieName(),
		Value:    csrfToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: false,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handler) clearAuthCookies(c *gin.Context) {
	for _, name := range []string{h.auth.AuthCookieName(), h.auth.CSRFCookieName()} {
		setCookie(c, &http.Cookie{
			Name:     name,
			Value:    "",
			MaxAge:   -1,
			Path:     "/",
			Secure:   gin.Mode() == gin.ReleaseMode,
			HttpOnly: name == h.auth.AuthCookieName(),
			SameSite: http.SameSiteStrictMode,
		})
	}
}

func setCookie(c *gin.Context, ck *http.Cookie) {
	if ck == nil {
		return
	}
	http.SetCookie(c.Writer, ck)
}
