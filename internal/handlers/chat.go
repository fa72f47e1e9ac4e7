package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/booali/atc-api/internal/database"
	"github.com/booali/atc-api/internal/services"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ChatFeed delivers the raw events published on a chat channel
type ChatFeed interface {
	Subscribe(ctx context.Context, channel string) (<-chan string, func(), error)
}

type redisFeed struct {
	redis *database.RedisClient
}

// NewRedisFeed adapts Redis pub/sub to a ChatFeed
func NewRedisFeed(redis *database.RedisClient) ChatFeed {
	return &redisFeed{redis: redis}
}

func (f *redisFeed) Subscribe(ctx context.Context, channel string) (<-chan string, func(), error) {
	pubsub := f.redis.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, nil, err
	}

	out := make(chan string)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			select {
			case out <- msg.Payload:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, func() { pubsub.Close() }, nil
}

// RegisterChatHandlers registers the chat REST routes and the realtime socket
func RegisterChatHandlers(r *gin.Engine, chats *services.ChatService, feed ChatFeed, authn *Authenticator, allowedOrigins []string, logger zerolog.Logger) {
	handler := &chatHandler{
		chats:  chats,
		feed:   feed,
		authn:  authn,
		logger: logger.With().Str("handler", "chat").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}

	r.GET("/ws/chat/:chatId", handler.chatSocket)

	chat := r.Group("/api/chat")
	chat.Use(authn.Required())
	{
		chat.POST("/send", handler.sendText)
		chat.POST("/send-media", handler.sendMedia)
		chat.GET("/list", handler.list)
		chat.POST("/get-or-create", handler.getOrCreate)
		chat.PUT("/seen/:chatId", handler.markSeen)
		chat.GET("/:chatId", handler.messages)
	}
}

type chatHandler struct {
	chats    *services.ChatService
	feed     ChatFeed
	authn    *Authenticator
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// originChecker allows native clients, which send no Origin, and the configured web origins
func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set["*"] || set[origin]
	}
}

func (h *chatHandler) sendText(c *gin.Context) {
	var req struct {
		ChatID  string `json:"chatId" binding:"required"`
		Content string `json:"content" binding:"required"`
	}
	if !bind(c, &req) {
		return
	}

	msg, err := h.chats.SendText(c.Request.Context(), currentUser(c), req.ChatID, req.Content)
	if err != nil {
		respondError(c, h.logger, err, "Failed to send message")
		return
	}
	ok(c, gin.H{"message": msg})
}

func (h *chatHandler) sendMedia(c *gin.Context) {
	chatID := c.PostForm("chatId")
	header, err := c.FormFile("file")
	if err != nil || chatID == "" {
		fail(c, http.StatusBadRequest, "Chat ID and file are required")
		return
	}
	file, err := header.Open()
	if err != nil {
		fail(c, http.StatusBadRequest, "Invalid file")
		return
	}
	defer file.Close()

	msg, err := h.chats.SendMedia(c.Request.Context(), currentUser(c), chatID, file, header.Header.Get("Content-Type"))
	if err != nil {
		respondError(c, h.logger, err, "Failed to send media")
		return
	}
	ok(c, gin.H{"message": msg})
}

func (h *chatHandler) list(c *gin.Context) {
	chats, err := h.chats.ListChats(c.Request.Context(), currentUser(c).ID)
	if err != nil {
		respondError(c, h.logger, err, "Failed to get chats")
		return
	}
	ok(c, gin.H{"chats": chats})
}

func (h *chatHandler) getOrCreate(c *gin.Context) {
	var req struct {
		OtherUserID string `json:"otherUserId" binding:"required"`
	}
	if !bind(c, &req) {
		return
	}

	chat, err := h.chats.GetOrCreate(c.Request.Context(), currentUser(c).ID, req.OtherUserID)
	if err != nil {
		respondError(c, h.logger, err, "Failed to open chat")
		return
	}
	ok(c, gin.H{"chat": chat})
}

func (h *chatHandler) markSeen(c *gin.Context) {
	if err := h.chats.MarkSeen(c.Request.Context(), currentUser(c).ID, c.Param("chatId")); err != nil {
		respondError(c, h.logger, err, "Failed to mark messages as seen")
		return
	}
	ok(c, gin.H{"message": "Messages marked as seen"})
}

func (h *chatHandler) messages(c *gin.Context) {
	messages, err := h.chats.Messages(c.Request.Context(), currentUser(c).ID, c.Param("chatId"))
	if err != nil {
		respondError(c, h.logger, err, "Failed to get messages")
		return
	}
	ok(c, gin.H{"messages": messages})
}

type clientEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// chatSocket relays a chat channel to a participant and forwards the
// participant's signaling events back to it
func (h *chatHandler) chatSocket(c *gin.Context) {
	chatID := c.Param("chatId")
	token := c.Query("token")
	if token == "" {
		token = bearerToken(c.GetHeader("Authorization"))
	}

	user, _, err := h.authn.Resolve(c.Request.Context(), token)
	if err != nil {
		fail(c, http.StatusUnauthorized, "Token is not valid")
		return
	}
	if err := h.chats.CanJoin(c.Request.Context(), user.ID, chatID); err != nil {
		respondError(c, h.logger, err, "Failed to join chat")
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade to WebSocket connection")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	events, unsubscribe, err := h.feed.Subscribe(ctx, services.ChatChannel(chatID))
	if err != nil {
		h.logger.Error().Err(err).Str("chat_id", chatID).Msg("Failed to subscribe to chat")
		return
	}
	defer unsubscribe()

	go func() {
		defer cancel()
		for {
			var ev clientEvent
			if err := conn.ReadJSON(&ev); err != nil {
				return
			}
			if err := h.chats.Signal(ctx, user.ID, chatID, ev.Type, ev.Data); err != nil {
				h.logger.Debug().Err(err).Str("chat_id", chatID).Str("type", ev.Type).Msg("Dropped client event")
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case payload, open := <-events:
			if !open {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
				h.logger.Debug().Err(err).Msg("Failed to write to WebSocket")
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
