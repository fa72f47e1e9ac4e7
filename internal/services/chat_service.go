package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/booali/atc-api/internal/models"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
)

// Chat event types published on a chat channel
const (
	EventNewMessage   = "newMessage"
	EventMessagesSeen = "messagesSeen"
)

const messageColumns = `m.id, m.chat_id, m.sender_id, m.type, m.content, m.created_at,
	COALESCE(ARRAY(SELECT s.user_id::text FROM message_seen s WHERE s.message_id = m.id), '{}') AS seen_by`

// ChatChannel is the pub/sub channel carrying a chat's events
func ChatChannel(chatID string) string {
	return "chat:" + chatID
}

// ChatService handles chats between users with an active barter
type ChatService struct {
	db        *sqlx.DB
	media     MediaStore
	publisher Publisher
	notifier  Notifier
	logger    zerolog.Logger
}

// NewChatService creates a new chat service
func NewChatService(db *sqlx.DB, media MediaStore, publisher Publisher, notifier Notifier, logger zerolog.Logger) *ChatService {
	return &ChatService{
		db:        db,
		media:     media,
		publisher: publisher,
		notifier:  notifier,
		logger:    logger.With().Str("service", "chat").Logger(),
	}
}

// GetOrCreate returns the chat between the caller and another user
func (s *ChatService) GetOrCreate(ctx context.Context, userID, otherUserID string) (*models.Chat, error) {
	if _, err := uuid.Parse(otherUserID); err != nil || otherUserID == userID {
		return nil, newError(ErrInvalidInput, "Invalid user ID")
	}
	if _, err := getUser(ctx, s.db, "id", otherUserID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, newError(ErrNotFound, "User not found")
		}
		return nil, err
	}
	active, err := hasActiveBarter(ctx, s.db, userID, otherUserID)
	if err != nil {
		return nil, err
	}
	if !active {
		return nil, newError(ErrForbidden, "Messaging only allowed between users with active barters")
	}

	a, b := userID, otherUserID
	if b < a {
		a, b = b, a
	}

	var chat models.Chat
	err = s.db.GetContext(ctx, &chat, `
		INSERT INTO chats (id, user_a, user_b) VALUES ($1, $2, $3)
		ON CONFLICT (user_a, user_b) DO UPDATE SET user_a = EXCLUDED.user_a
		RETURNING *
	`, uuid.New().String(), a, b)
	if err != nil {
		return nil, fmt.Errorf("failed to get or create chat: %w", err)
	}
	return &chat, nil
}

// SendText appends a text message to a chat
func (s *ChatService) SendText(ctx context.Context, sender *models.User, chatID, content string) (*models.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, newError(ErrInvalidInput, "Message content is required")
	}
	chat, err := s.activeChat(ctx, sender.ID, chatID)
	if err != nil {
		return nil, err
	}
	return s.post(ctx, chat, sender, models.MessageText, content, content)
}

// SendMedia uploads a file and appends it as an image or voice message
func (s *ChatService) SendMedia(ctx context.Context, sender *models.User, chatID string, file io.Reader, contentType string) (*models.Message, error) {
	if file == nil {
		return nil, newError(ErrInvalidInput, "File is required")
	}
	if s.media == nil {
		return nil, newError(ErrNotConfigured, "Media uploads are not configured")
	}
	chat, err := s.activeChat(ctx, sender.ID, chatID)
	if err != nil {
		return nil, err
	}

	uploaded, err := s.media.Upload(ctx, file, FolderChat)
	if err != nil {
		return nil, fmt.Errorf("failed to upload chat media: %w", err)
	}

	kind, preview := models.MessageVoice, "🎤 Voice message"
	if strings.HasPrefix(contentType, "image") {
		kind, preview = models.MessageImage, "📷 Photo"
	}
	return s.post(ctx, chat, sender, kind, uploaded.URL, preview)
}

// MarkSeen marks every message of a chat as seen by the caller
func (s *ChatService) MarkSeen(ctx context.Context, userID, chatID string) error {
	chat, err := s.getChat(ctx, chatID)
	if err != nil {
		return err
	}
	if !chat.Involves(userID) {
		return newError(ErrForbidden, "Not a participant of this chat")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO message_seen (message_id, user_id)
		SELECT id, $2 FROM messages WHERE chat_id = $1
		ON CONFLICT DO NOTHING
	`, chat.ID, userID)
	if err != nil {
		return fmt.Errorf("failed to mark messages seen: %w", err)
	}

	s.publish(ctx, models.ChatEvent{Type: EventMessagesSeen, ChatID: chat.ID, UserID: userID})
	return nil
}

// Messages returns a chat's messages oldest first
func (s *ChatService) Messages(ctx context.Context, userID, chatID string) ([]models.Message, error) {
	chat, err := s.getChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if !chat.Involves(userID) {
		return nil, newError(ErrForbidden, "Not a participant of this chat")
	}

	messages := []models.Message{}
	err = s.db.SelectContext(ctx, &messages,
		"SELECT "+messageColumns+" FROM messages m WHERE m.chat_id = $1 ORDER BY m.created_at", chat.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	return messages, nil
}

// ListChats lists the caller's chats with users they share an active barter with
func (s *ChatService) ListChats(ctx context.Context, userID string) ([]models.ChatSummary, error) {
	chats := []models.Chat{}
	err := s.db.SelectContext(ctx, &chats, `
		SELECT c.* FROM chats c
		WHERE (c.user_a = $1 OR c.user_b = $1)
		  AND EXISTS (SELECT 1 FROM barters b WHERE b.status = $2
		      AND ((b.requester_id = c.user_a AND b.accepter_id = c.user_b)
		        OR (b.requester_id = c.user_b AND b.accepter_id = c.user_a)))
		ORDER BY c.updated_at DESC
	`, userID, models.BarterAccepted)
	if err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}

	out := make([]models.ChatSummary, 0, len(chats))
	for i := range chats {
		chat := &chats[i]
		summary := models.ChatSummary{ChatID: chat.ID, UpdatedAt: chat.UpdatedAt}

		if other, err := getUser(ctx, s.db, "id", chat.Counterpart(userID)); err == nil {
			view := other.Summary()
			summary.OtherUser = &view
		} else if !errors.Is(err, ErrNotFound) {
			return nil, err
		}

		var last models.Message
		err := s.db.GetContext(ctx, &last,
			"SELECT "+messageColumns+" FROM messages m WHERE m.chat_id = $1 ORDER BY m.created_at DESC LIMIT 1", chat.ID)
		switch {
		case err == nil:
			summary.LastMessage = &last
		case !errors.Is(err, sql.ErrNoRows):
			return nil, fmt.Errorf("failed to get last message: %w", err)
		}

		err = s.db.GetContext(ctx, &summary.UnreadCount, `
			SELECT COUNT(*) FROM messages m
			WHERE m.chat_id = $1 AND m.sender_id <> $2
			  AND NOT EXISTS (SELECT 1 FROM message_seen s WHERE s.message_id = m.id AND s.user_id = $2)
		`, chat.ID, userID)
		if err != nil {
			return nil, fmt.Errorf("failed to count unread messages: %w", err)
		}
		out = append(out, summary)
	}
	return out, nil
}

// CanJoin reports whether a user may subscribe to a chat's live events
func (s *ChatService) CanJoin(ctx context.Context, userID, chatID string) error {
	chat, err := s.getChat(ctx, chatID)
	if err != nil {
		return err
	}
	if !chat.Involves(userID) {
		return newError(ErrForbidden, "Not a participant of this chat")
	}
	return nil
}

func (s *ChatService) activeChat(ctx context.Context, userID, chatID string) (*models.Chat, error) {
	chat, err := s.getChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if !chat.Involves(userID) {
		return nil, newError(ErrForbidden, "Not a participant of this chat")
	}
	active, err := hasActiveBarter(ctx, s.db, chat.UserA, chat.UserB)
	if err != nil {
		return nil, err
	}
	if !active {
		return nil, newError(ErrForbidden, "Messaging only allowed during active barters")
	}
	return chat, nil
}

func (s *ChatService) post(ctx context.Context, chat *models.Chat, sender *models.User, kind, content, preview string) (*models.Message, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var msg models.Message
	err = tx.GetContext(ctx, &msg, `
		INSERT INTO messages (id, chat_id, sender_id, type, content) VALUES ($1, $2, $3, $4, $5)
		RETURNING id, chat_id, sender_id, type, content, created_at
	`, uuid.New().String(), chat.ID, sender.ID, kind, content)
	if err != nil {
		return nil, fmt.Errorf("failed to save message: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO message_seen (message_id, user_id) VALUES ($1, $2)", msg.ID, sender.ID); err != nil {
		return nil, fmt.Errorf("failed to mark message seen: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "UPDATE chats SET updated_at = NOW() WHERE id = $1", chat.ID); err != nil {
		return nil, fmt.Errorf("failed to touch chat: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit message: %w", err)
	}
	msg.SeenBy = []string{sender.ID}

	s.publish(ctx, models.ChatEvent{Type: EventNewMessage, ChatID: chat.ID, Message: &msg})
	if s.notifier != nil {
		s.notifier.NotifyNewMessage(ctx, chat.Counterpart(sender.ID), sender.ID, sender.Name, chat.ID, preview)
	}
	return &msg, nil
}

func (s *ChatService) publish(ctx context.Context, event models.ChatEvent) {
	if s.publisher == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode chat event")
		return
	}
	if err := s.publisher.Publish(ctx, ChatChannel(event.ChatID), string(payload)); err != nil {
		s.logger.Error().Err(err).Str("chat_id", event.ChatID).Msg("Failed to publish chat event")
	}
}

func (s *ChatService) getChat(ctx context.Context, id string) (*models.Chat, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, newError(ErrNotFound, "Chat not found")
	}
	var chat models.Chat
	err := s.db.GetContext(ctx, &chat, "SELECT * FROM chats WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, newError(ErrNotFound, "Chat not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chat: %w", err)
	}
	return &chat, nil
}

// Call signaling events relayed between chat participants
var signalEvents = map[string]bool{
	"initiateCall": true,
	"acceptCall":   true,
	"rejectCall":   true,
	"endCall":      true,
	"typing":       true,
}

// Signal relays a client event such as call signaling to the chat channel
func (s *ChatService) Signal(ctx context.Context, userID, chatID, eventType string, data json.RawMessage) error {
	if !signalEvents[eventType] {
		return newError(ErrInvalidInput, "Unsupported event type")
	}
	if err := s.CanJoin(ctx, userID, chatID); err != nil {
		return err
	}
	s.publish(ctx, models.ChatEvent{Type: eventType, ChatID: chatID, UserID: userID, Data: data})
	return nil
}
