package services

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/booali/atc-api/internal/metrics"
	"github.com/booali/atc-api/internal/models"
	"github.com/booali/atc-api/pkg/expo"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
)

// Pusher delivers push notifications
type Pusher interface {
	Send(ctx context.Context, messages []expo.Message) ([]expo.Ticket, error)
}

// Notifier is the set of user-facing notifications raised by the domain services
type Notifier interface {
	NotifyBarterProposal(ctx context.Context, userID, proposerName, offeredSkill string)
	NotifyBarterAccepted(ctx context.Context, userID, accepterName, barterID string)
	NotifyFriendRequestAccepted(ctx context.Context, userID, accepterName string)
	NotifyNewMessage(ctx context.Context, userID, senderID, senderName, chatID, preview string)
}

// Notification channels
const (
	ChannelDefault      = "default"
	ChannelSubscription = "subscription"
)

// ReminderDays are the days before period end on which expiry reminders go out
var ReminderDays = []int{3, 1, 0}

// NotificationService sends Expo push notifications honouring user preferences
type NotificationService struct {
	db     *sqlx.DB
	pusher Pusher
	now    func() time.Time
	logger zerolog.Logger
}

// NewNotificationService creates a new notification service
func NewNotificationService(db *sqlx.DB, pusher Pusher, logger zerolog.Logger) *NotificationService {
	return &NotificationService{
		db:     db,
		pusher: pusher,
		now:    time.Now,
		logger: logger.With().Str("service", "notification").Logger(),
	}
}

type pushTarget struct {
	ID        string  `db:"id"`
	Name      string  `db:"name"`
	PushToken *string `db:"expo_push_token"`
	Push      bool    `db:"notify_push"`
}

// NotifyUser pushes a notification when the user has a token and push enabled.
// It reports whether a message was handed to Expo.
func (s *NotificationService) NotifyUser(ctx context.Context, userID, title, body string, data map[string]interface{}) (bool, error) {
	var target pushTarget
	err := s.db.GetContext(ctx, &target,
		"SELECT id, name, expo_push_token, notify_push FROM users WHERE id = $1", userID)
	if err != nil {
		return false, fmt.Errorf("failed to load push target: %w", err)
	}
	if target.PushToken == nil || *target.PushToken == "" || !target.Push {
		return false, nil
	}

	channel := ChannelDefault
	if c, ok := data["channelId"].(string); ok && c != "" {
		channel = c
	}

	err = s.deliver(ctx, channel, []expo.Message{{
		To:        *target.PushToken,
		Title:     title,
		Body:      body,
		Data:      data,
		ChannelID: channel,
	}}, []string{target.ID})
	return err == nil, err
}

// NotifyBarterProposal tells a user someone proposed a barter
func (s *NotificationService) NotifyBarterProposal(ctx context.Context, userID, proposerName, offeredSkill string) {
	s.fire(ctx, userID, "New Barter Proposal! 🤝",
		fmt.Sprintf("%s wants to trade \"%s\" with you. Check it out!", proposerName, offeredSkill),
		map[string]interface{}{"type": "barter_proposal", "userId": userID})
}

// NotifyBarterAccepted tells the requester their barter was accepted
func (s *NotificationService) NotifyBarterAccepted(ctx context.Context, userID, accepterName, barterID string) {
	s.fire(ctx, userID, "Barter Accepted! 🎉",
		fmt.Sprintf("%s accepted your barter proposal. Start trading now!", accepterName),
		map[string]interface{}{"type": "barter_accepted", "barterId": barterID})
}

// NotifyFriendRequestAccepted tells the sender their request was accepted
func (s *NotificationService) NotifyFriendRequestAccepted(ctx context.Context, userID, accepterName string) {
	s.fire(ctx, userID, "Friend Request Accepted! 🎉",
		fmt.Sprintf("%s accepted your friend request. You can now propose a barter!", accepterName),
		map[string]interface{}{"type": "friend_request_accepted", "userId": userID})
}

// NotifyNewMessage tells a chat participant about a new message
func (s *NotificationService) NotifyNewMessage(ctx context.Context, userID, senderID, senderName, chatID, preview string) {
	s.fire(ctx, userID, fmt.Sprintf("New message from %s 💬", senderName), truncatePreview(preview, 50),
		map[string]interface{}{"type": "new_message", "chatId": chatID, "senderId": senderID})
}

// SendTest pushes a test notification directly to a token
func (s *NotificationService) SendTest(ctx context.Context, token, title, body string) error {
	if !expo.IsPushToken(token) {
		return newError(ErrInvalidInput, "Invalid Expo push token")
	}
	if title == "" {
		title = "Test Notification 🔔"
	}
	if body == "" {
		body = "This is a test notification from ATC."
	}
	return s.deliver(ctx, ChannelDefault, []expo.Message{{
		To:    token,
		Title: title,
		Body:  body,
		Data:  map[string]interface{}{"type": "test"},
	}}, nil)
}

// SendSubscriptionReminders notifies users whose subscription ends
// daysBefore days from now. It returns the number of users notified.
func (s *NotificationService) SendSubscriptionReminders(ctx context.Context, daysBefore int) (int, error) {
	day := s.now().UTC().AddDate(0, 0, daysBefore)
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	targets := []pushTarget{}
	err := s.db.SelectContext(ctx, &targets, `
		SELECT id, name, expo_push_token, notify_push FROM users
		WHERE subscription_status = 'active'
		  AND current_period_end >= $1 AND current_period_end < $2
		  AND expo_push_token IS NOT NULL
		  AND notify_push AND notify_subscription_reminders
	`, start, end)
	if err != nil {
		return 0, fmt.Errorf("failed to find reminder targets: %w", err)
	}
	if len(targets) == 0 {
		return 0, nil
	}

	messages := make([]expo.Message, 0, len(targets))
	ids := make([]string, 0, len(targets))
	for _, t := range targets {
		messages = append(messages, expo.Message{
			To:    *t.PushToken,
			Title: "Subscription Expiring Soon! ⏰",
			Body:  reminderBody(t.Name, daysBefore),
			Data: map[string]interface{}{
				"type":          "subscription_expiry",
				"userId":        t.ID,
				"daysRemaining": daysBefore,
				"channelId":     ChannelSubscription,
			},
			ChannelID: ChannelSubscription,
		})
		ids = append(ids, t.ID)
	}

	if err := s.deliver(ctx, ChannelSubscription, messages, ids); err != nil {
		return 0, err
	}
	s.logger.Info().Int("days_before", daysBefore).Int("users", len(targets)).Msg("Subscription reminders sent")
	return len(targets), nil
}

// RunSubscriptionReminders sends reminders for every reminder day
func (s *NotificationService) RunSubscriptionReminders(ctx context.Context) (map[int]int, error) {
	sent := make(map[int]int, len(ReminderDays))
	for _, days := range ReminderDays {
		n, err := s.SendSubscriptionReminders(ctx, days)
		if err != nil {
			return sent, err
		}
		sent[days] = n
	}
	return sent, nil
}

func reminderBody(name string, days int) string {
	switch days {
	case 0:
		return fmt.Sprintf("Hi %s! Your subscription expires today. Renew now to continue enjoying all premium features without interruption.", name)
	case 1:
		return fmt.Sprintf("Hi %s! Your subscription will expire in 1 day. Renew now to continue enjoying all premium features without interruption.", name)
	default:
		return fmt.Sprintf("Hi %s! Your subscription will expire in %d days. Renew now to continue enjoying all premium features without interruption.", name, days)
	}
}

// fire sends a notification and only logs failures. Notifications never
// fail the operation that raised them.
func (s *NotificationService) fire(ctx context.Context, userID, title, body string, data map[string]interface{}) {
	if _, err := s.NotifyUser(ctx, userID, title, body, data); err != nil {
		s.logger.Warn().Err(err).Str("user_id", userID).Str("title", title).Msg("Push notification failed")
	}
}

// deliver sends messages and drops tokens Expo reports as unregistered.
// userIDs, when given, is parallel to messages.
func (s *NotificationService) deliver(ctx context.Context, channel string, messages []expo.Message, userIDs []string) error {
	if s.pusher == nil {
		return fmt.Errorf("push: %w", ErrNotConfigured)
	}
	tickets, err := s.pusher.Send(ctx, messages)
	if err != nil {
		metrics.RecordPush(channel, false)
		return fmt.Errorf("failed to send push notification: %w", err)
	}
	for i, t := range tickets {
		metrics.RecordPush(channel, t.OK())
		if t.DeviceNotRegistered() && i < len(userIDs) {
			if _, err := s.db.ExecContext(ctx,
				"UPDATE users SET expo_push_token = NULL WHERE id = $1", userIDs[i]); err != nil {
				s.logger.Warn().Err(err).Str("user_id", userIDs[i]).Msg("Failed to clear stale push token")
			}
		}
	}
	return nil
}

func truncatePreview(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}

// SendTestReminder pushes a subscription expiry reminder to one user
func (s *NotificationService) SendTestReminder(ctx context.Context, user *models.User, days int) error {
	if user.ExpoPushToken == nil || *user.ExpoPushToken == "" {
		return newError(ErrNotFound, "User not found or no push token")
	}
	return s.SendTest(ctx, *user.ExpoPushToken, "Subscription Expiring Soon! ⏰", reminderBody(user.Name, days))
}
