package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/booali/atc-api/internal/models"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
)

// ActionCost is the number of credits charged for sending or accepting a
// friend request and for proposing or accepting a barter
const ActionCost = 10

// FriendService handles friend requests and friendships
type FriendService struct {
	db       *sqlx.DB
	ledger   *LedgerService
	notifier Notifier
	logger   zerolog.Logger
}

// NewFriendService creates a new friend service
func NewFriendService(db *sqlx.DB, ledger *LedgerService, notifier Notifier, logger zerolog.Logger) *FriendService {
	return &FriendService{
		db:       db,
		ledger:   ledger,
		notifier: notifier,
		logger:   logger.With().Str("service", "friend").Logger(),
	}
}

// SendRequest creates a friend request and charges the sender
func (s *FriendService) SendRequest(ctx context.Context, fromUserID, toUserID string) (*models.FriendRequest, error) {
	if _, err := uuid.Parse(toUserID); err != nil {
		return nil, newError(ErrInvalidInput, "Invalid user ID")
	}
	if fromUserID == toUserID {
		return nil, newError(ErrInvalidInput, "You cannot send a friend request to yourself")
	}

	sender, err := getUser(ctx, s.db, "id", fromUserID)
	if err != nil {
		return nil, err
	}
	if !sender.Subscription.HasPlan() {
		return nil, newError(ErrSubscriptionNeeded, "Free trial users cannot send friend requests. Please upgrade your subscription.")
	}
	if sender.Credits < ActionCost {
		return nil, newError(ErrInsufficientCredits, "Insufficient credits. Need 10 credits to send friend request")
	}

	if _, err := getUser(ctx, s.db, "id", toUserID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, newError(ErrNotFound, "User not found")
		}
		return nil, err
	}
	blocked, err := isBlocked(ctx, s.db, fromUserID, toUserID)
	if err != nil {
		return nil, err
	}
	if blocked {
		return nil, newError(ErrForbidden, "You cannot send a friend request to this user")
	}

	var exists bool
	err = s.db.GetContext(ctx, &exists, `
		SELECT EXISTS(SELECT 1 FROM friend_requests
		WHERE (from_user_id = $1 AND to_user_id = $2) OR (from_user_id = $2 AND to_user_id = $1))
	`, fromUserID, toUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to check existing request: %w", err)
	}
	if exists {
		return nil, newError(ErrInvalidInput, "Friend request already exists")
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var fr models.FriendRequest
	err = tx.GetContext(ctx, &fr, `
		INSERT INTO friend_requests (id, from_user_id, to_user_id, status)
		VALUES ($1, $2, $3, $4)
		RETURNING *
	`, uuid.New().String(), fromUserID, toUserID, models.FriendRequestPending)
	if isUniqueViolation(err) {
		return nil, newError(ErrInvalidInput, "Friend request already exists")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create friend request: %w", err)
	}

	if err := s.ledger.SpendTx(ctx, tx, fromUserID, ActionCost, ReasonFriendRequest, "friend_request:"+fr.ID+":send"); err != nil {
		if errors.Is(err, ErrInsufficientCredits) {
			return nil, newError(ErrInsufficientCredits, "Insufficient credits. Need 10 credits to send friend request")
		}
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit friend request: %w", err)
	}

	s.logger.Info().Str("from", fromUserID).Str("to", toUserID).Msg("Friend request sent")
	return &fr, nil
}

// AcceptRequest accepts a pending request addressed to the caller and
// charges the original sender
func (s *FriendService) AcceptRequest(ctx context.Context, userID, requestID string) error {
	fr, err := s.getRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if fr.ToUserID != userID {
		return newError(ErrForbidden, "You are not authorized to accept this request")
	}
	if fr.Status != models.FriendRequestPending {
		return newError(ErrInvalidInput, "Request already processed")
	}

	sender, err := getUser(ctx, s.db, "id", fr.FromUserID)
	if errors.Is(err, ErrNotFound) {
		return newError(ErrNotFound, "Sender not found")
	}
	if err != nil {
		return err
	}
	insufficient := newError(ErrInsufficientCredits, fmt.Sprintf(
		"Cannot accept: The person who sent this request (%s) has insufficient credits. They need at least %d credits.",
		sender.Name, ActionCost))
	if sender.Credits < ActionCost {
		return insufficient
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE friend_requests SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`, models.FriendRequestAccepted, fr.ID, models.FriendRequestPending)
	if err != nil {
		return fmt.Errorf("failed to accept friend request: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return newError(ErrInvalidInput, "Request already processed")
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO friendships (user_id, friend_id) VALUES ($1, $2), ($2, $1)
		ON CONFLICT DO NOTHING
	`, fr.FromUserID, fr.ToUserID); err != nil {
		return fmt.Errorf("failed to add friendship: %w", err)
	}

	if err := s.ledger.SpendTx(ctx, tx, fr.FromUserID, ActionCost, ReasonFriendAccept, "friend_request:"+fr.ID+":accept"); err != nil {
		if errors.Is(err, ErrInsufficientCredits) {
			return insufficient
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit acceptance: %w", err)
	}

	if accepter, err := getUser(ctx, s.db, "id", userID); err == nil && s.notifier != nil {
		s.notifier.NotifyFriendRequestAccepted(ctx, fr.FromUserID, accepter.Name)
	}
	return nil
}

// PendingReceived lists pending requests addressed to the caller
func (s *FriendService) PendingReceived(ctx context.Context, userID string) ([]models.FriendRequestView, error) {
	requests := []models.FriendRequest{}
	err := s.db.SelectContext(ctx, &requests, `
		SELECT * FROM friend_requests WHERE to_user_id = $1 AND status = $2 ORDER BY created_at DESC
	`, userID, models.FriendRequestPending)
	if err != nil {
		return nil, fmt.Errorf("failed to list friend requests: %w", err)
	}
	return s.views(ctx, userID, requests)
}

// PendingAll lists pending requests the caller received and sent
func (s *FriendService) PendingAll(ctx context.Context, userID string) (received, sent []models.FriendRequestView, err error) {
	received, err = s.PendingReceived(ctx, userID)
	if err != nil {
		return nil, nil, err
	}

	requests := []models.FriendRequest{}
	err = s.db.SelectContext(ctx, &requests, `
		SELECT * FROM friend_requests WHERE from_user_id = $1 AND status = $2 ORDER BY created_at DESC
	`, userID, models.FriendRequestPending)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list sent requests: %w", err)
	}
	sent, err = s.views(ctx, userID, requests)
	return received, sent, err
}

// Friends lists the caller's friends
func (s *FriendService) Friends(ctx context.Context, userID string) ([]models.UserSummary, error) {
	users := []models.User{}
	err := s.db.SelectContext(ctx, &users, `
		SELECT u.* FROM users u JOIN friendships f ON f.friend_id = u.id
		WHERE f.user_id = $1 ORDER BY u.name
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list friends: %w", err)
	}
	out := make([]models.UserSummary, 0, len(users))
	for i := range users {
		summary := users[i].Summary()
		if err := fillRating(ctx, s.db, &summary); err != nil {
			return nil, err
		}
		out = append(out, summary)
	}
	return out, nil
}

func (s *FriendService) getRequest(ctx context.Context, id string) (*models.FriendRequest, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, newError(ErrNotFound, "Friend request not found")
	}
	var fr models.FriendRequest
	err := s.db.GetContext(ctx, &fr, "SELECT * FROM friend_requests WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, newError(ErrNotFound, "Friend request not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get friend request: %w", err)
	}
	return &fr, nil
}

func (s *FriendService) views(ctx context.Context, userID string, requests []models.FriendRequest) ([]models.FriendRequestView, error) {
	out := make([]models.FriendRequestView, 0, len(requests))
	for _, fr := range requests {
		other, err := summaryWithRating(ctx, s.db, fr.Counterpart(userID))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		view := models.FriendRequestView{FriendRequest: fr}
		if fr.FromUserID == userID {
			view.To = other
		} else {
			view.From = other
		}
		out = append(out, view)
	}
	return out, nil
}

func summaryWithRating(ctx context.Context, db sqlx.QueryerContext, userID string) (*models.UserSummary, error) {
	user, err := getUser(ctx, db, "id", userID)
	if err != nil {
		return nil, err
	}
	summary := user.Summary()
	if err := fillRating(ctx, db, &summary); err != nil {
		return nil, err
	}
	return &summary, nil
}
