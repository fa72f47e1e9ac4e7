package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/booali/atc-api/internal/models"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
)

// Trade list filters
const (
	TradesOngoing   = "ongoing"
	TradesCompleted = "completed"
	TradesPending   = "pending"
)

// BarterService handles barter proposals and their lifecycle
type BarterService struct {
	db       *sqlx.DB
	ledger   *LedgerService
	notifier Notifier
	logger   zerolog.Logger
}

// NewBarterService creates a new barter service
func NewBarterService(db *sqlx.DB, ledger *LedgerService, notifier Notifier, logger zerolog.Logger) *BarterService {
	return &BarterService{
		db:       db,
		ledger:   ledger,
		notifier: notifier,
		logger:   logger.With().Str("service", "barter").Logger(),
	}
}

// ProposeInput identifies the friendship by request ID or by the other user's ID
type ProposeInput struct {
	FriendRequestID string
	UserID          string
	OfferedSkill    string
	WantedSkill     string
}

// Propose creates a barter on an accepted friend request and charges the proposer
func (s *BarterService) Propose(ctx context.Context, userID string, in ProposeInput) (*models.Barter, error) {
	offered := strings.TrimSpace(in.OfferedSkill)
	wanted := strings.TrimSpace(in.WantedSkill)
	if offered == "" || wanted == "" {
		return nil, newError(ErrInvalidInput, "Offered and wanted skills are required")
	}

	fr, err := s.findAcceptedRequest(ctx, userID, in)
	if err != nil {
		return nil, err
	}
	if !fr.Involves(userID) {
		return nil, newError(ErrForbidden, "Not authorized")
	}

	var exists bool
	if err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM barters WHERE friend_request_id = $1)", fr.ID); err != nil {
		return nil, fmt.Errorf("failed to check existing barter: %w", err)
	}
	if exists {
		return nil, newError(ErrInvalidInput, "Barter already proposed for this friend request")
	}

	insufficient := newError(ErrInsufficientCredits, "Insufficient credits. Need 10 credits to propose barter.")
	if balance, err := s.ledger.Balance(ctx, userID); err != nil {
		return nil, err
	} else if balance < ActionCost {
		return nil, insufficient
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var barter models.Barter
	err = tx.GetContext(ctx, &barter, `
		INSERT INTO barters (id, requester_id, accepter_id, friend_request_id, offered_skill, wanted_skill, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING *
	`, uuid.New().String(), userID, fr.Counterpart(userID), fr.ID, offered, wanted, models.BarterProposed)
	if isUniqueViolation(err) {
		return nil, newError(ErrInvalidInput, "Barter already proposed for this friend request")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create barter: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE friend_requests SET barter_proposed = TRUE, updated_at = NOW() WHERE id = $1", fr.ID); err != nil {
		return nil, fmt.Errorf("failed to flag friend request: %w", err)
	}

	if err := s.ledger.SpendTx(ctx, tx, userID, ActionCost, ReasonBarterPropose, "barter:"+barter.ID+":propose"); err != nil {
		if errors.Is(err, ErrInsufficientCredits) {
			return nil, insufficient
		}
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit barter: %w", err)
	}

	if proposer, err := getUser(ctx, s.db, "id", userID); err == nil && s.notifier != nil {
		s.notifier.NotifyBarterProposal(ctx, barter.AccepterID, proposer.Name, offered)
	}
	return &barter, nil
}

// Accept accepts a proposed barter addressed to the caller and charges them.
// Messaging between the parties is enabled from this point.
func (s *BarterService) Accept(ctx context.Context, userID, barterID string) error {
	barter, err := s.getBarter(ctx, barterID)
	if err != nil {
		return err
	}
	if barter.AccepterID != userID {
		return newError(ErrNotFound, "Barter not found")
	}
	if barter.Status != models.BarterProposed {
		return newError(ErrInvalidInput, "Barter already processed")
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE barters SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3
	`, models.BarterAccepted, barter.ID, models.BarterProposed)
	if err != nil {
		return fmt.Errorf("failed to accept barter: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return newError(ErrInvalidInput, "Barter already processed")
	}

	if err := s.ledger.SpendTx(ctx, tx, userID, ActionCost, ReasonBarterAccept, "barter:"+barter.ID+":accept"); err != nil {
		if errors.Is(err, ErrInsufficientCredits) {
			return newError(ErrInsufficientCredits, "Insufficient credits")
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit barter acceptance: %w", err)
	}

	if accepter, err := getUser(ctx, s.db, "id", userID); err == nil && s.notifier != nil {
		s.notifier.NotifyBarterAccepted(ctx, barter.RequesterID, accepter.Name, barter.ID)
	}
	return nil
}

// Complete closes an active barter and stores the caller's review
func (s *BarterService) Complete(ctx context.Context, userID, barterID string, rating *int, comment string) error {
	if rating != nil && (*rating < 1 || *rating > 5) {
		return newError(ErrInvalidInput, "Rating must be between 1 and 5")
	}
	barter, err := s.getBarter(ctx, barterID)
	if err != nil {
		return err
	}
	if !barter.Involves(userID) {
		return newError(ErrForbidden, "Not authorized")
	}
	if barter.Status != models.BarterAccepted {
		return newError(ErrInvalidInput, "Barter not active")
	}

	var commentArg *string
	if c := strings.TrimSpace(comment); c != "" {
		commentArg = &c
	}

	ratingCol, commentCol := "accepter_rating", "accepter_comment"
	if barter.RequesterID == userID {
		ratingCol, commentCol = "requester_rating", "requester_comment"
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE barters SET `+ratingCol+` = $1, `+commentCol+` = $2,
			status = $3, completed_at = NOW(), updated_at = NOW()
		WHERE id = $4 AND status = $5
	`, rating, commentArg, models.BarterCompleted, barter.ID, models.BarterAccepted)
	if err != nil {
		return fmt.Errorf("failed to complete barter: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return newError(ErrInvalidInput, "Barter not active")
	}
	return nil
}

// Cancel withdraws a barter that has not completed
func (s *BarterService) Cancel(ctx context.Context, userID, barterID string) error {
	barter, err := s.getBarter(ctx, barterID)
	if err != nil {
		return err
	}
	if !barter.Involves(userID) {
		return newError(ErrForbidden, "Not authorized")
	}
	switch barter.Status {
	case models.BarterCompleted:
		return newError(ErrInvalidInput, "Completed barters cannot be cancelled")
	case models.BarterCancelled:
		return newError(ErrInvalidInput, "Barter already cancelled")
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE barters SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status IN ($3, $4)
	`, models.BarterCancelled, barter.ID, models.BarterProposed, models.BarterAccepted)
	if err != nil {
		return fmt.Errorf("failed to cancel barter: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return newError(ErrInvalidInput, "Barter already processed")
	}
	return nil
}

// Get returns a barter the caller is party to
func (s *BarterService) Get(ctx context.Context, userID, barterID string) (*models.BarterView, error) {
	barter, err := s.getBarter(ctx, barterID)
	if err != nil {
		return nil, err
	}
	if !barter.Involves(userID) {
		return nil, newError(ErrForbidden, "Not authorized")
	}
	view, err := s.view(ctx, userID, barter)
	if err != nil {
		return nil, err
	}
	return &view, nil
}

// Trades lists the caller's barters, optionally filtered by ongoing, completed or pending
func (s *BarterService) Trades(ctx context.Context, userID, filter string) ([]models.BarterView, error) {
	query := "SELECT * FROM barters WHERE (requester_id = $1 OR accepter_id = $1)"
	args := []interface{}{userID}
	switch filter {
	case TradesOngoing:
		query += " AND status = $2"
		args = append(args, models.BarterAccepted)
	case TradesCompleted:
		query += " AND status = $2"
		args = append(args, models.BarterCompleted)
	case TradesPending:
		query += " AND status = $2"
		args = append(args, models.BarterProposed)
	}
	query += " ORDER BY created_at DESC"

	barters := []models.Barter{}
	if err := s.db.SelectContext(ctx, &barters, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", err)
	}
	return s.views(ctx, userID, barters)
}

// PendingForMe lists barters proposed to the caller awaiting acceptance
func (s *BarterService) PendingForMe(ctx context.Context, userID string) ([]models.BarterView, error) {
	barters := []models.Barter{}
	err := s.db.SelectContext(ctx, &barters, `
		SELECT * FROM barters WHERE accepter_id = $1 AND status = $2 ORDER BY created_at DESC
	`, userID, models.BarterProposed)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending barters: %w", err)
	}
	return s.views(ctx, userID, barters)
}

// Suggestions finds users offering a skill the caller wants
func (s *BarterService) Suggestions(ctx context.Context, userID string) ([]models.UserSummary, error) {
	user, err := getUser(ctx, s.db, "id", userID)
	if err != nil {
		return nil, err
	}
	if len(user.SkillsWanted) == 0 {
		return []models.UserSummary{}, nil
	}

	users := []models.User{}
	err = s.db.SelectContext(ctx, &users, `
		SELECT * FROM users u
		WHERE u.id <> $1 AND u.skills_offered && $2
		  AND NOT EXISTS (
		       SELECT 1 FROM blocked_users b
		       WHERE (b.user_id = $1 AND b.blocked_id = u.id) OR (b.user_id = u.id AND b.blocked_id = $1))
		ORDER BY u.created_at DESC
		LIMIT 50
	`, userID, user.SkillsWanted)
	if err != nil {
		return nil, fmt.Errorf("failed to find suggestions: %w", err)
	}

	out := make([]models.UserSummary, 0, len(users))
	for i := range users {
		out = append(out, users[i].Summary())
	}
	return out, nil
}

// HasActiveBarter reports whether two users share an accepted barter
func (s *BarterService) HasActiveBarter(ctx context.Context, a, b string) (bool, error) {
	return hasActiveBarter(ctx, s.db, a, b)
}

func hasActiveBarter(ctx context.Context, db sqlx.QueryerContext, a, b string) (bool, error) {
	var active bool
	err := sqlx.GetContext(ctx, db, &active, `
		SELECT EXISTS(SELECT 1 FROM barters WHERE status = $3
		AND ((requester_id = $1 AND accepter_id = $2) OR (requester_id = $2 AND accepter_id = $1)))
	`, a, b, models.BarterAccepted)
	if err != nil {
		return false, fmt.Errorf("failed to check active barter: %w", err)
	}
	return active, nil
}

func (s *BarterService) findAcceptedRequest(ctx context.Context, userID string, in ProposeInput) (*models.FriendRequest, error) {
	notFound := newError(ErrInvalidInput, "No accepted friend request found. Please send and accept a friend request first.")

	var fr models.FriendRequest
	var err error
	switch {
	case in.FriendRequestID != "":
		if _, perr := uuid.Parse(in.FriendRequestID); perr != nil {
			return nil, notFound
		}
		err = s.db.GetContext(ctx, &fr, "SELECT * FROM friend_requests WHERE id = $1", in.FriendRequestID)
	case in.UserID != "":
		if _, perr := uuid.Parse(in.UserID); perr != nil {
			return nil, notFound
		}
		err = s.db.GetContext(ctx, &fr, `
			SELECT * FROM friend_requests
			WHERE ((from_user_id = $1 AND to_user_id = $2) OR (from_user_id = $2 AND to_user_id = $1))
			  AND status = $3
		`, userID, in.UserID, models.FriendRequestAccepted)
	default:
		return nil, newError(ErrInvalidInput, "friendRequestId or userId is required")
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find friend request: %w", err)
	}
	if fr.Status != models.FriendRequestAccepted {
		return nil, notFound
	}
	return &fr, nil
}

func (s *BarterService) getBarter(ctx context.Context, id string) (*models.Barter, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, newError(ErrNotFound, "Barter not found")
	}
	var barter models.Barter
	err := s.db.GetContext(ctx, &barter, "SELECT * FROM barters WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, newError(ErrNotFound, "Barter not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get barter: %w", err)
	}
	return &barter, nil
}

func (s *BarterService) views(ctx context.Context, userID string, barters []models.Barter) ([]models.BarterView, error) {
	out := make([]models.BarterView, 0, len(barters))
	for i := range barters {
		view, err := s.view(ctx, userID, &barters[i])
		if err != nil {
			return nil, err
		}
		out = append(out, view)
	}
	return out, nil
}

func (s *BarterService) view(ctx context.Context, userID string, b *models.Barter) (models.BarterView, error) {
	view := models.BarterView{
		ID:              b.ID,
		OfferedSkill:    b.OfferedSkill,
		WantedSkill:     b.WantedSkill,
		Status:          b.Status,
		RequesterID:     b.RequesterID,
		AccepterID:      b.AccepterID,
		RequesterReview: b.RequesterReview(),
		AccepterReview:  b.AccepterReview(),
		CompletedAt:     b.CompletedAt,
		CreatedAt:       b.CreatedAt,
	}
	other, err := summaryWithRating(ctx, s.db, b.Counterpart(userID))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return view, err
	}
	view.OtherUser = other
	return view, nil
}
