package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/booali/atc-api/internal/metrics"
	"github.com/booali/atc-api/internal/models"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
)

// Ledger reasons
const (
	ReasonSubscription    = "subscription"
	ReasonStorePurchase   = "store_purchase"
	ReasonFriendRequest   = "friend_request"
	ReasonFriendAccept    = "friend_request_accept"
	ReasonBarterPropose   = "barter_propose"
	ReasonBarterAccept    = "barter_accept"
	ReasonCreditUse       = "credit_use"
	ReasonAdminAdjustment = "admin_adjustment"
)

// CreditGranter grants credits at most once per idempotency key
type CreditGranter interface {
	Grant(ctx context.Context, userID string, amount int, reason, key string) (bool, error)
}

// LedgerService owns every change to users.credits
type LedgerService struct {
	db     *sqlx.DB
	logger zerolog.Logger
}

// NewLedgerService creates a new ledger service
func NewLedgerService(db *sqlx.DB, logger zerolog.Logger) *LedgerService {
	return &LedgerService{
		db:     db,
		logger: logger.With().Str("service", "ledger").Logger(),
	}
}

// Grant adds credits to a user. A key that was already applied is a no-op
// and reports granted=false.
func (s *LedgerService) Grant(ctx context.Context, userID string, amount int, reason, key string) (bool, error) {
	if amount <= 0 {
		return false, newError(ErrInvalidInput, "Grant amount must be positive")
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	inserted, err := s.record(ctx, tx, userID, amount, reason, key)
	if err != nil {
		return false, err
	}
	if !inserted {
		metrics.RecordGrant(reason, false)
		s.logger.Info().Str("user_id", userID).Str("key", key).Msg("Duplicate credit grant ignored")
		return false, nil
	}

	res, err := tx.ExecContext(ctx,
		"UPDATE users SET credits = credits + $1, updated_at = NOW() WHERE id = $2",
		amount, userID)
	if err != nil {
		return false, fmt.Errorf("failed to add credits: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit grant: %w", err)
	}

	metrics.RecordGrant(reason, true)
	s.logger.Info().Str("user_id", userID).Int("amount", amount).Str("reason", reason).Str("key", key).Msg("Credits granted")
	return true, nil
}

// Spend deducts credits in its own transaction
func (s *LedgerService) Spend(ctx context.Context, userID string, amount int, reason, key string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.SpendTx(ctx, tx, userID, amount, reason, key); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit spend: %w", err)
	}
	return nil
}

// SpendTx deducts credits inside the caller's transaction. The balance never
// goes negative; a short balance returns ErrInsufficientCredits and the
// caller must roll back.
func (s *LedgerService) SpendTx(ctx context.Context, tx *sqlx.Tx, userID string, amount int, reason, key string) error {
	if amount <= 0 {
		return newError(ErrInvalidInput, "Amount must be greater than 0")
	}

	inserted, err := s.record(ctx, tx, userID, -amount, reason, key)
	if err != nil {
		return err
	}
	if !inserted {
		metrics.RecordSpend(reason, "duplicate")
		return nil
	}

	res, err := tx.ExecContext(ctx,
		"UPDATE users SET credits = credits - $1, updated_at = NOW() WHERE id = $2 AND credits >= $1",
		amount, userID)
	if err != nil {
		return fmt.Errorf("failed to deduct credits: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		metrics.RecordSpend(reason, "insufficient")
		return ErrInsufficientCredits
	}

	metrics.RecordSpend(reason, "applied")
	return nil
}

// Adjust applies a signed admin correction
func (s *LedgerService) Adjust(ctx context.Context, userID string, delta int) (int, error) {
	if delta == 0 {
		return s.Balance(ctx, userID)
	}
	if delta > 0 {
		if _, err := s.Grant(ctx, userID, delta, ReasonAdminAdjustment, ""); err != nil {
			return 0, err
		}
	} else if err := s.Spend(ctx, userID, -delta, ReasonAdminAdjustment, ""); err != nil {
		return 0, err
	}
	return s.Balance(ctx, userID)
}

// SetBalance moves a user's balance to an exact value through a single ledger entry
func (s *LedgerService) SetBalance(ctx context.Context, userID string, balance int) error {
	if balance < 0 {
		return newError(ErrInvalidInput, "Balance cannot be negative")
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current int
	err = tx.GetContext(ctx, &current, "SELECT credits FROM users WHERE id = $1 FOR UPDATE", userID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read balance: %w", err)
	}

	delta := balance - current
	if delta == 0 {
		return nil
	}
	if _, err := s.record(ctx, tx, userID, delta, ReasonAdminAdjustment, ""); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE users SET credits = $1, updated_at = NOW() WHERE id = $2",
		balance, userID); err != nil {
		return fmt.Errorf("failed to set balance: %w", err)
	}

	return tx.Commit()
}

// Balance returns a user's current credits
func (s *LedgerService) Balance(ctx context.Context, userID string) (int, error) {
	var credits int
	err := s.db.GetContext(ctx, &credits, "SELECT credits FROM users WHERE id = $1", userID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}
	return credits, nil
}

// History returns the most recent ledger entries for a user
func (s *LedgerService) History(ctx context.Context, userID string, limit int) ([]models.CreditEntry, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	entries := []models.CreditEntry{}
	err := s.db.SelectContext(ctx, &entries, `
		SELECT id, user_id, amount, reason, idempotency_key, created_at
		FROM credit_ledger WHERE user_id = $1
		ORDER BY created_at DESC, id DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get credit history: %w", err)
	}
	return entries, nil
}

// record inserts a ledger row. It reports false when the key was already used.
func (s *LedgerService) record(ctx context.Context, tx *sqlx.Tx, userID string, amount int, reason, key string) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO credit_ledger (user_id, amount, reason, idempotency_key)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, userID, amount, reason, nullString(key))
	if err != nil {
		return false, fmt.Errorf("failed to record ledger entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read ledger result: %w", err)
	}
	return n == 1, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
