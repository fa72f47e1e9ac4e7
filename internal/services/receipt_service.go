package services

import (
	"context"
	"strings"
	"time"

	"github.com/booali/atc-api/internal/models"
	"github.com/booali/atc-api/pkg/appstore"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
)

// Play payment states that entitle the user
const (
	playPaymentReceived = 1
	playFreeTrial       = 2
)

// AppleReceiptVerifier validates App Store receipts
type AppleReceiptVerifier interface {
	Verify(ctx context.Context, receiptData string) (*appstore.Receipt, error)
}

// ReceiptService verifies purchases directly with Apple and Google
type ReceiptService struct {
	db     *sqlx.DB
	plans  *Plans
	ledger CreditGranter
	apple  AppleReceiptVerifier
	play   PlayVerifier
	logger zerolog.Logger
	now    func() time.Time
}

// NewReceiptService creates a new receipt service. Either verifier may be nil
// when that store is not configured.
func NewReceiptService(db *sqlx.DB, plans *Plans, ledger CreditGranter, apple AppleReceiptVerifier, play PlayVerifier, logger zerolog.Logger) *ReceiptService {
	return &ReceiptService{
		db:     db,
		plans:  plans,
		ledger: ledger,
		apple:  apple,
		play:   play,
		logger: logger.With().Str("service", "receipt").Logger(),
		now:    time.Now,
	}
}

// NativeReceipt is a purchase reported by the mobile app
type NativeReceipt struct {
	Platform      string
	ReceiptData   string
	ProductID     string
	PurchaseToken string
}

// NativeResult summarises a verification
type NativeResult struct {
	Platform         string     `json:"platform"`
	ProductID        string     `json:"productId"`
	Status           string     `json:"status"`
	CurrentPeriodEnd *time.Time `json:"currentPeriodEnd,omitempty"`
	CreditsGranted   int        `json:"creditsGranted"`
}

// VerifyNative validates a store purchase and grants credits for each
// transaction not granted before
func (s *ReceiptService) VerifyNative(ctx context.Context, userID string, in NativeReceipt) (*NativeResult, error) {
	switch strings.ToLower(in.Platform) {
	case models.PlatformIOS:
		return s.verifyApple(ctx, userID, in)
	case models.PlatformAndroid:
		return s.verifyPlay(ctx, userID, in)
	}
	return nil, newError(ErrInvalidInput, "Platform must be ios or android")
}

func (s *ReceiptService) verifyApple(ctx context.Context, userID string, in NativeReceipt) (*NativeResult, error) {
	if in.ReceiptData == "" {
		return nil, newError(ErrInvalidInput, "Receipt data is required")
	}
	if s.apple == nil {
		return nil, newError(ErrNotConfigured, "App Store verification is not configured")
	}

	receipt, err := s.apple.Verify(ctx, in.ReceiptData)
	if err != nil {
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("App Store receipt rejected")
		return nil, newError(ErrInvalidInput, "Invalid receipt")
	}

	result := &NativeResult{Platform: models.PlatformIOS}
	var latest *appstore.Transaction
	for i := range receipt.Transactions {
		txn := &receipt.Transactions[i]
		plan, ok := s.plans.ForProduct(txn.ProductID)
		if !ok {
			continue
		}
		granted, err := s.ledger.Grant(ctx, userID, plan.Credits, ReasonStorePurchase, storeKey(StoreAppStore, txn.TransactionID))
		if err != nil {
			return nil, err
		}
		if granted {
			result.CreditsGranted += plan.Credits
		}
		if latest == nil || txn.PurchaseDate.After(latest.PurchaseDate) {
			latest = txn
		}
	}
	if latest == nil {
		return nil, newError(ErrInvalidInput, "No known products in receipt")
	}

	result.ProductID = latest.ProductID
	result.CurrentPeriodEnd = latest.ExpiresDate
	result.Status = s.statusFor(latest.ExpiresDate, true)
	if err := s.store(ctx, userID, result); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *ReceiptService) verifyPlay(ctx context.Context, userID string, in NativeReceipt) (*NativeResult, error) {
	if in.ProductID == "" || in.PurchaseToken == "" {
		return nil, newError(ErrInvalidInput, "Product ID and purchase token are required")
	}
	plan, ok := s.plans.ForProduct(in.ProductID)
	if !ok {
		return nil, newError(ErrInvalidInput, "Unknown product")
	}
	if s.play == nil {
		return nil, newError(ErrNotConfigured, "Google Play verification is not configured")
	}

	purchase, err := s.play.VerifySubscription(ctx, in.ProductID, in.PurchaseToken)
	if err != nil {
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("Play purchase rejected")
		return nil, newError(ErrInvalidInput, "Invalid purchase token")
	}

	result := &NativeResult{Platform: models.PlatformAndroid, ProductID: in.ProductID}
	if purchase.ExpiryMillis > 0 {
		t := time.UnixMilli(purchase.ExpiryMillis).UTC()
		result.CurrentPeriodEnd = &t
	}
	trial := purchase.PaymentState == playFreeTrial
	paid := purchase.PaymentState == playPaymentReceived || trial
	result.Status = s.statusFor(result.CurrentPeriodEnd, paid)

	// a trial activates the plan; credits follow the first paid order
	if result.Status == models.SubscriptionStatusActive && !trial && purchase.OrderID != "" {
		granted, err := s.ledger.Grant(ctx, userID, plan.Credits, ReasonStorePurchase, storeKey(StorePlayStore, purchase.OrderID))
		if err != nil {
			return nil, err
		}
		if granted {
			result.CreditsGranted = plan.Credits
		}
	}

	if err := s.store(ctx, userID, result); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *ReceiptService) statusFor(expires *time.Time, paid bool) string {
	switch {
	case !paid:
		return models.SubscriptionStatusPastDue
	case expires == nil || expires.After(s.now()):
		return models.SubscriptionStatusActive
	}
	return models.SubscriptionStatusExpired
}

func (s *ReceiptService) store(ctx context.Context, userID string, result *NativeResult) error {
	state := SubscriptionState{
		Status:           result.Status,
		Platform:         result.Platform,
		ProductID:        result.ProductID,
		CurrentPeriodEnd: result.CurrentPeriodEnd,
	}
	if plan, ok := s.plans.ForProduct(result.ProductID); ok {
		state.Plan = plan.ID
	}
	_, err := applySubscription(ctx, s.db, userID, state, s.now().UTC())
	return err
}
