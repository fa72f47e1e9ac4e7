package services

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/booali/atc-api/internal/metrics"
	"github.com/booali/atc-api/internal/models"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

const providerRevenueCat = "revenuecat"

// Store identifiers used in ledger keys
const (
	StoreAppStore  = "app_store"
	StorePlayStore = "play_store"
)

// storeKey identifies a store transaction across RevenueCat and native verification
func storeKey(store, transactionID string) string {
	return "store:" + store + ":" + transactionID
}

// OfferingsSource fetches offerings from RevenueCat
type OfferingsSource interface {
	Configured() bool
	GetOfferings(ctx context.Context) (json.RawMessage, error)
}

// RevenueCatService applies RevenueCat webhooks and serves the store catalogue
type RevenueCatService struct {
	db        *sqlx.DB
	plans     *Plans
	ledger    CreditGranter
	offerings OfferingsSource
	authToken string
	logger    zerolog.Logger
}

// NewRevenueCatService creates a new RevenueCat service
func NewRevenueCatService(db *sqlx.DB, plans *Plans, ledger CreditGranter, offerings OfferingsSource, authToken string, logger zerolog.Logger) *RevenueCatService {
	return &RevenueCatService{
		db:        db,
		plans:     plans,
		ledger:    ledger,
		offerings: offerings,
		authToken: authToken,
		logger:    logger.With().Str("service", "revenuecat").Logger(),
	}
}

// Authorize checks the webhook Authorization header against the shared token.
// Without a configured token every request is refused.
func (s *RevenueCatService) Authorize(header string) error {
	if s.authToken == "" {
		return newError(ErrNotConfigured, "RevenueCat webhook not configured")
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
		return newError(ErrUnauthorized, "Unauthorized")
	}
	return nil
}

// rcEvent is the part of a RevenueCat webhook event that is acted on
type rcEvent struct {
	ID            string
	Type          string
	UserIDs       []string
	ProductID     string
	Store         string
	TransactionID string
	PeriodType    string
	ExpiresAt     *time.Time
	At            time.Time
}

func parseRevenueCatEvent(body []byte) (*rcEvent, error) {
	if !gjson.ValidBytes(body) {
		return nil, newError(ErrInvalidInput, "Invalid webhook payload")
	}
	ev := gjson.GetBytes(body, "event")
	if !ev.Exists() {
		return nil, newError(ErrInvalidInput, "Missing event")
	}

	out := &rcEvent{
		ID:            ev.Get("id").String(),
		Type:          ev.Get("type").String(),
		ProductID:     ev.Get("product_id").String(),
		Store:         ev.Get("store").String(),
		TransactionID: ev.Get("transaction_id").String(),
		PeriodType:    ev.Get("period_type").String(),
	}
	for _, path := range []string{"app_user_id", "original_app_user_id"} {
		if id := ev.Get(path).String(); id != "" {
			out.UserIDs = append(out.UserIDs, id)
		}
	}
	ev.Get("aliases").ForEach(func(_, alias gjson.Result) bool {
		out.UserIDs = append(out.UserIDs, alias.String())
		return true
	})

	if ms := ev.Get("expiration_at_ms").Int(); ms > 0 {
		t := time.UnixMilli(ms).UTC()
		out.ExpiresAt = &t
	}
	ts := ev.Get("event_timestamp_ms").Int()
	if ts == 0 {
		ts = ev.Get("purchased_at_ms").Int()
	}
	if ts > 0 {
		out.At = time.UnixMilli(ts).UTC()
	} else {
		out.At = time.Now().UTC()
	}

	if out.ID == "" || out.Type == "" {
		return nil, newError(ErrInvalidInput, "Event id and type are required")
	}
	return out, nil
}

// HandleWebhook applies a RevenueCat event and reports the outcome for logging
func (s *RevenueCatService) HandleWebhook(ctx context.Context, body []byte) (string, error) {
	ev, err := parseRevenueCatEvent(body)
	if err != nil {
		return "", err
	}
	logger := s.logger.With().Str("event_id", ev.ID).Str("event_type", ev.Type).Logger()

	if ev.Type == "TEST" {
		metrics.RecordWebhook(providerRevenueCat, ev.Type, "processed")
		logger.Info().Msg("RevenueCat test event received")
		return "test", nil
	}

	seen, err := webhookEventSeen(ctx, s.db, providerRevenueCat, ev.ID)
	if err != nil {
		return "", err
	}
	if seen {
		metrics.RecordWebhook(providerRevenueCat, ev.Type, "duplicate")
		return "duplicate", nil
	}

	outcome, err := s.apply(ctx, ev)
	if err != nil {
		metrics.RecordWebhook(providerRevenueCat, ev.Type, "error")
		logger.Error().Err(err).Msg("RevenueCat event failed")
		return "", err
	}
	if err := recordWebhookEvent(ctx, s.db, providerRevenueCat, ev.ID, ev.Type); err != nil {
		return "", err
	}
	metrics.RecordWebhook(providerRevenueCat, ev.Type, outcome)
	logger.Info().Str("outcome", outcome).Msg("RevenueCat event processed")
	return outcome, nil
}

func (s *RevenueCatService) apply(ctx context.Context, ev *rcEvent) (string, error) {
	user, err := s.findUser(ctx, ev.UserIDs)
	if err != nil {
		return "", err
	}
	if user == nil {
		s.logger.Warn().Strs("app_user_ids", ev.UserIDs).Msg("No user for RevenueCat event")
		return "unknown_user", nil
	}

	state := SubscriptionState{
		Platform:          platformForStore(ev.Store),
		ProductID:         ev.ProductID,
		RevenueCatID:      firstOr(ev.UserIDs, ""),
		CurrentPeriodEnd:  ev.ExpiresAt,
		CancelAtPeriodEnd: user.Subscription.CancelAtPeriodEnd,
	}
	plan, known := s.plans.ForProduct(ev.ProductID)
	if known {
		state.Plan = plan.ID
	}

	grant := false
	switch ev.Type {
	case "INITIAL_PURCHASE", "RENEWAL", "NON_RENEWING_PURCHASE", "PRODUCT_CHANGE":
		state.Status = models.SubscriptionStatusActive
		state.CancelAtPeriodEnd = false
		grant = ev.PeriodType != "TRIAL"
	case "UNCANCELLATION":
		state.Status = models.SubscriptionStatusActive
		state.CancelAtPeriodEnd = false
	case "CANCELLATION":
		state.CancelAtPeriodEnd = true
	case "EXPIRATION":
		state.Status = models.SubscriptionStatusExpired
		state.CancelAtPeriodEnd = false
	case "BILLING_ISSUE":
		state.Status = models.SubscriptionStatusPastDue
	default:
		return "ignored", nil
	}

	if _, err := applySubscription(ctx, s.db, user.ID, state, ev.At); err != nil {
		return "", err
	}
	if !grant {
		return "updated", nil
	}
	if !known {
		s.logger.Warn().Str("product_id", ev.ProductID).Msg("Unknown RevenueCat product, no credits granted")
		return "unknown_product", nil
	}

	granted, err := s.ledger.Grant(ctx, user.ID, plan.Credits, ReasonStorePurchase, s.grantKey(ev))
	if err != nil {
		return "", err
	}
	if !granted {
		return "already_granted", nil
	}
	return "granted", nil
}

func (s *RevenueCatService) grantKey(ev *rcEvent) string {
	if ev.TransactionID != "" {
		switch ev.Store {
		case "APP_STORE", "MAC_APP_STORE":
			return storeKey(StoreAppStore, ev.TransactionID)
		case "PLAY_STORE":
			return storeKey(StorePlayStore, ev.TransactionID)
		}
	}
	return "revenuecat:event:" + ev.ID
}

func (s *RevenueCatService) findUser(ctx context.Context, ids []string) (*models.User, error) {
	for _, id := range ids {
		if _, err := uuid.Parse(id); err != nil {
			continue
		}
		user, err := getUser(ctx, s.db, "id", id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return user, nil
	}
	return nil, nil
}

// Offerings returns RevenueCat's offerings, or the built-in catalogue when
// RevenueCat is unavailable
func (s *RevenueCatService) Offerings(ctx context.Context) interface{} {
	if s.offerings != nil && s.offerings.Configured() {
		raw, err := s.offerings.GetOfferings(ctx)
		if err == nil {
			return raw
		}
		s.logger.Error().Err(err).Msg("Failed to fetch RevenueCat offerings, using fallback")
	}
	return jsonObject{"offerings": s.fallbackOfferings()}
}

type jsonObject = map[string]interface{}

func (s *RevenueCatService) fallbackOfferings() jsonObject {
	packages := make([]jsonObject, 0, 3)
	for _, p := range s.Products() {
		packages = append(packages, jsonObject{
			"identifier":                  strings.TrimPrefix(p.Identifier, storeProductPrefix) + "_package",
			"platform_product_identifier": p.Identifier,
			"product":                     p,
		})
	}
	return jsonObject{
		"current": jsonObject{
			"identifier":  "credit_packages",
			"description": "ATC Credit Packages",
			"packages":    packages,
		},
	}
}

// StoreProduct is a purchasable credit package
type StoreProduct struct {
	Identifier   string  `json:"identifier"`
	Price        float64 `json:"price"`
	PriceString  string  `json:"price_string"`
	CurrencyCode string  `json:"currency_code"`
	Title        string  `json:"title"`
	Description  string  `json:"description"`
	Credits      int     `json:"credits"`
}

// Products lists the store catalogue
func (s *RevenueCatService) Products() []StoreProduct {
	all := s.plans.All()
	out := make([]StoreProduct, 0, len(all))
	for _, p := range all {
		out = append(out, StoreProduct{
			Identifier:   p.StoreProduct,
			Price:        float64(p.PriceCents) / 100,
			PriceString:  p.PriceDisplay(),
			CurrencyCode: strings.ToUpper(p.Currency),
			Title:        p.Title + " Package",
			Description:  fmt.Sprintf("%d credits for ATC", p.Credits),
			Credits:      p.Credits,
		})
	}
	return out
}

// PurchaseAck is returned when the app reports a completed store purchase
type PurchaseAck struct {
	ProductID string `json:"productId"`
	UserID    string `json:"userId"`
	Platform  string `json:"platform"`
	Credits   int    `json:"credits"`
}

// AcknowledgePurchase validates a purchase reported by the app. Credits
// arrive through the RevenueCat webhook or native receipt verification.
func (s *RevenueCatService) AcknowledgePurchase(userID, productID, platform string) (*PurchaseAck, error) {
	plan, ok := s.plans.ForProduct(productID)
	if !ok {
		return nil, newError(ErrInvalidInput, "Unknown product")
	}
	return &PurchaseAck{ProductID: productID, UserID: userID, Platform: platform, Credits: plan.Credits}, nil
}

func platformForStore(store string) string {
	switch store {
	case "APP_STORE", "MAC_APP_STORE":
		return models.PlatformIOS
	case "PLAY_STORE":
		return models.PlatformAndroid
	case "STRIPE":
		return models.PlatformStripe
	}
	return ""
}

func firstOr(values []string, fallback string) string {
	if len(values) > 0 {
		return values[0]
	}
	return fallback
}
