package models

import (
	"encoding/json"
	"time"

	"github.com/lib/pq"
)

// User represents a registered user in the system
type User struct {
	ID                      string         `json:"id" db:"id"`
	Name                    string         `json:"name" db:"name"`
	Email                   string         `json:"email" db:"email"`
	Phone                   *string        `json:"phone,omitempty" db:"phone"`
	PasswordHash            *string        `json:"-" db:"password_hash"`
	ClerkID                 *string        `json:"clerkId,omitempty" db:"clerk_id"`
	AppleUserID             *string        `json:"-" db:"apple_user_id"`
	GoogleUserID            *string        `json:"-" db:"google_user_id"`
	AuthProvider            string         `json:"authProvider" db:"auth_provider"`
	SkillsOffered           pq.StringArray `json:"skills_offered" db:"skills_offered"`
	SkillsWanted            pq.StringArray `json:"skills_wanted" db:"skills_wanted"`
	IsVerified              bool           `json:"isVerified" db:"is_verified"`
	Credits                 int            `json:"credits" db:"credits"`
	ExpoPushToken           *string        `json:"-" db:"expo_push_token"`
	ReferralCode            *string        `json:"referralCode,omitempty" db:"referral_code"`
	ProfileImage            `json:"profileImage"`
	Subscription            `json:"subscription"`
	NotificationPreferences `json:"notificationPreferences"`
	CreatedAt               time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt               time.Time `json:"updatedAt" db:"updated_at"`
}

// ProfileImage is the Cloudinary asset backing a user's avatar
type ProfileImage struct {
	URL      *string `json:"url,omitempty" db:"profile_image_url"`
	PublicID *string `json:"public_id,omitempty" db:"profile_image_public_id"`
}

// Subscription holds the billing state mirrored from Stripe or the app stores
type Subscription struct {
	Plan                 *string    `json:"plan" db:"subscription_plan"`
	Status               *string    `json:"status" db:"subscription_status"`
	Platform             *string    `json:"platform" db:"subscription_platform"`
	ProductID            *string    `json:"productId,omitempty" db:"subscription_product_id"`
	StripeCustomerID     *string    `json:"stripeCustomerId,omitempty" db:"stripe_customer_id"`
	StripeSubscriptionID *string    `json:"stripeSubscriptionId,omitempty" db:"stripe_subscription_id"`
	RevenueCatID         *string    `json:"revenueCatId,omitempty" db:"revenuecat_id"`
	CurrentPeriodEnd     *time.Time `json:"currentPeriodEnd,omitempty" db:"current_period_end"`
	CancelAtPeriodEnd    bool       `json:"cancelAtPeriodEnd" db:"cancel_at_period_end"`
	LastEventAt          *time.Time `json:"-" db:"subscription_event_at"`
}

// NotificationPreferences controls which channels may reach a user
type NotificationPreferences struct {
	Email                 bool `json:"email" db:"notify_email"`
	Push                  bool `json:"push" db:"notify_push"`
	SubscriptionReminders bool `json:"subscriptionReminders" db:"notify_subscription_reminders"`
}

// HasPlan reports whether the user has ever subscribed
func (s Subscription) HasPlan() bool {
	return s.Plan != nil && *s.Plan != ""
}

// IsActive reports whether the subscription is active and not past its period end
func (s Subscription) IsActive(now time.Time) bool {
	if s.Status == nil || *s.Status != SubscriptionStatusActive || s.CurrentPeriodEnd == nil {
		return false
	}
	return now.Before(*s.CurrentPeriodEnd)
}

// Subscription statuses
const (
	SubscriptionStatusActive     = "active"
	SubscriptionStatusCanceled   = "canceled"
	SubscriptionStatusPastDue    = "past_due"
	SubscriptionStatusUnpaid     = "unpaid"
	SubscriptionStatusIncomplete = "incomplete"
	SubscriptionStatusExpired    = "expired"
)

// Subscription platforms
const (
	PlatformStripe  = "stripe"
	PlatformIOS     = "ios"
	PlatformAndroid = "android"
)

// Auth providers
const (
	AuthProviderEmail    = "email"
	AuthProviderApple    = "apple"
	AuthProviderGoogle   = "google"
	AuthProviderFacebook = "facebook"
	AuthProviderOAuth    = "oauth"
)

// UserResponse is the account payload returned by the auth endpoints
type UserResponse struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	Email          string       `json:"email"`
	Phone          *string      `json:"phone,omitempty"`
	ProfileImage   ProfileImage `json:"profileImage"`
	Skills         []string     `json:"skills"`
	ServiceSeeking []string     `json:"serviceSeeking"`
	IsVerified     bool         `json:"isVerified"`
	Credits        int          `json:"credits"`
}

// ToResponse converts a user to the auth response shape
func (u *User) ToResponse() UserResponse {
	return UserResponse{
		ID:             u.ID,
		Name:           u.Name,
		Email:          u.Email,
		Phone:          u.Phone,
		ProfileImage:   u.ProfileImage,
		Skills:         nonNil(u.SkillsOffered),
		ServiceSeeking: nonNil(u.SkillsWanted),
		IsVerified:     u.IsVerified,
		Credits:        u.Credits,
	}
}

// UserSummary is the public information shown about another user
type UserSummary struct {
	ID            string       `json:"_id" db:"id"`
	Name          string       `json:"name" db:"name"`
	ProfileImage  ProfileImage `json:"profileImage"`
	SkillsOffered []string     `json:"skills_offered,omitempty"`
	SkillsWanted  []string     `json:"skills_wanted,omitempty"`
	Rating        float64      `json:"rating"`
	ReviewCount   int          `json:"reviewCount"`
}

// Summary builds the public view of a user without rating data
func (u *User) Summary() UserSummary {
	return UserSummary{
		ID:            u.ID,
		Name:          u.Name,
		ProfileImage:  u.ProfileImage,
		SkillsOffered: nonNil(u.SkillsOffered),
		SkillsWanted:  nonNil(u.SkillsWanted),
	}
}

// Friend request statuses
const (
	FriendRequestPending  = "pending"
	FriendRequestAccepted = "accepted"
)

// FriendRequest connects two users before they can barter
type FriendRequest struct {
	ID             string    `json:"_id" db:"id"`
	FromUserID     string    `json:"from" db:"from_user_id"`
	ToUserID       string    `json:"to" db:"to_user_id"`
	Status         string    `json:"status" db:"status"`
	BarterProposed bool      `json:"barter_proposed" db:"barter_proposed"`
	CreatedAt      time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt      time.Time `json:"updatedAt" db:"updated_at"`
}

// Counterpart returns the other participant of the request
func (fr *FriendRequest) Counterpart(userID string) string {
	if fr.FromUserID == userID {
		return fr.ToUserID
	}
	return fr.FromUserID
}

// Involves reports whether the user is either side of the request
func (fr *FriendRequest) Involves(userID string) bool {
	return fr.FromUserID == userID || fr.ToUserID == userID
}

// FriendRequestView is a friend request with the counterpart's public profile
type FriendRequestView struct {
	FriendRequest
	From *UserSummary `json:"fromUser,omitempty"`
	To   *UserSummary `json:"toUser,omitempty"`
}

// Barter statuses
const (
	BarterProposed  = "proposed"
	BarterAccepted  = "accepted"
	BarterCompleted = "completed"
	BarterCancelled = "cancelled"
)

// Barter is a proposed exchange of skills between two friends
type Barter struct {
	ID               string     `json:"_id" db:"id"`
	RequesterID      string     `json:"requester" db:"requester_id"`
	AccepterID       string     `json:"accepter" db:"accepter_id"`
	FriendRequestID  string     `json:"friendRequest" db:"friend_request_id"`
	OfferedSkill     string     `json:"offered_skill" db:"offered_skill"`
	WantedSkill      string     `json:"wanted_skill" db:"wanted_skill"`
	Status           string     `json:"status" db:"status"`
	RequesterRating  *int       `json:"-" db:"requester_rating"`
	RequesterComment *string    `json:"-" db:"requester_comment"`
	AccepterRating   *int       `json:"-" db:"accepter_rating"`
	AccepterComment  *string    `json:"-" db:"accepter_comment"`
	CompletedAt      *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt        time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt        time.Time  `json:"updatedAt" db:"updated_at"`
}

// Review is the feedback one party leaves when a barter completes
type Review struct {
	Rating  *int    `json:"rating,omitempty"`
	Comment *string `json:"comment,omitempty"`
}

// RequesterReview is the review written by the requester
func (b *Barter) RequesterReview() Review {
	return Review{Rating: b.RequesterRating, Comment: b.RequesterComment}
}

// AccepterReview is the review written by the accepter
func (b *Barter) AccepterReview() Review {
	return Review{Rating: b.AccepterRating, Comment: b.AccepterComment}
}

// Counterpart returns the other party of the barter
func (b *Barter) Counterpart(userID string) string {
	if b.RequesterID == userID {
		return b.AccepterID
	}
	return b.RequesterID
}

// Involves reports whether the user is a party of the barter
func (b *Barter) Involves(userID string) bool {
	return b.RequesterID == userID || b.AccepterID == userID
}

// BarterView is a barter as presented to one of its parties
type BarterView struct {
	ID              string       `json:"_id"`
	OfferedSkill    string       `json:"offered_skill"`
	WantedSkill     string       `json:"wanted_skill"`
	Status          string       `json:"status"`
	RequesterID     string       `json:"requester"`
	AccepterID      string       `json:"accepter"`
	OtherUser       *UserSummary `json:"otherUser"`
	RequesterReview Review       `json:"requester_review"`
	AccepterReview  Review       `json:"accepter_review"`
	CompletedAt     *time.Time   `json:"completed_at,omitempty"`
	CreatedAt       time.Time    `json:"createdAt"`
}

// Message types
const (
	MessageText  = "text"
	MessageImage = "image"
	MessageVoice = "voice"
)

// Chat is a conversation between two users with an active barter
type Chat struct {
	ID        string    `json:"_id" db:"id"`
	UserA     string    `json:"-" db:"user_a"`
	UserB     string    `json:"-" db:"user_b"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// Participants returns both members of the chat
func (c *Chat) Participants() []string {
	return []string{c.UserA, c.UserB}
}

// Counterpart returns the other participant
func (c *Chat) Counterpart(userID string) string {
	if c.UserA == userID {
		return c.UserB
	}
	return c.UserA
}

// Involves reports whether the user is a participant
func (c *Chat) Involves(userID string) bool {
	return c.UserA == userID || c.UserB == userID
}

// Message is a single chat entry
type Message struct {
	ID        string         `json:"_id" db:"id"`
	ChatID    string         `json:"chatId" db:"chat_id"`
	SenderID  string         `json:"sender" db:"sender_id"`
	Type      string         `json:"type" db:"type"`
	Content   string         `json:"content" db:"content"`
	SeenBy    pq.StringArray `json:"seenBy" db:"seen_by"`
	CreatedAt time.Time      `json:"createdAt" db:"created_at"`
}

// ChatSummary is one row of a user's chat list
type ChatSummary struct {
	ChatID      string       `json:"chatId"`
	OtherUser   *UserSummary `json:"otherUser"`
	LastMessage *Message     `json:"lastMessage"`
	UnreadCount int          `json:"unreadCount"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// ChatEvent is published on a chat's pub/sub channel
type ChatEvent struct {
	Type    string          `json:"type"`
	ChatID  string          `json:"chatId"`
	Message *Message        `json:"message,omitempty"`
	UserID  string          `json:"userId,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Report reasons
var ReportReasons = []string{"spam", "harassment", "inappropriate_content", "scam", "other"}

// Report is a moderation complaint against a user
type Report struct {
	ID             string    `json:"_id" db:"id"`
	ReporterID     string    `json:"reporter" db:"reporter_id"`
	ReportedUserID string    `json:"reportedUser" db:"reported_user_id"`
	Reason         string    `json:"reason" db:"reason"`
	Description    *string   `json:"description,omitempty" db:"description"`
	Status         string    `json:"status" db:"status"`
	CreatedAt      time.Time `json:"createdAt" db:"created_at"`
}

// CreditEntry is one row of the credit ledger
type CreditEntry struct {
	ID             int64     `json:"id" db:"id"`
	UserID         string    `json:"userId" db:"user_id"`
	Amount         int       `json:"amount" db:"amount"`
	Reason         string    `json:"reason" db:"reason"`
	IdempotencyKey *string   `json:"idempotencyKey,omitempty" db:"idempotency_key"`
	CreatedAt      time.Time `json:"createdAt" db:"created_at"`
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
