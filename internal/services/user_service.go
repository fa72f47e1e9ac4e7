package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/booali/atc-api/internal/models"
	"github.com/booali/atc-api/pkg/expo"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
)

// UserService handles user-related operations
type UserService struct {
	db     *sqlx.DB
	media  MediaStore
	logger zerolog.Logger
}

// NewUserService creates a new user service
func NewUserService(db *sqlx.DB, media MediaStore, logger zerolog.Logger) *UserService {
	return &UserService{
		db:     db,
		media:  media,
		logger: logger.With().Str("service", "user").Logger(),
	}
}

// GetUserByID gets a user by ID
func (s *UserService) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	return getUser(ctx, s.db, "id", id)
}

// GetUserByEmail gets a user by email
func (s *UserService) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return getUser(ctx, s.db, "email", normalizeEmail(email))
}

// GetPublicProfile returns another user's public view with their rating
func (s *UserService) GetPublicProfile(ctx context.Context, viewerID, userID string) (*models.UserSummary, error) {
	if _, err := uuid.Parse(userID); err != nil {
		return nil, newError(ErrInvalidInput, "Invalid user ID")
	}
	user, err := getUser(ctx, s.db, "id", userID)
	if err != nil {
		return nil, err
	}
	blocked, err := isBlocked(ctx, s.db, viewerID, userID)
	if err != nil {
		return nil, err
	}
	if blocked {
		return nil, ErrNotFound
	}
	summary := user.Summary()
	if err := fillRating(ctx, s.db, &summary); err != nil {
		return nil, err
	}
	return &summary, nil
}

// EditProfileInput carries optional profile changes
type EditProfileInput struct {
	Name           *string
	Phone          *string
	Skills         []string
	ServiceSeeking []string
	Image          io.Reader
}

// EditProfile applies the provided fields and replaces the profile image when one is uploaded
func (s *UserService) EditProfile(ctx context.Context, userID string, in EditProfileInput) (*models.User, error) {
	user, err := getUser(ctx, s.db, "id", userID)
	if err != nil {
		return nil, err
	}

	if in.Name != nil && strings.TrimSpace(*in.Name) != "" {
		user.Name = strings.TrimSpace(*in.Name)
	}
	if in.Phone != nil && *in.Phone != "" {
		user.Phone = in.Phone
	}
	if in.Skills != nil {
		user.SkillsOffered = cleanSkills(in.Skills)
	}
	if in.ServiceSeeking != nil {
		user.SkillsWanted = cleanSkills(in.ServiceSeeking)
	}

	var oldPublicID string
	if in.Image != nil {
		if s.media == nil {
			return nil, fmt.Errorf("media storage: %w", ErrNotConfigured)
		}
		uploaded, err := s.media.Upload(ctx, in.Image, FolderProfiles)
		if err != nil {
			return nil, err
		}
		if user.ProfileImage.PublicID != nil {
			oldPublicID = *user.ProfileImage.PublicID
		}
		user.ProfileImage = models.ProfileImage{URL: &uploaded.URL, PublicID: &uploaded.PublicID}
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE users SET name = $1, phone = $2, skills_offered = $3, skills_wanted = $4,
			profile_image_url = $5, profile_image_public_id = $6, updated_at = NOW()
		WHERE id = $7
	`, user.Name, user.Phone, user.SkillsOffered, user.SkillsWanted,
		user.ProfileImage.URL, user.ProfileImage.PublicID, userID)
	if isUniqueViolation(err) {
		return nil, newError(ErrConflict, "Phone number is already in use")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update profile: %w", err)
	}

	if oldPublicID != "" {
		_ = s.media.Destroy(ctx, oldPublicID)
	}

	return user, nil
}

// ChangePassword replaces the password after checking the old one
func (s *UserService) ChangePassword(ctx context.Context, userID, oldPassword, newPassword string) error {
	if oldPassword == "" || newPassword == "" {
		return newError(ErrInvalidInput, "Please provide both old and new passwords")
	}
	if len(newPassword) < MinPasswordLength {
		return newError(ErrInvalidInput, fmt.Sprintf("Password must be at least %d characters", MinPasswordLength))
	}
	user, err := getUser(ctx, s.db, "id", userID)
	if err != nil {
		return err
	}
	if !checkPassword(user.PasswordHash, oldPassword) {
		return newError(ErrInvalidInput, "Old password is incorrect")
	}
	return setPassword(ctx, s.db, userID, newPassword)
}

// SetPassword replaces the password without the old one (admin use)
func (s *UserService) SetPassword(ctx context.Context, userID, password string) error {
	if len(password) < MinPasswordLength {
		return newError(ErrInvalidInput, fmt.Sprintf("Password must be at least %d characters", MinPasswordLength))
	}
	return setPassword(ctx, s.db, userID, password)
}

// MarkVerified flags an account as verified (admin use)
func (s *UserService) MarkVerified(ctx context.Context, userID string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE users SET is_verified = TRUE, updated_at = NOW() WHERE id = $1", userID)
	if err != nil {
		return fmt.Errorf("failed to verify user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAccount removes the user and everything that references them
func (s *UserService) DeleteAccount(ctx context.Context, userID string) error {
	user, err := getUser(ctx, s.db, "id", userID)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM users WHERE id = $1", userID); err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	if s.media != nil && user.ProfileImage.PublicID != nil {
		_ = s.media.Destroy(ctx, *user.ProfileImage.PublicID)
	}
	s.logger.Info().Str("user_id", userID).Msg("Account deleted")
	return nil
}

// Search finds users by name or skill, hiding the caller and blocked users
func (s *UserService) Search(ctx context.Context, userID, query string, limit int) ([]models.UserSummary, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []models.UserSummary{}, nil
	}
	if limit <= 0 || limit > 50 {
		limit = 20
	}
	pattern := "%" + escapeLike(query) + "%"

	users := []models.User{}
	err := s.db.SelectContext(ctx, &users, `
		SELECT * FROM users u
		WHERE u.id <> $1 AND u.is_verified
		  AND (u.name ILIKE $2
		       OR EXISTS (SELECT 1 FROM unnest(u.skills_offered) sk WHERE sk ILIKE $2)
		       OR EXISTS (SELECT 1 FROM unnest(u.skills_wanted) sk WHERE sk ILIKE $2))
		  AND NOT EXISTS (
		       SELECT 1 FROM blocked_users b
		       WHERE (b.user_id = $1 AND b.blocked_id = u.id) OR (b.user_id = u.id AND b.blocked_id = $1))
		ORDER BY u.name
		LIMIT $3
	`, userID, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search users: %w", err)
	}

	out := make([]models.UserSummary, 0, len(users))
	for i := range users {
		out = append(out, users[i].Summary())
	}
	return out, nil
}

// SavePushToken stores the device's Expo push token
func (s *UserService) SavePushToken(ctx context.Context, userID, token string) error {
	if !expo.IsPushToken(token) {
		return newError(ErrInvalidInput, "Invalid Expo push token")
	}
	if _, err := s.db.ExecContext(ctx,
		"UPDATE users SET expo_push_token = $1, updated_at = NOW() WHERE id = $2", token, userID); err != nil {
		return fmt.Errorf("failed to save push token: %w", err)
	}
	return nil
}

// RemovePushToken clears the stored push token
func (s *UserService) RemovePushToken(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx,
		"UPDATE users SET expo_push_token = NULL, updated_at = NOW() WHERE id = $1", userID); err != nil {
		return fmt.Errorf("failed to remove push token: %w", err)
	}
	return nil
}

// PreferencesInput carries optional notification preference changes
type PreferencesInput struct {
	Email                 *bool
	Push                  *bool
	SubscriptionReminders *bool
}

// UpdateNotificationPreferences applies the provided toggles
func (s *UserService) UpdateNotificationPreferences(ctx context.Context, userID string, in PreferencesInput) (*models.NotificationPreferences, error) {
	var prefs models.NotificationPreferences
	err := s.db.GetContext(ctx, &prefs, `
		UPDATE users SET
			notify_email = COALESCE($1, notify_email),
			notify_push = COALESCE($2, notify_push),
			notify_subscription_reminders = COALESCE($3, notify_subscription_reminders),
			updated_at = NOW()
		WHERE id = $4
		RETURNING notify_email, notify_push, notify_subscription_reminders
	`, in.Email, in.Push, in.SubscriptionReminders, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update notification preferences: %w", err)
	}
	return &prefs, nil
}

// BlockUser hides another user from the caller and removes the friendship
func (s *UserService) BlockUser(ctx context.Context, userID, targetID string) error {
	if err := s.checkTarget(ctx, userID, targetID); err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO blocked_users (user_id, blocked_id) VALUES ($1, $2) ON CONFLICT DO NOTHING",
		userID, targetID); err != nil {
		return fmt.Errorf("failed to block user: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM friendships
		WHERE (user_id = $1 AND friend_id = $2) OR (user_id = $2 AND friend_id = $1)
	`, userID, targetID); err != nil {
		return fmt.Errorf("failed to remove friendship: %w", err)
	}

	return tx.Commit()
}

// UnblockUser lifts a block
func (s *UserService) UnblockUser(ctx context.Context, userID, targetID string) error {
	if _, err := uuid.Parse(targetID); err != nil {
		return newError(ErrInvalidInput, "Invalid user ID")
	}
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM blocked_users WHERE user_id = $1 AND blocked_id = $2", userID, targetID); err != nil {
		return fmt.Errorf("failed to unblock user: %w", err)
	}
	return nil
}

// BlockedUsers lists the users the caller has blocked
func (s *UserService) BlockedUsers(ctx context.Context, userID string) ([]models.UserSummary, error) {
	users := []models.User{}
	err := s.db.SelectContext(ctx, &users, `
		SELECT u.* FROM users u JOIN blocked_users b ON b.blocked_id = u.id
		WHERE b.user_id = $1 ORDER BY b.created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list blocked users: %w", err)
	}
	out := make([]models.UserSummary, 0, len(users))
	for i := range users {
		out = append(out, users[i].Summary())
	}
	return out, nil
}

// ReportUser files a moderation report
func (s *UserService) ReportUser(ctx context.Context, userID, targetID, reason, description string) (*models.Report, error) {
	if err := s.checkTarget(ctx, userID, targetID); err != nil {
		return nil, err
	}
	if !validReportReason(reason) {
		return nil, newError(ErrInvalidInput, "Invalid report reason")
	}
	if len([]rune(description)) > 500 {
		return nil, newError(ErrInvalidInput, "Description cannot exceed 500 characters")
	}

	report := models.Report{
		ID:             uuid.New().String(),
		ReporterID:     userID,
		ReportedUserID: targetID,
		Reason:         reason,
		Status:         "pending",
	}
	if description != "" {
		report.Description = &description
	}

	err := s.db.GetContext(ctx, &report.CreatedAt, `
		INSERT INTO reports (id, reporter_id, reported_user_id, reason, description, status)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING created_at
	`, report.ID, report.ReporterID, report.ReportedUserID, report.Reason, report.Description, report.Status)
	if err != nil {
		return nil, fmt.Errorf("failed to create report: %w", err)
	}

	s.logger.Info().Str("reporter", userID).Str("reported", targetID).Str("reason", reason).Msg("User reported")
	return &report, nil
}

// FindUsers matches users by email, name or phone (admin use)
func (s *UserService) FindUsers(ctx context.Context, query string) ([]models.User, error) {
	pattern := "%" + escapeLike(strings.TrimSpace(query)) + "%"
	users := []models.User{}
	err := s.db.SelectContext(ctx, &users, `
		SELECT * FROM users WHERE email ILIKE $1 OR name ILIKE $1 OR phone ILIKE $1
		ORDER BY created_at DESC LIMIT 50
	`, pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to find users: %w", err)
	}
	return users, nil
}

func (s *UserService) checkTarget(ctx context.Context, userID, targetID string) error {
	if _, err := uuid.Parse(targetID); err != nil {
		return newError(ErrInvalidInput, "Invalid user ID")
	}
	if userID == targetID {
		return newError(ErrInvalidInput, "You cannot do this to yourself")
	}
	var exists bool
	if err := s.db.GetContext(ctx, &exists, "SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)", targetID); err != nil {
		return fmt.Errorf("failed to find user: %w", err)
	}
	if !exists {
		return newError(ErrNotFound, "User not found")
	}
	return nil
}

func validReportReason(reason string) bool {
	for _, r := range models.ReportReasons {
		if r == reason {
			return true
		}
	}
	return false
}

// getUser loads one user by a unique column
func getUser(ctx context.Context, db sqlx.QueryerContext, column, value string) (*models.User, error) {
	switch column {
	case "id", "email", "phone", "clerk_id", "apple_user_id", "google_user_id", "stripe_customer_id":
	default:
		return nil, fmt.Errorf("unsupported user lookup column %q", column)
	}
	if value == "" {
		return nil, ErrNotFound
	}
	var user models.User
	err := sqlx.GetContext(ctx, db, &user, "SELECT * FROM users WHERE "+column+" = $1", value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

func linkIdentity(ctx context.Context, db sqlx.ExecerContext, column, subject, userID string) error {
	switch column {
	case "apple_user_id", "google_user_id":
	default:
		return fmt.Errorf("unsupported identity column %q", column)
	}
	_, err := db.ExecContext(ctx,
		"UPDATE users SET "+column+" = $1, is_verified = TRUE, updated_at = NOW() WHERE id = $2",
		subject, userID)
	if err != nil {
		return fmt.Errorf("failed to link identity: %w", err)
	}
	return nil
}

func isBlocked(ctx context.Context, db sqlx.QueryerContext, a, b string) (bool, error) {
	var blocked bool
	err := sqlx.GetContext(ctx, db, &blocked, `
		SELECT EXISTS(SELECT 1 FROM blocked_users
		WHERE (user_id = $1 AND blocked_id = $2) OR (user_id = $2 AND blocked_id = $1))
	`, a, b)
	if err != nil {
		return false, fmt.Errorf("failed to check block: %w", err)
	}
	return blocked, nil
}

const ratingQuery = `
	SELECT COALESCE(AVG(r), 0) AS rating, COUNT(r) AS review_count FROM (
		SELECT requester_rating AS r FROM barters
		WHERE accepter_id = $1 AND status = 'completed' AND requester_rating IS NOT NULL
		UNION ALL
		SELECT accepter_rating AS r FROM barters
		WHERE requester_id = $1 AND status = 'completed' AND accepter_rating IS NOT NULL
	) given`

// fillRating sets the mean rating other users gave on completed barters
func fillRating(ctx context.Context, db sqlx.QueryerContext, summary *models.UserSummary) error {
	var row struct {
		Rating      float64 `db:"rating"`
		ReviewCount int     `db:"review_count"`
	}
	if err := sqlx.GetContext(ctx, db, &row, ratingQuery, summary.ID); err != nil {
		return fmt.Errorf("failed to compute rating: %w", err)
	}
	summary.Rating = row.Rating
	summary.ReviewCount = row.ReviewCount
	return nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
