package services

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
	"time"

	"github.com/booali/atc-api/internal/database"
	"github.com/booali/atc-api/internal/models"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

const bcryptCost = 12

// MinPasswordLength is the shortest accepted password
const MinPasswordLength = 6

// AuthService handles registration, login and third-party sign-in
type AuthService struct {
	db     *sqlx.DB
	store  KeyValueStore
	tokens *TokenService
	mailer Mailer
	media  MediaStore
	apple  IdentityVerifier
	google IdentityVerifier
	otpTTL time.Duration
	logger zerolog.Logger
}

// AuthDeps groups the collaborators of the auth service
type AuthDeps struct {
	Store  KeyValueStore
	Tokens *TokenService
	Mailer Mailer
	Media  MediaStore
	Apple  IdentityVerifier
	Google IdentityVerifier
	OTPTTL time.Duration
}

// NewAuthService creates a new auth service
func NewAuthService(db *sqlx.DB, deps AuthDeps, logger zerolog.Logger) *AuthService {
	ttl := deps.OTPTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &AuthService{
		db:     db,
		store:  deps.Store,
		tokens: deps.Tokens,
		mailer: deps.Mailer,
		media:  deps.Media,
		apple:  deps.Apple,
		google: deps.Google,
		otpTTL: ttl,
		logger: logger.With().Str("service", "auth").Logger(),
	}
}

// AuthResult is a signed-in user with a fresh session token
type AuthResult struct {
	Token     string
	User      *models.User
	IsNewUser bool
}

// RegisterInput is the sign-up form
type RegisterInput struct {
	Name     string
	Email    string
	Phone    string
	Password string
}

// Register creates an unverified account and emails an OTP. The account is
// removed again when the email cannot be delivered.
func (s *AuthService) Register(ctx context.Context, in RegisterInput) (string, error) {
	email := normalizeEmail(in.Email)
	if in.Name == "" || email == "" || in.Phone == "" {
		return "", newError(ErrInvalidInput, "Name, email and phone are required")
	}
	if len(in.Password) < MinPasswordLength {
		return "", newError(ErrInvalidInput, fmt.Sprintf("Password must be at least %d characters", MinPasswordLength))
	}

	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM users WHERE email = $1 OR phone = $2)", email, in.Phone)
	if err != nil {
		return "", fmt.Errorf("failed to check existing user: %w", err)
	}
	if exists {
		return "", newError(ErrInvalidInput, "User with this email or phone already exists")
	}

	hash, err := hashPassword(in.Password)
	if err != nil {
		return "", err
	}

	id := uuid.New().String()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, email, phone, password_hash, auth_provider)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, id, in.Name, email, in.Phone, hash, models.AuthProviderEmail)
	if isUniqueViolation(err) {
		return "", newError(ErrInvalidInput, "User with this email or phone already exists")
	}
	if err != nil {
		return "", fmt.Errorf("failed to create user: %w", err)
	}

	code, err := s.issueOTP(ctx, registerOTPKey(id))
	if err != nil {
		s.deleteUser(ctx, id)
		return "", err
	}

	if err := s.mailer.SendRegistrationOTP(ctx, email, in.Name, code); err != nil {
		s.logger.Error().Err(err).Str("user_id", id).Msg("Registration OTP email failed, removing user")
		s.deleteUser(ctx, id)
		_ = s.store.Delete(ctx, registerOTPKey(id))
		return "", newError(nil, "Failed to send OTP email. Please try again.")
	}

	return id, nil
}

// VerifyOTP marks the account verified and signs the user in
func (s *AuthService) VerifyOTP(ctx context.Context, userID, code string) (*AuthResult, error) {
	user, err := getUser(ctx, s.db, "id", userID)
	if errors.Is(err, ErrNotFound) {
		return nil, newError(ErrInvalidInput, "User not found")
	}
	if err != nil {
		return nil, err
	}

	if err := s.checkOTP(ctx, registerOTPKey(userID), code); err != nil {
		return nil, err
	}

	if _, err := s.db.ExecContext(ctx,
		"UPDATE users SET is_verified = TRUE, updated_at = NOW() WHERE id = $1", userID); err != nil {
		return nil, fmt.Errorf("failed to verify user: %w", err)
	}
	_ = s.store.Delete(ctx, registerOTPKey(userID))
	user.IsVerified = true

	return s.signIn(user, false)
}

// ResendOTP issues a fresh verification code for an unverified account
func (s *AuthService) ResendOTP(ctx context.Context, userID string) error {
	user, err := getUser(ctx, s.db, "id", userID)
	if err != nil {
		return err
	}
	if user.IsVerified {
		return newError(ErrInvalidInput, "Account is already verified")
	}
	code, err := s.issueOTP(ctx, registerOTPKey(userID))
	if err != nil {
		return err
	}
	if err := s.mailer.SendRegistrationOTP(ctx, user.Email, user.Name, code); err != nil {
		return newError(nil, "Failed to send OTP email. Please try again.")
	}
	return nil
}

// Login authenticates by email or phone and password
func (s *AuthService) Login(ctx context.Context, email, phone, password string) (*AuthResult, error) {
	email = normalizeEmail(email)
	if email == "" && phone == "" {
		return nil, newError(ErrInvalidInput, "Email or phone is required")
	}

	var user models.User
	err := s.db.GetContext(ctx, &user,
		"SELECT * FROM users WHERE ($1 <> '' AND email = $1) OR ($2 <> '' AND phone = $2) LIMIT 1",
		email, phone)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, newError(ErrInvalidInput, "Invalid credentials")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}

	if !user.IsVerified {
		return nil, newError(ErrInvalidInput, "Please verify your account first")
	}
	if !checkPassword(user.PasswordHash, password) {
		return nil, newError(ErrInvalidInput, "Invalid credentials")
	}

	return s.signIn(&user, false)
}

// OAuthInput is the identity forwarded by the mobile client after OAuth
type OAuthInput struct {
	Email    string
	ClerkID  string
	Provider string
	Name     string
}

// NormalizeProvider maps a provider label to a known auth provider
func NormalizeProvider(provider string) string {
	p := strings.ToLower(provider)
	switch {
	case strings.Contains(p, "google"):
		return models.AuthProviderGoogle
	case strings.Contains(p, "apple"):
		return models.AuthProviderApple
	case strings.Contains(p, "facebook"):
		return models.AuthProviderFacebook
	default:
		return models.AuthProviderOAuth
	}
}

// OAuthLogin finds or creates a pre-verified account for an OAuth identity
func (s *AuthService) OAuthLogin(ctx context.Context, in OAuthInput) (*AuthResult, error) {
	email := normalizeEmail(in.Email)
	if email == "" {
		return nil, newError(ErrInvalidInput, "Email is required")
	}
	provider := NormalizeProvider(in.Provider)
	name := in.Name
	if name == "" {
		name = strings.SplitN(email, "@", 2)[0]
	}

	var user models.User
	err := s.db.GetContext(ctx, &user,
		"SELECT * FROM users WHERE email = $1 OR ($2 <> '' AND clerk_id = $2) LIMIT 1",
		email, in.ClerkID)
	if errors.Is(err, sql.ErrNoRows) {
		created, err := s.createOAuthUser(ctx, name, email, provider, "clerk_id", in.ClerkID)
		if err != nil {
			return nil, err
		}
		return s.signIn(created, true)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}

	// Backfill identity fields without overwriting what is already set
	updated := user
	if in.ClerkID != "" && user.ClerkID == nil {
		updated.ClerkID = &in.ClerkID
	}
	if user.AuthProvider == "" || user.AuthProvider == models.AuthProviderEmail {
		updated.AuthProvider = provider
	}
	if user.Name == "" {
		updated.Name = name
	}
	updated.IsVerified = true

	_, err = s.db.ExecContext(ctx, `
		UPDATE users SET clerk_id = $1, auth_provider = $2, name = $3, is_verified = TRUE, updated_at = NOW()
		WHERE id = $4
	`, updated.ClerkID, updated.AuthProvider, updated.Name, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to update oauth user: %w", err)
	}

	return s.signIn(&updated, false)
}

// AppleInput is the payload of a Sign in with Apple request
type AppleInput struct {
	IdentityToken string
	AppleUserID   string
	Email         string
	FullName      string
}

// AppleSignIn verifies an Apple identity token and signs the user in,
// linking by a verified token email or creating the account when needed
func (s *AuthService) AppleSignIn(ctx context.Context, in AppleInput) (*AuthResult, error) {
	if in.IdentityToken == "" || in.AppleUserID == "" {
		return nil, newError(ErrInvalidInput, "Identity token and Apple user ID are required")
	}
	identity, err := s.apple.Verify(ctx, in.IdentityToken)
	if err != nil {
		return nil, err
	}
	if identity.Email == "" {
		// client-supplied, so it can name an account but never link one
		identity.Email = in.Email
		identity.EmailVerified = false
	}
	if identity.Name == "" {
		identity.Name = in.FullName
	}
	if identity.Name == "" {
		identity.Name = "Apple User"
	}
	return s.providerSignIn(ctx, "apple_user_id", models.AuthProviderApple, identity,
		"Email is required for first-time Apple Sign In. Please try again or use a different sign-in method.")
}

// GoogleSignIn verifies a Google ID token and signs the user in
func (s *AuthService) GoogleSignIn(ctx context.Context, idToken, name string) (*AuthResult, error) {
	if idToken == "" {
		return nil, newError(ErrInvalidInput, "ID token is required")
	}
	identity, err := s.google.Verify(ctx, idToken)
	if err != nil {
		return nil, err
	}
	if identity.Name == "" {
		identity.Name = name
	}
	if identity.Name == "" && identity.Email != "" {
		identity.Name = strings.SplitN(identity.Email, "@", 2)[0]
	}
	return s.providerSignIn(ctx, "google_user_id", models.AuthProviderGoogle, identity,
		"Email is required for first-time Google Sign In.")
}

func (s *AuthService) providerSignIn(ctx context.Context, column, provider string, identity *IdentityClaims, emailRequired string) (*AuthResult, error) {
	user, err := getUser(ctx, s.db, column, identity.Subject)
	if err == nil {
		return s.signIn(user, false)
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	email := normalizeEmail(identity.Email)
	if email == "" {
		return nil, newError(ErrInvalidInput, emailRequired)
	}

	user, err = getUser(ctx, s.db, "email", email)
	if err == nil {
		if !identity.EmailVerified {
			s.logger.Warn().Str("user_id", user.ID).Str("provider", provider).Msg("Refusing to link unverified provider email")
			return nil, newError(ErrConflict, "An account with this email already exists. Sign in with your password to continue.")
		}
		if err := linkIdentity(ctx, s.db, column, identity.Subject, user.ID); err != nil {
			return nil, err
		}
		user.IsVerified = true
		s.logger.Info().Str("user_id", user.ID).Str("provider", provider).Msg("Linked provider identity to existing user")
		return s.signIn(user, false)
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	created, err := s.createOAuthUser(ctx, identity.Name, email, provider, column, identity.Subject)
	if err != nil {
		return nil, err
	}
	return s.signIn(created, true)
}

// ForgotPassword emails a reset code. It never reveals whether the account exists.
func (s *AuthService) ForgotPassword(ctx context.Context, email string) error {
	email = normalizeEmail(email)
	user, err := getUser(ctx, s.db, "email", email)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	code, err := s.issueOTP(ctx, resetOTPKey(email))
	if err != nil {
		return err
	}
	if err := s.mailer.SendResetPasswordOTP(ctx, email, user.Name, code); err != nil {
		s.logger.Error().Err(err).Str("user_id", user.ID).Msg("Reset OTP email failed")
		_ = s.store.Delete(ctx, resetOTPKey(email))
		return newError(nil, "Failed to send reset OTP email. Please try again.")
	}
	return nil
}

// ResetPassword sets a new password after checking the emailed code
func (s *AuthService) ResetPassword(ctx context.Context, email, code, newPassword string) error {
	email = normalizeEmail(email)
	if len(newPassword) < MinPasswordLength {
		return newError(ErrInvalidInput, fmt.Sprintf("Password must be at least %d characters", MinPasswordLength))
	}
	user, err := getUser(ctx, s.db, "email", email)
	if errors.Is(err, ErrNotFound) {
		return newError(ErrNotFound, "User not found")
	}
	if err != nil {
		return err
	}

	if err := s.checkOTP(ctx, resetOTPKey(email), code); err != nil {
		return err
	}

	if err := setPassword(ctx, s.db, user.ID, newPassword); err != nil {
		return err
	}
	_ = s.store.Delete(ctx, resetOTPKey(email))
	return nil
}

// ProfileInput is the onboarding form submitted after verification
type ProfileInput struct {
	Skills         []string
	ServiceSeeking []string
	Image          io.Reader
}

// CompleteProfile stores skills and an optional profile image
func (s *AuthService) CompleteProfile(ctx context.Context, userID string, in ProfileInput) (*AuthResult, error) {
	user, err := getUser(ctx, s.db, "id", userID)
	if err != nil {
		return nil, err
	}

	if in.Image != nil {
		if s.media == nil {
			return nil, fmt.Errorf("media storage: %w", ErrNotConfigured)
		}
		uploaded, err := s.media.Upload(ctx, in.Image, FolderProfiles)
		if err != nil {
			return nil, err
		}
		user.ProfileImage = models.ProfileImage{URL: &uploaded.URL, PublicID: &uploaded.PublicID}
	}
	user.SkillsOffered = cleanSkills(in.Skills)
	user.SkillsWanted = cleanSkills(in.ServiceSeeking)

	_, err = s.db.ExecContext(ctx, `
		UPDATE users SET skills_offered = $1, skills_wanted = $2,
			profile_image_url = $3, profile_image_public_id = $4, updated_at = NOW()
		WHERE id = $5
	`, user.SkillsOffered, user.SkillsWanted, user.ProfileImage.URL, user.ProfileImage.PublicID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to complete profile: %w", err)
	}

	return s.signIn(user, false)
}

// Logout revokes the presented session token
func (s *AuthService) Logout(ctx context.Context, claims *Claims) error {
	return s.tokens.Revoke(ctx, claims)
}

func (s *AuthService) signIn(user *models.User, isNew bool) (*AuthResult, error) {
	token, err := s.tokens.Issue(user.ID)
	if err != nil {
		return nil, err
	}
	return &AuthResult{Token: token, User: user, IsNewUser: isNew}, nil
}

func (s *AuthService) createOAuthUser(ctx context.Context, name, email, provider, idColumn, providerID string) (*models.User, error) {
	id := uuid.New().String()
	var clerkID, appleID, googleID *string
	if providerID != "" {
		switch idColumn {
		case "clerk_id":
			clerkID = &providerID
		case "apple_user_id":
			appleID = &providerID
		case "google_user_id":
			googleID = &providerID
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, email, clerk_id, apple_user_id, google_user_id, auth_provider, is_verified)
		VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE)
	`, id, name, email, clerkID, appleID, googleID, provider)
	if isUniqueViolation(err) {
		// lost a race with a concurrent sign-in for the same email
		return getUser(ctx, s.db, "email", email)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	s.logger.Info().Str("user_id", id).Str("provider", provider).Msg("Created user from provider sign-in")
	return getUser(ctx, s.db, "id", id)
}

func (s *AuthService) deleteUser(ctx context.Context, id string) {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM users WHERE id = $1", id); err != nil {
		s.logger.Error().Err(err).Str("user_id", id).Msg("Failed to remove user")
	}
}

func (s *AuthService) issueOTP(ctx context.Context, key string) (string, error) {
	code, err := generateOTP()
	if err != nil {
		return "", err
	}
	if err := s.store.Set(ctx, key, code, s.otpTTL); err != nil {
		return "", fmt.Errorf("failed to store otp: %w", err)
	}
	return code, nil
}

func (s *AuthService) checkOTP(ctx context.Context, key, code string) error {
	stored, err := s.store.Get(ctx, key)
	if errors.Is(err, database.ErrCacheMiss) {
		return newError(ErrInvalidInput, "OTP has expired")
	}
	if err != nil {
		return fmt.Errorf("failed to read otp: %w", err)
	}
	if code == "" || stored != code {
		return newError(ErrInvalidInput, "Invalid OTP")
	}
	return nil
}

func registerOTPKey(userID string) string { return "otp:register:" + userID }
func resetOTPKey(email string) string     { return "otp:reset:" + email }

func generateOTP() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", fmt.Errorf("failed to generate otp: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()+100000), nil
}

func hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

func checkPassword(hash *string, password string) bool {
	if hash == nil || *hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(*hash), []byte(password)) == nil
}

func setPassword(ctx context.Context, db sqlx.ExecerContext, userID, password string) error {
	hash, err := hashPassword(password)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx,
		"UPDATE users SET password_hash = $1, updated_at = NOW() WHERE id = $2", hash, userID); err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func cleanSkills(skills []string) pq.StringArray {
	out := pq.StringArray{}
	for _, skill := range skills {
		for _, part := range strings.Split(skill, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
