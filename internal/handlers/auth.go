package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/booali/atc-api/internal/services"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// RegisterAuthHandlers registers all auth-related routes
func RegisterAuthHandlers(r *gin.Engine, authService *services.AuthService, authn *Authenticator, limiter *RateLimiter, logger zerolog.Logger) {
	handler := &authHandler{
		authService: authService,
		logger:      logger.With().Str("handler", "auth").Logger(),
	}

	auth := r.Group("/api/auth")
	public := auth.Group("", limiter.Middleware())
	{
		public.POST("/register", handler.register)
		public.POST("/verify-otp", handler.verifyOTP)
		public.POST("/resend-otp", handler.resendOTP)
		public.POST("/login", handler.login)
		public.POST("/oauth-login", handler.oauthLogin)
		public.POST("/apple-signin", handler.appleSignIn)
		public.POST("/google-signin", handler.googleSignIn)
		public.POST("/forgot-password", handler.forgotPassword)
		public.POST("/reset-password", handler.resetPassword)
	}

	protected := auth.Group("", authn.Required())
	{
		protected.POST("/complete-profile", handler.completeProfile)
		protected.GET("/profile", handler.profile)
		protected.POST("/logout", handler.logout)
	}
}

type authHandler struct {
	authService *services.AuthService
	logger      zerolog.Logger
}

func (h *authHandler) signedIn(c *gin.Context, message string, result *services.AuthResult) {
	ok(c, gin.H{
		"message":   message,
		"token":     result.Token,
		"user":      result.User.ToResponse(),
		"isNewUser": result.IsNewUser,
	})
}

func (h *authHandler) register(c *gin.Context) {
	var req struct {
		Name     string `json:"name" binding:"required"`
		Email    string `json:"email" binding:"required,email"`
		Phone    string `json:"phone" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if !bind(c, &req) {
		return
	}

	userID, err := h.authService.Register(c.Request.Context(), services.RegisterInput{
		Name: req.Name, Email: req.Email, Phone: req.Phone, Password: req.Password,
	})
	if err != nil {
		respondError(c, h.logger, err, "Registration failed")
		return
	}

	ok(c, gin.H{"message": "OTP sent successfully to your email", "userId": userID})
}

func (h *authHandler) verifyOTP(c *gin.Context) {
	var req struct {
		UserID string `json:"userId" binding:"required"`
		OTP    string `json:"otp" binding:"required"`
	}
	if !bind(c, &req) {
		return
	}

	result, err := h.authService.VerifyOTP(c.Request.Context(), req.UserID, req.OTP)
	if err != nil {
		respondError(c, h.logger, err, "OTP verification failed")
		return
	}

	ok(c, gin.H{
		"message":  "OTP verified successfully",
		"token":    result.Token,
		"user":     result.User.ToResponse(),
		"nextStep": "complete-profile",
	})
}

func (h *authHandler) resendOTP(c *gin.Context) {
	var req struct {
		UserID string `json:"userId" binding:"required"`
	}
	if !bind(c, &req) {
		return
	}
	if err := h.authService.ResendOTP(c.Request.Context(), req.UserID); err != nil {
		respondError(c, h.logger, err, "Failed to resend OTP")
		return
	}
	ok(c, gin.H{"message": "OTP sent successfully to your email"})
}

func (h *authHandler) login(c *gin.Context) {
	var req struct {
		Email    string `json:"email"`
		Phone    string `json:"phone"`
		Password string `json:"password" binding:"required"`
	}
	if !bind(c, &req) {
		return
	}

	result, err := h.authService.Login(c.Request.Context(), req.Email, req.Phone, req.Password)
	if err != nil {
		respondError(c, h.logger, err, "Login failed")
		return
	}
	h.signedIn(c, "Login successful", result)
}

func (h *authHandler) oauthLogin(c *gin.Context) {
	var req struct {
		Email    string `json:"email" binding:"required"`
		ClerkID  string `json:"clerkId"`
		Provider string `json:"provider"`
		Name     string `json:"name"`
	}
	if !bind(c, &req) {
		return
	}

	result, err := h.authService.OAuthLogin(c.Request.Context(), services.OAuthInput{
		Email: req.Email, ClerkID: req.ClerkID, Provider: req.Provider, Name: req.Name,
	})
	if err != nil {
		respondError(c, h.logger, err, "OAuth login failed")
		return
	}
	h.signedIn(c, "OAuth login successful", result)
}

func (h *authHandler) appleSignIn(c *gin.Context) {
	var req struct {
		IdentityToken string `json:"identityToken" binding:"required"`
		User          string `json:"user" binding:"required"`
		Email         string `json:"email"`
		FullName      struct {
			GivenName  string `json:"givenName"`
			FamilyName string `json:"familyName"`
		} `json:"fullName"`
	}
	if !bind(c, &req) {
		return
	}

	fullName := req.FullName.GivenName
	if req.FullName.FamilyName != "" {
		if fullName != "" {
			fullName += " "
		}
		fullName += req.FullName.FamilyName
	}

	result, err := h.authService.AppleSignIn(c.Request.Context(), services.AppleInput{
		IdentityToken: req.IdentityToken,
		AppleUserID:   req.User,
		Email:         req.Email,
		FullName:      fullName,
	})
	if err != nil {
		respondError(c, h.logger, err, "Apple Sign In failed")
		return
	}

	message := "Login successful"
	if result.IsNewUser {
		message = "Account created successfully"
	}
	h.signedIn(c, message, result)
}

func (h *authHandler) googleSignIn(c *gin.Context) {
	var req struct {
		IDToken string `json:"idToken" binding:"required"`
		Name    string `json:"name"`
	}
	if !bind(c, &req) {
		return
	}

	result, err := h.authService.GoogleSignIn(c.Request.Context(), req.IDToken, req.Name)
	if err != nil {
		respondError(c, h.logger, err, "Google Sign In failed")
		return
	}
	h.signedIn(c, "Login successful", result)
}

func (h *authHandler) forgotPassword(c *gin.Context) {
	var req struct {
		Email string `json:"email" binding:"required"`
	}
	if !bind(c, &req) {
		return
	}
	if err := h.authService.ForgotPassword(c.Request.Context(), req.Email); err != nil {
		respondError(c, h.logger, err, "Failed to send reset OTP")
		return
	}
	ok(c, gin.H{"message": "If an account exists with this email, a reset code has been sent"})
}

func (h *authHandler) resetPassword(c *gin.Context) {
	var req struct {
		Email       string `json:"email" binding:"required"`
		OTP         string `json:"otp" binding:"required"`
		NewPassword string `json:"newPassword" binding:"required"`
	}
	if !bind(c, &req) {
		return
	}
	if err := h.authService.ResetPassword(c.Request.Context(), req.Email, req.OTP, req.NewPassword); err != nil {
		respondError(c, h.logger, err, "Failed to reset password")
		return
	}
	ok(c, gin.H{"message": "Password reset successfully"})
}

func (h *authHandler) completeProfile(c *gin.Context) {
	in := services.ProfileInput{
		Skills:         c.PostFormArray("skills"),
		ServiceSeeking: c.PostFormArray("serviceSeeking"),
	}

	image, closeImage, err := formFile(c, "profileImage")
	if err != nil {
		fail(c, http.StatusBadRequest, "Invalid profile image")
		return
	}
	defer closeImage()
	in.Image = image

	result, err := h.authService.CompleteProfile(c.Request.Context(), currentUser(c).ID, in)
	if err != nil {
		respondError(c, h.logger, err, "Failed to complete profile")
		return
	}
	ok(c, gin.H{"message": "Profile completed successfully", "user": result.User.ToResponse()})
}

func (h *authHandler) profile(c *gin.Context) {
	ok(c, gin.H{"user": currentUser(c).ToResponse()})
}

func (h *authHandler) logout(c *gin.Context) {
	if err := h.authService.Logout(c.Request.Context(), currentClaims(c)); err != nil {
		respondError(c, h.logger, err, "Logout failed")
		return
	}
	ok(c, gin.H{"message": "Logged out successfully"})
}

// formFile opens an optional multipart upload. The reader is nil when the
// field is absent.
func formFile(c *gin.Context, field string) (io.Reader, func(), error) {
	header, err := c.FormFile(field)
	if errors.Is(err, http.ErrMissingFile) || errors.Is(err, http.ErrNotMultipart) {
		return nil, func() {}, nil
	}
	if err != nil {
		return nil, func() {}, err
	}
	file, err := header.Open()
	if err != nil {
		return nil, func() {}, err
	}
	return file, func() { file.Close() }, nil
}
