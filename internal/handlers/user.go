package handlers

import (
	"net/http"
	"strconv"

	"github.com/booali/atc-api/internal/services"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// RegisterUserHandlers registers the account and social routes under /api/user
func RegisterUserHandlers(r *gin.Engine, userService *services.UserService, authService *services.AuthService, ledger *services.LedgerService, authn *Authenticator, logger zerolog.Logger) {
	handler := &userHandler{
		userService: userService,
		authService: authService,
		ledger:      ledger,
		logger:      logger.With().Str("handler", "user").Logger(),
	}

	user := r.Group("/api/user")
	user.Use(authn.Required())
	{
		user.GET("/profile", handler.getProfile)
		user.GET("/profile/:userId", handler.getUserByID)
		user.PUT("/edit-profile", handler.editProfile)
		user.PUT("/change-password", handler.changePassword)
		user.POST("/logout", handler.logout)
		user.DELETE("/delete-account", handler.deleteAccount)
		user.GET("/search", handler.search)
		user.POST("/push-token", handler.savePushToken)
		user.DELETE("/push-token", handler.removePushToken)
		user.PUT("/notification-preferences", handler.updatePreferences)
		user.POST("/block/:userId", handler.block)
		user.POST("/unblock/:userId", handler.unblock)
		user.GET("/blocked", handler.blocked)
		user.POST("/report", handler.report)
		user.GET("/credits/history", handler.creditHistory)
	}
}

type userHandler struct {
	userService *services.UserService
	authService *services.AuthService
	ledger      *services.LedgerService
	logger      zerolog.Logger
}

func (h *userHandler) getProfile(c *gin.Context) {
	user := currentUser(c)
	ok(c, gin.H{
		"user":                    user.ToResponse(),
		"subscription":            user.Subscription,
		"notificationPreferences": user.NotificationPreferences,
	})
}

func (h *userHandler) getUserByID(c *gin.Context) {
	summary, err := h.userService.GetPublicProfile(c.Request.Context(), currentUser(c).ID, c.Param("userId"))
	if err != nil {
		respondError(c, h.logger, err, "Failed to get user")
		return
	}
	ok(c, gin.H{"user": summary})
}

func (h *userHandler) editProfile(c *gin.Context) {
	in := services.EditProfileInput{}
	if name, found := c.GetPostForm("name"); found {
		in.Name = &name
	}
	if phone, found := c.GetPostForm("phone"); found {
		in.Phone = &phone
	}
	if skills, found := c.GetPostFormArray("skills"); found {
		in.Skills = skills
	}
	if seeking, found := c.GetPostFormArray("serviceSeeking"); found {
		in.ServiceSeeking = seeking
	}

	image, closeImage, err := formFile(c, "profileImage")
	if err != nil {
		fail(c, http.StatusBadRequest, "Invalid profile image")
		return
	}
	defer closeImage()
	in.Image = image

	user, err := h.userService.EditProfile(c.Request.Context(), currentUser(c).ID, in)
	if err != nil {
		respondError(c, h.logger, err, "Failed to update profile")
		return
	}
	ok(c, gin.H{"message": "Profile updated successfully", "user": user.ToResponse()})
}

func (h *userHandler) changePassword(c *gin.Context) {
	var req struct {
		OldPassword string `json:"oldPassword"`
		NewPassword string `json:"newPassword"`
	}
	if !bind(c, &req) {
		return
	}
	if err := h.userService.ChangePassword(c.Request.Context(), currentUser(c).ID, req.OldPassword, req.NewPassword); err != nil {
		respondError(c, h.logger, err, "Failed to change password")
		return
	}
	ok(c, gin.H{"message": "Password changed successfully"})
}

func (h *userHandler) logout(c *gin.Context) {
	if err := h.authService.Logout(c.Request.Context(), currentClaims(c)); err != nil {
		respondError(c, h.logger, err, "Logout failed")
		return
	}
	ok(c, gin.H{"message": "Logged out successfully"})
}

func (h *userHandler) deleteAccount(c *gin.Context) {
	if err := h.userService.DeleteAccount(c.Request.Context(), currentUser(c).ID); err != nil {
		respondError(c, h.logger, err, "Failed to delete account")
		return
	}
	ok(c, gin.H{"message": "Account deleted successfully"})
}

func (h *userHandler) search(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	users, err := h.userService.Search(c.Request.Context(), currentUser(c).ID, c.Query("query"), limit)
	if err != nil {
		respondError(c, h.logger, err, "Failed to search users")
		return
	}
	ok(c, gin.H{"users": users, "count": len(users)})
}

func (h *userHandler) savePushToken(c *gin.Context) {
	var req struct {
		PushToken string `json:"pushToken" binding:"required"`
	}
	if !bind(c, &req) {
		return
	}
	if err := h.userService.SavePushToken(c.Request.Context(), currentUser(c).ID, req.PushToken); err != nil {
		respondError(c, h.logger, err, "Failed to save push token")
		return
	}
	ok(c, gin.H{"message": "Push token saved successfully"})
}

func (h *userHandler) removePushToken(c *gin.Context) {
	if err := h.userService.RemovePushToken(c.Request.Context(), currentUser(c).ID); err != nil {
		respondError(c, h.logger, err, "Failed to remove push token")
		return
	}
	ok(c, gin.H{"message": "Push token removed successfully"})
}

func (h *userHandler) updatePreferences(c *gin.Context) {
	var req struct {
		Email                 *bool `json:"email"`
		Push                  *bool `json:"push"`
		SubscriptionReminders *bool `json:"subscriptionReminders"`
	}
	if !bind(c, &req) {
		return
	}
	prefs, err := h.userService.UpdateNotificationPreferences(c.Request.Context(), currentUser(c).ID, services.PreferencesInput{
		Email: req.Email, Push: req.Push, SubscriptionReminders: req.SubscriptionReminders,
	})
	if err != nil {
		respondError(c, h.logger, err, "Failed to update notification preferences")
		return
	}
	ok(c, gin.H{"message": "Notification preferences updated", "notificationPreferences": prefs})
}

func (h *userHandler) block(c *gin.Context) {
	if err := h.userService.BlockUser(c.Request.Context(), currentUser(c).ID, c.Param("userId")); err != nil {
		respondError(c, h.logger, err, "Failed to block user")
		return
	}
	ok(c, gin.H{"message": "User blocked successfully"})
}

func (h *userHandler) unblock(c *gin.Context) {
	if err := h.userService.UnblockUser(c.Request.Context(), currentUser(c).ID, c.Param("userId")); err != nil {
		respondError(c, h.logger, err, "Failed to unblock user")
		return
	}
	ok(c, gin.H{"message": "User unblocked successfully"})
}

func (h *userHandler) blocked(c *gin.Context) {
	users, err := h.userService.BlockedUsers(c.Request.Context(), currentUser(c).ID)
	if err != nil {
		respondError(c, h.logger, err, "Failed to get blocked users")
		return
	}
	ok(c, gin.H{"blockedUsers": users})
}

func (h *userHandler) report(c *gin.Context) {
	var req struct {
		ReportedUserID string `json:"reportedUserId" binding:"required"`
		Reason         string `json:"reason" binding:"required"`
		Description    string `json:"description" binding:"max=500"`
	}
	if !bind(c, &req) {
		return
	}
	report, err := h.userService.ReportUser(c.Request.Context(), currentUser(c).ID, req.ReportedUserID, req.Reason, req.Description)
	if err != nil {
		respondError(c, h.logger, err, "Failed to submit report")
		return
	}
	ok(c, gin.H{"message": "Report submitted successfully", "report": report})
}

func (h *userHandler) creditHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	userID := currentUser(c).ID
	entries, err := h.ledger.History(c.Request.Context(), userID, limit)
	if err != nil {
		respondError(c, h.logger, err, "Failed to get credit history")
		return
	}
	ok(c, gin.H{"credits": currentUser(c).Credits, "history": entries})
}
