package handlers

import (
	"github.com/booali/atc-api/internal/services"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// RegisterBarterHandlers registers friend request and barter routes under /api/barter
func RegisterBarterHandlers(r *gin.Engine, friends *services.FriendService, barters *services.BarterService, authn *Authenticator, logger zerolog.Logger) {
	handler := &barterHandler{
		friends: friends,
		barters: barters,
		logger:  logger.With().Str("handler", "barter").Logger(),
	}

	barter := r.Group("/api/barter")
	barter.Use(authn.Required())
	{
		barter.POST("/friend-request", handler.sendFriendRequest)
		barter.PUT("/friend-request/:requestId/accept", handler.acceptFriendRequest)
		barter.GET("/friend-requests/pending", handler.pendingFriendRequests)
		barter.GET("/friend-requests", handler.allFriendRequests)
		barter.GET("/friends", handler.friendList)

		barter.POST("/barter", handler.propose)
		barter.PUT("/barter/complete", handler.complete)
		barter.PUT("/barter/:barterId/accept", handler.accept)
		barter.PUT("/barter/:barterId/cancel", handler.cancel)
		barter.GET("/barter/:barterId", handler.get)
		barter.GET("/trades", handler.trades)
		barter.GET("/pending", handler.pendingBarters)
		barter.GET("/suggestions", handler.suggestions)
	}
}

type barterHandler struct {
	friends *services.FriendService
	barters *services.BarterService
	logger  zerolog.Logger
}

func (h *barterHandler) sendFriendRequest(c *gin.Context) {
	var req struct {
		ToUserID string `json:"toUserId" binding:"required"`
	}
	if !bind(c, &req) {
		return
	}

	request, err := h.friends.SendRequest(c.Request.Context(), currentUser(c).ID, req.ToUserID)
	if err != nil {
		respondError(c, h.logger, err, "Failed to send friend request")
		return
	}
	ok(c, gin.H{"message": "Friend request sent successfully", "friendRequest": request})
}

func (h *barterHandler) acceptFriendRequest(c *gin.Context) {
	if err := h.friends.AcceptRequest(c.Request.Context(), currentUser(c).ID, c.Param("requestId")); err != nil {
		respondError(c, h.logger, err, "Failed to accept friend request")
		return
	}
	ok(c, gin.H{"message": "Friend request accepted"})
}

func (h *barterHandler) pendingFriendRequests(c *gin.Context) {
	requests, err := h.friends.PendingReceived(c.Request.Context(), currentUser(c).ID)
	if err != nil {
		respondError(c, h.logger, err, "Failed to get friend requests")
		return
	}
	ok(c, gin.H{"friendRequests": requests})
}

func (h *barterHandler) allFriendRequests(c *gin.Context) {
	received, sent, err := h.friends.PendingAll(c.Request.Context(), currentUser(c).ID)
	if err != nil {
		respondError(c, h.logger, err, "Failed to get friend requests")
		return
	}
	ok(c, gin.H{"receivedRequests": received, "sentRequests": sent})
}

func (h *barterHandler) friendList(c *gin.Context) {
	friends, err := h.friends.Friends(c.Request.Context(), currentUser(c).ID)
	if err != nil {
		respondError(c, h.logger, err, "Failed to get friends")
		return
	}
	ok(c, gin.H{"friends": friends})
}

func (h *barterHandler) propose(c *gin.Context) {
	var req struct {
		FriendRequestID string `json:"friendRequestId"`
		UserID          string `json:"userId"`
		OfferedSkill    string `json:"offered_skill" binding:"required"`
		WantedSkill     string `json:"wanted_skill" binding:"required"`
	}
	if !bind(c, &req) {
		return
	}

	barter, err := h.barters.Propose(c.Request.Context(), currentUser(c).ID, services.ProposeInput{
		FriendRequestID: req.FriendRequestID,
		UserID:          req.UserID,
		OfferedSkill:    req.OfferedSkill,
		WantedSkill:     req.WantedSkill,
	})
	if err != nil {
		respondError(c, h.logger, err, "Failed to propose barter")
		return
	}
	ok(c, gin.H{"message": "Barter proposed successfully", "barter": barter})
}

func (h *barterHandler) accept(c *gin.Context) {
	if err := h.barters.Accept(c.Request.Context(), currentUser(c).ID, c.Param("barterId")); err != nil {
		respondError(c, h.logger, err, "Failed to accept barter")
		return
	}
	ok(c, gin.H{"message": "Barter accepted. You can now message each other."})
}

func (h *barterHandler) complete(c *gin.Context) {
	var req struct {
		BarterID string `json:"barterId" binding:"required"`
		Rating   *int   `json:"rating"`
		Comment  string `json:"comment"`
	}
	if !bind(c, &req) {
		return
	}
	if err := h.barters.Complete(c.Request.Context(), currentUser(c).ID, req.BarterID, req.Rating, req.Comment); err != nil {
		respondError(c, h.logger, err, "Failed to complete barter")
		return
	}
	ok(c, gin.H{"message": "Barter completed successfully"})
}

func (h *barterHandler) cancel(c *gin.Context) {
	if err := h.barters.Cancel(c.Request.Context(), currentUser(c).ID, c.Param("barterId")); err != nil {
		respondError(c, h.logger, err, "Failed to cancel barter")
		return
	}
	ok(c, gin.H{"message": "Barter cancelled successfully"})
}

func (h *barterHandler) get(c *gin.Context) {
	barter, err := h.barters.Get(c.Request.Context(), currentUser(c).ID, c.Param("barterId"))
	if err != nil {
		respondError(c, h.logger, err, "Failed to get barter")
		return
	}
	ok(c, gin.H{"barter": barter})
}

func (h *barterHandler) trades(c *gin.Context) {
	trades, err := h.barters.Trades(c.Request.Context(), currentUser(c).ID, c.Query("status"))
	if err != nil {
		respondError(c, h.logger, err, "Failed to get trades")
		return
	}
	ok(c, gin.H{"trades": trades})
}

func (h *barterHandler) pendingBarters(c *gin.Context) {
	barters, err := h.barters.PendingForMe(c.Request.Context(), currentUser(c).ID)
	if err != nil {
		respondError(c, h.logger, err, "Failed to get pending barters")
		return
	}
	ok(c, gin.H{"barters": barters})
}

func (h *barterHandler) suggestions(c *gin.Context) {
	suggestions, err := h.barters.Suggestions(c.Request.Context(), currentUser(c).ID)
	if err != nil {
		respondError(c, h.logger, err, "Failed to get suggestions")
		return
	}
	ok(c, gin.H{"suggestions": suggestions})
}
