package services

import (
	"context"
	"fmt"
	"time"

	stream "github.com/GetStream/stream-chat-go/v6"
	"github.com/booali/atc-api/internal/models"
	"github.com/rs/zerolog"
)

// StreamClient is the subset of the Stream Chat server client we use
type StreamClient interface {
	CreateToken(userID string, expire time.Time, issuedAt ...time.Time) (string, error)
	UpsertUser(ctx context.Context, user *stream.User) (*stream.UpsertUserResponse, error)
}

// StreamService issues Stream Chat tokens for the calling app
type StreamService struct {
	client StreamClient
	apiKey string
	logger zerolog.Logger
}

// StreamToken is returned to the client SDK
type StreamToken struct {
	Token  string `json:"token"`
	UserID string `json:"userId"`
	APIKey string `json:"apiKey"`
}

// NewStreamClient builds the server side client, returning nil when no
// credentials are configured
func NewStreamClient(apiKey, apiSecret string) (*stream.Client, error) {
	if apiKey == "" || apiSecret == "" {
		return nil, nil
	}
	client, err := stream.NewClient(apiKey, apiSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to create stream client: %w", err)
	}
	return client, nil
}

// NewStreamService creates a new Stream token service. client may be nil.
func NewStreamService(client StreamClient, apiKey string, logger zerolog.Logger) *StreamService {
	return &StreamService{
		client: client,
		apiKey: apiKey,
		logger: logger.With().Str("service", "stream").Logger(),
	}
}

// Token creates a non-expiring user token and makes sure the user exists in Stream
func (s *StreamService) Token(ctx context.Context, user *models.User) (*StreamToken, error) {
	if s.client == nil {
		return nil, newError(ErrNotConfigured, "Stream client not initialized")
	}

	token, err := s.client.CreateToken(user.ID, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("failed to create stream token: %w", err)
	}

	name := user.Name
	if name == "" {
		name = "User"
	}
	streamUser := &stream.User{ID: user.ID, Name: name}
	if user.ProfileImage.URL != nil {
		streamUser.Image = *user.ProfileImage.URL
	}
	if _, err := s.client.UpsertUser(ctx, streamUser); err != nil {
		return nil, fmt.Errorf("failed to upsert stream user: %w", err)
	}

	s.logger.Debug().Str("user_id", user.ID).Msg("Issued Stream token")
	return &StreamToken{Token: token, UserID: user.ID, APIKey: s.apiKey}, nil
}
