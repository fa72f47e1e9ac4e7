package services

import (
	"context"
	"fmt"
	"io"

	"github.com/booali/atc-api/internal/config"
	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"
	"github.com/rs/zerolog"
)

// Upload folders
const (
	FolderProfiles = "user-profiles"
	FolderChat     = "chat-media"
)

// UploadedMedia is a stored asset
type UploadedMedia struct {
	URL      string
	PublicID string
}

// MediaStore uploads and removes user media
type MediaStore interface {
	Upload(ctx context.Context, file io.Reader, folder string) (*UploadedMedia, error)
	Destroy(ctx context.Context, publicID string) error
}

// MediaService stores media on Cloudinary
type MediaService struct {
	cld    *cloudinary.Cloudinary
	logger zerolog.Logger
}

// NewMediaService creates a new media service. It returns an error when the
// Cloudinary credentials are incomplete.
func NewMediaService(cfg config.CloudinaryConfig, logger zerolog.Logger) (*MediaService, error) {
	if cfg.CloudName == "" || cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("cloudinary: %w", ErrNotConfigured)
	}
	cld, err := cloudinary.NewFromParams(cfg.CloudName, cfg.APIKey, cfg.APISecret)
	if err != nil {
		return nil, fmt.Errorf("failed to create cloudinary client: %w", err)
	}
	return &MediaService{
		cld:    cld,
		logger: logger.With().Str("service", "media").Logger(),
	}, nil
}

// Upload stores a file in the given folder
func (s *MediaService) Upload(ctx context.Context, file io.Reader, folder string) (*UploadedMedia, error) {
	res, err := s.cld.Upload.Upload(ctx, file, uploader.UploadParams{
		Folder:       folder,
		ResourceType: "auto",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload media: %w", err)
	}
	if res.Error.Message != "" {
		return nil, fmt.Errorf("failed to upload media: %s", res.Error.Message)
	}
	return &UploadedMedia{URL: res.SecureURL, PublicID: res.PublicID}, nil
}

// Destroy removes a previously uploaded asset
func (s *MediaService) Destroy(ctx context.Context, publicID string) error {
	if publicID == "" {
		return nil
	}
	if _, err := s.cld.Upload.Destroy(ctx, uploader.DestroyParams{PublicID: publicID}); err != nil {
		s.logger.Warn().Err(err).Str("public_id", publicID).Msg("Failed to delete media")
		return fmt.Errorf("failed to delete media: %w", err)
	}
	return nil
}
