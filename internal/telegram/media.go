package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/harun/kirogate/pkg/channels"
	"github.com/rs/zerolog"
)

const (
	MaxMediaSize = 5 * 1024 * 1024 // 5MB

	mediaDownloadTimeout = 30 * time.Second
	defaultImageMimeType = "image/jpeg"
)

// ErrMediaTooLarge is returned for images above MaxMediaSize.
var ErrMediaTooLarge = errors.New("media exceeds size limit")

// Media downloads images attached to messages so they can be forwarded to the
// agent.
type Media struct {
	api    BotAPI
	client *http.Client
	logger zerolog.Logger
}

// NewMedia creates a new media handler
func NewMedia(api BotAPI, logger zerolog.Logger) *Media {
	return &Media{
		api:    api,
		client: &http.Client{Timeout: mediaDownloadTimeout},
		logger: logger.With().Str("module", "media").Logger(),
	}
}

// hasImage reports whether msg carries a photo or an image document.
func hasImage(msg *tgbotapi.Message) bool {
	return len(msg.Photo) > 0 || isImageDocument(msg.Document)
}

func isImageDocument(doc *tgbotapi.Document) bool {
	return doc != nil && strings.HasPrefix(doc.MimeType, "image/")
}

// pickImage returns the file to download: the largest photo size within
// MaxMediaSize, or an image document. Unknown sizes count as small enough.
func pickImage(msg *tgbotapi.Message) (fileID, mimeType string, err error) {
	if len(msg.Photo) > 0 {
		best := -1
		for i, size := range msg.Photo {
			if size.FileSize > MaxMediaSize {
				continue
			}
			if best < 0 || size.FileSize >= msg.Photo[best].FileSize {
				best = i
			}
		}
		if best < 0 {
			return "", "", ErrMediaTooLarge
		}
		return msg.Photo[best].FileID, "", nil
	}

	if isImageDocument(msg.Document) {
		if msg.Document.FileSize > MaxMediaSize {
			return "", "", ErrMediaTooLarge
		}
		return msg.Document.FileID, msg.Document.MimeType, nil
	}

	return "", "", fmt.Errorf("message has no image")
}

// DownloadImage fetches the image attached to msg.
func (m *Media) DownloadImage(ctx context.Context, msg *tgbotapi.Message) (channels.Image, error) {
	fileID, mimeType, err := pickImage(msg)
	if err != nil {
		return channels.Image{}, err
	}

	url, err := m.api.GetFileDirectURL(fileID)
	if err != nil {
		return channels.Image{}, fmt.Errorf("failed to get file info: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return channels.Image{}, fmt.Errorf("failed to build download request: %w", err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return channels.Image{}, fmt.Errorf("failed to download file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return channels.Image{}, fmt.Errorf("download failed with status: %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxMediaSize+1))
	if err != nil {
		return channels.Image{}, fmt.Errorf("failed to read file: %w", err)
	}
	if len(data) > MaxMediaSize {
		return channels.Image{}, ErrMediaTooLarge
	}

	if mimeType == "" {
		mimeType = detectImageType(data)
	}

	m.logger.Debug().
		Str("file_id", fileID).
		Str("mime_type", mimeType).
		Int("size", len(data)).
		Msg("Image downloaded")

	return channels.Image{MimeType: mimeType, Data: data}, nil
}

// detectImageType sniffs data, falling back to JPEG, which Telegram uses for
// compressed photos.
func detectImageType(data []byte) string {
	detected := http.DetectContentType(data)
	if strings.HasPrefix(detected, "image/") {
		return detected
	}
	return defaultImageMimeType
}
