package telegram

import (
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

const (
	maxMessageLength    = 4096
	defaultEditInterval = time.Second
)

// Streaming renders a turn's text chunks as one message per chat that is
// edited as chunks arrive. Edits are throttled per chat; Finish always
// writes the final text.
type Streaming struct {
	api          sender
	logger       zerolog.Logger
	editInterval time.Duration
	now          func() time.Time

	mu      sync.Mutex
	streams map[int64]*Stream
}

// Stream represents an active streaming message
type Stream struct {
	ChatID    int64
	MessageID int
	// Content is the text of the current message.
	Content    strings.Builder
	sent       string
	LastUpdate time.Time
	mu         sync.Mutex
}

// NewStreaming creates a new streaming handler
func NewStreaming(api sender, editInterval time.Duration, logger zerolog.Logger) *Streaming {
	if editInterval <= 0 {
		editInterval = defaultEditInterval
	}
	return &Streaming{
		api:          api,
		logger:       logger.With().Str("module", "streaming").Logger(),
		editInterval: editInterval,
		now:          time.Now,
		streams:      make(map[int64]*Stream),
	}
}

func (s *Streaming) stream(chatID int64) *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()

	stream, ok := s.streams[chatID]
	if !ok {
		stream = &Stream{ChatID: chatID}
		s.streams[chatID] = stream
	}
	return stream
}

// Append adds a chunk to the chat's stream. The first non-blank chunk sends
// a new message; later chunks edit it at most once per edit interval. Text
// past the length limit rolls over into a new message.
func (s *Streaming) Append(chatID int64, chunk string) error {
	if chunk == "" {
		return nil
	}

	stream := s.stream(chatID)
	stream.mu.Lock()
	defer stream.mu.Unlock()

	stream.Content.WriteString(chunk)

	for stream.Content.Len() > maxMessageLength {
		content := stream.Content.String()
		cut := splitPoint(content, maxMessageLength)
		head, tail := content[:cut], content[cut:]

		stream.Content.Reset()
		stream.Content.WriteString(head)
		if err := s.write(stream); err != nil {
			return err
		}

		stream.MessageID = 0
		stream.sent = ""
		stream.Content.Reset()
		stream.Content.WriteString(tail)
	}

	if stream.MessageID != 0 && s.now().Sub(stream.LastUpdate) < s.editInterval {
		return nil
	}
	return s.write(stream)
}

// Finish writes any pending text and ends the chat's stream. The next chunk
// starts a new message.
func (s *Streaming) Finish(chatID int64) error {
	s.mu.Lock()
	stream, ok := s.streams[chatID]
	delete(s.streams, chatID)
	s.mu.Unlock()

	if !ok {
		return nil
	}

	stream.mu.Lock()
	defer stream.mu.Unlock()

	err := s.write(stream)

	s.logger.Debug().
		Int64("chat_id", stream.ChatID).
		Int("message_id", stream.MessageID).
		Msg("Stream finished")
	return err
}

// write sends or edits the stream's message with its current content.
func (s *Streaming) write(stream *Stream) error {
	content := strings.TrimSpace(stream.Content.String())
	if content == "" || content == stream.sent {
		return nil
	}

	if stream.MessageID == 0 {
		sent, err := s.api.Send(tgbotapi.NewMessage(stream.ChatID, content))
		if err != nil {
			return fmt.Errorf("failed to send message: %w", err)
		}
		stream.MessageID = sent.MessageID
	} else {
		_, err := s.api.Send(tgbotapi.NewEditMessageText(stream.ChatID, stream.MessageID, content))
		if err != nil && !isNotModified(err) {
			return fmt.Errorf("failed to update message: %w", err)
		}
	}

	stream.sent = content
	stream.LastUpdate = s.now()
	return nil
}

// GetActiveStreams returns the number of active streams
func (s *Streaming) GetActiveStreams() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

// splitMessage cuts text into parts no longer than limit bytes, preferring
// paragraph, line and sentence boundaries.
func splitMessage(text string, limit int) []string {
	var parts []string
	for len(text) > limit {
		cut := splitPoint(text, limit)
		if part := strings.TrimSpace(text[:cut]); part != "" {
			parts = append(parts, part)
		}
		text = text[cut:]
	}
	if part := strings.TrimSpace(text); part != "" {
		parts = append(parts, part)
	}
	return parts
}

// splitPoint returns the offset to cut text at so the head fits in limit
// bytes. It never splits a UTF-8 sequence.
func splitPoint(text string, limit int) int {
	if len(text) <= limit {
		return len(text)
	}

	window := text[:limit]
	for _, delim := range []string{"\n\n", "\n", ". ", "! ", "? ", " "} {
		if idx := strings.LastIndex(window, delim); idx > limit/2 {
			return idx + len(delim)
		}
	}

	cut := limit
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	if cut == 0 {
		return limit
	}
	return cut
}
