package chat

import (
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 100
	MaxContentLength    = 4000
	MaxEmojiLength      = 32
)

func validateId(name, id string) error {
	if id == "" {
		return invalid("%s is required", name)
	}

	if _, err := uuid.Parse(id); err != nil {
		return invalid("malformed %s %q", name, id)
	}

	return nil
}

func normalizeContent(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", invalid("message content cannot be empty")
	}

	if utf8.RuneCountInString(content) > MaxContentLength {
		return "", invalid("message content exceeds %d characters", MaxContentLength)
	}

	return content, nil
}

func validateEmoji(emoji string) error {
	if strings.TrimSpace(emoji) == "" {
		return invalid("emoji cannot be empty")
	}

	if len(emoji) > MaxEmojiLength || !utf8.ValidString(emoji) {
		return invalid("emoji must be valid text of at most %d bytes", MaxEmojiLength)
	}

	return nil
}

// normalizeLimit applies the page-size default and cap.
func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}

	return min(limit, MaxHistoryLimit)
}
