package chat

import (
	"fmt"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 8192 // frame payload ceiling
	MaxTextChars    = 2000 // character ceiling
)

// ValidateContent checks size and encoding. Empty content is left to the
// moderation gate, which reports it with its own reason.
func ValidateContent(text string, maxChars int) error {
	if maxChars <= 0 {
		maxChars = MaxTextChars
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("message exceeds %d byte limit", MaxMessageBytes)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	if utf8.RuneCountInString(text) > maxChars {
		return fmt.Errorf("message exceeds %d character limit", maxChars)
	}
	return nil
}
