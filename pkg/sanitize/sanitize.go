package sanitize

import (
	"regexp"
	"strings"
	"unicode"
)

// MaxIDLength bounds peer, chat and call identifiers
const MaxIDLength = 128

// Peer ids become Redis channel names, so glob metacharacters and
// whitespace are not allowed.
var peerIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.@:-]+$`)

// ValidatePeerID reports whether id can address a peer on the relay
func ValidatePeerID(id string) bool {
	if !ValidateStringLength(id, 1, MaxIDLength) {
		return false
	}
	return peerIDRegex.MatchString(id)
}

// SanitizeID trims an opaque identifier such as a chat id. The second
// result is false when nothing usable is left or it is too long.
func SanitizeID(input string) (string, bool) {
	id := strings.TrimSpace(StripControlCharacters(input))
	return id, ValidateStringLength(id, 0, MaxIDLength)
}

// ValidateStringLength validates string length in runes
func ValidateStringLength(input string, minLen, maxLen int) bool {
	length := len([]rune(input))
	return length >= minLen && length <= maxLen
}

// StripControlCharacters removes control characters from string
func StripControlCharacters(input string) string {
	var result strings.Builder
	for _, r := range input {
		if !unicode.IsControl(r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}
