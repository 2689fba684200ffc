package telemetry

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"unicode/utf8"
)

// PIILevel controls how much of a user prompt reaches logs and span attributes.
type PIILevel string

const (
	// PIILevelNone drops the prompt entirely
	PIILevelNone PIILevel = "none"
	// PIILevelHashed keeps the prompt but replaces contact details with salted hashes
	PIILevelHashed PIILevel = "hashed"
	// PIILevelFull logs prompts verbatim
	PIILevelFull PIILevel = "full"
)

// maxLoggedPromptRunes bounds prompt length in log lines.
const maxLoggedPromptRunes = 200

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\b\d{3}[-.\s]?\d{3}[-.\s]?\d{4}\b`)
	ipv4Pattern  = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	urlPattern   = regexp.MustCompile(`https?://[^\s]+`)
)

// ParsePIILevel maps a config value to a PIILevel; unknown values fall back to hashed.
func ParsePIILevel(raw string) PIILevel {
	switch PIILevel(strings.ToLower(strings.TrimSpace(raw))) {
	case PIILevelNone:
		return PIILevelNone
	case PIILevelFull:
		return PIILevelFull
	default:
		return PIILevelHashed
	}
}

// Sanitizer prepares meme prompts for logging.
type Sanitizer struct {
	level PIILevel
	salt  string
}

// NewSanitizer creates a prompt sanitizer; salt keeps hashes stable per deployment.
func NewSanitizer(level PIILevel, salt string) *Sanitizer {
	return &Sanitizer{level: level, salt: salt}
}

// Level reports the configured level.
func (s *Sanitizer) Level() PIILevel {
	return s.level
}

// SanitizePrompt returns the loggable form of a prompt.
func (s *Sanitizer) SanitizePrompt(prompt string) string {
	switch s.level {
	case PIILevelNone:
		return "[REDACTED]"
	case PIILevelFull:
		return truncate(prompt)
	default:
		return truncate(s.maskContacts(prompt))
	}
}

// Fingerprint returns a short salted hash of the prompt, safe at every level.
func (s *Sanitizer) Fingerprint(prompt string) string {
	return s.hash(prompt)
}

func (s *Sanitizer) maskContacts(input string) string {
	out := urlPattern.ReplaceAllStringFunc(input, func(m string) string {
		return "[URL:" + s.hash(m) + "]"
	})
	out = emailPattern.ReplaceAllStringFunc(out, func(m string) string {
		return "[EMAIL:" + s.hash(m) + "]"
	})
	out = phonePattern.ReplaceAllStringFunc(out, func(m string) string {
		return "[PHONE:" + s.hash(m) + "]"
	})
	out = ipv4Pattern.ReplaceAllStringFunc(out, func(m string) string {
		return "[IP:" + s.hash(m) + "]"
	})
	return out
}

func (s *Sanitizer) hash(data string) string {
	sum := sha256.Sum256([]byte(data + s.salt))
	return hex.EncodeToString(sum[:])[:8]
}

func truncate(prompt string) string {
	if utf8.RuneCountInString(prompt) <= maxLoggedPromptRunes {
		return prompt
	}
	runes := []rune(prompt)
	return string(runes[:maxLoggedPromptRunes]) + "..."
}
