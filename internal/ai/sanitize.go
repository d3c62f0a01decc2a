package ai

import (
	"regexp"
	"strings"
)

const maxUserInputLen = 2000

// injectionPatterns match the common prompt-injection phrasings. Matches are
// stripped, the remaining text is kept, and the event is the caller's to log.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore (all )?(previous|prior|above) (instructions|prompts?|rules)`),
	regexp.MustCompile(`(?i)disregard (all )?(previous|prior|above)`),
	regexp.MustCompile(`(?i)you are now [^.!?]*`),
	regexp.MustCompile(`(?i)act as (if you were|a) [^.!?]*`),
	regexp.MustCompile(`(?i)(system|assistant)\s*:\s*`),
	regexp.MustCompile(`(?i)\[/?(INST|SYS|SYSTEM)\]`),
	regexp.MustCompile(`(?i)<\|?(im_start|im_end|endoftext)\|?>`),
	regexp.MustCompile(`(?i)reveal (your|the) (system )?prompt`),
	regexp.MustCompile(`(?i)new instructions?\s*:`),
}

// SanitizeUserInput strips prompt-injection patterns and truncates before
// user text is interpolated into any AI-facing prompt. Returns the cleaned
// text and whether anything was stripped.
func SanitizeUserInput(input string) (string, bool) {
	cleaned := input
	stripped := false
	for _, p := range injectionPatterns {
		if p.MatchString(cleaned) {
			cleaned = p.ReplaceAllString(cleaned, "")
			stripped = true
		}
	}

	cleaned = strings.TrimSpace(cleaned)
	if len(cleaned) > maxUserInputLen {
		cleaned = cleaned[:maxUserInputLen]
		stripped = true
	}
	return cleaned, stripped
}
