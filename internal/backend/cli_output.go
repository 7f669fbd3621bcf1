package backend

import (
	"encoding/json"
	"regexp"
	"strings"
)

// authURLPattern matches an auth/login/oauth URL embedded in CLI output,
// per spec §4.3.2's "generic set of indicators... URL extraction via a
// regex matching https?://…(auth|login|oauth|sign-in|authorize)…".
var authURLPattern = regexp.MustCompile(`(?i)https?://\S*(auth|login|oauth|sign-in|authorize)\S*`)

var authKeywords = []string{
	"please authenticate", "please log in", "authentication required",
	"not logged in", "run login", "api key not found", "no credentials found",
}

// detectAuthRequired reports whether output indicates the CLI needs
// re-authentication, and extracts an auth URL if present.
func detectAuthRequired(output string) (string, bool) {
	lower := strings.ToLower(output)
	matched := false
	for _, kw := range authKeywords {
		if strings.Contains(lower, kw) {
			matched = true
			break
		}
	}
	url := authURLPattern.FindString(output)
	if url != "" {
		return url, true
	}
	return "", matched
}

// bannerPrefixes are known non-content lines original_source's
// cli_output.py strips before returning the cleaned text.
var bannerPrefixes = []string{"workdir:", "model:", "tokens used", "loading"}

// processCLIOutput cleans raw CLI output into assistant text plus any
// extracted thinking trace, per spec §4.3.2 step 4. Line-delimited JSON
// event streams (e.g. Codex-style) are parsed per-line; otherwise known
// banner lines are stripped and thinking blocks are extracted.
func processCLIOutput(raw string) (text, thinking string) {
	lines := strings.Split(raw, "\n")
	if looksLikeJSONLEvents(lines) {
		return extractFromJSONL(lines)
	}

	var kept []string
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		lower := strings.ToLower(trimmed)
		skip := false
		for _, prefix := range bannerPrefixes {
			if strings.HasPrefix(lower, prefix) {
				skip = true
				break
			}
		}
		if !skip {
			kept = append(kept, line)
		}
	}
	cleaned := strings.Join(kept, "\n")
	return extractThinkingBlocks(cleaned)
}

func looksLikeJSONLEvents(lines []string) bool {
	count := 0
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "{") {
			count++
		} else {
			return false
		}
		if count >= 2 {
			return true
		}
	}
	return count > 0
}

type jsonlEvent struct {
	Type string `json:"type"`
	Text string `json:"text"`
	Part *struct {
		Text string `json:"text"`
	} `json:"part"`
}

func extractFromJSONL(lines []string) (text, thinking string) {
	var textParts, thinkingParts []string
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		var ev jsonlEvent
		if err := json.Unmarshal([]byte(trimmed), &ev); err != nil {
			continue
		}
		content := ev.Text
		if content == "" && ev.Part != nil {
			content = ev.Part.Text
		}
		if content == "" {
			continue
		}
		if strings.Contains(strings.ToLower(ev.Type), "thinking") {
			thinkingParts = append(thinkingParts, content)
		} else {
			textParts = append(textParts, content)
		}
	}
	return strings.Join(textParts, ""), strings.Join(thinkingParts, "")
}

var thinkingBlockPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<thinking>(.*?)</thinking>`),
	regexp.MustCompile(`(?is)\[Thinking\](.*?)\[/Thinking\]`),
	regexp.MustCompile(`(?is)<antThinking>(.*?)</antThinking>`),
}

func extractThinkingBlocks(s string) (text, thinking string) {
	var thinkingParts []string
	for _, re := range thinkingBlockPatterns {
		matches := re.FindAllStringSubmatch(s, -1)
		for _, m := range matches {
			thinkingParts = append(thinkingParts, strings.TrimSpace(m[1]))
		}
		s = re.ReplaceAllString(s, "")
	}
	return strings.TrimSpace(s), strings.Join(thinkingParts, "\n")
}

// estimateTokens applies the CJK-aware heuristic from spec §4.3.2:
// floor(cjk/1.5 + non_cjk/4).
func estimateTokens(s string) int {
	var cjk, nonCJK int
	for _, r := range s {
		if isCJK(r) {
			cjk++
		} else {
			nonCJK++
		}
	}
	return int(float64(cjk)/1.5 + float64(nonCJK)/4)
}

func isCJK(r rune) bool {
	switch {
	case r >= 0x4E00 && r <= 0x9FFF: // CJK Unified Ideographs
		return true
	case r >= 0x3040 && r <= 0x30FF: // Hiragana + Katakana
		return true
	case r >= 0xAC00 && r <= 0xD7A3: // Hangul syllables
		return true
	default:
		return false
	}
}
