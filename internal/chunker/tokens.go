package chunker

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Token estimation is deliberately approximate: the pipeline only needs a
// deterministic, monotonic estimate to enforce chunk bounds, not parity with
// any particular tokenizer. Roughly four characters per token mirrors the
// byte-pair encodings used downstream.
const runesPerToken = 4

// EstimateTokens returns a deterministic token estimate for text. Every
// whitespace-delimited word costs at least one token, longer words cost
// proportionally more, and blank-line separators cost one each.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	tokens := 0
	for _, field := range strings.Fields(text) {
		tokens += wordTokens(field)
	}
	tokens += strings.Count(text, "\n\n")
	return tokens
}

func wordTokens(word string) int {
	n := utf8.RuneCountInString(word)
	if n == 0 {
		return 0
	}
	return 1 + (n-1)/runesPerToken
}

// tailTokens returns the suffix of text whose estimate is at least n tokens,
// cut at a word boundary. It returns the whole text when it holds fewer than
// n tokens.
func tailTokens(text string, n int) string {
	if n <= 0 || text == "" {
		return ""
	}
	type span struct {
		start  int
		tokens int
	}
	var spans []span
	inWord := false
	start := 0
	for i, r := range text {
		if unicode.IsSpace(r) {
			if inWord {
				spans = append(spans, span{start: start, tokens: wordTokens(text[start:i])})
				inWord = false
			}
			continue
		}
		if !inWord {
			start = i
			inWord = true
		}
	}
	if inWord {
		spans = append(spans, span{start: start, tokens: wordTokens(text[start:])})
	}
	total := 0
	for i := len(spans) - 1; i >= 0; i-- {
		total += spans[i].tokens
		if total >= n {
			return text[spans[i].start:]
		}
	}
	return text
}

// splitByTokenWindow splits a single line that cannot be divided at line
// boundaries into rune windows of at most maxTokens each. Last resort for
// undividable content.
func splitByTokenWindow(line string, maxTokens int) []string {
	if maxTokens <= 0 {
		return []string{line}
	}
	window := maxTokens * runesPerToken
	runes := []rune(line)
	if len(runes) <= window {
		return []string{line}
	}
	var parts []string
	for start := 0; start < len(runes); start += window {
		end := start + window
		if end > len(runes) {
			end = len(runes)
		}
		parts = append(parts, string(runes[start:end]))
	}
	return parts
}
