package turn

import (
	"regexp"
	"strings"
)

var paragraphBreak = regexp.MustCompile(`\n{2,}`)

// SplitBubbles turns final assistant text into chat bubbles. Two or more
// paragraphs become one bubble each; a single paragraph is split into
// sentences and grouped in pairs, unless it has at most two sentences.
func SplitBubbles(text string) []string {
	text = strings.TrimSpace(strings.ReplaceAll(text, "\r", ""))
	if text == "" {
		return nil
	}

	var paragraphs []string
	for _, p := range paragraphBreak.Split(text, -1) {
		p = strings.TrimSpace(p)
		if p != "" {
			paragraphs = append(paragraphs, p)
		}
	}
	if len(paragraphs) >= 2 {
		return paragraphs
	}

	sentences := splitSentences(text)
	if len(sentences) <= 2 {
		return []string{text}
	}

	bubbles := make([]string, 0, (len(sentences)+1)/2)
	for i := 0; i < len(sentences); i += 2 {
		if i+1 < len(sentences) {
			bubbles = append(bubbles, sentences[i]+" "+sentences[i+1])
		} else {
			bubbles = append(bubbles, sentences[i])
		}
	}
	return bubbles
}

// splitSentences breaks after . ! or ? followed by whitespace. Scanned by
// hand because RE2 has no lookbehind.
func splitSentences(text string) []string {
	var out []string
	runes := []rune(text)
	start := 0
	for i := 0; i < len(runes); i++ {
		switch runes[i] {
		case '.', '!', '?':
			j := i + 1
			if j < len(runes) && isSpaceRune(runes[j]) {
				out = append(out, strings.TrimSpace(string(runes[start:j])))
				for j < len(runes) && isSpaceRune(runes[j]) {
					j++
				}
				start = j
				i = j - 1
			}
		}
	}
	if start < len(runes) {
		if s := strings.TrimSpace(string(runes[start:])); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func isSpaceRune(r rune) bool {
	switch r {
	case ' ', '\t', '\n', '\v', '\f', '\r':
		return true
	}
	return false
}

// chunkRunes cuts s into rune-safe chunks of at most size runes.
func chunkRunes(s string, size int) []string {
	if size <= 0 || s == "" {
		return []string{s}
	}
	runes := []rune(s)
	out := make([]string, 0, (len(runes)+size-1)/size)
	for i := 0; i < len(runes); i += size {
		end := i + size
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[i:end]))
	}
	return out
}
