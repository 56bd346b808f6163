// Package segment splits input text into ordered synthesis chunks.
package segment

import (
	"strings"
	"unicode"
)

// Chunk is one bounded unit of input text. Seq is assigned 0..N-1 in
// input order and is the correlation key across the whole pipeline.
type Chunk struct {
	Seq  uint64
	Text string
}

// Options control the split policy.
type Options struct {
	// MaxChunkLen bounds a chunk's length in runes. Sentences are packed
	// greedily up to this limit; oversized sentences fall back to clause
	// and then word boundaries before a hard rune cut.
	MaxChunkLen int
}

// DefaultMaxChunkLen bounds worst-case per-chunk inference latency.
const DefaultMaxChunkLen = 400

// Split segments text into chunks. It is a pure function of its inputs:
// the same text and options always yield the same chunk boundaries.
// Whitespace-only input yields no chunks.
func Split(text string, opts Options) []Chunk {
	maxLen := opts.MaxChunkLen
	if maxLen <= 0 {
		maxLen = DefaultMaxChunkLen
	}

	if strings.TrimSpace(text) == "" {
		return nil
	}

	var chunks []Chunk
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" {
			return
		}
		chunks = append(chunks, Chunk{Seq: uint64(len(chunks)), Text: s})
	}

	var current strings.Builder
	flush := func() {
		add(current.String())
		current.Reset()
	}

	for _, sentence := range splitSentences(text) {
		if runeLen(sentence) > maxLen {
			flush()
			for _, piece := range splitOversized(sentence, maxLen) {
				add(piece)
			}
			continue
		}
		if current.Len() == 0 {
			current.WriteString(sentence)
			continue
		}
		if runeLen(current.String())+1+runeLen(sentence) > maxLen {
			flush()
			current.WriteString(sentence)
			continue
		}
		current.WriteByte(' ')
		current.WriteString(sentence)
	}
	flush()

	return chunks
}

// splitSentences breaks text at sentence-terminal punctuation, keeping the
// punctuation with the preceding sentence. Abbreviations, decimal numbers
// and ellipses do not terminate a sentence.
func splitSentences(text string) []string {
	runes := []rune(text)
	var sentences []string
	last := 0

	for i := 0; i < len(runes); i++ {
		if !isTerminal(runes[i]) {
			continue
		}

		// Collect a run of terminal punctuation ("?!", "...").
		end := i + 1
		for end < len(runes) && isTerminal(runes[end]) {
			end++
		}
		// Keep a trailing close quote or bracket with the sentence.
		if end < len(runes) && isClosing(runes[end]) {
			end++
		}

		if !isBoundary(runes, i, end) {
			i = end - 1
			continue
		}

		if s := strings.TrimSpace(string(runes[last:end])); s != "" {
			sentences = append(sentences, s)
		}
		for end < len(runes) && unicode.IsSpace(runes[end]) {
			end++
		}
		last = end
		i = end - 1
	}

	if last < len(runes) {
		if s := strings.TrimSpace(string(runes[last:])); s != "" {
			sentences = append(sentences, s)
		}
	}
	return sentences
}

// splitOversized breaks a single overlong sentence at clause punctuation,
// then words, then a hard rune cut.
func splitOversized(sentence string, maxLen int) []string {
	var pieces []string
	var current strings.Builder

	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			pieces = append(pieces, s)
		}
		current.Reset()
	}

	for _, clause := range splitClauses(sentence) {
		if runeLen(clause) > maxLen {
			flush()
			pieces = append(pieces, splitWords(clause, maxLen)...)
			continue
		}
		if current.Len() > 0 && runeLen(current.String())+1+runeLen(clause) > maxLen {
			flush()
		}
		if current.Len() > 0 {
			current.WriteByte(' ')
		}
		current.WriteString(clause)
	}
	flush()
	return pieces
}

func splitClauses(sentence string) []string {
	var clauses []string
	runes := []rune(sentence)
	last := 0
	for i, r := range runes {
		if r == ',' || r == ';' || r == ':' || r == '，' || r == '；' {
			if s := strings.TrimSpace(string(runes[last : i+1])); s != "" {
				clauses = append(clauses, s)
			}
			last = i + 1
		}
	}
	if last < len(runes) {
		if s := strings.TrimSpace(string(runes[last:])); s != "" {
			clauses = append(clauses, s)
		}
	}
	return clauses
}

func splitWords(clause string, maxLen int) []string {
	var pieces []string
	var current strings.Builder
	for _, word := range strings.Fields(clause) {
		if runeLen(word) > maxLen {
			if s := current.String(); s != "" {
				pieces = append(pieces, s)
				current.Reset()
			}
			pieces = append(pieces, hardCut(word, maxLen)...)
			continue
		}
		if current.Len() > 0 && runeLen(current.String())+1+runeLen(word) > maxLen {
			pieces = append(pieces, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteByte(' ')
		}
		current.WriteString(word)
	}
	if s := current.String(); s != "" {
		pieces = append(pieces, s)
	}
	return pieces
}

func hardCut(word string, maxLen int) []string {
	runes := []rune(word)
	var pieces []string
	for len(runes) > maxLen {
		pieces = append(pieces, string(runes[:maxLen]))
		runes = runes[maxLen:]
	}
	if len(runes) > 0 {
		pieces = append(pieces, string(runes))
	}
	return pieces
}

func isTerminal(r rune) bool {
	switch r {
	case '.', '!', '?', '。', '！', '？':
		return true
	}
	return false
}

func isClosing(r rune) bool {
	switch r {
	case '"', '\'', ')', ']', '」', '』':
		return true
	}
	return false
}

// isBoundary decides whether terminal punctuation at position i (with the
// punctuation run ending at end) really closes a sentence.
func isBoundary(runes []rune, i, end int) bool {
	if runes[i] != '.' {
		return true
	}

	// Decimal number: digit on both sides of the period.
	if i > 0 && i+1 < len(runes) && unicode.IsDigit(runes[i-1]) && unicode.IsDigit(runes[i+1]) {
		return false
	}

	// Ellipsis written as periods is a pause, not a boundary, unless at
	// end of text.
	if end-i > 1 && end < len(runes) {
		onlyDots := true
		for _, r := range runes[i:end] {
			if r != '.' {
				onlyDots = false
				break
			}
		}
		if onlyDots {
			return false
		}
	}

	// Known abbreviation before the period.
	start := i - 1
	for start >= 0 && !unicode.IsSpace(runes[start]) {
		start--
	}
	word := strings.ToLower(string(runes[start+1 : i]))
	word = strings.TrimSuffix(word, ".")
	if abbreviations[word] {
		return false
	}
	// Multi-dot forms like "u.s" or "ph.d".
	if strings.Contains(word, ".") {
		return false
	}

	// End of text always closes.
	if end >= len(runes) {
		return true
	}
	return unicode.IsSpace(runes[end])
}

var abbreviations = map[string]bool{
	"mr": true, "mrs": true, "ms": true, "dr": true, "prof": true,
	"sr": true, "jr": true, "st": true,
	"i.e": true, "e.g": true, "etc": true, "vs": true, "cf": true,
	"inc": true, "ltd": true, "co": true, "corp": true,
	"jan": true, "feb": true, "mar": true, "apr": true, "jun": true,
	"jul": true, "aug": true, "sep": true, "sept": true, "oct": true,
	"nov": true, "dec": true,
	"no": true, "vol": true, "pg": true, "pp": true,
}

func runeLen(s string) int {
	n := 0
	for range s {
		n++
	}
	return n
}
