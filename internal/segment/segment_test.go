package segment

import (
	"reflect"
	"strings"
	"testing"
)

func texts(chunks []Chunk) []string {
	out := make([]string, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, c.Text)
	}
	return out
}

func TestSplitEmptyInput(t *testing.T) {
	if got := Split("", Options{}); got != nil {
		t.Fatalf("expected no chunks for empty input, got %v", got)
	}
	if got := Split("   \n\t ", Options{}); got != nil {
		t.Fatalf("expected no chunks for whitespace input, got %v", got)
	}
}

func TestSplitSentenceBoundary(t *testing.T) {
	chunks := Split("Hello. This is a test.", Options{MaxChunkLen: 16})
	want := []string{"Hello.", "This is a test."}
	if !reflect.DeepEqual(texts(chunks), want) {
		t.Fatalf("expected %v, got %v", want, texts(chunks))
	}
	for i, c := range chunks {
		if c.Seq != uint64(i) {
			t.Fatalf("expected seq %d, got %d", i, c.Seq)
		}
	}
}

func TestSplitPacksShortSentences(t *testing.T) {
	chunks := Split("One. Two. Three.", Options{MaxChunkLen: 100})
	if len(chunks) != 1 {
		t.Fatalf("expected sentences packed into one chunk, got %v", texts(chunks))
	}
	if chunks[0].Text != "One. Two. Three." {
		t.Fatalf("unexpected packed chunk: %q", chunks[0].Text)
	}
}

func TestSplitPreservesInputOrder(t *testing.T) {
	input := "First sentence here. Second sentence here. Third sentence here."
	chunks := Split(input, Options{MaxChunkLen: 25})
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %v", texts(chunks))
	}
	joined := strings.Join(texts(chunks), " ")
	if joined != input {
		t.Fatalf("chunk order does not reconstruct input: %q", joined)
	}
}

func TestSplitAbbreviationsDoNotSplit(t *testing.T) {
	chunks := Split("Dr. Smith arrived.", Options{MaxChunkLen: 100})
	if len(chunks) != 1 {
		t.Fatalf("expected abbreviation to stay in one chunk, got %v", texts(chunks))
	}
}

func TestSplitDecimalNumbersDoNotSplit(t *testing.T) {
	chunks := Split("Pi is 3.14159 roughly.", Options{MaxChunkLen: 100})
	if len(chunks) != 1 {
		t.Fatalf("expected decimal to stay in one chunk, got %v", texts(chunks))
	}
}

func TestSplitClauseFallback(t *testing.T) {
	chunks := Split("alpha beta gamma, delta epsilon zeta, eta theta iota", Options{MaxChunkLen: 20})
	if len(chunks) != 3 {
		t.Fatalf("expected clause-level split into 3 chunks, got %v", texts(chunks))
	}
	for _, c := range chunks {
		if n := len([]rune(c.Text)); n > 20 {
			t.Fatalf("chunk exceeds max length: %q (%d runes)", c.Text, n)
		}
	}
}

func TestSplitHardCut(t *testing.T) {
	word := strings.Repeat("x", 45)
	chunks := Split(word, Options{MaxChunkLen: 20})
	if len(chunks) != 3 {
		t.Fatalf("expected 3 hard-cut chunks, got %v", texts(chunks))
	}
	if chunks[2].Text != strings.Repeat("x", 5) {
		t.Fatalf("unexpected tail chunk: %q", chunks[2].Text)
	}
}

func TestSplitIsDeterministic(t *testing.T) {
	input := "A fairly long paragraph. With several sentences! And a question? Plus, a clause or two."
	a := Split(input, Options{MaxChunkLen: 30})
	b := Split(input, Options{MaxChunkLen: 30})
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("expected identical chunking across runs: %v vs %v", texts(a), texts(b))
	}
}
