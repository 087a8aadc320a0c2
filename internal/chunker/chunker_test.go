package chunker

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplit_EmptyInput(t *testing.T) {
	if result := Split("  \n", DefaultOptions()); result != nil {
		t.Errorf("expected nil, got %v", result)
	}
}

func TestSplit_ShortMessage(t *testing.T) {
	text := "Time to take your Metformin (500mg)."
	result := Split(text, DefaultOptions())
	if len(result) != 1 {
		t.Fatalf("expected 1 part, got %d", len(result))
	}
	if result[0] != text {
		t.Errorf("expected %q, got %q", text, result[0])
	}
}

func TestSplit_PrefersParagraphs(t *testing.T) {
	para := strings.Repeat("Mood was steady this week. ", 4) // ~108 bytes
	text := para + "\n\n" + para + "\n\n" + para

	result := Split(text, Options{MaxSize: 250})
	if len(result) != 2 {
		t.Fatalf("expected 2 parts, got %d: %q", len(result), result)
	}
	if !strings.HasSuffix(result[0], ". ") && !strings.HasSuffix(result[0], ".") {
		t.Errorf("first part should end on a paragraph boundary, got %q", result[0])
	}
}

func TestSplit_RespectsMaxSize(t *testing.T) {
	opts := Options{MaxSize: 120, Marker: " (more)"}
	var lines []string
	for i := 0; i < 20; i++ {
		lines = append(lines, "This is a line of text that is about fifty bytes.")
	}
	result := Split(strings.Join(lines, "\n"), opts)
	if len(result) < 2 {
		t.Fatalf("expected several parts, got %d", len(result))
	}
	for i, p := range result {
		if len(p) > opts.MaxSize {
			t.Errorf("part %d is %d bytes, max %d", i, len(p), opts.MaxSize)
		}
		last := i == len(result)-1
		if hasMarker := strings.HasSuffix(p, opts.Marker); hasMarker == last {
			t.Errorf("part %d marker=%v, want %v", i, hasMarker, !last)
		}
	}
}

func TestSplit_LongLineKeepsRunes(t *testing.T) {
	text := strings.Repeat("héllo wörld ", 100)
	result := Split(text, Options{MaxSize: 64})
	var joined strings.Builder
	for i, p := range result {
		if len(p) > 64 {
			t.Errorf("part %d too long: %d", i, len(p))
		}
		if !utf8.ValidString(p) {
			t.Errorf("part %d is not valid UTF-8: %q", i, p)
		}
		joined.WriteString(p)
	}
	if got, want := strings.Join(strings.Fields(joined.String()), " "), strings.TrimSpace(text); got != want {
		t.Errorf("content lost in split")
	}
}
