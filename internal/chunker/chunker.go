// Package chunker splits long notification text into parts that fit a
// channel's message size limit.
package chunker

import (
	"strings"
	"unicode/utf8"
)

// TelegramMaxSize is the largest message Telegram accepts. Lengths here are
// counted in bytes, which never undercounts Telegram's own measure.
const TelegramMaxSize = 4096

// Options configures splitting.
type Options struct {
	// MaxSize is the hard upper bound of a part, in bytes.
	MaxSize int
	// Marker, when set, is appended to every part but the last. It counts
	// against MaxSize.
	Marker string
}

// DefaultOptions returns options for Telegram messages.
func DefaultOptions() Options {
	return Options{MaxSize: TelegramMaxSize, Marker: "\n…"}
}

// Split breaks text into parts of at most opts.MaxSize bytes. It prefers
// paragraph boundaries, then line boundaries, and only cuts inside a line
// when a single line is too long. Short text returns a single part.
func Split(text string, opts Options) []string {
	if opts.MaxSize <= 0 {
		opts = DefaultOptions()
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= opts.MaxSize {
		return []string{text}
	}

	limit := opts.MaxSize - len(opts.Marker)
	if limit < 1 {
		limit = opts.MaxSize
		opts.Marker = ""
	}

	parts := mergeBlocks(splitBlocks(text), limit)
	for i := 0; i < len(parts)-1; i++ {
		parts[i] += opts.Marker
	}
	return parts
}

// splitBlocks splits text into paragraphs on blank lines.
func splitBlocks(text string) []string {
	var blocks []string
	var current []string

	flush := func() {
		if t := strings.TrimSpace(strings.Join(current, "\n")); t != "" {
			blocks = append(blocks, t)
		}
		current = nil
	}

	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		current = append(current, line)
	}
	flush()
	return blocks
}

// mergeBlocks packs paragraphs into parts, splitting oversized ones.
func mergeBlocks(blocks []string, limit int) []string {
	var results []string
	accum := ""

	flush := func() {
		if accum != "" {
			results = append(results, accum)
		}
		accum = ""
	}

	for _, b := range blocks {
		if len(b) > limit {
			flush()
			results = append(results, splitLines(b, limit)...)
			continue
		}
		if accum == "" {
			accum = b
			continue
		}
		if combined := accum + "\n\n" + b; len(combined) <= limit {
			accum = combined
			continue
		}
		flush()
		accum = b
	}
	flush()
	return results
}

// splitLines breaks a paragraph on line boundaries.
func splitLines(text string, limit int) []string {
	var results []string
	current := ""

	for _, line := range strings.Split(text, "\n") {
		for len(line) > limit {
			if current != "" {
				results = append(results, current)
				current = ""
			}
			head := cut(line, limit)
			results = append(results, head)
			line = line[len(head):]
		}
		if current == "" {
			current = line
			continue
		}
		if len(current)+1+len(line) > limit {
			results = append(results, current)
			current = line
			continue
		}
		current += "\n" + line
	}
	if current != "" {
		results = append(results, current)
	}
	return results
}

// cut returns the longest prefix of s within n bytes, preferring to end at
// a space and never splitting a rune.
func cut(s string, n int) string {
	if len(s) <= n {
		return s
	}
	end := n
	for end > 0 && !utf8.RuneStart(s[end]) {
		end--
	}
	if end == 0 {
		_, size := utf8.DecodeRuneInString(s)
		return s[:size]
	}
	if i := strings.LastIndexByte(s[:end], ' '); i > end/2 {
		return s[:i+1]
	}
	return s[:end]
}
