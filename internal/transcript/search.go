package transcript

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// SearchResult is one search hit with a short context snippet.
type SearchResult struct {
	Entry
	Snippet string
}

const snippetRadius = 32

// Search returns entries whose body contains query, case-insensitively,
// in transcript order. Failed local sends are searchable too; they are
// still on screen.
func (t *Transcript) Search(query string) []SearchResult {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var results []SearchResult
	for _, e := range t.entries {
		start, end, ok := foldIndex(e.Body, q)
		if !ok {
			continue
		}
		results = append(results, SearchResult{Entry: e, Snippet: snippet(e.Body, start, end-start)})
	}
	return results
}

// foldIndex locates q (already lowered) in body case-insensitively and
// returns the byte bounds of the match in body itself. Lowercasing can
// change a rune's byte length, so an index into the lowered string
// cannot be used on the original; it is mapped back rune by rune.
func foldIndex(body, q string) (start, end int, ok bool) {
	i := strings.Index(strings.ToLower(body), q)
	if i < 0 {
		return 0, 0, false
	}

	origOff, lowOff := 0, 0
	start = -1
	for _, r := range body {
		if start < 0 && lowOff >= i {
			start = origOff
		}
		if start >= 0 && lowOff >= i+len(q) {
			return start, origOff, true
		}
		origOff += utf8.RuneLen(r)
		lowOff += len(string(unicode.ToLower(r)))
	}
	if start < 0 {
		start = len(body)
	}
	return start, len(body), true
}

// snippet cuts the match with up to snippetRadius bytes of context on
// each side, widening the cut to rune boundaries and eliding with "..."
// where text was dropped.
func snippet(body string, at, matchLen int) string {
	start := at - snippetRadius
	if start < 0 {
		start = 0
	}
	for start > 0 && !utf8.RuneStart(body[start]) {
		start--
	}
	end := at + matchLen + snippetRadius
	if end > len(body) {
		end = len(body)
	}
	for end < len(body) && !utf8.RuneStart(body[end]) {
		end++
	}

	s := body[start:end]
	if start > 0 {
		s = "..." + s
	}
	if end < len(body) {
		s += "..."
	}
	return s
}
