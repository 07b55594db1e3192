// Package segment splits long text into post-sized pieces.
//
// Split never breaks a URL, prefers to end a segment at a sentence boundary,
// falls back to a word boundary and only splits inside a word when nothing
// else fits. Lengths are counted in characters (runes), not bytes.
package segment

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultLimit is the maximum length of a post on X.
const DefaultLimit = 280

var (
	// ErrOverflow is returned when no valid split exists, e.g. a URL longer
	// than the limit.
	ErrOverflow = errors.New("segment overflow")
	// ErrInvalidLimit is returned for limits below one.
	ErrInvalidLimit = errors.New("segment limit must be positive")
)

var reURL = regexp.MustCompile(`(?:https?|ftp)://\S+`)

// Span is a half-open range of rune offsets.
type Span struct {
	Start int
	End   int
}

// Len returns the number of runes in the span.
func (s Span) Len() int { return s.End - s.Start }

// URLs returns the rune offsets of every URL in text, in order of occurrence.
func URLs(text string) []Span {
	locs := reURL.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return nil
	}
	spans := make([]Span, 0, len(locs))
	// regexp reports byte offsets; walk forward once converting to runes.
	prevByte, prevRune := 0, 0
	for _, loc := range locs {
		start := prevRune + utf8.RuneCountInString(text[prevByte:loc[0]])
		end := start + utf8.RuneCountInString(text[loc[0]:loc[1]])
		spans = append(spans, Span{Start: start, End: end})
		prevByte, prevRune = loc[1], end
	}
	return spans
}

// Split partitions text into ordered segments of at most limit characters.
//
// Empty or whitespace-only text yields an empty result. Every returned
// segment is trimmed and non-empty.
func Split(text string, limit int) ([]string, error) {
	if limit < 1 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLimit, limit)
	}

	segments := []string{}
	rest := strings.TrimSpace(text)
	for utf8.RuneCountInString(rest) > limit {
		runes := []rune(rest)
		cut, err := cutPoint(rest, runes, limit)
		if err != nil {
			return nil, err
		}
		if seg := strings.TrimSpace(string(runes[:cut])); seg != "" {
			segments = append(segments, seg)
		}
		rest = strings.TrimSpace(string(runes[cut:]))
	}
	if rest != "" {
		segments = append(segments, rest)
	}
	return segments, nil
}

// cutPoint picks where the next segment of runes ends. runes is longer than limit.
func cutPoint(text string, runes []rune, limit int) (int, error) {
	cut := lastSentenceEnd(runes, limit)
	if cut < 0 {
		cut = lastSpace(runes, limit)
	}
	if cut <= 0 {
		cut = limit
	}

	for _, u := range URLs(text) {
		if u.Start >= cut {
			break
		}
		if cut >= u.End {
			continue
		}
		if u.Len() > limit {
			return 0, fmt.Errorf("%w: url %q is %d characters, limit is %d",
				ErrOverflow, string(runes[u.Start:u.End]), u.Len(), limit)
		}
		if u.Start == 0 {
			// The URL leads the text, so pushing it forward would stall; emit it whole.
			cut = u.End
		} else {
			cut = u.Start
		}
		break
	}

	if cut > limit {
		return 0, fmt.Errorf("%w: cut point %d exceeds limit %d", ErrOverflow, cut, limit)
	}
	return cut, nil
}

// lastSentenceEnd returns the offset just past the rightmost '.', '!' or '?'
// found before index limit, or -1.
func lastSentenceEnd(runes []rune, limit int) int {
	for i := min(limit, len(runes)) - 1; i >= 0; i-- {
		switch runes[i] {
		case '.', '!', '?':
			return i + 1
		}
	}
	return -1
}

// lastSpace returns the index of the last whitespace rune at or before limit, or -1.
func lastSpace(runes []rune, limit int) int {
	for i := min(limit, len(runes)-1); i >= 0; i-- {
		if unicode.IsSpace(runes[i]) {
			return i
		}
	}
	return -1
}
