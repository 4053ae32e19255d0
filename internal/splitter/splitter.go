// Package splitter prepares outbound engine messages for chat delivery:
// paragraph-aware chunking for channel length limits, title extraction and
// preview stripping for the oversize-publish summary.
//
// All lengths are counted in runes, not bytes. Chat channels enforce their
// limits on characters, and a byte-based cut could split a UTF-8 sequence.
package splitter

import (
	"regexp"
	"strings"
)

const (
	// PublishThreshold is the message length above which the outbound
	// worker tries to publish the full body externally instead of
	// delivering it in chunks.
	PublishThreshold = 3000

	// MaxMessageLen is the per-chunk delivery limit.
	MaxMessageLen = 4000

	// SummaryPreviewLen is the length of the preview included in a
	// published message's summary.
	SummaryPreviewLen = 200

	// minBoundaryFraction rejects paragraph or line boundaries in the
	// first 30% of a chunk, preventing pathologically tiny leading chunks.
	minBoundaryFraction = 0.3

	// titleMaxLen caps an extracted title.
	titleMaxLen = 100
	// titleCutLen is the hard-cut title length when no heading or short
	// first line exists.
	titleCutLen = 60
)

// headingRe matches the first markdown heading of level 1-3.
var headingRe = regexp.MustCompile(`(?m)^#{1,3}\s+(.+)`)

// headingMarkerRe strips leading heading markers when building a preview.
var headingMarkerRe = regexp.MustCompile(`(?m)^#{1,6}\s*`)

// markupReplacer removes inline markdown emphasis characters.
var markupReplacer = strings.NewReplacer("*", "", "_", "", "~", "", "`", "")

// Split breaks text into chunks of at most maxLen runes. Text that already
// fits is returned as a single chunk, verbatim. Longer text is cut at the
// last paragraph break ("\n\n") within the limit, falling back to the last
// line break, falling back to a hard cut; a boundary is only used when it
// lies past 30% of maxLen. Chunks cut at a boundary are right-trimmed and
// the boundary itself is consumed.
func Split(text string, maxLen int) []string {
	if maxLen <= 0 {
		maxLen = MaxMessageLen
	}
	runes := []rune(text)
	if len(runes) <= maxLen {
		return []string{text}
	}

	minBoundary := int(float64(maxLen) * minBoundaryFraction)
	var chunks []string
	for len(runes) > maxLen {
		prefix := runes[:maxLen]

		if cut := lastIndexRunes(prefix, "\n\n"); cut > minBoundary {
			chunks = append(chunks, strings.TrimRight(string(runes[:cut]), " \t\r\n"))
			runes = runes[cut+2:]
			continue
		}
		if cut := lastIndexRunes(prefix, "\n"); cut > minBoundary {
			chunks = append(chunks, strings.TrimRight(string(runes[:cut]), " \t\r"))
			runes = runes[cut+1:]
			continue
		}
		chunks = append(chunks, string(runes[:maxLen]))
		runes = runes[maxLen:]
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}

// lastIndexRunes returns the rune offset of the last occurrence of sep in
// runes, or -1.
func lastIndexRunes(runes []rune, sep string) int {
	byteIdx := strings.LastIndex(string(runes), sep)
	if byteIdx < 0 {
		return -1
	}
	return len([]rune(string(runes)[:byteIdx]))
}

// Title extracts a display title from a message: the first markdown heading
// (levels 1-3, trimmed, capped at 100 runes), else the first non-empty line
// when it is at most 100 runes, else the first 60 runes followed by "...".
func Title(text string) string {
	if m := headingRe.FindStringSubmatch(text); m != nil {
		return truncateRunes(strings.TrimSpace(m[1]), titleMaxLen)
	}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if len([]rune(line)) <= titleMaxLen {
			return line
		}
		break
	}
	trimmed := strings.TrimSpace(text)
	return truncateRunes(trimmed, titleCutLen) + "..."
}

// Preview strips markdown heading markers and inline emphasis from text and
// truncates the result to SummaryPreviewLen runes with an ellipsis.
func Preview(text string) string {
	s := headingMarkerRe.ReplaceAllString(text, "")
	s = markupReplacer.Replace(s)
	s = strings.TrimSpace(s)
	if len([]rune(s)) <= SummaryPreviewLen {
		return s
	}
	return truncateRunes(s, SummaryPreviewLen) + "..."
}

// Summary assembles the short message delivered in place of a published
// body.
func Summary(title, preview, publicURL string) string {
	return title + "\n\n" + preview + "\n\nLire la suite : " + publicURL
}

// truncateRunes cuts s to at most n runes.
func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
