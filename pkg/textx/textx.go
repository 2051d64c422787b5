// Package textx provides small text utilities used across the project.
package textx

import (
	"strings"
)

// SanitizeText removes control characters except tab/newline/CR and trims spaces.
func SanitizeText(s string) string {
	// strip control chars outside tab/newline/carriage return
	var b strings.Builder
	for _, r := range s {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// NormalizeOptions tunes NormalizeOCR. Zero values disable zone stripping
// and the character budget.
type NormalizeOptions struct {
	// StripTop/StripBottom drop that many lines from each page edge,
	// but only on pages long enough to survive it.
	StripTop    int
	StripBottom int
	// MaxChars truncates the result on a line boundary when positive.
	MaxChars int
}

// zoneStripSlack is the minimum page length beyond the stripped zones;
// short pages keep all their lines.
const zoneStripSlack = 5

// NormalizeOCR cleans raw OCR output for the extraction prompt: control
// characters out, header/footer zones off, noise-only lines dropped, runs of
// blank lines and inline whitespace collapsed, and the whole text truncated
// to the budget on a line boundary. Pages are form-feed separated, which is
// how the OCR tier joins them. The second return reports whether the text
// was changed.
func NormalizeOCR(s string, opts NormalizeOptions) (string, bool) {
	original := s
	s = SanitizeText(s)

	pages := strings.Split(s, "\f")
	outPages := make([]string, 0, len(pages))
	for _, page := range pages {
		lines := strings.Split(page, "\n")
		lines = stripZones(lines, opts.StripTop, opts.StripBottom)

		cleaned := make([]string, 0, len(lines))
		blanks := 0
		for _, line := range lines {
			line = collapseSpaces(line)
			if line == "" {
				blanks++
				if blanks > 1 {
					continue
				}
				cleaned = append(cleaned, "")
				continue
			}
			blanks = 0
			if noiseOnly(line) {
				continue
			}
			cleaned = append(cleaned, line)
		}
		outPages = append(outPages, strings.TrimSpace(strings.Join(cleaned, "\n")))
	}

	out := strings.TrimSpace(strings.Join(outPages, "\n\n"))
	if opts.MaxChars > 0 && len(out) > opts.MaxChars {
		out = truncateOnLine(out, opts.MaxChars)
	}
	return out, out != original
}

func stripZones(lines []string, top, bottom int) []string {
	if top <= 0 && bottom <= 0 {
		return lines
	}
	if len(lines) <= top+bottom+zoneStripSlack {
		return lines
	}
	return lines[top : len(lines)-bottom]
}

func collapseSpaces(line string) string {
	return strings.Join(strings.Fields(line), " ")
}

// noiseOnly reports lines with no letters or digits, typically OCR artifacts
// from rules, borders and dot leaders.
func noiseOnly(line string) bool {
	for _, r := range line {
		if r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r > 127 {
			return false
		}
	}
	return true
}

// truncateOnLine cuts at the last newline within budget so no line is split
// mid-way; a single oversized line is hard-cut.
func truncateOnLine(s string, max int) string {
	cut := s[:max]
	if i := strings.LastIndexByte(cut, '\n'); i > 0 {
		cut = cut[:i]
	}
	return strings.TrimSpace(cut)
}
