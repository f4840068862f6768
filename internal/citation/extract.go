// Package citation recovers document citations from agent trace text.
//
// The trace is not guaranteed to be well-formed, so extraction works on
// loosely quoted key/value text rather than a structural parse.
package citation

import (
	"log/slog"
	"regexp"

	"github.com/ashureev/policy-assistant/internal/domain"
)

var (
	// Brace-delimited block mentioning documentTitle, ending at the first closing brace.
	blockPattern = regexp.MustCompile(`\{[^{}]*documentTitle[^}]*\}`)

	// Values run to the matching closing quote, so the other quote kind may appear inside.
	titlePattern    = regexp.MustCompile(`documentTitle['"]?\s*:\s*(?:"([^"]*)"|'([^']*)')`)
	locationPattern = regexp.MustCompile(`documentLocation['"]?\s*:\s*(?:"([^"]*)"|'([^']*)')`)
	// Nested location objects carry the link in a uri or url field.
	nestedLinkPattern = regexp.MustCompile(`\b(?:uri|url)['"]?\s*:\s*(?:"([^"]*)"|'([^']*)')`)
)

// Extract returns the citations found in trace, in order of appearance.
// It never fails; on any internal problem it returns an empty list.
func Extract(trace string) (citations []domain.Citation) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("Citation extraction failed", "panic", r)
			citations = []domain.Citation{}
		}
	}()

	citations = []domain.Citation{}
	for _, block := range blockPattern.FindAllString(trace, -1) {
		citations = append(citations, domain.Citation{
			DocumentTitle: firstGroup(titlePattern, block, domain.UntitledDocument),
			DocumentLink:  link(block),
		})
	}
	return citations
}

func link(block string) string {
	if v := firstGroup(locationPattern, block, ""); v != "" {
		return v
	}
	return firstGroup(nestedLinkPattern, block, domain.MissingLink)
}

// firstGroup returns whichever quoted alternative matched, or fallback.
func firstGroup(re *regexp.Regexp, s, fallback string) string {
	m := re.FindStringSubmatch(s)
	for _, v := range m[min(1, len(m)):] {
		if v != "" {
			return v
		}
	}
	return fallback
}
