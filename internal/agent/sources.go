package agent

import (
	"fmt"
	"strings"

	"github.com/ashureev/policy-assistant/internal/domain"
)

// AppendSources appends a Sources section listing each citation as a markdown link.
// The message is returned unchanged when there are no citations.
func AppendSources(message string, citations []domain.Citation) string {
	if len(citations) == 0 {
		return message
	}
	var b strings.Builder
	b.WriteString(message)
	b.WriteString(SourcesHeading)
	for _, c := range citations {
		fmt.Fprintf(&b, "- [%s](%s)\n", c.DocumentTitle, c.DocumentLink)
	}
	return b.String()
}
