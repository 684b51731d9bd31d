package episode

import (
	"strings"

	"companion-memory/internal/model"
)

// ParseDescription extracts the title and summary from a model reply
// of the documented "Title: ...\n\nSummary: ..." shape. Missing parts
// come back empty; the title is clamped to the episode limit.
func ParseDescription(out string) (title, summary string) {
	var summaryLines []string
	inSummary := false

	for _, line := range strings.Split(out, "\n") {
		trimmed := strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(trimmed, "Title:"); ok {
			title = strings.TrimSpace(rest)
			inSummary = false
			continue
		}
		if rest, ok := strings.CutPrefix(trimmed, "Summary:"); ok {
			inSummary = true
			if rest = strings.TrimSpace(rest); rest != "" {
				summaryLines = append(summaryLines, rest)
			}
			continue
		}
		if inSummary && trimmed != "" {
			summaryLines = append(summaryLines, trimmed)
		}
	}

	if len(title) > model.MaxTitleLen {
		title = title[:model.MaxTitleLen]
	}
	return title, strings.Join(summaryLines, "\n")
}
