package extraction

import (
	"regexp"
	"strings"

	"github.com/nexabot/knowcore/internal/core"
)

var headingRe = regexp.MustCompile(`^(#{1,6})\s+(.+?)\s*#*$`)

// HeadingHints recovers section structure from markdown-style headings when
// the extraction strategy itself reported none. Documents with fewer than
// two headings return nil so flat text stays on the windowed chunking path.
func HeadingHints(text string) []core.ChunkHint {
	type section struct {
		title string
		body  []string
	}

	var (
		sections []section
		cur      section
		count    int
	)
	for _, line := range strings.Split(text, "\n") {
		if m := headingRe.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			count++
			if cur.title != "" || hasText(cur.body) {
				sections = append(sections, cur)
			}
			cur = section{title: strings.TrimSpace(m[2])}
			continue
		}
		cur.body = append(cur.body, line)
	}
	sections = append(sections, cur)

	if count < 2 {
		return nil
	}

	hints := make([]core.ChunkHint, 0, len(sections))
	for _, s := range sections {
		body := strings.TrimSpace(strings.Join(s.body, "\n"))
		if s.title == "" && body == "" {
			continue
		}
		content := body
		if s.title != "" {
			if body == "" {
				content = s.title
			} else {
				content = s.title + "\n" + body
			}
		}
		hints = append(hints, core.ChunkHint{
			Index:   len(hints),
			Section: s.title,
			Content: content,
		})
	}
	return hints
}

func hasText(lines []string) bool {
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			return true
		}
	}
	return false
}
