package chunker

import (
	"regexp"
	"strings"

	"github.com/contextive/ingest/internal/ingest"
)

var (
	headerSpec      = regexp.MustCompile(`^\s*(#{1,3})\s*(.*)$`)
	fenceStartRegex = regexp.MustCompile("^(```|~~~)(.*)$")
	inlineCodeRegex = regexp.MustCompile("`([^`\n]+)`")
)

// section is a run of content under one header context.
type section struct {
	headers ingest.Headers
	content string
}

// identifySections walks the cleaned page content, splitting on markdown
// headers (h1..h3) while treating fenced code blocks as atomic: header-like
// lines inside a fence are content, not boundaries. Each section records the
// most specific header context in effect where it starts.
func identifySections(content string) (sections []section, unclosedFence bool) {
	var (
		inCodeBlock bool
		codeFence   string
		current     = section{}
		accumulated strings.Builder
	)

	flush := func() {
		if text := strings.TrimSpace(accumulated.String()); text != "" {
			current.content = text
			sections = append(sections, current)
		}
		accumulated.Reset()
	}

	for _, line := range strings.Split(content, "\n") {
		stripped := strings.TrimSpace(line)

		if m := fenceStartRegex.FindStringSubmatch(stripped); m != nil {
			if !inCodeBlock {
				inCodeBlock = true
				codeFence = m[1]
			} else if stripped == codeFence {
				inCodeBlock = false
			}
			accumulated.WriteString(line)
			accumulated.WriteByte('\n')
			continue
		}
		if inCodeBlock {
			accumulated.WriteString(line)
			accumulated.WriteByte('\n')
			continue
		}

		if m := headerSpec.FindStringSubmatch(stripped); m != nil {
			flush()
			level := len(m[1])
			text := cleanHeaderText(inlineCodeRegex.ReplaceAllString(strings.TrimSpace(m[2]), "<code>$1</code>"))
			next := current.headers
			switch level {
			case 1:
				next = ingest.Headers{H1: text}
			case 2:
				next.H2 = text
				next.H3 = ""
			case 3:
				next.H3 = text
			}
			current = section{headers: next}
			continue
		}

		accumulated.WriteString(line)
		accumulated.WriteByte('\n')
	}
	flush()

	return sections, inCodeBlock
}

// cleanHeaderText removes zero-width spaces, markdown links (keeping the link
// text), leftover images, and shebang lines mistaken for headers.
func cleanHeaderText(text string) string {
	cleaned := strings.ReplaceAll(text, "​", "")
	cleaned = headerLinkRegex.ReplaceAllString(cleaned, "$1")
	cleaned = markdownImageRegex.ReplaceAllString(cleaned, "")
	cleaned = strings.TrimSpace(cleaned)
	if strings.HasPrefix(cleaned, "!/") || strings.HasPrefix(cleaned, "#!") {
		return ""
	}
	return cleaned
}
