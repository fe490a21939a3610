package chunker

import (
	"regexp"
	"strings"
)

// Boilerplate lines injected by documentation sites: navigation chrome,
// search prompts, separators, bare navigation links.
var boilerplateRegex = regexp.MustCompile(`(?m)` +
	`^English$` +
	`|^Search\.\.\.$` +
	`|^Ctrl K$` +
	`|^Search$` +
	`|^Navigation$` +
	`|^\[.*\]\(/.*\)$` +
	`|^On this page$` +
	`|^\* \* \*$`)

var (
	htmlImageRegex      = regexp.MustCompile(`<img[^>]+>`)
	markdownImageRegex  = regexp.MustCompile(`!\[.*?\]\(.*?\)`)
	referenceImageRegex = regexp.MustCompile(`(?m)^\[.*?\]:\s*http.*$`)
	base64ImageRegex    = regexp.MustCompile(`!\[.*?\]\(data:image/[^;]+;base64,[^)]+\)`)
	imageLinkRegex      = regexp.MustCompile(`(?mi)^\[.*?\]:\s*\S*\.(png|jpg|jpeg|gif|svg|webp)\s*$`)
	blankRunRegex       = regexp.MustCompile(`\n{3,}`)
	headerLinkRegex     = regexp.MustCompile(`\[(.*?)\]\(.*?\)`)
)

// removeBoilerplate strips recognized navigation and chrome lines and
// collapses the blank runs left behind.
func removeBoilerplate(content string) string {
	cleaned := boilerplateRegex.ReplaceAllString(content, "")
	cleaned = blankRunRegex.ReplaceAllString(cleaned, "\n\n")
	return strings.TrimSpace(cleaned)
}

// removeImages strips every image form the crawler may pass through: HTML
// tags, markdown syntax, reference-style definitions, and base64 blobs.
func removeImages(content string) string {
	content = base64ImageRegex.ReplaceAllString(content, "")
	content = htmlImageRegex.ReplaceAllString(content, "")
	content = markdownImageRegex.ReplaceAllString(content, "")
	content = referenceImageRegex.ReplaceAllString(content, "")
	content = imageLinkRegex.ReplaceAllString(content, "")
	return content
}
