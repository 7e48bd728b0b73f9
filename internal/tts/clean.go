package tts

import (
	"regexp"
	"strings"
)

var (
	htmlTagRe        = regexp.MustCompile(`<[^>]*>`)
	tableSeparatorRe = regexp.MustCompile(`^\s*\|?\s*:?[-=]+:?\s*(\|\s*:?[-=]+:?\s*)*\|?\s*$`)
	markdownLinkRe   = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	blankLinesRe     = regexp.MustCompile(`\n{3,}`)
)

var markdownReplacer = strings.NewReplacer(
	"**", "", "__", "", "*", "", "_", "", "#", "", "~", "", "`", "", "[", "", "]", "", "|", "",
)

// Clean strips the markup a chat model tends to emit so the synthesizer
// does not read it aloud: markdown markers, html tags and table rules.
// Link targets are dropped, link text is kept.
func Clean(text string) string {
	text = htmlTagRe.ReplaceAllString(text, "")
	text = markdownLinkRe.ReplaceAllString(text, "$1")

	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.TrimSpace(line) != "" && tableSeparatorRe.MatchString(line) {
			continue
		}
		line = strings.TrimLeft(line, " \t")
		line = strings.TrimPrefix(line, "- ")
		line = strings.TrimPrefix(line, "> ")
		kept = append(kept, strings.TrimSpace(markdownReplacer.Replace(line)))
	}

	text = strings.Join(kept, "\n")
	text = blankLinesRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
