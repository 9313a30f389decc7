package mailer

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
)

var inlineBulletRe = regexp.MustCompile(`\w.*-\s+\w`)

// RenderHTML converts a Markdown mail body into the HTML document sent over
// the wire. Code-fence wrappers the generator sometimes adds are removed,
// and inline dash lists are normalized to real Markdown bullets first so
// they convert to proper <ul> markup.
func RenderHTML(markdownBody string) (string, error) {
	cleaned := strings.TrimSpace(markdownBody)
	if strings.HasPrefix(cleaned, "```html") && strings.HasSuffix(cleaned, "```") {
		cleaned = strings.TrimSpace(cleaned[7 : len(cleaned)-3])
	} else if strings.HasPrefix(cleaned, "```") && strings.HasSuffix(cleaned, "```") {
		cleaned = strings.TrimSpace(cleaned[3 : len(cleaned)-3])
	}

	cleaned = fixInlineBullets(cleaned)

	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(cleaned), &buf); err != nil {
		return "", fmt.Errorf("failed to render markdown: %w", err)
	}

	html := fmt.Sprintf(`<html>
  <body style="font-family: Arial, sans-serif; font-size: 15px; line-height: 1.6; color: #222;">
%s  </body>
</html>`, buf.String())

	return html, nil
}

// fixInlineBullets rewrites "intro - item - item" lines into strict Markdown
// bullet lists, one item per line.
func fixInlineBullets(text string) string {
	lines := strings.Split(text, "\n")
	var out []string

	for _, line := range lines {
		if inlineBulletRe.MatchString(line) && strings.Contains(line, "- ") {
			parts := regexp.MustCompile(`\s*-\s+`).Split(line, -1)
			intro := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(parts[0]), ":"))
			if intro != "" {
				out = append(out, intro)
			}
			for _, part := range parts[1:] {
				if item := strings.TrimSpace(part); item != "" {
					out = append(out, "- "+item)
				}
			}
		} else {
			out = append(out, line)
		}
	}

	return strings.Join(out, "\n")
}
