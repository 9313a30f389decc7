package mailbox

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/emersion/go-message"
	gomail "github.com/emersion/go-message/mail"

	"onboard-mail-agent/internal/models"
)

var htmlTagRe = regexp.MustCompile(`<[^>]*>`)

// ParseRaw parses an RFC822 message into an InboundEmail. The plain-text
// part is preferred; HTML-only messages are stripped down to text. Quoted
// reply history is removed so only the new content survives.
func ParseRaw(raw []byte) (*models.InboundEmail, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}

	email := &models.InboundEmail{}

	header := gomail.Header{Header: entity.Header}
	email.Subject = entity.Header.Get("Subject")

	if from, err := header.AddressList("From"); err == nil && len(from) > 0 {
		email.From = from[0].Address
		email.FromName = from[0].Name
	} else {
		// Header was unparseable as an address list, fall back to the raw
		// value so the caller can still log who sent it.
		email.From = entity.Header.Get("From")
	}

	if to, err := header.AddressList("To"); err == nil {
		for _, addr := range to {
			email.To = append(email.To, addr.Address)
		}
	}

	plain, html, err := readBody(entity)
	if err != nil {
		return nil, err
	}

	body := plain
	if body == "" && html != "" {
		body = stripHTML(html)
	}
	email.Body = StripQuoted(body)

	return email, nil
}

// readBody walks the MIME structure collecting the text/plain and text/html
// parts.
func readBody(entity *message.Entity) (plain, html string, err error) {
	if mr := entity.MultipartReader(); mr != nil {
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				if message.IsUnknownCharset(err) {
					continue
				}
				return "", "", fmt.Errorf("failed to read part: %w", err)
			}

			subPlain, subHTML, err := readBody(part)
			if err != nil {
				return "", "", err
			}
			if plain == "" {
				plain = subPlain
			}
			if html == "" {
				html = subHTML
			}
		}
		return plain, html, nil
	}

	content, err := io.ReadAll(entity.Body)
	if err != nil {
		return "", "", fmt.Errorf("failed to read message body: %w", err)
	}

	contentType := entity.Header.Get("Content-Type")
	switch {
	case strings.Contains(contentType, "text/html"):
		return "", string(content), nil
	default:
		// text/plain or a bare message without a declared type
		return string(content), "", nil
	}
}

// StripQuoted cuts a reply body at the first line that starts the quoted
// thread history, leaving only the new content.
func StripQuoted(text string) string {
	lines := strings.Split(text, "\n")
	var kept []string
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "From:") ||
			strings.HasPrefix(trimmed, "Sent:") ||
			strings.HasPrefix(trimmed, "To:") ||
			strings.HasPrefix(trimmed, "Subject:") ||
			strings.HasPrefix(trimmed, ">") ||
			strings.HasPrefix(trimmed, "On ") && strings.HasSuffix(trimmed, "wrote:") ||
			strings.Contains(line, "________________________________") {
			break
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// stripHTML converts an HTML body to plain text.
func stripHTML(html string) string {
	text := html

	replacements := []struct {
		from string
		to   string
	}{
		{"<br>", "\n"},
		{"<br/>", "\n"},
		{"<br />", "\n"},
		{"<p>", "\n"},
		{"</p>", "\n"},
		{"<div>", "\n"},
		{"</div>", "\n"},
		{"&nbsp;", " "},
		{"&amp;", "&"},
		{"&lt;", "<"},
		{"&gt;", ">"},
		{"&quot;", "\""},
		{"&#39;", "'"},
	}
	for _, replacement := range replacements {
		text = strings.ReplaceAll(text, replacement.from, replacement.to)
	}

	text = htmlTagRe.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}
