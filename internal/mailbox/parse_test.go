package mailbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRawPlainText(t *testing.T) {
	raw := []byte("From: Jane Smith <jane.smith@example.com>\r\n" +
		"To: agent@example.com\r\n" +
		"Subject: Re: Welcome to RAID!\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"Hi Rafael, I'm studying Computer Science.\r\n")

	email, err := ParseRaw(raw)
	require.NoError(t, err)

	assert.Equal(t, "jane.smith@example.com", email.From)
	assert.Equal(t, "Jane Smith", email.FromName)
	assert.Equal(t, []string{"agent@example.com"}, email.To)
	assert.Equal(t, "Re: Welcome to RAID!", email.Subject)
	assert.Equal(t, "Hi Rafael, I'm studying Computer Science.", email.Body)
}

func TestParseRawMultipart(t *testing.T) {
	raw := []byte("From: jane.smith@example.com\r\n" +
		"To: agent@example.com\r\n" +
		"Subject: Re: Welcome!\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/alternative; boundary=\"xyz\"\r\n" +
		"\r\n" +
		"--xyz\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"Plain version here.\r\n" +
		"--xyz\r\n" +
		"Content-Type: text/html; charset=utf-8\r\n" +
		"\r\n" +
		"<p>HTML version here.</p>\r\n" +
		"--xyz--\r\n")

	email, err := ParseRaw(raw)
	require.NoError(t, err)
	assert.Equal(t, "Plain version here.", email.Body)
}

func TestParseRawHTMLOnly(t *testing.T) {
	raw := []byte("From: jane.smith@example.com\r\n" +
		"To: agent@example.com\r\n" +
		"Subject: Hello\r\n" +
		"Content-Type: text/html; charset=utf-8\r\n" +
		"\r\n" +
		"<div>Hello <b>Rafael</b> &amp; team!</div>\r\n")

	email, err := ParseRaw(raw)
	require.NoError(t, err)
	assert.Equal(t, "Hello Rafael & team!", email.Body)
}

func TestStripQuoted(t *testing.T) {
	body := "Thanks, that sounds great!\n" +
		"\n" +
		"On Mon, Aug 25, 2026 at 9:12 AM Rafael wrote:\n" +
		"> Hi Jane, welcome to the club!\n" +
		"> Looking forward to hearing from you.\n"

	assert.Equal(t, "Thanks, that sounds great!", StripQuoted(body))
}

func TestStripQuotedOutlookStyle(t *testing.T) {
	body := "Sure, count me in.\n" +
		"________________________________\n" +
		"From: Rafael <agent@example.com>\n" +
		"Sent: Monday, August 25, 2026\n" +
		"Subject: Welcome to RAID!\n"

	assert.Equal(t, "Sure, count me in.", StripQuoted(body))
}

func TestStripQuotedKeepsUnquotedBody(t *testing.T) {
	body := "First line.\nSecond line with a > in the middle.\n"
	assert.Equal(t, "First line.\nSecond line with a > in the middle.", StripQuoted(body))
}
