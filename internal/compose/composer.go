// Package compose drafts outbound mail bodies with the text-generation
// service. The composer holds no conversation state; everything it needs is
// passed in per call, and its output is Markdown ready for rendering.
package compose

import (
	"context"
	"fmt"
	"strings"

	"onboard-mail-agent/internal/models"
)

// systemPrompt defines the agent persona shared by every drafting call.
const systemPrompt = `You are Rafael, the email agent for the University of Melbourne's RAID (Responsive AI Development) club. Your task is to manage the email correspondence with a new member. Your primary goal is to initiate and maintain a conversation to build rapport.

Persona & Style: Write in a friendly, smart-casual, and conversational tone. The email must be easy to read and designed for a back-and-forth exchange.

Initial Email: Start with a warm greeting, introduce yourself as RAID's latest agent, and ask the member about their interests and major. Do not provide any event details or recommendations; the goal is to encourage a reply and gather more information.

Subsequent Emails: Continue the conversation by asking follow-up questions about their background, interests, and experiences. Do not mention, invent, or discuss any events, workshops, or club activities. Keep responses engaging and question-based to prompt replies.

IMPORTANT: Output ONLY the final email body. Do not include reasoning, drafts, or any internal thoughts.

FORMATTING RULES:
- Use **bold** for emphasis and *italics* for subtle emphasis
- Use bullet points sparingly and only when it improves clarity; start each bullet on a new line with "- "
- Use proper paragraphs with blank lines between them

Constraints: Do not ask for any more information than what is specified above. The entire response should be under 250 words and ready to be used as a final output.`

// farewellNote must close the final message of every conversation verbatim.
const farewellNote = "This concludes our conversation with Rafael, the club agent. Feel free to reach out anytime."

// Completer is the text-generation call the composer depends on.
type Completer interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Composer drafts welcome, follow-up, and farewell bodies.
type Composer struct {
	llm Completer
}

func New(llm Completer) *Composer {
	return &Composer{llm: llm}
}

// Welcome drafts the initial message for a new recipient.
func (c *Composer) Welcome(ctx context.Context, name, email string) (string, error) {
	prompt := fmt.Sprintf(
		"Generate only the body of the initial welcome email for new member %s <%s>. "+
			"Do not include the subject line; the subject is set separately. "+
			"Use a friendly, conversational tone. You may use **bold** for emphasis where appropriate "+
			"and bullet points (starting with -) for any lists or questions.",
		name, email)

	body, err := c.llm.Complete(ctx, systemPrompt, prompt)
	if err != nil {
		return "", fmt.Errorf("failed to draft welcome for %s: %w", email, err)
	}
	return strings.TrimSpace(body), nil
}

// Reply drafts the next follow-up given the full transcript and the current
// exchange step. Step counts completed user replies, so step 1 is the
// response to the user's first message.
func (c *Composer) Reply(ctx context.Context, transcript []models.Message, step int, name, email string) (string, error) {
	latest := latestUserBody(transcript)

	var instruction string
	switch step {
	case 1:
		instruction = fmt.Sprintf(
			"The user %s has replied to our initial welcome email. Their response was: %q. "+
				"Generate a follow-up email asking more about their background and interests, "+
				"acknowledging their previous response.", email, latest)
	case 2:
		instruction = fmt.Sprintf(
			"The user %s has replied again. Their latest response was: %q. "+
				"Generate a more engaging follow-up email building on this conversation. "+
				"The goal is to get to know them better.", email, latest)
	default:
		instruction = fmt.Sprintf(
			"The user %s replied with: %q. Based on the interests shown in this conversation, "+
				"generate a personalized response incorporating the club's vision and mission. "+
				"The goal is to learn which kinds of activities they would enjoy. "+
				"Do not recommend or invent any events.", email, latest)
	}

	prompt := instruction + "\n\nConversation so far:\n" + renderTranscript(transcript)

	body, err := c.llm.Complete(ctx, systemPrompt, prompt)
	if err != nil {
		return "", fmt.Errorf("failed to draft reply for %s at step %d: %w", email, step, err)
	}
	return strings.TrimSpace(body), nil
}

// Farewell drafts the closing message sent once the exchange limit is
// reached and extraction has succeeded.
func (c *Composer) Farewell(ctx context.Context, transcript []models.Message, name, email string) (string, error) {
	prompt := fmt.Sprintf(
		"Generate a final closing message for %s based on their latest response: %q. "+
			"End the conversation politely and encourage them to reach out anytime. "+
			"Do not suggest events. IMPORTANT: the email MUST end with this exact note: %q"+
			"\n\nConversation so far:\n%s",
		email, latestUserBody(transcript), farewellNote, renderTranscript(transcript))

	body, err := c.llm.Complete(ctx, systemPrompt, prompt)
	if err != nil {
		return "", fmt.Errorf("failed to draft farewell for %s: %w", email, err)
	}
	return strings.TrimSpace(body), nil
}

// renderTranscript flattens an ordered message sequence into prompt text.
func renderTranscript(transcript []models.Message) string {
	var b strings.Builder
	for _, msg := range transcript {
		role := "User"
		if msg.Sender == models.SenderAgent {
			role = "Rafael"
		}
		b.WriteString(role)
		b.WriteString(": ")
		b.WriteString(strings.TrimSpace(msg.Body))
		b.WriteString("\n\n")
	}
	return strings.TrimSpace(b.String())
}

// latestUserBody returns the newest user-sent body, truncated for prompting.
func latestUserBody(transcript []models.Message) string {
	for i := len(transcript) - 1; i >= 0; i-- {
		if transcript[i].Sender == models.SenderUser {
			body := strings.TrimSpace(transcript[i].Body)
			if len(body) > 500 {
				body = body[:500] + "..."
			}
			return body
		}
	}
	return ""
}
