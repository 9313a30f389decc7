// Package extract pulls structured member fields out of a finished
// conversation transcript. The output contract is a fixed JSON schema so the
// workflow engine can validate results structurally instead of trusting
// free-form text; a schema mismatch is reported as a retryable failure.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"onboard-mail-agent/internal/models"
)

const extractionPrompt = `You extract structured information about a new club member from an email conversation. Read the transcript and return ONLY a JSON object with exactly these fields:

{
  "major": "the member's major or field of study, or empty string if never stated",
  "motivation": "why the member joined or what they hope to get out of the club, or empty string",
  "activity_interest": "the kinds of activities the member seems interested in, or empty string"
}

Do not invent information that is not in the transcript. Output nothing but the JSON object.`

// Profile is the versioned output contract of the extraction adapter.
type Profile struct {
	Major            string `json:"major"`
	Motivation       string `json:"motivation"`
	ActivityInterest string `json:"activity_interest"`
}

// Empty reports whether nothing at all was extracted.
func (p Profile) Empty() bool {
	return p.Major == "" && p.Motivation == "" && p.ActivityInterest == ""
}

// Completer is the text-understanding call the extractor depends on.
type Completer interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Extractor wraps a single extraction call. It retains no state between
// calls.
type Extractor struct {
	llm Completer
}

func New(llm Completer) *Extractor {
	return &Extractor{llm: llm}
}

// Extract runs field extraction over an ordered transcript. A response that
// does not satisfy the schema is an error, which the caller treats as
// retryable.
func (e *Extractor) Extract(ctx context.Context, transcript []models.Message) (Profile, error) {
	var b strings.Builder
	for _, msg := range transcript {
		role := "member"
		if msg.Sender == models.SenderAgent {
			role = "agent"
		}
		fmt.Fprintf(&b, "[%s] %s\n", role, strings.TrimSpace(msg.Body))
	}

	raw, err := e.llm.Complete(ctx, extractionPrompt, b.String())
	if err != nil {
		return Profile{}, fmt.Errorf("extraction call failed: %w", err)
	}

	profile, err := parseProfile(raw)
	if err != nil {
		return Profile{}, fmt.Errorf("extraction response rejected: %w", err)
	}
	return profile, nil
}

// parseProfile decodes the model output into the fixed schema. Code fences
// around the JSON are tolerated since models add them routinely.
func parseProfile(raw string) (Profile, error) {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	decoder := json.NewDecoder(strings.NewReader(cleaned))
	decoder.DisallowUnknownFields()

	var profile Profile
	if err := decoder.Decode(&profile); err != nil {
		return Profile{}, fmt.Errorf("malformed profile JSON: %w", err)
	}
	if decoder.More() {
		return Profile{}, fmt.Errorf("trailing content after profile JSON")
	}
	return profile, nil
}
