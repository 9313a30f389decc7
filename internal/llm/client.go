// Package llm wraps the Azure OpenAI chat-completions API behind a small
// client shared by the reply composer and the extraction adapter.
package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/ai/azopenai"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"

	"onboard-mail-agent/internal/config"
)

// Client sends chat-completion requests to a fixed deployment.
type Client struct {
	client     *azopenai.Client
	deployment string
	timeout    time.Duration
}

// NewClient creates a Client from the configured endpoint, key, and
// deployment name.
func NewClient(cfg *config.LLMConfig) (*Client, error) {
	keyCredential := azcore.NewKeyCredential(cfg.APIKey)
	client, err := azopenai.NewClientWithKeyCredential(cfg.Endpoint, keyCredential, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure OpenAI client: %w", err)
	}
	return &Client{
		client:     client,
		deployment: cfg.Deployment,
		timeout:    cfg.RequestTimeout,
	}, nil
}

// Complete sends a system prompt plus user prompt and returns the completion
// text. The call is bounded by the configured request timeout; the caller
// treats a timeout as a retryable adapter failure.
func (c *Client) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	messages := []azopenai.ChatRequestMessageClassification{
		&azopenai.ChatRequestSystemMessage{
			Content: azopenai.NewChatRequestSystemMessageContent(systemPrompt),
		},
		&azopenai.ChatRequestUserMessage{
			Content: azopenai.NewChatRequestUserMessageContent(userPrompt),
		},
	}

	resp, err := c.client.GetChatCompletions(ctx, azopenai.ChatCompletionsOptions{
		DeploymentName: to.Ptr(c.deployment),
		Messages:       messages,
	}, nil)
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}

	if len(resp.Choices) == 0 || resp.Choices[0].Message == nil || resp.Choices[0].Message.Content == nil {
		return "", fmt.Errorf("no completion received")
	}

	return *resp.Choices[0].Message.Content, nil
}
