// Package llm implements LLMClient (spec.md §4.7): a streaming chat
// completion client against an OpenAI-compatible /chat/completions endpoint.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fabfab/kbrag/internal/apperr"
)

// Role is the speaker of a chat Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of chat input.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Options tunes a single StreamChat call.
type Options struct {
	Model       string
	Temperature float32
	MaxTokens   int
}

// Client streams chat completions one delta at a time.
type Client interface {
	// StreamChat returns a channel of text deltas and a channel that
	// carries at most one error. Both channels close when the stream
	// ends; partial output already sent on deltas is not rolled back if
	// an UpstreamError arrives, per spec.md §4.7.
	StreamChat(ctx context.Context, messages []Message, opts Options) (<-chan string, <-chan error)
}

type openAIClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// Config bundles the settings needed to construct an OpenAI-compatible
// streaming chat client.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// New constructs a Client backed by POST {base_url}/chat/completions with
// stream:true, decoding the upstream text/event-stream body itself.
func New(cfg Config) Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &openAIClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
	}
}

type chatCompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
	Temperature float32   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type chatCompletionChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *openAIClient) StreamChat(ctx context.Context, messages []Message, opts Options) (<-chan string, <-chan error) {
	deltas := make(chan string)
	errs := make(chan error, 1)

	go func() {
		defer close(deltas)
		defer close(errs)

		if err := c.streamInto(ctx, messages, opts, deltas); err != nil {
			select {
			case errs <- err:
			default:
			}
		}
	}()

	return deltas, errs
}

func (c *openAIClient) streamInto(ctx context.Context, messages []Message, opts Options, deltas chan<- string) error {
	reqBody, err := json.Marshal(chatCompletionRequest{
		Model:       opts.Model,
		Messages:    messages,
		Stream:      true,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	})
	if err != nil {
		return apperr.Wrap(apperr.KindUpstream, err, "marshal chat completion request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return apperr.Wrap(apperr.KindUpstream, err, "create chat completion request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.KindUpstream, err, "call chat completions endpoint")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return apperr.New(apperr.KindUpstream, fmt.Sprintf("chat completions endpoint returned %s: %s", resp.Status, string(data)))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			return nil
		}

		var chunk chatCompletionChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			return apperr.Wrap(apperr.KindUpstream, err, "decode chat completion chunk")
		}
		if chunk.Error != nil {
			return apperr.New(apperr.KindUpstream, chunk.Error.Message)
		}

		for _, choice := range chunk.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			select {
			case deltas <- choice.Delta.Content:
			case <-ctx.Done():
				return nil
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return apperr.Wrap(apperr.KindUpstream, err, "read chat completion stream")
	}

	return nil
}
