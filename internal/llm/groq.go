// Package llm is the Groq chat-completions client with an autonomous tool
// loop: the model may call memory tools, whose results are fed back as tool
// messages until it produces a final text response.
//
// Completions are never retried; model generation is not idempotent.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/mhalden/replica-service/internal/config"
)

// maxToolIterations bounds the tool loop so a misbehaving model cannot spin.
const maxToolIterations = 5

const defaultMaxTokens = 2048

// ChatMessage is one turn in the completion request, OpenAI wire shape.
type ChatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a model-issued function invocation.
type ToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// CompletionOptions tune one completion request.
type CompletionOptions struct {
	SystemPrompt string
	ReplicaID    string
	MaxTokens    int
	Temperature  *float64
}

// CompletionResult is the normalized outcome of a completion, including the
// tool-loop accounting. Configured=false means no API key was set; the result
// carries a structured failure instead of a model reply.
type CompletionResult struct {
	Success    bool   `json:"success"`
	Configured bool   `json:"configured"`
	Text       string `json:"text"`
	Model      string `json:"model,omitempty"`
	Error      string `json:"error,omitempty"`
	Iterations int    `json:"iterations"`
	ToolCalls  int    `json:"toolCalls"`
}

// Client calls the Groq OpenAI-compatible chat completions endpoint.
type Client struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
	backend    MemoryBackend
}

// NewClient creates a Client from the application config. The backend serves
// the model's tool calls.
func NewClient(cfg *config.Config, backend MemoryBackend) *Client {
	return &Client{
		apiKey:     cfg.GroqAPIKey,
		model:      cfg.GroqModel,
		baseURL:    strings.TrimRight(cfg.GroqBaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.GroqTimeout},
		backend:    backend,
	}
}

// Configured reports whether an API key is present.
func (c *Client) Configured() bool { return c.apiKey != "" }

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Tools       []Tool        `json:"tools,omitempty"`
	ToolChoice  string        `json:"tool_choice,omitempty"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message ChatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// ChatCompletion runs the full tool loop: send messages, execute any tool
// calls against the memory backend, feed results back, repeat until the model
// answers with text or the iteration bound is hit.
func (c *Client) ChatCompletion(ctx context.Context, userID string, messages []ChatMessage, opts CompletionOptions) CompletionResult {
	if !c.Configured() {
		log.Warn("Groq not configured, returning stub response", "userID", userID)
		return CompletionResult{
			Configured: false,
			Error:      "Groq API key not set; LLM orchestration is disabled",
		}
	}

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	temperature := 0.7
	if opts.Temperature != nil {
		temperature = *opts.Temperature
	}

	conversation := make([]ChatMessage, 0, len(messages)+1)
	if opts.SystemPrompt != "" {
		conversation = append(conversation, ChatMessage{Role: "system", Content: opts.SystemPrompt})
	}
	conversation = append(conversation, messages...)

	start := time.Now()
	totalToolCalls := 0

	for iteration := 1; iteration <= maxToolIterations; iteration++ {
		resp, err := c.complete(ctx, chatRequest{
			Model:       c.model,
			Messages:    conversation,
			Tools:       ToolDefinitions(),
			ToolChoice:  "auto",
			MaxTokens:   maxTokens,
			Temperature: temperature,
		})
		if err != nil {
			log.Error("Groq API error", "iteration", iteration, "userID", userID, "model", c.model, "err", err)
			return CompletionResult{
				Configured: true,
				Error:      err.Error(),
				Iterations: iteration,
				ToolCalls:  totalToolCalls,
			}
		}

		assistant := resp.Choices[0].Message

		if len(assistant.ToolCalls) == 0 {
			log.Info("Groq completion finished",
				"userID", userID,
				"model", c.model,
				"iterations", iteration,
				"toolCalls", totalToolCalls,
				"elapsed", time.Since(start),
			)
			return CompletionResult{
				Success:    true,
				Configured: true,
				Text:       assistant.Content,
				Model:      c.model,
				Iterations: iteration,
				ToolCalls:  totalToolCalls,
			}
		}

		totalToolCalls += len(assistant.ToolCalls)
		names := make([]string, len(assistant.ToolCalls))
		for i, tc := range assistant.ToolCalls {
			names[i] = tc.Function.Name
		}
		log.Info("Groq issued tool calls", "iteration", iteration, "tools", names, "userID", userID)

		conversation = append(conversation, assistant)
		for _, tc := range assistant.ToolCalls {
			conversation = append(conversation, ChatMessage{
				Role:       "tool",
				ToolCallID: tc.ID,
				Content:    executeTool(ctx, c.backend, userID, opts.ReplicaID, tc.Function.Name, tc.Function.Arguments),
			})
		}
	}

	log.Warn("Groq exhausted tool-call iterations", "userID", userID, "toolCalls", totalToolCalls)
	return CompletionResult{
		Configured: true,
		Error:      fmt.Sprintf("exhausted %d tool-call iterations without a final response", maxToolIterations),
		Iterations: maxToolIterations,
		ToolCalls:  totalToolCalls,
	}
}

func (c *Client) complete(ctx context.Context, request chatRequest) (*chatResponse, error) {
	payload, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var decoded chatResponse
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, fmt.Errorf("malformed completion response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if decoded.Error != nil && decoded.Error.Message != "" {
			return nil, fmt.Errorf("groq returned %d: %s", resp.StatusCode, decoded.Error.Message)
		}
		return nil, fmt.Errorf("groq returned %d", resp.StatusCode)
	}
	if len(decoded.Choices) == 0 {
		return nil, fmt.Errorf("no choices returned")
	}
	return &decoded, nil
}
