package llm

import (
	"context"
	"encoding/json"

	"github.com/charmbracelet/log"
	"github.com/mhalden/replica-service/internal/rag"
)

// MemoryBackend is the slice of the RAG client the tool loop needs.
type MemoryBackend interface {
	GetIdentity(ctx context.Context, userID, key string) rag.IdentityResult
	SearchMemory(ctx context.Context, userID, replicaID, query string, topK int) rag.SearchResult
	StoreMemory(ctx context.Context, userID, replicaID, content string, importance float64, source rag.MemorySource, sessionID string) rag.StoreResult
}

// Tool is an OpenAI-compatible tool definition.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction describes one callable function to the model.
type ToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolDefinitions returns the tools offered to the model on every completion:
// deterministic identity lookup, memory search, and memory storage.
func ToolDefinitions() []Tool {
	return []Tool{
		{
			Type: "function",
			Function: ToolFunction{
				Name:        "get_identity",
				Description: "Fetch structured identity data for the user. Use for deterministic facts like name, children, birthdate, favourite_colour.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"key": map[string]any{"type": "string", "description": `Identity key to look up, e.g. "children", "birthdate", "name"`},
					},
					"required": []string{"key"},
				},
			},
		},
		{
			Type: "function",
			Function: ToolFunction{
				Name:        "search_memory",
				Description: "Search long-term memory for relevant past events, conversations, or information about the user.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"query": map[string]any{"type": "string", "description": "Natural language search query describing what to look for"},
						"top_k": map[string]any{"type": "integer", "description": "Number of results to return (default: 3)"},
					},
					"required": []string{"query"},
				},
			},
		},
		{
			Type: "function",
			Function: ToolFunction{
				Name:        "store_memory",
				Description: "Store an important piece of user information into long-term memory. Use when the user shares something worth remembering.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"content":    map[string]any{"type": "string", "description": "The memory content to store"},
						"importance": map[string]any{"type": "number", "description": "Importance score between 0.0 and 1.0 (higher = more important)"},
						"source":     map[string]any{"type": "string", "enum": []string{"conversation", "file", "manual"}, "description": "Source of the memory"},
					},
					"required": []string{"content"},
				},
			},
		},
	}
}

type toolArgs struct {
	Key        string   `json:"key"`
	Query      string   `json:"query"`
	TopK       int      `json:"top_k"`
	Content    string   `json:"content"`
	Importance *float64 `json:"importance"`
	Source     string   `json:"source"`
}

// executeTool runs one tool call against the memory backend and returns the
// JSON-encoded result to feed back to the model. Tool failures are reported
// inside the payload, never as errors: the model decides how to react.
func executeTool(ctx context.Context, backend MemoryBackend, userID, replicaID, name string, rawArgs string) string {
	var args toolArgs
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
		log.Warn("Failed to parse tool arguments", "tool", name, "err", err)
	}

	var result any
	switch name {
	case "get_identity":
		result = backend.GetIdentity(ctx, userID, args.Key)
	case "search_memory":
		result = backend.SearchMemory(ctx, userID, replicaID, args.Query, args.TopK)
	case "store_memory":
		importance := 0.5
		if args.Importance != nil {
			importance = *args.Importance
		}
		source := rag.SourceConversation
		if args.Source != "" {
			source = rag.MemorySource(args.Source)
		}
		result = backend.StoreMemory(ctx, userID, replicaID, args.Content, importance, source, "")
	default:
		result = map[string]any{"success": false, "error": "unknown tool: " + name}
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return `{"success":false,"error":"failed to encode tool result"}`
	}
	return string(payload)
}
