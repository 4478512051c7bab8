// Package llm provides chat-completion backed collaborators: an intent
// classifier for the query router and a metadata extractor for self-query
// filters and knowledge chunks.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

const defaultEndpoint = "https://openrouter.ai/api/v1"

// Config points at an OpenAI-compatible chat completions API.
type Config struct {
	Endpoint string `json:"endpoint"`
	APIKey   string `json:"api_key"`
	Model    string `json:"model"`
}

// Client is a thin chat-completions wrapper shared by the collaborators.
type Client struct {
	client *openai.Client
	model  string
	logger *zap.Logger
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultEndpoint
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	oc.BaseURL = cfg.Endpoint
	return &Client{
		client: openai.NewClientWithConfig(oc),
		model:  cfg.Model,
		logger: logger,
	}
}

// complete sends a system plus user turn and returns the first choice.
func (c *Client) complete(ctx context.Context, system, user string, jsonMode bool) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature: 0,
	}
	if jsonMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}
	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("create chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty response from provider")
	}
	c.logger.Debug("llm completion",
		zap.String("model", resp.Model),
		zap.Int("total_tokens", resp.Usage.TotalTokens))
	return resp.Choices[0].Message.Content, nil
}

const classifyPrompt = `You route questions from a MotorTown community Discord.
Answer with exactly one word:
rag - the answer lives in past conversation or community guides
structured - the answer is a game stat (vehicle, part or cargo numbers)
hybrid - both are needed or you are unsure`

// Classifier labels queries as rag, structured or hybrid.
type Classifier struct {
	c *Client
}

func NewClassifier(c *Client) *Classifier {
	return &Classifier{c: c}
}

// Classify returns the model's label lowercased and stripped of
// punctuation. Unrecognized labels are left for the router to handle.
func (cl *Classifier) Classify(ctx context.Context, text string) (string, error) {
	out, err := cl.c.complete(ctx, classifyPrompt, text, false)
	if err != nil {
		return "", fmt.Errorf("classify: %w", err)
	}
	label := strings.ToLower(strings.TrimSpace(out))
	label = strings.Trim(label, ".!\"'`*")
	if i := strings.IndexAny(label, " \n\t"); i > 0 {
		label = label[:i]
	}
	return label, nil
}

// Extractor pulls metadata fields out of free text as a flat JSON object.
type Extractor struct {
	c      *Client
	fields []string
}

// DefaultFields covers both query filters and knowledge chunk metadata.
var DefaultFields = []string{"topic", "content_type", "thread_name", "entities", "question_types"}

// NewExtractor builds an Extractor. Empty fields uses DefaultFields.
func NewExtractor(c *Client, fields []string) *Extractor {
	if len(fields) == 0 {
		fields = DefaultFields
	}
	return &Extractor{c: c, fields: fields}
}

func (e *Extractor) prompt() string {
	return `Extract metadata from the text as a single JSON object.
Use only these keys and omit any you cannot determine: ` + strings.Join(e.fields, ", ") + `.
"entities" are vehicle, part, cargo or place names. "question_types" are the kinds of
questions the text answers. Lists are JSON arrays of short strings.`
}

// Extract returns string fields. Arrays are comma-joined, numbers and
// booleans are formatted, nulls and empty values are skipped.
func (e *Extractor) Extract(ctx context.Context, text string) (map[string]string, error) {
	out, err := e.c.complete(ctx, e.prompt(), text, true)
	if err != nil {
		return nil, fmt.Errorf("extract metadata: %w", err)
	}
	return parseFields(out)
}

func parseFields(raw string) (map[string]string, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")

	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil, fmt.Errorf("decode extracted fields: %w", err)
	}
	fields := make(map[string]string, len(obj))
	for k, v := range obj {
		if s := flatten(v); s != "" {
			fields[k] = s
		}
	}
	return fields, nil
}

func flatten(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			if s := flatten(item); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ",")
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}
