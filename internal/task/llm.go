package task

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"erasured/internal/config"
	"erasured/internal/connectors/httpx"
)

// LLMClient generates schema-constrained JSON. The mock provider returns a
// deterministic placeholder shaped by the schema; otherwise an
// OpenAI-compatible chat completions endpoint is called with JSON-only
// output demanded.
type LLMClient struct {
	cfg    config.LLMConfig
	client *http.Client
}

// NewLLMClient builds a client from the llm config section.
func NewLLMClient(cfg config.LLMConfig) *LLMClient {
	return &LLMClient{cfg: cfg, client: &http.Client{Timeout: 120 * time.Second}}
}

// GenerateJSON produces a JSON document for the prompt, validated against
// schema when one is given.
func (l *LLMClient) GenerateJSON(ctx context.Context, system, prompt string, schema map[string]any) (map[string]any, error) {
	var doc map[string]any
	if l.cfg.Provider == "mock" {
		doc = placeholderFromSchema(schema)
	} else {
		generated, err := l.complete(ctx, system, prompt)
		if err != nil {
			return nil, err
		}
		doc = generated
	}

	if len(schema) > 0 {
		if err := validateAgainstSchema(doc, schema); err != nil {
			return nil, Fatal("llm output failed schema validation: %v", err)
		}
	}
	return doc, nil
}

func (l *LLMClient) complete(ctx context.Context, system, prompt string) (map[string]any, error) {
	messages := []map[string]string{}
	if system != "" {
		messages = append(messages, map[string]string{"role": "system", "content": system})
	}
	messages = append(messages, map[string]string{"role": "user", "content": prompt})

	payload := map[string]any{
		"model":           l.cfg.Model,
		"messages":        messages,
		"temperature":     0,
		"response_format": map[string]string{"type": "json_object"},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, WrapFatal(err, "encode llm request")
	}

	endpoint := strings.TrimSuffix(l.cfg.Endpoint, "/") + "/v1/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, WrapFatal(err, "build llm request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+l.cfg.APIKey)

	res, err := l.client.Do(req)
	if err != nil {
		return nil, WrapTransient(err, "llm request")
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return nil, WrapTransient(err, "read llm response")
	}
	if res.StatusCode >= 400 {
		return nil, &Error{
			Message:    fmt.Sprintf("llm endpoint returned %d: %s", res.StatusCode, truncate(string(raw), 300)),
			Transient:  httpx.TransientStatus(res.StatusCode),
			StatusCode: res.StatusCode,
		}
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, WrapFatal(err, "decode llm response")
	}
	if len(parsed.Choices) == 0 {
		return nil, Fatal("llm response had no choices")
	}

	content := stripFences(parsed.Choices[0].Message.Content)
	var doc map[string]any
	if err := json.Unmarshal([]byte(content), &doc); err != nil {
		return nil, Fatal("llm output is not valid JSON: %v", err)
	}
	return doc, nil
}

// stripFences removes a surrounding ```json ... ``` (or plain ```) fence.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// placeholderFromSchema builds a deterministic document satisfying the
// schema's top-level properties.
func placeholderFromSchema(schema map[string]any) map[string]any {
	doc := map[string]any{}
	props, _ := schema["properties"].(map[string]any)
	for name, raw := range props {
		prop, _ := raw.(map[string]any)
		doc[name] = placeholderValue(prop)
	}
	if len(doc) == 0 {
		doc["result"] = "placeholder"
	}
	return doc
}

func placeholderValue(prop map[string]any) any {
	t, _ := prop["type"].(string)
	switch t {
	case "string":
		if enum, ok := prop["enum"].([]any); ok && len(enum) > 0 {
			return enum[0]
		}
		return "placeholder"
	case "number":
		return 0.0
	case "integer":
		return 0
	case "boolean":
		return false
	case "array":
		return []any{}
	case "object":
		if nested, ok := prop["properties"].(map[string]any); ok {
			return placeholderFromSchema(map[string]any{"properties": nested})
		}
		return map[string]any{}
	default:
		return nil
	}
}

func validateAgainstSchema(doc, schema map[string]any) error {
	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return err
	}
	schemaDoc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("output.json", schemaDoc); err != nil {
		return err
	}
	compiled, err := c.Compile("output.json")
	if err != nil {
		return err
	}

	docJSON, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(docJSON))
	if err != nil {
		return err
	}
	return compiled.Validate(inst)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
