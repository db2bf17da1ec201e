package provider

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// OutcomeKind tags the provider result sum type.
type OutcomeKind string

const (
	OutcomeSuccess OutcomeKind = "success"
	OutcomeReject  OutcomeKind = "reject"
	OutcomeFail    OutcomeKind = "fail"
)

// ChildSpec is one follow-up task a successful completion produces.
// BlockedBy references sibling children by local name.
type ChildSpec struct {
	Name        string   `json:"name,omitempty"`
	TaskType    string   `json:"task_type"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Priority    string   `json:"priority,omitempty"`
	BlockedBy   []string `json:"blocked_by,omitempty"`
}

// Outcome is the tagged result of one provider invocation.
type Outcome struct {
	Kind       OutcomeKind `json:"outcome"`
	Children   []ChildSpec `json:"children,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	BackToRole string      `json:"back_to_role,omitempty"`
	Transient  bool        `json:"transient,omitempty"`
}

// outcomeSchema constrains the provider's final JSON payload.
const outcomeSchema = `{
	"type": "object",
	"required": ["outcome"],
	"properties": {
		"outcome": {"enum": ["success", "reject", "fail"]},
		"children": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["task_type", "title"],
				"properties": {
					"name": {"type": "string"},
					"task_type": {"type": "string", "minLength": 1},
					"title": {"type": "string", "minLength": 1},
					"description": {"type": "string"},
					"priority": {"enum": ["critical", "high", "medium", "low"]},
					"blocked_by": {"type": "array", "items": {"type": "string"}}
				}
			}
		},
		"reason": {"type": "string"},
		"back_to_role": {"type": "string"},
		"transient": {"type": "boolean"}
	},
	"allOf": [
		{
			"if": {"properties": {"outcome": {"const": "reject"}}},
			"then": {"required": ["reason", "back_to_role"]}
		},
		{
			"if": {"properties": {"outcome": {"const": "fail"}}},
			"then": {"required": ["reason"]}
		}
	]
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func schema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(outcomeSchema))
		if err != nil {
			schemaErr = fmt.Errorf("unmarshal outcome schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("outcome.json", doc); err != nil {
			schemaErr = fmt.Errorf("add outcome schema resource: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile("outcome.json")
	})
	return compiledSchema, schemaErr
}

// ParseOutcome extracts the outcome JSON from provider output and validates
// it. A payload that does not validate is a permanent provider error: the
// task must not reach the board with a malformed result.
func ParseOutcome(output string) (*Outcome, error) {
	jsonStr := extractJSON(output)
	if jsonStr == "" {
		return nil, &PermanentError{Err: fmt.Errorf("provider output contains no outcome JSON")}
	}

	sch, err := schema()
	if err != nil {
		return nil, err
	}
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(jsonStr))
	if err != nil {
		return nil, &PermanentError{Err: fmt.Errorf("invalid outcome JSON: %w", err)}
	}
	if err := sch.Validate(parsed); err != nil {
		return nil, &PermanentError{Err: fmt.Errorf("outcome schema validation: %w", err)}
	}

	var outcome Outcome
	if err := json.Unmarshal([]byte(jsonStr), &outcome); err != nil {
		return nil, &PermanentError{Err: fmt.Errorf("decode outcome: %w", err)}
	}
	return &outcome, nil
}

// extractJSON finds a JSON object in the provider's output: a fenced
// ```json block, a generic fenced block, or the first balanced object.
func extractJSON(text string) string {
	if idx := strings.Index(text, "```json"); idx >= 0 {
		start := idx + 7
		if start < len(text) && text[start] == '\n' {
			start++
		}
		if end := strings.Index(text[start:], "```"); end >= 0 {
			candidate := strings.TrimSpace(text[start : start+end])
			if candidate != "" {
				return candidate
			}
		}
	}

	if idx := strings.Index(text, "```\n"); idx >= 0 {
		start := idx + 4
		if end := strings.Index(text[start:], "```"); end >= 0 {
			candidate := strings.TrimSpace(text[start : start+end])
			if isJSON(candidate) {
				return candidate
			}
		}
	}

	for i := 0; i < len(text); i++ {
		if text[i] == '{' {
			candidate := extractBalanced(text[i:])
			if candidate != "" && isJSON(candidate) {
				return candidate
			}
		}
	}
	return ""
}

func isJSON(s string) bool {
	var v any
	return json.Unmarshal([]byte(s), &v) == nil
}

// extractBalanced extracts a balanced JSON object from the start of s,
// respecting strings and escapes.
func extractBalanced(s string) string {
	if len(s) == 0 || s[0] != '{' {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		if ch == '{' {
			depth++
		} else if ch == '}' {
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}
	return ""
}
