package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lucasnoah/specfactory/internal/pipeline"
)

// Status classifies one agent call.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusTimeout   Status = "timeout"
	StatusEmpty     Status = "empty"
	StatusMalformed Status = "malformed"
)

// StageKey is the field a stage payload must carry in addition to role and content.
func StageKey(st pipeline.Stage) string {
	switch st {
	case pipeline.StagePlan:
		return "work_breakdown"
	case pipeline.StageTasks:
		return "tasks"
	case pipeline.StageImplement:
		return "implementation"
	case pipeline.StageValidate:
		return "test_strategy"
	case pipeline.StageAudit:
		return "audit_verdict"
	case pipeline.StageUnlock:
		return "unlock_decision"
	}
	return ""
}

// ValidateResponse checks a raw answer against the structural schema for its
// decision kind and returns the extracted JSON object. Validation is purely
// structural: required fields present and of the right JSON type.
func ValidateResponse(kind Kind, stage pipeline.Stage, raw []byte, minChars int) (json.RawMessage, Status, error) {
	text := strings.TrimSpace(string(raw))
	if len([]rune(text)) < minChars || text == "" {
		return nil, StatusEmpty, fmt.Errorf("response has %d characters, need %d: %w", len([]rune(text)), minChars, pipeline.ErrAgentEmptyResult)
	}
	obj, ok := extractJSON(text)
	if !ok {
		return nil, StatusMalformed, fmt.Errorf("no JSON object in response: %w", pipeline.ErrAgentMalformedResponse)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(obj, &fields); err != nil {
		return nil, StatusMalformed, fmt.Errorf("decode response: %v: %w", err, pipeline.ErrAgentMalformedResponse)
	}

	var errs []string
	requireString(fields, "role", &errs)
	optionalString(fields, "reasoning", &errs)
	switch kind {
	case KindStage:
		requireString(fields, "content", &errs)
		if key := StageKey(stage); key != "" {
			if v, ok := fields[key]; !ok || isNull(v) {
				errs = append(errs, fmt.Sprintf("missing field %q", key))
			}
		}
	case KindQuality:
		validateIssues(fields, &errs)
	case KindArbiter:
		requireString(fields, "answer", &errs)
	default:
		errs = append(errs, fmt.Sprintf("unknown decision kind %q", kind))
	}
	if len(errs) > 0 {
		return nil, StatusMalformed, fmt.Errorf("%s: %w", strings.Join(errs, "; "), pipeline.ErrAgentMalformedResponse)
	}
	return obj, StatusSuccess, nil
}

func validateIssues(fields map[string]json.RawMessage, errs *[]string) {
	raw, ok := fields["issues"]
	if !ok {
		*errs = append(*errs, `missing field "issues"`)
		return
	}
	var issues []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &issues); err != nil {
		*errs = append(*errs, `field "issues" must be an array of objects`)
		return
	}
	for i, issue := range issues {
		var ie []string
		requireString(issue, "id", &ie)
		requireString(issue, "question", &ie)
		requireString(issue, "answer", &ie)
		for _, f := range []string{"confidence", "magnitude", "severity", "resolvability", "reasoning", "suggested_fix", "suggested_improvement", "context", "section", "find"} {
			optionalString(issue, f, &ie)
		}
		for _, e := range ie {
			*errs = append(*errs, fmt.Sprintf("issues[%d]: %s", i, e))
		}
	}
}

func requireString(fields map[string]json.RawMessage, key string, errs *[]string) {
	v, ok := fields[key]
	if !ok || isNull(v) {
		*errs = append(*errs, fmt.Sprintf("missing field %q", key))
		return
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		*errs = append(*errs, fmt.Sprintf("field %q must be a string", key))
		return
	}
	if strings.TrimSpace(s) == "" {
		*errs = append(*errs, fmt.Sprintf("field %q is empty", key))
	}
}

func optionalString(fields map[string]json.RawMessage, key string, errs *[]string) {
	v, ok := fields[key]
	if !ok || isNull(v) {
		return
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		*errs = append(*errs, fmt.Sprintf("field %q must be a string", key))
	}
}

func isNull(v json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

// extractJSON finds the JSON object in an answer. Agents often wrap it in a
// markdown code fence or surround it with prose.
func extractJSON(text string) ([]byte, bool) {
	if i := strings.Index(text, "```"); i >= 0 {
		rest := text[i+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[nl+1:]
		}
		if end := strings.Index(rest, "```"); end >= 0 {
			if obj, ok := objectSpan(rest[:end]); ok {
				return obj, true
			}
		}
	}
	return objectSpan(text)
}

func objectSpan(s string) ([]byte, bool) {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return nil, false
	}
	obj := []byte(s[start : end+1])
	if !json.Valid(obj) {
		return nil, false
	}
	return obj, true
}

// SchemaExample returns an example answer for a decision kind. It is appended
// to retry prompts after empty or malformed answers.
func SchemaExample(kind Kind, stage pipeline.Stage) string {
	switch kind {
	case KindQuality:
		return `{
  "role": "<your role>",
  "issues": [
    {
      "id": "Q1",
      "question": "Should failed login attempts be logged?",
      "answer": "yes",
      "confidence": "high",
      "magnitude": "important",
      "resolvability": "auto-fix",
      "reasoning": "Audit requirements call for it.",
      "suggested_fix": "Log failed login attempts with user id and source address.",
      "section": "Security"
    }
  ]
}`
	case KindArbiter:
		return `{
  "role": "arbiter",
  "answer": "<the answer you believe is correct>",
  "reasoning": "<why>"
}`
	}
	key := StageKey(stage)
	if key == "" {
		key = "details"
	}
	return fmt.Sprintf(`{
  "role": "<your role>",
  "content": "- one finding per line\n- another finding",
  %q: "<stage specific output>"
}`, key)
}
