// Package guardrails runs pre-flight request checks for a virtual key.
//
// Checks are pure functions over the parsed request, ordered cheapest
// first: model allow/deny, banned phrases, banned regexes, PII heuristic,
// input-token cap, request shape validation. The first failing check
// short-circuits with a rejection reason that becomes the client-visible
// error detail.
package guardrails

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/nulpointcorp/ditto-gateway/internal/store"
)

// Rejection names the failed check.
type Rejection struct {
	Reason string
}

func (r *Rejection) Error() string { return "guardrails: " + r.Reason }

// piiPatterns are the built-in heuristics: email addresses and US SSNs.
var piiPatterns = []*regexp.Regexp{
	regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`),
	regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
}

// Rails is a compiled guardrail set. A nil *Rails passes everything.
type Rails struct {
	allowModels    []string
	denyModels     []string
	bannedPhrases  []string // lowercased
	bannedPatterns []*regexp.Regexp
	blockPII       bool
	maxInputTokens int64
	validateSchema bool
}

// Compile builds a Rails from raw settings. Invalid regexes fail here so
// misconfiguration is caught at load time, not per request.
func Compile(s store.GuardrailSettings) (*Rails, error) {
	r := &Rails{
		allowModels:    s.AllowModels,
		denyModels:     s.DenyModels,
		blockPII:       s.BlockPII,
		maxInputTokens: s.MaxInputTokens,
		validateSchema: s.ValidateSchema,
	}
	for _, p := range s.BannedPhrases {
		if p != "" {
			r.bannedPhrases = append(r.bannedPhrases, strings.ToLower(p))
		}
	}
	for _, p := range s.BannedPatterns {
		if p == "" {
			continue
		}
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("guardrails: invalid pattern %q: %w", p, err)
		}
		r.bannedPatterns = append(r.bannedPatterns, re)
	}
	return r, nil
}

// Empty reports whether no check is active.
func (r *Rails) Empty() bool {
	return r == nil || (len(r.allowModels) == 0 && len(r.denyModels) == 0 &&
		len(r.bannedPhrases) == 0 && len(r.bannedPatterns) == 0 &&
		!r.blockPII && r.maxInputTokens == 0 && !r.validateSchema)
}

// Check runs all checks against the request. body is the raw JSON body,
// model the extracted model name (may be empty), inputTokens the
// pre-dispatch estimate.
func (r *Rails) Check(path string, body []byte, model string, inputTokens int64) *Rejection {
	if r == nil {
		return nil
	}

	if reason := r.checkModel(model); reason != "" {
		return &Rejection{Reason: reason}
	}

	var text string
	if len(r.bannedPhrases) > 0 || len(r.bannedPatterns) > 0 || r.blockPII {
		text = ExtractText(body)
	}

	lower := strings.ToLower(text)
	for _, phrase := range r.bannedPhrases {
		if strings.Contains(lower, phrase) {
			return &Rejection{Reason: "banned_phrase:" + phrase}
		}
	}
	for _, re := range r.bannedPatterns {
		if re.MatchString(text) {
			return &Rejection{Reason: "banned_pattern:" + re.String()}
		}
	}
	if r.blockPII {
		for _, re := range piiPatterns {
			if re.MatchString(text) {
				return &Rejection{Reason: "pii_detected"}
			}
		}
	}

	if r.maxInputTokens > 0 && inputTokens > r.maxInputTokens {
		return &Rejection{Reason: fmt.Sprintf("input_tokens>%d", r.maxInputTokens)}
	}

	if r.validateSchema {
		if reason := checkShape(path, body); reason != "" {
			return &Rejection{Reason: reason}
		}
	}
	return nil
}

// checkModel applies the deny list first, then the allow list. Patterns
// support a trailing '*' prefix wildcard. An empty model passes — model-less
// endpoints (e.g. file uploads) are not model-governed.
func (r *Rails) checkModel(model string) string {
	model = strings.TrimSpace(model)
	if model == "" {
		return ""
	}
	for _, pattern := range r.denyModels {
		if modelMatches(model, pattern) {
			return "deny_model:" + pattern
		}
	}
	if len(r.allowModels) > 0 {
		for _, pattern := range r.allowModels {
			if modelMatches(model, pattern) {
				return ""
			}
		}
		return "model_not_allowed:" + model
	}
	return ""
}

func modelMatches(model, pattern string) bool {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return false
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(model, prefix)
	}
	return model == pattern
}

// ExtractText collects the free-text fields content scanning applies to:
// chat message content (string or content-part arrays), prompt, and input
// (string or array of strings).
func ExtractText(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var sb strings.Builder
	doc := gjson.ParseBytes(body)

	doc.Get("messages").ForEach(func(_, msg gjson.Result) bool {
		content := msg.Get("content")
		if content.Type == gjson.String {
			sb.WriteString(content.String())
			sb.WriteByte('\n')
		} else if content.IsArray() {
			content.ForEach(func(_, part gjson.Result) bool {
				if t := part.Get("text"); t.Exists() {
					sb.WriteString(t.String())
					sb.WriteByte('\n')
				}
				return true
			})
		}
		return true
	})

	for _, field := range []string{"prompt", "input"} {
		v := doc.Get(field)
		if v.Type == gjson.String {
			sb.WriteString(v.String())
			sb.WriteByte('\n')
		} else if v.IsArray() {
			v.ForEach(func(_, item gjson.Result) bool {
				if item.Type == gjson.String {
					sb.WriteString(item.String())
					sb.WriteByte('\n')
				}
				return true
			})
		}
	}
	return sb.String()
}

type shapeField struct {
	name string
	// typ 0 accepts any present type.
	typ gjson.Type
}

type endpointShape struct {
	suffix string
	fields []shapeField
}

// endpointShapes lists recognized path suffixes and their required fields,
// most specific first ("/chat/completions" must win over "/completions").
// Unrecognized endpoints are not shape-checked.
var endpointShapes = []endpointShape{
	{"/chat/completions", []shapeField{{"model", gjson.String}, {"messages", gjson.JSON}}},
	{"/completions", []shapeField{{"model", gjson.String}, {"prompt", 0}}},
	{"/embeddings", []shapeField{{"model", gjson.String}, {"input", 0}}},
	{"/moderations", []shapeField{{"input", 0}}},
	{"/images/generations", []shapeField{{"prompt", gjson.String}}},
	{"/audio/speech", []shapeField{{"model", gjson.String}, {"input", gjson.String}}},
	{"/rerank", []shapeField{{"model", gjson.String}, {"query", gjson.String}, {"documents", gjson.JSON}}},
	{"/batches", []shapeField{{"input_file_id", gjson.String}, {"endpoint", gjson.String}}},
	{"/files", nil}, // multipart upload; nothing to shape-check
}

// checkShape validates the minimal request shape for recognized endpoints.
func checkShape(path string, body []byte) string {
	var fields []shapeField
	matched := false
	for _, shape := range endpointShapes {
		if strings.HasSuffix(path, shape.suffix) {
			fields, matched = shape.fields, true
			break
		}
	}
	if !matched || len(fields) == 0 {
		return ""
	}
	if !gjson.ValidBytes(body) {
		return "schema:invalid_json"
	}
	doc := gjson.ParseBytes(body)
	for _, f := range fields {
		v := doc.Get(f.name)
		if !v.Exists() {
			return "schema:missing_field:" + f.name
		}
		if f.typ != 0 && v.Type != f.typ {
			return "schema:invalid_field:" + f.name
		}
	}
	if strings.HasSuffix(path, "/chat/completions") {
		if !doc.Get("messages").IsArray() {
			return "schema:invalid_field:messages"
		}
	}
	if strings.HasSuffix(path, "/rerank") {
		if !doc.Get("documents").IsArray() {
			return "schema:invalid_field:documents"
		}
	}
	return ""
}
