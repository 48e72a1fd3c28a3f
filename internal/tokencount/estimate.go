// Package tokencount estimates input token counts before dispatch.
//
// The gateway has no tokenizer for arbitrary upstream models, so estimates
// use the ~4 characters per token heuristic over the extracted text fields,
// with a small per-message overhead for chat requests. When no text field
// is recognized the raw body size divided by four is the floor. Estimates
// only gate admission (token caps, budget reservations); settlement prefers
// the usage the upstream reports.
package tokencount

import (
	"github.com/tidwall/gjson"
)

const (
	bytesPerToken    = 4
	perMessageTokens = 4
)

// EstimateBody returns the token estimate for a raw request body.
func EstimateBody(body []byte) int64 {
	if len(body) == 0 {
		return 0
	}
	doc := gjson.ParseBytes(body)

	var chars int64
	var messages int64
	doc.Get("messages").ForEach(func(_, msg gjson.Result) bool {
		messages++
		content := msg.Get("content")
		if content.Type == gjson.String {
			chars += int64(len(content.String()))
		} else if content.IsArray() {
			content.ForEach(func(_, part gjson.Result) bool {
				chars += int64(len(part.Get("text").String()))
				return true
			})
		}
		return true
	})
	for _, field := range []string{"prompt", "input"} {
		v := doc.Get(field)
		if v.Type == gjson.String {
			chars += int64(len(v.String()))
		} else if v.IsArray() {
			v.ForEach(func(_, item gjson.Result) bool {
				if item.Type == gjson.String {
					chars += int64(len(item.String()))
				}
				return true
			})
		}
	}

	if chars == 0 && messages == 0 {
		// Unrecognized shape — fall back to body bytes / 4.
		return int64(len(body)) / bytesPerToken
	}

	est := chars/bytesPerToken + messages*perMessageTokens
	if est < 1 {
		est = 1
	}
	return est
}

// MaxOutputTokens extracts the client's output budget from the body,
// checking max_tokens, max_completion_tokens, and max_output_tokens.
func MaxOutputTokens(body []byte) int64 {
	doc := gjson.ParseBytes(body)
	for _, field := range []string{"max_tokens", "max_completion_tokens", "max_output_tokens"} {
		if v := doc.Get(field); v.Exists() {
			return v.Int()
		}
	}
	return 0
}
