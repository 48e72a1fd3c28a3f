package proxy

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/ditto-gateway/pkg/apierr"
)

// shimBufferCap bounds the chat-completions body the shim will translate.
const shimBufferCap = 8 << 20 // 8 MiB

const shimHeaderValue = "responses_via_chat_completions"

// handleResponsesShim reissues a /v1/responses request as
// /v1/chat/completions against the same backend and translates the reply
// into a Responses-like shape. Invoked when the backend answered the native
// path with 404, 405, or 501. The caller still holds the backend permit.
func (g *Gateway) handleResponsesShim(
	ctx *fasthttp.RequestCtx,
	b *Backend,
	body []byte,
	stripAuth bool,
	reqID string,
	commit func(usageInfo),
	rollback func(),
) {
	if g.metrics != nil {
		g.metrics.RecordShimRequest()
	}

	chatBody, err := responsesToChatBody(body)
	if err != nil {
		rollback()
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"cannot translate request: "+err.Error(),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	req := b.BuildRequestForPath(ctx, "/v1/chat/completions", chatBody, stripAuth)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	defer fasthttp.ReleaseRequest(req)

	resp, err := b.Dispatch(ctx, req)
	if err != nil {
		rollback()
		if g.health != nil {
			g.health.RecordFailure(b.Name(), "network: "+err.Error())
		}
		apierr.WriteNoBackend(ctx, "shim dispatch failed: "+err.Error())
		return
	}
	defer drainAndRelease(resp)

	buf, err := readUpTo(resp.BodyStream(), shimBufferCap)
	if err != nil {
		rollback()
		apierr.WriteNoBackend(ctx, "shim upstream read failed: "+err.Error())
		return
	}
	if !buf.complete {
		rollback()
		apierr.WriteShimBufferExceeded(ctx)
		return
	}

	status := resp.StatusCode()
	if status < 200 || status > 299 {
		// Mirror upstream errors untranslated.
		if u, found := parseUsage(buf.data); found {
			commit(u)
		} else {
			rollback()
		}
		ctx.Response.Header.Set("x-ditto-backend", b.Name())
		ctx.Response.Header.Set("x-ditto-shim", shimHeaderValue)
		ctx.SetStatusCode(status)
		ctx.Response.Header.SetContentTypeBytes(resp.Header.ContentType())
		ctx.SetBody(buf.data)
		return
	}

	translated, u, err := chatToResponsesBody(buf.data)
	if err != nil {
		rollback()
		apierr.WriteNoBackend(ctx, "shim translation failed: "+err.Error())
		return
	}
	commit(u)

	if g.health != nil {
		g.health.RecordSuccess(b.Name())
	}
	ctx.Response.Header.Set("x-ditto-backend", b.Name())
	ctx.Response.Header.Set("x-ditto-shim", shimHeaderValue)
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(translated)

	g.emit("shim_completed", map[string]any{
		"request_id": reqID, "backend": b.Name(),
	})
}

// responsesToChatBody converts a Responses-API request into a
// chat-completions request. Best effort: instructions become the system
// message; string or typed-part input becomes user messages. Streaming is
// forced off — the shim only translates buffered responses.
func responsesToChatBody(body []byte) ([]byte, error) {
	doc := gjson.ParseBytes(body)

	var messages []map[string]any
	if instr := doc.Get("instructions"); instr.Type == gjson.String && instr.String() != "" {
		messages = append(messages, map[string]any{"role": "system", "content": instr.String()})
	}

	input := doc.Get("input")
	switch {
	case input.Type == gjson.String:
		messages = append(messages, map[string]any{"role": "user", "content": input.String()})
	case input.IsArray():
		input.ForEach(func(_, item gjson.Result) bool {
			role := item.Get("role").String()
			if role == "" {
				role = "user"
			}
			content := item.Get("content")
			switch {
			case content.Type == gjson.String:
				messages = append(messages, map[string]any{"role": role, "content": content.String()})
			case content.IsArray():
				var text string
				content.ForEach(func(_, part gjson.Result) bool {
					if t := part.Get("text"); t.Exists() {
						text += t.String()
					}
					return true
				})
				messages = append(messages, map[string]any{"role": role, "content": text})
			}
			return true
		})
	}
	if len(messages) == 0 {
		messages = append(messages, map[string]any{"role": "user", "content": ""})
	}

	chat := map[string]any{
		"model":    doc.Get("model").String(),
		"messages": messages,
		"stream":   false,
	}
	if v := doc.Get("max_output_tokens"); v.Exists() {
		chat["max_tokens"] = v.Int()
	}
	if v := doc.Get("temperature"); v.Exists() {
		chat["temperature"] = v.Float()
	}
	if v := doc.Get("top_p"); v.Exists() {
		chat["top_p"] = v.Float()
	}
	out, err := json.Marshal(chat)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// responsesOutputText is one output_text content part in the translated
// Responses shape.
type responsesOutputText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type responsesOutputMessage struct {
	ID      string                `json:"id"`
	Type    string                `json:"type"`
	Role    string                `json:"role"`
	Status  string                `json:"status"`
	Content []responsesOutputText `json:"content"`
}

type responsesEnvelope struct {
	ID        string                   `json:"id"`
	Object    string                   `json:"object"`
	CreatedAt int64                    `json:"created_at"`
	Status    string                   `json:"status"`
	Model     string                   `json:"model"`
	Output    []responsesOutputMessage `json:"output"`
	Usage     responsesUsage           `json:"usage"`
}

type responsesUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
}

// chatToResponsesBody translates an upstream chat.completion document into
// a Responses-like envelope via the SDK's wire types.
func chatToResponsesBody(body []byte) ([]byte, usageInfo, error) {
	var completion openai.ChatCompletion
	if err := json.Unmarshal(body, &completion); err != nil {
		return nil, usageInfo{}, err
	}

	env := responsesEnvelope{
		ID:        "resp_" + completion.ID,
		Object:    "response",
		CreatedAt: completion.Created,
		Status:    "completed",
		Model:     completion.Model,
		Usage: responsesUsage{
			InputTokens:  completion.Usage.PromptTokens,
			OutputTokens: completion.Usage.CompletionTokens,
			TotalTokens:  completion.Usage.TotalTokens,
		},
	}
	if env.CreatedAt == 0 {
		env.CreatedAt = time.Now().Unix()
	}
	for i, choice := range completion.Choices {
		env.Output = append(env.Output, responsesOutputMessage{
			ID:     "msg_" + completion.ID + "_" + strconv.Itoa(i),
			Type:   "message",
			Role:   "assistant",
			Status: "completed",
			Content: []responsesOutputText{
				{Type: "output_text", Text: choice.Message.Content},
			},
		})
	}

	out, err := json.Marshal(env)
	if err != nil {
		return nil, usageInfo{}, err
	}
	u := usageInfo{
		InputTokens:  uint64(completion.Usage.PromptTokens),
		OutputTokens: uint64(completion.Usage.CompletionTokens),
		FromUpstream: completion.Usage.TotalTokens > 0,
	}
	return out, u, nil
}

