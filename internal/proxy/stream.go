package proxy

import (
	"bufio"
	"bytes"
	"io"

	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"
)

// Streaming guards against malformed upstreams: a single SSE line and a
// single event (lines up to the blank separator) are bounded; beyond these
// the stream is aborted rather than buffered.
const (
	sseMaxLineBytes  = 1 << 20 // 1 MiB
	sseMaxEventBytes = 4 << 20 // 4 MiB
)

// usageInfo is the settlement input extracted from an upstream response.
type usageInfo struct {
	InputTokens        uint64
	OutputTokens       uint64
	CacheReadInput     uint64
	CacheCreationInput uint64
	ServiceTier        string
	FromUpstream       bool
}

func (u usageInfo) total() uint64 { return u.InputTokens + u.OutputTokens }

// parseUsage extracts usage from an OpenAI-shaped JSON document. Both the
// chat-completions names (prompt_tokens/completion_tokens) and the
// responses-API names (input_tokens/output_tokens) are recognized.
func parseUsage(body []byte) (usageInfo, bool) {
	usage := gjson.GetBytes(body, "usage")
	if !usage.Exists() || !usage.IsObject() {
		return usageInfo{}, false
	}
	u := usageInfo{FromUpstream: true}

	if v := usage.Get("prompt_tokens"); v.Exists() {
		u.InputTokens = v.Uint()
	} else {
		u.InputTokens = usage.Get("input_tokens").Uint()
	}
	if v := usage.Get("completion_tokens"); v.Exists() {
		u.OutputTokens = v.Uint()
	} else {
		u.OutputTokens = usage.Get("output_tokens").Uint()
	}

	if v := usage.Get("prompt_tokens_details.cached_tokens"); v.Exists() {
		u.CacheReadInput = v.Uint()
	} else if v := usage.Get("cache_read_input_tokens"); v.Exists() {
		u.CacheReadInput = v.Uint()
	}
	if v := usage.Get("cache_creation_input_tokens"); v.Exists() {
		u.CacheCreationInput = v.Uint()
	}

	u.ServiceTier = gjson.GetBytes(body, "service_tier").String()
	return u, true
}

// streamOutcome reports how an SSE pass-through ended.
type streamOutcome struct {
	usage        usageInfo
	usageFound   bool
	disconnected bool
	bytesOut     int
}

// forwardSSE copies the upstream event stream to the client unbuffered,
// chunk by chunk in upstream order, watching data: lines for a final usage
// object. done runs exactly once after the stream drains (or aborts) and
// owns all cleanup: settlement, permit release, response release.
func forwardSSE(ctx *fasthttp.RequestCtx, upstream *fasthttp.Response, done func(streamOutcome)) {
	ctx.Response.Header.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.SetStatusCode(upstream.StatusCode())

	body := upstream.BodyStream()

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		outcome := streamOutcome{}
		defer func() {
			recover() //nolint:errcheck // stream writers must never panic the server
			done(outcome)
		}()
		if body == nil {
			return
		}

		reader := bufio.NewReaderSize(body, 64<<10)
		eventBytes := 0
		for {
			line, err := readBoundedLine(reader, sseMaxLineBytes)
			if len(line) > 0 {
				eventBytes += len(line)
				if eventBytes > sseMaxEventBytes {
					return // malformed upstream; abort rather than buffer
				}
				if _, werr := w.Write(line); werr != nil {
					outcome.disconnected = true
					return
				}
				if werr := w.Flush(); werr != nil {
					outcome.disconnected = true
					return
				}
				outcome.bytesOut += len(line)

				trimmed := bytes.TrimRight(line, "\r\n")
				if len(trimmed) == 0 {
					eventBytes = 0 // event boundary
				} else if data, ok := bytes.CutPrefix(trimmed, []byte("data: ")); ok {
					if u, found := parseUsage(data); found && u.total() > 0 {
						outcome.usage = u
						outcome.usageFound = true
					}
				}
			}
			if err != nil {
				if err == io.EOF {
					// Fully read: close it now so the drain in done's
					// cleanup does not read the finished chunked body again.
					_ = upstream.CloseBodyStream()
				}
				return // io.EOF or upstream failure — either way the stream is over
			}
		}
	})
}

// readBoundedLine reads one line including its terminator, failing when the
// line exceeds max.
func readBoundedLine(r *bufio.Reader, max int) ([]byte, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > max {
			return line, io.ErrShortBuffer
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		return line, err
	}
}

// bufferedBody is the result of reading a response body under the usage cap.
type bufferedBody struct {
	data []byte
	// overflow holds the remaining stream when the cap was exceeded;
	// the caller must switch to pass-through.
	overflow io.Reader
	complete bool
}

// readUpTo buffers the body stream up to limit bytes. When the body fits,
// the full bytes are returned; otherwise the prefix plus the live remainder.
func readUpTo(body io.Reader, limit int) (bufferedBody, error) {
	if body == nil {
		return bufferedBody{complete: true}, nil
	}
	buf := make([]byte, 0, 32<<10)
	tmp := make([]byte, 32<<10)
	for {
		n, err := body.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			if len(buf) > limit {
				return bufferedBody{data: buf, overflow: body}, nil
			}
		}
		if err == io.EOF {
			return bufferedBody{data: buf, complete: true}, nil
		}
		if err != nil {
			return bufferedBody{data: buf}, err
		}
	}
}
