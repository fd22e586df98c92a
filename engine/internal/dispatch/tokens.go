package dispatch

import (
	"bytes"
	"encoding/json"
	"strings"
)

// tokenFudgeFactor accounts for the fact a whitespace word count
// undercounts subword tokenization; 1.3 approximates typical BPE expansion
// for English prose. This router never loads a real tokenizer (spec
// explicitly scopes exact token accounting as engine-reported, see
// SPEC_FULL.md), so every estimate is marked TokensEstimated=true.
const tokenFudgeFactor = 1.3

// EstimateTokens approximates a token count from raw text by counting
// whitespace-delimited words and applying tokenFudgeFactor.
func EstimateTokens(text string) int {
	words := strings.Fields(text)
	if len(words) == 0 {
		return 0
	}
	return int(float64(len(words))*tokenFudgeFactor + 0.5)
}

// usagePayload mirrors the OpenAI-compatible "usage" object vLLM engines
// report, optionally carrying a prefix-cache-hit flag under either of the
// two conventions real engines use (a top-level header or this field).
type usagePayload struct {
	PromptTokens     int  `json:"prompt_tokens"`
	CompletionTokens int  `json:"completion_tokens"`
	PrefixCacheHit   bool `json:"prefix_cache_hit"`
}

// usageSentinel is the substring search used to locate a "usage" object in
// a streamed SSE body without fully parsing every event; exact parsing of
// the found object still goes through encoding/json.
const usageSentinel = `"usage"`

// extractUsage scans a response body (complete JSON or an SSE stream, both
// are plain text) for the last "usage" object and decodes it. Returns
// ok=false if none was found, in which case the caller falls back to
// EstimateTokens.
func extractUsage(body []byte) (usagePayload, bool) {
	idx := bytes.LastIndex(body, []byte(usageSentinel))
	if idx == -1 {
		return usagePayload{}, false
	}
	braceStart := bytes.IndexByte(body[idx:], '{')
	if braceStart == -1 {
		return usagePayload{}, false
	}
	start := idx + braceStart
	depth := 0
	end := -1
	for i := start; i < len(body); i++ {
		switch body[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				end = i + 1
			}
		}
		if end != -1 {
			break
		}
	}
	if end == -1 {
		return usagePayload{}, false
	}
	var u usagePayload
	if err := json.Unmarshal(body[start:end], &u); err != nil {
		return usagePayload{}, false
	}
	return u, true
}

// prefixCacheHitHeaderName is the alternate convention for cache-hit
// signaling: a response header instead of a usage JSON field. Checked in
// both locations per SPEC_FULL.md's resolution of the spec's open question.
const prefixCacheHitHeaderName = "x-prefix-cache-hit"
