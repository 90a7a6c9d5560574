// Package llmtransport calls a model provider and classifies the result
// into the error taxonomy the rest of the engine branches on. It knows
// nothing about plans, tasks, or the store — Call is a pure function of
// (Transport, prompt) plus the clock, grounded on
// _examples/original_source/core/llm_transport.py's
// {raw_text, parsed_json, error_code, provider, started_at, finished_at}
// result shape.
package llmtransport

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/antigravity-dev/agentforge/internal/errs"
)

// Transport performs the actual network call to a model provider. Callers
// supply one concrete implementation (HTTPTransport in production, a
// scripted fake in tests).
type Transport interface {
	Complete(ctx context.Context, prompt string) (string, error)
	Name() string
}

// Result is the outcome of one Call, persisted by the caller into
// llm_calls via store.AddLLMCall.
type Result struct {
	RawText    string
	ParsedJSON map[string]any
	ErrorCode  errs.Code
	Provider   string
	StartedAt  time.Time
	FinishedAt time.Time
	Truncated  bool
}

// refusalPhrases are substrings that flag a response as a declined
// completion rather than task output, checked case-insensitively against
// the raw text before any JSON parse is attempted.
var refusalPhrases = []string{
	"i can't assist with that",
	"i cannot assist with that",
	"i'm not able to help with that",
	"i won't be able to help with that",
	"as an ai language model, i cannot",
}

// Call invokes t with prompt, applies refusal detection, timeout
// classification, and a JSON repair pass on parse failure, and returns a
// fully classified Result. It has no error return: every provider failure
// is reported via Result.ErrorCode so the caller can store the llm_calls
// row and move on. t must be non-nil.
func Call(ctx context.Context, t Transport, prompt string) Result {
	started := time.Now().UTC()
	raw, err := t.Complete(ctx, prompt)
	finished := time.Now().UTC()

	res := Result{
		RawText:    raw,
		Provider:   t.Name(),
		StartedAt:  started,
		FinishedAt: finished,
	}

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			res.ErrorCode = errs.LLMTimeout
		} else {
			res.ErrorCode = errs.LLMFailed
		}
		return res
	}

	if isRefusal(raw) {
		res.ErrorCode = errs.LLMRefusal
		return res
	}

	if parsed, ok := tryParse(raw); ok {
		res.ParsedJSON = parsed
		return res
	}

	repaired, changed := repairJSON(raw)
	if changed {
		if parsed, ok := tryParse(repaired); ok {
			res.ParsedJSON = parsed
			res.Truncated = repaired != raw
			return res
		}
	}

	res.ErrorCode = errs.LLMUnparseable
	return res
}

func isRefusal(raw string) bool {
	lower := strings.ToLower(raw)
	for _, phrase := range refusalPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

func tryParse(raw string) (map[string]any, bool) {
	var v map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &v); err != nil {
		return nil, false
	}
	return v, true
}
