package llmtransport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/antigravity-dev/agentforge/internal/errs"
)

type fakeTransport struct {
	text string
	err  error
}

func (f *fakeTransport) Complete(ctx context.Context, prompt string) (string, error) {
	return f.text, f.err
}
func (f *fakeTransport) Name() string { return "fake" }

func TestCall_ParsesCleanJSON(t *testing.T) {
	ft := &fakeTransport{text: `{"result_type": "NOOP"}`}
	res := Call(context.Background(), ft, "prompt")
	if res.ErrorCode != "" {
		t.Fatalf("expected no error code, got %s", res.ErrorCode)
	}
	if res.ParsedJSON["result_type"] != "NOOP" {
		t.Fatalf("expected parsed json, got %+v", res.ParsedJSON)
	}
}

func TestCall_RepairsProseWrappedJSON(t *testing.T) {
	ft := &fakeTransport{text: "Sure, here is the result:\n```json\n{\"a\": 1, \"b\": 2,}\n```\nLet me know if you need changes."}
	res := Call(context.Background(), ft, "prompt")
	if res.ErrorCode != "" {
		t.Fatalf("expected repair to succeed, got error code %s", res.ErrorCode)
	}
	if res.ParsedJSON["a"] != float64(1) {
		t.Fatalf("expected repaired json, got %+v", res.ParsedJSON)
	}
}

func TestCall_UnparseableAfterRepair(t *testing.T) {
	ft := &fakeTransport{text: "I don't have a JSON answer for you."}
	res := Call(context.Background(), ft, "prompt")
	if res.ErrorCode != errs.LLMUnparseable {
		t.Fatalf("expected LLM_UNPARSEABLE, got %s", res.ErrorCode)
	}
}

func TestCall_DetectsRefusal(t *testing.T) {
	ft := &fakeTransport{text: "I can't assist with that request."}
	res := Call(context.Background(), ft, "prompt")
	if res.ErrorCode != errs.LLMRefusal {
		t.Fatalf("expected LLM_REFUSAL, got %s", res.ErrorCode)
	}
}

func TestCall_MapsDeadlineExceededToTimeout(t *testing.T) {
	ft := &fakeTransport{err: context.DeadlineExceeded}
	res := Call(context.Background(), ft, "prompt")
	if res.ErrorCode != errs.LLMTimeout {
		t.Fatalf("expected LLM_TIMEOUT, got %s", res.ErrorCode)
	}
}

func TestCall_MapsOtherErrorsToFailed(t *testing.T) {
	ft := &fakeTransport{err: errors.New("connection reset")}
	res := Call(context.Background(), ft, "prompt")
	if res.ErrorCode != errs.LLMFailed {
		t.Fatalf("expected LLM_FAILED, got %s", res.ErrorCode)
	}
}

func TestCall_RespectsCallerTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	time.Sleep(2 * time.Millisecond)
	ft := &fakeTransport{err: context.DeadlineExceeded}
	res := Call(ctx, ft, "prompt")
	if res.ErrorCode != errs.LLMTimeout {
		t.Fatalf("expected LLM_TIMEOUT, got %s", res.ErrorCode)
	}
}
