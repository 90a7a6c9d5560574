package contracts

import (
	"fmt"

	"github.com/antigravity-dev/agentforge/internal/errs"
	"github.com/antigravity-dev/agentforge/internal/model"
)

// TaskCheckOutput is the canonical, validated shape of a reviewer call's
// output (spec §4.6).
type TaskCheckOutput struct {
	Verdict           model.Verdict
	TotalScore        int
	Breakdown         []any
	Suggestions       []string
	Summary           string
	AcceptanceResults []any
}

func normalizeTaskCheck(raw map[string]any, ctx Context) (*TaskCheckOutput, []*errs.ContractError) {
	var cerrs []*errs.ContractError
	out := &TaskCheckOutput{}

	verdictRaw, ok := aliasLookup(raw, "verdict", "decision")
	if !ok {
		cerrs = append(cerrs, newContractError("CONTRACT_MISMATCH", "TASK_CHECK", "$.verdict",
			"one of APPROVED, REJECTED", "missing", `add "verdict": "APPROVED"`))
		return out, cerrs
	}
	vStr, ok := asString(verdictRaw)
	if !ok {
		cerrs = append(cerrs, newContractError("CONTRACT_MISMATCH", "TASK_CHECK", "$.verdict",
			"string", fmt.Sprintf("%T", verdictRaw), `set "verdict" to a string`))
		return out, cerrs
	}
	canon, ok := coerceEnum(vStr, string(model.Approved), string(model.Rejected))
	if !ok {
		cerrs = append(cerrs, newContractError("CONTRACT_MISMATCH", "TASK_CHECK", "$.verdict",
			"one of APPROVED, REJECTED", vStr, `set "verdict" to "APPROVED" or "REJECTED"`))
		return out, cerrs
	}
	out.Verdict = model.Verdict(canon)

	if v, ok := aliasLookup(raw, "total_score", "score"); ok {
		switch n := v.(type) {
		case float64:
			out.TotalScore = int(n)
		case int:
			out.TotalScore = n
		default:
			cerrs = append(cerrs, newContractError("CONTRACT_MISMATCH", "TASK_CHECK", "$.total_score",
				"integer", fmt.Sprintf("%T", v), `set "total_score" to a number`))
		}
	} else {
		cerrs = append(cerrs, newContractError("CONTRACT_MISMATCH", "TASK_CHECK", "$.total_score",
			"integer", "missing", `add "total_score": 85`))
	}

	if out.TotalScore < 0 || out.TotalScore > 100 {
		cerrs = append(cerrs, newContractError("CONTRACT_MISMATCH", "TASK_CHECK", "$.total_score",
			"0-100", fmt.Sprintf("%d", out.TotalScore), `set "total_score" between 0 and 100`))
	}

	if out.Verdict == model.Approved && out.TotalScore < 60 {
		cerrs = append(cerrs, newContractError("CONTRACT_MISMATCH", "TASK_CHECK", "$.verdict",
			"REJECTED when total_score < 60", "APPROVED", `set "verdict" to "REJECTED" or raise total_score`))
	}

	if v, ok := aliasLookup(raw, "breakdown"); ok {
		out.Breakdown, _ = asSlice(v)
	}
	if v, ok := aliasLookup(raw, "suggestions"); ok {
		if items, ok := asSlice(v); ok {
			for _, it := range items {
				if s, ok := asString(it); ok {
					out.Suggestions = append(out.Suggestions, s)
				}
			}
		}
	}
	if v, ok := aliasLookup(raw, "summary"); ok {
		out.Summary, _ = asString(v)
	}
	if out.Verdict == model.Rejected && out.Summary == "" {
		cerrs = append(cerrs, newContractError("CONTRACT_MISMATCH", "TASK_CHECK", "$.summary",
			"non-empty string when verdict is REJECTED", "empty",
			`add "summary": "why this was rejected, and what to fix"`))
	}
	if v, ok := aliasLookup(raw, "acceptance_results"); ok {
		out.AcceptanceResults, _ = asSlice(v)
	}

	return out, cerrs
}
