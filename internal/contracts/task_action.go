package contracts

import (
	"fmt"

	"github.com/antigravity-dev/agentforge/internal/errs"
)

// TaskActionResultType enumerates what an executor call produced.
type TaskActionResultType string

const (
	ResultArtifact   TaskActionResultType = "ARTIFACT"
	ResultNeedsInput TaskActionResultType = "NEEDS_INPUT"
	ResultNoop       TaskActionResultType = "NOOP"
	ResultError      TaskActionResultType = "ERROR"
)

// ArtifactOutput is the normalized shape of an ARTIFACT result.
type ArtifactOutput struct {
	Filename string
	Format   string
	Content  string
}

// NeedsInputOutput names a requirement the executor is blocked on.
type NeedsInputOutput struct {
	Name   string
	Kind   string
	Reason string
}

// TaskActionOutput is the canonical, validated shape of an executor call's
// output (spec §4.5 result types).
type TaskActionOutput struct {
	ResultType   TaskActionResultType
	Artifact     *ArtifactOutput
	NeedsInput   []NeedsInputOutput
	ErrorMessage string
	Confidence   float64
}

func normalizeTaskAction(raw map[string]any, ctx Context) (*TaskActionOutput, []*errs.ContractError) {
	var cerrs []*errs.ContractError
	out := &TaskActionOutput{}

	rtRaw, ok := aliasLookup(raw, "result_type", "type", "outcome")
	if !ok {
		cerrs = append(cerrs, newContractError("CONTRACT_MISMATCH", "TASK_ACTION", "$.result_type",
			"one of ARTIFACT, NEEDS_INPUT, NOOP, ERROR", "missing",
			`add "result_type": "ARTIFACT"`))
		return out, cerrs
	}
	rtStr, ok := asString(rtRaw)
	if !ok {
		cerrs = append(cerrs, newContractError("CONTRACT_MISMATCH", "TASK_ACTION", "$.result_type",
			"string", fmt.Sprintf("%T", rtRaw), `set "result_type" to a string`))
		return out, cerrs
	}
	canon, ok := coerceEnum(rtStr, string(ResultArtifact), string(ResultNeedsInput), string(ResultNoop), string(ResultError))
	if !ok {
		cerrs = append(cerrs, newContractError("CONTRACT_MISMATCH", "TASK_ACTION", "$.result_type",
			"one of ARTIFACT, NEEDS_INPUT, NOOP, ERROR", rtStr,
			`set "result_type" to "ARTIFACT"`))
		return out, cerrs
	}
	out.ResultType = TaskActionResultType(canon)

	if conf, ok := aliasLookup(raw, "confidence"); ok {
		if f, ok := conf.(float64); ok {
			out.Confidence = f
		}
	}

	switch out.ResultType {
	case ResultArtifact:
		artRaw, ok := aliasLookup(raw, "artifact", "output", "result")
		if !ok {
			cerrs = append(cerrs, newContractError("CONTRACT_MISMATCH", "TASK_ACTION", "$.artifact",
				"object", "missing", `add "artifact": {"filename": "...", "format": "md", "content": "..."}`))
			return out, cerrs
		}
		artMap, ok := asMap(artRaw)
		if !ok {
			cerrs = append(cerrs, newContractError("CONTRACT_MISMATCH", "TASK_ACTION", "$.artifact",
				"object", fmt.Sprintf("%T", artRaw), `set "artifact" to an object`))
			return out, cerrs
		}
		art := &ArtifactOutput{}
		if v, ok := aliasLookup(artMap, "filename", "name", "path"); ok {
			art.Filename, _ = asString(v)
		}
		if v, ok := aliasLookup(artMap, "format", "ext"); ok {
			if s, ok := asString(v); ok {
				if canon, ok := coerceEnum(s, "md", "txt", "json", "html", "css", "js"); ok {
					art.Format = canon
				} else {
					art.Format = s
				}
			}
		} else {
			art.Format = "md"
		}
		content, cerr := requireString(artMap, "$.artifact.content", "content", "body", "text")
		if cerr != nil {
			cerrs = append(cerrs, cerr)
		}
		art.Content = content
		if art.Filename == "" {
			cerrs = append(cerrs, newContractError("CONTRACT_MISMATCH", "TASK_ACTION", "$.artifact.filename",
				"non-empty string", "empty", `add "filename": "output.md"`))
		}
		out.Artifact = art

	case ResultNeedsInput:
		listRaw, ok := aliasLookup(raw, "needs_input", "missing_inputs", "requirements")
		if !ok {
			cerrs = append(cerrs, newContractError("CONTRACT_MISMATCH", "TASK_ACTION", "$.needs_input",
				"non-empty array", "missing", `add "needs_input": [{"name": "...", "kind": "FILE"}]`))
			return out, cerrs
		}
		items, ok := asSlice(listRaw)
		if !ok || len(items) == 0 {
			cerrs = append(cerrs, newContractError("CONTRACT_MISMATCH", "TASK_ACTION", "$.needs_input",
				"non-empty array", fmt.Sprintf("%v", listRaw), `add at least one requirement object`))
			return out, cerrs
		}
		for i, it := range items {
			im, ok := asMap(it)
			if !ok {
				cerrs = append(cerrs, newContractError("CONTRACT_MISMATCH", "TASK_ACTION",
					fmt.Sprintf("$.needs_input[%d]", i), "object", fmt.Sprintf("%T", it), "set each entry to an object"))
				continue
			}
			name, cerr := requireString(im, fmt.Sprintf("$.needs_input[%d].name", i), "name")
			if cerr != nil {
				cerrs = append(cerrs, cerr)
			}
			kind := "FILE"
			if v, ok := aliasLookup(im, "kind", "type"); ok {
				if s, ok := asString(v); ok {
					if canon, ok := coerceEnum(s, "FILE", "CONFIRMATION", "SKILL_OUTPUT"); ok {
						kind = canon
					}
				}
			}
			reason, _ := asString(im["reason"])
			out.NeedsInput = append(out.NeedsInput, NeedsInputOutput{Name: name, Kind: kind, Reason: reason})
		}

	case ResultError:
		msg, cerr := requireString(raw, "$.error_message", "error_message", "error", "message")
		if cerr != nil {
			cerrs = append(cerrs, cerr)
		}
		out.ErrorMessage = msg

	case ResultNoop:
		// no further fields required
	}

	return out, cerrs
}
