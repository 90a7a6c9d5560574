// Package contracts implements normalize_and_validate (spec §4.1): a pure,
// side-effect-free pass that tolerantly reshapes a raw LLM JSON object into
// the engine's canonical types, then strictly validates the result,
// producing deterministic ContractError values a retry prompt can act on.
//
// Normalization never fails by itself — it is forgiving of aliasing, case,
// and missing ids so a model's near-miss output gets one more chance before
// being rejected. Validation is strict: every ContractError it emits names
// a json_path, an expected shape, the actual value, and an example fix.
package contracts

import (
	"fmt"
	"strings"

	"github.com/antigravity-dev/agentforge/internal/errs"
	"github.com/antigravity-dev/agentforge/internal/ids"
	"github.com/antigravity-dev/agentforge/internal/model"
)

const schemaVersion = "1"

// Context carries the ambient information normalization needs but must not
// originate itself (so the pass stays pure): the plan id new entities
// belong to, and the set of task ids that already exist, for UUID backfill
// and dangling-reference detection.
type Context struct {
	PlanID       string
	KnownTaskIDs map[string]bool
}

func newContractError(code, schema, jsonPath, expected, actual, fix string) *errs.ContractError {
	return &errs.ContractError{
		ErrorCode:     code,
		Schema:        schema,
		SchemaVersion: schemaVersion,
		JSONPath:      jsonPath,
		Expected:      expected,
		Actual:        actual,
		ExampleFix:    fix,
	}
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

func asSlice(v any) ([]any, bool) {
	s, ok := v.([]any)
	return s, ok
}

// enumAliases maps tolerated alternate spellings to their canonical form,
// mirrored from _examples/original_source/core/contracts.py's per-field
// alias tables (edge_type_aliases, kind_aliases, priority_aliases) so a
// near-miss enum value like "DEPEND" or "H" is repaired instead of
// rejected outright.
var enumAliases = map[string]string{
	// edge_type
	"DEPEND":        "DEPENDS_ON",
	"DEPENDS":       "DEPENDS_ON",
	"DEPEND_ON":     "DEPENDS_ON",
	"DEPENDS-ON":    "DEPENDS_ON",
	"DEPENDS ON":    "DEPENDS_ON",
	"REQUIRES":      "DEPENDS_ON",
	"PREREQ":        "DEPENDS_ON",
	"PREREQUISITE":  "DEPENDS_ON",
	"DECOMPOSITION": "DECOMPOSE",
	"BREAKDOWN":     "DECOMPOSE",
	"CHILD_OF":      "DECOMPOSE",
	"ALT":           "ALTERNATIVE",
	"ALTERNATE":     "ALTERNATIVE",
	// requirement kind
	"FILES":          "FILE",
	"DOC":            "FILE",
	"DOCS":           "FILE",
	"DOCUMENT":       "FILE",
	"DOCUMENTS":      "FILE",
	"CONFIRM":        "CONFIRMATION",
	"SKILL":          "SKILL_OUTPUT",
	"SKILL_RESULT":   "SKILL_OUTPUT",
	"SKILL_ARTIFACT": "SKILL_OUTPUT",
	// priority
	"H":        "HIGH",
	"HI":       "HIGH",
	"URGENT":   "HIGH",
	"CRITICAL": "HIGH",
	"M":        "MED",
	"MID":      "MED",
	"MEDIUM":   "MED",
	"NORMAL":   "MED",
	"L":        "LOW",
	"MINOR":    "LOW",
	"TRIVIAL":  "LOW",
}

// coerceEnum case-folds and trims v, repairs it against enumAliases, and
// matches the result against the candidate canonical values, returning the
// canonical form and whether a match was found.
func coerceEnum(v string, candidates ...string) (string, bool) {
	norm := strings.ToUpper(strings.TrimSpace(v))
	if alias, ok := enumAliases[norm]; ok {
		norm = alias
	}
	for _, c := range candidates {
		if strings.ToUpper(c) == norm {
			return c, true
		}
	}
	return v, false
}

// aliasLookup fetches the first key present in m among names, supporting
// tolerant key aliasing (e.g. a model emitting "type" for "node_type").
func aliasLookup(m map[string]any, names ...string) (any, bool) {
	for _, n := range names {
		if v, ok := m[n]; ok {
			return v, true
		}
	}
	return nil, false
}

// backfillID returns v verbatim if it is already a canonical UUID,
// otherwise derives a stable UUID from it so the same raw id always maps
// to the same canonical id within one normalization pass (spec §9 id
// backfill requirement).
func backfillID(planID, raw string) string {
	if raw == "" {
		return ids.New()
	}
	if ids.IsValid(raw) {
		return raw
	}
	return ids.Deterministic(planID, raw)
}

// envelopeKeys are the wrapper keys a model may nest its real payload
// under instead of emitting it at the top level (spec §4.1; original
// contracts.py:115-118, :260-261).
var envelopeKeys = []string{"action", "result", "review_result", "data", "payload"}

// looksLikeShape reports whether m already carries at least one of a
// contract's marker keys, i.e. it doesn't need unwrapping.
func looksLikeShape(m map[string]any, markers []string) bool {
	for _, mk := range markers {
		if _, ok := m[mk]; ok {
			return true
		}
	}
	return false
}

// unwrapEnvelope implements spec §4.1's envelope unwrapping: if raw
// doesn't already look like the expected shape (none of markers present),
// and one of envelopeKeys holds a nested object that does, normalize
// against that nested object instead.
func unwrapEnvelope(raw map[string]any, markers ...string) map[string]any {
	if looksLikeShape(raw, markers) {
		return raw
	}
	for _, k := range envelopeKeys {
		if nested, ok := asMap(raw[k]); ok && looksLikeShape(nested, markers) {
			return nested
		}
	}
	return raw
}

// NormalizeAndValidate dispatches to the contract-specific pass named by
// contract, returning the canonical Go value on success (always returned,
// even alongside errors, so a caller can show a partial result) and any
// validation errors.
func NormalizeAndValidate(contract model.ContractName, raw map[string]any, ctx Context) (any, []*errs.ContractError) {
	switch contract {
	case model.ContractTaskAction:
		raw = unwrapEnvelope(raw, "result_type", "artifact", "needs_input", "error")
		return normalizeTaskAction(raw, ctx)
	case model.ContractPlanGen:
		raw = unwrapEnvelope(raw, "nodes", "edges", "title")
		return normalizePlanGen(raw, ctx)
	case model.ContractTaskCheck, model.ContractPlanReview:
		raw = unwrapEnvelope(raw, "verdict", "total_score", "breakdown")
		return normalizeTaskCheck(raw, ctx)
	default:
		return nil, []*errs.ContractError{newContractError(
			"CONTRACT_MISMATCH", string(contract), "$", "a known contract name", string(contract),
			`set "contract" to one of TASK_ACTION, PLAN_GEN, TASK_CHECK, PLAN_REVIEW`)}
	}
}

func requireString(m map[string]any, path string, names ...string) (string, *errs.ContractError) {
	v, ok := aliasLookup(m, names...)
	if !ok {
		return "", newContractError("CONTRACT_MISMATCH", "", path, "string", "missing",
			fmt.Sprintf(`add %q: "..."`, names[0]))
	}
	s, ok := asString(v)
	if !ok {
		return "", newContractError("CONTRACT_MISMATCH", "", path, "string", fmt.Sprintf("%T", v),
			fmt.Sprintf(`set %q to a string`, names[0]))
	}
	return s, nil
}
