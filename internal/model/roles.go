package model

// ContractName enumerates the four LLM output schemas of spec §4.1.
type ContractName string

const (
	ContractTaskAction ContractName = "TASK_ACTION"
	ContractPlanGen    ContractName = "PLAN_GEN"
	ContractTaskCheck  ContractName = "TASK_CHECK"
	ContractPlanReview ContractName = "PLAN_REVIEW"
)

// RoleSpec binds an agent role to its prompt template name and the
// contract its output must satisfy. Grounded on the teacher's
// internal/workflow.Stage (role + prompt_template + gate), generalized
// from a fixed pipeline into a dispatch table so no subclassing or type
// switch on role is needed anywhere else in the engine (spec §9).
type RoleSpec struct {
	Owner          Owner
	PromptTemplate string
	Contract       ContractName
}

// RoleDispatch is the static role -> (prompt template, contract) table.
var RoleDispatch = map[Owner]RoleSpec{
	OwnerExecutor: {
		Owner:          OwnerExecutor,
		PromptTemplate: "executor",
		Contract:       ContractTaskAction,
	},
	OwnerReviewer: {
		Owner:          OwnerReviewer,
		PromptTemplate: "review",
		Contract:       ContractTaskCheck,
	},
	OwnerSecondaryReviewer: {
		Owner:          OwnerSecondaryReviewer,
		PromptTemplate: "review",
		Contract:       ContractTaskCheck,
	},
}

// Spec returns the dispatch entry for an owner, and whether it was found.
func Spec(owner Owner) (RoleSpec, bool) {
	s, ok := RoleDispatch[owner]
	return s, ok
}
