package models

// CommandKind is the closed set of run mutations.
type CommandKind string

const (
	CommandStart       CommandKind = "start"
	CommandPause       CommandKind = "pause"
	CommandResume      CommandKind = "resume"
	CommandCancel      CommandKind = "cancel"
	CommandAdvanceNode CommandKind = "advance_node"
	CommandSetVariable CommandKind = "set_variable"
	CommandSwitchMode  CommandKind = "switch_mode"

	// Attribution-only kinds stamped on deltas produced by the checkpoint
	// manager. Clients cannot submit them.
	CommandRestore CommandKind = "restore"
	CommandMigrate CommandKind = "migrate"
)

// IssuerSurface identifies which control surface submitted a command.
type IssuerSurface string

const (
	IssuerVisual         IssuerSurface = "visual"
	IssuerConversational IssuerSurface = "conversational"
	IssuerScheduler      IssuerSurface = "scheduler"
)

// Command is the only mutation entry point for a run. ExpectedVersion is
// the optimistic lock: it must match the context's current version, or the
// synchronizer decides whether the stale command can still be coalesced.
type Command struct {
	RunID           string        `json:"run_id"            validate:"required"`
	Kind            CommandKind   `json:"kind"              validate:"required,oneof=start pause resume cancel advance_node set_variable switch_mode"`
	Issuer          IssuerSurface `json:"issuer"            validate:"required,oneof=visual conversational scheduler"`
	ExpectedVersion int64         `json:"expected_version"`

	// advance_node: exactly one of TargetNodeID (graph surface) or
	// TargetStepID (journey surface) is set.
	TargetNodeID string `json:"target_node_id,omitempty"`
	TargetStepID string `json:"target_step_id,omitempty"`

	// set_variable
	VariableName  string `json:"variable_name,omitempty"`
	VariableValue any    `json:"variable_value,omitempty"`

	// switch_mode
	TargetMode ExecutionMode `json:"target_mode,omitempty"`
}

// ClarificationRequest is returned instead of a Command when an intent is
// too ambiguous or incomplete to act on. The caller presents the question
// and resubmits the utterance with the answer.
type ClarificationRequest struct {
	Question      string `json:"question"`
	ExpectedParam string `json:"expected_param"`
	Intent        string `json:"intent"`
}
