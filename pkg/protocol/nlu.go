package protocol

import "context"

// Intent is the structured output of the external NLU engine for one user
// utterance: the recognized intent name, the engine's confidence in it, and
// any extracted parameters.
type Intent struct {
	Name       string         `json:"name"`
	Confidence float64        `json:"confidence"`
	Entities   map[string]any `json:"entities,omitempty"`
}

// UtteranceContext is what the NLU engine may condition on. It is a
// read-only snapshot; the engine never mutates run state.
type UtteranceContext struct {
	RunID         string `json:"run_id"`
	RunStatus     string `json:"run_status"`
	CurrentStepID string `json:"current_step_id,omitempty"`
}

// NLUEngine parses free text into an intent. Pure from the interpreter's
// perspective: no side effects assumed.
type NLUEngine interface {
	ParseUtterance(ctx context.Context, text string, uctx UtteranceContext) (*Intent, error)
}
