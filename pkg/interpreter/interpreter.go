// Package interpreter maps recognized conversational intents onto run
// commands. It owns the finite intent table; natural-language parsing
// itself is delegated to the external NLU engine.
package interpreter

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/duetflow/duetflow/pkg/engine"
	"github.com/duetflow/duetflow/pkg/models"
	"github.com/duetflow/duetflow/pkg/protocol"
)

// DefaultConfidenceThreshold rejects intents the NLU engine itself is not
// sure about.
const DefaultConfidenceThreshold = 0.7

// Outcome is the interpreter's verdict on one utterance. Exactly one of
// Command, Clarification or Reply is set: a mutation to submit, a question
// to ask back, or a direct answer for read-only intents.
type Outcome struct {
	Command       *models.Command              `json:"command,omitempty"`
	Clarification *models.ClarificationRequest `json:"clarification,omitempty"`
	Reply         string                       `json:"reply,omitempty"`

	// SwitchMode marks that the command must be routed through the
	// checkpoint manager instead of being submitted directly.
	SwitchMode bool `json:"switch_mode,omitempty"`
}

type Interpreter struct {
	nlu       protocol.NLUEngine
	engine    *engine.Engine
	threshold float64
	logger    *slog.Logger
}

func NewInterpreter(nlu protocol.NLUEngine, eng *engine.Engine, threshold float64, logger *slog.Logger) *Interpreter {
	if threshold <= 0 {
		threshold = DefaultConfidenceThreshold
	}

	return &Interpreter{
		nlu:       nlu,
		engine:    eng,
		threshold: threshold,
		logger:    logger.With("module", "interpreter"),
	}
}

// Interpret parses one utterance against the run's current state and maps
// it to an outcome.
func (i *Interpreter) Interpret(ctx context.Context, runID, utterance string) (*Outcome, error) {
	state, err := i.engine.GetState(ctx, runID)
	if err != nil {
		return nil, err
	}

	uctx := protocol.UtteranceContext{
		RunID:         runID,
		RunStatus:     string(state.Status),
		CurrentStepID: i.currentStepID(ctx, runID, state),
	}

	intent, err := i.nlu.ParseUtterance(ctx, utterance, uctx)
	if err != nil {
		return nil, models.WrapEngineError(models.KindInternal, err, "failed to parse utterance")
	}

	return i.MapIntent(ctx, intent, state)
}

// MapIntent converts a recognized intent into an outcome. Low confidence
// and missing parameters both produce a clarification instead of a guess.
func (i *Interpreter) MapIntent(ctx context.Context, intent *protocol.Intent, state *models.ExecutionContext) (*Outcome, error) {
	if intent.Confidence < i.threshold {
		return clarify(intent.Name, "intent",
			"I am not sure what you meant. Could you rephrase that?"), nil
	}

	cmd := &models.Command{
		RunID:           state.RunID,
		Issuer:          models.IssuerConversational,
		ExpectedVersion: state.Version,
	}

	switch intent.Name {
	case "start":
		cmd.Kind = models.CommandStart
	case "pause":
		cmd.Kind = models.CommandPause
	case "resume":
		cmd.Kind = models.CommandResume
	case "cancel":
		cmd.Kind = models.CommandCancel
	case "status":
		return &Outcome{Reply: i.describeStatus(state)}, nil
	case "explain-step":
		return i.explainStep(ctx, intent, state)
	case "set-variable":
		name, ok := entityString(intent, "name")
		if !ok {
			return clarify(intent.Name, "name", "Which variable should I set?"), nil
		}

		value, ok := intent.Entities["value"]
		if !ok {
			return clarify(intent.Name, "value",
				fmt.Sprintf("What value should %q take?", name)), nil
		}

		cmd.Kind = models.CommandSetVariable
		cmd.VariableName = name
		cmd.VariableValue = value
	case "switch-mode":
		mode, ok := entityString(intent, "mode")
		if !ok {
			return clarify(intent.Name, "mode",
				"Which mode do you want: visual, conversational or hybrid?"), nil
		}

		cmd.Kind = models.CommandSwitchMode
		cmd.TargetMode = models.ExecutionMode(strings.ToLower(mode))

		return &Outcome{Command: cmd, SwitchMode: true}, nil
	case "skip", "retry":
		target, ok := i.advanceTarget(intent, state)
		if !ok {
			return clarify(intent.Name, "step",
				"Which step do you mean? Several are active right now."), nil
		}

		if state.Status.Terminal() {
			return &Outcome{Reply: i.describeRecovery(state)}, nil
		}

		cmd.Kind = models.CommandAdvanceNode

		// A conversational run only takes step addresses, so the node is
		// translated through the journey projection first.
		if state.Mode == models.ModeConversational {
			stepID, found := i.stepForNode(ctx, state.RunID, target)
			if !found {
				return clarify(intent.Name, "step",
					fmt.Sprintf("I could not find a step covering %q.", target)), nil
			}

			cmd.TargetStepID = stepID
		} else {
			cmd.TargetNodeID = target
		}
	default:
		return clarify(intent.Name, "intent",
			fmt.Sprintf("I do not know how to %q here.", intent.Name)), nil
	}

	return &Outcome{Command: cmd}, nil
}

func clarify(intent, param, question string) *Outcome {
	return &Outcome{Clarification: &models.ClarificationRequest{
		Question:      question,
		ExpectedParam: param,
		Intent:        intent,
	}}
}

func entityString(intent *protocol.Intent, key string) (string, bool) {
	raw, ok := intent.Entities[key]
	if !ok {
		return "", false
	}

	str, ok := raw.(string)
	if !ok || str == "" {
		return "", false
	}

	return str, true
}

// advanceTarget resolves the node a skip/retry intent refers to: the
// extracted entity when given, or the single active node when unambiguous.
func (i *Interpreter) advanceTarget(intent *protocol.Intent, state *models.ExecutionContext) (string, bool) {
	if node, ok := entityString(intent, "node"); ok {
		return node, true
	}

	if len(state.Cursor) == 1 {
		return state.Cursor[0], true
	}

	return "", false
}

func (i *Interpreter) describeStatus(state *models.ExecutionContext) string {
	switch state.Status {
	case models.RunStatusIdle:
		return "The run has not started yet. Say \"start\" to begin."
	case models.RunStatusCompleted:
		return "The run finished successfully."
	case models.RunStatusFailed:
		return fmt.Sprintf("The run failed: %s. %s", state.FailureDetail, i.describeRecovery(state))
	case models.RunStatusPaused:
		return fmt.Sprintf("The run is paused at %s.", strings.Join(state.Cursor, ", "))
	default:
		return fmt.Sprintf("The run is in progress, currently at %s (%d of the workflow's nodes done).",
			strings.Join(state.Cursor, ", "), len(state.Completed))
	}
}

// describeRecovery renders the valid recovery actions for a failed run as
// a plain-language suggestion.
func (i *Interpreter) describeRecovery(state *models.ExecutionContext) string {
	actions := models.RecoveryActions(state.FailureKind)
	if len(actions) == 0 {
		return "You can start a new run."
	}

	return "You can: " + strings.Join(actions, ", ") + "."
}

func (i *Interpreter) explainStep(ctx context.Context, intent *protocol.Intent, state *models.ExecutionContext) (*Outcome, error) {
	jny, err := i.engine.Journey(ctx, state.RunID)
	if err != nil {
		return nil, err
	}

	stepID, ok := entityString(intent, "step")
	if !ok {
		stepID = i.currentStepID(ctx, state.RunID, state)
	}

	if stepID == "" {
		return clarify(intent.Name, "step", "Which step should I explain?"), nil
	}

	step := jny.StepByID(stepID)
	if step == nil {
		return clarify(intent.Name, "step",
			fmt.Sprintf("I could not find a step called %q.", stepID)), nil
	}

	reply := fmt.Sprintf("%q is a %s step covering %s.",
		step.Name, step.Kind, strings.Join(step.SourceNodeIDs, ", "))
	if len(step.Options) > 0 {
		labels := make([]string, 0, len(step.Options))
		for _, opt := range step.Options {
			labels = append(labels, opt.Label)
		}

		reply += " Possible outcomes: " + strings.Join(labels, ", ") + "."
	}

	return &Outcome{Reply: reply}, nil
}

// currentStepID maps the first active node onto its journey step, when the
// graph has a conversational projection at all.
func (i *Interpreter) currentStepID(ctx context.Context, runID string, state *models.ExecutionContext) string {
	if len(state.Cursor) == 0 {
		return ""
	}

	stepID, _ := i.stepForNode(ctx, runID, state.Cursor[0])

	return stepID
}

// stepForNode translates a graph node onto the journey step covering it.
func (i *Interpreter) stepForNode(ctx context.Context, runID, nodeID string) (string, bool) {
	jny, err := i.engine.Journey(ctx, runID)
	if err != nil {
		return "", false
	}

	return jny.StepForNode(nodeID)
}
