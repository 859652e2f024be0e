// Package journey projects a workflow graph onto its conversational
// representation: an ordered, branching sequence of steps that a chat
// surface can walk one turn at a time.
package journey

// StepKind is the closed set of journey step variants.
type StepKind string

const (
	StepKindSequential    StepKind = "sequential"
	StepKindBranch        StepKind = "branch"
	StepKindLoopPrompt    StepKind = "loop_prompt"
	StepKindParallelGroup StepKind = "parallel_group"
)

// BranchOption is one selectable outcome of a Branch step. The engine, not
// the client, decides which option a run actually takes.
type BranchOption struct {
	Label     string `json:"label"`
	Condition string `json:"condition,omitempty"`
	Default   bool   `json:"default,omitempty"`
	NodeID    string `json:"node_id"` // First node of the branch
}

// ParallelBranch is one concurrent limb of a ParallelGroup step, mapped
// recursively to its own step sequence.
type ParallelBranch struct {
	EntryNodeID string         `json:"entry_node_id"`
	Steps       []*JourneyStep `json:"steps"`
}

// JourneyStep is one conversational unit. Sequential steps may collapse a
// whole single-predecessor/single-successor chain of graph nodes.
type JourneyStep struct {
	ID            string   `json:"id"`
	Kind          StepKind `json:"kind"`
	Name          string   `json:"name"`
	SourceNodeIDs []string `json:"source_node_ids"`

	// Branch steps only.
	Options []BranchOption `json:"options,omitempty"`

	// LoopPrompt steps only. The journey never unrolls iterations ahead of
	// time; Restartable marks that the body may be walked again.
	Restartable bool           `json:"restartable,omitempty"`
	Body        []*JourneyStep `json:"body,omitempty"`

	// ParallelGroup steps only. Completion is the AND-join of all branches.
	Branches []*ParallelBranch `json:"branches,omitempty"`
}

// Journey is the derived, cached projection of one workflow graph,
// regenerated whenever the graph's content hash changes.
type Journey struct {
	WorkflowID string         `json:"workflow_id"`
	GraphHash  string         `json:"graph_hash"`
	Steps      []*JourneyStep `json:"steps"`

	stepsByID  map[string]*JourneyStep
	nodeToStep map[string]string
}

// StepByID returns the step with the given id, nested steps included, or nil.
func (j *Journey) StepByID(id string) *JourneyStep {
	return j.stepsByID[id]
}

// StepForNode translates a graph node id to the journey step covering it.
func (j *Journey) StepForNode(nodeID string) (string, bool) {
	id, ok := j.nodeToStep[nodeID]

	return id, ok
}

// NodesForStep translates a journey step id back to the graph node ids it
// covers.
func (j *Journey) NodesForStep(stepID string) ([]string, bool) {
	step, ok := j.stepsByID[stepID]
	if !ok {
		return nil, false
	}

	return append([]string(nil), step.SourceNodeIDs...), true
}

// index rebuilds the lookup tables after mapping. Nested steps are indexed
// after their container so a member node resolves to the most precise step.
func (j *Journey) index() {
	j.stepsByID = make(map[string]*JourneyStep)
	j.nodeToStep = make(map[string]string)

	var walk func(steps []*JourneyStep)
	walk = func(steps []*JourneyStep) {
		for _, s := range steps {
			j.stepsByID[s.ID] = s

			for _, nodeID := range s.SourceNodeIDs {
				j.nodeToStep[nodeID] = s.ID
			}

			walk(s.Body)

			for _, b := range s.Branches {
				walk(b.Steps)
			}
		}
	}

	walk(j.Steps)
}
