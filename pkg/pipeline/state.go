package pipeline

import "fmt"

// State is a step of a generation run
type State int

const (
	StateIdle State = iota
	StateSelectingImage
	StateGeneratingMesh
	StateSimplifying
	StatePainting
	StateExporting
	StateDone
	StateFailed
)

var stateNames = [...]string{
	StateIdle:           "idle",
	StateSelectingImage: "selecting_image",
	StateGeneratingMesh: "generating_mesh",
	StateSimplifying:    "simplifying",
	StatePainting:       "painting",
	StateExporting:      "exporting",
	StateDone:           "done",
	StateFailed:         "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText encodes the state name
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether no transition leaves s
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// next is the only forward edge out of each non-terminal state
var next = map[State]State{
	StateIdle:           StateSelectingImage,
	StateSelectingImage: StateGeneratingMesh,
	StateGeneratingMesh: StateSimplifying,
	StateSimplifying:    StatePainting,
	StatePainting:       StateExporting,
	StateExporting:      StateDone,
}

// CanTransition reports whether to directly follows s.
// Failed is reachable from every non-terminal state.
func (s State) CanTransition(to State) bool {
	if s.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	n, ok := next[s]
	return ok && n == to
}

// isModelStage reports whether s runs a generative model
func (s State) isModelStage() bool {
	return s == StateGeneratingMesh || s == StatePainting
}
