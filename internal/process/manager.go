package process

import "encoding/json"

// ProcessManager is the abstract base of spec.md §4.9: a concrete
// implementation supplies the per-domain step sequencing for one process
// type, parametrised by its own state struct S. Every method is pure; all
// persistence and transaction handling live in Engine[S].
type ProcessManager[S any] interface {
	// ProcessType names the process this manager drives, matched against
	// process.process_type to route replies to it.
	ProcessType() string
	// Domain is the command-bus domain this process type operates in.
	Domain() string

	// CreateInitialState builds the process's starting state from the data
	// passed to Start.
	CreateInitialState(initialData json.RawMessage) (S, error)
	// GetFirstStep picks the step start() issues first.
	GetFirstStep(state S) Step
	// BuildCommand renders a step into the command type and payload to
	// send; called for both forward steps and compensation steps.
	BuildCommand(step Step, state S) (commandType string, data json.RawMessage, err error)
	// UpdateState folds a successful reply into a new state; typically
	// returns a mutated copy rather than mutating in place.
	UpdateState(state S, step Step, reply Reply) (S, error)
	// GetNextStep picks the step to run after a successful reply; ok=false
	// means the process is complete.
	GetNextStep(currentStep Step, reply Reply, state S) (next Step, ok bool)
	// GetCompensationStep maps a step to its reversal, if one exists.
	GetCompensationStep(step Step) (compensation Step, ok bool)
}
