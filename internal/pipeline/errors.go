package pipeline

import (
	"errors"
	"fmt"
)

// Steps of a run.
const (
	StepDiscover    = "discover"
	StepFetch       = "fetch"
	StepExtract     = "extract"
	StepMaterialize = "materialize"
	StepMerge       = "merge"
	StepStage       = "stage"
)

// Sentinels matched by errors.Is against a *StageError of the same step.
var (
	ErrDiscover    = errors.New("discover failed")
	ErrFetch       = errors.New("fetch failed")
	ErrExtract     = errors.New("extract failed")
	ErrMaterialize = errors.New("materialize failed")
	ErrMerge       = errors.New("merge failed")
	ErrStage       = errors.New("stage failed")
)

var stepErrors = map[string]error{
	StepDiscover:    ErrDiscover,
	StepFetch:       ErrFetch,
	StepExtract:     ErrExtract,
	StepMaterialize: ErrMaterialize,
	StepMerge:       ErrMerge,
	StepStage:       ErrStage,
}

// StageError reports the step and source a run failed on. The cause keeps
// its own type (TransportError, ParseError, SchemaError, ...) and is
// reachable with errors.As.
type StageError struct {
	Step   string
	Source string // empty for discovery
	Err    error
}

func (e *StageError) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("%s: %v", e.Step, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Step, e.Source, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Is matches the sentinel for e.Step.
func (e *StageError) Is(target error) bool {
	return stepErrors[e.Step] == target
}

func stepError(step, source string, err error) error {
	return &StageError{Step: step, Source: source, Err: err}
}
