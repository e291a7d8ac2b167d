package pipeline

import (
	"fmt"
	"sort"
	"time"

	"mriatlas/internal/models"
)

// Stage names a registration pass.
type Stage string

const (
	StageAffine     Stage = "affine"
	StageDeformable Stage = "deformable"
	StageSetup      Stage = "setup"
)

// SubjectError reports which subject failed in which stage.
type SubjectError struct {
	Subject int
	Stage   Stage
	Err     error
}

func (e *SubjectError) Error() string {
	return fmt.Sprintf("subject %d: %s stage: %v", e.Subject, e.Stage, e.Err)
}

func (e *SubjectError) Unwrap() error {
	return e.Err
}

// SubjectResult records the outcome of one subject in one stage.
type SubjectResult struct {
	Subject int
	Stage   Stage

	// Reference is set when the subject is the registration target and
	// contributed without being registered
	Reference bool

	// Value is the final similarity (mean squared difference)
	Value      float64
	Iterations int
	Converged  bool
	Duration   time.Duration

	// Err is set for failed subjects; Skipped when the run continued without them
	Err     error
	Skipped bool
}

// Report summarises a stage over a subject range.
type Report struct {
	Stage Stage
	Range models.SubjectRange

	// Results is keyed by subject index
	Results map[int]*SubjectResult

	Contributions int
	Divided       bool
	Divisor       float64

	// OutputName is the file the stage output was saved as
	OutputName string
	Output     *models.Volume
}

func newReport(stage Stage, r models.SubjectRange) *Report {
	return &Report{Stage: stage, Range: r, Results: make(map[int]*SubjectResult)}
}

// Subjects returns the subjects with a result, in ascending order.
func (r *Report) Subjects() []int {
	out := make([]int, 0, len(r.Results))
	for s := range r.Results {
		out = append(out, s)
	}
	sort.Ints(out)
	return out
}

// Failed returns the results carrying an error, in subject order.
func (r *Report) Failed() []*SubjectResult {
	var out []*SubjectResult
	for _, s := range r.Subjects() {
		if res := r.Results[s]; res.Err != nil {
			out = append(out, res)
		}
	}
	return out
}
