package models

import "fmt"

// NoReference marks a SubjectRange whose registration target is not one of
// the cohort subjects (for example an externally supplied template).
const NoReference = -1

// SubjectRange is the inclusive interval of subject indices processed by one
// pipeline invocation. Disjoint ranges can run independently and their
// partial sums are combined afterwards.
type SubjectRange struct {
	Lower int
	Upper int

	// FixedIndex is the subject used as the registration target, or NoReference
	FixedIndex int
}

// Validate checks 0 <= lower <= upper <= subjectCount.
func (r SubjectRange) Validate(subjectCount int) error {
	if r.Lower < 0 || r.Lower > r.Upper || r.Upper > subjectCount {
		return fmt.Errorf("%w: need 0 <= lower <= upper <= %d, got [%d, %d]",
			ErrInvalidRange, subjectCount, r.Lower, r.Upper)
	}
	return nil
}

// Len returns the number of subjects in the range.
func (r SubjectRange) Len() int {
	if r.Upper < r.first() {
		return 0
	}
	return r.Upper - r.first() + 1
}

// Contains reports whether subject i lies in the range.
func (r SubjectRange) Contains(i int) bool {
	return i >= r.first() && i <= r.Upper
}

// Subjects lists the subject indices of the range in ascending order.
// Subjects are numbered from 1; a lower bound of 0 names no extra subject.
func (r SubjectRange) Subjects() []int {
	out := make([]int, 0, r.Len())
	for i := r.first(); i <= r.Upper; i++ {
		out = append(out, i)
	}
	return out
}

func (r SubjectRange) first() int {
	if r.Lower < 1 {
		return 1
	}
	return r.Lower
}

// String renders the range the way partial outputs are named, e.g. "1_11".
func (r SubjectRange) String() string {
	return fmt.Sprintf("%d_%d", r.Lower, r.Upper)
}
