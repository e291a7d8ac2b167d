package models

import (
	"errors"
	"testing"
)

func TestSubjectRangeValidate(t *testing.T) {
	tests := []struct {
		name    string
		r       SubjectRange
		wantErr bool
	}{
		{"whole cohort", SubjectRange{Lower: 1, Upper: 21}, false},
		{"single subject", SubjectRange{Lower: 7, Upper: 7}, false},
		{"starts at zero", SubjectRange{Lower: 0, Upper: 11}, false},
		{"negative lower", SubjectRange{Lower: -1, Upper: 3}, true},
		{"reversed", SubjectRange{Lower: 5, Upper: 4}, true},
		{"past the cohort", SubjectRange{Lower: 12, Upper: 22}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.r.Validate(21)
			if tt.wantErr && !errors.Is(err, ErrInvalidRange) {
				t.Errorf("expected ErrInvalidRange, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestSubjectRangeSubjects(t *testing.T) {
	r := SubjectRange{Lower: 3, Upper: 6}
	got := r.Subjects()
	if len(got) != r.Len() || got[0] != 3 || got[len(got)-1] != 6 {
		t.Errorf("Subjects() = %v", got)
	}
	if !r.Contains(4) || r.Contains(7) {
		t.Errorf("Contains disagrees with [3, 6]")
	}
	if r.String() != "3_6" {
		t.Errorf("String() = %q", r.String())
	}
}

func TestSubjectRangeFromZero(t *testing.T) {
	r := SubjectRange{Lower: 0, Upper: 3}
	got := r.Subjects()
	if len(got) != 3 || got[0] != 1 || got[2] != 3 {
		t.Errorf("Subjects() = %v, want [1 2 3]", got)
	}
	if r.Len() != 3 || r.Contains(0) {
		t.Errorf("index 0 should not be a subject: Len %d, Contains(0) %t", r.Len(), r.Contains(0))
	}
	if r.String() != "0_3" {
		t.Errorf("String() = %q", r.String())
	}

	empty := SubjectRange{Lower: 0, Upper: 0}
	if empty.Len() != 0 || len(empty.Subjects()) != 0 {
		t.Errorf("[0, 0] should hold no subjects, got %v", empty.Subjects())
	}
}
