package main

import "testing"

func TestParseRange(t *testing.T) {
	r, err := parseRange("1", "11")
	if err != nil {
		t.Fatalf("parseRange failed: %v", err)
	}
	if r.Lower != 1 || r.Upper != 11 || r.String() != "1_11" {
		t.Errorf("parsed %+v", r)
	}
	if _, err := parseRange("one", "11"); err == nil {
		t.Errorf("expected an error for a non-numeric bound")
	}
}

func TestParseFlag(t *testing.T) {
	tests := []struct {
		in      string
		want    bool
		wantErr bool
	}{
		{"0", false, false},
		{"1", true, false},
		{"yes", false, true},
		{"", false, true},
	}
	for _, tt := range tests {
		got, err := parseFlag("doDivide", tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("parseFlag(%q) = %t, %v", tt.in, got, err)
		}
	}
}
