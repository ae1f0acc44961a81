package scheduler

import (
	"testing"
	"time"
)

func TestParseLocation(t *testing.T) {
	cases := []struct {
		in         string
		wantOffset int
		wantErr    bool
	}{
		{"", 5*3600 + 30*60, false},
		{"+05:30", 5*3600 + 30*60, false},
		{"UTC+0530", 5*3600 + 30*60, false},
		{"-03:00", -3 * 3600, false},
		{"UTC", 0, false},
		{"+15:00", 0, true},
		{"Mars/Olympus", 0, true},
	}
	ref := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			loc, err := ParseLocation(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected err: %v", err)
			}
			if _, off := ref.In(loc).Zone(); off != tc.wantOffset {
				t.Fatalf("offset=%d, want %d", off, tc.wantOffset)
			}
		})
	}
}

func TestValidateCron(t *testing.T) {
	for _, ok := range []string{"", "-", "0 0 * * *", "0 30 0 * * *", "@daily"} {
		if err := ValidateCron(ok); err != nil {
			t.Errorf("%q: %v", ok, err)
		}
	}
	for _, bad := range []string{"midnight", "61 * * * *"} {
		if err := ValidateCron(bad); err == nil {
			t.Errorf("%q: expected error", bad)
		}
	}
}
