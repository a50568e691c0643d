package timeutil_test

import (
	"testing"
	"time"

	"github.com/sword-epi/spectra/internal/infra/timeutil"
)

func TestParseLocationIANA(t *testing.T) {
	t.Parallel()
	loc, err := timeutil.ParseLocation("Europe/Moscow")
	if err != nil {
		t.Fatalf("ParseLocation: %v", err)
	}
	if loc.String() != "Europe/Moscow" {
		t.Errorf("location: %s", loc)
	}
}

func TestParseLocationOffsets(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in     string
		offset int // секунды от UTC
	}{
		{"+03:00", 3 * 3600},
		{"-0700", -7 * 3600},
		{"UTC+3", 3 * 3600},
		{"GMT-04:30", -(4*3600 + 30*60)},
		{"Z", 0},
	}
	for _, tc := range cases {
		loc, err := timeutil.ParseLocation(tc.in)
		if err != nil {
			t.Errorf("%q: %v", tc.in, err)
			continue
		}
		_, offset := time.Date(2024, 1, 1, 12, 0, 0, 0, loc).Zone()
		if offset != tc.offset {
			t.Errorf("%q: offset %d, want %d", tc.in, offset, tc.offset)
		}
	}
}

func TestParseLocationRejectsGarbage(t *testing.T) {
	t.Parallel()
	for _, in := range []string{"", "Mars/Phobos", "+15:00", "abc"} {
		if _, err := timeutil.ParseLocation(in); err == nil {
			t.Errorf("%q must be rejected", in)
		}
	}
}

func TestFloodWaitCooldown(t *testing.T) {
	t.Parallel()
	if got := timeutil.FloodWaitCooldown(30); got != 31*time.Second {
		t.Errorf("cooldown: %v", got)
	}
	if got := timeutil.FloodWaitCooldown(0); got != 0 {
		t.Errorf("zero seconds must give zero cooldown, got %v", got)
	}
	if got := timeutil.FloodWaitCooldown(-5); got != 0 {
		t.Errorf("negative seconds must give zero cooldown, got %v", got)
	}
}
