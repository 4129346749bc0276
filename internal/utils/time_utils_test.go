package utils

import (
	"testing"
	"time"
)

func TestParseStringTime(t *testing.T) {
	tests := []struct {
		timeString string
		expected   time.Duration
	}{
		{"10s", 10 * time.Second},
		{"20M", 20 * time.Minute},
		{"48h", 48 * time.Hour},
		{"2d", 2 * time.Hour * 24},
		{"250ms", 250 * time.Millisecond},
		{"bogus", 0},
	}

	for _, test := range tests {
		result := ParseStringTime(test.timeString)
		if result != test.expected {
			t.Errorf("ParseStringTime(%s): expected %v, got %v", test.timeString, test.expected, result)
		}
	}
}

func TestParseStringTimeOr(t *testing.T) {
	if d := ParseStringTimeOr("", time.Minute); d != time.Minute {
		t.Errorf("expected fallback, got %v", d)
	}
	if d := ParseStringTimeOr("x1", time.Minute); d != time.Minute {
		t.Errorf("expected fallback for invalid value, got %v", d)
	}
	if d := ParseStringTimeOr("3s", time.Minute); d != 3*time.Second {
		t.Errorf("expected 3s, got %v", d)
	}
}
