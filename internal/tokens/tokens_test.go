package tokens

import (
	"testing"
)

func TestEstimator_Count(t *testing.T) {
	tests := []struct {
		name string
		per  float64
		text string
		want int
	}{
		{"empty", 4, "", 0},
		{"rounds up", 4, "hello", 2},
		{"exact", 4, "abcdefgh", 2},
		{"custom ratio", 2, "abcde", 3},
		{"zero ratio uses default", 0, "abcd", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &Estimator{CharsPerToken: tt.per}
			if got := e.Count(tt.text); got != tt.want {
				t.Errorf("Count(%q) = %d, want %d", tt.text, got, tt.want)
			}
		})
	}
}

func TestTiktokenCounter_Count(t *testing.T) {
	c := NewTiktokenCounter(nil)

	if got := c.Count(""); got != 0 {
		t.Errorf("Count(\"\") = %d, want 0", got)
	}

	short := c.Count("Hello there")
	if short < 1 || short > 5 {
		t.Errorf("Count(short) = %d, want 1..5", short)
	}

	long := c.Count("The flow finished and the answer to the question is forty two, as expected.")
	if long <= short {
		t.Errorf("Count(long) = %d, want more than %d", long, short)
	}
}

type fixedCounter int

func (f fixedCounter) Count(string) int { return int(f) }

func TestTiktokenCounter_FallbackOnLoadError(t *testing.T) {
	c := &TiktokenCounter{
		encoding: "no-such-encoding",
		fallback: fixedCounter(7),
		logger:   NewTiktokenCounter(nil).logger,
	}

	if got := c.Count("anything"); got != 7 {
		t.Errorf("Count() = %d, want fallback 7", got)
	}
}
