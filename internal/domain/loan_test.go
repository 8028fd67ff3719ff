package domain

import (
	"testing"
	"time"
)

func TestLoanDaysRemaining(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	loan := Loan{StartDate: start, TermDays: 30}

	cases := []struct {
		name string
		now  time.Time
		want int
	}{
		{name: "at start", now: start, want: 30},
		{name: "partial day rounds up", now: start.Add(36 * time.Hour), want: 29},
		{name: "at maturity", now: start.AddDate(0, 0, 30), want: 0},
		{name: "past maturity", now: start.AddDate(0, 0, 45), want: 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := loan.DaysRemaining(tc.now); got != tc.want {
				t.Fatalf("DaysRemaining() = %d, want %d", got, tc.want)
			}
		})
	}
}
