package clock

import (
	"testing"
	"time"
)

func TestDayDifference_IgnoresTimeOfDay(t *testing.T) {
	c := NewFixed(time.Date(2025, 8, 5, 23, 59, 0, 0, time.UTC))

	tests := []struct {
		name string
		a, b time.Time
		want int
	}{
		{
			name: "late_evening_to_early_morning",
			a:    time.Date(2025, 8, 5, 23, 59, 0, 0, time.UTC),
			b:    time.Date(2025, 8, 8, 0, 1, 0, 0, time.UTC),
			want: 3,
		},
		{
			name: "same_day",
			a:    time.Date(2025, 8, 5, 0, 0, 0, 0, time.UTC),
			b:    time.Date(2025, 8, 5, 23, 0, 0, 0, time.UTC),
			want: 0,
		},
		{
			name: "past_reference",
			a:    time.Date(2025, 8, 10, 8, 0, 0, 0, time.UTC),
			b:    time.Date(2025, 8, 8, 20, 0, 0, 0, time.UTC),
			want: -2,
		},
		{
			name: "across_month",
			a:    time.Date(2025, 1, 31, 12, 0, 0, 0, time.UTC),
			b:    time.Date(2025, 2, 1, 1, 0, 0, 0, time.UTC),
			want: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.DayDifference(tt.a, tt.b); got != tt.want {
				t.Errorf("DayDifference() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestDayDifference_UsesBusinessLocation(t *testing.T) {
	bc, err := NewBusiness("America/Sao_Paulo")
	if err != nil {
		t.Skipf("timezone data unavailable: %v", err)
	}

	// 02:00 UTC on the 8th is still the 7th in Sao Paulo (UTC-3).
	a := time.Date(2025, 8, 4, 12, 0, 0, 0, time.UTC)
	b := time.Date(2025, 8, 8, 2, 0, 0, 0, time.UTC)

	if got := bc.DayDifference(a, b); got != 3 {
		t.Errorf("DayDifference() = %d, want 3", got)
	}
}

func TestDayDifference_AcrossDST(t *testing.T) {
	bc, err := NewBusiness("Europe/Berlin")
	if err != nil {
		t.Skipf("timezone data unavailable: %v", err)
	}
	loc := bc.Location()

	// 2025-03-30 is a 23h day in Berlin.
	a := time.Date(2025, 3, 29, 12, 0, 0, 0, loc)
	b := time.Date(2025, 3, 31, 0, 30, 0, 0, loc)

	if got := bc.DayDifference(a, b); got != 2 {
		t.Errorf("DayDifference() = %d, want 2", got)
	}
}

func TestNewBusiness_InvalidZone(t *testing.T) {
	if _, err := NewBusiness("Not/AZone"); err == nil {
		t.Fatal("expected error for unknown zone")
	}
}

func TestNewBusiness_EmptyIsUTC(t *testing.T) {
	bc, err := NewBusiness("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bc.Location() != time.UTC {
		t.Errorf("expected UTC, got %s", bc.Location())
	}
	if bc.Now().Location() != time.UTC {
		t.Errorf("Now() should be expressed in UTC")
	}
}

func TestFixed_AdvanceAndSet(t *testing.T) {
	start := time.Date(2025, 8, 7, 8, 2, 0, 0, time.UTC)
	c := NewFixed(start)

	c.Advance(5 * time.Minute)
	if got := c.Now(); !got.Equal(start.Add(5 * time.Minute)) {
		t.Errorf("Now() = %s after Advance", got)
	}

	next := time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)
	c.Set(next)
	if got := c.Now(); !got.Equal(next) {
		t.Errorf("Now() = %s after Set", got)
	}
}

func TestStartOfDay(t *testing.T) {
	got := StartOfDay(time.UTC, time.Date(2025, 8, 7, 18, 45, 12, 9, time.UTC))
	want := time.Date(2025, 8, 7, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("StartOfDay() = %s, want %s", got, want)
	}
}
