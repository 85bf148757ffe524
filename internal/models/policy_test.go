package models

import (
	"testing"
	"time"
)

func TestClampToBusinessHours(t *testing.T) {
	day := func(hour int) time.Time {
		return time.Date(2026, 3, 14, hour, 30, 0, 0, time.UTC)
	}
	dayHours := SLAPolicy{BusinessHoursStart: 9, BusinessHoursEnd: 17}
	overnight := SLAPolicy{BusinessHoursStart: 20, BusinessHoursEnd: 6}
	always := SLAPolicy{}

	cases := []struct {
		name   string
		policy SLAPolicy
		in     time.Time
		want   time.Time
	}{
		{"inside window untouched", dayHours, day(11), day(11)},
		{"before open pushed to open", dayHours, day(7), time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)},
		{"after close pushed to next day", dayHours, day(19), time.Date(2026, 3, 15, 9, 0, 0, 0, time.UTC)},
		{"overnight late evening inside", overnight, day(22), day(22)},
		{"overnight early morning inside", overnight, day(4), day(4)},
		{"overnight midday pushed to open", overnight, day(12), time.Date(2026, 3, 14, 20, 0, 0, 0, time.UTC)},
		{"zero-width window disables clamping", always, day(3), day(3)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.policy.ClampToBusinessHours(tc.in); !got.Equal(tc.want) {
				t.Fatalf("got %s, want %s", got, tc.want)
			}
		})
	}
}
