package server

import (
	"testing"
	"time"
)

func TestIsDue(t *testing.T) {
	recent := time.Now().Add(-30 * time.Minute)
	old := time.Now().Add(-25 * time.Hour)

	cases := []struct {
		name string
		spec string
		last *time.Time
		want bool
	}{
		{"daily never run", "@daily", nil, true},
		{"daily recent", "@daily", &recent, false},
		{"daily stale", "@daily", &old, true},
		{"hourly recent", "@hourly", &recent, false},
		{"hourly stale", "@hourly", &old, true},
		{"cron never run", "0 6 * * *", nil, true},
		{"cron stale", "0 6 * * *", &old, true},
		{"invalid spec stale", "bananas", &old, true},
		{"invalid spec recent", "bananas", &recent, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := isDue(tc.spec, tc.last); got != tc.want {
				t.Fatalf("isDue(%q) = %v, want %v", tc.spec, got, tc.want)
			}
		})
	}
}
