package fleet

import (
	"testing"
	"time"

	"github.com/idlewatch/idlewatch/server/store"
)

func TestClassify(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	idleThreshold := 300 * time.Second
	offlineThreshold := 120 * time.Second

	cases := []struct {
		name         string
		lastSeen     time.Time
		reportedIdle bool
		idleSeconds  int64
		want         string
	}{
		{"never reported", time.Time{}, false, 0, store.StatusOffline},
		{"silent past threshold", now.Add(-200 * time.Second), false, 0, store.StatusOffline},
		{"silent exactly at threshold", now.Add(-120 * time.Second), false, 0, store.StatusOnline},
		{"fresh and active", now.Add(-10 * time.Second), false, 0, store.StatusOnline},
		{"fresh and idle past threshold", now.Add(-10 * time.Second), true, 400, store.StatusIdle},
		{"idle exactly at threshold", now.Add(-10 * time.Second), true, 300, store.StatusOnline},
		{"long idle run but not reported idle", now.Add(-10 * time.Second), false, 5000, store.StatusOnline},
		{"reported idle but short run", now.Add(-10 * time.Second), true, 30, store.StatusOnline},
		{"offline wins over idle", now.Add(-300 * time.Second), true, 5000, store.StatusOffline},
	}

	for _, tc := range cases {
		got := Classify(now, tc.lastSeen, tc.reportedIdle, tc.idleSeconds, idleThreshold, offlineThreshold)
		if got != tc.want {
			t.Errorf("%s: got %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestClassifyFutureLastSeen(t *testing.T) {
	// Clock skew: a report stamped slightly ahead of the server clock must
	// not look offline.
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	got := Classify(now, now.Add(5*time.Second), false, 0, 300*time.Second, 120*time.Second)
	if got != store.StatusOnline {
		t.Errorf("future last_seen classified as %s, want %s", got, store.StatusOnline)
	}
}
