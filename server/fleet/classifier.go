package fleet

import (
	"time"

	"github.com/idlewatch/idlewatch/server/store"
)

// Classify derives a machine's status from its most recent report. The
// rules apply in order:
//
//  1. offline when the machine has never reported, or the gap since
//     lastSeen exceeds offlineThreshold
//  2. idle when the agent reported idleness and the reported idle run
//     exceeds idleThreshold
//  3. online otherwise
//
// Both comparisons are strict: a machine exactly at a threshold has not
// crossed it.
func Classify(now, lastSeen time.Time, reportedIdle bool, idleSeconds int64, idleThreshold, offlineThreshold time.Duration) string {
	if lastSeen.IsZero() || now.Sub(lastSeen) > offlineThreshold {
		return store.StatusOffline
	}
	if reportedIdle && time.Duration(idleSeconds)*time.Second > idleThreshold {
		return store.StatusIdle
	}
	return store.StatusOnline
}
