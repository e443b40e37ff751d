package coordinator

import "time"

// nowFunc is indirected so tests can pin a clock; production always uses
// the real wall clock.
var nowFunc = time.Now

// msTime converts milliseconds since the Unix epoch (the ED's timestamp
// representation) to a time.Time.
func msTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
