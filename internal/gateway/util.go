package gateway

import "time"

func unixToTime(sec int) time.Time {
	return time.Unix(int64(sec), 0).UTC()
}
