// ABOUTME: Stateless replay window check for signed request timestamps
// ABOUTME: Accepts timestamps within +/- tolerance seconds of the current time

package auth

import (
	"strconv"
	"strings"
	"time"
)

// DefaultTimestampTolerance is the replay window, in seconds, used when none is configured.
const DefaultTimestampTolerance int64 = 60

// TimestampValid reports whether timestamp (decimal seconds since the Unix epoch)
// lies within toleranceSeconds of now, in either direction.
//
// A value that does not parse as an integer is treated as 0 and therefore
// fails the range check. No nonce state is kept: a captured request replayed
// inside the window is not rejected here.
func TimestampValid(timestamp string, toleranceSeconds int64, now time.Time) bool {
	if toleranceSeconds < 0 {
		return false
	}
	requestTime := parseTimestamp(timestamp)
	current := now.Unix()
	// Bounds form avoids overflow on extreme parsed values.
	return requestTime >= current-toleranceSeconds && requestTime <= current+toleranceSeconds
}

func parseTimestamp(v string) int64 {
	secs, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return 0
	}
	return secs
}
