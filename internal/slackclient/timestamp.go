package slackclient

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseTimestamp converts a Slack timestamp ("1717200000.123456") to a UTC
// time with microsecond precision. ok is false for malformed input.
func ParseTimestamp(ts string) (t time.Time, ok bool) {
	secPart, fracPart, _ := strings.Cut(ts, ".")
	sec, err := strconv.ParseInt(secPart, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	var usec int64
	if fracPart != "" {
		if len(fracPart) > 6 {
			fracPart = fracPart[:6]
		}
		fracPart += strings.Repeat("0", 6-len(fracPart))
		usec, err = strconv.ParseInt(fracPart, 10, 64)
		if err != nil {
			return time.Time{}, false
		}
	}
	return time.Unix(sec, usec*int64(time.Microsecond)).UTC(), true
}

// FormatTimestamp renders t in Slack's "<seconds>.<micros>" form.
func FormatTimestamp(t time.Time) string {
	return fmt.Sprintf("%d.%06d", t.Unix(), t.Nanosecond()/int(time.Microsecond))
}
