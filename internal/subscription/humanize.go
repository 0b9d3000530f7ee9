package subscription

import (
	"fmt"
	"time"
)

// FormatRemaining renders d rounded up to whole hours, or to whole minutes
// when at most an hour is left.
func FormatRemaining(d time.Duration) string {
	if d <= 0 {
		return "0 minutes"
	}
	if hours := ceilDiv(d, time.Hour); hours > 1 {
		return fmt.Sprintf("%d hours", hours)
	}
	minutes := ceilDiv(d, time.Minute)
	if minutes == 1 {
		return "1 minute"
	}
	return fmt.Sprintf("%d minutes", minutes)
}

func ceilDiv(d, unit time.Duration) int64 {
	return int64((d + unit - 1) / unit)
}
