package throttle

import (
	"fmt"
	"time"
)

// FormatWait renders a remaining wait for notifications, e.g. "45 seconds",
// "1 minute", "3 minutes" or "2:30".
func FormatWait(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	if d < time.Minute {
		return fmt.Sprintf("%d seconds", int(d/time.Second))
	}
	mins := int(d / time.Minute)
	secs := int((d % time.Minute) / time.Second)
	if secs > 0 {
		return fmt.Sprintf("%d:%02d", mins, secs)
	}
	if mins == 1 {
		return "1 minute"
	}
	return fmt.Sprintf("%d minutes", mins)
}
