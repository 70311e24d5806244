package vault

import "fmt"

// Byte-size units used for the progress ticker's speed formatting.
const (
	byteUnit int64 = 1
	kbUnit         = 1024 * byteUnit
	mbUnit         = 1024 * kbUnit
)

// FormatSpeed renders a bytes-per-second rate as "B/s", "KB/s" (one
// decimal), or "MB/s" (one decimal), matching the throttled progress
// ticker's wire format (§4.3).
func FormatSpeed(bytesPerSecond float64) string {
	switch {
	case bytesPerSecond >= float64(mbUnit):
		return fmt.Sprintf("%.1f MB/s", bytesPerSecond/float64(mbUnit))
	case bytesPerSecond >= float64(kbUnit):
		return fmt.Sprintf("%.1f KB/s", bytesPerSecond/float64(kbUnit))
	default:
		return fmt.Sprintf("%.0f B/s", bytesPerSecond)
	}
}
