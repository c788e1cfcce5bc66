package conform

import (
	"fmt"
	"time"
)

// ReasonEnforcementNotVerified is the exact failure reason emitted when a
// trial recorded no boundary activations. Kept as a constant because
// downstream reports and tests assert on the string.
const ReasonEnforcementNotVerified = "No boundary violations were blocked (enforcement not verified)"

func durationReason(elapsed, min time.Duration) string {
	return fmt.Sprintf("Trial duration %.1fh is below the required %.0fh minimum", elapsed.Hours(), min.Hours())
}

func passRateReason(rate, min float64) string {
	return fmt.Sprintf("Pass rate %.2f%% is below the required %.2f%% minimum", rate, min)
}

func volumeReason(total, min int64) string {
	return fmt.Sprintf("Insufficient volume: %d samples collected, %d required", total, min)
}
