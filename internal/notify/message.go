package notify

import (
	"fmt"
	"strings"

	"github.com/couchtail/couchtail/internal/feed"
)

// FormatTerminatedMessage creates the notification body for a finished
// or failed follow run.
func FormatTerminatedMessage(statuses []feed.Status, err error) string {
	var sb strings.Builder

	for _, status := range statuses {
		sb.WriteString(fmt.Sprintf("%s: %s at seq %s (%d changes", status.Database, status.State, status.Position, status.Processed))
		if status.Malformed > 0 {
			sb.WriteString(fmt.Sprintf(", %d malformed", status.Malformed))
		}
		sb.WriteString(")\n")
		if status.LastError != "" {
			sb.WriteString(fmt.Sprintf("  last error: %s\n", status.LastError))
		}
	}

	if err != nil {
		sb.WriteString(fmt.Sprintf("\nError: %v", err))
	}

	return sb.String()
}
